package service

import (
	"path/filepath"
	"strings"

	"sendfiles/internal/server/database"
)

const maxTextPreviewSize = 1 << 20

var textPreviewExtensions = map[string]bool{
	"txt": true, "md": true, "markdown": true, "rst": true, "log": true,
	"py": true, "js": true, "ts": true, "jsx": true, "tsx": true, "vue": true, "svelte": true,
	"html": true, "htm": true, "css": true, "scss": true, "sass": true, "less": true,
	"json": true, "xml": true, "yaml": true, "yml": true, "toml": true, "ini": true, "cfg": true,
	"sh": true, "bash": true, "zsh": true, "fish": true, "bat": true, "ps1": true,
	"sql": true, "graphql": true, "gql": true,
	"java": true, "kt": true, "scala": true, "groovy": true,
	"c": true, "cpp": true, "cc": true, "h": true, "hpp": true, "cs": true,
	"go": true, "rs": true, "rb": true, "php": true, "pl": true, "pm": true,
	"swift": true, "r": true, "lua": true, "ex": true, "exs": true, "erl": true,
	"dockerfile": true, "makefile": true, "cmake": true,
	"csv": true, "tsv": true,
}

// detectPreviewType classifies a file for in-browser preview. Video and audio
// are limited to formats browsers play natively, text to files up to 1 MiB.
func detectPreviewType(filename, mimeType string, size int64) database.PreviewType {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
	mt := strings.ToLower(mimeType)

	switch ext {
	case "jpg", "jpeg", "png", "gif", "webp", "svg", "bmp", "ico":
		return database.PreviewImage
	}
	if strings.HasPrefix(mt, "image/") {
		return database.PreviewImage
	}

	switch {
	case ext == "mp4", ext == "webm", ext == "ogg" && !strings.HasPrefix(mt, "audio/"):
		return database.PreviewVideo
	case mt == "video/mp4", mt == "video/webm", mt == "video/ogg":
		return database.PreviewVideo
	}

	switch {
	case ext == "mp3", ext == "wav", ext == "ogg", ext == "aac", ext == "m4a":
		return database.PreviewAudio
	case mt == "audio/mpeg", mt == "audio/wav", mt == "audio/ogg", mt == "audio/aac":
		return database.PreviewAudio
	}

	if ext == "pdf" || mt == "application/pdf" {
		return database.PreviewPDF
	}

	if textPreviewExtensions[ext] || strings.HasPrefix(mt, "text/") {
		if size <= maxTextPreviewSize {
			return database.PreviewText
		}
	}
	return database.PreviewNone
}
