package client

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
)

// Item is one file to upload.
type Item struct {
	Path     string
	Name     string
	Size     int64
	MimeType string
}

// PrepareItems turns parsed arguments into uploadable files. Directories are
// zipped into tmpDir; the returned cleanup removes those archives.
func PrepareItems(paths []ParsedPath, tmpDir string) ([]Item, func(), error) {
	var archives []string
	cleanup := func() {
		for _, p := range archives {
			os.Remove(p)
		}
	}

	items := make([]Item, 0, len(paths))
	for _, p := range paths {
		if p.Kind == PathFile {
			info, err := os.Stat(p.FullPath)
			if err != nil {
				cleanup()
				return nil, nil, err
			}
			name := filepath.Base(p.FullPath)
			items = append(items, Item{
				Path:     p.FullPath,
				Name:     name,
				Size:     info.Size(),
				MimeType: mime.TypeByExtension(filepath.Ext(name)),
			})
			continue
		}

		item, err := zipDir(p.FullPath, tmpDir)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		archives = append(archives, item.Path)
		items = append(items, item)
	}

	return items, cleanup, nil
}

func zipDir(dirPath, tmpDir string) (Item, error) {
	tree, err := BuildDirTree(dirPath)
	if err != nil {
		return Item{}, fmt.Errorf("failed to read directory %s: %w", dirPath, err)
	}
	if len(tree.Files()) == 0 {
		return Item{}, &ValidationError{Arg: dirPath, Cause: "directory has no files"}
	}

	out, err := os.CreateTemp(tmpDir, "sendfiles-*.zip")
	if err != nil {
		return Item{}, fmt.Errorf("failed to create archive: %w", err)
	}
	defer out.Close()

	if err := WriteZip(tree, out); err != nil {
		os.Remove(out.Name())
		return Item{}, err
	}
	info, err := out.Stat()
	if err != nil {
		os.Remove(out.Name())
		return Item{}, err
	}

	return Item{
		Path:     out.Name(),
		Name:     tree.Name() + ".zip",
		Size:     info.Size(),
		MimeType: "application/zip",
	}, nil
}
