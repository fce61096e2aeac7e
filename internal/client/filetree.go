package client

import (
	"os"
	"path/filepath"
)

type Node interface {
	Path() string
	Name() string
}

type File struct {
	path string
	name string
	size int64
	dir  *Dir
}

type Dir struct {
	path     string
	name     string
	children []Node
	parent   *Dir
}

func (f *File) Path() string { return f.path }
func (f *File) Name() string { return f.name }
func (f *File) Size() int64  { return f.size }

func (d *Dir) Path() string     { return d.path }
func (d *Dir) Name() string     { return d.name }
func (d *Dir) Children() []Node { return d.children }

// ArchivePath is the file's slash-separated path inside an archive of the
// tree, starting with the root directory's name.
func (f *File) ArchivePath() string {
	parts := []string{f.name}
	for d := f.dir; d != nil; d = d.parent {
		parts = append([]string{d.name}, parts...)
	}
	return filepath.ToSlash(filepath.Join(parts...))
}

// BuildDirTree walks dirPath. Symlinks and other non-regular entries are
// skipped.
func BuildDirTree(dirPath string) (*Dir, error) {
	dir := &Dir{
		path:     dirPath,
		name:     filepath.Base(dirPath),
		children: []Node{},
	}

	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return nil, err
	}

	for _, entry := range entries {
		childPath := filepath.Join(dirPath, entry.Name())

		switch {
		case entry.IsDir():
			childDir, err := BuildDirTree(childPath)
			if err != nil {
				return nil, err
			}
			childDir.parent = dir
			dir.children = append(dir.children, childDir)
		case entry.Type().IsRegular():
			info, err := entry.Info()
			if err != nil {
				return nil, err
			}
			dir.children = append(dir.children, &File{
				path: childPath,
				name: entry.Name(),
				size: info.Size(),
				dir:  dir,
			})
		}
	}

	return dir, nil
}

// Files returns every file below d, depth first in directory order.
func (d *Dir) Files() []*File {
	var out []*File
	for _, child := range d.children {
		switch n := child.(type) {
		case *File:
			out = append(out, n)
		case *Dir:
			out = append(out, n.Files()...)
		}
	}
	return out
}

// TotalSize is the uncompressed size of every file below d.
func (d *Dir) TotalSize() int64 {
	var total int64
	for _, f := range d.Files() {
		total += f.size
	}
	return total
}
