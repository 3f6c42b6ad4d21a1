package fs

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/spf13/afero"
)

// ErrExists is returned by CreateExclusive when the file is already present.
var ErrExists = errors.New("file already exists")

// FileSystem wraps the Afero Fs interface
type FileSystem struct {
	Fs afero.Fs
}

// NewMemoryFileSystem creates a new in-memory file system
func NewMemoryFileSystem() *FileSystem {
	return &FileSystem{
		Fs: afero.NewMemMapFs(),
	}
}

// NewOsFileSystem creates a file system rooted at dir on disk
func NewOsFileSystem(dir string) *FileSystem {
	return &FileSystem{
		Fs: afero.NewBasePathFs(afero.NewOsFs(), dir),
	}
}

// Sub returns a file system rooted at dir inside fs
func (fs *FileSystem) Sub(dir string) *FileSystem {
	return &FileSystem{
		Fs: afero.NewBasePathFs(fs.Fs, dir),
	}
}

// NodeType classifies an entry of a file tree
type NodeType string

const (
	NodeFile   NodeType = "file"
	NodeFolder NodeType = "folder"
)

// Node is one entry of a file tree listing
type Node struct {
	Name     string   `json:"name"`
	Path     string   `json:"path"`
	Type     NodeType `json:"type"`
	Children []Node   `json:"children,omitempty"`
}

// WriteFile creates a file with the given content or overwrites an existing one,
// creating missing parent directories first
func (fs *FileSystem) WriteFile(name string, content []byte) error {
	if err := fs.mkdirParent(name); err != nil {
		return err
	}
	if err := afero.WriteFile(fs.Fs, name, content, 0644); err != nil {
		return fmt.Errorf("error writing file %s: %w", name, err)
	}
	return nil
}

// CreateExclusive writes content only if name does not exist yet. A failed
// write removes the file again so no partial content is left behind.
func (fs *FileSystem) CreateExclusive(name string, content []byte) error {
	if err := fs.mkdirParent(name); err != nil {
		return err
	}
	f, err := fs.Fs.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) || errors.Is(err, afero.ErrFileExists) {
			return ErrExists
		}
		return fmt.Errorf("error creating file %s: %w", name, err)
	}

	_, err = f.Write(content)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		if rerr := fs.Fs.Remove(name); rerr != nil {
			return fmt.Errorf("error writing file %s: %w (cleanup failed: %v)", name, err, rerr)
		}
		return fmt.Errorf("error writing file %s: %w", name, err)
	}
	return nil
}

// ReadFile returns the content of a regular file
func (fs *FileSystem) ReadFile(name string) ([]byte, error) {
	return afero.ReadFile(fs.Fs, name)
}

// Exists reports whether a file or directory is present at name
func (fs *FileSystem) Exists(name string) bool {
	ok, err := afero.Exists(fs.Fs, name)
	return err == nil && ok
}

// IsDir checks if a path is a directory
func (fs *FileSystem) IsDir(name string) bool {
	info, err := fs.Fs.Stat(name)
	if err != nil {
		return false
	}
	return info.IsDir()
}

func (fs *FileSystem) mkdirParent(name string) error {
	dir := filepath.Dir(name)
	if err := fs.Fs.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating directory %s: %w", dir, err)
	}
	return nil
}

// ListTree lists dir recursively. Entries are sorted by name and paths are
// slash-separated and relative to dir. A missing dir yields an empty tree.
func (fs *FileSystem) ListTree(dir string) ([]Node, error) {
	if !fs.IsDir(dir) {
		return []Node{}, nil
	}
	return fs.readDir(dir, "")
}

func (fs *FileSystem) readDir(dir, rel string) ([]Node, error) {
	entries, err := afero.ReadDir(fs.Fs, dir)
	if err != nil {
		return nil, fmt.Errorf("error reading directory %s: %w", dir, err)
	}

	nodes := make([]Node, 0, len(entries))
	for _, entry := range entries {
		entryRel := path.Join(rel, entry.Name())
		if entry.IsDir() {
			children, err := fs.readDir(filepath.Join(dir, entry.Name()), entryRel)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, Node{
				Name:     entry.Name(),
				Path:     entryRel,
				Type:     NodeFolder,
				Children: children,
			})
			continue
		}
		nodes = append(nodes, Node{
			Name: entry.Name(),
			Path: entryRel,
			Type: NodeFile,
		})
	}
	return nodes, nil
}

// WriteToZip writes the tree under dir to w as a zip archive
func (fs *FileSystem) WriteToZip(dir string, w io.Writer) error {
	zipWriter := zip.NewWriter(w)

	fileCount := 0
	err := afero.Walk(fs.Fs, dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		// Skip root directory
		if rel == "." {
			return nil
		}
		zipPath := filepath.ToSlash(rel)

		if info.IsDir() {
			if _, err := zipWriter.Create(zipPath + "/"); err != nil {
				return fmt.Errorf("error creating zip entry for directory %s: %w", zipPath, err)
			}
			return nil
		}

		writer, err := zipWriter.Create(zipPath)
		if err != nil {
			return fmt.Errorf("error creating zip entry for file %s: %w", zipPath, err)
		}

		file, err := fs.Fs.Open(p)
		if err != nil {
			return fmt.Errorf("error opening file %s: %w", p, err)
		}
		defer file.Close()

		if _, err := io.Copy(writer, file); err != nil {
			return fmt.Errorf("error writing file %s to zip: %w", p, err)
		}

		fileCount++
		return nil
	})
	if err != nil {
		return fmt.Errorf("error walking file system: %w", err)
	}

	if fileCount == 0 {
		return fmt.Errorf("no files to zip")
	}

	if err := zipWriter.Close(); err != nil {
		return fmt.Errorf("error closing zip writer: %w", err)
	}
	return nil
}
