package fs

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/fx"

	coediterrors "github.com/maanworks/coedit/src/coedit/internal/errors"
)

// Module is the Fx module for this package.
var Module = fx.Provide(New)

// WorkspaceFS wraps the filesystem operations used by coedit. All file
// arguments are workspace-relative paths resolved against a workspace root;
// paths that escape the root are rejected with PathTraversalError.
type WorkspaceFS interface {
	MkdirAll(root, path string) error
	DirExists(root, path string) (bool, error)
	FileExists(root, path string) (bool, error)
	ReadFile(root, path string) ([]byte, error)
	WriteFile(root, path string, data []byte) error
	Remove(root, path string) error
	Rename(root, oldPath, newPath string) error
	Tree(root, path string) ([]TreeEntry, error)
	SafeJoin(root, path string) (string, error)
}

// TreeEntry is a single node of a workspace file tree. Directories sort before
// files and carry their children.
type TreeEntry struct {
	Name     string      `json:"name"`
	Path     string      `json:"path"`
	IsDir    bool        `json:"isDir"`
	Children []TreeEntry `json:"children,omitempty"`
}

type fsImpl struct{}

// New creates a new WorkspaceFS.
func New() WorkspaceFS {
	return fsImpl{}
}

// SafeJoin resolves a workspace-relative path against root, rejecting any path
// that would land outside the root.
func (fsImpl) SafeJoin(root, path string) (string, error) {
	return safeJoin(root, path)
}

func safeJoin(root, path string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(path))
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", &coediterrors.PathTraversalError{Path: path}
	}

	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	fullAbs, err := filepath.Abs(filepath.Join(rootAbs, cleaned))
	if err != nil {
		return "", err
	}
	if fullAbs != rootAbs && !strings.HasPrefix(fullAbs, rootAbs+string(filepath.Separator)) {
		return "", &coediterrors.PathTraversalError{Path: path}
	}
	return fullAbs, nil
}

func (f fsImpl) MkdirAll(root, path string) error {
	full, err := safeJoin(root, path)
	if err != nil {
		return err
	}
	return os.MkdirAll(full, os.ModePerm)
}

func (f fsImpl) DirExists(root, path string) (bool, error) {
	full, err := safeJoin(root, path)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (f fsImpl) FileExists(root, path string) (bool, error) {
	full, err := safeJoin(root, path)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return !info.IsDir(), nil
}

func (f fsImpl) ReadFile(root, path string) ([]byte, error) {
	full, err := safeJoin(root, path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(full)
}

func (f fsImpl) WriteFile(root, path string, data []byte) error {
	full, err := safeJoin(root, path)
	if err != nil {
		return err
	}
	return os.WriteFile(full, data, 0644)
}

func (f fsImpl) Remove(root, path string) error {
	full, err := safeJoin(root, path)
	if err != nil {
		return err
	}
	return os.RemoveAll(full)
}

func (f fsImpl) Rename(root, oldPath, newPath string) error {
	oldFull, err := safeJoin(root, oldPath)
	if err != nil {
		return err
	}
	newFull, err := safeJoin(root, newPath)
	if err != nil {
		return err
	}
	return os.Rename(oldFull, newFull)
}

// Tree lists the workspace subtree rooted at path. Dot-prefixed entries are
// skipped; directories sort before files, both case-insensitively by name.
func (f fsImpl) Tree(root, path string) ([]TreeEntry, error) {
	full, err := safeJoin(root, path)
	if err != nil {
		return nil, err
	}
	return readTree(full, strings.TrimPrefix(path, "/"))
}

func readTree(dir, rel string) ([]TreeEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	sorted := make([]fs.DirEntry, 0, len(entries))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		sorted = append(sorted, e)
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].IsDir() != sorted[j].IsDir() {
			return sorted[i].IsDir()
		}
		return strings.ToLower(sorted[i].Name()) < strings.ToLower(sorted[j].Name())
	})

	tree := make([]TreeEntry, 0, len(sorted))
	for _, e := range sorted {
		entryRel := e.Name()
		if rel != "" && rel != "." {
			entryRel = rel + "/" + e.Name()
		}
		item := TreeEntry{
			Name:  e.Name(),
			Path:  entryRel,
			IsDir: e.IsDir(),
		}
		if e.IsDir() {
			children, err := readTree(filepath.Join(dir, e.Name()), entryRel)
			if err != nil {
				// Unreadable subdirectories are skipped rather than failing the whole tree.
				continue
			}
			item.Children = children
		}
		tree = append(tree, item)
	}
	return tree, nil
}
