// Package files stores uploaded documents on local disk so they can be
// served back when the model cites them.
package files

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var (
	ErrInvalidPath = errors.New("files: invalid path")
	ErrNotFound    = errors.New("files: not found")
)

// Store is a flat directory of files. All names are reduced to their base
// name; access outside the directory is refused by os.Root.
type Store struct {
	dir string
}

// Info describes a stored file.
type Info struct {
	Name string
	Size int64
}

// NewStore creates dir if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("files: create %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) Dir() string { return s.dir }

// Clean reduces name to a safe base name.
func Clean(name string) (string, error) {
	name = strings.ReplaceAll(name, `\`, "/")
	base := filepath.Base(name)
	if base == "." || base == "/" || base == ".." || base == "" || strings.HasPrefix(base, ".") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, name)
	}
	return base, nil
}

func (s *Store) root() (*os.Root, error) {
	root, err := os.OpenRoot(s.dir)
	if err != nil {
		return nil, fmt.Errorf("files: open %s: %w", s.dir, err)
	}
	return root, nil
}

// Save writes r under the cleaned name and returns that name.
func (s *Store) Save(name string, r io.Reader) (string, error) {
	base, err := Clean(name)
	if err != nil {
		return "", err
	}
	root, err := s.root()
	if err != nil {
		return "", err
	}
	defer root.Close()

	f, err := root.OpenFile(base, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("files: create %s: %w", base, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return "", fmt.Errorf("files: write %s: %w", base, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("files: write %s: %w", base, err)
	}
	return base, nil
}

// Open returns the named file for reading. The caller closes it.
func (s *Store) Open(name string) (*os.File, Info, error) {
	base, err := Clean(name)
	if err != nil {
		return nil, Info{}, err
	}
	root, err := s.root()
	if err != nil {
		return nil, Info{}, err
	}
	defer root.Close()

	f, err := root.Open(base)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, Info{}, fmt.Errorf("%w: %q", ErrNotFound, base)
	}
	if err != nil {
		return nil, Info{}, fmt.Errorf("files: open %s: %w", base, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, Info{}, fmt.Errorf("files: stat %s: %w", base, err)
	}
	if st.IsDir() {
		f.Close()
		return nil, Info{}, fmt.Errorf("%w: %q", ErrInvalidPath, base)
	}
	return f, Info{Name: base, Size: st.Size()}, nil
}

// Delete removes the named file. Deleting a missing file is not an error.
func (s *Store) Delete(name string) error {
	base, err := Clean(name)
	if err != nil {
		return err
	}
	root, err := s.root()
	if err != nil {
		return err
	}
	defer root.Close()

	if err := root.Remove(base); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("files: delete %s: %w", base, err)
	}
	return nil
}

// List returns the stored files sorted by name.
func (s *Store) List() ([]Info, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("files: list %s: %w", s.dir, err)
	}
	var out []Info
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Info{Name: e.Name(), Size: info.Size()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
