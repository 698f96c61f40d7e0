// Package archive serves files from the configured archive directories.
//
// Every archive is opened as an os.Root, so no path (including symlinks)
// can resolve outside its directory.
package archive

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sipico/breadbox/internal/config"
)

var (
	// ErrUnknownArchive means no archive has the requested name.
	ErrUnknownArchive = errors.New("archive: unknown archive")
	// ErrOutsideArchive means the path escapes the archive root.
	ErrOutsideArchive = errors.New("archive: path outside archive")
	// ErrNotFound means the file or directory does not exist.
	ErrNotFound = errors.New("archive: not found")
	// ErrIsDirectory means a file operation was attempted on a directory.
	ErrIsDirectory = errors.New("archive: is a directory")
	// ErrNotEmpty means a directory still has entries.
	ErrNotEmpty = errors.New("archive: directory not empty")
)

// Entry is one item of a directory listing.
type Entry struct {
	Name    string    `json:"name"`
	Dir     bool      `json:"dir"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modified"`
}

// Set is the collection of opened archives.
type Set struct {
	roots map[string]*os.Root
	names []string
}

// Open opens every archive directory. All must exist.
func Open(archives []config.Archive) (*Set, error) {
	s := &Set{roots: make(map[string]*os.Root, len(archives))}
	for _, a := range archives {
		root, err := os.OpenRoot(a.Path)
		if err != nil {
			_ = s.Close() //nolint:errcheck
			return nil, fmt.Errorf("failed to open archive %q: %w", a.Name, err)
		}
		s.roots[a.Name] = root
		s.names = append(s.names, a.Name)
	}
	sort.Strings(s.names)
	return s, nil
}

// Close releases all archive roots.
func (s *Set) Close() error {
	var errs []error
	for _, root := range s.roots {
		errs = append(errs, root.Close())
	}
	return errors.Join(errs...)
}

// Names returns the archive names, sorted.
func (s *Set) Names() []string {
	return append([]string(nil), s.names...)
}

// CleanPath normalizes a request path relative to an archive root. The
// root itself is "". Paths that climb out of the root are rejected.
func CleanPath(p string) (string, error) {
	if strings.ContainsRune(p, 0) || strings.Contains(p, `\`) {
		return "", ErrOutsideArchive
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", ErrOutsideArchive
		}
	}
	cleaned := path.Clean("/" + p)
	return strings.TrimPrefix(cleaned, "/"), nil
}

func (s *Set) root(archive string) (*os.Root, error) {
	root, ok := s.roots[archive]
	if !ok {
		return nil, ErrUnknownArchive
	}
	return root, nil
}

// rootPath maps a cleaned relative path to the name os.Root expects.
func rootPath(rel string) string {
	if rel == "" {
		return "."
	}
	return rel
}

// Stat returns file information for rel in archive.
func (s *Set) Stat(archive, rel string) (fs.FileInfo, error) {
	root, err := s.root(archive)
	if err != nil {
		return nil, err
	}
	info, err := root.Stat(rootPath(rel))
	if err != nil {
		return nil, mapError(err)
	}
	return info, nil
}

// List returns the entries of directory rel, directories first, then by
// name. Dotfiles are omitted.
func (s *Set) List(archive, rel string) ([]Entry, error) {
	root, err := s.root(archive)
	if err != nil {
		return nil, err
	}
	dir, err := root.Open(rootPath(rel))
	if err != nil {
		return nil, mapError(err)
	}
	defer dir.Close() //nolint:errcheck

	infos, err := dir.Readdir(-1)
	if err != nil {
		return nil, mapError(err)
	}

	entries := make([]Entry, 0, len(infos))
	for _, info := range infos {
		if strings.HasPrefix(info.Name(), ".") {
			continue
		}
		e := Entry{Name: info.Name(), Dir: info.IsDir(), ModTime: info.ModTime().UTC()}
		if !e.Dir {
			e.Size = info.Size()
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Dir != entries[j].Dir {
			return entries[i].Dir
		}
		return entries[i].Name < entries[j].Name
	})
	return entries, nil
}

// OpenFile opens regular file rel for reading. The caller closes it.
func (s *Set) OpenFile(archive, rel string) (*os.File, fs.FileInfo, error) {
	root, err := s.root(archive)
	if err != nil {
		return nil, nil, err
	}
	f, err := root.Open(rootPath(rel))
	if err != nil {
		return nil, nil, mapError(err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close() //nolint:errcheck
		return nil, nil, mapError(err)
	}
	if info.IsDir() {
		_ = f.Close() //nolint:errcheck
		return nil, nil, ErrIsDirectory
	}
	return f, info, nil
}

// Put writes r to file rel, creating parent directories. The file is
// written to a temporary name and renamed into place, so readers never see
// a partial upload. It reports whether the file was newly created.
func (s *Set) Put(archive, rel string, r io.Reader) (created bool, n int64, err error) {
	root, err := s.root(archive)
	if err != nil {
		return false, 0, err
	}
	if rel == "" {
		return false, 0, ErrIsDirectory
	}

	info, err := root.Stat(rel)
	switch {
	case err == nil && info.IsDir():
		return false, 0, ErrIsDirectory
	case err == nil:
		created = false
	case errors.Is(err, fs.ErrNotExist):
		created = true
	default:
		return false, 0, mapError(err)
	}

	dir := path.Dir(rel)
	if dir != "." {
		if err := root.MkdirAll(dir, 0o755); err != nil {
			return false, 0, mapError(err)
		}
	}

	tmp := path.Join(dir, ".upload-"+uuid.NewString())
	f, err := root.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return false, 0, mapError(err)
	}
	defer func() {
		if err != nil {
			_ = root.Remove(tmp) //nolint:errcheck
		}
	}()

	n, err = io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return false, n, fmt.Errorf("failed to write upload: %w", err)
	}

	if err = root.Rename(tmp, rel); err != nil {
		return false, n, mapError(err)
	}
	return created, n, nil
}

// Remove deletes file or empty directory rel. The archive root itself
// cannot be removed.
func (s *Set) Remove(archive, rel string) error {
	root, err := s.root(archive)
	if err != nil {
		return err
	}
	if rel == "" {
		return ErrOutsideArchive
	}
	if err := root.Remove(rel); err != nil {
		if info, statErr := root.Stat(rel); statErr == nil && info.IsDir() {
			return ErrNotEmpty
		}
		return mapError(err)
	}
	return nil
}

func mapError(err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case strings.Contains(err.Error(), "path escapes from parent"):
		return fmt.Errorf("%w: %w", ErrOutsideArchive, err)
	default:
		return err
	}
}
