package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/pelletier/go-toml/v2"

	"github.com/sipico/breadbox/internal/permission"
)

// archiveName restricts names to characters safe in URLs and logs.
var archiveName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Archive is a named directory served by the server.
type Archive struct {
	Name    string
	Path    string
	Default permission.Level
}

type archivesFile struct {
	Archives map[string]struct {
		Path    string           `toml:"path"`
		Default permission.Level `toml:"default"`
	} `toml:"archives"`
}

// LoadArchives reads the archives file at path.
func LoadArchives(path string) ([]Archive, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read archives file: %w", err)
	}
	archives, err := ParseArchives(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return archives, nil
}

// ParseArchives decodes an archives TOML document:
//
//	[archives.Anime]
//	path = "/srv/anime"
//	default = "none"
//
// Archives are returned sorted by name. Unknown keys are rejected so a typo
// such as "defualt" cannot silently leave an archive at level none.
func ParseArchives(data []byte) ([]Archive, error) {
	var f archivesFile
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to parse archives: %w", err)
	}
	if len(f.Archives) == 0 {
		return nil, errors.New("no archives configured")
	}

	archives := make([]Archive, 0, len(f.Archives))
	for name, a := range f.Archives {
		if !archiveName.MatchString(name) {
			return nil, fmt.Errorf("archive %q: name may only contain letters, digits, '_' and '-'", name)
		}
		if a.Path == "" {
			return nil, fmt.Errorf("archive %q: path is required", name)
		}
		abs, err := filepath.Abs(a.Path)
		if err != nil {
			return nil, fmt.Errorf("archive %q: %w", name, err)
		}
		archives = append(archives, Archive{Name: name, Path: abs, Default: a.Default})
	}

	sort.Slice(archives, func(i, j int) bool { return archives[i].Name < archives[j].Name })
	return archives, nil
}

// Defaults returns the archive name to default level mapping the permission
// evaluator needs.
func Defaults(archives []Archive) map[string]permission.Level {
	m := make(map[string]permission.Level, len(archives))
	for _, a := range archives {
		m[a.Name] = a.Default
	}
	return m
}
