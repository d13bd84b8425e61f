package replay

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Entry describes one bundle found under a replay root.
type Entry struct {
	Path     string   `json:"path"`
	Manifest Manifest `json:"manifest"`
	Header   *Header  `json:"header,omitempty"`
}

// Complete reports whether the bundle was closed cleanly.
func (e Entry) Complete() bool { return e.Header != nil }

// List returns every bundle directly under root, oldest first.
func List(root string) ([]Entry, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("root directory must be provided")
	}
	dirs, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	var entries []Entry
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		path := filepath.Join(root, d.Name())
		manifest, err := readManifest(path)
		if errors.Is(err, fs.ErrNotExist) {
			//1.- Skip unrelated directories that never held a bundle.
			continue
		}
		if err != nil {
			return nil, err
		}
		entry := Entry{Path: path, Manifest: manifest}
		header, err := ReadHeader(filepath.Join(path, headerName))
		switch {
		case err == nil:
			entry.Header = &header
		case !errors.Is(err, fs.ErrNotExist):
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		entries = append(entries, entry)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i].Manifest.Created(), entries[j].Manifest.Created()
		if !a.Equal(b) {
			return a.Before(b)
		}
		return entries[i].Path < entries[j].Path
	})
	return entries, nil
}
