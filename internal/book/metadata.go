// Package book manages the book library: text extraction, on-disk chunk
// indexes, and lazy per-book retrieval engines.
package book

import (
	"path/filepath"
	"strings"
)

// Metadata describes one book. Everything except Title is optional; Title
// falls back to the filename stem when the source carries none.
type Metadata struct {
	Title       string   `json:"title"`
	Authors     []string `json:"authors,omitempty"`
	Series      string   `json:"series,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Language    string   `json:"language,omitempty"`
	Publisher   string   `json:"publisher,omitempty"`
	Description string   `json:"description,omitempty"`
}

// Stem returns the filename without directory or extension.
func Stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// withTitleDefault fills in Title from the file path when absent.
func (m Metadata) withTitleDefault(path string) Metadata {
	if m.Title == "" {
		m.Title = Stem(path)
	}
	return m
}
