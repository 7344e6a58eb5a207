package book

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Extractor turns a book file into plain UTF-8 text plus whatever metadata
// the format carries. EPUB and other rich formats plug in here.
type Extractor interface {
	// Extract reads the file at path. The returned text is normalized later
	// by the chunker; extractors should not reflow it.
	Extract(path string) (string, Metadata, error)
	// Supports reports whether this extractor handles the file extension
	// (lowercase, with leading dot).
	Supports(ext string) bool
}

// PlainTextExtractor handles .txt and .md files verbatim.
type PlainTextExtractor struct{}

func (PlainTextExtractor) Supports(ext string) bool {
	return ext == ".txt" || ext == ".md"
}

func (PlainTextExtractor) Extract(path string) (string, Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", Metadata{}, fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), Metadata{}.withTitleDefault(path), nil
}

// ExtractorSet tries each registered extractor in order.
type ExtractorSet []Extractor

// DefaultExtractors returns the built-in extractor chain.
func DefaultExtractors() ExtractorSet {
	return ExtractorSet{PlainTextExtractor{}}
}

// Extract dispatches on the file extension.
func (s ExtractorSet) Extract(path string) (string, Metadata, error) {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range s {
		if e.Supports(ext) {
			text, meta, err := e.Extract(path)
			if err != nil {
				return "", Metadata{}, err
			}
			return text, meta.withTitleDefault(path), nil
		}
	}
	return "", Metadata{}, fmt.Errorf("unsupported book format %q", ext)
}

// Supports reports whether any extractor in the set handles the extension.
func (s ExtractorSet) Supports(ext string) bool {
	for _, e := range s {
		if e.Supports(ext) {
			return true
		}
	}
	return false
}
