// Package chunker splits normalized book text into bounded, overlapping
// chunks suitable for embedding and retrieval.
package chunker

import (
	"regexp"
	"strings"
)

const (
	DefaultChunkSize = 800
	DefaultOverlap   = 150
)

// Config controls chunk sizing. Sizes are in characters (runes), not bytes.
type Config struct {
	ChunkSize int
	Overlap   int
}

func DefaultConfig() Config {
	return Config{ChunkSize: DefaultChunkSize, Overlap: DefaultOverlap}
}

// Chunker splits text paragraph-first, falling back to sentence accumulation
// for paragraphs that exceed the chunk size on their own.
type Chunker struct {
	chunkSize int
	overlap   int
}

func New(cfg Config) *Chunker {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.Overlap < 0 || cfg.Overlap >= cfg.ChunkSize {
		cfg.Overlap = DefaultOverlap
		if cfg.Overlap >= cfg.ChunkSize {
			cfg.Overlap = cfg.ChunkSize / 4
		}
	}
	return &Chunker{chunkSize: cfg.ChunkSize, overlap: cfg.Overlap}
}

var (
	spaceRuns   = regexp.MustCompile(`[ \t]+`)
	newlineRuns = regexp.MustCompile(`\n{3,}`)
	paragraphs  = regexp.MustCompile(`\n{2,}`)
)

// Normalize collapses runs of spaces/tabs to a single space and runs of three
// or more newlines to exactly two.
func Normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = spaceRuns.ReplaceAllString(text, " ")
	text = newlineRuns.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// Split normalizes text and returns the ordered chunk texts. Adjacent chunks
// share up to Overlap trailing/leading characters.
func (c *Chunker) Split(text string) []string {
	text = Normalize(text)
	if text == "" {
		return nil
	}
	if runeLen(text) <= c.chunkSize {
		return []string{text}
	}

	var chunks []string
	var acc string

	flush := func() {
		if acc != "" {
			chunks = append(chunks, acc)
			acc = ""
		}
	}

	for _, para := range paragraphs.Split(text, -1) {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}

		if runeLen(para) > c.chunkSize {
			flush()
			rest := c.splitSentences(para, &chunks)
			acc = rest
			continue
		}

		if acc == "" {
			acc = para
			continue
		}
		if runeLen(acc)+2+runeLen(para) > c.chunkSize {
			prev := acc
			flush()
			seed := tailRunes(prev, c.overlap)
			if seed != "" {
				acc = seed + "\n\n" + para
			} else {
				acc = para
			}
			continue
		}
		acc += "\n\n" + para
	}
	flush()
	return chunks
}

// splitSentences accumulates the sentences of one oversized paragraph,
// flushing full chunks into out. The unflushed remainder is returned so the
// caller can continue accumulating paragraphs onto it.
func (c *Chunker) splitSentences(para string, out *[]string) string {
	var acc string
	for _, sent := range splitSentences(para) {
		for _, piece := range wrapRunes(sent, c.chunkSize) {
			if acc == "" {
				acc = piece
				continue
			}
			if runeLen(acc)+runeLen(piece) > c.chunkSize {
				*out = append(*out, acc)
				seed := tailRunes(acc, c.overlap)
				acc = seed + piece
				continue
			}
			acc += piece
		}
	}
	return acc
}

// wrapRunes hard-splits a sentence that exceeds the chunk size on its own.
func wrapRunes(s string, n int) []string {
	r := []rune(s)
	if len(r) <= n {
		return []string{s}
	}
	var out []string
	for i := 0; i < len(r); i += n {
		end := i + n
		if end > len(r) {
			end = len(r)
		}
		out = append(out, string(r[i:end]))
	}
	return out
}

// sentence terminators cover both CJK and latin punctuation
var sentenceEnd = map[rune]bool{'。': true, '！': true, '？': true, '.': true, '!': true, '?': true}

func splitSentences(text string) []string {
	var out []string
	var cur []rune
	for _, r := range text {
		cur = append(cur, r)
		if sentenceEnd[r] {
			out = append(out, string(cur))
			cur = cur[:0]
		}
	}
	if len(cur) > 0 {
		out = append(out, string(cur))
	}
	return out
}

func runeLen(s string) int {
	return len([]rune(s))
}

// tailRunes returns the last n characters of s.
func tailRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}
