// Package chunker splits extracted document text into overlapping windows.
package chunker

import (
	"strings"
	"unicode"
)

// DefaultChunkSize is the default number of characters per chunk.
const DefaultChunkSize = 1000

// DefaultChunkOverlap is the default number of characters shared by consecutive chunks.
const DefaultChunkOverlap = 200

// Splitter cuts text into windows of at most chunkSize runes. Every chunk after the
// first starts with the last overlap runes of its predecessor.
type Splitter struct {
	chunkSize int
	overlap   int
}

// Option configures the splitter.
type Option func(*Splitter)

// WithChunkSize sets the chunk size in characters.
func WithChunkSize(size int) Option {
	return func(s *Splitter) {
		if size > 0 {
			s.chunkSize = size
		}
	}
}

// WithOverlap sets the overlap between chunks in characters.
func WithOverlap(overlap int) Option {
	return func(s *Splitter) {
		if overlap >= 0 {
			s.overlap = overlap
		}
	}
}

func New(opts ...Option) *Splitter {
	s := &Splitter{
		chunkSize: DefaultChunkSize,
		overlap:   DefaultChunkOverlap,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.overlap >= s.chunkSize {
		s.overlap = s.chunkSize / 4
	}
	return s
}

func (s *Splitter) ChunkSize() int { return s.chunkSize }

func (s *Splitter) Overlap() int { return s.overlap }

// Split returns the chunk sequence for text. Whitespace-only input yields no chunks.
func (s *Splitter) Split(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	runes := []rune(text)
	n := len(runes)
	chunks := make([]string, 0, n/(s.chunkSize-s.overlap)+1)

	start := 0
	for {
		if start+s.chunkSize >= n {
			chunks = append(chunks, string(runes[start:]))
			return chunks
		}

		end := s.breakpoint(runes, start)
		chunks = append(chunks, string(runes[start:end]))
		start = end - s.overlap
	}
}

// breakpoint picks the end (exclusive) of the window starting at start. Candidates
// must lie beyond start+overlap so the next window always advances.
func (s *Splitter) breakpoint(runes []rune, start int) int {
	limit := start + s.chunkSize
	floor := start + s.overlap + 1

	for _, match := range []func([]rune, int) bool{
		isParagraphBreak,
		isLineBreak,
		isSentenceEnd,
		isWordBoundary,
	} {
		for end := limit; end >= floor; end-- {
			if match(runes, end) {
				return end
			}
		}
	}
	return limit
}

// Each matcher reports whether cutting before runes[end] lands just after a separator.

func isParagraphBreak(runes []rune, end int) bool {
	return end >= 2 && runes[end-1] == '\n' && runes[end-2] == '\n'
}

func isLineBreak(runes []rune, end int) bool {
	return end >= 1 && runes[end-1] == '\n'
}

func isSentenceEnd(runes []rune, end int) bool {
	if end < 2 || !unicode.IsSpace(runes[end-1]) {
		return false
	}
	switch runes[end-2] {
	case '.', '!', '?':
		return true
	}
	return false
}

func isWordBoundary(runes []rune, end int) bool {
	return end >= 1 && unicode.IsSpace(runes[end-1])
}

// Merge reverses Split: it drops the leading overlap of every chunk but the first.
func Merge(chunks []string, overlap int) string {
	var b strings.Builder
	for i, c := range chunks {
		if i == 0 {
			b.WriteString(c)
			continue
		}
		r := []rune(c)
		if overlap < len(r) {
			b.WriteString(string(r[overlap:]))
		}
	}
	return b.String()
}
