package summarize

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Counter measures text in the units the model limit is expressed in
type Counter interface {
	Count(s string) int
}

// CharCounter counts runes
type CharCounter struct{}

func (CharCounter) Count(s string) int { return utf8.RuneCountInString(s) }

// TokenCounter estimates tokens as max(words*1.33, bytes/4)
type TokenCounter struct{}

func (TokenCounter) Count(s string) int {
	if s == "" {
		return 0
	}
	words := len(strings.Fields(s))
	wordEstimate := int(float64(words) * 1.33)
	charEstimate := len(s) / 4
	if wordEstimate > charEstimate {
		return wordEstimate
	}
	return charEstimate
}

// CounterByName resolves the configured counter name
func CounterByName(name string) (Counter, error) {
	switch name {
	case "", "chars":
		return CharCounter{}, nil
	case "tokens":
		return TokenCounter{}, nil
	default:
		return nil, fmt.Errorf("unknown chunk counter %q", name)
	}
}

// Boundary records why a chunk ended where it did
type Boundary string

const (
	BoundarySentence Boundary = "sentence"
	BoundaryHard     Boundary = "hard"
	BoundaryEnd      Boundary = "end"
)

// Chunk is a contiguous span of the transcript. Start and End are byte offsets.
type Chunk struct {
	Index    int
	Text     string
	Start    int
	End      int
	Boundary Boundary
}

// ChunkOptions bounds the size of every chunk
type ChunkOptions struct {
	MaxUnits int
	Counter  Counter
}

// Split divides text into ordered chunks no larger than opts.MaxUnits.
// Concatenating the chunk texts reproduces text exactly. Text that already
// fits yields a single chunk, including the empty string.
func Split(text string, opts ChunkOptions) ([]Chunk, error) {
	if opts.MaxUnits < 1 {
		return nil, fmt.Errorf("chunk max units must be positive, got %d", opts.MaxUnits)
	}
	counter := opts.Counter
	if counter == nil {
		counter = CharCounter{}
	}

	if counter.Count(text) <= opts.MaxUnits {
		return []Chunk{{Index: 0, Text: text, Start: 0, End: len(text), Boundary: BoundaryEnd}}, nil
	}

	var chunks []Chunk
	emit := func(start, end int, b Boundary) {
		chunks = append(chunks, Chunk{
			Index:    len(chunks),
			Text:     text[start:end],
			Start:    start,
			End:      end,
			Boundary: b,
		})
	}

	start, end := 0, 0
	for _, u := range sentenceEnds(text) {
		if counter.Count(text[start:u]) <= opts.MaxUnits {
			end = u
			continue
		}
		if end > start {
			emit(start, end, BoundarySentence)
			start = end
		}
		// A single utterance longer than the limit is cut inside itself.
		for counter.Count(text[start:u]) > opts.MaxUnits {
			cut := hardCut(text, start, u, opts.MaxUnits, counter)
			emit(start, cut, BoundaryHard)
			start = cut
		}
		end = u
	}
	if end > start {
		emit(start, end, BoundaryEnd)
	}
	if len(chunks) > 0 {
		chunks[len(chunks)-1].Boundary = BoundaryEnd
	}
	return chunks, nil
}

// sentenceEnds returns the byte offsets where sentence-like units end. The
// whitespace following a terminator belongs to the unit before it. The last
// offset is always len(text).
func sentenceEnds(text string) []int {
	var ends []int
	i := 0
	for i < len(text) {
		r, size := utf8.DecodeRuneInString(text[i:])
		i += size
		if r != '\n' && !isTerminator(r) {
			continue
		}
		if r != '\n' {
			// Runs like "?!" or "..." end together.
			for i < len(text) {
				next, n := utf8.DecodeRuneInString(text[i:])
				if !isTerminator(next) {
					break
				}
				i += n
			}
			if i < len(text) {
				next, _ := utf8.DecodeRuneInString(text[i:])
				if !unicode.IsSpace(next) && !isCJKTerminator(r) {
					continue
				}
			}
		}
		for i < len(text) {
			next, n := utf8.DecodeRuneInString(text[i:])
			if !unicode.IsSpace(next) {
				break
			}
			i += n
		}
		ends = append(ends, i)
	}
	if len(ends) == 0 || ends[len(ends)-1] != len(text) {
		ends = append(ends, len(text))
	}
	return ends
}

func isTerminator(r rune) bool {
	switch r {
	case '.', '!', '?', '…':
		return true
	}
	return isCJKTerminator(r)
}

func isCJKTerminator(r rune) bool {
	switch r {
	case '。', '！', '？':
		return true
	}
	return false
}

// hardCut returns the end of the largest prefix of text[start:limit] that fits
// max, preferring the last whitespace inside it. At least one rune is taken.
func hardCut(text string, start, limit, max int, counter Counter) int {
	// Counters are monotonic in prefix length, so binary search the rune count.
	offsets := []int{start}
	for i := start; i < limit; {
		_, size := utf8.DecodeRuneInString(text[i:])
		i += size
		offsets = append(offsets, i)
	}
	lo, hi := 1, len(offsets)-1
	best := 1
	for lo <= hi {
		mid := (lo + hi) / 2
		if counter.Count(text[start:offsets[mid]]) <= max {
			best = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	cut := offsets[best]
	if cut == limit {
		return cut
	}
	if ws := lastSpaceEnd(text[start:cut]); ws > 0 {
		return start + ws
	}
	return cut
}

// lastSpaceEnd returns the offset just past the last whitespace run in s, or 0
func lastSpaceEnd(s string) int {
	idx := strings.LastIndexFunc(s, unicode.IsSpace)
	if idx < 0 {
		return 0
	}
	_, size := utf8.DecodeRuneInString(s[idx:])
	return idx + size
}
