// Package chunk splits extracted text into retrieval-sized pieces.
//
// Splitting is deterministic: the same text with the same parameters
// always yields the same chunks. Sentences are packed greedily up to the
// target size, with a configurable overlap carried from the tail of each
// chunk into the next so context survives chunk boundaries.
package chunk

import (
	"strings"
	"unicode"
)

const (
	// DefaultTargetSize is the default chunk size in characters.
	DefaultTargetSize = 1000

	// DefaultOverlap is the default carry-over between adjacent chunks.
	DefaultOverlap = 200
)

// Split divides text into chunks of at most targetSize characters with
// roughly overlap characters repeated between neighbours. Out-of-range
// parameters are clamped. Empty or whitespace-only text yields nil.
func Split(text string, targetSize, overlap int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if targetSize <= 0 {
		targetSize = DefaultTargetSize
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= targetSize {
		overlap = targetSize / 5
	}
	if len(text) <= targetSize {
		return []string{text}
	}

	var (
		chunks []string
		cur    strings.Builder
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			chunks = append(chunks, s)
		}
		cur.Reset()
	}

	for _, sent := range sentences(text) {
		if len(sent) > targetSize {
			// A single oversized sentence is packed word by word.
			flush()
			for _, piece := range packWords(strings.Fields(sent), targetSize) {
				chunks = append(chunks, piece)
			}
			if len(chunks) > 0 && overlap > 0 {
				cur.WriteString(overlapTail(chunks[len(chunks)-1], overlap))
			}
			continue
		}

		if cur.Len() > 0 && cur.Len()+1+len(sent) > targetSize {
			flush()
			if overlap > 0 && len(chunks) > 0 {
				tail := overlapTail(chunks[len(chunks)-1], overlap)
				if tail != "" && len(tail)+1+len(sent) <= targetSize {
					cur.WriteString(tail)
				}
			}
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(sent)
	}
	flush()
	return chunks
}

// WordCount counts whitespace-separated words.
func WordCount(text string) int {
	return len(strings.Fields(text))
}

// sentences splits text into sentence-ish units. Paragraph breaks always
// end a unit; within a paragraph, a unit ends after terminal punctuation
// followed by whitespace.
func sentences(text string) []string {
	var out []string
	text = strings.ReplaceAll(text, "\r\n", "\n")
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		start := 0
		runes := []rune(para)
		for i := 0; i < len(runes); i++ {
			if !isTerminal(runes[i]) {
				continue
			}
			// Consume runs of terminals ("..." or "?!") as one boundary.
			j := i
			for j+1 < len(runes) && isTerminal(runes[j+1]) {
				j++
			}
			if j+1 < len(runes) && !unicode.IsSpace(runes[j+1]) {
				i = j
				continue
			}
			if s := strings.TrimSpace(string(runes[start : j+1])); s != "" {
				out = append(out, s)
			}
			i = j
			start = j + 1
		}
		if s := strings.TrimSpace(string(runes[start:])); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func isTerminal(r rune) bool {
	switch r {
	case '.', '!', '?', '…':
		return true
	}
	return false
}

// packWords greedily joins words into pieces of at most targetSize
// characters. A single word longer than targetSize is cut at rune
// boundaries.
func packWords(words []string, targetSize int) []string {
	var (
		out []string
		cur strings.Builder
	)
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	for _, w := range words {
		if len(w) > targetSize {
			flush()
			for _, piece := range cutRunes(w, targetSize) {
				out = append(out, piece)
			}
			continue
		}
		if cur.Len() > 0 && cur.Len()+1+len(w) > targetSize {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(w)
	}
	flush()
	return out
}

func cutRunes(word string, size int) []string {
	var out []string
	runes := []rune(word)
	var cur strings.Builder
	for _, r := range runes {
		if cur.Len()+len(string(r)) > size {
			out = append(out, cur.String())
			cur.Reset()
		}
		cur.WriteRune(r)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

// overlapTail returns the last roughly n characters of chunk, snapped
// forward to a word boundary so the carry-over never starts mid-word.
func overlapTail(chunk string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(chunk) <= n {
		return chunk
	}
	tail := chunk[len(chunk)-n:]
	if i := strings.IndexFunc(tail, unicode.IsSpace); i >= 0 {
		tail = tail[i+1:]
	}
	return strings.TrimSpace(tail)
}
