package stream

import (
	"strings"
	"unicode"
)

// wordsPerChunk is the chunk size at which a flush is forced.
const wordsPerChunk = 3

// Chunk splits text into word groups for paced delivery. A chunk is flushed
// once it holds wordsPerChunk words or its last word ends a sentence. Every
// whitespace run is kept, so the chunks concatenate back to text exactly.
func Chunk(text string) []string {
	if text == "" {
		return nil
	}

	var (
		chunks  []string
		current strings.Builder
		words   int
	)

	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
			words = 0
		}
	}

	for _, seg := range segments(text) {
		current.WriteString(seg)
		word := strings.TrimFunc(seg, unicode.IsSpace)
		if word == "" {
			continue
		}
		words++
		if words >= wordsPerChunk || endsSentence(word) {
			flush()
		}
	}

	// Trailing whitespace rides on the last chunk.
	if current.Len() > 0 && words == 0 && len(chunks) > 0 {
		chunks[len(chunks)-1] += current.String()
		return chunks
	}
	flush()
	return chunks
}

// segments splits text into pieces of leading whitespace plus one word,
// with any trailing whitespace as a final piece.
func segments(text string) []string {
	var (
		out    []string
		start  int
		inWord bool
	)
	for i, r := range text {
		space := unicode.IsSpace(r)
		if inWord && space {
			out = append(out, text[start:i])
			start = i
		}
		inWord = !space
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out
}

func endsSentence(word string) bool {
	switch word[len(word)-1] {
	case '.', '!', '?':
		return true
	}
	return false
}
