// Package chunker splits long text into bounded pieces for independent synthesis.
package chunker

import "unicode"

// Chunk is one bounded slice of the input, numbered in reading order.
type Chunk struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

// Split breaks text into chunks of at most maxLen runes. A break prefers the last
// whitespace inside the window and consumes it; when the window has none the chunk
// is cut at the hard boundary. Whitespace between chunks is skipped, so no chunk is
// blank unless the whole input is. Empty text yields no chunks. Word breaking is a
// heuristic: callers may rely on the length and ordering guarantees only.
func Split(text string, maxLen int) []Chunk {
	if text == "" {
		return nil
	}
	if maxLen <= 0 {
		maxLen = 1
	}

	runes := []rune(text)
	var chunks []Chunk
	pos := 0
	for pos < len(runes) {
		for pos < len(runes) && unicode.IsSpace(runes[pos]) {
			pos++
		}
		if pos == len(runes) {
			break
		}
		remaining := len(runes) - pos
		if remaining <= maxLen {
			chunks = append(chunks, Chunk{Index: len(chunks), Text: string(runes[pos:])})
			break
		}

		// A whitespace right after the window still allows a full-length chunk.
		limit := pos + maxLen
		brk := -1
		for i := limit; i > pos; i-- {
			if unicode.IsSpace(runes[i]) {
				brk = i
				break
			}
		}

		if brk < 0 {
			chunks = append(chunks, Chunk{Index: len(chunks), Text: string(runes[pos:limit])})
			pos = limit
			continue
		}
		chunks = append(chunks, Chunk{Index: len(chunks), Text: string(runes[pos:brk])})
		pos = brk + 1
	}
	if len(chunks) == 0 {
		// blank input still yields one chunk
		chunks = append(chunks, Chunk{Text: string(runes[:min(len(runes), maxLen)])})
	}
	return chunks
}
