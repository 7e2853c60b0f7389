package eventloop

import "strings"

// maxChunkBytes is the outgoing text chunk limit (spec §4.2): a
// response longer than this is split on newline boundaries first,
// then at this many characters.
const maxChunkBytes = 220

// chunkText splits text into pieces no longer than limit, preferring
// to break on an existing newline before falling back to a hard cut.
// Concatenating the returned chunks (joining on "\n" wherever the
// split coincided with one in the original text, and directly
// otherwise) reproduces text exactly.
func chunkText(text string, limit int) []string {
	if text == "" {
		return nil
	}
	if len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	var cur strings.Builder

	flush := func() {
		if cur.Len() > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
	}

	for _, line := range strings.Split(text, "\n") {
		for len(line) > limit {
			flush()
			chunks = append(chunks, line[:limit])
			line = line[limit:]
		}
		switch {
		case cur.Len() == 0:
			cur.WriteString(line)
		case cur.Len()+1+len(line) > limit:
			flush()
			cur.WriteString(line)
		default:
			cur.WriteByte('\n')
			cur.WriteString(line)
		}
	}
	flush()
	return chunks
}
