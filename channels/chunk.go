package channels

import "strings"

// DefaultTextChunkLimit applies when a channel configures no chunk limit.
const DefaultTextChunkLimit = 4000

// ChunkText splits text into pieces no longer than limit runes. It prefers
// paragraph breaks, then line breaks, then spaces, and splits mid-word only
// when a single token exceeds the limit. Fenced code blocks are never split
// across a paragraph boundary unless they alone exceed the limit.
func ChunkText(text string, limit int) []string {
	if limit <= 0 {
		limit = DefaultTextChunkLimit
	}
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return nil
	}
	if len([]rune(text)) <= limit {
		return []string{text}
	}

	var chunks []string
	for _, block := range splitBlocks(text) {
		chunks = appendBlock(chunks, block, limit)
	}
	return chunks
}

// splitBlocks splits on blank lines while keeping fenced code blocks intact.
func splitBlocks(text string) []string {
	lines := strings.Split(text, "\n")

	var blocks []string
	var current []string
	inFence := false

	flush := func() {
		if len(current) == 0 {
			return
		}
		blocks = append(blocks, strings.Join(current, "\n"))
		current = nil
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			inFence = !inFence
			current = append(current, line)
			continue
		}
		if trimmed == "" && !inFence {
			flush()
			continue
		}
		current = append(current, line)
	}
	flush()
	return blocks
}

// appendBlock packs one block onto the chunk list, merging with the previous
// chunk when it fits and splitting oversized blocks by line then by space.
func appendBlock(chunks []string, block string, limit int) []string {
	if len(chunks) > 0 {
		candidate := chunks[len(chunks)-1] + "\n\n" + block
		if len([]rune(candidate)) <= limit {
			chunks[len(chunks)-1] = candidate
			return chunks
		}
	}
	if len([]rune(block)) <= limit {
		return append(chunks, block)
	}
	return append(chunks, splitOversized(block, limit)...)
}

// splitOversized breaks a block that alone exceeds the limit, first by line,
// then by space, finally by rune.
func splitOversized(block string, limit int) []string {
	var chunks []string
	var current string

	push := func() {
		if current != "" {
			chunks = append(chunks, current)
			current = ""
		}
	}

	for _, line := range strings.Split(block, "\n") {
		if current != "" && len([]rune(current))+1+len([]rune(line)) <= limit {
			current += "\n" + line
			continue
		}
		push()
		if len([]rune(line)) <= limit {
			current = line
			continue
		}
		for _, piece := range splitLine(line, limit) {
			chunks = append(chunks, piece)
		}
	}
	push()
	return chunks
}

// splitLine breaks one overlong line on spaces, falling back to hard rune
// splits for unbroken tokens.
func splitLine(line string, limit int) []string {
	var chunks []string
	var current string

	for _, word := range strings.Fields(line) {
		switch {
		case current == "" && len([]rune(word)) <= limit:
			current = word
		case current != "" && len([]rune(current))+1+len([]rune(word)) <= limit:
			current += " " + word
		default:
			if current != "" {
				chunks = append(chunks, current)
				current = ""
			}
			runes := []rune(word)
			for len(runes) > limit {
				chunks = append(chunks, string(runes[:limit]))
				runes = runes[limit:]
			}
			current = string(runes)
		}
	}
	if current != "" {
		chunks = append(chunks, current)
	}
	return chunks
}

// ChunkTableAware chunks text while avoiding splits inside markdown tables
// when possible. A table larger than the limit still splits by row, with the
// header rows repeated on each continuation chunk.
func ChunkTableAware(text string, limit int) []string {
	if limit <= 0 {
		limit = DefaultTextChunkLimit
	}
	if !strings.Contains(text, "|") {
		return ChunkText(text, limit)
	}

	var chunks []string
	for _, block := range splitBlocks(strings.TrimRight(text, "\n")) {
		if isMarkdownTable(block) {
			chunks = append(chunks, chunkTable(block, limit)...)
			continue
		}
		chunks = appendBlock(chunks, block, limit)
	}
	return chunks
}

// isMarkdownTable recognizes a block whose second line is a table separator
// row.
func isMarkdownTable(block string) bool {
	lines := strings.Split(block, "\n")
	if len(lines) < 2 {
		return false
	}
	if !strings.Contains(lines[0], "|") {
		return false
	}
	sep := strings.TrimSpace(lines[1])
	if !strings.Contains(sep, "|") {
		return false
	}
	return strings.Trim(sep, "|-: \t") == ""
}

// chunkTable splits a table by rows, repeating the two header lines.
func chunkTable(block string, limit int) []string {
	if len([]rune(block)) <= limit {
		return []string{block}
	}

	lines := strings.Split(block, "\n")
	header := strings.Join(lines[:2], "\n")
	rows := lines[2:]

	var chunks []string
	current := header
	for _, row := range rows {
		candidate := current + "\n" + row
		if len([]rune(candidate)) <= limit {
			current = candidate
			continue
		}
		chunks = append(chunks, current)
		current = header + "\n" + row
	}
	chunks = append(chunks, current)
	return chunks
}
