package ai

import (
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

// SplitMarkdown cuts md into chunks of at most size bytes. Cuts happen
// before headings or at blank lines where possible; a single paragraph
// longer than size is split at the nearest line or rune boundary.
func SplitMarkdown(md string, size int) []string {
	if size <= 0 || len(md) <= size {
		return []string{md}
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

	for _, block := range splitBlocks(md) {
		for len(block) > size {
			flush()
			cut := cutPoint(block, size)
			chunks = append(chunks, strings.TrimSpace(block[:cut]))
			block = block[cut:]
		}
		startsSection := strings.HasPrefix(block, "#") && cur.Len() > size/2
		if cur.Len()+len(block)+2 > size || startsSection {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(block)
	}
	flush()
	return chunks
}

// splitBlocks returns blank-line separated blocks, also breaking before
// every heading line.
func splitBlocks(md string) []string {
	md = strings.ReplaceAll(md, "\r\n", "\n")
	var blocks []string
	for _, para := range strings.Split(md, "\n\n") {
		lines := strings.Split(para, "\n")
		start := 0
		for i, line := range lines {
			if i > start && strings.HasPrefix(line, "#") {
				blocks = appendBlock(blocks, strings.Join(lines[start:i], "\n"))
				start = i
			}
		}
		blocks = appendBlock(blocks, strings.Join(lines[start:], "\n"))
	}
	return blocks
}

func appendBlock(blocks []string, b string) []string {
	if strings.TrimSpace(b) == "" {
		return blocks
	}
	return append(blocks, b)
}

func cutPoint(s string, size int) int {
	if i := strings.LastIndexByte(s[:size], '\n'); i > size/2 {
		return i + 1
	}
	if i := strings.LastIndexByte(s[:size], ' '); i > size/2 {
		return i + 1
	}
	cut := size
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	if cut == 0 {
		return size
	}
	return cut
}

// MergeLists concatenates JSON arrays in order, keeping the first item for
// each normalised value of key. Items without the key are always kept.
func MergeLists(parts []json.RawMessage, key string) json.RawMessage {
	seen := map[string]bool{}
	items := make([]string, 0)
	for _, part := range parts {
		gjson.ParseBytes(part).ForEach(func(_, item gjson.Result) bool {
			if key != "" {
				if v := item.Get(key); v.Exists() {
					norm := normalizeKey(v.String())
					if norm != "" {
						if seen[norm] {
							return true
						}
						seen[norm] = true
					}
				}
			}
			items = append(items, item.Raw)
			return true
		})
	}
	return json.RawMessage("[" + strings.Join(items, ",") + "]")
}

func normalizeKey(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
