package ai

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

var smartQuotes = strings.NewReplacer(
	"“", `"`, "”", `"`, "„", `"`, "‟", `"`,
	"‘", "'", "’", "'",
)

// RepairJSON recovers a JSON value from model output. It strips Markdown
// fences and prose around the value, straightens typographic quotes, closes
// truncated strings and brackets and drops trailing commas.
func RepairJSON(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s != "" && gjson.Valid(s) {
		return s, nil
	}
	s = stripFences(s)
	if s != "" && gjson.Valid(s) {
		return s, nil
	}
	if out, ok := completeValue(s); ok {
		return out, nil
	}
	// Typographic quotes are only straightened when the text fails as is,
	// so they survive inside otherwise valid strings. Completion reruns on
	// the normalized text because those quotes may open a truncated string.
	if out, ok := completeValue(smartQuotes.Replace(s)); ok {
		return out, nil
	}
	return "", fmt.Errorf("%w: could not repair JSON", ErrInvalidOutput)
}

func completeValue(s string) (string, bool) {
	s = extractValue(s)
	if s != "" && gjson.Valid(s) {
		return s, true
	}
	s = dropTrailingCommas(s)
	return s, s != "" && gjson.Valid(s)
}

func stripFences(s string) string {
	start := strings.Index(s, "```")
	if start == -1 {
		return s
	}
	body := s[start+3:]
	// Drop the info string (```json).
	if nl := strings.IndexByte(body, '\n'); nl != -1 {
		body = body[nl+1:]
	} else {
		body = strings.TrimPrefix(body, "json")
	}
	if end := strings.Index(body, "```"); end != -1 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}

// extractValue returns the first JSON object or array in s, completing it if
// the text ends before the value does.
func extractValue(s string) string {
	start := strings.IndexAny(s, "{[")
	if start == -1 {
		return strings.TrimSpace(s)
	}

	var (
		stack    []byte
		inString bool
		escaped  bool
	)
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != c {
				return s[start:i]
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return s[start : i+1]
			}
		}
	}

	var b strings.Builder
	body := strings.TrimRight(s[start:], " \t\r\n")
	b.WriteString(body)
	switch {
	case inString:
		if escaped {
			b.WriteByte('\\')
		}
		b.WriteByte('"')
	case strings.HasSuffix(body, ":"):
		// Cut off right after a key.
		b.WriteString("null")
	}
	for i := len(stack) - 1; i >= 0; i-- {
		b.WriteByte(stack[i])
	}
	return b.String()
}

// dropTrailingCommas removes commas that directly precede a closing bracket,
// ignoring string contents.
func dropTrailingCommas(s string) string {
	var (
		b        strings.Builder
		inString bool
		escaped  bool
	)
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			b.WriteByte(c)
			continue
		}
		if c == '"' {
			inString = true
		}
		if c == ',' {
			j := i + 1
			for j < len(s) && strings.IndexByte(" \t\r\n", s[j]) >= 0 {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue
			}
			if j == len(s) {
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}
