// Package util contains helpers for coercing free-form model output into
// something machine-readable: JSON extraction and repair, reasoning-tag
// stripping, and prompt template rendering.
package util

import (
	"regexp"
	"strings"
)

var (
	codeFenceRegex = regexp.MustCompile("```(?:json)?\\s*([\\s\\S]*?)```")
	thinkTagRegex  = regexp.MustCompile(`(?i)<think(?:ing)?>[\s\S]*?</think(?:ing)?>`)
)

// ExtractJSON pulls the first JSON object or array out of a model response.
// Handles markdown code fences, leading prose, reasoning tags, and truncated
// output (a dangling array is closed if it already has content). Returns the
// input trimmed if no JSON boundaries are found.
func ExtractJSON(s string) string {
	s = thinkTagRegex.ReplaceAllString(s, "")

	if m := codeFenceRegex.FindStringSubmatch(s); len(m) > 1 {
		s = strings.TrimSpace(m[1])
	} else {
		s = strings.TrimSpace(s)
	}

	objStart := strings.Index(s, "{")
	arrStart := strings.Index(s, "[")

	// Prefer whichever opens first; payloads here are normally objects.
	if objStart != -1 && (arrStart == -1 || objStart < arrStart) {
		if end := matchBracket(s, objStart, '{', '}'); end != -1 {
			return s[objStart : end+1]
		}
	}
	if arrStart != -1 {
		if end := matchBracket(s, arrStart, '[', ']'); end != -1 {
			return s[arrStart : end+1]
		}
		// Truncated array: close it if there is at least one complete value.
		if lastQuote := strings.LastIndex(s, `"`); lastQuote > arrStart {
			return strings.TrimRight(s[arrStart:], " \n\t,") + "]"
		}
	}

	return s
}

// matchBracket walks the string from an opening bracket to its matching
// close, skipping brackets inside string literals and escape sequences.
// Returns -1 when the input is truncated before the close.
func matchBracket(s string, start int, open, close byte) int {
	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(s); i++ {
		ch := s[i]

		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}

		switch ch {
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// RepairJSON escapes raw newlines and tabs that models sometimes leave inside
// string values, which json.Unmarshal rejects.
func RepairJSON(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		ch := s[i]

		if escaped {
			b.WriteByte(ch)
			escaped = false
			continue
		}
		if ch == '\\' {
			b.WriteByte(ch)
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			b.WriteByte(ch)
			continue
		}

		if inString {
			switch ch {
			case '\n':
				b.WriteString(`\n`)
				continue
			case '\r':
				b.WriteString(`\r`)
				continue
			case '\t':
				b.WriteString(`\t`)
				continue
			}
		}
		b.WriteByte(ch)
	}

	return b.String()
}
