package services

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Model output is JSON-shaped but not reliably valid JSON. DecodeModelJSON
// applies a fixed sequence of repairs and decodes into out; the caller owns
// the deterministic fallback when every pass fails.

var (
	fencedJSONRe    = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
	unquotedKeyRe   = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)\s*:`)
	trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)
)

func DecodeModelJSON(raw string, out any) error {
	candidate := sanitizeModelOutput(raw)
	if candidate == "" {
		return fmt.Errorf("no JSON object found in model output")
	}

	if err := json.Unmarshal([]byte(candidate), out); err == nil {
		return nil
	}

	repaired := candidate
	repaired = unquotedKeyRe.ReplaceAllString(repaired, `$1"$2":`)
	repaired = replaceSingleQuotes(repaired)
	repaired = trailingCommaRe.ReplaceAllString(repaired, "$1")
	repaired = balanceBrackets(repaired)

	if err := json.Unmarshal([]byte(repaired), out); err != nil {
		return fmt.Errorf("model output not decodable as JSON: %w", err)
	}
	return nil
}

// sanitizeModelOutput strips invisible characters and prose around the JSON
// object, preferring a fenced block when one exists.
func sanitizeModelOutput(raw string) string {
	s := raw
	for _, junk := range []string{"\uFEFF", "\u200B", "\u200C", "\u200D"} {
		s = strings.ReplaceAll(s, junk, "")
	}
	s = strings.TrimSpace(s)

	if m := fencedJSONRe.FindStringSubmatch(s); len(m) == 2 {
		s = strings.TrimSpace(m[1])
	}

	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return ""
	}
	open := s[start]
	closeCh := byte('}')
	if open == '[' {
		closeCh = ']'
	}
	end := strings.LastIndexByte(s, closeCh)
	if end > start {
		return s[start : end+1]
	}
	// unterminated object, keep the tail for bracket balancing
	return s[start:]
}

// replaceSingleQuotes rewrites 'str' delimiters to "str" outside of existing
// double-quoted strings.
func replaceSingleQuotes(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inDouble := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if escaped {
			b.WriteByte(ch)
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			escaped = true
			b.WriteByte(ch)
		case '"':
			inDouble = !inDouble
			b.WriteByte(ch)
		case '\'':
			if inDouble {
				b.WriteByte(ch)
			} else {
				b.WriteByte('"')
			}
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}

// balanceBrackets appends the closers a truncated response left off.
func balanceBrackets(s string) string {
	var stack []byte
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			escaped = true
		case '"':
			inString = !inString
		case '{', '[':
			if !inString {
				stack = append(stack, ch)
			}
		case '}', ']':
			if !inString && len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}
	if inString {
		s += `"`
	}
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			s += "}"
		} else {
			s += "]"
		}
	}
	return s
}
