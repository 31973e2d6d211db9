// Package jsonx extracts structured JSON from model replies. Replies may be
// bare JSON, JSON inside fenced code blocks, JSON embedded in prose, or JSON
// truncated mid-object; the extractor tries each shape in order and returns
// the first value matching the expected top-level kind.
package jsonx

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseError reports that no parsable JSON of the expected shape was found.
// Raw carries the full reply for debugging.
type ParseError struct {
	Expected string
	Raw      string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("no JSON %s found in reply (%d bytes)", e.Expected, len(e.Raw))
}

// ObjectInto extracts a JSON object from text and unmarshals it into v.
func ObjectInto(text string, v any) error {
	raw, ok := Object(text)
	if !ok {
		return &ParseError{Expected: "object", Raw: text}
	}
	return json.Unmarshal(raw, v)
}

// ArrayInto extracts a JSON array from text and unmarshals it into v.
func ArrayInto(text string, v any) error {
	raw, ok := Array(text)
	if !ok {
		return &ParseError{Expected: "array", Raw: text}
	}
	return json.Unmarshal(raw, v)
}

// Object extracts the first JSON object found in text.
func Object(text string) (json.RawMessage, bool) {
	return extract(text, '{', '}')
}

// Array extracts the first JSON array found in text.
func Array(text string) (json.RawMessage, bool) {
	return extract(text, '[', ']')
}

func extract(text string, open, close byte) (json.RawMessage, bool) {
	trimmed := strings.TrimSpace(text)

	// Whole reply is the value.
	if raw, ok := tryParse(trimmed, open); ok {
		return raw, true
	}

	// Fenced code blocks, with balanced-span extraction inside each.
	for _, block := range fencedBlocks(text) {
		if raw, ok := tryParse(strings.TrimSpace(block), open); ok {
			return raw, true
		}
		if raw, ok := scanBalanced(block, open, close); ok {
			return raw, true
		}
	}

	// Balanced spans anywhere in the reply.
	if raw, ok := scanBalanced(text, open, close); ok {
		return raw, true
	}

	// Truncated output: close any unbalanced braces and retry.
	if raw, ok := completeTruncated(text, open, close); ok {
		return raw, true
	}

	return nil, false
}

// tryParse accepts s only when it parses as JSON and its top-level value
// starts with the expected opener.
func tryParse(s string, open byte) (json.RawMessage, bool) {
	if len(s) == 0 || s[0] != open {
		return nil, false
	}
	if !json.Valid([]byte(s)) {
		return nil, false
	}
	return json.RawMessage(s), true
}

// fencedBlocks returns the bodies of all ``` blocks, tolerating a "json"
// language tag.
func fencedBlocks(text string) []string {
	var blocks []string
	rest := text
	for {
		start := strings.Index(rest, "```")
		if start < 0 {
			break
		}
		rest = rest[start+3:]
		rest = strings.TrimPrefix(rest, "json")
		end := strings.Index(rest, "```")
		if end < 0 {
			break
		}
		blocks = append(blocks, rest[:end])
		rest = rest[end+3:]
	}
	return blocks
}

// scanBalanced walks the text tracking nesting depth and attempts to parse
// each maximal balanced span.
func scanBalanced(text string, open, close byte) (json.RawMessage, bool) {
	depth := 0
	start := -1
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case open:
			if depth == 0 {
				start = i
			}
			depth++
		case close:
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start >= 0 {
				if raw, ok := tryParse(text[start:i+1], open); ok {
					return raw, true
				}
				start = -1
			}
		}
	}
	return nil, false
}

// completeTruncated handles replies cut off mid-value: if the text ends with
// unbalanced openers, append the missing closers and parse the completion.
func completeTruncated(text string, open, close byte) (json.RawMessage, bool) {
	depth := 0
	start := -1
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case open:
			if depth == 0 {
				start = i
			}
			depth++
		case close:
			if depth > 0 {
				depth--
				if depth == 0 {
					start = -1
				}
			}
		}
	}
	if depth <= 0 || start < 0 {
		return nil, false
	}
	completed := text[start:] + strings.Repeat(string(close), depth)
	return tryParse(completed, open)
}
