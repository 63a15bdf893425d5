package chat

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// FrameKind classifies a decoded inbound frame.
type FrameKind int

const (
	// FrameChunk carries a piece of bot text under an optional role.
	FrameChunk FrameKind = iota
	// FrameToolsNotice signals tool activity; it carries no text.
	FrameToolsNotice
	// FrameStreamEnd marks the end of the current reply.
	FrameStreamEnd
	// FrameError carries an error message reported by the server.
	FrameError
)

func (k FrameKind) String() string {
	switch k {
	case FrameChunk:
		return "chunk"
	case FrameToolsNotice:
		return "tools"
	case FrameStreamEnd:
		return "done"
	case FrameError:
		return "error"
	}
	return fmt.Sprintf("FrameKind(%d)", int(k))
}

// RoleTools is the role under which the server reports tool activity.
const RoleTools = "tools"

// Frame is one classified inbound frame.
type Frame struct {
	Kind FrameKind
	// Role is empty when the frame has no role.
	Role string
	Text string
	// Err is set, wrapping ErrDecode, when the payload was not a JSON object and was taken as plain text.
	Err error
}

type payload map[string]json.RawMessage

var errNotObject = errors.New("payload is not an object")

// extractor looks up one candidate value in a payload. It reports false when the value is absent or null.
type extractor func(p payload) (string, bool)

// responseExtractors are tried in order when a chunk has no direct content field; the first hit wins.
var responseExtractors = []extractor{
	fieldPath("response"),
	fieldPath("message"),
	fieldPath("text"),
	fieldPath("content"),
	fieldPath("data.response"),
	fieldPath("data.message"),
	fieldPath("result"),
	fieldPath("answer"),
}

var errorExtractors = []extractor{
	fieldPath("error"),
	fieldPath("error_message"),
	fieldPath("errorMessage"),
	fieldPath("message"),
}

const defaultErrorText = "An error occurred"

// Decode classifies a raw frame payload. It never fails: anything that is not a JSON object is
// returned as a plain-text chunk without role.
func Decode(data []byte) Frame {
	raw := string(data)

	var p payload
	if err := json.Unmarshal(data, &p); err != nil || p == nil {
		if looksLikeStreamEnd(raw) {
			return Frame{Kind: FrameStreamEnd}
		}
		if err == nil {
			err = errNotObject
		}
		return Frame{Kind: FrameChunk, Text: raw, Err: fmt.Errorf("%w: %w", ErrDecode, err)}
	}

	if event, ok := p.str("event"); ok && event == "done" {
		return Frame{Kind: FrameStreamEnd}
	}

	if p.isError() {
		return Frame{Kind: FrameError, Text: firstMatch(p, errorExtractors, defaultErrorText)}
	}

	role, _ := p.str("role")
	if role == RoleTools {
		return Frame{Kind: FrameToolsNotice, Role: RoleTools}
	}

	if content, ok := fieldPath("content")(p); ok {
		return Frame{Kind: FrameChunk, Role: role, Text: content}
	}

	return Frame{Kind: FrameChunk, Role: role, Text: firstMatch(p, responseExtractors, indent(data))}
}

func firstMatch(p payload, extractors []extractor, fallback string) string {
	for _, ex := range extractors {
		if v, ok := ex(p); ok {
			return v
		}
	}
	return fallback
}

// fieldPath returns an extractor for a dotted path such as "data.message".
func fieldPath(path string) extractor {
	keys := strings.Split(path, ".")
	return func(p payload) (string, bool) {
		cur := p
		for i, key := range keys {
			v, ok := cur[key]
			if !ok || isNull(v) {
				return "", false
			}
			if i == len(keys)-1 {
				return stringify(v), true
			}
			var next payload
			if err := json.Unmarshal(v, &next); err != nil || next == nil {
				return "", false
			}
			cur = next
		}
		return "", false
	}
}

func (p payload) str(key string) (string, bool) {
	v, ok := p[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", false
	}
	return s, true
}

func (p payload) isError() bool {
	if v, ok := p["error"]; ok && truthy(v) {
		return true
	}
	if s, _ := p.str("status"); s == "error" {
		return true
	}
	if s, _ := p.str("type"); s == "error" {
		return true
	}
	return false
}

// truthy follows the usual JSON truthiness: null, false, 0 and "" are false.
func truthy(v json.RawMessage) bool {
	switch s := strings.TrimSpace(string(v)); s {
	case "", "null", "false", `""`:
		return false
	default:
		var f float64
		if err := json.Unmarshal(v, &f); err == nil {
			return f != 0
		}
		return true
	}
}

func isNull(v json.RawMessage) bool {
	return strings.TrimSpace(string(v)) == "null"
}

// stringify renders a JSON value as display text: strings verbatim, objects and arrays indented,
// numbers and booleans as written.
func stringify(v json.RawMessage) string {
	trimmed := bytes.TrimSpace(v)
	if len(trimmed) == 0 {
		return ""
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return s
		}
	case '{', '[':
		return indent(trimmed)
	}
	return string(trimmed)
}

func indent(data []byte) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return string(data)
	}
	return buf.String()
}

func looksLikeStreamEnd(raw string) bool {
	return strings.Contains(raw, `"event"`) && strings.Contains(raw, `"done"`)
}
