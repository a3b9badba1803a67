package core

import (
	"encoding/json"
	"strings"
)

// requiredFields is the minimal shape-validity predicate for an extracted
// record: at least one of these present and non-empty. Deliberately
// permissive; a terse but legitimate reaction must not be rejected.
var requiredFields = []string{"reaction", "funny", "offense", "relatability", "tags"}

// candidateFields are the known top-level locations a provider may hang its
// useful payload on, in priority order.
var candidateFields = []string{"response", "result", "output", "content", "message", "text"}

// extractStrategy is one best-effort parser in the chain. Strategies are pure
// over their input and must never panic past the boundary; a nil return means
// "this strategy failed", advancing the chain.
type extractStrategy struct {
	name string
	fn   func(payload interface{}) map[string]interface{}
}

var extractChain []extractStrategy

// Assigned in init to break the static initialization cycle
// (extractChain -> extractSteps -> Extract -> extractChain).
func init() {
	extractChain = []extractStrategy{
		{"direct", extractDirect},
		{"fenced", extractFenced},
		{"braces", extractBraces},
		{"steps", extractSteps},
		{"reserialize", extractReserialized},
	}
}

// Extract recovers a structured record from an opaque provider payload by
// running the strategy chain in order and returning the first valid result.
// It returns nil when every strategy fails; callers treat nil as "no usable
// output", not as an error.
func Extract(payload interface{}) map[string]interface{} {
	if payload == nil {
		return nil
	}
	for _, s := range extractChain {
		if rec := safeApply(s, payload); rec != nil {
			return rec
		}
	}
	return nil
}

func safeApply(s extractStrategy, payload interface{}) (rec map[string]interface{}) {
	defer func() {
		if recover() != nil {
			rec = nil
		}
	}()
	rec = s.fn(payload)
	if !validRecord(rec) {
		return nil
	}
	return rec
}

// validRecord checks the minimal shape predicate.
func validRecord(rec map[string]interface{}) bool {
	if rec == nil {
		return false
	}
	for _, f := range requiredFields {
		v, ok := rec[f]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			if strings.TrimSpace(t) != "" {
				return true
			}
		case []interface{}:
			if len(t) > 0 {
				return true
			}
		default:
			return true
		}
	}
	return false
}

// extractDirect tries the known top-level field locations. A map payload that
// is itself a valid record wins immediately; a textual candidate is handed
// to the string parsers.
func extractDirect(payload interface{}) map[string]interface{} {
	m, ok := payload.(map[string]interface{})
	if !ok {
		if s, ok := payload.(string); ok {
			return parseRecordText(s)
		}
		return nil
	}
	if validRecord(m) {
		return m
	}
	for _, f := range candidateFields {
		v, ok := m[f]
		if !ok {
			continue
		}
		switch c := v.(type) {
		case map[string]interface{}:
			if validRecord(c) {
				return c
			}
			// one more level of wrapping is common
			if inner := extractDirect(c); inner != nil {
				return inner
			}
		case string:
			if rec := parseRecordText(c); rec != nil {
				return rec
			}
		}
	}
	return nil
}

// extractFenced strips a markdown code fence and strict-parses the remainder.
func extractFenced(payload interface{}) map[string]interface{} {
	s, ok := payloadText(payload)
	if !ok {
		return nil
	}
	return parseStrict(stripFences(s))
}

// extractBraces parses the first balanced {...} span in the text.
func extractBraces(payload interface{}) map[string]interface{} {
	s, ok := payloadText(payload)
	if !ok {
		return nil
	}
	return parseStrict(firstJSONObject(s))
}

// extractSteps digs into an agent-run style payload: a sequence of steps
// where tool invocations or message creations carry the actual record.
func extractSteps(payload interface{}) map[string]interface{} {
	m, ok := payload.(map[string]interface{})
	if !ok {
		return nil
	}
	for _, key := range []string{"steps", "messages"} {
		seq, ok := m[key].([]interface{})
		if !ok {
			continue
		}
		for _, el := range seq {
			step, ok := el.(map[string]interface{})
			if !ok {
				continue
			}
			typ, _ := step["type"].(string)
			switch typ {
			case "tool_call", "tool_use", "message_create":
			default:
				continue
			}
			for _, inner := range []string{"arguments", "content", "input"} {
				if v, ok := step[inner]; ok {
					if rec := Extract(v); rec != nil {
						return rec
					}
				}
			}
		}
	}
	return nil
}

// extractReserialized is the last resort: serialize the whole payload back to
// text and re-run the string parsers against it.
func extractReserialized(payload interface{}) map[string]interface{} {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	return parseRecordText(string(b))
}

func payloadText(payload interface{}) (string, bool) {
	if s, ok := payload.(string); ok {
		return s, true
	}
	if m, ok := payload.(map[string]interface{}); ok {
		for _, f := range candidateFields {
			if s, ok := m[f].(string); ok {
				return s, true
			}
		}
	}
	return "", false
}

func parseRecordText(s string) map[string]interface{} {
	if rec := parseStrict(stripFences(s)); rec != nil {
		return rec
	}
	return parseStrict(firstJSONObject(s))
}

func parseStrict(s string) map[string]interface{} {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var rec map[string]interface{}
	if err := json.Unmarshal([]byte(s), &rec); err != nil {
		return nil
	}
	return rec
}

// stripFences removes a leading/trailing markdown code fence if present.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.Index(s, "\n"); idx >= 0 {
		// drop the language tag line (```json etc.)
		first := strings.TrimSpace(s[:idx])
		if first == "" || len(first) <= 10 && !strings.Contains(first, "{") {
			s = s[idx+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// firstJSONObject returns the first balanced top-level {...} span in s, or ""
// when none closes.
func firstJSONObject(s string) string {
	start := -1
	depth := 0
	inString := false
	escaped := false
	for i, ch := range s {
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
			}
			if depth == 0 && start != -1 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
