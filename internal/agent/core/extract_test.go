package core

import (
	"testing"
)

func TestExtractDirectObject(t *testing.T) {
	payload := map[string]interface{}{
		"reaction": "That landed harder than it had any right to.",
		"funny":    "hot",
		"tags":     []interface{}{"misdirection"},
	}
	rec := Extract(payload)
	if rec == nil {
		t.Fatalf("expected record, got nil")
	}
	if rec["funny"] != "hot" {
		t.Fatalf("expected funny=hot, got %v", rec["funny"])
	}
}

func TestExtractWrappedResponseField(t *testing.T) {
	payload := map[string]interface{}{
		"response": map[string]interface{}{
			"reaction": "fine, it got a smirk out of me",
			"funny":    "warm",
		},
	}
	rec := Extract(payload)
	if rec == nil {
		t.Fatalf("expected record, got nil")
	}
	if rec["reaction"] != "fine, it got a smirk out of me" {
		t.Fatalf("unexpected reaction: %v", rec["reaction"])
	}
}

func TestExtractFencedJSONString(t *testing.T) {
	payload := "```json\n{\"reaction\": \"airtight wordplay, I allow it\", \"funny\": \"hot\"}\n```"
	rec := Extract(payload)
	if rec == nil {
		t.Fatalf("expected record, got nil")
	}
	if rec["funny"] != "hot" {
		t.Fatalf("expected funny=hot, got %v", rec["funny"])
	}
}

func TestExtractBareJSONString(t *testing.T) {
	rec := Extract(`{"reaction": "seen it before", "funny": "cold"}`)
	if rec == nil {
		t.Fatalf("expected record, got nil")
	}
	if rec["funny"] != "cold" {
		t.Fatalf("expected funny=cold, got %v", rec["funny"])
	}
}

func TestExtractJSONEmbeddedInProse(t *testing.T) {
	payload := "Sure! Here is my take: {\"reaction\": \"committed weirdness\", \"funny\": \"hot\"} hope that helps."
	rec := Extract(payload)
	if rec == nil {
		t.Fatalf("expected record, got nil")
	}
	if rec["reaction"] != "committed weirdness" {
		t.Fatalf("unexpected reaction: %v", rec["reaction"])
	}
}

func TestExtractDoublyWrappedFencedString(t *testing.T) {
	// object -> textual field -> fenced block -> JSON
	payload := map[string]interface{}{
		"content": "```\n{\"reaction\": \"warm but hack\", \"funny\": \"warm\", \"offense\": \"low\"}\n```",
	}
	rec := Extract(payload)
	if rec == nil {
		t.Fatalf("expected record, got nil")
	}
	if rec["offense"] != "low" {
		t.Fatalf("expected offense=low, got %v", rec["offense"])
	}
}

func TestExtractAgentSteps(t *testing.T) {
	payload := map[string]interface{}{
		"steps": []interface{}{
			map[string]interface{}{"type": "thought", "content": "thinking..."},
			map[string]interface{}{
				"type": "tool_call",
				"arguments": map[string]interface{}{
					"reaction": "punches up, I approve",
					"funny":    "warm",
				},
			},
		},
	}
	rec := Extract(payload)
	if rec == nil {
		t.Fatalf("expected record from steps, got nil")
	}
	if rec["reaction"] != "punches up, I approve" {
		t.Fatalf("unexpected reaction: %v", rec["reaction"])
	}
}

func TestExtractUnusablePayloadReturnsNil(t *testing.T) {
	for _, payload := range []interface{}{
		nil,
		"no json here at all",
		"{\"unrelated\": \"fields only\"}",
		map[string]interface{}{"noise": true},
		42,
		[]interface{}{"a", "b"},
	} {
		if rec := Extract(payload); rec != nil {
			t.Fatalf("expected nil for %v, got %v", payload, rec)
		}
	}
}

func TestExtractIsDeterministic(t *testing.T) {
	payload := map[string]interface{}{
		"response": "{\"reaction\": \"stable\", \"funny\": \"warm\"}",
	}
	first := Extract(payload)
	second := Extract(payload)
	if first == nil || second == nil {
		t.Fatalf("expected records")
	}
	if first["reaction"] != second["reaction"] || first["funny"] != second["funny"] {
		t.Fatalf("extraction not deterministic: %v vs %v", first, second)
	}
}

func TestValidRecordRequiresNonEmptyField(t *testing.T) {
	if validRecord(map[string]interface{}{"reaction": "   "}) {
		t.Fatalf("whitespace-only reaction must not satisfy the predicate")
	}
	if validRecord(map[string]interface{}{"tags": []interface{}{}}) {
		t.Fatalf("empty tags must not satisfy the predicate")
	}
	if !validRecord(map[string]interface{}{"tags": []interface{}{"wordplay"}}) {
		t.Fatalf("non-empty tags must satisfy the predicate")
	}
}

func TestFirstJSONObjectIgnoresBracesInStrings(t *testing.T) {
	s := `prefix {"reaction": "use a \"}\" carefully", "funny": "warm"} suffix`
	got := firstJSONObject(s)
	if got == "" {
		t.Fatalf("expected balanced object")
	}
	if rec := parseStrict(got); rec == nil || rec["funny"] != "warm" {
		t.Fatalf("expected parseable object, got %q", got)
	}
}

func TestFirstJSONObjectUnclosed(t *testing.T) {
	if got := firstJSONObject(`{"reaction": "never closes`); got != "" {
		t.Fatalf("expected empty for unclosed object, got %q", got)
	}
}

func TestStripFencesWithLanguageTag(t *testing.T) {
	got := stripFences("```json\n{\"a\":1}\n```")
	if got != `{"a":1}` {
		t.Fatalf("unexpected strip result: %q", got)
	}
}
