package ai

import "testing"

func TestCleanJSONResponse_MarkdownFences(t *testing.T) {
	got := CleanJSONResponse("```json\n{\"score\": 5}\n```")
	if got != `{"score": 5}` {
		t.Fatalf("expected fences stripped, got %q", got)
	}
}

func TestCleanJSONResponse_SurroundingProse(t *testing.T) {
	got := CleanJSONResponse("Here is my assessment:\n{\"score\": 5}\nLet me know if you need more.")
	if got != `{"score": 5}` {
		t.Fatalf("expected first JSON object extracted, got %q", got)
	}
}

func TestCleanJSONResponse_NestedObjects(t *testing.T) {
	in := `{"outer": {"inner": 1}, "brace_in_string": "}"}`
	got := CleanJSONResponse(in)
	if got != in {
		t.Fatalf("expected balanced extraction to return full object, got %q", got)
	}
}

func TestCleanJSONResponse_NoObject(t *testing.T) {
	got := CleanJSONResponse("no json here")
	if got != "no json here" {
		t.Fatalf("expected passthrough, got %q", got)
	}
}
