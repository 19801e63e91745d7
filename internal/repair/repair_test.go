package repair

import (
	"encoding/json"
	"errors"
	"testing"
)

const canonical = `{"level": "A2", "level_reason": "r", "corrected_text": "t"}`

func decode(t *testing.T, raw json.RawMessage) map[string]string {
	t.Helper()
	var out map[string]string
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return out
}

func TestDirectParse(t *testing.T) {
	out := Default.Repair(canonical)
	if !out.Parsed() || out.Strategy != "direct" {
		t.Fatalf("unexpected outcome %#v", out)
	}
	got := decode(t, out.Value)
	if got["level"] != "A2" || got["level_reason"] != "r" || got["corrected_text"] != "t" {
		t.Fatalf("unexpected value %v", got)
	}
}

func TestBraceExtraction(t *testing.T) {
	raw := "Sure! Here is the result:\n```json\n" + canonical + "\n```\nHope that helps."
	out := Default.Repair(raw)
	if !out.Parsed() || out.Strategy != "brace_slice" {
		t.Fatalf("unexpected outcome %#v", out)
	}
	direct, _ := JSON(canonical)
	a, b := decode(t, out.Value), decode(t, direct)
	for k, v := range b {
		if a[k] != v {
			t.Fatalf("field %s: got %q want %q", k, a[k], v)
		}
	}
}

func TestMalformed(t *testing.T) {
	for _, raw := range []string{"not json at all", "", "} backwards {", `["a", "b"]`, `"just a string"`, "{broken"} {
		_, err := JSON(raw)
		var mr *MalformedResponse
		if !errors.As(err, &mr) {
			t.Fatalf("%q: expected MalformedResponse, got %v", raw, err)
		}
		if mr.Raw != raw {
			t.Fatalf("raw text not kept: %q", mr.Raw)
		}
	}
}

func TestBraceExtractionTakesOutermostPair(t *testing.T) {
	raw := `Example {"level": "B1"} and answer {"level": "A2"}`
	if _, err := JSON(raw); err == nil {
		t.Fatalf("outermost slice spans two objects and should not parse")
	}
}

func TestRequire(t *testing.T) {
	value, err := JSON(`{"level": "A2", "level_reason": ""}`)
	if err != nil {
		t.Fatalf("repair: %v", err)
	}
	if err := Require(value, "level", "level_reason"); err != nil {
		t.Fatalf("require present keys: %v", err)
	}
	err = Require(value, "level", "corrected_text")
	var mf *MissingField
	if !errors.As(err, &mf) || mf.Field != "corrected_text" {
		t.Fatalf("expected missing corrected_text, got %v", err)
	}
}

type strictOnly struct{}

func (strictOnly) Repair(raw string) Outcome {
	return Chain{Direct}.Repair(raw)
}

func TestRepairerReplaceable(t *testing.T) {
	var r Repairer = strictOnly{}
	if out := r.Repair("prefix " + canonical); out.Parsed() {
		t.Fatalf("strict repairer should not slice braces")
	}
}
