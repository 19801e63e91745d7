// Package repair recovers a JSON object from a model reply that may wrap it
// in prose or code fences.
package repair

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// MalformedResponse is returned when no JSON object could be recovered.
type MalformedResponse struct {
	Raw string
}

func (e *MalformedResponse) Error() string {
	return "malformed response: no JSON object could be recovered"
}

// MissingField is returned when a recovered object lacks a required key. Got
// holds the raw value when the key was present but unusable.
type MissingField struct {
	Field string
	Got   string
}

func (e *MissingField) Error() string {
	if e.Got != "" {
		return fmt.Sprintf("response field %q has unusable value %s", e.Field, e.Got)
	}
	return fmt.Sprintf("response is missing field %q", e.Field)
}

// Strategy extracts a candidate JSON text from a raw reply.
type Strategy struct {
	Name    string
	Extract func(raw string) (string, bool)
}

// Outcome is the result of one repair attempt. Exactly one of Value and Err
// is set; Strategy names the step that produced Value.
type Outcome struct {
	Value    json.RawMessage
	Strategy string
	Err      error
}

// Parsed reports whether a value was recovered.
func (o Outcome) Parsed() bool { return o.Err == nil }

// Repairer turns a raw reply into an Outcome.
type Repairer interface {
	Repair(raw string) Outcome
}

// Direct accepts the whole reply when it already is an object.
var Direct = Strategy{
	Name: "direct",
	Extract: func(raw string) (string, bool) {
		return strings.TrimSpace(raw), true
	},
}

// BraceSlice takes everything from the first '{' to the last '}'. It can pick
// up a brace pair from surrounding prose; validation rejects what is not an
// object but a valid earlier pair wins over the intended one.
var BraceSlice = Strategy{
	Name: "brace_slice",
	Extract: func(raw string) (string, bool) {
		start := strings.Index(raw, "{")
		end := strings.LastIndex(raw, "}")
		if start < 0 || end < start {
			return "", false
		}
		return raw[start : end+1], true
	},
}

// Chain tries each strategy in order and keeps the first valid object.
type Chain []Strategy

// Default is direct parsing with brace extraction as the fallback.
var Default Repairer = Chain{Direct, BraceSlice}

func (c Chain) Repair(raw string) Outcome {
	for _, s := range c {
		candidate, ok := s.Extract(raw)
		if !ok || !isObject(candidate) {
			continue
		}
		return Outcome{Value: json.RawMessage(candidate), Strategy: s.Name}
	}
	return Outcome{Err: &MalformedResponse{Raw: raw}}
}

func isObject(s string) bool {
	if !gjson.Valid(s) {
		return false
	}
	return gjson.Parse(s).IsObject()
}

// JSON recovers the JSON object in raw using the Default repairer.
func JSON(raw string) (json.RawMessage, error) {
	out := Default.Repair(raw)
	return out.Value, out.Err
}

// Require checks that every key is present at the top level of value.
func Require(value json.RawMessage, keys ...string) error {
	for _, key := range keys {
		if !gjson.GetBytes(value, key).Exists() {
			return &MissingField{Field: key}
		}
	}
	return nil
}
