package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"langy/internal/config"
	"langy/internal/diff"
	"langy/internal/prompt"
	"langy/internal/render"
	"langy/internal/repair"
	"langy/internal/service/ai"
	"langy/internal/session"
)

// Analysis is the tutor's structured reply.
type Analysis struct {
	Level         string `json:"level"`
	LevelReason   string `json:"level_reason"`
	CorrectedText string `json:"corrected_text"`
}

// Reasons maps a change group number to its explanation.
type Reasons map[int]string

// DiffInputError means the corrected text was missing or not text, so no
// redline can be drawn.
type DiffInputError struct {
	Got string
}

func (e *DiffInputError) Error() string {
	return fmt.Sprintf("corrected text is empty or not a string: %s", e.Got)
}

var levelPattern = regexp.MustCompile(`\b[ABC][12]\b`)

func decodeAnalysis(value json.RawMessage) (*Analysis, error) {
	if err := repair.Require(value, "level", "level_reason", "corrected_text"); err != nil {
		return nil, err
	}
	r := gjson.ParseBytes(value)
	rawLevel := r.Get("level")
	level := levelPattern.FindString(strings.ToUpper(rawLevel.String()))
	if !prompt.ValidLevel(level) {
		return nil, &repair.MissingField{Field: "level", Got: rawLevel.Raw}
	}
	a := &Analysis{Level: level, LevelReason: r.Get("level_reason").String()}
	corrected := r.Get("corrected_text")
	if corrected.Type != gjson.String || strings.TrimSpace(corrected.Str) == "" {
		a.CorrectedText = corrected.String()
		return a, &DiffInputError{Got: corrected.Raw}
	}
	a.CorrectedText = corrected.Str
	return a, nil
}

func decodeReasons(value json.RawMessage, n int) Reasons {
	out := make(Reasons)
	gjson.ParseBytes(value).ForEach(func(k, v gjson.Result) bool {
		i, err := strconv.Atoi(strings.Trim(k.String(), "[] "))
		if err == nil && i >= 1 && i <= n {
			out[i] = v.String()
		}
		return true
	})
	return out
}

func (s *Service) tutor(ctx context.Context, p config.Profile, client ai.Client, conv *session.Conversation, turn *session.Turn, res *TurnResult) error {
	msgs := append(conv.Seed(), userMessage(prompt.Analysis(turn.Text())))
	out, err := client.Complete(ctx, msgs, p.Temperature)
	if err != nil {
		s.abandon(p, res, err, "")
		return nil
	}
	parsed := s.repairer.Repair(out.Text)
	if parsed.Err != nil {
		s.abandon(p, res, parsed.Err, out.Text)
		return nil
	}
	analysis, err := decodeAnalysis(parsed.Value)
	var diffErr *DiffInputError
	if err != nil && !errors.As(err, &diffErr) {
		s.abandon(p, res, err, out.Text)
		return nil
	}

	cost := p.Pricing.Cost(out.Usage.PromptTokens, out.Usage.CompletionTokens)
	if err := turn.Commit(out.Text, out.Usage, cost); err != nil {
		return err
	}
	res.Committed = true
	res.Reply = out.Text
	res.Analysis = analysis
	res.Usage = out.Usage
	res.Cost = cost
	res.add(render.Level(analysis.Level, analysis.LevelReason))

	if diffErr != nil {
		res.Err = diffErr
		res.Notice = "The corrected text could not be compared with your input."
		res.add(render.Notice(res.Notice), render.Degraded(analysis.CorrectedText))
		return nil
	}

	doc := diff.Compute(turn.Text(), analysis.CorrectedText)
	changes := len(doc.Changes())
	numbered := p.Reasons && changes > 0
	if numbered {
		s.reasons(ctx, p, client, conv, doc, changes, res)
	}
	res.add(render.Redline(doc, numbered))
	if len(res.Reasons) > 0 {
		res.add(render.Reasons(res.Reasons))
	}
	if res.ReasonsNotice != "" {
		res.add(render.Notice(res.ReasonsNotice))
	}
	return nil
}

// reasons asks for one explanation per change group. Failures only cost the
// reasons section; the committed analysis stands.
func (s *Service) reasons(ctx context.Context, p config.Profile, client ai.Client, conv *session.Conversation, doc diff.Document, n int, res *TurnResult) {
	msgs := append(conv.Seed(), userMessage(prompt.Reasons(doc.NumberedHTML(), n)))
	out, err := client.Complete(ctx, msgs, p.ReasonsTemperature)
	if err != nil {
		log.Printf("assistant: profile %s reasons failed: %v", p.Name, err)
		res.ReasonsNotice = "Explanations for the corrections are unavailable right now."
		return
	}
	cost := p.Pricing.Cost(out.Usage.PromptTokens, out.Usage.CompletionTokens)
	conv.Record(out.Usage, cost)
	res.Usage = res.Usage.Add(out.Usage)
	res.Cost += cost

	parsed := s.repairer.Repair(out.Text)
	if parsed.Err != nil {
		log.Printf("assistant: profile %s reasons unreadable: %q", p.Name, truncate(out.Text, 512))
		res.ReasonsNotice = "Explanations for the corrections could not be read."
		return
	}
	res.Reasons = decodeReasons(parsed.Value, n)
}
