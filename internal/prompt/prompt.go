// Package prompt builds the instruction strings sent to the completion
// provider. User text is only ever wrapped, never rewritten.
package prompt

import (
	"context"
	"fmt"
	"strings"
	"text/template"

	einoprompt "github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
)

// Delimiter fences user supplied text inside an instruction.
const Delimiter = "####"

// Levels is the CEFR scale, lowest first.
var Levels = []string{"A1", "A2", "B1", "B2", "C1", "C2"}

const analysisText = `You will be given a piece of text written by a language learner, delimited by {{.Delimiter}}.
Perform the following steps:
1. Classify the text on the Common European Framework of Reference for Languages (CEFR). The level must be one of A1, A2, B1, B2, C1 or C2.
2. Give detailed reasons for the level you chose.
3. Correct the grammar, spelling and word choice of the text. Keep the original language and meaning. If nothing needs correcting, repeat the text unchanged.

Answer only with a JSON object with the keys "level", "level_reason" and "corrected_text".

{{.Delimiter}}{{.Text}}{{.Delimiter}}`

const reasonsText = `Below, delimited by {{.Delimiter}}, is a text with corrections marked up in HTML.
Removed words are inside <del> tags and added words are inside <ins> tags.
Each correction is numbered with a <sup>[n]</sup> marker, from 1 to {{.Count}}.

For every numbered correction explain briefly why it was made.
Answer only with a JSON object whose keys are the correction numbers as strings ("1" to "{{.Count}}") and whose values are the explanations.
If a numbered change is not a real correction, use the value "No correction".

{{.Delimiter}}{{.Markup}}{{.Delimiter}}`

// ClassifyTemplate asks for a markdown CEFR classification.
const ClassifyTemplate = "Classify the text based on the Common European Framework of Reference\n" +
	"for Languages (CEFR), provide detailed reasons for your answer.\n\n" +
	"Text: {{.Delimiter}}{{.Text}}{{.Delimiter}}\n\n" +
	"Format the output as markdown like this\n\n" +
	"```markdown\n## CEFR Level: <level>\n<reason>\n```\n"

// builtins are user templates a profile can reference by name.
var builtins = map[string]string{
	"classify": ClassifyTemplate,
}

// Template is a single user-message instruction rendered with Go template
// syntax. Variables: .Text, .Delimiter, .Markup, .Count.
type Template struct {
	chat einoprompt.ChatTemplate
}

// New compiles text into a Template.
func New(text string) (*Template, error) {
	if _, err := template.New("prompt").Parse(text); err != nil {
		return nil, fmt.Errorf("parse prompt template: %w", err)
	}
	return &Template{chat: einoprompt.FromMessages(schema.GoTemplate, schema.UserMessage(text))}, nil
}

func mustNew(text string) *Template {
	t, err := New(text)
	if err != nil {
		panic(err)
	}
	return t
}

// Execute renders the template with the given variables. Delimiter is filled
// in when absent.
func (t *Template) Execute(vars map[string]any) (string, error) {
	if vars == nil {
		vars = make(map[string]any, 1)
	}
	if _, ok := vars["Delimiter"]; !ok {
		vars["Delimiter"] = Delimiter
	}
	msgs, err := t.chat.Format(context.Background(), vars)
	if err != nil {
		return "", fmt.Errorf("format prompt: %w", err)
	}
	if len(msgs) == 0 {
		return "", fmt.Errorf("format prompt: no message produced")
	}
	return msgs[0].Content, nil
}

var (
	analysisTemplate = mustNew(analysisText)
	reasonsTemplate  = mustNew(reasonsText)
	classifyTemplate = mustNew(ClassifyTemplate)
)

// Analysis asks for the CEFR level, the reason for it and a corrected version
// of text, answered as JSON.
func Analysis(text string) string {
	out, err := analysisTemplate.Execute(map[string]any{"Text": text})
	if err != nil {
		// fixed template over string data; cannot fail
		panic(err)
	}
	return out
}

// Reasons asks for one explanation per numbered correction in markup. The
// markup is the diff HTML with <sup>[n]</sup> markers for n in 1..count.
func Reasons(markup string, count int) string {
	out, err := reasonsTemplate.Execute(map[string]any{"Markup": markup, "Count": count})
	if err != nil {
		panic(err)
	}
	return out
}

// Classify is the markdown classification instruction for text.
func Classify(text string) string {
	out, err := classifyTemplate.Execute(map[string]any{"Text": text})
	if err != nil {
		panic(err)
	}
	return out
}

// Render applies a profile user template to text. An empty template passes
// the text through; a builtin name such as "classify" selects a builtin.
func Render(tpl, text string) (string, error) {
	if strings.TrimSpace(tpl) == "" {
		return text, nil
	}
	if builtin, ok := builtins[tpl]; ok {
		tpl = builtin
	}
	t, err := New(tpl)
	if err != nil {
		return "", err
	}
	return t.Execute(map[string]any{"Text": text})
}

// ValidLevel reports whether level is on the CEFR scale.
func ValidLevel(level string) bool {
	for _, l := range Levels {
		if l == level {
			return true
		}
	}
	return false
}
