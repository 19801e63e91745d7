// Package render formats turn results as markdown and converts them to HTML
// for the browser. Text shown literally is escaped for both markdown and HTML
// before it is placed in the markdown; the only raw markup comes from the diff
// package and from the fixed section templates here.
package render

import (
	"bytes"
	"fmt"
	"html"
	"sort"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"

	"langy/internal/diff"
	"langy/internal/models"
)

var md = goldmark.New(
	goldmark.WithExtensions(extension.Table),
	goldmark.WithRendererOptions(gmhtml.WithUnsafe()),
)

// HTML converts markdown to HTML.
func HTML(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := md.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return buf.String(), nil
}

// Text escapes s so it renders exactly as written: markdown punctuation is
// backslash escaped and HTML specials become entities.
func Text(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '&' || r == '<' || r == '>' || r == '"' || r == '\'':
			sb.WriteString(html.EscapeString(string(r)))
		case r < 0x80 && strings.ContainsRune(markdownPunct, r):
			sb.WriteByte('\\')
			sb.WriteRune(r)
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// ASCII punctuation CommonMark allows to be backslash escaped, minus the HTML
// specials handled as entities.
const markdownPunct = "!#$%()*+,-./:;=?@[\\]^_`{|}~"

// Markdown escapes HTML in model-authored markdown and keeps its formatting.
func Markdown(s string) string {
	return html.EscapeString(s)
}

// Join concatenates non-empty sections as separate markdown blocks.
func Join(sections ...string) string {
	out := make([]string, 0, len(sections))
	for _, s := range sections {
		if strings.TrimSpace(s) != "" {
			out = append(out, strings.TrimRight(s, "\n"))
		}
	}
	return strings.Join(out, "\n\n")
}

// Raw shows an unprocessed model reply verbatim.
func Raw(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}
	return "<pre>" + html.EscapeString(raw) + "</pre>"
}

// StripFence removes a code fence wrapped around a whole reply, which models
// add when shown a markdown example.
func StripFence(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") || !strings.HasSuffix(trimmed, "```") || len(trimmed) < 6 {
		return s
	}
	body := strings.TrimSuffix(trimmed, "```")
	nl := strings.IndexByte(body, '\n')
	if nl < 0 {
		return s
	}
	return strings.TrimSpace(body[nl+1:])
}

// Level is the CEFR heading followed by the reason for it.
func Level(level, reason string) string {
	return Join("## CEFR Level: "+Text(level), Text(reason))
}

// Redline shows the corrections. Numbered markers line up with Reasons.
// The body is a single-line HTML block so markdown never parses the
// learner's text.
func Redline(doc diff.Document, numbered bool) string {
	if doc.Unchanged() {
		return "### Corrections\n\nNo corrections needed."
	}
	body := doc.HTML()
	if numbered {
		body = doc.NumberedHTML()
	}
	body = strings.ReplaceAll(strings.ReplaceAll(body, "\r\n", "\n"), "\n", "<br>")
	return "### Corrections\n\n<p class=\"redline\">" + body + "</p>"
}

// Degraded shows the corrected text as is when it could not be diffed.
func Degraded(corrected string) string {
	return "### Corrected text\n\n" + Text(corrected)
}

var noCorrectionPhrases = []string{
	"no correction",
	"not a correction",
	"no change",
	"not a real correction",
}

// IsNoCorrection reports whether a reason says the change was not a
// correction.
func IsNoCorrection(text string) bool {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return true
	}
	for _, p := range noCorrectionPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// Reasons lists explanations in correction order, skipping entries that
// say no correction was made.
func Reasons(reasons map[int]string) string {
	keys := make([]int, 0, len(reasons))
	for k := range reasons {
		if !IsNoCorrection(reasons[k]) {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return ""
	}
	sort.Ints(keys)
	var sb strings.Builder
	sb.WriteString("### Reasons\n")
	for _, k := range keys {
		fmt.Fprintf(&sb, "\n- **[%d]** %s", k, Text(reasons[k]))
	}
	return sb.String()
}

// Notice is a highlighted message shown in place of a result.
func Notice(msg string) string {
	if msg == "" {
		return ""
	}
	return "> **" + Text(msg) + "**"
}

// Order renders the order summary as a table.
func Order(o models.Order) string {
	var sb strings.Builder
	sb.WriteString("### Your order\n\n| Item | Selection |\n| --- | --- |\n")
	fmt.Fprintf(&sb, "| Waffle | %s |\n", cell(o.WaffleType))
	fmt.Fprintf(&sb, "| Toppings | %s |\n", cell(strings.Join(o.Toppings, ", ")))
	fmt.Fprintf(&sb, "| Drinks | %s |\n", cell(strings.Join(o.Drinks, ", ")))
	fmt.Fprintf(&sb, "| **Total** | **$%.2f** |", o.TotalPrice)
	return sb.String()
}

func cell(s string) string {
	if s == "" {
		return "-"
	}
	return Text(s)
}

// Footer shows token usage and cost for the turn and the conversation.
func Footer(turn models.Usage, turnCost float64, total models.Usage, totalCost float64) string {
	return fmt.Sprintf("---\n\n<small>Tokens this turn: %d (prompt %d, completion %d). Cost: $%.5f. Conversation total: %d tokens, $%.5f.</small>",
		turn.TotalTokens, turn.PromptTokens, turn.CompletionTokens, turnCost, total.TotalTokens, totalCost)
}
