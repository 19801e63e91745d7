// Package diff computes word level redlines between an original text and its
// corrected version.
package diff

import (
	"fmt"
	"html"
	"strings"
	"unicode"

	"github.com/pmezard/go-difflib/difflib"
)

type Op int

const (
	Equal Op = iota
	Delete
	Insert
)

func (o Op) String() string {
	switch o {
	case Equal:
		return "equal"
	case Delete:
		return "delete"
	case Insert:
		return "insert"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

type Span struct {
	Op   Op
	Text string
}

// Document is an ordered redline. Within a change group deletes always come
// before inserts.
type Document struct {
	Spans []Span
}

// Change is one numbered group of adjacent deleted and inserted text.
type Change struct {
	Number   int
	Deleted  string
	Inserted string
}

// Compute diffs original against corrected. Words and the whitespace runs
// between them are separate tokens, so both texts are reproduced exactly.
func Compute(original, corrected string) Document {
	a, b := tokenize(original), tokenize(corrected)
	m := difflib.NewMatcherWithJunk(a, b, false, nil)

	var doc Document
	var del, ins strings.Builder
	flush := func() {
		if del.Len() > 0 {
			doc.Spans = append(doc.Spans, Span{Op: Delete, Text: del.String()})
			del.Reset()
		}
		if ins.Len() > 0 {
			doc.Spans = append(doc.Spans, Span{Op: Insert, Text: ins.String()})
			ins.Reset()
		}
	}
	for _, oc := range m.GetOpCodes() {
		switch oc.Tag {
		case 'e':
			flush()
			doc.appendEqual(strings.Join(a[oc.I1:oc.I2], ""))
		case 'd':
			del.WriteString(strings.Join(a[oc.I1:oc.I2], ""))
		case 'i':
			ins.WriteString(strings.Join(b[oc.J1:oc.J2], ""))
		case 'r':
			del.WriteString(strings.Join(a[oc.I1:oc.I2], ""))
			ins.WriteString(strings.Join(b[oc.J1:oc.J2], ""))
		}
	}
	flush()
	return doc
}

func (d *Document) appendEqual(text string) {
	if text == "" {
		return
	}
	if n := len(d.Spans); n > 0 && d.Spans[n-1].Op == Equal {
		d.Spans[n-1].Text += text
		return
	}
	d.Spans = append(d.Spans, Span{Op: Equal, Text: text})
}

func tokenize(s string) []string {
	var tokens []string
	start := 0
	var inSpace bool
	for i, r := range s {
		space := unicode.IsSpace(r)
		if i > start && space != inSpace {
			tokens = append(tokens, s[start:i])
			start = i
		}
		inSpace = space
	}
	if start < len(s) {
		tokens = append(tokens, s[start:])
	}
	return tokens
}

// Original rebuilds the first input from equal and deleted spans.
func (d Document) Original() string {
	return d.join(Delete)
}

// Corrected rebuilds the second input from equal and inserted spans.
func (d Document) Corrected() string {
	return d.join(Insert)
}

func (d Document) join(keep Op) string {
	var sb strings.Builder
	for _, s := range d.Spans {
		if s.Op == Equal || s.Op == keep {
			sb.WriteString(s.Text)
		}
	}
	return sb.String()
}

// Changes lists the change groups in order, numbered from 1.
func (d Document) Changes() []Change {
	var out []Change
	var cur *Change
	for _, s := range d.Spans {
		if s.Op == Equal {
			cur = nil
			continue
		}
		if cur == nil {
			out = append(out, Change{Number: len(out) + 1})
			cur = &out[len(out)-1]
		}
		if s.Op == Delete {
			cur.Deleted += s.Text
		} else {
			cur.Inserted += s.Text
		}
	}
	return out
}

// Unchanged reports whether the two inputs were identical.
func (d Document) Unchanged() bool {
	for _, s := range d.Spans {
		if s.Op != Equal {
			return false
		}
	}
	return true
}

// HTML renders the redline with <del> and <ins>. Source text is escaped.
func (d Document) HTML() string {
	return d.render(false)
}

// NumberedHTML is HTML with a <sup>[n]</sup> marker after each change group.
func (d Document) NumberedHTML() string {
	return d.render(true)
}

func (d Document) render(numbered bool) string {
	var sb strings.Builder
	n := 0
	for i, s := range d.Spans {
		text := html.EscapeString(s.Text)
		switch s.Op {
		case Equal:
			sb.WriteString(text)
			continue
		case Delete:
			sb.WriteString("<del>" + text + "</del>")
		case Insert:
			sb.WriteString("<ins>" + text + "</ins>")
		}
		if numbered && (i+1 == len(d.Spans) || d.Spans[i+1].Op == Equal) {
			n++
			fmt.Fprintf(&sb, "<sup>[%d]</sup>", n)
		}
	}
	return sb.String()
}
