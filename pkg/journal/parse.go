package journal

import (
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

const (
	HeaderPrefix          = "ReasoningPipe:"
	SectionThoughtStream  = "Thought Stream"
	SectionSessionDetails = "Session Metadata"
)

// Entry is one timestamped line of the thought stream.
type Entry struct {
	At      string
	Kind    string
	Content string
}

// Record is the parsed form of an execution record.
type Record struct {
	Title    string
	Identity string
	Session  string
	// HeaderFirst is true when the document opens with the ReasoningPipe heading.
	HeaderFirst bool
	Sections    []string
	Fields      map[string]string
	Entries     []Entry
}

func (r Record) Field(name string) (string, bool) {
	v, ok := r.Fields[name]
	return v, ok
}

func (r Record) HasSection(name string) bool {
	for _, s := range r.Sections {
		if s == name {
			return true
		}
	}
	return false
}

func (r Record) Count(kind string) int {
	n := 0
	for _, e := range r.Entries {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

var markdown = goldmark.New()

type inline struct {
	strong bool
	text   string
}

// Parse reads an execution record through the markdown AST. Unknown
// content is ignored; missing parts show up as absent fields or sections.
func Parse(src []byte) (Record, error) {
	rec := Record{Fields: map[string]string{}}
	doc := markdown.Parser().Parse(text.NewReader(src))
	if doc == nil {
		return rec, fmt.Errorf("execution record: empty document")
	}
	if h, ok := doc.FirstChild().(*ast.Heading); ok && h.Level == 1 {
		title := strings.TrimSpace(plainText(h, src))
		rec.HeaderFirst = strings.HasPrefix(title, HeaderPrefix)
	}
	section := ""
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		switch node := n.(type) {
		case *ast.Heading:
			title := strings.TrimSpace(plainText(node, src))
			switch node.Level {
			case 1:
				if rec.Title == "" {
					rec.Title = title
					rec.Identity, rec.Session = splitTitle(title)
				}
			case 2:
				section = title
				rec.Sections = append(rec.Sections, title)
			}
		case *ast.Paragraph:
			for _, line := range paragraphLines(node, src) {
				if section == SectionThoughtStream {
					if e, ok := parseEntry(line); ok {
						rec.Entries = append(rec.Entries, e)
						continue
					}
				}
				if label, value, ok := parseField(line); ok {
					if _, seen := rec.Fields[label]; !seen {
						rec.Fields[label] = value
					}
				}
			}
		}
	}
	return rec, nil
}

func splitTitle(title string) (identity, session string) {
	rest := strings.TrimSpace(strings.TrimPrefix(title, HeaderPrefix))
	left, right, found := strings.Cut(rest, "|")
	identity = strings.TrimSpace(left)
	if found {
		session = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(right), "Session:"))
	}
	return identity, session
}

// paragraphLines splits a paragraph's inline children on line breaks and
// merges adjacent runs of the same weight.
func paragraphLines(p *ast.Paragraph, src []byte) [][]inline {
	var lines [][]inline
	var cur []inline
	push := func(strong bool, s string) {
		if s == "" {
			return
		}
		if k := len(cur); k > 0 && cur[k-1].strong == strong {
			cur[k-1].text += s
			return
		}
		cur = append(cur, inline{strong: strong, text: s})
	}
	for c := p.FirstChild(); c != nil; c = c.NextSibling() {
		if em, ok := c.(*ast.Emphasis); ok && em.Level == 2 {
			push(true, plainText(em, src))
			continue
		}
		push(false, plainText(c, src))
		if t, ok := c.(*ast.Text); ok && (t.SoftLineBreak() || t.HardLineBreak()) {
			lines = append(lines, cur)
			cur = nil
		}
	}
	if len(cur) > 0 {
		lines = append(lines, cur)
	}
	return lines
}

func parseField(line []inline) (string, string, bool) {
	if len(line) < 2 || !line[0].strong || line[1].strong {
		return "", "", false
	}
	rest := line[1].text
	if !strings.HasPrefix(rest, ":") {
		return "", "", false
	}
	value := strings.TrimPrefix(rest, ":")
	for _, in := range line[2:] {
		value += in.text
	}
	return strings.TrimSpace(line[0].text), strings.TrimSpace(value), true
}

func parseEntry(line []inline) (Entry, bool) {
	if len(line) < 2 || !line[0].strong {
		return Entry{}, false
	}
	stamp := strings.TrimSpace(line[0].text)
	if !strings.HasPrefix(stamp, "[") || !strings.HasSuffix(stamp, "]") {
		return Entry{}, false
	}
	var rest strings.Builder
	for _, in := range line[1:] {
		rest.WriteString(in.text)
	}
	kind, content, ok := strings.Cut(strings.TrimSpace(rest.String()), ":")
	if !ok {
		return Entry{}, false
	}
	switch kind {
	case "THOUGHT", "ACTION", "RESULT":
	default:
		return Entry{}, false
	}
	return Entry{
		At:      strings.Trim(stamp, "[]"),
		Kind:    kind,
		Content: strings.TrimSpace(content),
	}, true
}

func plainText(n ast.Node, src []byte) string {
	switch node := n.(type) {
	case *ast.Text:
		return string(node.Segment.Value(src))
	case *ast.String:
		return string(node.Value)
	case *ast.CodeSpan:
		var b strings.Builder
		for c := node.FirstChild(); c != nil; c = c.NextSibling() {
			b.WriteString(plainText(c, src))
		}
		return b.String()
	}
	var b strings.Builder
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		b.WriteString(plainText(c, src))
		if t, ok := c.(*ast.Text); ok && t.SoftLineBreak() {
			b.WriteString(" ")
		}
	}
	return b.String()
}
