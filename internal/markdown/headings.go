// Package markdown indexes ATX headings in agent output so callers can slice it into sections.
package markdown

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	gast "github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
)

// Heading is one ATX heading with byte offsets into the parsed source.
type Heading struct {
	Level int
	Title string
	// LineStart is the offset of the first byte of the heading line.
	LineStart int
	// BodyStart is the offset just past the heading line's newline.
	BodyStart int
}

var parser = goldmark.New(goldmark.WithExtensions(extension.GFM))

// Headings returns every `#`-style heading in document order. Headings inside fenced code,
// block quotes and setext underlined headings are not returned.
func Headings(source []byte) []Heading {
	if len(bytes.TrimSpace(source)) == 0 {
		return nil
	}

	doc := parser.Parser().Parse(text.NewReader(source))
	headings := make([]Heading, 0)

	for node := doc.FirstChild(); node != nil; node = node.NextSibling() {
		heading, ok := node.(*gast.Heading)
		if !ok || heading.Lines().Len() == 0 {
			continue
		}

		segment := heading.Lines().At(0)
		lineStart := lineStartBefore(source, segment.Start)
		if !strings.HasPrefix(strings.TrimLeft(string(source[lineStart:segment.Start]), " "), "#") {
			continue
		}

		headings = append(headings, Heading{
			Level:     heading.Level,
			Title:     PlainText(source, heading),
			LineStart: lineStart,
			BodyStart: lineEndAfter(source, segment.Stop),
		})
	}

	return headings
}

// Body returns the text between headings[i] and the next heading accepted by stop.
func Body(source []byte, headings []Heading, i int, stop func(next Heading) bool) string {
	if i < 0 || i >= len(headings) {
		return ""
	}
	end := len(source)
	for _, next := range headings[i+1:] {
		if stop == nil || stop(next) {
			end = next.LineStart
			break
		}
	}
	start := headings[i].BodyStart
	if start > end {
		return ""
	}
	return strings.TrimSpace(string(source[start:end]))
}

// ListItems returns the plain text of every top-level list item in source.
func ListItems(source []byte) []string {
	items := make([]string, 0)
	if len(bytes.TrimSpace(source)) == 0 {
		return items
	}

	doc := parser.Parser().Parse(text.NewReader(source))
	for node := doc.FirstChild(); node != nil; node = node.NextSibling() {
		list, ok := node.(*gast.List)
		if !ok {
			continue
		}
		for child := list.FirstChild(); child != nil; child = child.NextSibling() {
			item, ok := child.(*gast.ListItem)
			if !ok {
				continue
			}
			if value := PlainText(source, item); value != "" {
				items = append(items, value)
			}
		}
	}
	return items
}

// PlainText concatenates the text content of node with whitespace collapsed.
func PlainText(source []byte, node gast.Node) string {
	var builder strings.Builder
	_ = gast.Walk(node, func(inner gast.Node, entering bool) (gast.WalkStatus, error) {
		if !entering {
			return gast.WalkContinue, nil
		}

		switch value := inner.(type) {
		case *gast.Text:
			builder.Write(value.Segment.Value(source))
			if value.HardLineBreak() || value.SoftLineBreak() {
				builder.WriteByte(' ')
			}
		case *gast.String:
			builder.Write(value.Value)
		}

		return gast.WalkContinue, nil
	})

	return strings.Join(strings.Fields(builder.String()), " ")
}

func lineStartBefore(source []byte, offset int) int {
	if offset > len(source) {
		offset = len(source)
	}
	if idx := bytes.LastIndexByte(source[:offset], '\n'); idx >= 0 {
		return idx + 1
	}
	return 0
}

func lineEndAfter(source []byte, offset int) int {
	if offset >= len(source) {
		return len(source)
	}
	if idx := bytes.IndexByte(source[offset:], '\n'); idx >= 0 {
		return offset + idx + 1
	}
	return len(source)
}
