// Package htmldoc implements page.Element over parsed HTML markup using goquery.
package htmldoc

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/harun/autotrack/pkg/page"
)

// Document is a parsed HTML document.
type Document struct {
	doc *goquery.Document
}

// Parse parses markup into a Document.
func Parse(markup string) (*Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("failed to parse markup: %w", err)
	}
	return &Document{doc: doc}, nil
}

// MustParse is Parse for fixed markup in tests and examples.
func MustParse(markup string) *Document {
	d, err := Parse(markup)
	if err != nil {
		panic(err)
	}
	return d
}

// Query returns the first element matching selector, or nil.
func (d *Document) Query(selector string) page.Element {
	sel := d.doc.Find(selector).First()
	if sel.Length() == 0 {
		return nil
	}
	return &Element{sel: sel}
}

// ElementByID returns the element with the given id, or nil.
func (d *Document) ElementByID(id string) page.Element {
	for _, el := range d.QueryAll("[id]") {
		if el.ID() == id {
			return el
		}
	}
	return nil
}

// QueryAll returns every element matching selector in document order.
func (d *Document) QueryAll(selector string) []page.Element {
	var out []page.Element
	d.doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		out = append(out, &Element{sel: s})
	})
	return out
}

// Title returns the text of the <title> element.
func (d *Document) Title() string {
	return strings.TrimSpace(d.doc.Find("title").First().Text())
}

// Element wraps a single-node goquery selection.
type Element struct {
	sel *goquery.Selection
}

// TagName returns the lower-case tag name.
func (e *Element) TagName() string {
	return goquery.NodeName(e.sel)
}

// ID returns the id attribute.
func (e *Element) ID() string {
	id, _ := e.sel.Attr("id")
	return id
}

// Attr returns the named attribute.
func (e *Element) Attr(name string) (string, bool) {
	return e.sel.Attr(name)
}

// Attrs returns all attributes of the element.
func (e *Element) Attrs() map[string]string {
	attrs := make(map[string]string)
	if len(e.sel.Nodes) == 0 {
		return attrs
	}
	for _, a := range e.sel.Nodes[0].Attr {
		attrs[a.Key] = a.Val
	}
	return attrs
}

// Matches reports whether the element matches a CSS selector.
func (e *Element) Matches(selector string) bool {
	return e.sel.Is(selector)
}

// Closest returns the nearest inclusive ancestor matching selector.
func (e *Element) Closest(selector string) page.Element {
	c := e.sel.Closest(selector)
	if c.Length() == 0 {
		return nil
	}
	return &Element{sel: c}
}

// Text returns the combined text content.
func (e *Element) Text() string {
	return e.sel.Text()
}
