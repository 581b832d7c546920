// Package page is the DOM access layer the Flow driver is written against.
// Elements are addressed by opaque refs handed out by QueryAll so a later
// click or hover reaches the exact node that was inspected.
package page

import (
	"context"
	"errors"
	"strings"
)

// ErrStaleRef is returned when a ref no longer resolves to an element.
var ErrStaleRef = errors.New("element ref is no longer attached")

// Element is a snapshot of one DOM element.
type Element struct {
	Ref        string            `json:"ref"`
	Tag        string            `json:"tag"`
	Text       string            `json:"text"`
	InnerText  string            `json:"innerText"`
	Icon       string            `json:"icon"`
	Span       string            `json:"span"`
	ParentText string            `json:"parentText"`
	Attrs      map[string]string `json:"attrs"`
	Visible    bool              `json:"visible"`
	Disabled   bool              `json:"disabled"`
}

// Attr returns the attribute value or "".
func (e Element) Attr(name string) string {
	return e.Attrs[name]
}

// HasClassFragment reports whether the class attribute contains fragment.
func (e Element) HasClassFragment(fragment string) bool {
	return strings.Contains(e.Attrs["class"], fragment)
}

// Page is the set of DOM operations the driver needs.
type Page interface {
	// Installed reports whether the page helper is present. A navigation or
	// reload removes it.
	Installed(ctx context.Context) (bool, error)
	// Install injects the page helper.
	Install(ctx context.Context) error
	// QueryAll returns the elements matching selector inside the element
	// scope, or the whole document when scope is "".
	QueryAll(ctx context.Context, scope, selector string) ([]Element, error)
	Click(ctx context.Context, ref string) error
	Hover(ctx context.Context, ref string) error
	// SetValue replaces the value of an input and fires input and change events.
	SetValue(ctx context.Context, ref, text string) error
	// ClickBody clicks the document body, closing open popovers.
	ClickBody(ctx context.Context) error
}

// First returns the first element matching selector, or nil.
func First(ctx context.Context, p Page, scope, selector string) (*Element, error) {
	els, err := p.QueryAll(ctx, scope, selector)
	if err != nil || len(els) == 0 {
		return nil, err
	}
	return &els[0], nil
}
