// Package htmlpage implements page.Page over a static HTML document. It backs
// offline inspection of saved Flow pages and scripted page tests.
package htmlpage

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"

	"github.com/kernel/flowkit/internal/page"
)

const refAttr = "data-flowkit-ref"

// Reaction runs when a matching element is clicked. It may mutate the page.
type Reaction func(p *Page, el page.Element)

type reaction struct {
	selector string
	fn       Reaction
	once     bool
	fired    bool
}

// Page is an in-memory DOM.
type Page struct {
	mu        sync.Mutex
	doc       *goquery.Document
	next      int
	installed bool
	reactions []*reaction
	clicks    []page.Element
	hovers    []page.Element
	values    map[string]string
	installs  int
}

// Parse reads an HTML document.
func Parse(r io.Reader) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse html: %w", err)
	}
	p := &Page{doc: doc, installed: true, values: map[string]string{}}
	p.assignRefs()
	return p, nil
}

// MustParse parses html and panics on error.
func MustParse(html string) *Page {
	p, err := Parse(strings.NewReader(html))
	if err != nil {
		panic(err)
	}
	return p
}

func (p *Page) assignRefs() {
	p.doc.Find("*").Each(func(_ int, s *goquery.Selection) {
		if _, ok := s.Attr(refAttr); ok {
			return
		}
		p.next++
		s.SetAttr(refAttr, fmt.Sprintf("e%d", p.next))
	})
}

// SetInstalled simulates the helper being present or removed by a reload.
func (p *Page) SetInstalled(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.installed = v
}

// Installs returns how many times Install was called.
func (p *Page) Installs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.installs
}

func (p *Page) Installed(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.installed, ctx.Err()
}

func (p *Page) Install(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.installs++
	p.installed = true
	return ctx.Err()
}

func (p *Page) QueryAll(ctx context.Context, scope, selector string) ([]page.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	root := p.doc.Selection
	if scope != "" {
		root = p.byRef(scope)
		if root.Length() == 0 {
			return nil, page.ErrStaleRef
		}
	}
	var out []page.Element
	root.Find(selector).Each(func(_ int, s *goquery.Selection) {
		out = append(out, describe(s))
	})
	return out, nil
}

func (p *Page) Click(ctx context.Context, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	s := p.byRef(ref)
	if s.Length() == 0 {
		p.mu.Unlock()
		return page.ErrStaleRef
	}
	el := describe(s)
	p.clicks = append(p.clicks, el)
	var fire []Reaction
	for _, r := range p.reactions {
		if r.once && r.fired {
			continue
		}
		if s.Is(r.selector) {
			r.fired = true
			fire = append(fire, r.fn)
		}
	}
	p.mu.Unlock()
	for _, fn := range fire {
		fn(p, el)
	}
	return nil
}

func (p *Page) Hover(ctx context.Context, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.byRef(ref)
	if s.Length() == 0 {
		return page.ErrStaleRef
	}
	p.hovers = append(p.hovers, describe(s))
	return nil
}

func (p *Page) SetValue(ctx context.Context, ref, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.byRef(ref)
	if s.Length() == 0 {
		return page.ErrStaleRef
	}
	s.SetAttr("value", text)
	if goquery.NodeName(s) == "textarea" {
		s.SetText(text)
	}
	p.values[ref] = text
	return nil
}

func (p *Page) ClickBody(ctx context.Context) error {
	p.mu.Lock()
	ref, _ := p.doc.Find("body").Attr(refAttr)
	p.mu.Unlock()
	if ref == "" {
		return nil
	}
	return p.Click(ctx, ref)
}

// OnClick registers fn to run each time an element matching selector is clicked.
func (p *Page) OnClick(selector string, fn Reaction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reactions = append(p.reactions, &reaction{selector: selector, fn: fn})
}

// OnceClick registers fn for the first matching click only.
func (p *Page) OnceClick(selector string, fn Reaction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reactions = append(p.reactions, &reaction{selector: selector, fn: fn, once: true})
}

// Append inserts html at the end of every element matching selector.
func (p *Page) Append(selector, html string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.doc.Find(selector).AppendHtml(html)
	p.assignRefs()
}

// Remove deletes every element matching selector.
func (p *Page) Remove(selector string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.doc.Find(selector).Remove()
}

// SetAttr sets an attribute on every element matching selector.
func (p *Page) SetAttr(selector, name, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.doc.Find(selector).SetAttr(name, value)
}

// Clicks returns the elements clicked so far, in order.
func (p *Page) Clicks() []page.Element {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]page.Element(nil), p.clicks...)
}

// Hovers returns the elements hovered so far, in order.
func (p *Page) Hovers() []page.Element {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]page.Element(nil), p.hovers...)
}

// Value returns the last value set on ref.
func (p *Page) Value(ref string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.values[ref]
}

// HTML renders the current document.
func (p *Page) HTML() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out, _ := p.doc.Html()
	return out
}

func (p *Page) byRef(ref string) *goquery.Selection {
	return p.doc.Find(fmt.Sprintf("[%s=%q]", refAttr, ref))
}

func describe(s *goquery.Selection) page.Element {
	attrs := map[string]string{}
	if n := s.Get(0); n != nil {
		for _, a := range n.Attr {
			attrs[a.Key] = a.Val
		}
	}
	_, disabled := s.Attr("disabled")
	text := strings.TrimSpace(s.Text())
	return page.Element{
		Ref:        attrs[refAttr],
		Tag:        goquery.NodeName(s),
		Text:       text,
		InnerText:  text,
		Icon:       strings.TrimSpace(s.Find("i").First().Text()),
		Span:       strings.TrimSpace(s.Find("span").First().Text()),
		ParentText: strings.TrimSpace(s.Parent().Text()),
		Attrs:      attrs,
		Visible:    visible(s),
		Disabled:   disabled,
	}
}

// visible treats hidden attributes and inline display:none on the element or
// an ancestor as not rendered.
func visible(s *goquery.Selection) bool {
	for cur := s; cur.Length() > 0; cur = cur.Parent() {
		if _, hidden := cur.Attr("hidden"); hidden {
			return false
		}
		style, _ := cur.Attr("style")
		if strings.Contains(strings.ReplaceAll(style, " ", ""), "display:none") {
			return false
		}
	}
	return true
}
