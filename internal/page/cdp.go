package page

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
)

// CDPPage drives a live tab through the Chrome DevTools Protocol.
type CDPPage struct {
	tab context.Context
}

// NewCDP wraps a chromedp tab context.
func NewCDP(tab context.Context) *CDPPage {
	return &CDPPage{tab: tab}
}

// run executes actions on the tab while honoring cancellation of ctx.
func (p *CDPPage) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(p.tab)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

func (p *CDPPage) eval(ctx context.Context, expr string, res any) error {
	return p.run(ctx, chromedp.Evaluate(expr, res, func(ep *runtime.EvaluateParams) *runtime.EvaluateParams {
		return ep.WithAwaitPromise(true)
	}))
}

func (p *CDPPage) Installed(ctx context.Context) (bool, error) {
	var ok bool
	expr := fmt.Sprintf("!!(window.__flowkit && window.__flowkit.version === %d)", HelperVersion)
	if err := p.eval(ctx, expr, &ok); err != nil {
		return false, fmt.Errorf("failed to probe page helper: %w", err)
	}
	return ok, nil
}

func (p *CDPPage) Install(ctx context.Context) error {
	var ok bool
	if err := p.eval(ctx, HelperScript, &ok); err != nil {
		return fmt.Errorf("failed to install page helper: %w", err)
	}
	return nil
}

func (p *CDPPage) QueryAll(ctx context.Context, scope, selector string) ([]Element, error) {
	var els *[]Element
	expr := fmt.Sprintf("window.__flowkit.query(%s, %s)", jsString(scope), jsString(selector))
	if err := p.eval(ctx, expr, &els); err != nil {
		return nil, fmt.Errorf("failed to query %q: %w", selector, err)
	}
	if els == nil {
		return nil, ErrStaleRef
	}
	return *els, nil
}

func (p *CDPPage) Click(ctx context.Context, ref string) error {
	return p.call(ctx, "click", ref)
}

func (p *CDPPage) Hover(ctx context.Context, ref string) error {
	return p.call(ctx, "hover", ref)
}

func (p *CDPPage) SetValue(ctx context.Context, ref, text string) error {
	return p.call(ctx, "setValue", ref, text)
}

func (p *CDPPage) ClickBody(ctx context.Context) error {
	return p.call(ctx, "clickBody")
}

func (p *CDPPage) call(ctx context.Context, fn string, args ...string) error {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = jsString(a)
	}
	var ok bool
	expr := fmt.Sprintf("window.__flowkit.%s(%s)", fn, strings.Join(quoted, ", "))
	if err := p.eval(ctx, expr, &ok); err != nil {
		return fmt.Errorf("failed to %s: %w", fn, err)
	}
	if !ok {
		return ErrStaleRef
	}
	return nil
}

// jsString encodes s as a JavaScript string literal.
func jsString(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(b)
}
