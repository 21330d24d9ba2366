package browser

import (
	"fmt"
	"net/url"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/copyleftdev/mercury/internal/dom"
)

// Op names one page-level browser action.
type Op string

const (
	OpLaunch      Op = "launch"
	OpNavigate    Op = "navigate"
	OpWaitVisible Op = "wait_visible"
	OpClick       Op = "click"
	OpType        Op = "type"
	OpSubmit      Op = "submit"
	OpText        Op = "text"
	OpTitle       Op = "title"
	OpOuterHTML   Op = "outer_html"
	OpExists      Op = "exists"
	OpReset       Op = "reset"
	OpPing        Op = "ping"
)

// GenerateActionSequence translates a page operation into a chromedp action.
// Operations that produce a value expect res to point at the matching type:
// *string for text, title and outer_html, *bool for exists, *int for ping.
func GenerateActionSequence(op Op, selector, value string, res interface{}) (chromedp.Action, error) {
	requireSelector := func() error {
		if selector == "" {
			return fmt.Errorf("%s action requires a selector", op)
		}
		return nil
	}

	switch op {
	case OpNavigate:
		if value == "" {
			return nil, fmt.Errorf("navigate action requires a non-empty URL value")
		}
		if _, err := url.ParseRequestURI(value); err != nil {
			return nil, fmt.Errorf("navigate action has invalid URL %q: %w", value, err)
		}
		return chromedp.Tasks{
			dom.NavigateAction(value),
			chromedp.WaitReady("body", chromedp.ByQuery),
		}, nil

	case OpWaitVisible:
		if err := requireSelector(); err != nil {
			return nil, err
		}
		return dom.WaitVisibleAction(selector), nil

	case OpClick:
		if err := requireSelector(); err != nil {
			return nil, err
		}
		return dom.ClickAction(selector), nil

	case OpType:
		if err := requireSelector(); err != nil {
			return nil, err
		}
		return chromedp.Tasks{
			dom.WaitVisibleAction(selector),
			chromedp.Clear(selector, chromedp.ByQuery),
			dom.TypeAction(selector, value),
		}, nil

	case OpSubmit:
		if err := requireSelector(); err != nil {
			return nil, err
		}
		return dom.SubmitAction(selector), nil

	case OpText:
		out, ok := res.(*string)
		if !ok {
			return nil, fmt.Errorf("text action requires a *string result, got %T", res)
		}
		if selector == "" {
			selector = "body"
		}
		return dom.GetTextAction(selector, out), nil

	case OpTitle:
		out, ok := res.(*string)
		if !ok {
			return nil, fmt.Errorf("title action requires a *string result, got %T", res)
		}
		return chromedp.Title(out), nil

	case OpOuterHTML:
		if err := requireSelector(); err != nil {
			return nil, err
		}
		out, ok := res.(*string)
		if !ok {
			return nil, fmt.Errorf("outer_html action requires a *string result, got %T", res)
		}
		return dom.GetOuterHTMLAction(selector, out), nil

	case OpExists:
		if err := requireSelector(); err != nil {
			return nil, err
		}
		out, ok := res.(*bool)
		if !ok {
			return nil, fmt.Errorf("exists action requires a *bool result, got %T", res)
		}
		return dom.IsElementPresentAction(selector, out), nil

	case OpReset:
		return chromedp.Tasks{
			network.ClearBrowserCookies(),
			dom.NavigateAction("about:blank"),
		}, nil

	case OpPing:
		out, ok := res.(*int)
		if !ok {
			return nil, fmt.Errorf("ping action requires an *int result, got %T", res)
		}
		return dom.RunScriptAction(`1 + 1`, out), nil

	default:
		return nil, fmt.Errorf("unknown action type: %s", op)
	}
}
