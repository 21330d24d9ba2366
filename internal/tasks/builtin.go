package tasks

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/copyleftdev/mercury/internal/browser"
	"github.com/copyleftdev/mercury/internal/dom"
	"github.com/copyleftdev/mercury/internal/taskstypes"
)

const defaultTextLimit = 1500

// BuiltinKinds are generic, site-neutral task kinds.
func BuiltinKinds() []Kind {
	return []Kind{
		{
			Name:        "fetch-title",
			Description: "Open a page and reply with its title",
			Params: []ParamSpec{
				{Name: "url", Type: ParamURL, Required: true, Description: "page to open"},
			},
			DefaultDeadline: 30 * time.Second,
			Run:             fetchTitle,
		},
		{
			Name:        "extract-text",
			Description: "Open a page and reply with the visible text of an element",
			Params: []ParamSpec{
				{Name: "url", Type: ParamURL, Required: true, Description: "page to open"},
				{Name: "selector", Type: ParamSelector, Default: "body", Description: "element to read"},
				{Name: "limit", Type: ParamInt, Default: strconv.Itoa(defaultTextLimit), Description: "maximum characters returned"},
			},
			DefaultDeadline: 45 * time.Second,
			Run:             extractText,
		},
		{
			Name:        "extract-html",
			Description: "Open a page and reply with the simplified markup of an element",
			Params: []ParamSpec{
				{Name: "url", Type: ParamURL, Required: true, Description: "page to open"},
				{Name: "selector", Type: ParamSelector, Required: true, Description: "element to capture"},
			},
			DefaultDeadline: 45 * time.Second,
			Run:             extractHTML,
		},
		{
			Name:        "click",
			Description: "Click an element and reply with the resulting page title",
			Params: []ParamSpec{
				{Name: "url", Type: ParamURL, Required: true, Description: "page to open"},
				{Name: "selector", Type: ParamSelector, Required: true, Description: "element to click"},
				{Name: "wait", Type: ParamSelector, Description: "element to wait for after clicking"},
			},
			DefaultDeadline: 45 * time.Second,
			Run:             click,
		},
		{
			Name:        "submit-form",
			Description: "Fill a form field, submit it and reply with the resulting page title",
			Params: []ParamSpec{
				{Name: "url", Type: ParamURL, Required: true, Description: "page to open"},
				{Name: "selector", Type: ParamSelector, Required: true, Description: "field to fill"},
				{Name: "value", Type: ParamString, Required: true, Description: "text to type"},
				{Name: "submit", Type: ParamSelector, Description: "submit button; the field's form is submitted when omitted"},
				{Name: "wait", Type: ParamSelector, Description: "element to wait for after submitting"},
			},
			DefaultDeadline: 60 * time.Second,
			Run:             submitForm,
		},
		{
			Name:        "check-element",
			Description: "Open a page and report whether an element is present",
			Params: []ParamSpec{
				{Name: "url", Type: ParamURL, Required: true, Description: "page to open"},
				{Name: "selector", Type: ParamSelector, Required: true, Description: "element to look for"},
			},
			DefaultDeadline: 30 * time.Second,
			Run:             checkElement,
		},
	}
}

// DefaultRegistry returns a registry holding the built-in kinds.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, k := range BuiltinKinds() {
		if err := r.Register(k); err != nil {
			panic(err)
		}
	}
	return r
}

func fetchTitle(ctx context.Context, page browser.Page, params taskstypes.Params) (string, error) {
	if err := page.Navigate(ctx, params.Get("url")); err != nil {
		return "", err
	}
	return pageTitle(ctx, page)
}

func extractText(ctx context.Context, page browser.Page, params taskstypes.Params) (string, error) {
	selector := params.Get("selector")
	if err := page.Navigate(ctx, params.Get("url")); err != nil {
		return "", err
	}
	if selector != "" && selector != "body" {
		if err := page.WaitVisible(ctx, selector); err != nil {
			return "", err
		}
	}
	text, err := page.Text(ctx, selector)
	if err != nil {
		return "", err
	}
	limit, err := strconv.Atoi(params.Get("limit"))
	if err != nil || limit <= 0 {
		limit = defaultTextLimit
	}
	text = truncateRunes(collapseBlankLines(text), limit)
	if text == "" {
		return "(no text)", nil
	}
	return text, nil
}

func extractHTML(ctx context.Context, page browser.Page, params taskstypes.Params) (string, error) {
	selector := params.Get("selector")
	if err := page.Navigate(ctx, params.Get("url")); err != nil {
		return "", err
	}
	if err := page.WaitVisible(ctx, selector); err != nil {
		return "", err
	}
	raw, err := page.OuterHTML(ctx, selector)
	if err != nil {
		return "", err
	}
	simplified, err := dom.GetSimplifiedDOM(raw)
	if err != nil {
		return "", browser.NewFault(browser.OpOuterHTML, taskstypes.FailureScript, false, err)
	}
	return simplified, nil
}

func click(ctx context.Context, page browser.Page, params taskstypes.Params) (string, error) {
	selector := params.Get("selector")
	if err := page.Navigate(ctx, params.Get("url")); err != nil {
		return "", err
	}
	if err := page.WaitVisible(ctx, selector); err != nil {
		return "", err
	}
	if err := page.Click(ctx, selector); err != nil {
		return "", err
	}
	if wait := params.Get("wait"); wait != "" {
		if err := page.WaitVisible(ctx, wait); err != nil {
			return "", err
		}
	}
	return pageTitle(ctx, page)
}

func submitForm(ctx context.Context, page browser.Page, params taskstypes.Params) (string, error) {
	field := params.Get("selector")
	if err := page.Navigate(ctx, params.Get("url")); err != nil {
		return "", err
	}
	if err := page.WaitVisible(ctx, field); err != nil {
		return "", err
	}
	if err := page.Type(ctx, field, params.Get("value")); err != nil {
		return "", err
	}
	if submit := params.Get("submit"); submit != "" {
		if err := page.Click(ctx, submit); err != nil {
			return "", err
		}
	} else if err := page.Submit(ctx, field); err != nil {
		return "", err
	}
	if wait := params.Get("wait"); wait != "" {
		if err := page.WaitVisible(ctx, wait); err != nil {
			return "", err
		}
	}
	return pageTitle(ctx, page)
}

func checkElement(ctx context.Context, page browser.Page, params taskstypes.Params) (string, error) {
	if err := page.Navigate(ctx, params.Get("url")); err != nil {
		return "", err
	}
	present, err := page.Exists(ctx, params.Get("selector"))
	if err != nil {
		return "", err
	}
	if present {
		return "present", nil
	}
	return "absent", nil
}

func pageTitle(ctx context.Context, page browser.Page) (string, error) {
	title, err := page.Title(ctx)
	if err != nil {
		return "", err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return "(untitled page)", nil
	}
	return title, nil
}

func collapseBlankLines(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	out := lines[:0]
	blank := false
	for _, l := range lines {
		l = strings.TrimRight(l, " \t\r")
		if l == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, l)
	}
	return strings.Join(out, "\n")
}

func truncateRunes(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "…"
}
