package dom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/chromedp"
	"golang.org/x/net/html"
)

var (
	// Elements kept by the simplifier. The value says whether a closing tag
	// is written.
	keptTags = map[string]bool{
		"html": true, "head": true, "body": true, "title": true,
		"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
		"p": true, "div": true, "span": true, "br": false, "hr": false,
		"ul": true, "ol": true, "li": true,
		"table": true, "thead": true, "tbody": true, "tfoot": true, "tr": true, "th": true, "td": true,
		"a": true, "button": true, "input": false, "textarea": true, "select": true, "option": true, "label": true,
		"form": true, "img": false, "pre": true, "code": true, "strong": true, "em": true, "b": true, "i": true,
	}
	droppedTags = map[string]bool{
		"script": true, "style": true, "noscript": true, "meta": true, "link": true,
	}
	keptAttrs = map[string]bool{
		"href": true, "src": true, "alt": true, "title": true,
		"id": true, "class": true,
		"type": true, "value": true, "placeholder": true, "name": true,
		"selected": true, "checked": true, "disabled": true, "readonly": true,
		"aria-label": true, "aria-hidden": true, "role": true,
	}
	// Attributes written even when empty.
	flagAttrs = map[string]bool{
		"value": true, "selected": true, "checked": true, "disabled": true, "readonly": true,
	}
)

func GetOuterHTMLAction(selector string, res *string) chromedp.Action {
	return chromedp.OuterHTML(selector, res, chromedp.ByQuery)
}

// GetTextAction reads innerText of the first element matching selector,
// falling back to the document body when nothing matches.
func GetTextAction(selector string, res *string) chromedp.Action {
	quoted, _ := json.Marshal(selector)
	script := fmt.Sprintf(`(() => { const el = document.querySelector(%s); return el ? el.innerText : document.body.innerText; })()`, quoted)
	return chromedp.Evaluate(script, res)
}

// GetSimplifiedDOM strips scripts, styles, comments and presentational
// attributes, leaving a compact document suitable for a chat reply.
func GetSimplifiedDOM(htmlContent string) (string, error) {
	doc, err := html.Parse(strings.NewReader(htmlContent))
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	err = simplifyNode(&buf, doc)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

func simplifyChildren(w io.Writer, n *html.Node) error {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if err := simplifyNode(w, c); err != nil {
			return err
		}
	}
	return nil
}

func simplifyNode(w io.Writer, n *html.Node) error {
	switch n.Type {
	case html.ErrorNode, html.CommentNode:
		return nil
	case html.DocumentNode:
		return simplifyChildren(w, n)
	case html.DoctypeNode:
		return nil
	case html.TextNode:
		trimmed := strings.TrimSpace(n.Data)
		if trimmed != "" {
			if _, err := io.WriteString(w, html.EscapeString(trimmed)+" "); err != nil {
				return err
			}
		}
		return nil
	case html.ElementNode:
		if droppedTags[n.Data] {
			return nil
		}
		closing, kept := keptTags[n.Data]
		if !kept {
			return simplifyChildren(w, n)
		}

		if _, err := io.WriteString(w, "<"+n.Data); err != nil {
			return err
		}
		for _, a := range n.Attr {
			if !keptAttrs[a.Key] {
				continue
			}
			val := strings.TrimSpace(a.Val)
			if val == "" && !flagAttrs[a.Key] {
				continue
			}
			if _, err := io.WriteString(w, " "+a.Key+"=\""+html.EscapeString(val)+"\""); err != nil {
				return err
			}
		}
		if _, err := io.WriteString(w, ">"); err != nil {
			return err
		}

		if err := simplifyChildren(w, n); err != nil {
			return err
		}

		if closing {
			if _, err := io.WriteString(w, "</"+n.Data+">"); err != nil {
				return err
			}
		}
	}
	return nil
}

func TypeAction(selector string, text string) chromedp.Action {
	return chromedp.SendKeys(selector, text, chromedp.ByQuery)
}

func ClickAction(selector string) chromedp.Action {
	return chromedp.Tasks{
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery),
	}
}

// SubmitAction submits the form that owns selector (or selector itself when
// it is a form).
func SubmitAction(selector string) chromedp.Action {
	return chromedp.Tasks{
		chromedp.WaitReady(selector, chromedp.ByQuery),
		chromedp.Submit(selector, chromedp.ByQuery),
	}
}

func NavigateAction(url string) chromedp.Action {
	return chromedp.Navigate(url)
}

func WaitVisibleAction(selector string) chromedp.Action {
	return chromedp.WaitVisible(selector, chromedp.ByQuery)
}

func RunScriptAction(script string, res interface{}) chromedp.Action {
	return chromedp.Evaluate(script, res)
}

// IsElementPresentAction checks if an element exists without waiting for visibility.
func IsElementPresentAction(selector string, isPresent *bool) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		var nodes []*cdp.Node
		err := chromedp.Nodes(selector, &nodes, chromedp.ByQuery, chromedp.AtLeast(0)).Do(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Other errors often mean "not found" in this context
			*isPresent = false
			return nil
		}
		*isPresent = len(nodes) > 0
		return nil
	})
}
