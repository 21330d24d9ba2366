package dom

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSimplifiedDOM(t *testing.T) {
	input := `<!DOCTYPE html>
<html>
<head><title>Example</title><script>alert(1)</script><style>p{}</style></head>
<body>
  <!-- hidden -->
  <div class="main" style="color:red" data-x="1">
    <h1 id="top">Hello</h1>
    <custom-el><p>Inside   custom</p></custom-el>
    <input type="text" name="q" value="">
    <a href="/next" onclick="evil()">Next</a>
  </div>
</body>
</html>`

	out, err := GetSimplifiedDOM(input)
	require.NoError(t, err)

	assert.Contains(t, out, "<title>Example </title>")
	assert.Contains(t, out, `<div class="main">`)
	assert.Contains(t, out, `<h1 id="top">Hello </h1>`)
	assert.Contains(t, out, "<p>Inside   custom </p>")
	assert.Contains(t, out, `<input type="text" name="q" value="">`)
	assert.Contains(t, out, `<a href="/next">Next </a>`)

	assert.NotContains(t, out, "alert")
	assert.NotContains(t, out, "style=")
	assert.NotContains(t, out, "hidden")
	assert.NotContains(t, out, "custom-el")
	assert.NotContains(t, out, "onclick")
	assert.NotContains(t, out, "</input>")
}

func TestGetSimplifiedDOM_EscapesText(t *testing.T) {
	out, err := GetSimplifiedDOM(`<p>a &lt; b</p>`)
	require.NoError(t, err)
	assert.Contains(t, out, "a &lt; b")
}

func TestActionBuilders(t *testing.T) {
	var s string
	var present bool

	assert.NotNil(t, GetTextAction(`div[data-x="1"]`, &s))
	assert.NotNil(t, GetOuterHTMLAction("#main", &s))
	assert.NotNil(t, IsElementPresentAction("#main", &present))
	assert.NotNil(t, SubmitAction("form"))
	assert.NotNil(t, ClickAction("button"))
}

// TestChromedpWorks drives a real headless Chrome. It only runs when
// MERCURY_CHROME_TESTS is set, since CI images rarely ship a browser.
func TestChromedpWorks(t *testing.T) {
	if testing.Short() || os.Getenv("MERCURY_CHROME_TESTS") == "" {
		t.Skip("Skipping chromedp test; set MERCURY_CHROME_TESTS=1 to run")
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	allocatorCtx, cancelAllocator := chromedp.NewExecAllocator(context.Background(), opts...)
	defer cancelAllocator()

	ctx, cancelBrowser := chromedp.NewContext(allocatorCtx, chromedp.WithLogf(t.Logf))
	defer cancelBrowser()

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var text string
	var present bool
	err := chromedp.Run(ctx,
		NavigateAction(`data:text/html,<html><body><h1 id="x">Hi there</h1></body></html>`),
		GetTextAction("#x", &text),
		IsElementPresentAction("#x", &present),
	)
	require.NoError(t, err)
	assert.Equal(t, "Hi there", text)
	assert.True(t, present)
}
