package content

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkdown(t *testing.T) {
	e := NewExtractor(nil)
	html := `<html><head><title>x</title><script>alert(1)</script><style>p{}</style></head>
<body><main><h1>Orders</h1><p>Your <strong>recent</strong> orders. <a href="/help">Help</a></p>
<table><thead><tr><th>ID</th><th>Total</th></tr></thead>
<tbody><tr><td>42</td><td>$10</td></tr></tbody></table>
<button onclick="steal()">Buy</button></main></body></html>`

	page, err := e.Markdown(html, "https://shop.example/orders", 0)
	require.NoError(t, err)
	assert.Equal(t, "https://shop.example/orders", page.URL)
	assert.False(t, page.Truncated)

	md := page.Markdown
	assert.Contains(t, md, "# Orders")
	assert.Contains(t, md, "**recent**")
	assert.Contains(t, md, "[Help](https://shop.example/help)")
	assert.Contains(t, md, "| ID")
	assert.Contains(t, md, "42")
	assert.NotContains(t, md, "alert(1)")
	assert.NotContains(t, md, "steal")
}

func TestMarkdownTruncates(t *testing.T) {
	e := NewExtractor(nil)
	page, err := e.Markdown("<p>héllo wörld, this is long</p>", "", 5)
	require.NoError(t, err)
	assert.True(t, page.Truncated)
	assert.Equal(t, "héllo", page.Markdown)
}

func TestMarkdownEmpty(t *testing.T) {
	e := NewExtractor(nil)
	for _, html := range []string{"", "   ", "<script>x()</script>", "<div>  </div>"} {
		_, err := e.Markdown(html, "https://example.com", 0)
		assert.ErrorIs(t, err, ErrEmptyPage, html)
	}
}
