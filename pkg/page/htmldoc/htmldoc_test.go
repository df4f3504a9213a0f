package htmldoc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const markup = `<html><head><title> Docs </title></head><body>
<nav><a id="out" class="ext" href="https://other.example/x" ga-event-category="Nav"><span id="inner">go</span></a></nav>
<form id="signup" action="https://forms.example/submit"><button id="btn">Send</button></form>
</body></html>`

func TestQueryAndAttributes(t *testing.T) {
	doc := MustParse(markup)
	assert.Equal(t, "Docs", doc.Title())

	link := doc.Query("#out")
	require.NotNil(t, link)
	assert.Equal(t, "a", link.TagName())
	assert.Equal(t, "out", link.ID())

	href, ok := link.Attr("href")
	assert.True(t, ok)
	assert.Equal(t, "https://other.example/x", href)
	assert.Equal(t, "Nav", link.Attrs()["ga-event-category"])

	assert.Nil(t, doc.Query("#missing"))
	assert.Len(t, doc.QueryAll("a, button"), 2)
}

func TestClosestAndMatches(t *testing.T) {
	doc := MustParse(markup)

	inner := doc.Query("#inner")
	require.NotNil(t, inner)
	assert.False(t, inner.Matches("a, area"))

	anchor := inner.Closest("a, area")
	require.NotNil(t, anchor)
	assert.Equal(t, "out", anchor.ID())
	assert.True(t, anchor.Matches(".ext"))

	btn := doc.Query("#btn")
	require.NotNil(t, btn)
	form := btn.Closest("form")
	require.NotNil(t, form)
	assert.Equal(t, "signup", form.ID())
	assert.Nil(t, btn.Closest("a"))
}
