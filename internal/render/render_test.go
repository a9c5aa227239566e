package render

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPersonalizeReplacesEveryToken(t *testing.T) {
	tpl := "Hi {{firstName}}! {{ firstName }}, this is for you, {{firstName}}."
	got := Personalize(tpl, "Ada")
	assert.Equal(t, "Hi Ada! Ada, this is for you, Ada.", got)
	assert.NotContains(t, got, "firstName")
}

func TestPersonalizeLiteralReplacement(t *testing.T) {
	assert.Equal(t, "Hi $1!", Personalize("Hi {{firstName}}!", "$1"))
}

func TestMessageFor(t *testing.T) {
	m := Message{
		Subject: "News for {{firstName}}",
		HTML:    "<p>Hi {{firstName}}!</p>",
		Text:    "Hi {{firstName}}!",
	}

	got := m.For("A")
	assert.Equal(t, Message{Subject: "News for A", HTML: "<p>Hi A!</p>", Text: "Hi A!"}, got)
	assert.Equal(t, "<p>Hi {{firstName}}!</p>", m.HTML, "template is not mutated")

	escaped := m.For("<Bob>")
	assert.Equal(t, "<p>Hi &lt;Bob&gt;!</p>", escaped.HTML)
	assert.Equal(t, "Hi <Bob>!", escaped.Text)

	assert.Equal(t, "Hi there!", m.For("  ").Text)
}

func TestRenderingIsIdempotent(t *testing.T) {
	images := []string{"https://cdn.example.com/1.png", "https://cdn.example.com/2.png", "https://cdn.example.com/3.png"}
	text := "Hello {{firstName}},\n\nFirst paragraph.\n\nSecond paragraph.\nSame paragraph.\n\nThird."

	a := BuildHTML(text, images, "https://example.com")
	b := BuildHTML(text, images, "https://example.com")
	assert.Equal(t, a, b)

	m := Message{HTML: a, Text: text}
	assert.Equal(t, m.For("Zoe"), m.For("Zoe"))
}

func TestBuildHTMLLayout(t *testing.T) {
	images := []string{"top.png", "mid.png", "bottom.png", "ignored.png"}
	text := "Hi {{firstName}}\n\nOne\n\nTwo\n\nThree"
	out := BuildHTML(text, images, "https://example.com/?a=1&b=2")

	top := strings.Index(out, `src="top.png"`)
	mid := strings.Index(out, `src="mid.png"`)
	bottom := strings.Index(out, `src="bottom.png"`)
	cta := strings.Index(out, `href="https://example.com/?a=1&amp;b=2"`)
	require.True(t, top >= 0 && mid >= 0 && bottom >= 0 && cta >= 0, out)
	assert.NotContains(t, out, "ignored.png")

	first := strings.Index(out, "Hi {{firstName}}")
	one := strings.Index(out, ">One<")
	two := strings.Index(out, ">Two<")
	assert.Less(t, top, first)
	assert.Less(t, one, mid, "mid image follows the first half")
	assert.Less(t, mid, two)
	assert.Less(t, bottom, cta)

	assert.Contains(t, out, FirstNameToken, "token survives assembly for later personalization")
}

func TestBuildHTMLEscapesText(t *testing.T) {
	out := BuildHTML("a < b & c\nnext line", nil, "")
	assert.Contains(t, out, "a &lt; b &amp; c<br>next line")
	assert.NotContains(t, out, "<img")
	assert.NotContains(t, out, "<a href")
}

func TestPrepare(t *testing.T) {
	m, err := Prepare("S", "<b>{{firstName}}</b>", "ignored", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "<b>{{firstName}}</b>", m.HTML)
	assert.Equal(t, "ignored", m.Text)

	m, err = Prepare("S", "", "Hi {{firstName}}!", "https://example.com", nil)
	require.NoError(t, err)
	assert.Contains(t, m.HTML, "Hi {{firstName}}!")
	assert.Equal(t, "Hi A!", m.For("A").Text)

	_, err = Prepare("S", " ", "", "", nil)
	assert.ErrorIs(t, err, ErrNoContent)
}
