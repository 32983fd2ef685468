package webingester

import (
	"net/url"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

const docPage = `<!DOCTYPE html>
<html>
<head>
  <title>  Getting   Started  </title>
  <style>body { color: red; }</style>
  <script>var tracking = "secret-script";</script>
</head>
<body>
  <nav class="navbar"><a href="/">Home</a><a href="/pricing">Pricing</a></nav>
  <main>
    <h1>Install the widget</h1>
    <p>Copy the <a href="snippet#top">embed snippet</a> into your site and publish.</p>
    <p>Read the <a href="https://docs.example.com/faq">FAQ</a> or <a href="/contact?ref=docs#form">contact us</a>.</p>
    <img src="/logo.png" alt="logo">
  </main>
  <footer>Copyright footer text</footer>
  <a href="mailto:hello@example.com">Mail</a>
  <a href="javascript:void(0)">JS</a>
  <a href="#local">Local</a>
  <a href="/pricing">Pricing again</a>
</body>
</html>`

func TestConverter_Extract(t *testing.T) {
	c := NewConverter()
	out, err := c.Extract([]byte(docPage), mustURL(t, "https://example.com/guide/start"))
	require.NoError(t, err)

	assert.Equal(t, "Getting Started", out.Title)

	assert.Contains(t, out.Text, "Install the widget")
	assert.Contains(t, out.Text, "embed snippet")
	assert.Contains(t, out.Text, "FAQ")
	assert.NotContains(t, out.Text, "secret-script")
	assert.NotContains(t, out.Text, "color: red")
	assert.NotContains(t, out.Text, "Copyright footer")
	assert.NotContains(t, out.Text, "Pricing")
	assert.NotContains(t, out.Text, "<")
	assert.NotContains(t, out.Text, "logo.png")
	assert.NotContains(t, out.Text, "https://docs.example.com/faq")

	assert.Equal(t, []string{
		"https://example.com/",
		"https://example.com/pricing",
		"https://example.com/guide/snippet",
		"https://docs.example.com/faq",
		"https://example.com/contact?ref=docs",
	}, out.Links)
}

func TestConverter_ExtractWithoutMainLandmark(t *testing.T) {
	body := `<html><head><title>Plain</title></head><body>
<div class="sidebar">Sidebar links</div>
<div id="content">
<p>` + strings.Repeat("This paragraph explains how the assistant answers questions about your product. ", 10) + `</p>
<p>` + strings.Repeat("A second paragraph covers configuration and deployment of the chat widget. ", 10) + `</p>
</div>
<script>alert("x")</script>
</body></html>`

	out, err := NewConverter().Extract([]byte(body), mustURL(t, "https://example.com/"))
	require.NoError(t, err)

	assert.Equal(t, "Plain", out.Title)
	assert.Contains(t, out.Text, "assistant answers questions")
	assert.NotContains(t, out.Text, "alert(")
	assert.NotContains(t, out.Text, "<p>")
}

func TestConverter_TitleFallbacks(t *testing.T) {
	c := NewConverter()

	out, err := c.Extract([]byte(`<html><body><main><h1>Heading Title</h1><p>Body</p></main></body></html>`), mustURL(t, "https://example.com/"))
	require.NoError(t, err)
	assert.Equal(t, "Heading Title", out.Title)

	out, err = c.Extract([]byte(`<html><body><main><p>No headings here</p></main></body></html>`), mustURL(t, "https://example.com/"))
	require.NoError(t, err)
	assert.Empty(t, out.Title)
}

func TestExtractLinks_ResolvesAgainstPageURL(t *testing.T) {
	body := `<html><body><main>
<a href="child">Child</a>
<a href="../up">Up</a>
<a href="//cdn.example.org/file">Protocol relative</a>
<a href="child">Duplicate</a>
<a href="child#frag">Fragment duplicate</a>
<a href="ftp://example.com/file">FTP</a>
<a href="">Empty</a>
</main></body></html>`

	out, err := NewConverter().Extract([]byte(body), mustURL(t, "https://example.com/docs/page"))
	require.NoError(t, err)

	assert.Equal(t, []string{
		"https://example.com/docs/child",
		"https://example.com/up",
		"https://cdn.example.org/file",
	}, out.Links)
}

func TestCleanMarkdown(t *testing.T) {
	in := "# Title   \n\n\n\n\nBody <span>text</span>\t\n\n\n"
	assert.Equal(t, "# Title\n\nBody text", cleanMarkdown(in))
}

func TestExtractMarkdownTitle(t *testing.T) {
	tests := []struct {
		name     string
		markdown string
		expected string
	}{
		{"H1 at start", "# Hello World\n\nContent here", "Hello World"},
		{"H1 after text", "Some text\n\n# Title Here\n\nMore content", "Title Here"},
		{"no H1", "## Section\n\nContent", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, extractMarkdownTitle(tt.markdown))
		})
	}
}

func newDoc(t *testing.T, body string) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	require.NoError(t, err)
	return doc
}

func TestRemoveBoilerplate(t *testing.T) {
	doc := newDoc(t, `<html><body><div class="Cookie-Banner">Accept</div><aside>Side</aside><p>Keep me</p></body></html>`)
	got := extractMainContent(doc, nil).Text()
	assert.Contains(t, got, "Keep me")
	assert.NotContains(t, got, "Accept")
	assert.NotContains(t, got, "Side")
}

func TestExtractMainContent_Landmarks(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "role main",
			body: `<body><div>Outside</div><div role="main"><p>Inside role</p></div></body>`,
			want: "Inside role",
		},
		{
			name: "article",
			body: `<body><p>Outside</p><article><p>Inside article</p></article></body>`,
			want: "Inside article",
		},
		{
			name: "first landmark in document order",
			body: `<body><article><p>First</p></article><main><p>Second</p></main></body>`,
			want: "First",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := collapseSpace(extractMainContent(newDoc(t, tt.body), nil).Text())
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractMainContent_StripsBoilerplateInsideLandmark(t *testing.T) {
	doc := newDoc(t, `<body><main>
<nav>Skip nav</nav>
<div class="share buttons">Share this</div>
<form><button>Subscribe</button></form>
<p>Article body</p>
</main></body>`)

	got := collapseSpace(extractMainContent(doc, mustURL(t, "https://example.com/")).Text())
	assert.Equal(t, "Article body", got)
}
