package webingester

import (
	"bytes"
	"net/url"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
)

// Pre-compiled regexes for better performance and to avoid ReDoS with runtime compilation
var (
	tagRe            = regexp.MustCompile(`<[^>]+>`)
	excessiveLinesRe = regexp.MustCompile(`\n{3,}`)
)

// Extracted is the text, title, and outbound links of one HTML page.
type Extracted struct {
	Title string
	Text  string
	Links []string
}

// Converter turns fetched HTML into plain text plus links and a title.
type Converter struct {
	converter *md.Converter
}

// NewConverter creates a converter that renders HTML to markdown-flavoured
// text with hyperlinks reduced to their anchor text and images removed.
func NewConverter() *Converter {
	converter := md.NewConverter("", true, nil)
	converter.Use(plugin.GitHubFlavored())
	converter.AddRules(
		md.Rule{
			Filter: []string{"a"},
			Replacement: func(content string, _ *goquery.Selection, _ *md.Options) *string {
				return md.String(strings.TrimSpace(content))
			},
		},
		md.Rule{
			Filter: []string{"img", "picture", "svg", "video", "audio"},
			Replacement: func(string, *goquery.Selection, *md.Options) *string {
				return md.String("")
			},
		},
	)

	return &Converter{
		converter: converter,
	}
}

// Extract parses an HTML document fetched from base. Links are resolved
// against base, restricted to http and https, stripped of fragments, and
// deduplicated in document order.
func (c *Converter) Extract(content []byte, base *url.URL) (*Extracted, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		return nil, err
	}

	out := &Extracted{
		Title: extractTitle(doc),
		Links: extractLinks(doc, base),
	}

	out.Text = cleanMarkdown(c.converter.Convert(extractMainContent(doc, base)))
	if out.Title == "" {
		out.Title = extractMarkdownTitle(out.Text)
	}
	return out, nil
}

// extractTitle returns the document <title>, falling back to the first h1.
func extractTitle(doc *goquery.Document) string {
	if title := collapseSpace(doc.Find("head title").First().Text()); title != "" {
		return title
	}
	if title := collapseSpace(doc.Find("title").First().Text()); title != "" {
		return title
	}
	return collapseSpace(doc.Find("h1").First().Text())
}

// extractLinks resolves every anchor href against base.
func extractLinks(doc *goquery.Document, base *url.URL) []string {
	links := []string{}
	seen := make(map[string]struct{})

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		abs := ref
		if base != nil {
			abs = base.ResolveReference(ref)
		}
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return
		}
		if abs.Host == "" {
			return
		}
		abs.Fragment = ""
		abs.RawFragment = ""

		link := abs.String()
		if _, dup := seen[link]; dup {
			return
		}
		seen[link] = struct{}{}
		links = append(links, link)
	})

	return links
}

// extractMainContent strips boilerplate from doc and selects the page's main
// content. Explicit main/article landmarks win; otherwise readability scoring
// picks the content, and failing that the body is used. doc is modified.
func extractMainContent(doc *goquery.Document, base *url.URL) *goquery.Selection {
	stripBoilerplate(doc)

	if main := doc.Find("main, article, [role=main]").First(); main.Length() > 0 {
		return main
	}

	if base != nil && len(doc.Nodes) > 0 {
		article, err := readability.FromDocument(doc.Nodes[0], base)
		if err == nil && article.Node != nil && strings.TrimSpace(article.TextContent) != "" {
			return goquery.NewDocumentFromNode(article.Node).Selection
		}
	}

	if body := doc.Find("body").First(); body.Length() > 0 {
		return body
	}
	return doc.Selection
}

const boilerplateTags = "nav, header, footer, aside, script, style, noscript, " +
	"iframe, object, embed, form, input, button, template"

// boilerplateClasses mark elements as page chrome rather than content.
var boilerplateClasses = map[string]bool{
	"nav": true, "navbar": true, "navigation": true, "sidebar": true, "menu": true,
	"toc": true, "table-of-contents": true, "footer": true, "header": true,
	"ad": true, "advertisement": true, "social": true, "share": true,
	"comments": true, "related": true, "breadcrumb": true, "cookie-banner": true,
}

// stripBoilerplate removes navigation, scripts, forms, and elements whose
// class marks them as chrome. Class names match case-insensitively.
func stripBoilerplate(doc *goquery.Document) {
	doc.Find(boilerplateTags).Remove()
	doc.Find("[class]").FilterFunction(func(_ int, s *goquery.Selection) bool {
		class, _ := s.Attr("class")
		for _, c := range strings.Fields(strings.ToLower(class)) {
			if boilerplateClasses[c] {
				return true
			}
		}
		return false
	}).Remove()
}

// cleanMarkdown drops stray tags, trailing spaces, and excess blank lines.
func cleanMarkdown(content string) string {
	content = tagRe.ReplaceAllString(content, "")

	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	content = strings.Join(lines, "\n")
	content = excessiveLinesRe.ReplaceAllString(content, "\n\n")

	return strings.TrimSpace(content)
}

// extractMarkdownTitle extracts the first H1 heading from markdown.
func extractMarkdownTitle(content string) string {
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "# ") {
			return strings.TrimSpace(trimmed[2:])
		}
	}
	return ""
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
