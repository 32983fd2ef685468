// Package source provides the crawl and chunk types shared by the ingestion
// pipeline.
package source

import (
	"encoding/json"
	"fmt"
	"time"
)

// Crawl bound defaults.
const (
	DefaultMaxPages = 50
	DefaultMaxDepth = 3
)

// CrawlTarget is a seed URL plus the bounds of one crawl.
type CrawlTarget struct {
	// URL is the seed URL. Only links sharing its origin are followed.
	URL string `json:"url"`

	// MaxPages caps the number of distinct URLs fetched.
	MaxPages int `json:"max_pages"`

	// MaxDepth caps the link distance from the seed.
	MaxDepth int `json:"max_depth"`

	// Include restricts followed links to paths matching one of these globs.
	Include []string `json:"include,omitempty"`

	// Exclude drops followed links whose path matches one of these globs.
	Exclude []string `json:"exclude,omitempty"`
}

// NewCrawlTarget returns a target for url with default bounds.
func NewCrawlTarget(url string) CrawlTarget {
	return CrawlTarget{URL: url, MaxPages: DefaultMaxPages, MaxDepth: DefaultMaxDepth}
}

// WithDefaults fills zero or negative bounds with the defaults.
func (t CrawlTarget) WithDefaults() CrawlTarget {
	if t.MaxPages <= 0 {
		t.MaxPages = DefaultMaxPages
	}
	if t.MaxDepth < 0 {
		t.MaxDepth = DefaultMaxDepth
	}
	return t
}

// CrawledPage is the outcome of fetching one URL.
type CrawledPage struct {
	URL         string    `json:"url"`
	// FinalURL is set when redirects ended on a different URL.
	FinalURL    string    `json:"final_url,omitempty"`
	Title       *string   `json:"title,omitempty"`
	Content     string    `json:"content"`
	Links       []string  `json:"links"`
	Error       *string   `json:"error,omitempty"`
	Depth       int       `json:"depth"`
	StatusCode  int       `json:"status_code,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// Failed reports whether the fetch produced an error.
func (p *CrawledPage) Failed() bool {
	return p.Error != nil
}

// Succeeded reports whether the page has content and no error.
func (p *CrawledPage) Succeeded() bool {
	return p.Error == nil && p.Content != ""
}

// TitleOr returns the page title or fallback when the page has none.
func (p *CrawledPage) TitleOr(fallback string) string {
	if p.Title == nil || *p.Title == "" {
		return fallback
	}
	return *p.Title
}

// SetError records a fetch failure and clears extracted content.
func (p *CrawledPage) SetError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	p.Error = &msg
	p.Content = ""
	p.Links = []string{}
}

// CrawlResult aggregates one traversal.
type CrawlResult struct {
	// Pages are in fetch order.
	Pages []CrawledPage `json:"pages"`

	// Errors are traversal-level failures such as seed rejection.
	Errors []string `json:"errors,omitempty"`

	// Revisits are dequeued URLs skipped because they were already visited.
	Revisits []string `json:"revisits,omitempty"`

	// Truncated is set when the crawl stopped on cancellation or deadline.
	Truncated bool `json:"truncated,omitempty"`
}

// SuccessCount returns the number of pages with content and no error.
func (r *CrawlResult) SuccessCount() int {
	n := 0
	for i := range r.Pages {
		if r.Pages[i].Succeeded() {
			n++
		}
	}
	return n
}

// MetaKind discriminates MetaValue.
type MetaKind int

// MetaValue kinds.
const (
	MetaString MetaKind = iota + 1
	MetaNumber
	MetaStrings
)

// MetaValue is a chunk metadata value: a string, a number, or a list of strings.
type MetaValue struct {
	kind MetaKind
	str  string
	num  float64
	strs []string
}

// String creates a string metadata value.
func String(s string) MetaValue { return MetaValue{kind: MetaString, str: s} }

// Number creates a numeric metadata value.
func Number(n float64) MetaValue { return MetaValue{kind: MetaNumber, num: n} }

// Int creates a numeric metadata value from an int.
func Int(n int) MetaValue { return Number(float64(n)) }

// Strings creates a string-list metadata value.
func Strings(s []string) MetaValue {
	return MetaValue{kind: MetaStrings, strs: append([]string(nil), s...)}
}

// Kind returns the value's kind, or 0 for the zero value.
func (v MetaValue) Kind() MetaKind { return v.kind }

// Str returns the string value and whether the value is a string.
func (v MetaValue) Str() (string, bool) { return v.str, v.kind == MetaString }

// Num returns the numeric value and whether the value is a number.
func (v MetaValue) Num() (float64, bool) { return v.num, v.kind == MetaNumber }

// List returns the string list and whether the value is a list.
func (v MetaValue) List() ([]string, bool) { return v.strs, v.kind == MetaStrings }

// MarshalJSON encodes the underlying value.
func (v MetaValue) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case MetaString:
		return json.Marshal(v.str)
	case MetaNumber:
		return json.Marshal(v.num)
	case MetaStrings:
		return json.Marshal(v.strs)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON decodes a string, number, or string array.
func (v *MetaValue) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch x := raw.(type) {
	case string:
		*v = String(x)
	case float64:
		*v = Number(x)
	case []any:
		strs := make([]string, 0, len(x))
		for _, item := range x {
			s, ok := item.(string)
			if !ok {
				return fmt.Errorf("metadata list element must be a string, got %T", item)
			}
			strs = append(strs, s)
		}
		*v = Strings(strs)
	default:
		return fmt.Errorf("unsupported metadata value type %T", raw)
	}
	return nil
}

// Metadata is the typed key/value map attached to chunks.
type Metadata map[string]MetaValue

// Well-known metadata keys.
const (
	MetaKeySource = "source"
	MetaKeyURL    = "url"
	MetaKeyTitle  = "title"
	MetaKeyStart  = "start"
	MetaKeyEnd    = "end"
)

// TextChunk is one unit of chunked content.
type TextChunk struct {
	Content    string   `json:"content"`
	ChunkIndex int      `json:"chunk_index"`
	Metadata   Metadata `json:"metadata"`
	TokenCount int      `json:"token_count"`
}

// Offsets returns the chunk's [start, end) offsets into the cleaned text.
func (c *TextChunk) Offsets() (start, end int, ok bool) {
	s, ok1 := c.Metadata[MetaKeyStart].Num()
	e, ok2 := c.Metadata[MetaKeyEnd].Num()
	return int(s), int(e), ok1 && ok2
}
