// Package crawler implements bounded breadth-first traversal of a website.
package crawler

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"

	"github.com/c360studio/sitesync/source"
	"github.com/c360studio/sitesync/source/weburl"
)

// Fetcher retrieves one page. Implementations never fail; errors are
// recorded on the returned page.
type Fetcher interface {
	Fetch(ctx context.Context, url string) source.CrawledPage
}

// URLValidator decides whether a URL is safe to request.
type URLValidator interface {
	Validate(ctx context.Context, raw string) weburl.Result
}

// Crawler walks a site breadth-first from a seed URL.
type Crawler struct {
	fetcher   Fetcher
	validator URLValidator
	workers   int
	logger    *slog.Logger
}

// Option configures a Crawler.
type Option func(*Crawler)

// WithValidator sets the URL validator. Defaults to weburl.NewValidator().
func WithValidator(v URLValidator) Option {
	return func(c *Crawler) {
		c.validator = v
	}
}

// WithWorkers sets how many pages are fetched concurrently. Values below 2
// crawl sequentially.
func WithWorkers(n int) Option {
	return func(c *Crawler) {
		c.workers = n
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Crawler) {
		c.logger = l
	}
}

// New creates a Crawler that fetches pages with fetcher.
func New(fetcher Fetcher, opts ...Option) *Crawler {
	c := &Crawler{
		fetcher: fetcher,
		workers: 1,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.validator == nil {
		c.validator = weburl.NewValidator()
	}
	if c.workers < 1 {
		c.workers = 1
	}
	return c
}

type frontierItem struct {
	url   string
	depth int
}

// crawl holds the state of one traversal.
type crawl struct {
	target  source.CrawlTarget
	scope   string // links must share this URL's origin
	visited *VisitedSet
	queue   []frontierItem
	result  source.CrawlResult
	fetched int
}

// Crawl traverses target breadth-first and returns the pages in fetch
// order. It never fails: a rejected seed yields a result with an error and
// no pages, and page failures are recorded on the pages. At most
// target.MaxPages distinct URLs are fetched. A done ctx stops the crawl
// with Truncated set; pages fetched up to that point are kept.
func (c *Crawler) Crawl(ctx context.Context, target source.CrawlTarget) source.CrawlResult {
	target = target.WithDefaults()
	started := time.Now()

	st := &crawl{
		target:  target,
		scope:   target.URL,
		visited: NewVisitedSet(),
		result:  source.CrawlResult{Pages: []source.CrawledPage{}},
	}

	if res := c.validator.Validate(ctx, target.URL); !res.Valid {
		st.result.Errors = append(st.result.Errors, fmt.Sprintf("seed URL rejected: %s", res.Reason))
		c.logger.Warn("Crawl seed rejected", "url", target.URL, "reason", res.Reason)
		return st.result
	}

	st.queue = append(st.queue, frontierItem{url: target.URL, depth: 0})

	for len(st.queue) > 0 && st.fetched < target.MaxPages {
		if ctx.Err() != nil {
			st.result.Truncated = true
			break
		}

		batch := st.reserve(c.workers)
		if len(batch) == 0 {
			continue
		}

		pages := c.fetchBatch(ctx, batch)
		if ctx.Err() != nil {
			// Keep pages that completed; drop the ones the deadline cut short.
			for _, p := range pages {
				if !p.Failed() {
					st.result.Pages = append(st.result.Pages, p)
				}
			}
			st.result.Truncated = true
			break
		}

		for _, page := range pages {
			st.result.Pages = append(st.result.Pages, page)
			if page.Depth == 0 {
				c.followSeedRedirect(st, page)
			}
			if page.Depth < target.MaxDepth && !page.Failed() {
				c.expand(ctx, st, page)
			}
		}
	}

	c.logger.Info("Crawl finished",
		"seed", target.URL,
		"pages", len(st.result.Pages),
		"revisits", len(st.result.Revisits),
		"truncated", st.result.Truncated,
		"duration", time.Since(started))

	return st.result
}

// reserve dequeues up to n unvisited items, claiming each in the visited set
// and against the page budget before any fetch starts.
func (st *crawl) reserve(n int) []frontierItem {
	var batch []frontierItem
	for len(st.queue) > 0 && len(batch) < n && st.fetched < st.target.MaxPages {
		item := st.queue[0]
		st.queue = st.queue[1:]

		if !st.visited.MarkIfNotVisited(item.url) {
			st.result.Revisits = append(st.result.Revisits, item.url)
			continue
		}
		st.fetched++
		batch = append(batch, item)
	}
	return batch
}

// fetchBatch fetches items concurrently and returns pages in item order.
func (c *Crawler) fetchBatch(ctx context.Context, batch []frontierItem) []source.CrawledPage {
	pages := make([]source.CrawledPage, len(batch))
	if len(batch) == 1 {
		pages[0] = c.fetchOne(ctx, batch[0])
		return pages
	}

	var g errgroup.Group
	g.SetLimit(c.workers)
	for i, item := range batch {
		g.Go(func() error {
			pages[i] = c.fetchOne(ctx, item)
			return nil
		})
	}
	_ = g.Wait()
	return pages
}

func (c *Crawler) fetchOne(ctx context.Context, item frontierItem) source.CrawledPage {
	page := c.fetcher.Fetch(ctx, item.url)
	page.Depth = item.depth
	if page.URL == "" {
		page.URL = item.url
	}
	if page.Links == nil {
		page.Links = []string{}
	}
	return page
}

// followSeedRedirect moves the crawl scope to the seed's final origin when
// redirects took the seed to another origin.
func (c *Crawler) followSeedRedirect(st *crawl, seed source.CrawledPage) {
	if seed.FinalURL == "" || seed.Failed() {
		return
	}
	st.visited.MarkIfNotVisited(seed.FinalURL)
	if weburl.SameOrigin(st.scope, seed.FinalURL) {
		return
	}
	c.logger.Warn("Seed redirected to another origin, crawling the new origin",
		"seed", st.target.URL, "final_url", seed.FinalURL)
	st.scope = seed.FinalURL
}

// expand enqueues the page's eligible links at depth+1.
func (c *Crawler) expand(ctx context.Context, st *crawl, page source.CrawledPage) {
	for _, link := range page.Links {
		if !weburl.SameOrigin(st.scope, link) {
			continue
		}
		if !pathAllowed(link, st.target.Include, st.target.Exclude) {
			continue
		}
		if st.visited.Contains(link) {
			continue
		}
		if res := c.validator.Validate(ctx, link); !res.Valid {
			c.logger.Debug("Dropping unsafe link", "url", link, "reason", res.Reason)
			continue
		}
		st.queue = append(st.queue, frontierItem{url: link, depth: page.Depth + 1})
	}
}

// pathAllowed applies include and exclude globs to the link's path. An
// empty include list allows every path.
func pathAllowed(link string, include, exclude []string) bool {
	if len(include) == 0 && len(exclude) == 0 {
		return true
	}
	u, err := url.Parse(link)
	if err != nil {
		return false
	}
	p := u.Path
	if p == "" {
		p = "/"
	}

	for _, pattern := range exclude {
		if ok, _ := doublestar.Match(pattern, p); ok {
			return false
		}
	}
	if len(include) == 0 {
		return true
	}
	for _, pattern := range include {
		if ok, _ := doublestar.Match(pattern, p); ok {
			return true
		}
	}
	return false
}
