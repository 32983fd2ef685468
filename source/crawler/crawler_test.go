package crawler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/sitesync/source"
	"github.com/c360studio/sitesync/source/weburl"
)

// siteFetcher serves pages from an in-memory link graph.
type siteFetcher struct {
	mu      sync.Mutex
	links   map[string][]string
	fail    map[string]string
	moved   map[string]string // url -> redirect target
	delay   time.Duration
	fetched []string

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (f *siteFetcher) Fetch(ctx context.Context, url string) source.CrawledPage {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		cur := f.maxInFlight.Load()
		if n <= cur || f.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	f.mu.Lock()
	f.fetched = append(f.fetched, url)
	f.mu.Unlock()

	page := source.CrawledPage{URL: url, Links: []string{}}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			page.SetError("fetch %s: %v", url, ctx.Err())
			return page
		}
	}
	if msg, ok := f.fail[url]; ok {
		page.SetError("%s", msg)
		return page
	}
	served := url
	if target, ok := f.moved[url]; ok {
		page.FinalURL = target
		served = target
	}
	page.Content = "content of " + served
	page.Links = append(page.Links, f.links[served]...)
	return page
}

func (f *siteFetcher) fetchedURLs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fetched...)
}

// hostValidator rejects URLs whose host is in blocked and non-http schemes.
type hostValidator struct {
	blocked map[string]bool
}

func (v hostValidator) Validate(_ context.Context, raw string) weburl.Result {
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		return weburl.Result{URL: raw, Reason: "unsupported scheme"}
	}
	if v.blocked[weburl.ExtractDomain(raw)] {
		return weburl.Result{URL: raw, Reason: "blocked host"}
	}
	return weburl.Result{Valid: true, URL: raw}
}

func newCrawler(f Fetcher, opts ...Option) *Crawler {
	opts = append([]Option{WithValidator(hostValidator{})}, opts...)
	return New(f, opts...)
}

func pageURLs(result source.CrawlResult) []string {
	urls := make([]string, 0, len(result.Pages))
	for _, p := range result.Pages {
		urls = append(urls, p.URL)
	}
	return urls
}

const site = "https://example.com"

func TestCrawl_BreadthFirstOrder(t *testing.T) {
	f := &siteFetcher{links: map[string][]string{
		site + "/":  {site + "/a", site + "/b"},
		site + "/a": {site + "/a1", site + "/a2"},
		site + "/b": {site + "/b1"},
	}}

	result := newCrawler(f).Crawl(context.Background(), source.CrawlTarget{URL: site + "/", MaxPages: 50, MaxDepth: 3})

	assert.Equal(t, []string{
		site + "/", site + "/a", site + "/b", site + "/a1", site + "/a2", site + "/b1",
	}, pageURLs(result))
	assert.Empty(t, result.Errors)
	assert.False(t, result.Truncated)

	depths := map[string]int{}
	for _, p := range result.Pages {
		depths[p.URL] = p.Depth
	}
	assert.Equal(t, 0, depths[site+"/"])
	assert.Equal(t, 1, depths[site+"/b"])
	assert.Equal(t, 2, depths[site+"/b1"])
}

// wideSite links the root to n children, each linking to n more.
func wideSite(n int) map[string][]string {
	links := map[string][]string{}
	for i := 0; i < n; i++ {
		child := fmt.Sprintf("%s/p%d", site, i)
		links[site+"/"] = append(links[site+"/"], child)
		for j := 0; j < n; j++ {
			links[child] = append(links[child], fmt.Sprintf("%s/p%d/c%d", site, i, j))
		}
	}
	return links
}

func TestCrawl_MaxPagesBound(t *testing.T) {
	for _, workers := range []int{1, 4} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			f := &siteFetcher{links: wideSite(20)}
			result := newCrawler(f, WithWorkers(workers)).Crawl(context.Background(),
				source.CrawlTarget{URL: site + "/", MaxPages: 7, MaxDepth: 5})

			assert.Len(t, result.Pages, 7)
			assert.Len(t, f.fetchedURLs(), 7)

			seen := map[string]bool{}
			for _, u := range pageURLs(result) {
				assert.False(t, seen[u], "duplicate fetch %s", u)
				seen[u] = true
			}
		})
	}
}

func TestCrawl_MaxDepthBound(t *testing.T) {
	f := &siteFetcher{links: map[string][]string{
		site + "/":      {site + "/one"},
		site + "/one":   {site + "/two"},
		site + "/two":   {site + "/three"},
		site + "/three": {site + "/four"},
	}}

	result := newCrawler(f).Crawl(context.Background(), source.CrawlTarget{URL: site + "/", MaxPages: 50, MaxDepth: 2})
	assert.Equal(t, []string{site + "/", site + "/one", site + "/two"}, pageURLs(result))
}

func TestCrawl_DepthZeroFetchesSeedOnly(t *testing.T) {
	f := &siteFetcher{links: map[string][]string{site + "/": {site + "/a"}}}
	result := newCrawler(f).Crawl(context.Background(), source.CrawlTarget{URL: site + "/", MaxPages: 10, MaxDepth: 0})
	assert.Equal(t, []string{site + "/"}, pageURLs(result))
	assert.Equal(t, []string{site + "/a"}, result.Pages[0].Links)
}

func TestCrawl_SameOriginOnly(t *testing.T) {
	f := &siteFetcher{links: map[string][]string{
		site + "/": {
			"https://other.org/page",
			"http://example.com/insecure",
			"https://example.com:8443/port",
			"https://sub.example.com/",
			site + "/inside",
		},
	}}

	result := newCrawler(f).Crawl(context.Background(), source.NewCrawlTarget(site+"/"))

	assert.Equal(t, []string{site + "/", site + "/inside"}, pageURLs(result))
	// External links stay recorded on the page.
	assert.Contains(t, result.Pages[0].Links, "https://other.org/page")
}

func TestCrawl_SeedRedirectToAnotherOrigin(t *testing.T) {
	const moved = "https://www.example.com"
	f := &siteFetcher{
		moved: map[string]string{site + "/": moved + "/"},
		links: map[string][]string{
			moved + "/":     {moved + "/", moved + "/docs", site + "/old"},
			moved + "/docs": {moved + "/docs/a"},
		},
	}

	result := newCrawler(f).Crawl(context.Background(), source.CrawlTarget{URL: site + "/", MaxPages: 10, MaxDepth: 3})

	assert.Equal(t, []string{site + "/", moved + "/docs", moved + "/docs/a"}, pageURLs(result))
	assert.Equal(t, moved+"/", result.Pages[0].FinalURL)
	assert.NotContains(t, f.fetchedURLs(), moved+"/", "final seed URL is not fetched twice")
}

func TestCrawl_SeedRedirectWithinOrigin(t *testing.T) {
	f := &siteFetcher{
		moved: map[string]string{site + "/": site + "/home"},
		links: map[string][]string{
			site + "/home": {site + "/home", site + "/a", "https://www.example.com/b"},
		},
	}

	result := newCrawler(f).Crawl(context.Background(), source.NewCrawlTarget(site+"/"))

	assert.Equal(t, []string{site + "/", site + "/a"}, pageURLs(result))
}

func TestCrawl_SeedRejected(t *testing.T) {
	f := &siteFetcher{}
	v := hostValidator{blocked: map[string]bool{"example.com": true}}

	result := New(f, WithValidator(v)).Crawl(context.Background(), source.NewCrawlTarget(site+"/"))

	assert.Empty(t, result.Pages)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "seed URL rejected")
	assert.Empty(t, f.fetchedURLs())
}

func TestCrawl_UnsafeLinksDroppedSilently(t *testing.T) {
	f := &siteFetcher{links: map[string][]string{
		site + "/": {site + "/ok", site + "/blocked"},
	}}
	v := &pathValidator{blockedPaths: map[string]bool{"/blocked": true}}

	result := New(f, WithValidator(v)).Crawl(context.Background(), source.NewCrawlTarget(site+"/"))

	assert.Equal(t, []string{site + "/", site + "/ok"}, pageURLs(result))
	assert.Empty(t, result.Errors)
}

type pathValidator struct {
	blockedPaths map[string]bool
}

func (v *pathValidator) Validate(_ context.Context, raw string) weburl.Result {
	for p := range v.blockedPaths {
		if strings.HasSuffix(raw, p) {
			return weburl.Result{URL: raw, Reason: "blocked"}
		}
	}
	return weburl.Result{Valid: true, URL: raw}
}

func TestCrawl_FailuresDoNotHaltCrawl(t *testing.T) {
	f := &siteFetcher{
		links: map[string][]string{
			site + "/":     {site + "/bad", site + "/good"},
			site + "/bad":  {site + "/hidden"},
			site + "/good": {site + "/more"},
		},
		fail: map[string]string{site + "/bad": "HTTP 500"},
	}

	result := newCrawler(f).Crawl(context.Background(), source.NewCrawlTarget(site+"/"))

	assert.Equal(t, []string{site + "/", site + "/bad", site + "/good", site + "/more"}, pageURLs(result))
	require.NotNil(t, result.Pages[1].Error)
	assert.Equal(t, "HTTP 500", *result.Pages[1].Error)
	assert.Equal(t, 3, result.SuccessCount())
}

func TestCrawl_RecordsRevisits(t *testing.T) {
	// Both /a and /b link to /shared before it is fetched.
	f := &siteFetcher{links: map[string][]string{
		site + "/":  {site + "/a", site + "/b"},
		site + "/a": {site + "/shared"},
		site + "/b": {site + "/shared#section", site + "/"},
	}}

	result := newCrawler(f).Crawl(context.Background(), source.NewCrawlTarget(site+"/"))

	assert.Equal(t, []string{site + "/", site + "/a", site + "/b", site + "/shared"}, pageURLs(result))
	assert.Equal(t, []string{site + "/shared#section"}, result.Revisits)
	assert.Len(t, f.fetchedURLs(), 4)
}

func TestCrawl_IncludeExcludeGlobs(t *testing.T) {
	f := &siteFetcher{links: map[string][]string{
		site + "/": {site + "/docs/intro", site + "/docs/api/v1", site + "/blog/post", site + "/docs/private/x"},
	}}

	result := newCrawler(f).Crawl(context.Background(), source.CrawlTarget{
		URL:      site + "/",
		MaxPages: 50,
		MaxDepth: 3,
		Include:  []string{"/docs/**"},
		Exclude:  []string{"/docs/private/**"},
	})

	assert.Equal(t, []string{site + "/", site + "/docs/intro", site + "/docs/api/v1"}, pageURLs(result))
}

func TestCrawl_ConcurrentMatchesSequentialOrder(t *testing.T) {
	links := wideSite(4)

	seq := newCrawler(&siteFetcher{links: links}).Crawl(context.Background(),
		source.CrawlTarget{URL: site + "/", MaxPages: 15, MaxDepth: 3})
	par := newCrawler(&siteFetcher{links: links, delay: time.Millisecond}, WithWorkers(4)).Crawl(context.Background(),
		source.CrawlTarget{URL: site + "/", MaxPages: 15, MaxDepth: 3})

	assert.Equal(t, pageURLs(seq), pageURLs(par))
}

func TestCrawl_ConcurrencyIsBounded(t *testing.T) {
	f := &siteFetcher{links: wideSite(10), delay: 5 * time.Millisecond}
	result := newCrawler(f, WithWorkers(3)).Crawl(context.Background(),
		source.CrawlTarget{URL: site + "/", MaxPages: 30, MaxDepth: 2})

	assert.Len(t, result.Pages, 30)
	assert.LessOrEqual(t, f.maxInFlight.Load(), int32(3))
	assert.Greater(t, f.maxInFlight.Load(), int32(1))
}

func TestCrawl_DeadlineTruncates(t *testing.T) {
	f := &siteFetcher{links: wideSite(10), delay: 20 * time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), 70*time.Millisecond)
	defer cancel()

	result := newCrawler(f).Crawl(ctx, source.CrawlTarget{URL: site + "/", MaxPages: 100, MaxDepth: 3})

	assert.True(t, result.Truncated)
	assert.NotEmpty(t, result.Pages)
	assert.Less(t, len(result.Pages), 100)
	for _, p := range result.Pages {
		assert.Nil(t, p.Error)
	}
}

func TestVisitedSet(t *testing.T) {
	s := NewVisitedSet()
	assert.True(t, s.MarkIfNotVisited("https://example.com/a"))
	assert.False(t, s.MarkIfNotVisited("https://EXAMPLE.com/a#frag"))
	assert.True(t, s.Contains("https://example.com:443/a"))
	assert.False(t, s.Contains("https://example.com/b"))
	assert.Equal(t, 1, s.Len())
}

func TestVisitedSet_ConcurrentClaims(t *testing.T) {
	s := NewVisitedSet()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.MarkIfNotVisited("https://example.com/page") {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}
