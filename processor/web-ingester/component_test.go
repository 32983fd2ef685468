package webingester

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/sitesync/source"
	"github.com/c360studio/sitesync/storage"
)

// fakeMsg records how a message was settled.
type fakeMsg struct {
	jetstream.Msg
	data    []byte
	settled string
}

func (m *fakeMsg) Data() []byte { return m.data }
func (m *fakeMsg) Ack() error   { m.settled = "ack"; return nil }
func (m *fakeMsg) Nak() error   { m.settled = "nak"; return nil }
func (m *fakeMsg) Term() error  { m.settled = "term"; return nil }

func requestMsg(t *testing.T, req IngestRequest) *fakeMsg {
	t.Helper()
	data, err := json.Marshal(req)
	require.NoError(t, err)
	return &fakeMsg{data: data}
}

func newTestComponent(t *testing.T, h *Handler, store WebsiteStore) *Component {
	t.Helper()
	c, err := NewComponent(DefaultConfig(), nil, h, store, nil)
	require.NoError(t, err)
	return c
}

func TestComponent_HandleMessage_StartsSync(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	crawler := &stubCrawler{result: source.CrawlResult{Pages: []source.CrawledPage{okPage("https://example.com/", 0)}}}
	h := newTestHandler(t, store, crawler, DefaultHandlerConfig())
	c := newTestComponent(t, h, store)

	msg := requestMsg(t, IngestRequest{WebsiteID: "site-9", URL: "https://example.com/", MaxURLs: 3})
	c.handleMessage(ctx, msg)
	h.Wait()

	assert.Equal(t, "ack", msg.settled)
	site, err := store.GetWebsite(ctx, "site-9")
	require.NoError(t, err)
	assert.Equal(t, storage.WebsiteStatusCompleted, site.Status)
	require.Len(t, crawler.targets, 1)
	assert.Equal(t, 3, crawler.targets[0].MaxPages)
	assert.Equal(t, 3, crawler.targets[0].MaxDepth)
}

func TestComponent_HandleMessage_TerminatesBadRequests(t *testing.T) {
	store := storage.NewMemoryStore()
	h := newTestHandler(t, store, &stubCrawler{}, DefaultHandlerConfig())
	c := newTestComponent(t, h, store)

	malformed := &fakeMsg{data: []byte("{not json")}
	c.handleMessage(context.Background(), malformed)
	assert.Equal(t, "term", malformed.settled)

	missingURL := requestMsg(t, IngestRequest{WebsiteID: "site-9"})
	c.handleMessage(context.Background(), missingURL)
	assert.Equal(t, "term", missingURL.settled)

	assert.Equal(t, 2, c.Health().ErrorCount)
}

func TestComponent_HandleMessage_TerminatesUnsafeURL(t *testing.T) {
	store := storage.NewMemoryStore()
	h, err := NewHandler(store, &stubCrawler{}, DefaultHandlerConfig())
	require.NoError(t, err)
	c := newTestComponent(t, h, store)

	msg := requestMsg(t, IngestRequest{WebsiteID: "site-9", URL: "http://127.0.0.1/admin"})
	c.handleMessage(context.Background(), msg)
	assert.Equal(t, "term", msg.settled)

	_, err = store.GetWebsite(context.Background(), "site-9")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestComponent_HandleMessage_UnsafeURLKeepsStoredSeed(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	_, err := store.CreateWebsite(ctx, &storage.Website{ID: "site-9", URL: "https://example.com"})
	require.NoError(t, err)
	h, err := NewHandler(store, &stubCrawler{}, DefaultHandlerConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Shutdown(context.Background()) })
	c := newTestComponent(t, h, store)

	msg := requestMsg(t, IngestRequest{WebsiteID: "site-9", URL: "http://169.254.169.254/latest"})
	c.handleMessage(ctx, msg)
	assert.Equal(t, "term", msg.settled)

	site, err := store.GetWebsite(ctx, "site-9")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", site.URL)
}

func TestComponent_HandleMessage_DropsDuplicateWhileRunning(t *testing.T) {
	store := storage.NewMemoryStore()
	crawler := &blockingCrawler{release: make(chan struct{}), started: make(chan struct{})}
	h := newTestHandler(t, store, crawler, DefaultHandlerConfig())
	c := newTestComponent(t, h, store)

	first := requestMsg(t, IngestRequest{WebsiteID: "site-9", URL: "https://example.com"})
	c.handleMessage(context.Background(), first)
	<-crawler.started

	second := requestMsg(t, IngestRequest{WebsiteID: "site-9", URL: "https://example.com/moved"})
	c.handleMessage(context.Background(), second)

	site, err := store.GetWebsite(context.Background(), "site-9")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", site.URL, "duplicate request does not rewrite the running site")

	close(crawler.release)
	h.Wait()

	assert.Equal(t, "ack", first.settled)
	assert.Equal(t, "ack", second.settled)
}

func TestComponent_HandleMessage_RedeliversDuringShutdown(t *testing.T) {
	store := storage.NewMemoryStore()
	h := newTestHandler(t, store, &stubCrawler{}, DefaultHandlerConfig())
	c := newTestComponent(t, h, store)
	require.NoError(t, h.Shutdown(context.Background()))

	msg := requestMsg(t, IngestRequest{WebsiteID: "site-9", URL: "https://example.com"})
	c.handleMessage(context.Background(), msg)
	assert.Equal(t, "nak", msg.settled)
}

func TestComponent_StartRequiresJetStream(t *testing.T) {
	store := storage.NewMemoryStore()
	h := newTestHandler(t, store, &stubCrawler{}, DefaultHandlerConfig())
	c := newTestComponent(t, h, store)

	err := c.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JetStream required")
	assert.False(t, c.Health().Healthy)
	assert.NoError(t, c.Stop(0))
}

func TestNewComponent_Validates(t *testing.T) {
	store := storage.NewMemoryStore()
	h := newTestHandler(t, store, &stubCrawler{}, DefaultHandlerConfig())

	cfg := DefaultConfig()
	cfg.Subject = ""
	_, err := NewComponent(cfg, nil, h, store, nil)
	assert.ErrorContains(t, err, "subject is required")

	_, err = NewComponent(DefaultConfig(), nil, nil, store, nil)
	assert.ErrorContains(t, err, "handler required")
}
