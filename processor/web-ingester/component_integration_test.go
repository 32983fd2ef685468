//go:build integration

package webingester

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/sitesync/source"
	"github.com/c360studio/sitesync/storage"
	"github.com/c360studio/sitesync/test/containers"
)

func TestComponent_ConsumesFromJetStream(t *testing.T) {
	ctx := context.Background()
	nc, err := nats.Connect(containers.StartNATS(t))
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	js, err := jetstream.New(nc)
	require.NoError(t, err)

	store, err := storage.NewKVStore(ctx, js)
	require.NoError(t, err)

	crawler := &stubCrawler{result: source.CrawlResult{Pages: []source.CrawledPage{
		okPage("https://example.com/", 0),
		failedPage("https://example.com/missing"),
	}}}
	h := newTestHandler(t, store, crawler, DefaultHandlerConfig())

	cfg := DefaultConfig()
	c, err := NewComponent(cfg, js, h, store, nil)
	require.NoError(t, err)
	require.NoError(t, c.Start(ctx))
	t.Cleanup(func() { _ = c.Stop(5 * time.Second) })

	require.NoError(t, Publish(ctx, js, cfg.Subject, IngestRequest{WebsiteID: "site-1", URL: "https://example.com/"}))

	require.Eventually(t, func() bool {
		site, err := store.GetWebsite(ctx, "site-1")
		return err == nil && site.Status == storage.WebsiteStatusCompleted
	}, 20*time.Second, 100*time.Millisecond)

	logs, err := store.ListSyncLogs(ctx, "site-1")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, 2, logs[0].TotalURLs)
	assert.Equal(t, 1, logs[0].SuccessCount)
	assert.Equal(t, 1, logs[0].FailedCount)
	assert.True(t, c.Health().Healthy)
}

func TestPublish_RejectsInvalidRequest(t *testing.T) {
	err := Publish(context.Background(), nil, "sitesync.ingest.request", IngestRequest{URL: "https://example.com"})
	assert.ErrorContains(t, err, "website_id is required")
}
