// Package webingester syncs customer websites into the knowledge base.
//
// # Overview
//
// A sync job crawls a website breadth-first from its seed URL, records every
// visited URL in a sync log, chunks each successful page, optionally embeds
// the chunks, and finally stores the combined site content on the website
// record. Jobs run in the background; their outcome is visible only through
// the website status and the sync log.
//
// # Architecture
//
//   - Component: JetStream consumer for ingestion requests
//   - Fetcher: SSRF-safe HTTP client with rate limiting
//   - Converter: HTML to markdown conversion with content extraction
//   - Handler: runs sync jobs against a Store and a Crawler
//
// # Security
//
// Seed URLs are validated before a job starts, every discovered link is
// validated before it is fetched, and the fetcher's dialer re-checks the
// resolved address of every connection, including redirects.
//
// # Status model
//
// A website moves PENDING, then SYNCING, then COMPLETED or ERROR. Its sync
// log moves RUNNING, then COMPLETED or FAILED. A job where some pages fail
// still completes; a job where no page succeeds leaves the website in ERROR
// with a summary message.
//
// # Usage
//
//	h, err := webingester.NewHandler(store, crawler.New(fetcher), cfg.HandlerConfig())
//	comp, err := webingester.NewComponent(cfg, js, h, store, logger)
//	err = comp.Start(ctx)
//
// Requests are published with Publish as JSON IngestRequest messages.
package webingester
