package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"

	"github.com/c360studio/sitesync/config"
	webingester "github.com/c360studio/sitesync/processor/web-ingester"
	"github.com/c360studio/sitesync/source"
	"github.com/c360studio/sitesync/source/chunker"
	"github.com/c360studio/sitesync/source/weburl"
	"github.com/c360studio/sitesync/storage"
)

func ingestCmd(opts *globalOptions) *cobra.Command {
	var (
		websiteID string
		maxPages  int
		maxDepth  int
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "ingest <url>",
		Short: "Run one sync against in-memory storage and print the sync log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			cfg.Merge(&config.Config{Ingest: webingester.Config{MaxPages: maxPages}})
			if maxDepth >= 0 {
				cfg.Ingest.MaxDepth = maxDepth
			}

			ctx, stop := signal.NotifyContext(contextOrBackground(cmd), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			report, err := runIngest(ctx, cfg, storage.NewMemoryStore(), websiteID, args[0], opts)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			printReport(cmd.OutOrStdout(), report)
			return nil
		},
	}

	cmd.Flags().StringVar(&websiteID, "website-id", "cli", "Website ID to record the sync under")
	cmd.Flags().IntVar(&maxPages, "max-pages", 0, "Maximum pages to crawl (0 = config)")
	cmd.Flags().IntVar(&maxDepth, "max-depth", -1, "Maximum link depth, 0 crawls only the seed (-1 = config)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")
	return cmd
}

// ingestReport is what a one-shot sync produced.
type ingestReport struct {
	Website *storage.Website        `json:"website"`
	SyncLog *storage.SyncLog        `json:"sync_log"`
	Entries []*storage.SyncLogEntry `json:"entries"`
}

func runIngest(ctx context.Context, cfg *config.Config, store appStore, websiteID, url string, opts *globalOptions) (*ingestReport, error) {
	h, err := newHandler(cfg, store, nil, opts.logger)
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = h.Shutdown(shutdownCtx)
	})
	defer stop()

	site, err := webingester.EnsureWebsite(ctx, store, storage.Website{
		ID:       websiteID,
		URL:      url,
		MaxURLs:  cfg.Ingest.MaxPages,
		MaxDepth: cfg.Ingest.MaxDepth,
	})
	if err != nil {
		return nil, err
	}
	if err := h.Start(ctx, *site); err != nil {
		return nil, err
	}
	h.Wait()

	report := &ingestReport{}
	if report.Website, err = store.GetWebsite(ctx, websiteID); err != nil {
		return nil, err
	}
	logs, err := store.ListSyncLogs(ctx, websiteID)
	if err != nil {
		return nil, err
	}
	if len(logs) == 0 {
		return nil, fmt.Errorf("sync for %s left no sync log", websiteID)
	}
	report.SyncLog = logs[0]
	if report.Entries, err = store.ListSyncLogEntries(ctx, report.SyncLog.ID); err != nil {
		return nil, err
	}
	return report, nil
}

func printReport(out io.Writer, r *ingestReport) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, e := range r.Entries {
		msg := ""
		if e.ErrorMessage != nil {
			msg = *e.ErrorMessage
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", e.Status, e.URL, e.ContentSize, msg)
	}
	_ = tw.Flush()

	l := r.SyncLog
	fmt.Fprintf(out, "\nSync %s: %s in %s\n", l.ID, l.Status, time.Duration(l.DurationMs)*time.Millisecond)
	fmt.Fprintf(out, "  urls: %d  success: %d  failed: %d  skipped: %d\n",
		l.TotalURLs, l.SuccessCount, l.FailedCount, l.SkippedCount)
	fmt.Fprintf(out, "Website %s: %s (%d pages, %d links)\n",
		r.Website.ID, r.Website.Status, r.Website.PageCount, len(r.Website.Links))
	if r.Website.ErrorMessage != "" {
		fmt.Fprintf(out, "  error: %s\n", r.Website.ErrorMessage)
	}
}

func enqueueCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue <website-id> <url>",
		Short: "Publish a sync request for a running server to pick up",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if cfg.NATS.URL == "" {
				return fmt.Errorf("nats.url or NATS_URL is required")
			}

			conn, err := nats.Connect(cfg.NATS.URL, nats.Name(appName))
			if err != nil {
				return wrapNATSError(err, cfg.NATS.URL)
			}
			defer conn.Close()

			js, err := jetstream.New(conn)
			if err != nil {
				return fmt.Errorf("create JetStream context: %w", err)
			}

			req := webingester.IngestRequest{WebsiteID: args[0], URL: args[1]}
			if err := webingester.Publish(contextOrBackground(cmd), js, cfg.Ingest.Subject, req); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued sync of %s for %s\n", req.URL, req.WebsiteID)
			return nil
		},
	}
}

func chunkCmd() *cobra.Command {
	var (
		cfg        = chunker.DefaultConfig()
		paragraphs bool
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "chunk <file>",
		Short: "Split a text file into chunks and print them with token counts",
		Long:  "Split a text file into chunks. Use - to read standard input.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readInput(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			ch, err := chunker.New(cfg)
			if err != nil {
				return err
			}

			chunks := ch.Chunk(text)
			if paragraphs {
				chunks = ch.ChunkParagraphs(text)
			}
			if chunks == nil {
				chunks = []source.TextChunk{}
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(chunks)
			}
			for _, c := range chunks {
				fmt.Fprintf(out, "--- chunk %d (%d tokens, %d chars)\n%s\n", c.ChunkIndex, c.TokenCount, len([]rune(c.Content)), c.Content)
			}
			fmt.Fprintf(out, "--- %d chunks\n", len(chunks))
			return nil
		},
	}

	cmd.Flags().IntVar(&cfg.ChunkSize, "size", cfg.ChunkSize, "Target chunk size in characters")
	cmd.Flags().IntVar(&cfg.ChunkOverlap, "overlap", cfg.ChunkOverlap, "Overlap between chunks in characters")
	cmd.Flags().IntVar(&cfg.MinChunkSize, "min", cfg.MinChunkSize, "Drop chunks shorter than this")
	cmd.Flags().BoolVar(&paragraphs, "paragraphs", false, "Batch whole paragraphs into chunks")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print chunks as JSON")
	return cmd
}

func readInput(stdin io.Reader, path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <url>",
		Short: "Check whether a URL is safe to crawl",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res := weburl.Validate(contextOrBackground(cmd), args[0])
			out := cmd.OutOrStdout()
			if !res.Valid {
				fmt.Fprintf(out, "invalid: %s\n", res.Reason)
				return res.Err()
			}

			fmt.Fprintf(out, "valid: %s\n", res.URL)
			if normalized, err := weburl.Normalize(res.URL); err == nil && normalized != res.URL {
				fmt.Fprintf(out, "normalized: %s\n", normalized)
			}
			return nil
		},
	}
}
