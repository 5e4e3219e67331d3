package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/tracyhatemice/mailingest/internal/config"
	"github.com/tracyhatemice/mailingest/internal/ingest"
	"github.com/tracyhatemice/mailingest/internal/pipeline"
	"github.com/tracyhatemice/mailingest/internal/remote"
	"github.com/tracyhatemice/mailingest/internal/store"
	"github.com/tracyhatemice/mailingest/internal/watcher"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	watchMode := flag.Bool("watch", false, "watch the configured directory for new email files")
	dir := flag.String("dir", "", "process all email files in a directory once")
	file := flag.String("file", "", "process a single email file")
	fetchMode := flag.Bool("fetch", false, "poll configured remote accounts")
	reset := flag.Bool("reset", false, "clear the fingerprint store, forcing full reprocessing")
	stats := flag.Bool("stats", false, "print fingerprint store statistics")
	batchSize := flag.Int("batch-size", 0, "max files to process per directory run (0 = unlimited)")
	labels := flag.String("labels", "", "comma-separated labels applied to every record in the run")
	endpoint := flag.String("endpoint", "", "ingestion API endpoint (overrides config)")
	storePath := flag.String("store", "", "fingerprint store path (overrides config)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (overrides config)")
	debounce := flag.Duration("debounce", 0, "watch debounce window (overrides config)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Flags take precedence over config file and environment.
	if *endpoint != "" {
		cfg.Ingest.Endpoint = *endpoint
	}
	if *storePath != "" {
		cfg.StorePath = *storePath
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *debounce > 0 {
		cfg.Watch.DebounceMS = int(debounce.Milliseconds())
	}
	if *dir != "" && cfg.Watch.Directory == "" {
		cfg.Watch.Directory = *dir
	}

	logger := setupLogger(cfg.LogLevel)

	st, err := store.New(cfg.StorePath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	if *reset {
		if err := st.Reset(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("fingerprint store cleared")
		return
	}

	if *stats {
		if err := printStats(os.Stdout, st); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	client := ingest.New(ingest.Options{
		Endpoint:       cfg.Ingest.Endpoint,
		Timeout:        cfg.Ingest.Timeout(),
		MaxAttempts:    cfg.Ingest.MaxAttempts,
		InitialBackoff: cfg.Ingest.InitialBackoff(),
		MaxBackoff:     cfg.Ingest.MaxBackoff(),
	}, logger)

	processor := pipeline.New(st, client, logger, pipeline.Options{
		Workers:     cfg.Workers,
		BatchSize:   *batchSize,
		ExtraLabels: splitLabels(*labels),
		Extensions:  cfg.Watch.Extensions,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Force exit on second signal.
	go func() {
		<-ctx.Done()
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Warn("forced shutdown")
		os.Exit(1)
	}()

	if err := client.Health(ctx); err != nil {
		logger.Warn("ingestion API health check failed", "endpoint", cfg.Ingest.Endpoint, "error", err)
	}

	switch {
	case *file != "":
		summary, err := processor.ProcessFile(ctx, *file)
		printSummary(summary)
		exitOn(err)

	case *watchMode:
		if cfg.Watch.Directory == "" {
			fmt.Fprintln(os.Stderr, "error: watch mode needs a directory (-dir flag, watch.directory config, or MAILINGEST_WATCH_DIR)")
			os.Exit(1)
		}
		runWatch(ctx, cfg, processor, logger)

	case *fetchMode:
		if len(cfg.Accounts) == 0 {
			fmt.Fprintln(os.Stderr, "error: fetch mode needs at least one configured account")
			os.Exit(1)
		}
		runPollers(ctx, cfg, processor, logger)

	case *dir != "":
		summary, err := processor.ProcessDirectory(ctx, *dir)
		printSummary(summary)
		exitOn(err)

	default:
		flag.Usage()
		os.Exit(2)
	}
}

// runWatch runs the directory watcher, plus a poller per configured
// remote account when any exist.
func runWatch(ctx context.Context, cfg *config.Config, processor *pipeline.Processor, logger *slog.Logger) {
	// A watcher failure takes the pollers down with it.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup

	for _, acct := range cfg.Accounts {
		recv, err := remote.NewReceiver(acct, logger)
		if err != nil {
			logger.Error("failed to create receiver", "account", acct.Name, "error", err)
			continue
		}
		poller := remote.NewPoller(acct, recv, processor, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			poller.Run(ctx)
		}()
	}

	w := watcher.New(processor, logger, watcher.Options{
		Dir:      cfg.Watch.Directory,
		Debounce: cfg.Watch.Debounce(),
	})
	if err := w.Run(ctx); err != nil {
		logger.Error("watcher failed", "error", err)
		cancel()
	}

	wg.Wait()
	logger.Info("mailingest stopped")
}

// runPollers runs only the remote account pollers.
func runPollers(ctx context.Context, cfg *config.Config, processor *pipeline.Processor, logger *slog.Logger) {
	var wg sync.WaitGroup

	for _, acct := range cfg.Accounts {
		recv, err := remote.NewReceiver(acct, logger)
		if err != nil {
			logger.Error("failed to create receiver", "account", acct.Name, "error", err)
			continue
		}
		poller := remote.NewPoller(acct, recv, processor, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			poller.Run(ctx)
		}()
	}

	wg.Wait()
	logger.Info("mailingest stopped")
}

// loadConfig reads the config file when it exists, otherwise falls
// back to defaults plus environment overrides.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		explicit := false
		flag.Visit(func(f *flag.Flag) {
			if f.Name == "config" {
				explicit = true
			}
		})
		if !explicit {
			return config.Default()
		}
	}
	return config.Load(path)
}

func printSummary(s pipeline.Summary) {
	fmt.Printf("processed: %d\nskipped_duplicate: %d\nfailed: %d\n",
		s.Processed, s.SkippedDuplicate, s.Failed)
}

// printStats writes store counts plus one line per failed record, so
// deliveries that gave up can be found and reprocessed.
func printStats(w io.Writer, st *store.Store) error {
	s, err := st.Stats()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "total: %d\ndelivered: %d\nfailed: %d\npending: %d\n",
		s.Total, s.Delivered, s.Failed, s.Pending)

	if s.Failed == 0 {
		return nil
	}
	failed, err := st.Failed()
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "\nfailed records (use -reset to clear the store and reprocess):")
	for _, e := range failed {
		fmt.Fprintf(w, "  %s  %s  %q\n", e.Fingerprint[:12], e.FirstSeenPath, e.Subject)
	}
	return nil
}

func exitOn(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func splitLabels(s string) []string {
	if s == "" {
		return nil
	}
	var labels []string
	for _, l := range strings.Split(s, ",") {
		if l = strings.TrimSpace(l); l != "" {
			labels = append(labels, l)
		}
	}
	return labels
}
