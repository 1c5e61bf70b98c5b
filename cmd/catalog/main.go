package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"

	"github.com/isseis/go-book-catalog/catalog"
	"github.com/isseis/go-book-catalog/config"
	cs "github.com/isseis/go-book-catalog/counter_store"
	dc "github.com/isseis/go-book-catalog/download_counter"
	lc "github.com/isseis/go-book-catalog/local_cache"
	"github.com/isseis/go-book-catalog/logger"
)

const Version = "0.1.0"

func init() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Println("No usable .env file found, relying on environment variables")
	}
}

// parseBookIDs parses a comma-separated list of book ids, dropping duplicates.
func parseBookIDs(s string) ([]int64, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	ids := make([]int64, 0, len(parts))
	seen := make(map[int64]bool)
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid book id: %s", part)
		}
		if !seen[id] {
			ids = append(ids, id)
			seen[id] = true
		}
	}
	return ids, nil
}

// printUsage prints the complete usage information including flags and environment variables
func printUsage() {
	fmt.Fprintf(flag.CommandLine.Output(), "Usage of %s:\n", os.Args[0])
	flag.PrintDefaults()

	fmt.Fprintln(flag.CommandLine.Output(), "\nLogger environment variables:")
	for _, v := range logger.GetEnvVarsHelp() {
		fmt.Fprintf(flag.CommandLine.Output(), "  %-28s %s\n", v.Name, v.Description)
	}

	fmt.Fprintln(flag.CommandLine.Output(), "\nCatalog environment variables:")
	for _, v := range config.GetEnvVarsHelp() {
		fmt.Fprintf(flag.CommandLine.Output(), "  %-28s %s\n", v.Name, v.Description)
	}
}

// newStore returns the counter store described by cfg. Without a store URL the
// counts live in memory for the lifetime of the process.
func newStore(cfg *config.Config, log logger.Logger) (cs.Store, error) {
	if cfg.StoreURL == "" {
		log.Warn("No counter store configured, using in-memory store")
		return cs.NewMemoryStore(), nil
	}
	opts := []cs.PostgrestOption{
		cs.WithTable(cfg.StoreTable),
		cs.WithIncrementFunction(cfg.StoreRPC),
		cs.WithTimeout(cfg.HTTPTimeout),
	}
	if cfg.RateLimit > 0 {
		opts = append(opts, cs.WithRateLimit(cfg.RateLimit, 1))
	}
	pg, err := cs.NewPostgrestStore(cfg.StoreURL, cfg.StoreKey, opts...)
	if err != nil {
		return nil, err
	}
	settings := cs.DefaultBreakerSettings()
	settings.ConsecutiveFailures = cfg.BreakerFailures
	settings.OnStateChange = func(from, to gobreaker.State) {
		log.Warn("Counter store circuit breaker changed state", "from", from.String(), "to", to.String())
	}
	return cs.NewBreakerStore("counter-store", pg, settings), nil
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.Default(), nil
	}
	return catalog.LoadFile(path)
}

// run resolves the count of every book, records the requested downloads and prints
// the catalog. It returns the process exit code.
func run(ctx context.Context, rec *dc.Reconciler, cat *catalog.Catalog, assets *catalog.AssetResolver, downloads []int64, out io.Writer, log logger.Logger) int {
	exitCode := 0

	for _, b := range cat.Books() {
		count := rec.Initialize(ctx, cs.ItemID(b.ID))
		if err := cat.SetDownloads(b.ID, count); err != nil {
			log.Error("Failed to apply download count", "book_id", b.ID, "error", err)
			exitCode = 1
		}
	}

	for _, id := range downloads {
		b, err := cat.Get(id)
		if err != nil {
			log.Error("Cannot record download", "book_id", id, "error", err)
			fmt.Fprintf(out, "Download [%d] failed: %v\n", id, err)
			exitCode = 1
			continue
		}
		count := rec.RecordDownload(ctx, cs.ItemID(id), b.Downloads)
		if err := cat.SetDownloads(id, count); err != nil {
			log.Error("Failed to apply download count", "book_id", id, "error", err)
			exitCode = 1
		}
		fmt.Fprintf(out, "Download [%d] %s: %s\n", id, b.Title, assets.FileURL(b))
	}

	for _, b := range cat.Books() {
		fmt.Fprintf(out, "[%d] %s - %d downloads (%s)\n", b.ID, b.Title, b.Downloads, rec.State(cs.ItemID(b.ID)))
	}
	fmt.Fprintf(out, "Total downloads: %d\n", cat.TotalDownloads())

	stats := rec.Stats()
	log.Info("Catalog reconciled", "books", cat.Len(), "remote_reads", stats.RemoteReads, "created", stats.Created,
		"remote_increments", stats.RemoteIncrements, "local_fallbacks", stats.LocalFallbacks, "cache_errors", stats.CacheErrors)
	if stats.CacheErrors > 0 {
		exitCode = 1
	}
	return exitCode
}

func main() {
	flag.Usage = printUsage

	logger.RegisterFlags(flag.CommandLine)
	cfgFlags := config.RegisterFlags(flag.CommandLine)
	downloadFlag := flag.String("download", "", "Comma-separated list of book ids to record a download for")
	metricsFileFlag := flag.String("metrics_file", "", "If set, write Prometheus metrics to this file on exit")

	flag.Parse()

	logCfg, err := logger.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading logger config: %v\n\n", err)
		flag.Usage()
		os.Exit(1)
	}
	logCfg.Output = os.Stderr
	log := logger.NewLogger(*logCfg)

	cfg, err := cfgFlags.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n\n", err)
		flag.Usage()
		os.Exit(1)
	}

	downloads, err := parseBookIDs(*downloadFlag)
	if err != nil {
		log.Error("Error parsing download ids", "error", err)
		os.Exit(1)
	}

	log.Info("Book catalog started", "version", Version, "store_url", cfg.StoreURL)

	cat, err := loadCatalog(cfg.CatalogFile)
	if err != nil {
		log.Error("Failed to load catalog", "error", err)
		os.Exit(1)
	}
	assets, err := catalog.NewAssetResolver(cfg.AssetBaseURL)
	if err != nil {
		log.Error("Invalid asset base URL", "error", err)
		os.Exit(1)
	}
	store, err := newStore(cfg, log)
	if err != nil {
		log.Error("Failed to create counter store", "error", err)
		os.Exit(1)
	}
	cache, err := lc.NewFileCache(cfg.CachePath, lc.WithLockTimeout(cfg.CacheLockTimeout))
	if err != nil {
		log.Error("Failed to open local cache", "path", cfg.CachePath, "error", err)
		os.Exit(1)
	}
	log.Info("Local cache opened", "path", cache.Path(), "keys", len(cache.Keys()))

	reg := prometheus.NewRegistry()
	metrics, err := dc.NewMetrics(reg)
	if err != nil {
		log.Error("Failed to register metrics", "error", err)
		os.Exit(1)
	}

	rec := dc.NewReconciler(store, cache,
		dc.WithLogger(log),
		dc.WithMetrics(metrics),
		dc.WithReadRetries(cfg.ReadRetries, 0),
		dc.WithAuthoritativeCount(cfg.AuthoritativeCount),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	exitCode := run(ctx, rec, cat, assets, downloads, os.Stdout, log)
	stop()

	if *metricsFileFlag != "" {
		if err := prometheus.WriteToTextfile(*metricsFileFlag, reg); err != nil {
			log.Error("Failed to write metrics", "path", *metricsFileFlag, "error", err)
			exitCode = 1
		}
	}
	os.Exit(exitCode)
}
