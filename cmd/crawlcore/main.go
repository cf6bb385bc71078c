package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"crawlcore/internal/config"
	"crawlcore/internal/dupefilter"
	"crawlcore/internal/engine"
	"crawlcore/internal/fetcher"
	"crawlcore/internal/fingerprint"
	"crawlcore/internal/middleware"
	"crawlcore/internal/robots"
	"crawlcore/internal/scheduler"
	"crawlcore/internal/slots"
	"crawlcore/internal/spider"
	"crawlcore/internal/statestore"
	"crawlcore/internal/stats"
	"crawlcore/pkg/types"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "Path to crawl configuration file")
	flag.Parse()

	// Optional .env for secrets like the Redis password; missing file is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logging: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *cfg, logger); err != nil {
		logger.Error("crawl stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	store, err := buildPendingStore(cfg.Resume)
	if err != nil {
		return err
	}
	if store != nil {
		defer func() {
			if err := store.Close(); err != nil {
				logger.Warn("closing pending store", "error", err)
			}
		}()
	}

	eng, collector, err := buildEngine(cfg, store, logger)
	if err != nil {
		return err
	}

	// A signal requests a graceful stop: in-flight fetches finish, the
	// remaining frontier is discarded (or persisted when resume is on).
	release := context.AfterFunc(ctx, func() {
		logger.Info("shutdown requested, stopping crawl")
		eng.Stop()
	})
	defer release()

	g, gctx := errgroup.WithContext(context.Background())

	if cfg.Metrics.Enabled {
		srv := &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: metricsMux(collector)}
		g.Go(func() error {
			logger.Info("serving metrics", "addr", cfg.Metrics.ListenAddr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		defer logSummary(logger, collector)
		if err := eng.Run(context.Background()); err != nil {
			return fmt.Errorf("engine: %w", err)
		}
		return errDone
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errDone) {
		return err
	}
	return nil
}

// errDone unwinds the errgroup once the crawl finishes so the metrics server
// shuts down too.
var errDone = errors.New("crawl finished")

func buildEngine(cfg config.Config, store statestore.PendingStore, logger *slog.Logger) (*engine.Engine, *stats.Collector, error) {
	fp := fingerprint.New(fingerprint.Policy{
		SortQuery:      cfg.Fingerprint.SortQuery,
		IncludeHeaders: cfg.Fingerprint.IncludeHeaders,
		ExcludeHeaders: cfg.Fingerprint.ExcludeHeaders,
	})

	// File-backed resume keeps the seen set on disk too, so a resumed crawl
	// does not re-schedule pages it fetched before the stop.
	var filter dupefilter.Filter
	if cfg.Resume.Enabled && cfg.Resume.Backend == "file" {
		ff, err := dupefilter.NewFileFilter(cfg.Resume.Dir, logger)
		if err != nil {
			return nil, nil, err
		}
		filter = ff
	} else {
		filter = dupefilter.NewMemoryFilter(dupefilter.Options{
			ExpectedEntries: uint(cfg.Worker.QueueSize) * 16,
			FalsePositive:   0.01,
		}, logger)
	}

	sched := scheduler.New(fp, filter, scheduler.Options{
		QueueCapacity: cfg.Worker.QueueSize,
		Store:         store,
	}, logger)

	slotMgr := slots.NewManager(slots.Config{
		MaxGlobal:    cfg.Concurrency.MaxGlobal,
		MaxPerOrigin: cfg.Concurrency.MaxPerOrigin,
		Delay:        cfg.Crawl.PerOriginDelay.Duration,
		JitterMin:    cfg.Crawl.DelayJitterMin,
		JitterMax:    cfg.Crawl.DelayJitterMax,
		Rate: slots.RateSettings{
			Requests: cfg.Crawl.RateLimitPerOrigin.Requests,
			Window:   cfg.Crawl.RateLimitPerOrigin.Window.Duration,
		},
	})

	httpFetcher, err := fetcher.NewHTTPFetcher(fetcher.Options{
		UserAgent:    cfg.Crawl.UserAgent,
		Headers:      cfg.Crawl.Headers,
		Timeout:      cfg.Crawl.RequestTimeout.Duration,
		MaxBodyBytes: cfg.Crawl.MaxBodyBytes,
		ProxyURL:     cfg.Crawl.ProxyURL,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("http fetcher: %w", err)
	}

	var robotsAgent *robots.Agent
	if cfg.Robots.Respect {
		robotsAgent = robots.NewAgent(cfg.Robots, httpFetcher.Client())
	}

	seeds := make([]spider.Seed, 0, len(cfg.Crawl.Seeds))
	for _, s := range cfg.Crawl.Seeds {
		seeds = append(seeds, spider.Seed{URL: s.URL, Priority: s.Priority})
	}
	sp, err := spider.NewLinkSpider("crawl", seeds, spider.LinkOptions{
		MaxDepth:        cfg.Crawl.MaxDepth,
		AllowedDomains:  cfg.Crawl.AllowedDomains,
		ExcludedDomains: cfg.Crawl.ExcludedDomains,
		IncludePatterns: cfg.Crawl.Discovery.IncludePatterns,
		ExcludePatterns: cfg.Crawl.Discovery.ExcludePatterns,
		MaxLinksPerPage: cfg.Crawl.Discovery.MaxLinksPerPage,
		FollowExternal:  cfg.Crawl.Discovery.FollowExternal,
		RespectNofollow: cfg.Crawl.Discovery.RespectNofollow,
	})
	if err != nil {
		return nil, nil, err
	}

	var eng *engine.Engine
	stopped := func() bool { return eng != nil && eng.Stopping() }

	var mws []middleware.Downloader
	if cfg.Redirect.IsEnabled() {
		mws = append(mws, middleware.NewRedirectMiddleware(cfg.Redirect.MaxTimes, cfg.Redirect.PriorityAdjust, logger))
	}
	if cfg.Retry.IsEnabled() {
		kinds, err := parseErrorKinds(cfg.Retry.ErrorKinds)
		if err != nil {
			return nil, nil, err
		}
		policy := middleware.NewRetryPolicy(cfg.Retry.MaxTimes, cfg.Retry.PriorityDecay, cfg.Retry.Statuses, kinds)
		mws = append(mws, middleware.NewRetryMiddleware(policy, logger, stopped))
	}
	chain := middleware.NewChain(httpFetcher.Fetch, logger, mws...)

	eng, err = engine.New(sched, slotMgr, chain, robotsAgent, sp, logger, engine.Options{
		Concurrency:    cfg.Worker.Concurrency,
		MaxPages:       cfg.Crawl.MaxPages,
		PersistOnClose: cfg.Resume.Enabled,
	})
	if err != nil {
		return nil, nil, err
	}

	collector := stats.NewCollector()
	eng.Subscribe(collector)
	return eng, collector, nil
}

func buildPendingStore(cfg config.ResumeConfig) (statestore.PendingStore, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Backend {
	case "file":
		return statestore.NewFileStore(cfg.Dir)
	case "redis":
		return statestore.NewRedisStore(statestore.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Key:      cfg.Redis.Key,
		})
	default:
		return nil, fmt.Errorf("unsupported resume backend %q", cfg.Backend)
	}
}

func parseErrorKinds(names []string) ([]types.ErrorKind, error) {
	kinds := make([]types.ErrorKind, 0, len(names))
	for _, name := range names {
		kind, ok := types.ParseErrorKind(name)
		if !ok {
			return nil, fmt.Errorf("unknown retryable error kind %q", name)
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}

func metricsMux(collector *stats.Collector) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	return mux
}

func logSummary(logger *slog.Logger, collector *stats.Collector) {
	snap := collector.Snapshot()
	attrs := make([]any, 0, len(snap)*2)
	for k, v := range snap {
		attrs = append(attrs, k, v)
	}
	logger.Info("crawl summary", attrs...)
}

func buildLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unsupported log level %q", cfg.Level)
	}

	var out io.Writer = os.Stdout
	if cfg.File.Path != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.File.Path,
			MaxSize:    cfg.File.MaxSizeMB,
			MaxBackups: cfg.File.MaxBackups,
			MaxAge:     cfg.File.MaxAgeDays,
			Compress:   cfg.File.Compress,
		}
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Structured {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler), nil
}
