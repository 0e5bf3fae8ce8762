package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/leak-sentinel/internal/api"
	"github.com/raaihank/leak-sentinel/internal/cache"
	"github.com/raaihank/leak-sentinel/internal/config"
	"github.com/raaihank/leak-sentinel/internal/fetch"
	"github.com/raaihank/leak-sentinel/internal/logger"
	"github.com/raaihank/leak-sentinel/internal/metrics"
	"github.com/raaihank/leak-sentinel/internal/notify"
	"github.com/raaihank/leak-sentinel/internal/privacy"
	"github.com/raaihank/leak-sentinel/internal/quota"
	"github.com/raaihank/leak-sentinel/internal/scan"
	"github.com/raaihank/leak-sentinel/internal/scheduler"
	"github.com/raaihank/leak-sentinel/internal/search"
	"github.com/raaihank/leak-sentinel/internal/store"
	"github.com/raaihank/leak-sentinel/internal/websocket"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to configuration file")
		showVersion = flag.Bool("version", false, "Show version information")
		healthCheck = flag.Bool("health-check", false, "Perform health check and exit")
		healthURL   = flag.String("health-url", "http://localhost:8080/health", "Endpoint checked by -health-check")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("Leak-Sentinel %s (commit: %s, built: %s)\n", version, commit, date)
		os.Exit(0)
	}

	if *healthCheck {
		performHealthCheck(*healthURL)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	loggerConfig := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}
	if cfg.Logging.File.Enabled {
		loggerConfig.File = &logger.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		}
	}

	log, err := logger.New(loggerConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting Leak-Sentinel",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_date", date),
		zap.Int("port", cfg.Server.Port),
	)

	if err := run(cfg, *configPath, log); err != nil {
		log.Fatal("Leak-Sentinel stopped with error", zap.Error(err))
	}
	log.Info("Server shutdown complete")
}

func run(cfg *config.Config, configPath string, log *logger.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	detector, err := privacy.New(cfg.Detection, log)
	if err != nil {
		return fmt.Errorf("detector: %w", err)
	}

	pairs, err := quota.Pairs(cfg.Search.APIKeys, cfg.Search.EngineIDs)
	if err != nil {
		return fmt.Errorf("search keys: %w", err)
	}
	rotator, err := quota.NewRotator(pairs, cfg.Search.DailyQuota)
	if err != nil {
		return fmt.Errorf("search keys: %w", err)
	}
	if rotator.Len() == 0 {
		log.Warn("No search API keys configured; scans will end with quota_exhausted")
	}
	pacer := quota.NewPacer(cfg.Search.QueriesPerSecond, cfg.Search.Burst)

	m := metrics.New()
	m.SetKeysAvailable(rotator.Available())

	searcher := search.New(cfg.Search, rotator, pacer, m, log)
	fetcher := fetch.New(cfg.Fetch, log)

	st, err := store.Open(ctx, cfg.Storage, log)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer st.Close()

	opts := scan.Options{
		Searcher: searcher,
		Source:   fetcher,
		Store:    st,
		Metrics:  m,
		Logger:   log,
	}

	var cacheStats api.CacheReader
	if cfg.Cache.Enabled {
		seen, err := cache.NewSeenCache(ctx, cfg.Cache, log)
		if err != nil {
			return fmt.Errorf("seen cache: %w", err)
		}
		defer seen.Close()
		opts.Seen = seen
		cacheStats = seen
	}

	var mailer api.Mailer
	if cfg.Report.Enabled {
		email, err := notify.NewEmail(cfg.Report, st, log)
		if err != nil {
			return fmt.Errorf("report: %w", err)
		}
		opts.Notifiers = append(opts.Notifiers, email)
		mailer = email
	}

	if cfg.Events.AMQP.Enabled {
		publisher, err := notify.NewPublisher(cfg.Events.AMQP, log)
		if err != nil {
			return fmt.Errorf("event publisher: %w", err)
		}
		defer publisher.Close()
		opts.Sinks = append(opts.Sinks, publisher)
	}

	var hub *websocket.Hub
	if cfg.WebSocket.Enabled {
		hub = websocket.NewHub(cfg.WebSocket, log)
		go hub.Run(ctx)
		opts.Sinks = append(opts.Sinks, hub)
	}

	scanner, err := scan.New(cfg.Scan, detector, opts)
	if err != nil {
		return fmt.Errorf("scanner: %w", err)
	}

	reset, err := scheduler.NewQuotaReset(cfg.Search.ResetSchedule, cfg.Search.ResetTimezone, log,
		func() { m.SetKeysAvailable(rotator.Available()) }, rotator)
	if err != nil {
		return fmt.Errorf("quota reset: %w", err)
	}
	reset.Start()
	log.Info("Quota reset scheduled", zap.Time("next_run", reset.NextRun()))

	if configPath != "" {
		err := config.Watch(configPath, func(next *config.Config) {
			d, err := privacy.New(next.Detection, log)
			if err != nil {
				log.Error("Rejected detection config reload", zap.Error(err))
				return
			}
			scanner.SetDetector(d)
			log.Info("Detection configuration reloaded", zap.Strings("enabled_types", next.Detection.EnabledTypes))
		}, func(err error) {
			log.Error("Configuration reload failed", zap.Error(err))
		})
		if err != nil {
			log.Warn("Configuration hot reload disabled", zap.Error(err))
		}
	}

	server := api.New(cfg, api.Deps{
		Scanner: scanner,
		Store:   st,
		Keys:    rotator,
		Cache:   cacheStats,
		Mailer:  mailer,
		Hub:     hub,
		Metrics: m,
	}, log)

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		serverErrors <- server.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("server: %w", err)
		}
	case sig := <-shutdown:
		log.Info("Shutdown signal received", zap.String("signal", sig.String()))
	}

	// Give outstanding requests and scans 30 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		log.Error("Failed to shutdown server gracefully", zap.Error(err))
	}
	reset.Stop(shutdownCtx)
	if err := scanner.Shutdown(shutdownCtx); err != nil {
		log.Error("Scans did not finish before shutdown", zap.Error(err))
	}
	cancel()

	return runErr
}

// performHealthCheck performs a health check against the running server
func performHealthCheck(url string) {
	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	resp, err := client.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: HTTP %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("Health check passed")
	os.Exit(0)
}
