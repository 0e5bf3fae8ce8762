package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/raaihank/leak-sentinel/internal/config"
	"github.com/raaihank/leak-sentinel/internal/etl"
	"github.com/raaihank/leak-sentinel/internal/logger"
	"github.com/raaihank/leak-sentinel/internal/privacy"
	"github.com/raaihank/leak-sentinel/internal/store"
)

func main() {
	var (
		configPath = flag.String("config", "", "Configuration file path")
		inputFile  = flag.String("input", "", "Input dataset file (CSV, Parquet, or JSON lines)")
		outputFile = flag.String("output", "", "Write masked detections to this Parquet file")
		useStore   = flag.Bool("store", false, "Record the run and its detections in the configured store")
		batchSize  = flag.Int("batch-size", 1000, "Batch size for processing")
		workers    = flag.Int("workers", 4, "Number of worker goroutines")
		types      = flag.String("types", "", "Comma separated PII types (default: detection.enabled_types)")
		showStats  = flag.Bool("stats", false, "Show store statistics and exit")
	)
	flag.Parse()

	if *inputFile == "" && !*showStats {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s --input documents.csv --output leaks.parquet\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --input documents.jsonl --types aadhaar,pan --store\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --stats\n", os.Args[0])
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting Leak-Sentinel batch scanner",
		zap.String("version", "0.1.0"),
		zap.String("config", *configPath))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("Received shutdown signal, cancelling operations...")
		cancel()
	}()

	var st *store.Store
	if *useStore || *showStats {
		st, err = store.Open(ctx, cfg.Storage, log)
		if err != nil {
			log.Fatal("Failed to open store", zap.Error(err))
		}
		defer st.Close()
	}

	if *showStats {
		if err := showStoreStats(ctx, st); err != nil {
			log.Fatal("Failed to show stats", zap.Error(err))
		}
		return
	}

	etlConfig := etl.DefaultConfig()
	etlConfig.BatchSize = *batchSize
	etlConfig.WorkerCount = *workers
	if *types != "" {
		etlConfig.Types = strings.Split(*types, ",")
	}

	if err := processDataset(ctx, cfg, st, etlConfig, *inputFile, *outputFile, log); err != nil {
		log.Fatal("ETL processing failed", zap.Error(err))
	}

	log.Info("ETL pipeline completed successfully")
}

// processDataset runs the pipeline over one input file
func processDataset(ctx context.Context, cfg *config.Config, st *store.Store, etlConfig *etl.Config, inputFile, outputFile string, log *logger.Logger) error {
	if _, err := os.Stat(inputFile); err != nil {
		return fmt.Errorf("input file: %w", err)
	}

	detector, err := privacy.New(cfg.Detection, log)
	if err != nil {
		return fmt.Errorf("failed to create detector: %w", err)
	}

	var exporter *etl.Exporter
	if outputFile != "" {
		if exporter, err = etl.NewExporter(outputFile); err != nil {
			return err
		}
	}

	// A nil *store.Store must not reach the pipeline as a non-nil interface.
	var detections etl.DetectionStore
	if st != nil {
		detections = st
	}

	pipeline := etl.NewPipeline(detector, detections, exporter, etlConfig, log)
	result, runErr := pipeline.ProcessFile(ctx, inputFile)

	if exporter != nil {
		if err := exporter.Close(); err != nil && runErr == nil {
			runErr = err
		}
		log.Info("Export written", zap.String("path", outputFile), zap.Int64("rows", exporter.Rows()))
	}
	if runErr != nil {
		return runErr
	}

	fmt.Printf("\nBatch scan results:\n")
	fmt.Printf("  Records:          %d\n", result.TotalRecords)
	fmt.Printf("  Processed OK:     %d\n", result.ProcessedOK)
	fmt.Printf("  Failed:           %d\n", result.ProcessedFailed)
	fmt.Printf("  Invalid:          %d\n", result.Invalid)
	fmt.Printf("  Duplicates:       %d\n", result.Duplicates)
	fmt.Printf("  Records with PII: %d\n", result.RecordsWithPII)
	fmt.Printf("  Detections:       %d\n", result.Detections)
	for piiType, n := range result.ByType {
		fmt.Printf("    %-14s %d\n", piiType, n)
	}
	fmt.Printf("  Duration:         %s\n", result.Duration)
	if result.ScanID != "" {
		fmt.Printf("  Scan ID:          %s\n", result.ScanID)
	}
	return nil
}

// showStoreStats prints detection store statistics
func showStoreStats(ctx context.Context, st *store.Store) error {
	stats, err := st.Stats(ctx)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
