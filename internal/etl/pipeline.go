// Package etl scans stored document datasets for PII in batches, without
// any search or download step.
package etl

import (
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/parquet-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/raaihank/leak-sentinel/internal/logger"
	"github.com/raaihank/leak-sentinel/internal/privacy"
	"github.com/raaihank/leak-sentinel/internal/store"
)

// DetectionStore records batch runs and their detections.
type DetectionStore interface {
	CreateScan(ctx context.Context, scan *store.Scan) error
	FinishScan(ctx context.Context, id, status string, counts store.ScanCounts, scanErr string) error
	SaveDetections(ctx context.Context, scanID, url string, detections []privacy.Detection) error
}

// Pipeline handles batch detection over dataset files
type Pipeline struct {
	detector *privacy.Detector
	store    DetectionStore
	exporter *Exporter
	config   *Config
	logger   *logger.Logger

	mu     sync.RWMutex
	stats  *ProcessingStats
	hashes map[string]bool
}

// NewPipeline creates a new ETL pipeline. store and exporter may be nil.
func NewPipeline(detector *privacy.Detector, st DetectionStore, exporter *Exporter, config *Config, log *logger.Logger) *Pipeline {
	if config == nil {
		config = DefaultConfig()
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 1000
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 1
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Pipeline{
		detector: detector,
		store:    st,
		exporter: exporter,
		config:   config,
		logger:   log.WithComponent("etl"),
		stats:    &ProcessingStats{StartTime: time.Now()},
		hashes:   make(map[string]bool),
	}
}

// ProcessFile processes a dataset file (CSV, Parquet, or JSON lines)
func (p *Pipeline) ProcessFile(ctx context.Context, filePath string) (*ProcessingResult, error) {
	if p.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.Timeout)
		defer cancel()
	}

	types, err := p.enabledTypes()
	if err != nil {
		return nil, err
	}

	format := DetectFileFormat(filePath)
	p.logger.Info("Starting ETL pipeline",
		zap.String("file", filePath),
		zap.String("format", string(format)),
		zap.Int("batch_size", p.config.BatchSize),
		zap.Int("workers", p.config.WorkerCount))

	start := time.Now()
	result := &ProcessingResult{ByType: make(map[string]int64)}
	p.resetStats()

	if p.store != nil {
		result.ScanID = uuid.NewString()
		rec := &store.Scan{
			ID:     result.ScanID,
			Domain: "file:" + filepath.Base(filePath),
			Types:  joinTypes(types),
		}
		if err := p.store.CreateScan(ctx, rec); err != nil {
			return nil, fmt.Errorf("failed to record batch run: %w", err)
		}
	}

	run := &batchRun{types: types, prefix: filepath.Base(filePath), result: result}
	switch format {
	case FormatCSV:
		err = p.processCSV(ctx, filePath, run)
	case FormatParquet:
		err = p.processParquet(ctx, filePath, run)
	case FormatJSON:
		err = p.processJSON(ctx, filePath, run)
	default:
		err = fmt.Errorf("unsupported file format: %s", format)
	}
	result.Duration = time.Since(start)

	if p.store != nil {
		status, msg := store.StatusCompleted, ""
		if err != nil {
			status, msg = store.StatusFailed, err.Error()
		}
		counts := store.ScanCounts{
			URLsFound:        int(result.TotalRecords),
			DocumentsScanned: int(result.ProcessedOK),
			DocumentsFailed:  int(result.ProcessedFailed),
			Detections:       int(result.Detections),
		}
		if ferr := p.store.FinishScan(context.WithoutCancel(ctx), result.ScanID, status, counts, msg); ferr != nil {
			p.logger.Error("Failed to record batch result", zap.Error(ferr))
		}
	}

	if err != nil {
		return result, fmt.Errorf("%s processing failed: %w", format, err)
	}

	p.logger.Info("ETL pipeline completed",
		zap.Int64("total_records", result.TotalRecords),
		zap.Int64("processed_ok", result.ProcessedOK),
		zap.Int64("processed_failed", result.ProcessedFailed),
		zap.Int64("records_with_pii", result.RecordsWithPII),
		zap.Int64("detections", result.Detections),
		zap.Duration("total_duration", result.Duration),
		zap.Duration("detect_time", result.DetectTime),
		zap.Duration("database_time", result.DatabaseTime))

	return result, nil
}

func (p *Pipeline) enabledTypes() ([]privacy.PIIType, error) {
	if len(p.config.Types) == 0 {
		return p.detector.EnabledTypes(), nil
	}
	types, err := privacy.ParsePIITypes(p.config.Types)
	if err != nil {
		return nil, fmt.Errorf("invalid etl types: %w", err)
	}
	return types, nil
}

// batchRun carries per-file state through the batch loop.
type batchRun struct {
	types  []privacy.PIIType
	prefix string
	row    int64
	result *ProcessingResult
}

// source names a record that carries no source of its own.
func (b *batchRun) source(rec *DataRecord) string {
	b.row++
	if rec.Source == "" {
		rec.Source = fmt.Sprintf("%s#%d", b.prefix, b.row)
	}
	return rec.Source
}

// processCSV processes CSV files with a header row naming a text column
// and optionally a source (or url) column
func (p *Pipeline) processCSV(ctx context.Context, filePath string, run *batchRun) error {
	file, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("failed to open CSV file: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		return fmt.Errorf("failed to read CSV header: %w", err)
	}
	textCol, sourceCol := -1, -1
	for i, h := range header {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "text", "content":
			textCol = i
		case "source", "url":
			sourceCol = i
		}
	}
	if textCol < 0 {
		return errors.New("CSV header has no text column")
	}
	p.logger.Info("CSV header detected", zap.Strings("columns", header))

	return p.processBatches(ctx, func() ([]*DataRecord, error) {
		var batch []*DataRecord
		for len(batch) < p.config.BatchSize {
			record, err := reader.Read()
			if err == io.EOF {
				break
			}
			if err != nil {
				p.logger.Warn("Failed to read CSV record", zap.Error(err))
				run.result.Invalid++
				continue
			}
			if textCol >= len(record) {
				run.result.Invalid++
				continue
			}
			rec := &DataRecord{Text: record[textCol]}
			if sourceCol >= 0 && sourceCol < len(record) {
				rec.Source = strings.TrimSpace(record[sourceCol])
			}
			run.source(rec)
			if p.validateRecord(rec, run.result) {
				batch = append(batch, rec)
			}
		}
		return batch, nil
	}, run)
}

// processParquet processes Parquet files
func (p *Pipeline) processParquet(ctx context.Context, filePath string, run *batchRun) error {
	file, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("failed to open Parquet file: %w", err)
	}
	defer file.Close()

	reader := parquet.NewReader(file)
	defer reader.Close()

	return p.processBatches(ctx, func() ([]*DataRecord, error) {
		var batch []*DataRecord
		for len(batch) < p.config.BatchSize {
			var record DataRecord
			err := reader.Read(&record)
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("failed to read Parquet record: %w", err)
			}
			run.source(&record)
			if p.validateRecord(&record, run.result) {
				batch = append(batch, &record)
			}
		}
		return batch, nil
	}, run)
}

// processJSON processes JSON files (one JSON object per line)
func (p *Pipeline) processJSON(ctx context.Context, filePath string, run *batchRun) error {
	file, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("failed to open JSON file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)

	return p.processBatches(ctx, func() ([]*DataRecord, error) {
		var batch []*DataRecord
		for len(batch) < p.config.BatchSize {
			var record DataRecord
			err := decoder.Decode(&record)
			if err == io.EOF {
				break
			}
			if err != nil {
				// The decoder cannot resynchronise after a syntax error.
				return nil, fmt.Errorf("failed to read JSON record: %w", err)
			}
			run.source(&record)
			if p.validateRecord(&record, run.result) {
				batch = append(batch, &record)
			}
		}
		return batch, nil
	}, run)
}

// processBatches processes data in batches using the provided reader function
func (p *Pipeline) processBatches(ctx context.Context, readBatch func() ([]*DataRecord, error), run *batchRun) error {
	result := run.result
	nextReport := int64(p.config.ProgressReport)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch, err := readBatch()
		if err != nil {
			return fmt.Errorf("failed to read batch: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		p.mu.Lock()
		p.stats.CurrentBatch++
		p.stats.RecordsRead += int64(len(batch))
		p.mu.Unlock()

		result.TotalRecords += int64(len(batch))
		if err := p.processBatch(ctx, batch, run); err != nil {
			p.logger.Error("Batch processing failed", zap.Error(err))
			result.ProcessedFailed += int64(len(batch))
			result.Errors = append(result.Errors, err.Error())
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		result.ProcessedOK += int64(len(batch))

		if nextReport > 0 && result.TotalRecords >= nextReport {
			p.reportProgress(result)
			nextReport += int64(p.config.ProgressReport)
		}
	}

	return nil
}

// processBatch detects PII in a batch with a bounded worker pool, then
// persists and exports the results in input order
func (p *Pipeline) processBatch(ctx context.Context, batch []*DataRecord, run *batchRun) error {
	result := run.result
	found := make([][]privacy.Detection, len(batch))

	detectStart := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.WorkerCount)
	for i, rec := range batch {
		i, rec := i, rec
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			found[i] = p.detector.Detect(rec.Text, rec.Source, run.types)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("detection interrupted: %w", err)
	}
	result.DetectTime += time.Since(detectStart)

	var rows []ExportRecord
	for i, dets := range found {
		if len(dets) == 0 {
			continue
		}
		result.RecordsWithPII++
		result.Detections += int64(len(dets))
		for _, d := range dets {
			result.ByType[string(d.Type)]++
			if p.exporter != nil {
				rows = append(rows, exportRow(d))
			}
		}

		if p.store != nil {
			dbStart := time.Now()
			if err := p.store.SaveDetections(ctx, result.ScanID, batch[i].Source, dets); err != nil {
				return fmt.Errorf("failed to store detections for %s: %w", batch[i].Source, err)
			}
			result.DatabaseTime += time.Since(dbStart)
			p.mu.Lock()
			p.stats.DatabaseWrites++
			p.mu.Unlock()
		}
	}

	if p.exporter != nil && len(rows) > 0 {
		exportStart := time.Now()
		if err := p.exporter.Write(rows); err != nil {
			return err
		}
		result.ExportTime += time.Since(exportStart)
	}

	p.mu.Lock()
	p.stats.RecordsValid += int64(len(batch))
	p.stats.Detections = result.Detections
	p.stats.ExportRows += int64(len(rows))
	if elapsed := time.Since(p.stats.StartTime).Seconds(); elapsed > 0 {
		p.stats.ProcessingRate = float64(p.stats.RecordsValid) / elapsed
	}
	p.mu.Unlock()

	p.logger.Debug("Batch processed",
		zap.Int("batch_size", len(batch)),
		zap.Int("export_rows", len(rows)),
		zap.Duration("detect_time", time.Since(detectStart)))
	return nil
}

func exportRow(d privacy.Detection) ExportRecord {
	return ExportRecord{
		Source:      d.Source,
		PIIType:     string(d.Type),
		MaskedValue: d.Masked,
		Confidence:  d.Confidence,
		Evidence:    d.Evidence,
		Start:       int64(d.Start),
		End:         int64(d.End),
		Checksum:    string(d.Checksum),
	}
}

// validateRecord validates a data record and drops duplicates
func (p *Pipeline) validateRecord(record *DataRecord, result *ProcessingResult) bool {
	if p.config.ValidateData {
		if strings.TrimSpace(record.Text) == "" {
			p.logger.Debug("Invalid record: empty text", zap.String("source", record.Source))
			result.Invalid++
			p.countInvalid()
			return false
		}
		if p.config.MaxTextLength > 0 && len(record.Text) > p.config.MaxTextLength {
			p.logger.Debug("Invalid record: text too long",
				zap.String("source", record.Source),
				zap.Int("length", len(record.Text)))
			result.Invalid++
			p.countInvalid()
			return false
		}
	}

	if p.config.SkipDuplicates {
		hash := computeTextHash(record.Text)
		p.mu.Lock()
		dup := p.hashes[hash]
		p.hashes[hash] = true
		p.mu.Unlock()
		if dup {
			result.Duplicates++
			return false
		}
	}
	return true
}

func (p *Pipeline) countInvalid() {
	p.mu.Lock()
	p.stats.RecordsInvalid++
	p.mu.Unlock()
}

// reportProgress reports current processing progress
func (p *Pipeline) reportProgress(result *ProcessingResult) {
	elapsed := time.Since(p.GetStats().StartTime)
	p.logger.Info("Processing progress",
		zap.Int64("records_processed", result.TotalRecords),
		zap.Int64("records_ok", result.ProcessedOK),
		zap.Int64("records_failed", result.ProcessedFailed),
		zap.Int64("detections", result.Detections),
		zap.Float64("rate_per_sec", float64(result.TotalRecords)/elapsed.Seconds()),
		zap.Duration("elapsed", elapsed))
}

// resetStats resets processing statistics
func (p *Pipeline) resetStats() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats = &ProcessingStats{StartTime: time.Now()}
	p.hashes = make(map[string]bool)
}

// GetStats returns current processing statistics
func (p *Pipeline) GetStats() *ProcessingStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	stats := *p.stats
	return &stats
}

// computeTextHash computes SHA-256 hash of the given text
func computeTextHash(text string) string {
	hash := sha256.Sum256([]byte(text))
	return hex.EncodeToString(hash[:])
}

func joinTypes(types []privacy.PIIType) string {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	return strings.Join(names, ",")
}
