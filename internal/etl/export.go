package etl

import (
	"fmt"
	"os"
	"sync"

	"github.com/segmentio/parquet-go"
)

// Exporter writes detections to a Parquet file.
type Exporter struct {
	mu     sync.Mutex
	file   *os.File
	writer *parquet.GenericWriter[ExportRecord]
	rows   int64
}

// NewExporter creates (or truncates) path.
func NewExporter(path string) (*Exporter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create export file: %w", err)
	}
	return &Exporter{file: f, writer: parquet.NewGenericWriter[ExportRecord](f)}, nil
}

// Write appends rows.
func (e *Exporter) Write(rows []ExportRecord) error {
	if len(rows) == 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	n, err := e.writer.Write(rows)
	e.rows += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write export rows: %w", err)
	}
	return nil
}

// Rows returns the number of rows written so far.
func (e *Exporter) Rows() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rows
}

// Close flushes the footer and closes the file.
func (e *Exporter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.writer.Close(); err != nil {
		e.file.Close()
		return fmt.Errorf("failed to finalize export: %w", err)
	}
	return e.file.Close()
}
