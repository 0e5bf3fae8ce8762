package etl

import (
	"path/filepath"
	"strings"
	"time"
)

// DataRecord represents a single document from the input dataset
type DataRecord struct {
	Source string `csv:"source" parquet:"source" json:"source"`
	Text   string `csv:"text" parquet:"text" json:"text"`
}

// ExportRecord is one detection row of the Parquet export. Only masked
// values are written.
type ExportRecord struct {
	Source      string  `parquet:"source" json:"source"`
	PIIType     string  `parquet:"pii_type" json:"pii_type"`
	MaskedValue string  `parquet:"masked_value" json:"masked_value"`
	Confidence  float64 `parquet:"confidence" json:"confidence"`
	Evidence    string  `parquet:"evidence" json:"evidence"`
	Start       int64   `parquet:"start" json:"start"`
	End         int64   `parquet:"end" json:"end"`
	Checksum    string  `parquet:"checksum" json:"checksum"`
}

// ProcessingResult represents the result of processing a dataset
type ProcessingResult struct {
	ScanID          string           `json:"scan_id,omitempty"`
	TotalRecords    int64            `json:"total_records"`
	ProcessedOK     int64            `json:"processed_ok"`
	ProcessedFailed int64            `json:"processed_failed"`
	Invalid         int64            `json:"invalid"`
	Duplicates      int64            `json:"duplicates"`
	RecordsWithPII  int64            `json:"records_with_pii"`
	Detections      int64            `json:"detections"`
	ByType          map[string]int64 `json:"by_type"`
	Duration        time.Duration    `json:"duration"`
	DetectTime      time.Duration    `json:"detect_time"`
	DatabaseTime    time.Duration    `json:"database_time"`
	ExportTime      time.Duration    `json:"export_time"`
	Errors          []string         `json:"errors,omitempty"`
}

// Config contains ETL pipeline configuration
type Config struct {
	BatchSize      int           `yaml:"batch_size" mapstructure:"batch_size"`           // 1000
	WorkerCount    int           `yaml:"worker_count" mapstructure:"worker_count"`       // 4
	SkipDuplicates bool          `yaml:"skip_duplicates" mapstructure:"skip_duplicates"` // true
	ValidateData   bool          `yaml:"validate_data" mapstructure:"validate_data"`     // true
	MaxTextLength  int           `yaml:"max_text_length" mapstructure:"max_text_length"` // 5 MiB
	ProgressReport int           `yaml:"progress_report" mapstructure:"progress_report"` // 1000
	Types          []string      `yaml:"types" mapstructure:"types"`
	Timeout        time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// DefaultConfig returns the settings used by the batch scanner binary.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:      1000,
		WorkerCount:    4,
		SkipDuplicates: true,
		ValidateData:   true,
		MaxTextLength:  5 << 20,
		ProgressReport: 1000,
		Timeout:        time.Hour,
	}
}

// ProcessingStats tracks real-time processing statistics
type ProcessingStats struct {
	StartTime      time.Time `json:"start_time"`
	RecordsRead    int64     `json:"records_read"`
	RecordsValid   int64     `json:"records_valid"`
	RecordsInvalid int64     `json:"records_invalid"`
	Detections     int64     `json:"detections"`
	DatabaseWrites int64     `json:"database_writes"`
	ExportRows     int64     `json:"export_rows"`
	CurrentBatch   int64     `json:"current_batch"`
	ProcessingRate float64   `json:"processing_rate"` // records per second
}

// FileFormat represents supported file formats
type FileFormat string

const (
	FormatCSV     FileFormat = "csv"
	FormatParquet FileFormat = "parquet"
	FormatJSON    FileFormat = "json"
)

// DetectFileFormat detects file format from extension
func DetectFileFormat(filename string) FileFormat {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".parquet":
		return FormatParquet
	case ".json", ".jsonl", ".ndjson":
		return FormatJSON
	default:
		return FormatCSV
	}
}
