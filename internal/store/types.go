package store

import (
	"database/sql"
	"errors"
	"time"
)

// ErrNotFound is returned when a scan does not exist.
var ErrNotFound = errors.New("not found")

// Scan statuses.
const (
	StatusInProgress     = "in_progress"
	StatusCompleted      = "completed"
	StatusFailed         = "failed"
	StatusQuotaExhausted = "quota_exhausted"
)

// Scan is one search-and-detect run.
type Scan struct {
	ID               string       `db:"id" json:"id"`
	Status           string       `db:"status" json:"status"`
	Domain           string       `db:"domain" json:"domain"`
	Types            string       `db:"types" json:"types"`
	StartedAt        time.Time    `db:"started_at" json:"started_at"`
	FinishedAt       sql.NullTime `db:"finished_at" json:"-"`
	Queries          int          `db:"queries" json:"queries"`
	URLsFound        int          `db:"urls_found" json:"urls_found"`
	DocumentsScanned int          `db:"documents_scanned" json:"documents_scanned"`
	DocumentsFailed  int          `db:"documents_failed" json:"documents_failed"`
	Detections       int          `db:"detections" json:"detections"`
	Error            string       `db:"error" json:"error,omitempty"`
}

// Leak is a persisted detection. Only masked values are stored.
type Leak struct {
	ID          string    `db:"id" json:"id"`
	ScanID      string    `db:"scan_id" json:"scan_id"`
	URL         string    `db:"url" json:"url"`
	PIIType     string    `db:"pii_type" json:"pii_type"`
	MaskedValue string    `db:"masked_value" json:"masked_value"`
	Confidence  float64   `db:"confidence" json:"confidence"`
	Evidence    string    `db:"evidence" json:"evidence"`
	StartOffset int       `db:"start_offset" json:"start"`
	EndOffset   int       `db:"end_offset" json:"end"`
	Checksum    string    `db:"checksum" json:"checksum"`
	DetectedAt  time.Time `db:"detected_at" json:"detected_at"`
}

// Report statuses.
const (
	ReportSent   = "sent"
	ReportFailed = "failed"
)

// Report records one report email. Test messages carry no scan id.
type Report struct {
	ID        string       `db:"id" json:"id"`
	ScanID    string       `db:"scan_id" json:"scan_id,omitempty"`
	Recipient string       `db:"recipient" json:"recipient"`
	Subject   string       `db:"subject" json:"subject"`
	Status    string       `db:"status" json:"status"`
	Error     string       `db:"error" json:"error,omitempty"`
	CreatedAt time.Time    `db:"created_at" json:"created_at"`
	SentAt    sql.NullTime `db:"sent_at" json:"-"`
}

// ScanCounts are the tallies written when a scan finishes.
type ScanCounts struct {
	Queries          int
	URLsFound        int
	DocumentsScanned int
	DocumentsFailed  int
	Detections       int
}

// Stats summarises the whole store.
type Stats struct {
	Scans  int64            `json:"scans"`
	Leaks  int64            `json:"leaks"`
	ByType map[string]int64 `json:"by_type"`
}
