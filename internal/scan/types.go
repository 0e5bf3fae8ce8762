// Package scan runs search-and-detect scans: dorks are issued through the
// search client, discovered documents are downloaded by a worker pool, and
// every detection is persisted, broadcast and summarised.
package scan

import (
	"context"
	"time"

	"github.com/raaihank/leak-sentinel/internal/fetch"
	"github.com/raaihank/leak-sentinel/internal/privacy"
	"github.com/raaihank/leak-sentinel/internal/search"
	"github.com/raaihank/leak-sentinel/internal/store"
)

// Searcher runs one search query.
type Searcher interface {
	Search(ctx context.Context, query string, num int) ([]search.Result, error)
}

// DocumentSource downloads a document and extracts its text.
type DocumentSource interface {
	Fetch(ctx context.Context, url string) (*fetch.Document, error)
}

// Store persists scans and detections.
type Store interface {
	CreateScan(ctx context.Context, scan *store.Scan) error
	FinishScan(ctx context.Context, id, status string, counts store.ScanCounts, scanErr string) error
	SaveDetections(ctx context.Context, scanID, url string, detections []privacy.Detection) error
}

// SeenCache remembers URLs across scans.
type SeenCache interface {
	MarkSeen(ctx context.Context, url string) (bool, error)
	Forget(ctx context.Context, url string) error
}

// EventSink receives scan events.
type EventSink interface {
	Emit(ctx context.Context, event Event) error
}

// Notifier delivers the summary of a finished scan.
type Notifier interface {
	Notify(ctx context.Context, summary *Summary) error
}

// EventType names a scan event.
type EventType string

const (
	EventScanStarted   EventType = "scan_started"
	EventPIIDetection  EventType = "pii_detection"
	EventScanCompleted EventType = "scan_completed"
)

// Event is emitted to every configured sink.
type Event struct {
	Type      EventType `json:"type"`
	ScanID    string    `json:"scan_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// StartedData is the payload of scan_started.
type StartedData struct {
	Domain    string   `json:"domain"`
	Types     []string `json:"types"`
	FileTypes []string `json:"file_types"`
	Queries   int      `json:"queries"`
}

// DetectionData is the payload of pii_detection. Detections carry masked
// values only.
type DetectionData struct {
	URL        string              `json:"url"`
	Detections []privacy.Detection `json:"detections"`
}

// Request describes one scan.
type Request struct {
	Types           []string `json:"types"`
	FileTypes       []string `json:"file_types"`
	Domain          string   `json:"domain"`
	MaxQueries      int      `json:"max_queries"`
	ResultsPerQuery int      `json:"results_per_query"`
	SendReport      bool     `json:"send_report"`
}

// TypeSummary aggregates the detections of one PII type.
type TypeSummary struct {
	Count         int     `json:"count"`
	Files         int     `json:"files"`
	AvgConfidence float64 `json:"avg_confidence"`
}

// Summary is the outcome of a scan.
type Summary struct {
	ScanID           string                           `json:"scan_id"`
	Status           string                           `json:"status"`
	Domain           string                           `json:"domain"`
	Types            []privacy.PIIType                `json:"types"`
	StartedAt        time.Time                        `json:"started_at"`
	FinishedAt       time.Time                        `json:"finished_at"`
	Queries          int                              `json:"queries"`
	URLsFound        int                              `json:"urls_found"`
	DocumentsScanned int                              `json:"documents_scanned"`
	DocumentsFailed  int                              `json:"documents_failed"`
	DocumentsSkipped int                              `json:"documents_skipped"`
	Detections       int                              `json:"detections"`
	ByType           map[privacy.PIIType]*TypeSummary `json:"by_type"`
	Error            string                           `json:"error,omitempty"`
}

// Counts converts the summary tallies for the store.
func (s *Summary) Counts() store.ScanCounts {
	return store.ScanCounts{
		Queries:          s.Queries,
		URLsFound:        s.URLsFound,
		DocumentsScanned: s.DocumentsScanned,
		DocumentsFailed:  s.DocumentsFailed,
		Detections:       s.Detections,
	}
}
