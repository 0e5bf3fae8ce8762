// Package store persists scans and their detections.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/raaihank/leak-sentinel/internal/config"
	"github.com/raaihank/leak-sentinel/internal/logger"
	"github.com/raaihank/leak-sentinel/internal/privacy"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS scans (
		id                TEXT PRIMARY KEY,
		status            TEXT NOT NULL,
		domain            TEXT NOT NULL DEFAULT '',
		types             TEXT NOT NULL DEFAULT '',
		started_at        TIMESTAMP NOT NULL,
		finished_at       TIMESTAMP NULL,
		queries           INTEGER NOT NULL DEFAULT 0,
		urls_found        INTEGER NOT NULL DEFAULT 0,
		documents_scanned INTEGER NOT NULL DEFAULT 0,
		documents_failed  INTEGER NOT NULL DEFAULT 0,
		detections        INTEGER NOT NULL DEFAULT 0,
		error             TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS detected_leaks (
		id           TEXT PRIMARY KEY,
		scan_id      TEXT NOT NULL,
		url          TEXT NOT NULL,
		pii_type     TEXT NOT NULL,
		masked_value TEXT NOT NULL,
		confidence   DOUBLE PRECISION NOT NULL,
		evidence     TEXT NOT NULL,
		start_offset INTEGER NOT NULL,
		end_offset   INTEGER NOT NULL,
		checksum     TEXT NOT NULL,
		detected_at  TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS email_reports (
		id         TEXT PRIMARY KEY,
		scan_id    TEXT NOT NULL DEFAULT '',
		recipient  TEXT NOT NULL,
		subject    TEXT NOT NULL,
		status     TEXT NOT NULL,
		error      TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		sent_at    TIMESTAMP NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_detected_leaks_scan ON detected_leaks (scan_id)`,
	`CREATE INDEX IF NOT EXISTS idx_email_reports_scan ON email_reports (scan_id)`,
	`CREATE INDEX IF NOT EXISTS idx_scans_started ON scans (started_at)`,
}

const scanColumns = `id, status, domain, types, started_at, finished_at, queries, urls_found,
	documents_scanned, documents_failed, detections, error`

// Store handles scan and detection persistence with SQLite or PostgreSQL.
type Store struct {
	db     *sqlx.DB
	driver string
	logger *logger.Logger
	now    func() time.Time
}

// Open connects to the configured database and applies the schema.
func Open(ctx context.Context, cfg config.StorageConfig, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.NewNop()
	}

	driver := cfg.Driver
	if driver != "sqlite" && driver != "postgres" {
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}

	db, err := sqlx.ConnectContext(ctx, driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if driver == "sqlite" {
		// SQLite allows a single writer.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	s := &Store{
		db:     db,
		driver: driver,
		logger: log,
		now:    func() time.Time { return time.Now().UTC() },
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	log.Info("Detection store initialized",
		zap.String("driver", driver),
		zap.String("dsn", maskDSN(cfg.DSN)),
	)

	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// CreateScan inserts a new scan. Empty ID, status and start time are filled
// in.
func (s *Store) CreateScan(ctx context.Context, scan *Scan) error {
	if scan.ID == "" {
		scan.ID = uuid.NewString()
	}
	if scan.Status == "" {
		scan.Status = StatusInProgress
	}
	if scan.StartedAt.IsZero() {
		scan.StartedAt = s.now()
	}

	query := s.db.Rebind(`INSERT INTO scans (id, status, domain, types, started_at) VALUES (?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query, scan.ID, scan.Status, scan.Domain, scan.Types, scan.StartedAt); err != nil {
		return fmt.Errorf("failed to insert scan: %w", err)
	}
	return nil
}

// FinishScan records the final status and counts of a scan.
func (s *Store) FinishScan(ctx context.Context, id, status string, counts ScanCounts, scanErr string) error {
	query := s.db.Rebind(`UPDATE scans SET status = ?, finished_at = ?, queries = ?, urls_found = ?,
		documents_scanned = ?, documents_failed = ?, detections = ?, error = ? WHERE id = ?`)

	res, err := s.db.ExecContext(ctx, query,
		status, s.now(), counts.Queries, counts.URLsFound,
		counts.DocumentsScanned, counts.DocumentsFailed, counts.Detections, scanErr, id)
	if err != nil {
		return fmt.Errorf("failed to finish scan: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("scan %s: %w", id, ErrNotFound)
	}
	return nil
}

// SaveDetections stores the detections found in one document.
func (s *Store) SaveDetections(ctx context.Context, scanID, url string, detections []privacy.Detection) error {
	if len(detections) == 0 {
		return nil
	}

	start := time.Now()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	query := tx.Rebind(`INSERT INTO detected_leaks
		(id, scan_id, url, pii_type, masked_value, confidence, evidence, start_offset, end_offset, checksum, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	now := s.now()
	for _, d := range detections {
		if _, err := tx.ExecContext(ctx, query,
			uuid.NewString(), scanID, url, string(d.Type), d.Masked, d.Confidence,
			d.Evidence, d.Start, d.End, string(d.Checksum), now,
		); err != nil {
			return fmt.Errorf("failed to insert detection: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit detections: %w", err)
	}

	s.logger.Debug("Detections stored",
		zap.String("scan_id", scanID),
		zap.String("url", url),
		zap.Int("count", len(detections)),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}

// GetScan loads one scan.
func (s *Store) GetScan(ctx context.Context, id string) (*Scan, error) {
	var scan Scan
	query := s.db.Rebind(`SELECT ` + scanColumns + ` FROM scans WHERE id = ?`)
	if err := s.db.GetContext(ctx, &scan, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("scan %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load scan: %w", err)
	}
	return &scan, nil
}

// ListScans returns the most recent scans first.
func (s *Store) ListScans(ctx context.Context, limit int) ([]Scan, error) {
	if limit <= 0 {
		limit = 20
	}
	scans := []Scan{}
	query := s.db.Rebind(`SELECT ` + scanColumns + ` FROM scans ORDER BY started_at DESC LIMIT ?`)
	if err := s.db.SelectContext(ctx, &scans, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list scans: %w", err)
	}
	return scans, nil
}

// Leaks returns the detections of a scan, highest confidence first.
func (s *Store) Leaks(ctx context.Context, scanID string) ([]Leak, error) {
	leaks := []Leak{}
	query := s.db.Rebind(`SELECT id, scan_id, url, pii_type, masked_value, confidence, evidence,
		start_offset, end_offset, checksum, detected_at
		FROM detected_leaks WHERE scan_id = ? ORDER BY confidence DESC, url, start_offset`)
	if err := s.db.SelectContext(ctx, &leaks, query, scanID); err != nil {
		return nil, fmt.Errorf("failed to load detections: %w", err)
	}
	return leaks, nil
}

// RecordReport stores the outcome of one report email. Empty ID and creation
// time are filled in.
func (s *Store) RecordReport(ctx context.Context, report *Report) error {
	if report.ID == "" {
		report.ID = uuid.NewString()
	}
	if report.CreatedAt.IsZero() {
		report.CreatedAt = s.now()
	}

	query := s.db.Rebind(`INSERT INTO email_reports
		(id, scan_id, recipient, subject, status, error, created_at, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query, report.ID, report.ScanID, report.Recipient,
		report.Subject, report.Status, report.Error, report.CreatedAt, report.SentAt); err != nil {
		return fmt.Errorf("failed to insert email report: %w", err)
	}
	return nil
}

// Reports returns the report emails of a scan, oldest first.
func (s *Store) Reports(ctx context.Context, scanID string) ([]Report, error) {
	reports := []Report{}
	query := s.db.Rebind(`SELECT id, scan_id, recipient, subject, status, error, created_at, sent_at
		FROM email_reports WHERE scan_id = ? ORDER BY created_at`)
	if err := s.db.SelectContext(ctx, &reports, query, scanID); err != nil {
		return nil, fmt.Errorf("failed to load email reports: %w", err)
	}
	return reports, nil
}

// Stats counts scans and detections by type.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ByType: make(map[string]int64)}

	if err := s.db.GetContext(ctx, &stats.Scans, `SELECT COUNT(*) FROM scans`); err != nil {
		return nil, fmt.Errorf("failed to count scans: %w", err)
	}

	rows, err := s.db.QueryxContext(ctx, `SELECT pii_type, COUNT(*) FROM detected_leaks GROUP BY pii_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to count detections: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			piiType string
			n       int64
		)
		if err := rows.Scan(&piiType, &n); err != nil {
			return nil, fmt.Errorf("failed to scan detection count: %w", err)
		}
		stats.ByType[piiType] = n
		stats.Leaks += n
	}

	return stats, rows.Err()
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// maskDSN masks the password in a database URL for logging
func maskDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	if at < 0 {
		return dsn
	}
	start := 0
	if i := strings.Index(dsn, "://"); i >= 0 && i < at {
		start = i + 3
	}
	colon := strings.Index(dsn[start:at], ":")
	if colon < 0 {
		return dsn
	}
	return dsn[:start+colon+1] + "***" + dsn[at:]
}
