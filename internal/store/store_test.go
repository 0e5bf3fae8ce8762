package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raaihank/leak-sentinel/internal/config"
	"github.com/raaihank/leak-sentinel/internal/logger"
	"github.com/raaihank/leak-sentinel/internal/privacy"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := config.GetDefaults().Storage
	cfg.Driver = "sqlite"
	cfg.DSN = filepath.Join(t.TempDir(), "leaks.db")

	s, err := Open(context.Background(), cfg, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), config.StorageConfig{Driver: "mysql"}, nil)
	assert.Error(t, err)
}

func TestScanLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	scan := &Scan{Domain: "gov.in", Types: "national_id,tax_id"}
	require.NoError(t, s.CreateScan(ctx, scan))
	assert.NotEmpty(t, scan.ID)
	assert.Equal(t, StatusInProgress, scan.Status)

	got, err := s.GetScan(ctx, scan.ID)
	require.NoError(t, err)
	assert.Equal(t, "gov.in", got.Domain)
	assert.False(t, got.FinishedAt.Valid)

	detections := []privacy.Detection{
		{Type: privacy.NationalID, Masked: "XXXXXXXX0124", Confidence: 95, Evidence: "Aadhaar: XXXXXXXX0124", Start: 9, End: 21, Checksum: privacy.ChecksumValid},
		{Type: privacy.TaxID, Masked: "XXXXXX234F", Confidence: 80, Evidence: "PAN XXXXXX234F", Start: 30, End: 40, Checksum: privacy.ChecksumNotApplicable},
	}
	require.NoError(t, s.SaveDetections(ctx, scan.ID, "https://x.gov.in/list.pdf", detections))
	require.NoError(t, s.SaveDetections(ctx, scan.ID, "https://x.gov.in/empty.pdf", nil))

	counts := ScanCounts{Queries: 3, URLsFound: 2, DocumentsScanned: 1, DocumentsFailed: 1, Detections: 2}
	require.NoError(t, s.FinishScan(ctx, scan.ID, StatusCompleted, counts, ""))

	got, err = s.GetScan(ctx, scan.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.True(t, got.FinishedAt.Valid)
	assert.Equal(t, 2, got.Detections)
	assert.Equal(t, 1, got.DocumentsFailed)

	leaks, err := s.Leaks(ctx, scan.ID)
	require.NoError(t, err)
	require.Len(t, leaks, 2)
	assert.Equal(t, "national_id", leaks[0].PIIType)
	assert.Equal(t, "XXXXXXXX0124", leaks[0].MaskedValue)
	assert.Equal(t, "valid", leaks[0].Checksum)
	assert.Equal(t, 9, leaks[0].StartOffset)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Scans)
	assert.EqualValues(t, 2, stats.Leaks)
	assert.EqualValues(t, 1, stats.ByType["tax_id"])
}

func TestRecordReport(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	scan := &Scan{Domain: "gov.in"}
	require.NoError(t, s.CreateScan(ctx, scan))

	sent := &Report{
		ScanID:    scan.ID,
		Recipient: "vdisclose@cert-in.org.in",
		Subject:   "Leak Sentinel scan summary: 2 detections on gov.in",
		Status:    ReportSent,
		SentAt:    sql.NullTime{Time: time.Now().UTC(), Valid: true},
	}
	require.NoError(t, s.RecordReport(ctx, sent))
	assert.NotEmpty(t, sent.ID)

	failed := &Report{
		ScanID:    scan.ID,
		Recipient: "vdisclose@cert-in.org.in",
		Subject:   sent.Subject,
		Status:    ReportFailed,
		Error:     "connection refused",
		CreatedAt: sent.CreatedAt.Add(time.Second),
	}
	require.NoError(t, s.RecordReport(ctx, failed))
	require.NoError(t, s.RecordReport(ctx, &Report{Recipient: "ops@example.org", Subject: "test", Status: ReportSent}))

	reports, err := s.Reports(ctx, scan.ID)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, ReportSent, reports[0].Status)
	assert.True(t, reports[0].SentAt.Valid)
	assert.Equal(t, ReportFailed, reports[1].Status)
	assert.False(t, reports[1].SentAt.Valid)
	assert.Equal(t, "connection refused", reports[1].Error)

	none, err := s.Reports(ctx, "nope")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMissingScan(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.GetScan(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.FinishScan(ctx, "nope", StatusFailed, ScanCounts{}, "boom")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListScans(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.CreateScan(ctx, &Scan{Domain: "gov.in"}))
	}

	scans, err := s.ListScans(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, scans, 2)

	scans, err = s.ListScans(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, scans, 3)
}

func TestMaskDSN(t *testing.T) {
	assert.Equal(t, "postgres://user:***@db:5432/leaks", maskDSN("postgres://user:secret@db:5432/leaks"))
	assert.Equal(t, "leaks.db", maskDSN("leaks.db"))
	assert.Equal(t, "postgres://db/leaks", maskDSN("postgres://db/leaks"))
}
