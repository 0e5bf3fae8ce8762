package etl

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/segmentio/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raaihank/leak-sentinel/internal/config"
	"github.com/raaihank/leak-sentinel/internal/logger"
	"github.com/raaihank/leak-sentinel/internal/privacy"
	"github.com/raaihank/leak-sentinel/internal/store"
)

const leakyText = "Beneficiary list. Aadhaar: 2345 6789 0124, village Rampur."

type memoryStore struct {
	mu      sync.Mutex
	scans   []*store.Scan
	status  string
	counts  store.ScanCounts
	sources []string
}

func (m *memoryStore) CreateScan(ctx context.Context, scan *store.Scan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scans = append(m.scans, scan)
	return nil
}

func (m *memoryStore) FinishScan(ctx context.Context, id, status string, counts store.ScanCounts, scanErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = status
	m.counts = counts
	return nil
}

func (m *memoryStore) SaveDetections(ctx context.Context, scanID, url string, detections []privacy.Detection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources = append(m.sources, url)
	return nil
}

func newTestPipeline(t *testing.T, st DetectionStore, exporter *Exporter, cfg *Config) *Pipeline {
	t.Helper()
	detector, err := privacy.New(config.GetDefaults().Detection, logger.NewNop())
	require.NoError(t, err)
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.Types = []string{"aadhaar"}
	return NewPipeline(detector, st, exporter, cfg, logger.NewNop())
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func writeCSV(t *testing.T, rows [][]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "records.csv")
	f, err := os.Create(path)
	require.NoError(t, err)
	w := csv.NewWriter(f)
	require.NoError(t, w.WriteAll(rows))
	require.NoError(t, f.Close())
	return path
}

func TestDetectFileFormat(t *testing.T) {
	assert.Equal(t, FormatParquet, DetectFileFormat("a/b.PARQUET"))
	assert.Equal(t, FormatJSON, DetectFileFormat("dump.jsonl"))
	assert.Equal(t, FormatJSON, DetectFileFormat("dump.ndjson"))
	assert.Equal(t, FormatCSV, DetectFileFormat("dump.csv"))
	assert.Equal(t, FormatCSV, DetectFileFormat("dump"))
}

func TestProcessCSV(t *testing.T) {
	path := writeCSV(t, [][]string{
		{"url", "text"},
		{"https://x.gov.in/a.pdf", leakyText},
		{"https://x.gov.in/b.pdf", "Circular regarding office timings."},
		{"https://x.gov.in/c.pdf", leakyText}, // duplicate text
		{"https://x.gov.in/d.pdf", "   "},
	})
	st := &memoryStore{}
	p := newTestPipeline(t, st, nil, nil)

	result, err := p.ProcessFile(context.Background(), path)
	require.NoError(t, err)

	assert.EqualValues(t, 2, result.TotalRecords)
	assert.EqualValues(t, 2, result.ProcessedOK)
	assert.EqualValues(t, 1, result.Duplicates)
	assert.EqualValues(t, 1, result.Invalid)
	assert.EqualValues(t, 1, result.RecordsWithPII)
	assert.EqualValues(t, 1, result.Detections)
	assert.EqualValues(t, 1, result.ByType["national_id"])

	require.Len(t, st.scans, 1)
	assert.Equal(t, result.ScanID, st.scans[0].ID)
	assert.Equal(t, "file:records.csv", st.scans[0].Domain)
	assert.Equal(t, store.StatusCompleted, st.status)
	assert.Equal(t, 1, st.counts.Detections)
	assert.Equal(t, []string{"https://x.gov.in/a.pdf"}, st.sources)

	stats := p.GetStats()
	assert.EqualValues(t, 2, stats.RecordsValid)
	assert.EqualValues(t, 1, stats.DatabaseWrites)
}

func TestProcessCSVWithoutTextColumn(t *testing.T) {
	path := writeCSV(t, [][]string{{"url", "body"}, {"a", "b"}})
	st := &memoryStore{}
	p := newTestPipeline(t, st, nil, nil)

	_, err := p.ProcessFile(context.Background(), path)
	assert.Error(t, err)
	assert.Equal(t, store.StatusFailed, st.status)
}

func TestProcessJSONLinesWithExport(t *testing.T) {
	path := writeFile(t, "dump.jsonl", strings.Join([]string{
		`{"text": "` + leakyText + `"}`,
		`{"source": "memo-7", "text": "Nothing to see here."}`,
	}, "\n"))
	out := filepath.Join(t.TempDir(), "leaks.parquet")
	exporter, err := NewExporter(out)
	require.NoError(t, err)

	p := newTestPipeline(t, nil, exporter, nil)
	result, err := p.ProcessFile(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, exporter.Close())

	assert.Empty(t, result.ScanID)
	assert.EqualValues(t, 2, result.TotalRecords)
	assert.EqualValues(t, 1, result.Detections)
	assert.EqualValues(t, 1, exporter.Rows())

	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()
	reader := parquet.NewReader(f)
	defer reader.Close()

	var row ExportRecord
	require.NoError(t, reader.Read(&row))
	assert.Equal(t, "dump.jsonl#1", row.Source)
	assert.Equal(t, "national_id", row.PIIType)
	assert.Equal(t, "XXXXXXXXXX0124", row.MaskedValue)
	assert.Equal(t, "valid", row.Checksum)
	assert.NotContains(t, row.Evidence, "2345 6789")
	assert.ErrorIs(t, reader.Read(&row), io.EOF)
}

func TestProcessParquet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.parquet")
	f, err := os.Create(path)
	require.NoError(t, err)
	w := parquet.NewGenericWriter[DataRecord](f)
	_, err = w.Write([]DataRecord{
		{Source: "row-a", Text: leakyText},
		{Source: "row-b", Text: "Aadhaar: 2345 6789 0123 is a typo"},
		{Source: "row-c", Text: "no identifiers"},
	})
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())

	cfg := DefaultConfig()
	cfg.BatchSize = 2
	cfg.WorkerCount = 2
	p := newTestPipeline(t, nil, nil, cfg)

	result, err := p.ProcessFile(context.Background(), path)
	require.NoError(t, err)
	assert.EqualValues(t, 3, result.TotalRecords)
	assert.EqualValues(t, 3, result.ProcessedOK)
	assert.EqualValues(t, 2, p.GetStats().CurrentBatch)
	assert.GreaterOrEqual(t, result.Detections, int64(1))
}

func TestValidateRecordLength(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxTextLength = 10
	p := newTestPipeline(t, nil, nil, cfg)

	result := &ProcessingResult{ByType: map[string]int64{}}
	assert.False(t, p.validateRecord(&DataRecord{Text: strings.Repeat("a", 11)}, result))
	assert.True(t, p.validateRecord(&DataRecord{Text: "short"}, result))
	assert.False(t, p.validateRecord(&DataRecord{Text: "short"}, result))
	assert.EqualValues(t, 1, result.Invalid)
	assert.EqualValues(t, 1, result.Duplicates)
}

func TestUnknownTypes(t *testing.T) {
	detector, err := privacy.New(config.GetDefaults().Detection, nil)
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.Types = []string{"ssn"}
	p := NewPipeline(detector, nil, nil, cfg, nil)

	_, err = p.ProcessFile(context.Background(), writeFile(t, "x.csv", "text\nhello\n"))
	assert.ErrorIs(t, err, privacy.ErrUnknownType)
}
