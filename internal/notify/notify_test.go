package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raaihank/leak-sentinel/internal/config"
	"github.com/raaihank/leak-sentinel/internal/logger"
	"github.com/raaihank/leak-sentinel/internal/privacy"
	"github.com/raaihank/leak-sentinel/internal/scan"
	"github.com/raaihank/leak-sentinel/internal/store"
)

func sampleSummary() *scan.Summary {
	started := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	return &scan.Summary{
		ScanID:           "scan-1",
		Status:           "completed",
		Domain:           "gov.in",
		StartedAt:        started,
		FinishedAt:       started.Add(3 * time.Minute),
		Queries:          12,
		URLsFound:        30,
		DocumentsScanned: 28,
		DocumentsFailed:  2,
		Detections:       5,
		ByType: map[privacy.PIIType]*scan.TypeSummary{
			privacy.TaxID:      {Count: 2, Files: 1, AvgConfidence: 80},
			privacy.NationalID: {Count: 3, Files: 2, AvgConfidence: 91.666},
		},
	}
}

func TestBuildReport(t *testing.T) {
	report := BuildReport(sampleSummary())

	assert.Contains(t, report, "Scan scan-1 on gov.in finished with status completed.")
	assert.Contains(t, report, "Total detections:   5")
	assert.Contains(t, report, "- national_id: 3 detections in 2 files, average confidence 91.7")
	assert.Contains(t, report, "- tax_id: 2 detections in 1 files, average confidence 80.0")
	assert.Less(t, strings.Index(report, "national_id"), strings.Index(report, "tax_id"))

	empty := BuildReport(&scan.Summary{ScanID: "s", Domain: "gov.in", Status: "completed"})
	assert.Contains(t, empty, "No personal data was detected.")
}

func TestEmailNotify(t *testing.T) {
	cfg := config.GetDefaults().Report
	cfg.SMTPServer = "smtp.example.org"
	cfg.From = "sentinel@example.org"
	cfg.Password = "secret"
	cfg.To = "vdisclose@cert-in.org.in, soc@example.org"

	recorder := &fakeRecorder{}
	e, err := NewEmail(cfg, recorder, logger.NewNop())
	require.NoError(t, err)
	e.now = func() time.Time { return time.Date(2025, 3, 1, 10, 5, 0, 0, time.UTC) }

	var (
		gotAddr string
		gotTo   []string
		gotMsg  string
	)
	e.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotTo, gotMsg = addr, to, string(msg)
		assert.NotNil(t, a)
		assert.Equal(t, "sentinel@example.org", from)
		return nil
	}

	require.NoError(t, e.Notify(context.Background(), sampleSummary()))
	assert.Equal(t, "smtp.example.org:587", gotAddr)
	assert.Equal(t, []string{"vdisclose@cert-in.org.in", "soc@example.org"}, gotTo)
	assert.Contains(t, gotMsg, "Subject: Leak Sentinel scan summary: 5 detections on gov.in\r\n")
	assert.Contains(t, gotMsg, "Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	assert.Contains(t, gotMsg, "national_id: 3 detections")

	e.send = func(string, smtp.Auth, string, []string, []byte) error { return errors.New("connection refused") }
	assert.Error(t, e.Notify(context.Background(), sampleSummary()))

	require.Len(t, recorder.reports, 2)
	sent, failed := recorder.reports[0], recorder.reports[1]
	assert.Equal(t, "scan-1", sent.ScanID)
	assert.Equal(t, store.ReportSent, sent.Status)
	assert.Equal(t, "vdisclose@cert-in.org.in, soc@example.org", sent.Recipient)
	assert.Equal(t, "Leak Sentinel scan summary: 5 detections on gov.in", sent.Subject)
	assert.True(t, sent.SentAt.Valid)
	assert.Equal(t, store.ReportFailed, failed.Status)
	assert.Equal(t, "connection refused", failed.Error)
	assert.False(t, failed.SentAt.Valid)
}

type fakeRecorder struct {
	reports []*store.Report
	err     error
}

func (f *fakeRecorder) RecordReport(ctx context.Context, report *store.Report) error {
	f.reports = append(f.reports, report)
	return f.err
}

func TestEmailSendTest(t *testing.T) {
	cfg := config.GetDefaults().Report
	cfg.SMTPServer = "smtp.example.org"
	cfg.SMTPPort = 2525
	cfg.From = "sentinel@example.org"
	cfg.To = "ops@example.org"

	recorder := &fakeRecorder{err: errors.New("database is locked")}
	e, err := NewEmail(cfg, recorder, nil)
	require.NoError(t, err)
	e.now = func() time.Time { return time.Date(2025, 3, 1, 10, 5, 0, 0, time.UTC) }

	var gotMsg string
	e.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		assert.Equal(t, "smtp.example.org:2525", addr)
		assert.Nil(t, a)
		gotMsg = string(msg)
		return nil
	}

	// A failing recorder does not fail the delivery.
	require.NoError(t, e.SendTest(context.Background()))
	assert.Contains(t, gotMsg, "Subject: Leak Sentinel scan summary: test message\r\n")
	assert.Contains(t, gotMsg, "sent at 2025-03-01T10:05:00Z")

	require.Len(t, recorder.reports, 1)
	assert.Empty(t, recorder.reports[0].ScanID)
	assert.Equal(t, store.ReportSent, recorder.reports[0].Status)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, e.SendTest(ctx), context.Canceled)
	assert.Len(t, recorder.reports, 1)
}

func TestNewEmailValidation(t *testing.T) {
	_, err := NewEmail(config.GetDefaults().Report, nil, nil)
	assert.Error(t, err)
}

type fakeChannel struct {
	exchange string
	key      string
	msg      amqp.Publishing
	err      error
}

func (f *fakeChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.exchange, f.key, f.msg = exchange, key, msg
	return f.err
}

func (f *fakeChannel) Close() error { return nil }

func TestPublisherEmit(t *testing.T) {
	ch := &fakeChannel{}
	cfg := config.GetDefaults().Events.AMQP
	p := &Publisher{cfg: cfg, logger: logger.NewNop(), channel: ch}

	ev := scan.Event{
		Type:      scan.EventPIIDetection,
		ScanID:    "scan-1",
		Timestamp: time.Now().UTC(),
		Data: scan.DetectionData{
			URL:        "https://x.gov.in/a.pdf",
			Detections: []privacy.Detection{{Type: privacy.TaxID, Masked: "XXXXXX234F", Confidence: 80}},
		},
	}
	require.NoError(t, p.Emit(context.Background(), ev))

	assert.Equal(t, "leak-sentinel.events", ch.exchange)
	assert.Equal(t, "detections.pii_detection", ch.key)
	assert.Equal(t, "application/json", ch.msg.ContentType)
	assert.EqualValues(t, amqp.Persistent, ch.msg.DeliveryMode)
	assert.Equal(t, "scan-1", ch.msg.CorrelationId)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(ch.msg.Body, &decoded))
	assert.Equal(t, "pii_detection", decoded["type"])
	assert.NotContains(t, string(ch.msg.Body), "ABCPE1234F")

	ch.err = errors.New("channel closed")
	assert.Error(t, p.Emit(context.Background(), ev))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Emit(ctx, ev), context.Canceled)
}
