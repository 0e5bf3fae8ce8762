package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raaihank/leak-sentinel/internal/config"
	"github.com/raaihank/leak-sentinel/internal/logger"
	"github.com/raaihank/leak-sentinel/internal/privacy"
	"github.com/raaihank/leak-sentinel/internal/scan"
)

func testConfig() config.WebSocketConfig {
	cfg := config.GetDefaults().WebSocket
	cfg.Username = "admin"
	cfg.Password = "s3cret"
	cfg.Events.BroadcastConnections = false
	return cfg
}

func TestHandleWebSocketAuth(t *testing.T) {
	h := NewHub(testConfig(), logger.NewNop())

	tests := []struct {
		name string
		user string
		pass string
		set  bool
	}{
		{"Missing", "", "", false},
		{"WrongPassword", "admin", "nope", true},
		{"WrongUser", "root", "s3cret", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tt.set {
				req.SetBasicAuth(tt.user, tt.pass)
			}
			rec := httptest.NewRecorder()
			h.HandleWebSocket(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestHubStreamsScanEvents(t *testing.T) {
	h := NewHub(testConfig(), logger.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	header := http.Header{}
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.SetBasicAuth("admin", "s3cret")
	header.Set("Authorization", req.Header.Get("Authorization"))

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return h.GetStats().ActiveConnections == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.Emit(context.Background(), scan.Event{
		Type:   scan.EventScanStarted,
		ScanID: "scan-1",
		Data:   scan.StartedData{Domain: "gov.in", Queries: 4},
	}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got map[string]any
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "scan_started", got["type"])
	assert.Equal(t, "scan-1", got["scan_id"])

	cancel()
	require.Eventually(t, func() bool { return h.GetStats().ActiveConnections == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestEmitRespectsConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Events.BroadcastDetections = false
	h := NewHub(cfg, logger.NewNop())

	require.NoError(t, h.Emit(context.Background(), scan.Event{Type: scan.EventPIIDetection}))
	assert.Len(t, h.broadcast, 0)

	require.NoError(t, h.Emit(context.Background(), scan.Event{Type: scan.EventScanCompleted}))
	assert.Len(t, h.broadcast, 1)

	cfg.Enabled = false
	h = NewHub(cfg, logger.NewNop())
	require.NoError(t, h.Emit(context.Background(), scan.Event{Type: scan.EventScanCompleted}))
	assert.Len(t, h.broadcast, 0)
}

func TestFilterEvent(t *testing.T) {
	detection := Event{
		Type:   EventTypePIIDetection,
		ScanID: "scan-1",
		Data: scan.DetectionData{
			URL: "https://x.gov.in/a.pdf",
			Detections: []privacy.Detection{
				{Type: privacy.NationalID, Masked: "XXXXXXXX0124", Confidence: 95},
				{Type: privacy.TaxID, Masked: "XXXXXX234F", Confidence: 60},
			},
		},
	}

	t.Run("NoSubscription", func(t *testing.T) {
		_, ok := filterEvent(nil, detection)
		assert.True(t, ok)
	})

	t.Run("EventTypeNotSubscribed", func(t *testing.T) {
		_, ok := filterEvent(&SubscriptionRequest{Events: []EventType{EventTypeScanCompleted}}, detection)
		assert.False(t, ok)
	})

	t.Run("PIITypeFilter", func(t *testing.T) {
		out, ok := filterEvent(&SubscriptionRequest{Filter: &EventFilter{PIITypes: []string{"pan"}}}, detection)
		require.True(t, ok)
		dets := out.Data.(scan.DetectionData).Detections
		require.Len(t, dets, 1)
		assert.Equal(t, privacy.TaxID, dets[0].Type)
		assert.Len(t, detection.Data.(scan.DetectionData).Detections, 2)
	})

	t.Run("MinConfidence", func(t *testing.T) {
		_, ok := filterEvent(&SubscriptionRequest{Filter: &EventFilter{MinConfidence: 99}}, detection)
		assert.False(t, ok)
	})

	t.Run("ScanID", func(t *testing.T) {
		_, ok := filterEvent(&SubscriptionRequest{Filter: &EventFilter{ScanID: "other"}}, detection)
		assert.False(t, ok)
	})
}
