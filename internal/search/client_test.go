package search

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raaihank/leak-sentinel/internal/config"
	"github.com/raaihank/leak-sentinel/internal/logger"
	"github.com/raaihank/leak-sentinel/internal/privacy"
	"github.com/raaihank/leak-sentinel/internal/quota"
)

func writeError(w http.ResponseWriter, code int, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": reason,
			"errors":  []map[string]string{{"reason": reason, "message": reason}},
		},
	})
}

func writeItems(w http.ResponseWriter, links ...string) {
	items := make([]map[string]string, 0, len(links))
	for _, l := range links {
		items = append(items, map[string]string{"link": l, "title": "doc", "mime": "application/pdf"})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"items": items})
}

func newTestClient(t *testing.T, handler http.HandlerFunc, pairs []quota.KeyPair, ceiling int) (*Client, *quota.Rotator) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	rot, err := quota.NewRotator(pairs, ceiling)
	require.NoError(t, err)

	cfg := config.GetDefaults().Search
	cfg.Endpoint = srv.URL + "/"
	cfg.MaxRetries = 2
	cfg.RetryBackoff = time.Millisecond

	return New(cfg, rot, nil, nil, logger.NewNop()), rot
}

func TestSearch(t *testing.T) {
	pairs := []quota.KeyPair{{Key: "key-a", EngineID: "cx-a"}, {Key: "key-b", EngineID: "cx-b"}}

	t.Run("ReturnsResults", func(t *testing.T) {
		var gotKey, gotCx, gotQ, gotPath string
		c, rot := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			gotKey = r.URL.Query().Get("key")
			gotCx = r.URL.Query().Get("cx")
			gotQ = r.URL.Query().Get("q")
			writeItems(w, "https://a.gov.in/1.pdf", "https://a.gov.in/2.pdf")
		}, pairs, 5)

		results, err := c.Search(context.Background(), `site:gov.in ext:pdf "aadhaar"`, 10)
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.Equal(t, "https://a.gov.in/1.pdf", results[0].URL)
		assert.Equal(t, "application/pdf", results[0].Mime)

		assert.Equal(t, "/customsearch/v1", gotPath)
		assert.Equal(t, "key-a", gotKey)
		assert.Equal(t, "cx-a", gotCx)
		assert.Equal(t, `site:gov.in ext:pdf "aadhaar"`, gotQ)
		assert.Equal(t, 1, rot.Stats()[0].Used)
		assert.Equal(t, 0, rot.Stats()[0].Reserved)
	})

	t.Run("RotatesPastExhaustedKey", func(t *testing.T) {
		c, rot := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("key") == "key-a" {
				writeError(w, http.StatusTooManyRequests, "rateLimitExceeded")
				return
			}
			writeItems(w, "https://b.gov.in/x.pdf")
		}, pairs, 5)

		results, err := c.Search(context.Background(), "q", 10)
		require.NoError(t, err)
		require.Len(t, results, 1)

		stats := rot.Stats()
		assert.True(t, stats[0].Exhausted)
		assert.False(t, stats[1].Exhausted)
		assert.Equal(t, 1, stats[1].Used)
	})

	t.Run("AllKeysExhausted", func(t *testing.T) {
		var calls atomic.Int32
		c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			writeError(w, http.StatusForbidden, "dailyLimitExceeded")
		}, pairs, 5)

		_, err := c.Search(context.Background(), "q", 10)
		assert.ErrorIs(t, err, quota.ErrNoUsableKeys)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("RetriesServerErrors", func(t *testing.T) {
		var calls atomic.Int32
		c, rot := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			writeError(w, http.StatusInternalServerError, "backendError")
		}, pairs, 100)

		_, err := c.Search(context.Background(), "q", 10)
		require.Error(t, err)
		assert.NotErrorIs(t, err, quota.ErrNoUsableKeys)
		assert.Equal(t, int32(3), calls.Load(), "one call plus MaxRetries retries")

		used := 0
		for _, s := range rot.Stats() {
			used += s.Used
			assert.Equal(t, 0, s.Reserved)
		}
		assert.Equal(t, 3, used)
	})

	t.Run("RecoversAfterTransientError", func(t *testing.T) {
		var calls atomic.Int32
		c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				writeError(w, http.StatusServiceUnavailable, "backendError")
				return
			}
			writeItems(w, "https://c.gov.in/y.docx")
		}, pairs, 100)

		results, err := c.Search(context.Background(), "q", 10)
		require.NoError(t, err)
		assert.Len(t, results, 1)
	})
}

func TestBuildDorks(t *testing.T) {
	dorks := BuildDorks("gov.in", []privacy.PIIType{privacy.NationalID}, []string{"pdf", ".DOCX"})

	require.Len(t, dorks, 8)
	assert.Equal(t, `site:gov.in ext:pdf "aadhaar"`, dorks[0])
	assert.Equal(t, `site:gov.in ext:docx "aadhaar"`, dorks[1])
	assert.Contains(t, dorks, `site:gov.in ext:pdf "uidai"`)

	noDomain := BuildDorks("", []privacy.PIIType{privacy.Passport}, []string{"pdf", "pdf"})
	assert.Equal(t, []string{`ext:pdf "passport"`, `ext:pdf "passport number"`}, noDomain)
}
