package scan

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/raaihank/leak-sentinel/internal/config"
	"github.com/raaihank/leak-sentinel/internal/fetch"
	"github.com/raaihank/leak-sentinel/internal/logger"
	"github.com/raaihank/leak-sentinel/internal/metrics"
	"github.com/raaihank/leak-sentinel/internal/privacy"
	"github.com/raaihank/leak-sentinel/internal/quota"
	"github.com/raaihank/leak-sentinel/internal/search"
	"github.com/raaihank/leak-sentinel/internal/store"
)

var (
	// ErrUnknownScan is returned by Cancel for scans that are not running.
	ErrUnknownScan = errors.New("scan is not running")
	// ErrInvalidRequest wraps request validation failures.
	ErrInvalidRequest = errors.New("invalid scan request")
)

// Options holds the collaborators of a Scanner. Searcher and Source are
// required; the rest may be left nil.
type Options struct {
	Searcher  Searcher
	Source    DocumentSource
	Store     Store
	Seen      SeenCache
	Sinks     []EventSink
	Notifiers []Notifier
	Metrics   *metrics.Metrics
	Logger    *logger.Logger
}

// Scanner orchestrates scans.
type Scanner struct {
	cfg      config.ScanConfig
	detector atomic.Pointer[privacy.Detector]

	searcher  Searcher
	source    DocumentSource
	store     Store
	seen      SeenCache
	sinks     []EventSink
	notifiers []Notifier
	metrics   *metrics.Metrics
	logger    *logger.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
	now     func() time.Time
}

// New creates a scanner.
func New(cfg config.ScanConfig, detector *privacy.Detector, opts Options) (*Scanner, error) {
	if detector == nil {
		return nil, errors.New("scanner requires a detector")
	}
	if opts.Searcher == nil || opts.Source == nil {
		return nil, errors.New("scanner requires a searcher and a document source")
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}

	s := &Scanner{
		cfg:       cfg,
		searcher:  opts.Searcher,
		source:    opts.Source,
		store:     opts.Store,
		seen:      opts.Seen,
		sinks:     opts.Sinks,
		notifiers: opts.Notifiers,
		metrics:   opts.Metrics,
		logger:    opts.Logger.WithComponent("scanner"),
		running:   make(map[string]context.CancelFunc),
		now:       func() time.Time { return time.Now().UTC() },
	}
	s.detector.Store(detector)
	return s, nil
}

// SetDetector swaps the detector used by subsequent documents.
func (s *Scanner) SetDetector(d *privacy.Detector) {
	if d != nil {
		s.detector.Store(d)
	}
}

// DefaultRequest returns a request filled from the scan configuration.
func (s *Scanner) DefaultRequest() Request {
	return Request{
		FileTypes:       append([]string(nil), s.cfg.FileTypes...),
		Domain:          s.cfg.Domain,
		MaxQueries:      s.cfg.MaxQueries,
		ResultsPerQuery: s.cfg.ResultsPerQuery,
		SendReport:      s.cfg.SendReport,
	}
}

// plan is a validated request.
type plan struct {
	types     []privacy.PIIType
	fileTypes []string
	domain    string
	dorks     []string
	perQuery  int
	report    bool
}

func (s *Scanner) plan(req Request) (*plan, error) {
	p := &plan{
		domain:    strings.TrimSpace(req.Domain),
		fileTypes: req.FileTypes,
		perQuery:  req.ResultsPerQuery,
		report:    req.SendReport,
	}
	if p.domain == "" {
		p.domain = s.cfg.Domain
	}
	if p.domain == "" {
		return nil, fmt.Errorf("%w: domain is required", ErrInvalidRequest)
	}
	if len(p.fileTypes) == 0 {
		p.fileTypes = s.cfg.FileTypes
	}
	if p.perQuery <= 0 {
		p.perQuery = s.cfg.ResultsPerQuery
	}

	if len(req.Types) == 0 {
		p.types = s.detector.Load().EnabledTypes()
	} else {
		types, err := privacy.ParsePIITypes(req.Types)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		p.types = types
	}

	p.dorks = search.BuildDorks(p.domain, p.types, p.fileTypes)
	maxQueries := req.MaxQueries
	if maxQueries <= 0 {
		maxQueries = s.cfg.MaxQueries
	}
	if maxQueries > 0 && len(p.dorks) > maxQueries {
		p.dorks = p.dorks[:maxQueries]
	}
	return p, nil
}

// Run executes a scan synchronously. A scan that runs out of search quota
// ends with status quota_exhausted and a nil error; the documents found
// before that point are still processed.
func (s *Scanner) Run(ctx context.Context, scanID string, req Request) (*Summary, error) {
	if scanID == "" {
		scanID = uuid.NewString()
	}
	p, err := s.plan(req)
	if err != nil {
		return nil, err
	}
	summary, err := s.begin(ctx, scanID, p)
	if err != nil {
		return nil, err
	}
	return s.execute(ctx, summary, p)
}

// Start validates req, records the scan and runs it in the background. The
// scan outlives ctx; use Cancel or Shutdown to stop it.
func (s *Scanner) Start(ctx context.Context, req Request) (string, error) {
	p, err := s.plan(req)
	if err != nil {
		return "", err
	}

	scanID := uuid.NewString()
	summary, err := s.begin(ctx, scanID, p)
	if err != nil {
		return "", err
	}

	scanCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.running[scanID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.running, scanID)
			s.mu.Unlock()
			cancel()
		}()
		if _, err := s.execute(scanCtx, summary, p); err != nil {
			s.logger.Warn("Scan ended with error", zap.String("scan_id", scanID), zap.Error(err))
		}
	}()

	return scanID, nil
}

// Cancel stops a running scan.
func (s *Scanner) Cancel(scanID string) error {
	s.mu.Lock()
	cancel, ok := s.running[scanID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownScan, scanID)
	}
	cancel()
	return nil
}

// Running returns the ids of background scans still in progress.
func (s *Scanner) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Shutdown cancels background scans and waits for them to record their
// final state.
func (s *Scanner) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, cancel := range s.running {
		cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scanner) begin(ctx context.Context, scanID string, p *plan) (*Summary, error) {
	summary := &Summary{
		ScanID:    scanID,
		Status:    store.StatusInProgress,
		Domain:    p.domain,
		Types:     p.types,
		StartedAt: s.now(),
		ByType:    make(map[privacy.PIIType]*TypeSummary),
	}

	if s.store != nil {
		rec := &store.Scan{
			ID:        scanID,
			Status:    store.StatusInProgress,
			Domain:    p.domain,
			Types:     joinTypes(p.types),
			StartedAt: summary.StartedAt,
		}
		if err := s.store.CreateScan(ctx, rec); err != nil {
			return nil, fmt.Errorf("record scan: %w", err)
		}
	}
	return summary, nil
}

func (s *Scanner) execute(ctx context.Context, summary *Summary, p *plan) (*Summary, error) {
	log := s.logger.WithScanID(summary.ScanID)
	start := time.Now()
	s.metrics.ScanStarted()

	log.Info("Scan started",
		zap.String("domain", p.domain),
		zap.String("types", joinTypes(p.types)),
		zap.Int("queries", len(p.dorks)),
	)

	s.emit(ctx, Event{
		Type:      EventScanStarted,
		ScanID:    summary.ScanID,
		Timestamp: s.now(),
		Data: StartedData{
			Domain:    p.domain,
			Types:     typeNames(p.types),
			FileTypes: p.fileTypes,
			Queries:   len(p.dorks),
		},
	})

	t := newTally(summary)
	workers := s.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	var g errgroup.Group
	g.SetLimit(workers)

	visited := make(map[string]bool)
	exhausted := false

queries:
	for _, dork := range p.dorks {
		if ctx.Err() != nil {
			break
		}

		results, err := s.searcher.Search(ctx, dork, p.perQuery)
		switch {
		case errors.Is(err, quota.ErrNoUsableKeys):
			log.Warn("Search quota exhausted, finishing with discovered documents",
				zap.Int("queries_run", summary.Queries))
			exhausted = true
			break queries
		case ctx.Err() != nil:
			break queries
		case err != nil:
			log.Warn("Search query failed", zap.String("query", dork), zap.Error(err))
			t.add(func(sum *Summary) { sum.Queries++ })
			continue
		}
		t.add(func(sum *Summary) { sum.Queries++ })

		for _, r := range results {
			if r.URL == "" || visited[r.URL] {
				continue
			}
			visited[r.URL] = true
			t.add(func(sum *Summary) { sum.URLsFound++ })
			s.metrics.URLDiscovered()

			url := r.URL
			g.Go(func() error {
				s.scanDocument(ctx, log, t, p, url)
				return nil
			})
		}
	}
	_ = g.Wait()

	var runErr error
	switch {
	case ctx.Err() != nil:
		summary.Status = store.StatusFailed
		summary.Error = ctx.Err().Error()
		runErr = ctx.Err()
	case exhausted:
		summary.Status = store.StatusQuotaExhausted
	default:
		summary.Status = store.StatusCompleted
	}
	summary.FinishedAt = s.now()
	t.finish()

	s.finish(ctx, log, summary, p.report)
	s.metrics.ScanFinished(summary.Status, time.Since(start))

	log.Info("Scan finished",
		zap.String("status", summary.Status),
		zap.Int("queries", summary.Queries),
		zap.Int("urls_found", summary.URLsFound),
		zap.Int("documents_scanned", summary.DocumentsScanned),
		zap.Int("documents_failed", summary.DocumentsFailed),
		zap.Int("detections", summary.Detections),
		zap.Duration("duration", time.Since(start)),
	)

	return summary, runErr
}

func (s *Scanner) scanDocument(ctx context.Context, log *logger.Logger, t *tally, p *plan, url string) {
	if ctx.Err() != nil {
		return
	}

	if s.seen != nil {
		seen, err := s.seen.MarkSeen(ctx, url)
		if err != nil {
			log.Warn("Seen-URL cache unavailable", zap.Error(err))
		} else if seen {
			t.add(func(sum *Summary) { sum.DocumentsSkipped++ })
			return
		}
	}

	doc, err := s.source.Fetch(ctx, url)
	if err != nil {
		ext := fetch.Extension("", url)
		if ext == "" {
			ext = "unknown"
		}
		s.metrics.Document(ext, "failed", 0)
		t.add(func(sum *Summary) { sum.DocumentsFailed++ })
		log.Debug("Document skipped", zap.String("url", url), zap.Error(err))
		// A failed download gets another chance in the next scan.
		if s.seen != nil {
			if err := s.seen.Forget(context.WithoutCancel(ctx), url); err != nil {
				log.Warn("Failed to forget URL", zap.String("url", url), zap.Error(err))
			}
		}
		return
	}
	s.metrics.Document(doc.Extension, "scanned", doc.Size)

	detections := s.detector.Load().Detect(doc.Text, url, p.types)
	t.record(url, detections)
	if len(detections) == 0 {
		return
	}

	for _, d := range detections {
		s.metrics.Detection(string(d.Type), d.Confidence)
	}

	log.Info("PII detected in document",
		zap.String("url", url),
		zap.Int("detections", len(detections)),
	)

	if s.store != nil {
		if err := s.store.SaveDetections(ctx, t.scanID(), url, detections); err != nil {
			log.Error("Failed to store detections", zap.String("url", url), zap.Error(err))
		}
	}

	s.emit(ctx, Event{
		Type:      EventPIIDetection,
		ScanID:    t.scanID(),
		Timestamp: s.now(),
		Data:      DetectionData{URL: url, Detections: detections},
	})
}

func (s *Scanner) finish(ctx context.Context, log *logger.Logger, summary *Summary, report bool) {
	// The final state is recorded even when the scan was cancelled.
	ctx = context.WithoutCancel(ctx)

	if s.store != nil {
		if err := s.store.FinishScan(ctx, summary.ScanID, summary.Status, summary.Counts(), summary.Error); err != nil {
			log.Error("Failed to record scan result", zap.Error(err))
		}
	}

	s.emit(ctx, Event{
		Type:      EventScanCompleted,
		ScanID:    summary.ScanID,
		Timestamp: s.now(),
		Data:      summary,
	})

	if !report || summary.Detections == 0 {
		return
	}
	for _, n := range s.notifiers {
		if err := n.Notify(ctx, summary); err != nil {
			log.Error("Failed to send scan report", zap.Error(err))
		}
	}
}

func (s *Scanner) emit(ctx context.Context, ev Event) {
	for _, sink := range s.sinks {
		if err := sink.Emit(ctx, ev); err != nil {
			s.logger.Warn("Failed to emit event",
				zap.String("event_type", string(ev.Type)),
				zap.String("scan_id", ev.ScanID),
				zap.Error(err),
			)
		}
	}
}

// tally accumulates per-document results from concurrent workers.
type tally struct {
	mu      sync.Mutex
	summary *Summary
	files   map[privacy.PIIType]map[string]bool
	conf    map[privacy.PIIType]float64
}

func newTally(summary *Summary) *tally {
	return &tally{
		summary: summary,
		files:   make(map[privacy.PIIType]map[string]bool),
		conf:    make(map[privacy.PIIType]float64),
	}
}

func (t *tally) scanID() string { return t.summary.ScanID }

func (t *tally) add(fn func(*Summary)) {
	t.mu.Lock()
	fn(t.summary)
	t.mu.Unlock()
}

func (t *tally) record(url string, detections []privacy.Detection) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.summary.DocumentsScanned++
	t.summary.Detections += len(detections)
	for _, d := range detections {
		ts, ok := t.summary.ByType[d.Type]
		if !ok {
			ts = &TypeSummary{}
			t.summary.ByType[d.Type] = ts
			t.files[d.Type] = make(map[string]bool)
		}
		ts.Count++
		t.conf[d.Type] += d.Confidence
		t.files[d.Type][url] = true
	}
}

// finish computes files and average confidence per type. Called after all
// workers are done.
func (t *tally) finish() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for typ, ts := range t.summary.ByType {
		ts.Files = len(t.files[typ])
		if ts.Count > 0 {
			ts.AvgConfidence = t.conf[typ] / float64(ts.Count)
		}
	}
}

func typeNames(types []privacy.PIIType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

func joinTypes(types []privacy.PIIType) string {
	return strings.Join(typeNames(types), ",")
}
