package privacy

import (
	"fmt"
	"sort"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/raaihank/leak-sentinel/internal/config"
	"github.com/raaihank/leak-sentinel/internal/logger"
)

// Detector finds, scores and masks PII in extracted document text. It holds
// no per-call state and is safe for concurrent use.
type Detector struct {
	library       *Library
	scorer        Scorer
	enabled       []PIIType
	minConfidence float64
	logger        *logger.Logger
}

// New creates a detector from the detection section of the configuration.
func New(cfg config.DetectionConfig, log *logger.Logger) (*Detector, error) {
	if log == nil {
		log = logger.NewNop()
	}

	overrides := make(map[PIIType]Override, len(cfg.Types))
	for name, o := range cfg.Types {
		t, err := ParsePIIType(name)
		if err != nil {
			return nil, fmt.Errorf("failed to configure detectors: %w", err)
		}
		overrides[t] = Override{
			BaseWeight:              o.BaseWeight,
			RejectOnChecksumFailure: o.RejectOnChecksumFailure,
			ExtraKeywords:           o.ExtraKeywords,
		}
	}

	library, err := NewLibrary(overrides)
	if err != nil {
		return nil, fmt.Errorf("failed to build pattern library: %w", err)
	}

	names := cfg.EnabledTypes
	if len(names) == 0 {
		names = []string{"all"}
	}
	enabled, err := ParsePIITypes(names)
	if err != nil {
		return nil, fmt.Errorf("failed to configure detectors: %w", err)
	}

	maskChar := 'X'
	if r, size := utf8.DecodeRuneInString(cfg.MaskChar); size > 0 && r != utf8.RuneError {
		maskChar = r
	}

	d := &Detector{
		library: library,
		scorer: Scorer{
			ScoreRadius:    cfg.ScoreRadius,
			EvidenceRadius: cfg.EvidenceRadius,
			MaskChar:       maskChar,
		},
		enabled:       enabled,
		minConfidence: cfg.MinConfidence,
		logger:        log,
	}

	log.Info("Privacy detector initialized",
		zap.Int("total_types", len(library.Types())),
		zap.Int("enabled_types", len(enabled)),
		zap.Float64("min_confidence", cfg.MinConfidence),
	)

	return d, nil
}

// EnabledTypes returns the types scanned when Detect is called with nil.
func (d *Detector) EnabledTypes() []PIIType {
	out := make([]PIIType, len(d.enabled))
	copy(out, d.enabled)
	return out
}

// Library exposes the descriptors the detector was built with.
func (d *Detector) Library() *Library {
	return d.library
}

// Detect scans text for the enabled PII types and returns non-overlapping
// detections ordered by position. A nil enabled slice means the detector's
// configured default set. Text that is not valid UTF-8 yields no detections.
func (d *Detector) Detect(text, source string, enabled []PIIType) []Detection {
	if text == "" || !utf8.ValidString(text) {
		return []Detection{}
	}
	if enabled == nil {
		enabled = d.enabled
	}

	var candidates []Scored
	for _, t := range enabled {
		spec, ok := d.library.Spec(t)
		if !ok {
			continue
		}
		for _, m := range d.collect(text, spec) {
			scored, keep := d.scorer.Score(text, m.RawMatch, spec)
			if !keep {
				continue
			}
			scored.pattern = m.pattern
			candidates = append(candidates, scored)
		}
	}

	accepted := resolveOverlaps(candidates)

	detections := make([]Detection, 0, len(accepted))
	for i, a := range accepted {
		if a.Confidence < d.minConfidence {
			continue
		}
		detections = append(detections, Detection{
			Type:       a.Type,
			Masked:     Mask(a.Text, d.scorer.MaskChar),
			Confidence: a.Confidence,
			Evidence:   d.scorer.evidence(text, accepted, i),
			Source:     source,
			Start:      a.Start,
			End:        a.End,
			Checksum:   a.Checksum,
		})
	}

	if len(detections) > 0 {
		d.logger.Debug("PII detected",
			zap.String("source", source),
			zap.Int("candidates", len(candidates)),
			zap.Int("detections", len(detections)),
		)
	}

	return detections
}

type patternMatch struct {
	RawMatch
	pattern int
}

// collect runs every pattern of spec and drops duplicate spans.
func (d *Detector) collect(text string, spec *TypeSpec) []patternMatch {
	var out []patternMatch
	seen := make(map[[2]int]bool)
	for pi, re := range spec.Patterns {
		for _, loc := range re.FindAllStringIndex(text, -1) {
			key := [2]int{loc[0], loc[1]}
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, patternMatch{
				RawMatch: RawMatch{Type: spec.Type, Text: text[loc[0]:loc[1]], Start: loc[0], End: loc[1]},
				pattern:  pi,
			})
		}
	}
	return out
}

// resolveOverlaps greedily keeps the highest scoring candidates whose spans
// do not intersect an already kept one, then orders the survivors by start.
func resolveOverlaps(candidates []Scored) []Scored {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		if la, lb := a.End-a.Start, b.End-b.Start; la != lb {
			return la > lb
		}
		if a.order != b.order {
			return a.order < b.order
		}
		return a.pattern < b.pattern
	})

	var kept []Scored
	for _, c := range candidates {
		overlaps := false
		for _, k := range kept {
			if c.Start < k.End && k.Start < c.End {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, c)
		}
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].Start < kept[j].Start })
	return kept
}
