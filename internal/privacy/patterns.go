package privacy

import (
	"fmt"
	"regexp"
	"strings"
)

// TypeSpec describes how one PII type is found and scored. Specs are built
// once by NewLibrary and never mutated afterwards.
type TypeSpec struct {
	Type     PIIType
	Patterns []*regexp.Regexp
	Keywords []string

	// Validator is the checksum check, nil when the format has none.
	Validator func(match string) bool
	// Qualifier is a softer structural check that earns QualifierBonus.
	// It sees the match and the scoring window around it.
	Qualifier      func(match, window string) bool
	QualifierBonus float64

	BaseWeight      float64
	Floor           float64
	ChecksumBonus   float64
	ChecksumPenalty float64
	ContextBonus    float64
	// LowTrustCeiling caps the score of any match that failed its checksum.
	LowTrustCeiling float64

	RejectOnChecksumFailure bool

	keywordRe *regexp.Regexp
	order     int
}

// HasKeyword reports whether any context keyword occurs in window.
func (s *TypeSpec) HasKeyword(window string) bool {
	return s.keywordRe != nil && s.keywordRe.MatchString(window)
}

// Override adjusts a built-in TypeSpec. Zero values leave the default alone.
type Override struct {
	BaseWeight              float64
	RejectOnChecksumFailure bool
	ExtraKeywords           []string
}

// Library is the immutable set of TypeSpecs keyed by PIIType.
type Library struct {
	specs map[PIIType]*TypeSpec
	order []PIIType
}

var ifscInText = regexp.MustCompile(`\b[A-Z]{4}0[A-Z0-9]{6}\b`)

// defaultSpecs lists the built-in descriptors. Adding a type means adding one
// entry here.
func defaultSpecs() []*TypeSpec {
	return []*TypeSpec{
		{
			Type: NationalID,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`\b\d{4} \d{4} \d{4}\b`),
				regexp.MustCompile(`\b\d{4}-\d{4}-\d{4}\b`),
				regexp.MustCompile(`\b\d{12}\b`),
			},
			Keywords:   []string{"aadhaar", "aadhar", "uid", "uidai", "enrollment", "enrolment", "resident"},
			Validator:  ValidNationalID,
			BaseWeight: 60,
		},
		{
			Type:     TaxID,
			Patterns: []*regexp.Regexp{regexp.MustCompile(`\b[A-Z]{5}[0-9]{4}[A-Z]\b`)},
			Keywords: []string{"pan", "permanent account", "income tax"},
			Qualifier: func(match, _ string) bool {
				return ValidPANHolderType(match)
			},
			QualifierBonus: 10,
			BaseWeight:     60,
		},
		{
			Type:     BankAccount,
			Patterns: []*regexp.Regexp{regexp.MustCompile(`\b\d{9,18}\b`)},
			Keywords: []string{"account", "bank", "ifsc", "account number", "a/c", "savings", "current"},
			Qualifier: func(_, window string) bool {
				return ifscInText.MatchString(window)
			},
			QualifierBonus: 10,
			BaseWeight:     50,
		},
		{
			Type:       VoterID,
			Patterns:   []*regexp.Regexp{regexp.MustCompile(`\b[A-Z]{3}[0-9]{7}\b`)},
			Keywords:   []string{"voter", "epic", "election"},
			BaseWeight: 55,
		},
		{
			Type:       Passport,
			Patterns:   []*regexp.Regexp{regexp.MustCompile(`\b[A-Z][0-9]{7}\b`)},
			Keywords:   []string{"passport", "travel document"},
			BaseWeight: 50,
		},
	}
}

// NewLibrary builds the pattern library, applying per-type overrides.
func NewLibrary(overrides map[PIIType]Override) (*Library, error) {
	lib := &Library{specs: make(map[PIIType]*TypeSpec)}

	for i, spec := range defaultSpecs() {
		spec.order = i
		applyScoringDefaults(spec)

		if o, ok := overrides[spec.Type]; ok {
			if o.BaseWeight > 0 {
				spec.BaseWeight = o.BaseWeight
			}
			spec.RejectOnChecksumFailure = o.RejectOnChecksumFailure
			spec.Keywords = append(spec.Keywords, o.ExtraKeywords...)
		}

		re, err := compileKeywords(spec.Keywords)
		if err != nil {
			return nil, fmt.Errorf("compile keywords for %s: %w", spec.Type, err)
		}
		spec.keywordRe = re

		if spec.LowTrustCeiling < spec.Floor {
			return nil, fmt.Errorf("%s: low trust ceiling %.0f below floor %.0f", spec.Type, spec.LowTrustCeiling, spec.Floor)
		}

		lib.specs[spec.Type] = spec
		lib.order = append(lib.order, spec.Type)
	}

	for t := range overrides {
		if _, ok := lib.specs[t]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
		}
	}

	return lib, nil
}

func applyScoringDefaults(spec *TypeSpec) {
	if spec.Floor == 0 {
		spec.Floor = 20
	}
	if spec.ChecksumBonus == 0 {
		spec.ChecksumBonus = 25
	}
	if spec.ChecksumPenalty == 0 {
		spec.ChecksumPenalty = 25
	}
	if spec.ContextBonus == 0 {
		spec.ContextBonus = 10
	}
	if spec.LowTrustCeiling == 0 {
		spec.LowTrustCeiling = 45
	}
}

// compileKeywords builds one case-insensitive, word-bounded alternation.
func compileKeywords(keywords []string) (*regexp.Regexp, error) {
	if len(keywords) == 0 {
		return nil, nil
	}
	quoted := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		quoted = append(quoted, regexp.QuoteMeta(kw))
	}
	if len(quoted) == 0 {
		return nil, nil
	}
	return regexp.Compile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`)
}

// Spec returns the descriptor for t.
func (l *Library) Spec(t PIIType) (*TypeSpec, bool) {
	s, ok := l.specs[t]
	return s, ok
}

// Types returns the library's types in canonical order.
func (l *Library) Types() []PIIType {
	out := make([]PIIType, len(l.order))
	copy(out, l.order)
	return out
}
