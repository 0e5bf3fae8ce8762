package privacy

import (
	"strings"
	"unicode/utf8"
)

// Scorer turns a structural match into a confidence score and renders its
// masked evidence.
type Scorer struct {
	ScoreRadius    int
	EvidenceRadius int
	MaskChar       rune
}

// Scored is a RawMatch with its computed confidence.
type Scored struct {
	RawMatch
	Confidence float64
	Checksum   ChecksumStatus

	order   int
	pattern int
}

// Score computes the confidence of m. The second result is false when the
// match must be dropped because its checksum failed and the type rejects
// such matches.
func (s Scorer) Score(text string, m RawMatch, spec *TypeSpec) (Scored, bool) {
	out := Scored{RawMatch: m, Checksum: ChecksumNotApplicable, order: spec.order}
	score := spec.BaseWeight

	if spec.Validator != nil {
		if runValidator(spec.Validator, m.Text) {
			out.Checksum = ChecksumValid
			score += spec.ChecksumBonus
		} else {
			if spec.RejectOnChecksumFailure {
				return out, false
			}
			out.Checksum = ChecksumInvalid
			score -= spec.ChecksumPenalty
		}
	}

	ws, we := window(text, m.Start, m.End, s.ScoreRadius)
	ctx := text[ws:we]

	if spec.Qualifier != nil && runQualifier(spec.Qualifier, m.Text, ctx) {
		score += spec.QualifierBonus
	}

	if spec.HasKeyword(ctx) {
		score += spec.ContextBonus
	}

	score = clamp(score, spec.Floor, 100)
	if out.Checksum == ChecksumInvalid && score > spec.LowTrustCeiling {
		score = spec.LowTrustCeiling
	}

	out.Confidence = score
	return out, true
}

// runValidator treats a panicking validator as a failed check.
func runValidator(v func(string) bool, match string) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return v(match)
}

func runQualifier(q func(string, string) bool, match, ctx string) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return q(match, ctx)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// window returns byte offsets of the span extending radius bytes either side
// of [start,end), widened to rune boundaries.
func window(text string, start, end, radius int) (int, int) {
	ws := start - radius
	if ws < 0 {
		ws = 0
	}
	we := end + radius
	if we > len(text) {
		we = len(text)
	}
	for ws > 0 && !utf8.RuneStart(text[ws]) {
		ws--
	}
	for we < len(text) && !utf8.RuneStart(text[we]) {
		we++
	}
	return ws, we
}

// Mask keeps the last four characters of s and replaces every other
// character with maskChar. Values of four characters or fewer are masked
// entirely. The result has the same number of characters as s.
func Mask(s string, maskChar rune) string {
	n := utf8.RuneCountInString(s)
	keep := 4
	if n <= keep {
		keep = 0
	}

	var b strings.Builder
	b.Grow(len(s))
	i := 0
	for _, r := range s {
		if i < n-keep {
			b.WriteRune(maskChar)
		} else {
			b.WriteRune(r)
		}
		i++
	}
	return b.String()
}

// evidence renders the context around accepted[idx] with every accepted
// span in view replaced by its masked value and line breaks flattened.
func (s Scorer) evidence(text string, accepted []Scored, idx int) string {
	cur := accepted[idx]
	ws, we := window(text, cur.Start, cur.End, s.EvidenceRadius)

	// A neighbouring detection cut by the window edge is pulled in whole so
	// no partial raw value leaks.
	for _, a := range accepted {
		if a.Start < ws && a.End > ws {
			ws = a.Start
		}
		if a.Start < we && a.End > we {
			we = a.End
		}
	}

	var b strings.Builder
	pos := ws
	for _, a := range accepted {
		if a.End <= ws || a.Start >= we {
			continue
		}
		b.WriteString(text[pos:a.Start])
		b.WriteString(Mask(a.Text, s.MaskChar))
		pos = a.End
	}
	b.WriteString(text[pos:we])

	return strings.TrimSpace(strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(b.String()))
}
