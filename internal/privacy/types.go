package privacy

import (
	"errors"
	"fmt"
	"strings"
)

// PIIType identifies a category of personally identifiable information.
type PIIType string

const (
	NationalID  PIIType = "national_id"
	TaxID       PIIType = "tax_id"
	BankAccount PIIType = "bank_account"
	VoterID     PIIType = "voter_id"
	Passport    PIIType = "passport"
)

// ErrUnknownType is returned when a PII type name is not recognised.
var ErrUnknownType = errors.New("unknown pii type")

// legacyNames keeps older report and API vocabulary working.
var legacyNames = map[string]PIIType{
	"aadhaar":      NationalID,
	"aadhar":       NationalID,
	"pan":          TaxID,
	"bank":         BankAccount,
	"bank_account": BankAccount,
	"voter":        VoterID,
	"voter_id":     VoterID,
	"passport":     Passport,
}

// ParsePIIType maps a canonical or legacy type name to its PIIType.
func ParsePIIType(name string) (PIIType, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	switch t := PIIType(name); t {
	case NationalID, TaxID, BankAccount, VoterID, Passport:
		return t, nil
	}
	if t, ok := legacyNames[name]; ok {
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownType, name)
}

// ParsePIITypes parses a list of names. "all" expands to every type in
// canonical order.
func ParsePIITypes(names []string) ([]PIIType, error) {
	var out []PIIType
	seen := make(map[PIIType]bool)
	for _, name := range names {
		if strings.EqualFold(strings.TrimSpace(name), "all") {
			for _, t := range AllTypes() {
				if !seen[t] {
					seen[t] = true
					out = append(out, t)
				}
			}
			continue
		}
		t, err := ParsePIIType(name)
		if err != nil {
			return nil, err
		}
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out, nil
}

// AllTypes returns every supported type in canonical order.
func AllTypes() []PIIType {
	return []PIIType{NationalID, TaxID, BankAccount, VoterID, Passport}
}

// ChecksumStatus records the outcome of a type's checksum validator.
type ChecksumStatus string

const (
	ChecksumValid         ChecksumStatus = "valid"
	ChecksumInvalid       ChecksumStatus = "invalid"
	ChecksumNotApplicable ChecksumStatus = "not_applicable"
)

// RawMatch is a structural pattern hit before scoring.
type RawMatch struct {
	Type  PIIType
	Text  string
	Start int
	End   int
}

// Detection is a scored, masked PII finding. It never carries the raw value.
type Detection struct {
	Type       PIIType        `json:"type"`
	Masked     string         `json:"masked_value"`
	Confidence float64        `json:"confidence"`
	Evidence   string         `json:"evidence"`
	Source     string         `json:"source"`
	Start      int            `json:"start"`
	End        int            `json:"end"`
	Checksum   ChecksumStatus `json:"checksum"`
}

// Fields flattens the detection into primitive values for persistence and
// reporting layers.
func (d Detection) Fields() map[string]any {
	return map[string]any{
		"pii_type":     string(d.Type),
		"masked_value": d.Masked,
		"confidence":   d.Confidence,
		"evidence":     d.Evidence,
		"source":       d.Source,
		"start":        d.Start,
		"end":          d.End,
		"checksum":     string(d.Checksum),
	}
}
