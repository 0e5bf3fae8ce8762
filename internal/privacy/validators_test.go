package privacy

import (
	"errors"
	"testing"
)

func TestVerhoeff(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"2363", true},
		{"2364", false},
		{"234567890124", true},
		{"491827364507", true},
		{"499118665246", true},
		{"234567890123", false},
		{"234567898018", true},
		{"234567898014", false},
		{"987654321096", true},
		{"987654321098", false},
		{"", false},
		{"12a4", false},
	}
	for _, tt := range tests {
		if got := Verhoeff(tt.in); got != tt.want {
			t.Errorf("Verhoeff(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestValidNationalID(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"Plain", "234567890124", true},
		{"Spaced", "2345 6789 0124", true},
		{"Hyphenated", "4918-2736-4507", true},
		{"BadCheckDigit", "2345 6789 0123", false},
		{"EightInFourthPlace", "2345 6789 8018", true},
		{"EightInFourthPlaceBadCheckDigit", "2345 6789 8014", false},
		{"LeadingNine", "9876 5432 1096", true},
		{"LeadingOne", "1234 5678 9012", false},
		{"TooShort", "23456789012", false},
		{"TooLong", "2345678901240", false},
		{"Letters", "2345 6789 01A4", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidNationalID(tt.in); got != tt.want {
				t.Errorf("ValidNationalID(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestStructuralValidators(t *testing.T) {
	if !ValidPANHolderType("ABCPE1234F") {
		t.Error("P is a valid holder type")
	}
	if ValidPANHolderType("ABCDE1234F") {
		t.Error("D is not a valid holder type")
	}
	if ValidPANHolderType("ABC") {
		t.Error("short input must fail")
	}
	if !ValidIFSC("SBIN0001234") || ValidIFSC("SBIN1001234") {
		t.Error("IFSC fifth character must be zero")
	}
	if Normalize("2345-6789 0124") != "234567890124" {
		t.Error("Normalize should strip separators")
	}
}

func TestMask(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"1234 5678 9012", "XXXXXXXXXX9012"},
		{"ABCDE1234F", "XXXXXX234F"},
		{"1234", "XXXX"},
		{"ab", "XX"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Mask(tt.in, 'X'); got != tt.want {
			t.Errorf("Mask(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestScorerRecoversValidatorPanic(t *testing.T) {
	spec := &TypeSpec{
		Type:            NationalID,
		Validator:       func(string) bool { panic("boom") },
		BaseWeight:      60,
		Floor:           20,
		ChecksumPenalty: 25,
		LowTrustCeiling: 45,
	}
	text := "id 234567890124"
	scored, ok := Scorer{ScoreRadius: 100}.Score(text, RawMatch{Type: NationalID, Text: "234567890124", Start: 3, End: 15}, spec)
	if !ok {
		t.Fatal("match should be kept")
	}
	if scored.Checksum != ChecksumInvalid || scored.Confidence != 35 {
		t.Errorf("got checksum %s confidence %.1f, want invalid 35", scored.Checksum, scored.Confidence)
	}
}

func TestParsePIIType(t *testing.T) {
	if got, err := ParsePIIType("Aadhaar"); err != nil || got != NationalID {
		t.Errorf("legacy name: got %s, %v", got, err)
	}
	if _, err := ParsePIIType("ssn"); !errors.Is(err, ErrUnknownType) {
		t.Errorf("expected ErrUnknownType, got %v", err)
	}
	all, err := ParsePIITypes([]string{"pan", "all"})
	if err != nil || len(all) != 5 || all[0] != TaxID {
		t.Errorf("ParsePIITypes = %v, %v", all, err)
	}
}
