package privacy

import (
	"regexp"
	"strings"
)

// Verhoeff dihedral group D5 tables.
var (
	verhoeffD = [10][10]int{
		{0, 1, 2, 3, 4, 5, 6, 7, 8, 9},
		{1, 2, 3, 4, 0, 6, 7, 8, 9, 5},
		{2, 3, 4, 0, 1, 7, 8, 9, 5, 6},
		{3, 4, 0, 1, 2, 8, 9, 5, 6, 7},
		{4, 0, 1, 2, 3, 9, 5, 6, 7, 8},
		{5, 9, 8, 7, 6, 0, 4, 3, 2, 1},
		{6, 5, 9, 8, 7, 1, 0, 4, 3, 2},
		{7, 6, 5, 9, 8, 2, 1, 0, 4, 3},
		{8, 7, 6, 5, 9, 3, 2, 1, 0, 4},
		{9, 8, 7, 6, 5, 4, 3, 2, 1, 0},
	}
	verhoeffP = [8][10]int{
		{0, 1, 2, 3, 4, 5, 6, 7, 8, 9},
		{1, 5, 7, 6, 2, 8, 3, 0, 9, 4},
		{5, 8, 0, 3, 7, 9, 6, 1, 4, 2},
		{8, 9, 1, 6, 0, 4, 3, 5, 2, 7},
		{9, 4, 5, 3, 1, 2, 6, 8, 7, 0},
		{4, 2, 8, 6, 5, 7, 3, 9, 0, 1},
		{2, 7, 9, 3, 8, 0, 6, 4, 1, 5},
		{7, 0, 4, 6, 9, 1, 3, 2, 5, 8},
	}
)

const (
	nationalIDLength = 12
	panHolderTypes   = "CPHFATBLJG"
)

var ifscPattern = regexp.MustCompile(`^[A-Z]{4}0[A-Z0-9]{6}$`)

// Normalize strips the separators people put inside identifiers.
func Normalize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '\t':
			return -1
		}
		return r
	}, s)
}

// Verhoeff reports whether digits, check digit last, pass the Verhoeff
// checksum. Any non-digit character fails.
func Verhoeff(digits string) bool {
	if digits == "" {
		return false
	}
	c := 0
	for i := 0; i < len(digits); i++ {
		ch := digits[len(digits)-1-i]
		if ch < '0' || ch > '9' {
			return false
		}
		c = verhoeffD[c][verhoeffP[i%8][ch-'0']]
	}
	return c == 0
}

// ValidNationalID validates a 12 digit national ID with optional space or
// hyphen grouping. Numbers starting with 0 or 1 are never issued.
func ValidNationalID(s string) bool {
	digits := Normalize(s)
	if len(digits) != nationalIDLength {
		return false
	}
	if digits[0] == '0' || digits[0] == '1' {
		return false
	}
	return Verhoeff(digits)
}

// ValidPANHolderType checks the fourth character of a tax ID, which encodes
// the holder category.
func ValidPANHolderType(s string) bool {
	if len(s) != 10 {
		return false
	}
	return strings.IndexByte(panHolderTypes, s[3]) >= 0
}

// ValidIFSC validates a bank branch code.
func ValidIFSC(s string) bool {
	return ifscPattern.MatchString(s)
}
