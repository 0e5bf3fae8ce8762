package search

import (
	"fmt"
	"strings"

	"github.com/raaihank/leak-sentinel/internal/privacy"
)

// dorkKeywords are the phrases that tend to appear in documents carrying
// each PII type.
var dorkKeywords = map[privacy.PIIType][]string{
	privacy.NationalID:  {"aadhaar", "aadhar", "uid", "uidai"},
	privacy.TaxID:       {"pan card", "pan number", "permanent account"},
	privacy.BankAccount: {"bank account", "account number", "ifsc"},
	privacy.VoterID:     {"voter id", "epic", "election card"},
	privacy.Passport:    {"passport", "passport number"},
}

// BuildDorks expands every keyword of every type into one query per file
// type, restricted to domain. Duplicates are dropped; order is stable.
func BuildDorks(domain string, types []privacy.PIIType, fileTypes []string) []string {
	domain = strings.TrimSpace(domain)
	seen := make(map[string]bool)
	var out []string

	for _, t := range types {
		for _, kw := range dorkKeywords[t] {
			for _, ft := range fileTypes {
				ft = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ft), "."))
				if ft == "" {
					continue
				}
				q := fmt.Sprintf(`ext:%s "%s"`, ft, kw)
				if domain != "" {
					q = fmt.Sprintf("site:%s %s", domain, q)
				}
				if !seen[q] {
					seen[q] = true
					out = append(out, q)
				}
			}
		}
	}

	return out
}
