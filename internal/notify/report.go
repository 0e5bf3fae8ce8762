// Package notify delivers scan results outside the service: a plain-text
// summary by email and scan events over AMQP.
package notify

import (
	"fmt"
	"sort"
	"strings"

	"github.com/raaihank/leak-sentinel/internal/privacy"
	"github.com/raaihank/leak-sentinel/internal/scan"
)

// BuildReport renders the summary of a scan as plain text. Only counts are
// included, never values.
func BuildReport(s *scan.Summary) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Scan %s on %s finished with status %s.\n\n", s.ScanID, s.Domain, s.Status)
	fmt.Fprintf(&b, "Queries run:        %d\n", s.Queries)
	fmt.Fprintf(&b, "Documents found:    %d\n", s.URLsFound)
	fmt.Fprintf(&b, "Documents scanned:  %d\n", s.DocumentsScanned)
	fmt.Fprintf(&b, "Documents failed:   %d\n", s.DocumentsFailed)
	fmt.Fprintf(&b, "Total detections:   %d\n", s.Detections)

	if len(s.ByType) == 0 {
		b.WriteString("\nNo personal data was detected.\n")
		return b.String()
	}

	types := make([]privacy.PIIType, 0, len(s.ByType))
	for t := range s.ByType {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	b.WriteString("\nDetections by type:\n")
	for _, t := range types {
		ts := s.ByType[t]
		fmt.Fprintf(&b, "- %s: %d detections in %d files, average confidence %.1f\n",
			t, ts.Count, ts.Files, ts.AvgConfidence)
	}

	if !s.StartedAt.IsZero() && !s.FinishedAt.IsZero() {
		fmt.Fprintf(&b, "\nStarted %s, finished %s.\n",
			s.StartedAt.Format("2006-01-02 15:04:05 MST"), s.FinishedAt.Format("2006-01-02 15:04:05 MST"))
	}
	return b.String()
}
