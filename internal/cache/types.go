// Package cache provides the Redis-backed seen-URL cache used across scans.
package cache

// Stats represents cache performance statistics
type Stats struct {
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	HitRate     float64 `json:"hit_rate"`
	TrackedURLs int64   `json:"tracked_urls"`
}
