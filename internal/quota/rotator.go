// Package quota spreads search requests over several API key and engine ID
// pairs, each with its own daily request ceiling.
package quota

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrNoUsableKeys means every pair has hit its ceiling or was marked
	// exhausted. It clears only on Reset.
	ErrNoUsableKeys = errors.New("no usable api keys remaining")
	// ErrUnknownKey is returned for a key the rotator was not built with.
	ErrUnknownKey = errors.New("unknown api key")
)

// KeyPair is an API key and the search engine ID it is used with.
type KeyPair struct {
	Key      string
	EngineID string
}

// KeyStats is a point-in-time view of one pair. The key is masked.
type KeyStats struct {
	Key       string `json:"key"`
	EngineID  string `json:"engine_id"`
	Used      int    `json:"used"`
	Reserved  int    `json:"reserved"`
	Remaining int    `json:"remaining"`
	Exhausted bool   `json:"exhausted"`
}

type slot struct {
	pair      KeyPair
	used      int
	reserved  int
	exhausted bool
}

// Rotator hands out key pairs round-robin, skipping pairs that have no
// quota left. All methods are safe for concurrent use.
type Rotator struct {
	mu      sync.Mutex
	slots   []*slot
	index   map[string]int
	cursor  int
	ceiling int
}

// NewRotator creates a rotator over pairs, each allowed dailyCeiling calls.
func NewRotator(pairs []KeyPair, dailyCeiling int) (*Rotator, error) {
	if dailyCeiling <= 0 {
		return nil, fmt.Errorf("daily ceiling must be positive, got %d", dailyCeiling)
	}

	r := &Rotator{
		index:   make(map[string]int, len(pairs)),
		ceiling: dailyCeiling,
	}
	for i, p := range pairs {
		if p.Key == "" || p.EngineID == "" {
			return nil, fmt.Errorf("pair %d: key and engine id are required", i)
		}
		if _, dup := r.index[p.Key]; dup {
			return nil, fmt.Errorf("pair %d: duplicate api key", i)
		}
		r.index[p.Key] = i
		r.slots = append(r.slots, &slot{pair: p})
	}

	return r, nil
}

// Pairs zips parallel key and engine ID lists.
func Pairs(keys, engineIDs []string) ([]KeyPair, error) {
	if len(keys) != len(engineIDs) {
		return nil, fmt.Errorf("%d api keys but %d engine ids", len(keys), len(engineIDs))
	}
	pairs := make([]KeyPair, len(keys))
	for i := range keys {
		pairs[i] = KeyPair{Key: keys[i], EngineID: engineIDs[i]}
	}
	return pairs, nil
}

// Next returns the next pair with quota left and reserves one call on it.
// The caller settles the reservation with RecordUse, MarkExhausted or
// Release.
func (r *Rotator) Next() (KeyPair, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.slots)
	for i := 0; i < n; i++ {
		idx := (r.cursor + i) % n
		s := r.slots[idx]
		if s.exhausted || s.used+s.reserved >= r.ceiling {
			continue
		}
		s.reserved++
		r.cursor = (idx + 1) % n
		return s.pair, nil
	}

	return KeyPair{}, ErrNoUsableKeys
}

// RecordUse counts one completed call against key, consuming a reservation
// if one is outstanding. The pair is exhausted once it reaches the ceiling.
func (r *Rotator) RecordUse(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.lookup(key)
	if err != nil {
		return err
	}
	if s.reserved > 0 {
		s.reserved--
	}
	s.used++
	if s.used >= r.ceiling {
		s.exhausted = true
	}
	return nil
}

// MarkExhausted retires key until the next Reset, typically after the
// provider reported its quota as spent.
func (r *Rotator) MarkExhausted(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.lookup(key)
	if err != nil {
		return err
	}
	s.exhausted = true
	s.reserved = 0
	return nil
}

// Release returns a reservation for a call that never reached the provider.
func (r *Rotator) Release(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.lookup(key)
	if err != nil {
		return err
	}
	if s.reserved > 0 {
		s.reserved--
	}
	return nil
}

// Reset clears usage counters and exhaustion flags. Outstanding
// reservations are kept so in-flight calls still settle correctly.
func (r *Rotator) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.slots {
		s.used = 0
		s.exhausted = false
	}
}

// Available reports how many pairs can still serve a call.
func (r *Rotator) Available() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, s := range r.slots {
		if !s.exhausted && s.used+s.reserved < r.ceiling {
			n++
		}
	}
	return n
}

// Stats returns a snapshot of every pair in configuration order.
func (r *Rotator) Stats() []KeyStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]KeyStats, len(r.slots))
	for i, s := range r.slots {
		remaining := r.ceiling - s.used - s.reserved
		if remaining < 0 || s.exhausted {
			remaining = 0
		}
		out[i] = KeyStats{
			Key:       MaskKey(s.pair.Key),
			EngineID:  s.pair.EngineID,
			Used:      s.used,
			Reserved:  s.reserved,
			Remaining: remaining,
			Exhausted: s.exhausted,
		}
	}
	return out
}

// Len returns the number of configured pairs.
func (r *Rotator) Len() int {
	return len(r.slots)
}

func (r *Rotator) lookup(key string) (*slot, error) {
	idx, ok := r.index[key]
	if !ok {
		return nil, ErrUnknownKey
	}
	return r.slots[idx], nil
}

// MaskKey hides all but the last four characters of an API key for logs.
func MaskKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}
