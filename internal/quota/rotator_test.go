package quota

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func threePairs() []KeyPair {
	return []KeyPair{
		{Key: "key-a", EngineID: "cx-a"},
		{Key: "key-b", EngineID: "cx-b"},
		{Key: "key-c", EngineID: "cx-c"},
	}
}

func TestRotatorRoundRobin(t *testing.T) {
	r, err := NewRotator(threePairs(), 2)
	require.NoError(t, err)

	var order []string
	for i := 0; i < 6; i++ {
		p, err := r.Next()
		require.NoError(t, err, "call %d", i+1)
		require.NoError(t, r.RecordUse(p.Key))
		order = append(order, p.Key)
	}

	assert.Equal(t, []string{"key-a", "key-b", "key-c", "key-a", "key-b", "key-c"}, order)

	_, err = r.Next()
	assert.ErrorIs(t, err, ErrNoUsableKeys)
	assert.Equal(t, 0, r.Available())
}

func TestRotatorReservationsCountTowardCeiling(t *testing.T) {
	r, err := NewRotator(threePairs(), 2)
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		_, err := r.Next()
		require.NoError(t, err)
	}
	_, err = r.Next()
	assert.ErrorIs(t, err, ErrNoUsableKeys, "unsettled reservations must hold quota")

	require.NoError(t, r.Release("key-b"))
	p, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "key-b", p.Key)
}

func TestRotatorMarkExhausted(t *testing.T) {
	r, err := NewRotator(threePairs(), 5)
	require.NoError(t, err)

	require.NoError(t, r.MarkExhausted("key-b"))

	for i := 0; i < 4; i++ {
		p, err := r.Next()
		require.NoError(t, err)
		assert.NotEqual(t, "key-b", p.Key)
		require.NoError(t, r.RecordUse(p.Key))
	}

	stats := r.Stats()
	assert.True(t, stats[1].Exhausted)
	assert.Equal(t, 0, stats[1].Remaining)
	assert.Equal(t, 2, stats[0].Used)
	assert.Equal(t, "****ey-a", stats[0].Key)
}

func TestRotatorReset(t *testing.T) {
	r, err := NewRotator(threePairs()[:1], 1)
	require.NoError(t, err)

	p, err := r.Next()
	require.NoError(t, err)
	require.NoError(t, r.RecordUse(p.Key))

	_, err = r.Next()
	require.ErrorIs(t, err, ErrNoUsableKeys)

	r.Reset()

	p, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, "key-a", p.Key)
}

func TestRotatorUnknownKey(t *testing.T) {
	r, err := NewRotator(threePairs(), 1)
	require.NoError(t, err)

	assert.ErrorIs(t, r.RecordUse("nope"), ErrUnknownKey)
	assert.ErrorIs(t, r.MarkExhausted("nope"), ErrUnknownKey)
	assert.ErrorIs(t, r.Release("nope"), ErrUnknownKey)
}

func TestNewRotatorValidation(t *testing.T) {
	_, err := NewRotator(threePairs(), 0)
	assert.Error(t, err)

	_, err = NewRotator([]KeyPair{{Key: "a", EngineID: "x"}, {Key: "a", EngineID: "y"}}, 1)
	assert.Error(t, err)

	_, err = NewRotator([]KeyPair{{Key: "a"}}, 1)
	assert.Error(t, err)

	r, err := NewRotator(nil, 1)
	require.NoError(t, err)
	_, err = r.Next()
	assert.ErrorIs(t, err, ErrNoUsableKeys)
}

func TestRotatorConcurrentCallsNeverExceedCeiling(t *testing.T) {
	const ceiling = 25
	r, err := NewRotator(threePairs(), ceiling)
	require.NoError(t, err)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		calls = map[string]int{}
	)
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				p, err := r.Next()
				if err != nil {
					return
				}
				mu.Lock()
				calls[p.Key]++
				mu.Unlock()
				_ = r.RecordUse(p.Key)
			}
		}()
	}
	wg.Wait()

	for key, n := range calls {
		assert.Equal(t, ceiling, n, "calls for %s", key)
	}
	assert.Len(t, calls, 3)
}

func TestPairs(t *testing.T) {
	pairs, err := Pairs([]string{"k1", "k2"}, []string{"e1", "e2"})
	require.NoError(t, err)
	assert.Equal(t, KeyPair{Key: "k2", EngineID: "e2"}, pairs[1])

	_, err = Pairs([]string{"k1"}, nil)
	assert.Error(t, err)
}

func TestPacer(t *testing.T) {
	t.Run("Unlimited", func(t *testing.T) {
		p := NewPacer(0, 0)
		for i := 0; i < 100; i++ {
			require.True(t, p.Allow("k"))
		}
	})

	t.Run("PerKeyBudget", func(t *testing.T) {
		p := NewPacer(0.001, 1)
		assert.True(t, p.Allow("a"))
		assert.False(t, p.Allow("a"))
		assert.True(t, p.Allow("b"), "keys are paced independently")
	})

	t.Run("WaitHonoursContext", func(t *testing.T) {
		p := NewPacer(0.001, 1)
		require.True(t, p.Allow("a"))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		assert.Error(t, p.Wait(ctx, "a"))
	})
}
