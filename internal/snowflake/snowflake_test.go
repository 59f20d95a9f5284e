package snowflake

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr error
	}{
		{"zero node", Config{}, nil},
		{"max node", Config{DatacenterID: MaxDatacenterID, WorkerID: MaxWorkerID}, nil},
		{"worker too large", Config{WorkerID: MaxWorkerID + 1}, ErrInvalidWorkerID},
		{"negative worker", Config{WorkerID: -1}, ErrInvalidWorkerID},
		{"datacenter too large", Config{DatacenterID: MaxDatacenterID + 1}, ErrInvalidDatacenterID},
		{"negative datacenter", Config{DatacenterID: -1}, ErrInvalidDatacenterID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := New(tt.config)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, g)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, g)
		})
	}
}

func TestNextID_ParseRoundTrip(t *testing.T) {
	at := time.Date(2025, 2, 3, 4, 5, 6, 7_000_000, time.UTC)
	g, err := New(Config{DatacenterID: 3, WorkerID: 17, Now: func() time.Time { return at }})
	require.NoError(t, err)

	first, err := g.NextID()
	require.NoError(t, err)
	second, err := g.NextID()
	require.NoError(t, err)

	p := Parse(second)
	assert.Equal(t, at, p.Time)
	assert.Equal(t, int64(3), p.DatacenterID)
	assert.Equal(t, int64(17), p.WorkerID)
	assert.Equal(t, int64(1), p.Sequence)
	assert.Equal(t, first+1, second)
}

func TestNextID_ClockMovedBackwards(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 1, 0, time.UTC)
	g, err := New(Config{Now: func() time.Time { return now }})
	require.NoError(t, err)

	_, err = g.NextID()
	require.NoError(t, err)

	now = now.Add(-time.Second)
	_, err = g.NextID()
	assert.ErrorIs(t, err, ErrClockMovedBackwards)
}

func TestNextID_SequenceResetsOnNewMillisecond(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	g, err := New(Config{Now: func() time.Time { return now }})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := g.NextID()
		require.NoError(t, err)
	}
	now = now.Add(time.Millisecond)

	id, err := g.NextID()
	require.NoError(t, err)
	assert.Equal(t, int64(0), Parse(id).Sequence)
}

func TestNextID_ConcurrentUnique(t *testing.T) {
	g, err := New(Config{WorkerID: 1})
	require.NoError(t, err)

	const goroutines = 8
	const perGoroutine = 2000

	ids := make(chan int64, goroutines*perGoroutine)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				id, err := g.NextID()
				if err != nil {
					t.Error(err)
					return
				}
				ids <- id
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]struct{}, goroutines*perGoroutine)
	for id := range ids {
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %d", id)
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, goroutines*perGoroutine)
}

func TestProperty_IncreasingAndPositive(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		g, err := New(Config{
			DatacenterID: rapid.Int64Range(0, MaxDatacenterID).Draw(rt, "datacenter"),
			WorkerID:     rapid.Int64Range(0, MaxWorkerID).Draw(rt, "worker"),
		})
		if err != nil {
			rt.Fatal(err)
		}

		n := rapid.IntRange(1, 500).Draw(rt, "n")
		var last int64 = -1
		for i := 0; i < n; i++ {
			id, err := g.NextID()
			if err != nil {
				rt.Fatal(err)
			}
			if id <= last {
				rt.Fatalf("id %d not greater than previous %d", id, last)
			}
			if id < 0 {
				rt.Fatalf("negative id %d", id)
			}
			last = id
		}
	})
}
