package snowflake

import (
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGenerator(t *testing.T) {
	_, err := NewGenerator(-1)
	assert.ErrorIs(t, err, ErrInvalidNodeID)

	_, err = NewGenerator(MaxNodeID + 1)
	assert.ErrorIs(t, err, ErrInvalidNodeID)

	g, err := NewGenerator(MaxNodeID)
	require.NoError(t, err)
	id, err := g.NextID()
	require.NoError(t, err)
	assert.Equal(t, MaxNodeID, NodeID(id))
}

func TestGenerator_Decode(t *testing.T) {
	g, err := NewGenerator(7)
	require.NoError(t, err)

	before := time.Now().Add(-time.Millisecond)
	id, err := g.NextID()
	require.NoError(t, err)

	assert.Equal(t, int64(7), NodeID(id))
	assert.WithinDuration(t, before, Time(id), time.Second)
}

func TestGenerator_SequenceRollover(t *testing.T) {
	g, err := NewGenerator(1)
	require.NoError(t, err)

	// 冻结时钟，耗尽序列号后必须等到下一毫秒
	var ms int64 = Epoch + 1000
	var mu sync.Mutex
	g.now = func() int64 {
		mu.Lock()
		defer mu.Unlock()
		return ms
	}

	var last int64
	for i := int64(0); i <= sequenceMask; i++ {
		id, err := g.NextID()
		require.NoError(t, err)
		assert.Greater(t, id, last)
		last = id
	}

	go func() {
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		ms++
		mu.Unlock()
	}()
	id, err := g.NextID()
	require.NoError(t, err)
	assert.Greater(t, id, last)
}

func TestGenerator_ClockBackwards(t *testing.T) {
	g, err := NewGenerator(1)
	require.NoError(t, err)

	ms := Epoch + 10_000
	g.now = func() int64 { return ms }
	_, err = g.NextID()
	require.NoError(t, err)

	ms -= 1000
	_, err = g.NextID()
	assert.ErrorIs(t, err, ErrClockMovedBackwards)
}

func TestProperty_IDsAreUniqueAndIncreasing(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("ids from one generator strictly increase", prop.ForAll(
		func(count int) bool {
			g, err := NewGenerator(1)
			if err != nil {
				return false
			}
			var last int64
			for range count {
				id, err := g.NextID()
				if err != nil || id <= last {
					return false
				}
				last = id
			}
			return true
		},
		gen.IntRange(100, 2000),
	))

	properties.Property("concurrent ids are unique", prop.ForAll(
		func(goroutines int) bool {
			g, err := NewGenerator(2)
			if err != nil {
				return false
			}
			var (
				mu  sync.Mutex
				wg  sync.WaitGroup
				ids = make(map[int64]struct{})
			)
			for range goroutines {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for range 200 {
						id, err := g.NextID()
						if err != nil {
							return
						}
						mu.Lock()
						ids[id] = struct{}{}
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			return len(ids) == goroutines*200
		},
		gen.IntRange(2, 16),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}
