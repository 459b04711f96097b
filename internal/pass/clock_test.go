package pass

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClockNeverGoesBackwards(t *testing.T) {
	times := []time.Time{
		time.UnixMicro(1000),
		time.UnixMicro(900), // wall clock stepped back
		time.UnixMicro(900),
		time.UnixMicro(5000),
	}
	i := 0
	clock := NewClock(func() time.Time {
		ts := times[i]
		i++
		return ts
	})

	require.Equal(t, int64(1000), clock.Next())
	require.Equal(t, int64(1001), clock.Next())
	require.Equal(t, int64(1002), clock.Next())
	require.Equal(t, int64(5000), clock.Next())
	require.Equal(t, int64(5000), clock.Current())
}

func TestClockObserveOnlyAdvances(t *testing.T) {
	clock := NewClock(func() time.Time { return time.UnixMicro(10) })
	clock.Observe(500)
	clock.Observe(100)

	require.Equal(t, int64(500), clock.Current())
	require.Equal(t, int64(501), clock.Next())
}

func TestClockConcurrentTagsAreUnique(t *testing.T) {
	frozen := time.Now()
	clock := NewClock(func() time.Time { return frozen })

	const workers, perWorker = 8, 200
	var mu sync.Mutex
	seen := make(map[int64]struct{}, workers*perWorker)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				tag := clock.Next()
				mu.Lock()
				seen[tag] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, workers*perWorker)
}
