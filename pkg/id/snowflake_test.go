package id_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catgadev/catga/pkg/id"
)

func TestNextIdMonotonicSingleWorker(t *testing.T) {
	gen, err := id.NewGenerator(1)
	require.NoError(t, err)

	var last int64
	for i := 0; i < 10_000; i++ {
		v, err := gen.NextId()
		require.NoError(t, err)
		assert.Greater(t, v, last)
		last = v
	}
}

func TestNextIdsBatchContiguousNoDuplicates(t *testing.T) {
	gen, err := id.NewGenerator(2)
	require.NoError(t, err)

	ids, err := gen.NextIds(5000)
	require.NoError(t, err)
	require.Len(t, ids, 5000)

	seen := make(map[int64]struct{}, len(ids))
	for i, v := range ids {
		_, dup := seen[v]
		assert.False(t, dup, "duplicate id at index %d", i)
		seen[v] = struct{}{}
		if i > 0 {
			assert.Greater(t, v, ids[i-1])
		}
	}
}

func TestNextIdConcurrentNoDuplicates(t *testing.T) {
	gen, err := id.NewGenerator(3)
	require.NoError(t, err)

	const goroutines = 32
	const perGoroutine = 2000

	var mu sync.Mutex
	seen := make(map[int64]struct{}, goroutines*perGoroutine)
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				v, err := gen.NextId()
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				_, dup := seen[v]
				seen[v] = struct{}{}
				mu.Unlock()
				assert.False(t, dup)
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, goroutines*perGoroutine)
}

func TestNewGeneratorRejectsOutOfRangeWorker(t *testing.T) {
	_, err := id.NewGenerator(99999, id.WithLayout(id.LayoutHighConcurrency))
	assert.Error(t, err)
}

func TestDecomposeRoundTripsWorkerID(t *testing.T) {
	gen, err := id.NewGenerator(7)
	require.NoError(t, err)

	v, err := gen.NextId()
	require.NoError(t, err)

	_, worker, _ := gen.Decompose(v)
	assert.Equal(t, int64(7), worker)
}

func TestWorkerIDFromEnv(t *testing.T) {
	t.Setenv("CATGA_TEST_WORKER_ID", "42")
	w, err := id.WorkerIDFromEnv("CATGA_TEST_WORKER_ID")
	require.NoError(t, err)
	assert.Equal(t, int64(42), w)
}

func TestWorkerIDFromHostPIDIsInRange(t *testing.T) {
	w, err := id.WorkerIDFromHostPID(id.LayoutDefault)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, w, int64(0))
	assert.LessOrEqual(t, w, int64(1023))
}
