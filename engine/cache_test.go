package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingFetcher struct {
	calls   atomic.Int64
	xml     string
	release chan struct{}
}

func (f *countingFetcher) ProcessDefinitionXML(_ context.Context, _ string) (string, error) {
	f.calls.Add(1)
	if f.release != nil {
		<-f.release
	}
	return f.xml, nil
}

func TestMetadataCacheSingleFlight(t *testing.T) {
	fetcher := &countingFetcher{xml: sampleBPMN, release: make(chan struct{})}
	cache, err := NewMetadataCache(fetcher, CacheConfig{}, nil)
	require.NoError(t, err)

	const concurrency = 8
	var wg sync.WaitGroup
	results := make([]bool, concurrency)

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, ok, err := cache.Get(context.Background(), "def-1", "Act_1")
			require.NoError(t, err)
			results[i] = ok
		}(i)
	}

	// Let the goroutines pile up on the miss, then release the fetch.
	time.Sleep(50 * time.Millisecond)
	close(fetcher.release)
	wg.Wait()

	assert.Equal(t, int64(1), fetcher.calls.Load(), "concurrent misses must coalesce into one fetch")
	for _, ok := range results {
		assert.True(t, ok)
	}
}

func TestMetadataCacheHit(t *testing.T) {
	fetcher := &countingFetcher{xml: sampleBPMN}
	cache, err := NewMetadataCache(fetcher, CacheConfig{}, nil)
	require.NoError(t, err)

	meta, ok, err := cache.Get(context.Background(), "def-1", "Act_1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Prepare contract", meta.Name)

	_, _, err = cache.Get(context.Background(), "def-1", "Act_2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), fetcher.calls.Load())

	// Unknown element on a cached definition: miss without a fetch.
	_, ok, err = cache.Get(context.Background(), "def-1", "Nope")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(1), fetcher.calls.Load())
}

func TestMetadataCacheTTLExpiry(t *testing.T) {
	fetcher := &countingFetcher{xml: sampleBPMN}
	cache, err := NewMetadataCache(fetcher, CacheConfig{TTL: 10 * time.Millisecond}, nil)
	require.NoError(t, err)

	_, _, err = cache.Get(context.Background(), "def-1", "Act_1")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	_, _, err = cache.Get(context.Background(), "def-1", "Act_1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), fetcher.calls.Load())
}

func TestMetadataCacheNegativeEntry(t *testing.T) {
	fetcher := &countingFetcher{xml: "<broken"}
	cache, err := NewMetadataCache(fetcher, CacheConfig{}, nil)
	require.NoError(t, err)

	_, ok, err := cache.Get(context.Background(), "def-bad", "Act_1")
	require.NoError(t, err)
	assert.False(t, ok)

	// Second lookup hits the negative entry, no refetch.
	_, ok, err = cache.Get(context.Background(), "def-bad", "Act_1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(1), fetcher.calls.Load())
}

func TestMetadataCacheBound(t *testing.T) {
	fetcher := &countingFetcher{xml: sampleBPMN}
	cache, err := NewMetadataCache(fetcher, CacheConfig{MaxSize: 2}, nil)
	require.NoError(t, err)

	for _, id := range []string{"a", "b", "c"} {
		_, _, err := cache.Get(context.Background(), id, "Act_1")
		require.NoError(t, err)
	}
	assert.Equal(t, 2, cache.Len())
}
