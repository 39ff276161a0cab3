package cachemanager

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func countingLoader(calls *int) func(ctx context.Context, guid string) (string, error) {
	return func(_ context.Context, guid string) (string, error) {
		*calls++
		if guid == "bad" {
			return "", errors.New("load failed")
		}
		return "summary:" + guid, nil
	}
}

func TestReadThroughCache_LoadsOnceThenHits(t *testing.T) {
	ctx := context.Background()
	calls := 0
	cache := NewInMemoryCacheManager[string, string]("summaries", DefaultExpiration, DefaultCleanupInterval)
	rtc := NewReadThroughCache(CacheManager[string, string](cache), countingLoader(&calls), false)

	for i := 0; i < 3; i++ {
		got, err := rtc.Get(ctx, "g1", "g1", 0)
		require.NoError(t, err)
		require.Equal(t, "summary:g1", got)
	}
	require.Equal(t, 1, calls)
}

func TestReadThroughCache_Invalidate(t *testing.T) {
	ctx := context.Background()
	calls := 0
	cache := NewInMemoryCacheManager[string, string]("summaries", DefaultExpiration, DefaultCleanupInterval)
	rtc := NewReadThroughCache(CacheManager[string, string](cache), countingLoader(&calls), false)

	_, err := rtc.Get(ctx, "g1", "g1", 0)
	require.NoError(t, err)
	rtc.Invalidate(ctx, "g1")
	_, err = rtc.Get(ctx, "g1", "g1", 0)
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestReadThroughCache_ErrorsAreNotCached(t *testing.T) {
	ctx := context.Background()
	calls := 0
	cache := NewInMemoryCacheManager[string, string]("summaries", DefaultExpiration, DefaultCleanupInterval)
	rtc := NewReadThroughCache(CacheManager[string, string](cache), countingLoader(&calls), false)

	_, err := rtc.Get(ctx, "bad", "bad", 0)
	require.Error(t, err)
	_, err = rtc.Get(ctx, "bad", "bad", 0)
	require.Error(t, err)
	require.Equal(t, 2, calls)
	require.Equal(t, 0, cache.Len())
}

func TestReadThroughCache_SkipCache(t *testing.T) {
	ctx := context.Background()
	calls := 0
	cache := NewInMemoryCacheManager[string, string]("summaries", DefaultExpiration, DefaultCleanupInterval)
	rtc := NewReadThroughCache(CacheManager[string, string](cache), countingLoader(&calls), true)

	_, _ = rtc.Get(ctx, "g1", "g1", 0)
	_, _ = rtc.Get(ctx, "g1", "g1", 0)
	require.Equal(t, 2, calls)
}
