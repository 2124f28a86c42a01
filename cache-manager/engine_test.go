package cachemanager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foldcache/foldcache/invalidation"
	"github.com/foldcache/foldcache/monitoring"
	"github.com/foldcache/foldcache/pkg/compress"
	"github.com/foldcache/foldcache/pkg/models"
)

func newEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Shutdown() })
	return e
}

func spillConfig(t *testing.T, regionBytes int64) Config {
	t.Helper()
	return Config{
		MaxCompressedBytes:     400,
		EnableSecondaryStorage: true,
		StoragePath:            filepath.Join(t.TempDir(), "spill.bin"),
		SecondaryStorageBytes:  regionBytes,
	}
}

func requireConsistent(t *testing.T, e *Engine) {
	t.Helper()
	require.NoError(t, e.index.Verify())
	assert.LessOrEqual(t, e.hot.Len(), e.hot.Capacity())
}

func TestEngine_CreateThenGetIsHit(t *testing.T) {
	e := newEngine(t, Config{})

	_, err := e.Create("a", map[string]any{"x": 1}, nil, nil)
	require.NoError(t, err)

	u, found, err := e.Get("a")
	require.NoError(t, err)
	require.True(t, found)

	var got map[string]int
	require.NoError(t, u.Decode(&got))
	if diff := cmp.Diff(map[string]int{"x": 1}, got); diff != "" {
		t.Errorf("content mismatch (-want +got):\n%s", diff)
	}

	stats := e.Statistics()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(0), stats.Misses)
	assert.Equal(t, int64(1), stats.Compressions)
	requireConsistent(t, e)
}

func TestEngine_RoundTrip(t *testing.T) {
	e := newEngine(t, Config{Compression: "auto"})

	contents := map[string]any{
		"empty":  "",
		"string": "hello",
		"bytes":  []byte{0, 1, 2, 255},
		"int":    int64(-42),
		"float":  3.5,
		"list":   []any{"a", uint64(1), true},
		"large":  strings.Repeat("compressible ", 1000),
	}
	for key, content := range contents {
		_, err := e.Create(key, content, nil, nil)
		require.NoError(t, err, key)
	}

	for key, want := range contents {
		u, found, err := e.Get(key)
		require.NoError(t, err, key)
		require.True(t, found, key)
		got, err := u.Content()
		require.NoError(t, err, key)
		assert.Equal(t, want, got, key)
	}
}

func TestEngine_EvictionSweep(t *testing.T) {
	e := newEngine(t, Config{MaxCompressedBytes: 600})

	for i := 0; i < 100; i++ {
		_, err := e.Create(fmt.Sprintf("key-%03d", i), fmt.Sprintf("value number %d", i), nil, nil)
		require.NoError(t, err)
	}

	stats := e.Statistics()
	assert.Greater(t, stats.Evictions, int64(0))
	assert.LessOrEqual(t, e.index.Bytes(), int64(600))
	assert.Equal(t, 100-int(stats.Evictions), stats.TotalUnits)

	// The earliest keys are the first swept.
	for i := 0; i < 10; i++ {
		assert.False(t, e.index.Exists(fmt.Sprintf("key-%03d", i)), "key-%03d should be evicted", i)
	}
	assert.True(t, e.index.Exists("key-099"), "most recent key must survive")

	evictions := e.AuditLog().GetStats(time.Time{})
	assert.Equal(t, stats.Evictions, evictions.TotalKeysAffected)
	requireConsistent(t, e)
}

func TestEngine_SweepSparesRecentlyRead(t *testing.T) {
	e := newEngine(t, Config{MaxCompressedBytes: 600})

	for i := 0; i < 10; i++ {
		_, err := e.Create(fmt.Sprintf("key-%03d", i), fmt.Sprintf("value number %d", i), nil, nil)
		require.NoError(t, err)
	}
	_, found, err := e.Get("key-000")
	require.NoError(t, err)
	require.True(t, found)

	for i := 10; i < 40; i++ {
		_, err := e.Create(fmt.Sprintf("key-%03d", i), fmt.Sprintf("value number %d", i), nil, nil)
		require.NoError(t, err)
		if i%5 == 0 {
			e.Get("key-000")
		}
	}

	assert.True(t, e.index.Exists("key-000"), "a key read between sweeps is not the oldest")
	assert.False(t, e.index.Exists("key-001"))
}

func TestEngine_Deduplicate(t *testing.T) {
	e := newEngine(t, Config{})

	for i := 9; i >= 0; i-- {
		_, err := e.Create(fmt.Sprintf("dup-%d", i), map[string]any{"same": "content"}, nil, nil)
		require.NoError(t, err)
	}
	_, err := e.Create("other", "distinct", nil, nil)
	require.NoError(t, err)

	assert.Equal(t, 9, e.Deduplicate())
	stats := e.Statistics()
	assert.Equal(t, 2, stats.UniqueContentCount)
	assert.Equal(t, 2, stats.TotalUnits)
	assert.Equal(t, int64(9), stats.Deduplicated)

	_, found, err := e.Get("dup-0")
	require.NoError(t, err)
	assert.True(t, found, "the lexicographically smallest key survives")
	for i := 1; i < 10; i++ {
		assert.False(t, e.hot.Contains(fmt.Sprintf("dup-%d", i)))
	}

	assert.Equal(t, 0, e.Deduplicate(), "a second pass removes nothing")

	audit := e.AuditLog().GetStats(time.Time{})
	assert.Equal(t, int64(1), audit.ByTrigger[invalidation.TriggerDeduplicate])
	assert.Equal(t, int64(9), audit.TotalKeysAffected)
	requireConsistent(t, e)
}

func TestEngine_DeduplicateOnlyIdenticalContent(t *testing.T) {
	e := newEngine(t, Config{})
	for i := 0; i < 10; i++ {
		_, err := e.Create(fmt.Sprintf("k%d", i), "same", nil, nil)
		require.NoError(t, err)
	}

	assert.Equal(t, 9, e.Deduplicate())
	assert.Equal(t, 1, e.Statistics().UniqueContentCount)
	assert.Equal(t, 0.0, e.Statistics().DeduplicationRatio)
}

func TestEngine_BatchCreateIsolatesFailures(t *testing.T) {
	e := newEngine(t, Config{Workers: 4, QueueSize: 8})

	items := make([]BatchItem, 50)
	for i := range items {
		items[i] = BatchItem{Key: fmt.Sprintf("batch-%02d", i), Content: i}
	}
	items[9].Content = make(chan int) // cannot be encoded

	future := e.BatchCreate(context.Background(), items)
	assert.NotEmpty(t, future.ID())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	results, err := future.Wait(ctx)
	require.NoError(t, err)
	require.Len(t, results, 50)

	for i, r := range results {
		if i == 9 {
			assert.Error(t, r.Err)
			assert.Nil(t, r.Unit)
			continue
		}
		require.NoError(t, r.Err, "item %d", i)
		assert.Equal(t, items[i].Key, r.Unit.Key(), "results keep input order")
	}
	assert.Equal(t, 49, e.Statistics().TotalUnits)
	requireConsistent(t, e)
}

func TestEngine_BatchCreateCancelled(t *testing.T) {
	e := newEngine(t, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results, err := e.BatchCreate(ctx, []BatchItem{{Key: "a", Content: 1}, {Key: "b", Content: 2}}).Wait(context.Background())
	require.NoError(t, err)
	for _, r := range results {
		assert.ErrorIs(t, r.Err, context.Canceled)
	}
	assert.Equal(t, 0, e.Statistics().TotalUnits)
}

func TestEngine_ParallelSearch(t *testing.T) {
	e := newEngine(t, Config{Workers: 4, SearchChunkSize: 50})

	for i := 0; i < 1000; i++ {
		_, err := e.Create(fmt.Sprintf("item-%04d", i), i, nil, nil)
		require.NoError(t, err)
	}

	matchThree := func(u *models.Unit) bool {
		var v int
		return u.Decode(&v) == nil && v > 0 && v%333 == 0
	}

	results, err := e.ParallelSearch(context.Background(), matchThree, 10).Wait(context.Background())
	require.NoError(t, err)

	keys := make([]string, len(results))
	for i, u := range results {
		keys[i] = u.Key()
	}
	assert.Equal(t, []string{"item-0333", "item-0666", "item-0999"}, keys)
}

func TestEngine_ParallelSearchLimit(t *testing.T) {
	e := newEngine(t, Config{Workers: 2, SearchChunkSize: 10})
	for i := 0; i < 200; i++ {
		_, err := e.Create(fmt.Sprintf("item-%03d", i), i, nil, nil)
		require.NoError(t, err)
	}

	all := func(*models.Unit) bool { return true }
	results, err := e.ParallelSearch(context.Background(), all, 15).Wait(context.Background())
	require.NoError(t, err)
	assert.Len(t, results, 15)

	results, err = e.ParallelSearch(context.Background(), all, 0).Wait(context.Background())
	require.NoError(t, err)
	assert.Len(t, results, 200, "zero means no limit")
}

func TestEngine_ParallelSearchCancelled(t *testing.T) {
	e := newEngine(t, Config{})
	_, err := e.Create("a", 1, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.ParallelSearch(ctx, func(*models.Unit) bool { return true }, 0).Wait(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEngine_GetMissing(t *testing.T) {
	e := newEngine(t, Config{})

	u, found, err := e.Get("missing")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, u)

	stats := e.Statistics()
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(0), stats.Hits)

	_, _, err = e.Get("")
	assert.ErrorIs(t, err, models.ErrEmptyKey)
}

func TestEngine_StatisticsConsistency(t *testing.T) {
	e := newEngine(t, Config{HotSetCapacity: 3})
	for i := 0; i < 10; i++ {
		_, err := e.Create(fmt.Sprintf("k%d", i), i, nil, nil)
		require.NoError(t, err)
	}

	gets := 0
	for round := 0; round < 3; round++ {
		for i := 0; i < 15; i++ {
			e.Get(fmt.Sprintf("k%d", i))
			gets++
		}
	}

	stats := e.Statistics()
	assert.Equal(t, int64(gets), stats.Hits+stats.Misses)
	assert.Equal(t, int64(30), stats.Hits)
	assert.InDelta(t, float64(stats.Hits)/float64(gets), stats.CacheHitRate, 1e-9)
}

func TestEngine_HotSetBound(t *testing.T) {
	e := newEngine(t, Config{HotSetCapacity: 5})

	for i := 0; i < 40; i++ {
		key := fmt.Sprintf("k%d", i%20)
		if i < 20 {
			_, err := e.Create(key, i, nil, nil)
			require.NoError(t, err)
		} else {
			_, _, err := e.Get(key)
			require.NoError(t, err)
		}
		require.LessOrEqual(t, e.hot.Len(), 5)
	}

	// Units outside the hot-set are cold.
	hot := make(map[string]bool)
	for _, key := range e.hot.Keys() {
		hot[key] = true
	}
	for _, u := range e.index.Units() {
		if !hot[u.Key()] {
			assert.Equal(t, models.Compressed, u.State(), u.Key())
		}
	}
	requireConsistent(t, e)
}

func TestEngine_ConcurrentGetDecompressesOnce(t *testing.T) {
	e := newEngine(t, Config{})

	u, err := e.Create("shared", strings.Repeat("payload ", 100), nil, nil)
	require.NoError(t, err)
	e.hot.Remove("shared")
	require.True(t, u.Evict())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, found, err := e.Get("shared")
			assert.NoError(t, err)
			assert.True(t, found)
			assert.Same(t, u, got)
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(1), u.Decompressions())
	assert.Equal(t, uint64(1), e.Statistics().DecompressLatency.Count)
}

func TestEngine_SpillAndReload(t *testing.T) {
	e := newEngine(t, spillConfig(t, 1<<20))

	for i := 0; i < 50; i++ {
		_, err := e.Create(fmt.Sprintf("key-%02d", i), fmt.Sprintf("spillable value %d", i), []string{"spill"}, map[string]any{"n": i})
		require.NoError(t, err)
	}

	stats := e.Statistics()
	require.Greater(t, stats.Spills, int64(0))
	assert.Equal(t, int64(0), stats.SpillFailures)
	assert.Equal(t, 50, stats.TotalUnits+stats.SpilledUnits)
	require.True(t, e.store.Has("key-00"))

	u, found, err := e.Get("key-00")
	require.NoError(t, err)
	require.True(t, found)
	got, err := u.Content()
	require.NoError(t, err)
	assert.Equal(t, "spillable value 0", got)
	assert.Equal(t, []string{"spill"}, u.Tags())
	assert.False(t, e.store.Has("key-00"), "a reloaded unit leaves the store")
	assert.True(t, e.index.Exists("key-00"))
	requireConsistent(t, e)
}

func TestEngine_SpillCapacityExceeded(t *testing.T) {
	e := newEngine(t, spillConfig(t, 64))

	for i := 0; i < 50; i++ {
		_, err := e.Create(fmt.Sprintf("key-%02d", i), fmt.Sprintf("spillable value %d", i), nil, nil)
		require.NoError(t, err, "a failed spill never fails Create")
	}

	stats := e.Statistics()
	assert.Greater(t, stats.SpillFailures, int64(0))
	assert.Equal(t, 50, stats.TotalUnits+stats.SpilledUnits)

	for i := 0; i < 50; i++ {
		_, found, err := e.Get(fmt.Sprintf("key-%02d", i))
		require.NoError(t, err)
		assert.True(t, found, "key-%02d must remain readable", i)
	}

	alerts := e.Health()
	ids := make([]string, 0, len(alerts))
	for _, a := range alerts {
		ids = append(ids, a.ID)
	}
	assert.Contains(t, ids, string(monitoring.AlertSpillFailures))
	requireConsistent(t, e)
}

func TestEngine_OptimizeStorage(t *testing.T) {
	e := newEngine(t, spillConfig(t, 1<<20))
	e.config.MaxCompressedBytes = 1 << 20
	e.config.Compression = "none"
	e.policy = compress.Fixed(compress.None)

	for i := 0; i < 5; i++ {
		_, err := e.Create(fmt.Sprintf("stale-%d", i), strings.Repeat(fmt.Sprintf("abc%d", i), 200), nil, nil)
		require.NoError(t, err)
	}
	_, err := e.Create("tiny", "x", nil, nil)
	require.NoError(t, err)

	// Leave holes in the secondary store for defragmentation to reclaim.
	require.NoError(t, e.store.Spill("gone", []byte("0123456789"), nil, nil))
	e.store.Delete("gone")

	count, err := e.OptimizeStorage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, count, "fresh units are not stale")

	e.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	before := e.index.Bytes()
	count, err = e.OptimizeStorage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, count)
	assert.Less(t, e.index.Bytes(), before)
	assert.Equal(t, int64(5), e.Statistics().Recompressions)
	assert.Equal(t, e.store.Size(), e.store.Free(), "defragment drops holes")

	u, found, err := e.Get("stale-3")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, compress.ZstdBest, u.Codec())
	got, err := u.Content()
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("abc3", 200), got)

	count, err = e.OptimizeStorage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, count, "already recompressed units are skipped")
	requireConsistent(t, e)
}

func TestEngine_RemoveAndPattern(t *testing.T) {
	e := newEngine(t, Config{})
	for _, key := range []string{"user:1", "user:2", "user:3", "order:1"} {
		_, err := e.Create(key, key, []string{strings.Split(key, ":")[0]}, nil)
		require.NoError(t, err)
	}

	assert.True(t, e.Remove("user:3"))
	assert.False(t, e.Remove("user:3"))

	n, err := e.RemovePattern("user:*")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, e.GetByTags([]string{"user"}))
	assert.Equal(t, []string{"order:1"}, e.GetByTags([]string{"order"}))

	_, err = e.RemovePattern("")
	assert.Error(t, err)

	logs, err := e.AuditLog().GetRecent(0, 0, "")
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, invalidation.TriggerPattern, logs[0].TriggeredBy)
	assert.Equal(t, []string{"user:1", "user:2"}, logs[0].Keys)
	assert.NotEmpty(t, logs[0].OperationID)
	assert.Equal(t, invalidation.TriggerRemove, logs[1].TriggeredBy)
	assert.Equal(t, []string{"user:3"}, logs[1].Keys)
	requireConsistent(t, e)
}

func TestEngine_CreateReplacesKey(t *testing.T) {
	e := newEngine(t, Config{})
	first, err := e.Create("k", "one", []string{"v1"}, nil)
	require.NoError(t, err)
	_, err = e.Create("k", "two", []string{"v2"}, nil)
	require.NoError(t, err)

	assert.Equal(t, models.Compressed, first.State(), "the replaced unit is released")
	assert.Empty(t, e.FindDuplicates(first.Hash()))
	u, _, err := e.Get("k")
	require.NoError(t, err)
	got, err := u.Content()
	require.NoError(t, err)
	assert.Equal(t, "two", got)
	assert.Equal(t, 1, e.Statistics().TotalUnits)
}

func TestEngine_ContentTooLarge(t *testing.T) {
	e := newEngine(t, Config{MaxUnitBytes: 16})
	_, err := e.Create("big", strings.Repeat("x", 100), nil, nil)
	assert.ErrorIs(t, err, models.ErrContentTooLarge)
	assert.False(t, e.index.Exists("big"))
}

func TestEngine_Shutdown(t *testing.T) {
	cfg := spillConfig(t, 1<<20)
	e, err := New(cfg)
	require.NoError(t, err)
	for i := 0; i < 40; i++ {
		_, err := e.Create(fmt.Sprintf("key-%02d", i), fmt.Sprintf("persisted value %d", i), nil, nil)
		require.NoError(t, err)
	}
	spilled := e.Statistics().SpilledUnits
	require.Greater(t, spilled, 0)

	require.NoError(t, e.Shutdown())
	require.NoError(t, e.Shutdown(), "Shutdown is idempotent")
	assert.Equal(t, 0, e.hot.Len())

	_, err = e.Create("late", 1, nil, nil)
	assert.ErrorIs(t, err, models.ErrEngineClosed)
	_, _, err = e.Get("key-00")
	assert.ErrorIs(t, err, models.ErrEngineClosed)
	_, err = e.OptimizeStorage(context.Background())
	assert.ErrorIs(t, err, models.ErrEngineClosed)

	results, err := e.BatchCreate(context.Background(), []BatchItem{{Key: "x", Content: 1}}).Wait(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, results[0].Err, models.ErrEngineClosed)
	_, err = e.ParallelSearch(context.Background(), func(*models.Unit) bool { return true }, 0).Wait(context.Background())
	assert.ErrorIs(t, err, models.ErrEngineClosed)

	// Spilled units survive a restart.
	reopened := newEngine(t, cfg)
	assert.Equal(t, spilled, reopened.Statistics().SpilledUnits)
	u, found, err := reopened.Get("key-00")
	require.NoError(t, err)
	require.True(t, found)
	got, err := u.Content()
	require.NoError(t, err)
	assert.Equal(t, "persisted value 0", got)
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"negative ceiling", Config{MaxCompressedBytes: -1}},
		{"negative hot set", Config{HotSetCapacity: -1}},
		{"spill without path", Config{EnableSecondaryStorage: true}},
		{"unknown codec", Config{Compression: "brotli"}},
		{"bad filter rate", Config{FilterFalsePositiveRate: 1.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			assert.ErrorIs(t, err, models.ErrConfiguration)
		})
	}
}

func TestNew_FilterDisabled(t *testing.T) {
	e := newEngine(t, Config{FilterCapacity: -1})
	_, err := e.Create("a", 1, nil, nil)
	require.NoError(t, err)
	assert.True(t, e.index.Exists("a"))
	assert.True(t, e.index.MayContain("absent"), "without a filter every key may be present")
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "foldcache.yaml")
	yaml := "max_compressed_bytes: 1048576\nhot_set_capacity: 64\ncompression: zstd\nstale_after: 30m\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, int64(1<<20), cfg.MaxCompressedBytes)
	assert.Equal(t, 64, cfg.HotSetCapacity)
	assert.Equal(t, "zstd", cfg.Compression)
	assert.Equal(t, 30*time.Minute, cfg.StaleAfter)
	assert.Equal(t, DefaultConfig().QueueSize, cfg.QueueSize, "unset keys keep defaults")

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	cfg, err = LoadConfig(empty)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().HotSetCapacity, cfg.HotSetCapacity)

	unknown := filepath.Join(dir, "unknown.yaml")
	require.NoError(t, os.WriteFile(unknown, []byte("hot_set_capacity: 1\nttl: 5\n"), 0o644))
	_, err = LoadConfig(unknown)
	assert.ErrorIs(t, err, models.ErrConfiguration)

	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("workers: -2\n"), 0o644))
	_, err = LoadConfig(invalid)
	assert.ErrorIs(t, err, models.ErrConfiguration)

	_, err = LoadConfig(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestEngine_ParallelSearchIsolatesPredicatePanic(t *testing.T) {
	e := newEngine(t, Config{Workers: 2, SearchChunkSize: 100})
	for i := 0; i < 100; i++ {
		_, err := e.Create(fmt.Sprintf("item-%03d", i), i, nil, nil)
		require.NoError(t, err)
	}

	pred := func(u *models.Unit) bool {
		if u.Key() == "item-000" {
			panic("predicate failed")
		}
		return true
	}
	results, err := e.ParallelSearch(context.Background(), pred, 0).Wait(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "item-000")
	assert.ErrorContains(t, err, "predicate failed")

	require.Len(t, results, 99, "the rest of the chunk is still searched")
	assert.Equal(t, "item-001", results[0].Key())
	assert.Equal(t, "item-099", results[98].Key())
}

func TestEngine_OptimizeStorageSkipsIncompressible(t *testing.T) {
	e := newEngine(t, Config{Compression: "none", RecompressPerSecond: 10})
	for i := 0; i < 5; i++ {
		_, err := e.Create(fmt.Sprintf("n-%d", i), int64(i), nil, nil)
		require.NoError(t, err)
	}
	e.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	count, err := e.OptimizeStorage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	for _, u := range e.index.Units() {
		assert.True(t, u.RecompressTried(RecompressCodec), u.Key())
	}

	start := time.Now()
	count, err = e.OptimizeStorage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	assert.Less(t, time.Since(start), 200*time.Millisecond, "second pass waited on the recompression limiter")
}

func TestEngine_ShutdownInterruptsOptimize(t *testing.T) {
	e := newEngine(t, Config{Compression: "none", RecompressPerSecond: 5})
	for i := 0; i < 20; i++ {
		_, err := e.Create(fmt.Sprintf("n-%02d", i), int64(i), nil, nil)
		require.NoError(t, err)
	}
	e.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	done := make(chan error, 1)
	go func() {
		_, err := e.OptimizeStorage(context.Background())
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	require.NoError(t, e.Shutdown())
	assert.Less(t, time.Since(start), time.Second)
	assert.ErrorIs(t, <-done, models.ErrEngineClosed)
}

func TestEngine_FilterNegativeKeyReachesStore(t *testing.T) {
	e := newEngine(t, spillConfig(t, 1<<20))

	source, err := models.NewUnit("cold", "spilled earlier", []string{"archived"}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, e.store.Spill("cold", source.Payload(), source.Tags(), source.Metadata()))
	require.False(t, e.index.MayContain("cold"))

	assert.True(t, e.Exists("cold"))
	assert.False(t, e.Exists("never-created"))

	u, found, err := e.Get("cold")
	require.NoError(t, err)
	require.True(t, found)
	got, err := u.Content()
	require.NoError(t, err)
	assert.Equal(t, "spilled earlier", got)

	assert.True(t, e.index.MayContain("cold"), "reload files the key in the filter")
	assert.False(t, e.store.Has("cold"))
	assert.Equal(t, []string{"cold"}, e.GetByTags([]string{"archived"}))
	assert.Equal(t, int64(1), e.Statistics().Hits)
	requireConsistent(t, e)
}

func TestEngine_CorruptUnitIsolated(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, Config{Compression: "none"})
	for i := 0; i < 3; i++ {
		_, err := e.Create(fmt.Sprintf("good-%d", i), strings.Repeat(fmt.Sprintf("abc%d", i), 200), nil, nil)
		require.NoError(t, err)
	}

	source, err := models.NewUnit("bad", strings.Repeat("corrupt", 50), nil, nil, compress.Fixed(compress.None))
	require.NoError(t, err)
	payload := source.Payload()
	bad, err := models.NewUnitFromPayload("bad", payload[:len(payload)-10], nil, nil)
	require.NoError(t, err)
	e.index.Add(bad)

	before := e.Statistics()
	_, found, err := e.Get("bad")
	require.ErrorIs(t, err, models.ErrDataCorruption)
	var ce *models.CorruptionError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "bad", ce.Key)
	assert.False(t, found)
	assert.False(t, e.hot.Contains("bad"))

	after := e.Statistics()
	assert.Equal(t, before.Misses+1, after.Misses)
	assert.Equal(t, before.Corruptions+1, after.Corruptions)
	assert.Equal(t, before.Hits, after.Hits)

	for i := 0; i < 3; i++ {
		u, found, err := e.Get(fmt.Sprintf("good-%d", i))
		require.NoError(t, err)
		require.True(t, found)
		got, err := u.Content()
		require.NoError(t, err)
		assert.Equal(t, strings.Repeat(fmt.Sprintf("abc%d", i), 200), got)
	}

	all := func(*models.Unit) bool { return true }
	results, err := e.ParallelSearch(ctx, all, 0).Wait(ctx)
	require.NoError(t, err)
	keys := make([]string, len(results))
	for i, u := range results {
		keys[i] = u.Key()
	}
	assert.Equal(t, []string{"good-0", "good-1", "good-2"}, keys)

	e.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	corruptions := e.Statistics().Corruptions
	count, err := e.OptimizeStorage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count, "healthy units are still recompressed")
	assert.Equal(t, corruptions+1, e.Statistics().Corruptions)
	requireConsistent(t, e)
}

func TestEngine_PromoteDropsRemovedUnit(t *testing.T) {
	e := newEngine(t, Config{})
	u, err := e.Create("k", "original", nil, nil)
	require.NoError(t, err)

	// Removed between the Index lookup and the hot-set insertion.
	e.index.Remove("k")
	e.hot.Remove("k")
	e.promote("k", u)
	assert.False(t, e.hot.Contains("k"))
	_, found, err := e.Get("k")
	require.NoError(t, err)
	assert.False(t, found)

	// Refiled under a newer unit in the same window.
	_, err = e.Create("k", "newer", nil, nil)
	require.NoError(t, err)
	e.promote("k", u)
	assert.False(t, e.hot.Contains("k"))

	current, found, err := e.Get("k")
	require.NoError(t, err)
	require.True(t, found)
	got, err := current.Content()
	require.NoError(t, err)
	assert.Equal(t, "newer", got)
	requireConsistent(t, e)
}

func TestEngine_SweepStopsAtFullStore(t *testing.T) {
	e := newEngine(t, spillConfig(t, 64))
	for i := 0; i < 50; i++ {
		_, err := e.Create(fmt.Sprintf("key-%02d", i), fmt.Sprintf("spillable value %d", i), nil, nil)
		require.NoError(t, err)
	}
	require.Greater(t, e.index.Bytes(), e.config.MaxCompressedBytes)

	before := e.Statistics().SpillFailures
	require.Greater(t, before, int64(0))

	_, err := e.Create("one-more", "spillable value", nil, nil)
	require.NoError(t, err)
	assert.LessOrEqual(t, e.Statistics().SpillFailures-before, int64(1),
		"a sweep stops at the first spill the store cannot take")
	requireConsistent(t, e)
}
