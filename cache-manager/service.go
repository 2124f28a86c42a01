// Package cachemanager implements the fold engine: a compressed,
// content-deduplicating cache that keeps recently used units materialized
// in a bounded hot-set, the rest compressed in the Index, and optionally
// spills swept units to a fixed-size secondary store.
//
// Unit lifecycle:
//
//	hot (hot-set + Index) -> cold (Index only) -> spilled (secondary store)
//	                   ^--------------- Get ---------------'
//
// Design Choices:
//   - The Index is the single owner of resident units; the hot-set only
//     decides which of them keep a materialized value
//   - Hydration of one key is coalesced via golang.org/x/sync/singleflight,
//     and each Unit serializes its own state transitions, so concurrent
//     readers of a cold key decompress it once
//   - Eviction sweeps run inline on the Create or Get that crossed the byte
//     ceiling and bring resident bytes down to 80% of it, oldest first
//   - Batch creation and parallel search run on a bounded worker pool and
//     return a Future; Submit blocks while the queue is full
//
// Failure Semantics:
//   - A corrupt payload fails only the call that touched it and is counted
//   - A spill that does not fit leaves the unit cold in memory; it is
//     counted and logged, never returned to the Create or Get that
//     triggered the sweep
//
// Performance Characteristics:
//   - Get on a hot key: O(1), no decompression
//   - Get on a cold key: one decompression, then O(1) hot-set insertion
//   - Create: one encode + compress, O(tags) index update, plus an
//     occasional O(n log n) sweep
package cachemanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/foldcache/foldcache/index"
	"github.com/foldcache/foldcache/invalidation"
	"github.com/foldcache/foldcache/monitoring"
	"github.com/foldcache/foldcache/pkg/compress"
	"github.com/foldcache/foldcache/pkg/logging"
	"github.com/foldcache/foldcache/pkg/models"
	"github.com/foldcache/foldcache/pkg/utils"
	"github.com/foldcache/foldcache/spill"
)

// BatchItem is one unit to create in BatchCreate.
type BatchItem struct {
	Key      string
	Content  any
	Tags     []string
	Metadata map[string]any
}

// BatchResult is the outcome for the BatchItem at the same position.
type BatchResult struct {
	Unit *models.Unit
	Err  error
}

// Predicate selects units in ParallelSearch. It must be safe for
// concurrent use.
type Predicate func(u *models.Unit) bool

// Engine is the fold cache.
//
// Thread Safety: all methods are safe for concurrent use.
type Engine struct {
	config  Config
	logger  *slog.Logger
	policy  compress.Policy
	storage StoragePolicy

	index     *index.Index
	hot       *HotSet
	store     *spill.Store // nil when secondary storage is disabled
	pool      *WorkerPool
	coalescer *RequestCoalescer

	metrics *monitoring.Collector
	alerts  *monitoring.AlertManager
	audit   *invalidation.AuditLogger

	limiter  *rate.Limiter // recompression throttle
	spillLog *logging.Sampler

	sweepMu    sync.Mutex
	optimizeMu sync.Mutex

	closed       atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error

	now func() time.Time
}

// New creates an engine. Zero config fields take their DefaultConfig
// values; invalid configuration fails with models.ErrConfiguration.
func New(cfg Config) (*Engine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	policy, err := compress.ParsePolicy(cfg.Compression)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrConfiguration, err)
	}

	filterCapacity := cfg.FilterCapacity
	if filterCapacity < 0 {
		filterCapacity = 0
	}
	idx, err := index.New(index.Options{
		FilterCapacity:    filterCapacity,
		FalsePositiveRate: cfg.FilterFalsePositiveRate,
	})
	if err != nil {
		return nil, err
	}

	var store *spill.Store
	if cfg.EnableSecondaryStorage {
		store, err = spill.Open(cfg.StoragePath, cfg.SecondaryStorageBytes)
		if err != nil {
			return nil, fmt.Errorf("opening secondary storage: %w", err)
		}
	}

	logger := logging.OrDiscard(cfg.Logger)
	e := &Engine{
		config:    cfg,
		logger:    logger,
		policy:    policy,
		storage:   NewStoragePolicy(cfg.StaleAfter),
		index:     idx,
		hot:       NewHotSet(cfg.HotSetCapacity),
		store:     store,
		pool:      NewWorkerPool(cfg.Workers, cfg.QueueSize, logger),
		coalescer: NewRequestCoalescer(),
		metrics:   monitoring.NewCollector(),
		alerts:    monitoring.NewAlertManager(),
		audit:     invalidation.NewAuditLogger(cfg.AuditCapacity),
		limiter:   rate.NewLimiter(rate.Limit(cfg.RecompressPerSecond), 1),
		spillLog:  logging.NewSampler(time.Second, 5),
		now:       time.Now,
	}

	logger.Info("fold engine started",
		"max_compressed_bytes", cfg.MaxCompressedBytes,
		"hot_set_capacity", cfg.HotSetCapacity,
		"compression", cfg.Compression,
		"secondary_storage", cfg.EnableSecondaryStorage,
		"workers", cfg.Workers,
	)
	return e, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.config
}

// Create stores content under key as a hot unit, replacing any unit
// already filed under key. Duplicate content under different keys is
// allowed until Deduplicate runs.
func (e *Engine) Create(key string, content any, tags []string, metadata map[string]any) (*models.Unit, error) {
	if e.closed.Load() {
		return nil, models.ErrEngineClosed
	}

	u, err := models.NewUnit(key, content, tags, metadata, e.policy)
	if err != nil {
		return nil, err
	}
	if u.RawSize() > e.config.MaxUnitBytes {
		return nil, fmt.Errorf("%w: %q encodes to %d bytes, limit %d",
			models.ErrContentTooLarge, key, u.RawSize(), e.config.MaxUnitBytes)
	}
	e.metrics.Inc(monitoring.MetricCompression)

	if previous := e.index.Add(u); previous != nil {
		previous.Evict()
	}
	if e.store != nil {
		e.store.Delete(key)
	}
	e.coalescer.Forget(key)

	if displaced := e.hot.Put(u); displaced != nil {
		displaced.Evict()
	}

	e.maybeSweep(key)
	return u, nil
}

// Get returns the unit for key, materialized. The lookup order is hot-set,
// Index, then secondary store; a unit found in the Index or the store is
// promoted into the hot-set. A missing key reports found false with a nil
// error. Every call that reaches the lookup counts as exactly one hit or
// one miss.
func (e *Engine) Get(key string) (*models.Unit, bool, error) {
	if key == "" {
		return nil, false, models.ErrEmptyKey
	}
	if e.closed.Load() {
		return nil, false, models.ErrEngineClosed
	}

	if u, ok := e.hot.Get(key); ok {
		if err := u.Materialize(); err != nil {
			e.recordCorruption(key, err)
			e.metrics.Inc(monitoring.MetricMiss)
			return nil, false, err
		}
		e.index.Touch(key)
		e.metrics.Inc(monitoring.MetricHit)
		return u, true, nil
	}

	u, _, err := e.coalescer.Do(key, func() (*models.Unit, error) {
		return e.hydrate(key)
	})
	if err != nil {
		e.metrics.Inc(monitoring.MetricMiss)
		return nil, false, err
	}
	if u == nil {
		e.metrics.Inc(monitoring.MetricMiss)
		return nil, false, nil
	}

	e.metrics.Inc(monitoring.MetricHit)
	e.maybeSweep(key)
	return u, true, nil
}

// hydrate promotes key from the Index or the secondary store into the
// hot-set. It returns nil, nil when key is absent. A negative membership
// filter answer goes straight to the secondary store, which the filter
// does not cover.
func (e *Engine) hydrate(key string) (*models.Unit, error) {
	var u *models.Unit
	var ok bool
	if e.index.MayContain(key) {
		u, ok = e.index.Get(key)
	}
	if !ok {
		var err error
		if u, err = e.reload(key); err != nil || u == nil {
			return nil, err
		}
	}

	if err := e.materialize(u); err != nil {
		e.recordCorruption(key, err)
		return nil, err
	}

	e.promote(key, u)
	e.logger.Debug("unit hydrated", "key", key, "codec", u.Codec().String())
	return u, nil
}

// promote puts u in the hot-set and refreshes its recency. If key was
// removed from the Index or refiled since u was looked up, u is taken back
// out of the hot-set. Every removal path drops the Index entry before the
// hot-set entry, so checking after Put leaves no orphan behind.
func (e *Engine) promote(key string, u *models.Unit) {
	if displaced := e.hot.Put(u); displaced != nil && displaced != u {
		displaced.Evict()
	}
	if current, ok := e.index.Get(key); !ok || current != u {
		e.hot.RemoveIf(key, u)
		return
	}
	e.index.Touch(key)
}

// reload rebuilds a spilled unit and files it back in the Index.
func (e *Engine) reload(key string) (*models.Unit, error) {
	if e.store == nil {
		return nil, nil
	}

	record, found, err := e.store.Load(key)
	if err != nil {
		if errors.Is(err, models.ErrDataCorruption) {
			e.recordCorruption(key, err)
		}
		return nil, err
	}
	if !found {
		return nil, nil
	}

	u, err := models.NewUnitFromPayload(key, record.Payload, record.Tags, record.Metadata)
	if err != nil {
		e.recordCorruption(key, err)
		return nil, err
	}

	// A concurrent Create may have filed a newer unit since the Index miss.
	existing, added := e.index.AddIfAbsent(u)
	if added {
		e.store.Delete(key)
		e.logger.Debug("unit reloaded from secondary storage", "key", key, "bytes", u.Size())
	}
	return existing, nil
}

// materialize decompresses u if needed, recording the decompression latency.
func (e *Engine) materialize(u *models.Unit) error {
	if u.State() == models.Materialized {
		return u.Materialize()
	}
	start := time.Now()
	if err := u.Materialize(); err != nil {
		return err
	}
	e.metrics.ObserveDecompress(time.Since(start))
	return nil
}

func (e *Engine) recordCorruption(key string, err error) {
	e.metrics.Inc(monitoring.MetricCorruption)
	e.logger.Warn("corrupt unit", "key", key, "error", err)
}

// maybeSweep runs an eviction sweep when resident compressed bytes exceed
// the ceiling. keep is never chosen as a candidate.
func (e *Engine) maybeSweep(keep string) {
	ceiling := e.config.MaxCompressedBytes
	if !e.storage.NeedsSweep(e.index.Bytes(), ceiling) {
		return
	}

	e.sweepMu.Lock()
	defer e.sweepMu.Unlock()

	// Another sweep may have finished while we waited.
	if !e.storage.NeedsSweep(e.index.Bytes(), ceiling) {
		return
	}

	start := time.Now()
	opID := logging.NewOperationID()
	target := e.storage.SweepTarget(ceiling)
	var spilled, skipped int
	var evicted []string
	for _, key := range e.index.GetOldest(e.index.Len()) {
		if e.index.Bytes() <= target {
			break
		}
		if key == keep {
			continue
		}
		u, ok := e.index.Get(key)
		if !ok {
			continue
		}

		if e.store != nil {
			if err := e.store.Spill(key, u.Payload(), u.Tags(), u.Metadata()); err != nil {
				e.metrics.Inc(monitoring.MetricSpillFailure)
				e.spillLog.Log(context.Background(), e.logger, slog.LevelWarn, "spill skipped",
					"key", key, "bytes", u.Size(), "error", err)
				// The unit stays resident but cold.
				e.hot.RemoveIf(key, u)
				u.Evict()
				skipped++
				// Space only comes back with Defragment.
				break
			}
			e.metrics.Inc(monitoring.MetricSpill)
			spilled++
		}

		if !e.index.RemoveIf(key, u) {
			// Replaced while we were spilling; the spilled copy is stale.
			if e.store != nil {
				e.store.Delete(key)
			}
			continue
		}
		e.hot.RemoveIf(key, u)
		u.Evict()
		e.metrics.Inc(monitoring.MetricEviction)
		evicted = append(evicted, key)
	}

	e.audit.Insert(invalidation.AuditLog{
		Keys:        evicted,
		TriggeredBy: invalidation.TriggerEviction,
		OperationID: opID,
		Latency:     time.Since(start),
	})
	e.logger.Info("eviction sweep complete",
		logging.OperationIDAttr, opID,
		"evicted", len(evicted),
		"spilled", spilled,
		"spill_skipped", skipped,
		"resident_bytes", e.index.Bytes(),
		"target_bytes", target,
	)
}

// Deduplicate collapses units with identical payloads, keeping the
// lexicographically smallest key of each group. It returns the number of
// units removed.
func (e *Engine) Deduplicate() int {
	if e.closed.Load() {
		return 0
	}

	start := time.Now()
	opID := logging.NewOperationID()
	removed := 0
	for _, group := range e.index.DuplicateGroups() {
		survivor, ok := e.index.Get(group[0])
		if !ok {
			continue
		}
		hash := survivor.Hash()

		var dropped []string
		for _, key := range group[1:] {
			u, ok := e.index.Get(key)
			if !ok || u.Hash() != hash {
				continue
			}
			if !e.index.RemoveIf(key, u) {
				continue
			}
			e.hot.RemoveIf(key, u)
			u.Evict()
			dropped = append(dropped, key)
		}

		removed += len(dropped)
		e.audit.Insert(invalidation.AuditLog{
			Pattern:     hash.Short(),
			Keys:        dropped,
			TriggeredBy: invalidation.TriggerDeduplicate,
			OperationID: opID,
			Latency:     time.Since(start),
		})
	}

	e.metrics.Add(monitoring.MetricDeduplicated, int64(removed))
	e.logger.Info("deduplication complete",
		logging.OperationIDAttr, opID,
		"removed", removed,
		"unique_content", e.index.UniqueHashes(),
	)
	return removed
}

// OptimizeStorage recompresses stale, poorly compressed units with the
// strongest codec and defragments the secondary store. It returns the
// number of units whose payload shrank.
func (e *Engine) OptimizeStorage(ctx context.Context) (int, error) {
	if e.closed.Load() {
		return 0, models.ErrEngineClosed
	}

	ctx, _ = logging.Start(ctx)
	logger := logging.FromContext(ctx, e.logger)

	e.optimizeMu.Lock()
	defer e.optimizeMu.Unlock()

	units := e.index.Units()
	sort.Slice(units, func(i, j int) bool {
		return units[i].Key() < units[j].Key()
	})

	now := e.now()
	recompressed := 0
	for _, u := range units {
		if err := ctx.Err(); err != nil {
			return recompressed, err
		}
		if e.closed.Load() {
			return recompressed, models.ErrEngineClosed
		}
		if !e.storage.ShouldRecompress(u, now) {
			continue
		}
		if err := e.limiter.Wait(ctx); err != nil {
			return recompressed, err
		}

		changed, err := u.Recompress(RecompressCodec)
		if err != nil {
			if errors.Is(err, models.ErrDataCorruption) {
				e.recordCorruption(u.Key(), err)
				continue
			}
			return recompressed, err
		}
		if !changed {
			continue
		}
		e.index.Rehash(u.Key())
		e.metrics.Inc(monitoring.MetricRecompression)
		recompressed++
	}

	var reclaimed int64
	if e.store != nil {
		var err error
		if reclaimed, err = e.store.Defragment(); err != nil {
			return recompressed, fmt.Errorf("defragmenting secondary storage: %w", err)
		}
	}

	logger.Info("storage optimization complete",
		"recompressed", recompressed,
		"candidates", len(units),
		"reclaimed_bytes", reclaimed,
	)
	return recompressed, nil
}

// BatchCreate creates items concurrently on the worker pool. Results keep
// the input order, and one item's failure does not affect the others.
// The future itself always resolves with a nil error.
func (e *Engine) BatchCreate(ctx context.Context, items []BatchItem) *Future[[]BatchResult] {
	future := newFuture[[]BatchResult]()
	ctx = logging.WithOperationID(ctx, future.ID())

	go func() {
		results := make([]BatchResult, len(items))
		var wg sync.WaitGroup

		for i := range items {
			wg.Add(1)
			err := e.pool.Submit(ctx, func(ctx context.Context) {
				defer wg.Done()
				results[i] = e.createItem(ctx, items[i])
			})
			if err != nil {
				wg.Done()
				for j := i; j < len(items); j++ {
					results[j].Err = err
				}
				break
			}
		}
		wg.Wait()

		failed := 0
		for _, r := range results {
			if r.Err != nil {
				failed++
			}
		}
		logging.FromContext(ctx, e.logger).Info("batch create complete",
			"items", len(items),
			"failed", failed,
		)
		future.resolve(results, nil)
	}()

	return future
}

// createItem runs one batch item, turning a panic into that item's error.
func (e *Engine) createItem(ctx context.Context, item BatchItem) (result BatchResult) {
	defer func() {
		if r := recover(); r != nil {
			result = BatchResult{Err: fmt.Errorf("creating %q: panic: %v", item.Key, r)}
		}
	}()

	if err := ctx.Err(); err != nil {
		return BatchResult{Err: err}
	}
	u, err := e.Create(item.Key, item.Content, item.Tags, item.Metadata)
	if err != nil {
		logging.FromContext(ctx, e.logger).Debug("batch item failed", "key", item.Key, "error", err)
	}
	return BatchResult{Unit: u, Err: err}
}

// ParallelSearch evaluates pred over every indexed unit, in chunks of
// SearchChunkSize keys spread across the worker pool, and returns the
// matches ordered by key. Each candidate is fetched with Get, so the
// search refreshes recency and counts toward hits.
//
// maxResults <= 0 means no limit. The limit and ctx are checked between
// chunks; a chunk that has started runs to completion, and the result is
// truncated to maxResults. If ctx ends, the future resolves with the
// matches found so far and ctx's error.
//
// A predicate that panics on a unit skips only that unit. The future still
// carries every other match, and its error joins one error per fault.
func (e *Engine) ParallelSearch(ctx context.Context, pred Predicate, maxResults int) *Future[[]*models.Unit] {
	future := newFuture[[]*models.Unit]()
	ctx = logging.WithOperationID(ctx, future.ID())

	if e.closed.Load() {
		future.resolve(nil, models.ErrEngineClosed)
		return future
	}

	go e.search(ctx, future, pred, maxResults)
	return future
}

func (e *Engine) search(ctx context.Context, future *Future[[]*models.Unit], pred Predicate, maxResults int) {
	keys := e.index.Keys()
	chunkSize := e.config.SearchChunkSize

	var (
		mu      sync.Mutex
		found   []*models.Unit
		faults  []error
		matches atomic.Int64
		wg      sync.WaitGroup
		stopErr error
	)
	limitReached := func() bool {
		return maxResults > 0 && matches.Load() >= int64(maxResults)
	}

	chunks := 0
	for start := 0; start < len(keys); start += chunkSize {
		if limitReached() {
			break
		}
		if err := ctx.Err(); err != nil {
			stopErr = err
			break
		}

		chunk := keys[start:min(start+chunkSize, len(keys))]
		wg.Add(1)
		err := e.pool.Submit(ctx, func(ctx context.Context) {
			defer wg.Done()
			if ctx.Err() != nil || limitReached() {
				return
			}
			for _, key := range chunk {
				u, ok, err := e.Get(key)
				if err != nil || !ok {
					continue
				}
				match, err := matchUnit(pred, u)
				if err != nil {
					mu.Lock()
					faults = append(faults, err)
					mu.Unlock()
					continue
				}
				if match {
					mu.Lock()
					found = append(found, u)
					mu.Unlock()
					matches.Add(1)
				}
			}
		})
		if err != nil {
			wg.Done()
			stopErr = err
			break
		}
		chunks++
	}
	wg.Wait()

	if stopErr == nil {
		stopErr = ctx.Err()
	}

	sort.Slice(found, func(i, j int) bool {
		return found[i].Key() < found[j].Key()
	})
	if maxResults > 0 && len(found) > maxResults {
		found = found[:maxResults]
	}

	logging.FromContext(ctx, e.logger).Info("parallel search complete",
		"keys", len(keys),
		"chunks", chunks,
		"matches", len(found),
		"faults", len(faults),
	)
	future.resolve(found, errors.Join(append([]error{stopErr}, faults...)...))
}

// matchUnit runs pred on u, turning a panic into an error for u's key.
func matchUnit(pred Predicate, u *models.Unit) (match bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("matching %q: panic: %v", u.Key(), r)
		}
	}()
	return pred(u), nil
}

// Remove drops key from the hot-set, the Index and the secondary store. It
// reports whether anything was removed.
func (e *Engine) Remove(key string) bool {
	start := time.Now()
	if !e.removeKey(key) {
		return false
	}
	e.audit.Insert(invalidation.AuditLog{
		Pattern:     key,
		Keys:        []string{key},
		TriggeredBy: invalidation.TriggerRemove,
		Latency:     time.Since(start),
	})
	return true
}

func (e *Engine) removeKey(key string) bool {
	removed := false
	if u, ok := e.index.Remove(key); ok {
		u.Evict()
		removed = true
	}
	if u, ok := e.hot.Remove(key); ok {
		u.Evict()
		removed = true
	}
	if e.store != nil && e.store.Delete(key) {
		removed = true
	}
	e.coalescer.Forget(key)
	return removed
}

// RemovePattern removes every resident or spilled key matching pattern
// (exact, "prefix*" or a glob with * and ?). It returns the number of keys
// removed.
func (e *Engine) RemovePattern(pattern string) (int, error) {
	if _, err := utils.CompilePattern(pattern); err != nil {
		return 0, err
	}

	start := time.Now()
	keys := e.index.Keys()
	if e.store != nil {
		keys = append(keys, e.store.Keys()...)
	}
	matched, err := utils.FilterKeys(pattern, keys)
	if err != nil {
		return 0, err
	}

	var removed []string
	seen := make(map[string]struct{}, len(matched))
	for _, key := range matched {
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if e.removeKey(key) {
			removed = append(removed, key)
		}
	}

	opID := logging.NewOperationID()
	e.audit.Insert(invalidation.AuditLog{
		Pattern:     pattern,
		Keys:        removed,
		TriggeredBy: invalidation.TriggerPattern,
		OperationID: opID,
		Latency:     time.Since(start),
	})
	e.logger.Info("pattern removal complete",
		logging.OperationIDAttr, opID,
		"pattern", pattern,
		"removed", len(removed),
	)
	return len(removed), nil
}

// AuditLog returns the trail of removed keys.
func (e *Engine) AuditLog() *invalidation.AuditLogger {
	return e.audit
}

// Exists reports whether key is resident or spilled, without promoting it
// or counting a hit or miss.
func (e *Engine) Exists(key string) bool {
	if e.index.Exists(key) {
		return true
	}
	return e.store != nil && e.store.Has(key)
}

// GetByTags returns the resident keys carrying every tag, sorted. An empty
// tag list matches nothing.
func (e *Engine) GetByTags(tags []string) []string {
	return e.index.GetByTags(tags)
}

// FindDuplicates returns the resident keys whose payload hashes to hash.
func (e *Engine) FindDuplicates(hash utils.ContentHash) []string {
	return e.index.FindDuplicates(hash)
}

// Statistics returns a snapshot of counters and gauges.
func (e *Engine) Statistics() models.Statistics {
	stats := models.Statistics{Timestamp: e.now()}
	e.metrics.Fill(&stats)

	units := e.index.Units()
	var ratioSum float64
	for _, u := range units {
		ratioSum += u.Ratio()
	}
	stats.TotalUnits = len(units)
	if len(units) > 0 {
		stats.AvgCompressionRatio = ratioSum / float64(len(units))
	}
	stats.HotSetSize = e.hot.Len()
	stats.TotalCompressedMB = models.BytesToMB(e.index.Bytes())
	stats.UniqueContentCount = e.index.UniqueHashes()
	stats.DeduplicationRatio = models.DeduplicationRatio(stats.UniqueContentCount, stats.TotalUnits)

	if e.store != nil {
		stats.SpilledUnits = e.store.Len()
		stats.SecondaryUsedBytes = e.store.Used()
	}
	return stats
}

// Health evaluates the alert rules against a fresh statistics snapshot and
// returns the active alerts.
func (e *Engine) Health() []monitoring.Alert {
	return e.alerts.Evaluate(e.Statistics())
}

// Shutdown drains queued batch and search work, closes the secondary store
// and releases every materialized value. It is safe to call more than
// once; later calls return the first call's result.
func (e *Engine) Shutdown() error {
	e.shutdownOnce.Do(func() {
		e.pool.Shutdown()
		e.closed.Store(true)

		// Wait out any sweep or optimization still touching the store.
		e.sweepMu.Lock()
		e.optimizeMu.Lock()
		if e.store != nil {
			if err := e.store.Close(); err != nil {
				e.shutdownErr = fmt.Errorf("closing secondary storage: %w", err)
			}
		}
		e.optimizeMu.Unlock()
		e.sweepMu.Unlock()

		for _, u := range e.hot.Clear() {
			u.Evict()
		}

		stats := e.Statistics()
		e.logger.Info("fold engine stopped",
			"units", stats.TotalUnits,
			"hits", stats.Hits,
			"misses", stats.Misses,
			"evictions", stats.Evictions,
		)
	})
	return e.shutdownErr
}
