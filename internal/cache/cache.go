// Package cache implements the embedding cache (C6): an in-process,
// sharded Tier A map over a persistent Tier B Store, with single-flight
// coalescing of concurrent compute_fn calls and reference counting. The
// two-tier shape uses hashicorp/golang-lru/v2 as an LRU-backed accelerator
// in front of a ref-counted store, keyed by (fingerprint, content_kind)
// per §4.6.
package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kraklabs/embedpipe/internal/domain"
	"github.com/kraklabs/embedpipe/internal/pipelineerr"
	"github.com/kraklabs/embedpipe/internal/store"
)

const shardCount = 256

type key struct {
	fp   domain.Fingerprint
	kind domain.ContentKind
}

// inflight tracks one fingerprint's single-flight compute: callers past the
// first wait on done and then read entryID/err (§4.6 single-flight
// guarantee, §8 scenario 2).
type inflight struct {
	done chan struct{}
	id   int64
	err  error
}

// local mirrors the authoritative store-side ref count so CleanupUnused can
// decide, without a round trip, which Tier A keys became eligible for
// eviction. It is kept in lockstep with the Store's own counter by routing
// every Incref/Decref through the Cache.
type local struct {
	id       int64
	refCount uint32
}

type shard struct {
	mu      sync.Mutex
	entries map[key]*local
	pending map[key]*inflight
	recent  *lru.Cache[key, struct{}] // most-recently-used index; CleanupUnused removes evicted keys from it but does not use it to choose them
}

// Cache is the two-tier embedding cache. Tier A is the sharded in-process
// map below; Tier B is the Store passed to New.
type Cache struct {
	shards [shardCount]*shard
	st     store.Store

	hits   atomic.Uint64
	misses atomic.Uint64
}

// ComputeFunc produces the embeddings for a cache miss. It must not be
// invoked more than once concurrently for the same (fingerprint, kind) pair.
type ComputeFunc func(ctx context.Context) (domain.EmbeddingSet, error)

// New builds a Cache backed by st. lruSize bounds the auxiliary
// most-recently-used index per shard (0 uses a sane default); it does not
// bound the number of live entries, which are never evicted purely for
// space — CleanupUnused, driven by ref_count == 0, is the only eviction
// path (§4.6).
func New(st store.Store, lruSize int) (*Cache, error) {
	if lruSize <= 0 {
		lruSize = 1024
	}
	c := &Cache{st: st}
	for i := range c.shards {
		recent, err := lru.New[key, struct{}](lruSize)
		if err != nil {
			return nil, fmt.Errorf("cache: shard lru: %w", err)
		}
		c.shards[i] = &shard{
			entries: make(map[key]*local),
			pending: make(map[key]*inflight),
			recent:  recent,
		}
	}
	return c, nil
}

func (c *Cache) shardFor(fp domain.Fingerprint) *shard {
	return c.shards[fp.ShardKey()]
}

// GetOrInsertText resolves the cache entry for (fp, kind), invoking compute
// at most once across all concurrent callers sharing that key (§4.6).
func (c *Cache) GetOrInsertText(ctx context.Context, fp domain.Fingerprint, kind domain.ContentKind, compute ComputeFunc) (int64, error) {
	return c.getOrInsert(ctx, fp, kind, compute)
}

// GetOrInsertImage is GetOrInsertText specialized to ContentImage, named
// separately per §4.6's operation split even though the underlying
// mechanics (single-flight over a fingerprint key) are identical.
func (c *Cache) GetOrInsertImage(ctx context.Context, fp domain.Fingerprint, compute ComputeFunc) (int64, error) {
	return c.getOrInsert(ctx, fp, domain.ContentImage, compute)
}

func (c *Cache) getOrInsert(ctx context.Context, fp domain.Fingerprint, kind domain.ContentKind, compute ComputeFunc) (int64, error) {
	k := key{fp: fp, kind: kind}
	sh := c.shardFor(fp)

	sh.mu.Lock()
	if loc, ok := sh.entries[k]; ok {
		loc.refCount++
		sh.recent.Add(k, struct{}{})
		id := loc.id
		sh.mu.Unlock()
		c.hits.Add(1)
		if err := c.st.Incref(ctx, id); err != nil {
			return 0, fmt.Errorf("%w: incref %d: %v", pipelineerr.ErrIO, id, err)
		}
		return id, nil
	}
	if fl, ok := sh.pending[k]; ok {
		sh.mu.Unlock()
		c.hits.Add(1)
		id, err := waitInflight(ctx, fl)
		if err != nil {
			return 0, err
		}
		sh.mu.Lock()
		if loc, ok := sh.entries[k]; ok {
			loc.refCount++
		}
		sh.mu.Unlock()
		if err := c.st.Incref(ctx, id); err != nil {
			return 0, fmt.Errorf("%w: incref %d: %v", pipelineerr.ErrIO, id, err)
		}
		return id, nil
	}

	// Tier B read-through: a key present in the store but not yet promoted
	// into Tier A (e.g. after a restart) is a hit, not a miss.
	if entry, found, err := c.st.GetEmbeddingByFingerprint(ctx, fp, kind); err == nil && found {
		sh.entries[k] = &local{id: entry.ID, refCount: entry.RefCount + 1}
		sh.recent.Add(k, struct{}{})
		sh.mu.Unlock()
		c.hits.Add(1)
		if err := c.st.Incref(ctx, entry.ID); err != nil {
			return 0, fmt.Errorf("%w: incref %d: %v", pipelineerr.ErrIO, entry.ID, err)
		}
		return entry.ID, nil
	}

	fl := &inflight{done: make(chan struct{})}
	sh.pending[k] = fl
	sh.mu.Unlock()
	c.misses.Add(1)

	set, err := compute(ctx)
	if err != nil {
		fl.err = err
		close(fl.done)
		sh.mu.Lock()
		delete(sh.pending, k)
		sh.mu.Unlock()
		return 0, err
	}

	id, err := c.st.InsertEmbedding(ctx, domain.CacheEntry{
		Fingerprint: fp,
		Kind:        kind,
		Embeddings:  set,
		RefCount:    1,
		CreatedAt:   time.Now(),
		LastUsedAt:  time.Now(),
	})
	if err != nil {
		err = fmt.Errorf("%w: insert embedding: %v", pipelineerr.ErrIO, err)
		fl.err = err
		close(fl.done)
		sh.mu.Lock()
		delete(sh.pending, k)
		sh.mu.Unlock()
		return 0, err
	}

	fl.id = id
	close(fl.done)

	sh.mu.Lock()
	sh.entries[k] = &local{id: id, refCount: 1}
	sh.recent.Add(k, struct{}{})
	delete(sh.pending, k)
	sh.mu.Unlock()

	return id, nil
}

func waitInflight(ctx context.Context, fl *inflight) (int64, error) {
	select {
	case <-fl.done:
		return fl.id, fl.err
	case <-ctx.Done():
		return 0, fmt.Errorf("%w: %v", pipelineerr.ErrCancelled, ctx.Err())
	}
}

// Incref increments entryID's reference count, in both the Tier A mirror
// and the backing store.
func (c *Cache) Incref(ctx context.Context, entryID int64) error {
	c.adjustLocal(entryID, 1)
	if err := c.st.Incref(ctx, entryID); err != nil {
		return fmt.Errorf("%w: incref %d: %v", pipelineerr.ErrIO, entryID, err)
	}
	return nil
}

// Decref decrements entryID's reference count; an entry reaching ref_count
// 0 stays in both tiers until an explicit CleanupUnused pass (§4.6).
func (c *Cache) Decref(ctx context.Context, entryID int64) error {
	c.adjustLocal(entryID, -1)
	if err := c.st.Decref(ctx, entryID); err != nil {
		return fmt.Errorf("%w: decref %d: %v", pipelineerr.ErrIO, entryID, err)
	}
	return nil
}

func (c *Cache) adjustLocal(entryID int64, delta int) {
	for _, sh := range c.shards {
		sh.mu.Lock()
		for _, loc := range sh.entries {
			if loc.id == entryID {
				if delta < 0 && loc.refCount > 0 {
					loc.refCount--
				} else if delta > 0 {
					loc.refCount++
				}
				sh.mu.Unlock()
				return
			}
		}
		sh.mu.Unlock()
	}
}

// CleanupUnused removes every entry with ref_count == 0 from both tiers,
// returning the count removed (§4.6, §8: "after cleanup_unused, no entry
// with ref_count == 0 remains in either tier").
func (c *Cache) CleanupUnused(ctx context.Context) (int, error) {
	removed, err := c.st.DeleteUnusedEmbeddings(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: delete unused embeddings: %v", pipelineerr.ErrIO, err)
	}
	for _, sh := range c.shards {
		sh.mu.Lock()
		for k, loc := range sh.entries {
			if loc.refCount == 0 {
				delete(sh.entries, k)
				sh.recent.Remove(k)
			}
		}
		sh.mu.Unlock()
	}
	return removed, nil
}

// Stats reports the cache's size and hit/miss counters (§4.6 stats()).
type Stats struct {
	Size         int
	Hits, Misses uint64
	HitRate      float64
}

func (c *Cache) Stats() Stats {
	var size int
	for _, sh := range c.shards {
		sh.mu.Lock()
		size += len(sh.entries)
		sh.mu.Unlock()
	}
	hits := c.hits.Load()
	misses := c.misses.Load()
	var rate float64
	if hits+misses > 0 {
		rate = float64(hits) / float64(hits+misses)
	}
	return Stats{Size: size, Hits: hits, Misses: misses, HitRate: rate}
}
