// Package store defines the persistent-storage collaborator (§6) the
// pipeline talks to, plus an in-memory reference implementation used by
// tests and the CLI's standalone mode — the external store made concrete
// behind a small interface, substitutable the same way a mock encoder
// substitutes for a real one in tests.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kraklabs/embedpipe/internal/dedup"
	"github.com/kraklabs/embedpipe/internal/domain"
)

// PromptPair is one distinct (prompt, negative_prompt) tuple known to the
// store, as returned by DistinctPromptPairs.
type PromptPair struct {
	Prompt         string
	NegativePrompt string
}

// Store is the persistence collaborator specified in §6. The pipeline never
// implements this itself; it is supplied by the enclosing application.
type Store interface {
	GetEmbeddingByFingerprint(ctx context.Context, fp domain.Fingerprint, kind domain.ContentKind) (domain.CacheEntry, bool, error)
	InsertEmbedding(ctx context.Context, entry domain.CacheEntry) (int64, error)
	Incref(ctx context.Context, entryID int64) error
	Decref(ctx context.Context, entryID int64) error
	DeleteUnusedEmbeddings(ctx context.Context) (int, error)
	DistinctPromptPairs(ctx context.Context, limit int) ([]PromptPair, error)
	ImagesMissingEmbeddings(ctx context.Context) ([]domain.ImageRecord, error)
	ComputeAndPersistMetadataHashes(ctx context.Context) error
	SelectRepresentatives(ctx context.Context) ([]domain.RepresentativeGroup, error)
	StoreImageEmbeddings(ctx context.Context, imageID int64, set domain.EmbeddingSet, isRepresentative bool) error
	CopyEmbeddingsToGroupNonRepresentatives(ctx context.Context, group domain.RepresentativeGroup) error
	ImageCount(ctx context.Context) (int, error)
	ImageNeedsEmbedding(ctx context.Context, id int64) (bool, error)
}

// Memory is an in-memory Store, guarded by a single mutex — adequate for
// tests and for the CLI's standalone (no external database) mode. It is not
// meant to scale to the corpus sizes §1 describes for a real deployment.
type Memory struct {
	mu sync.Mutex

	nextEntryID int64
	entries     map[int64]*domain.CacheEntry
	byKey       map[cacheKey]int64

	images    map[int64]domain.ImageRecord
	embedded  map[int64]imageEmbedding
}

type cacheKey struct {
	fp   domain.Fingerprint
	kind domain.ContentKind
}

// imageEmbedding is the per-image persisted result of store_image_embeddings,
// tracked so ImagesMissingEmbeddings/ImageNeedsEmbedding/
// CopyEmbeddingsToGroupNonRepresentatives behave like a real store instead of
// stub no-ops.
type imageEmbedding struct {
	set              domain.EmbeddingSet
	isRepresentative bool
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		entries:  make(map[int64]*domain.CacheEntry),
		byKey:    make(map[cacheKey]int64),
		images:   make(map[int64]domain.ImageRecord),
		embedded: make(map[int64]imageEmbedding),
	}
}

// SeedImages loads a fixed image set, as a test or CLI standalone-mode
// fixture would. Not part of the Store interface.
func (m *Memory) SeedImages(records []domain.ImageRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		m.images[r.ID] = r
	}
}

func (m *Memory) GetEmbeddingByFingerprint(_ context.Context, fp domain.Fingerprint, kind domain.ContentKind) (domain.CacheEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byKey[cacheKey{fp, kind}]
	if !ok {
		return domain.CacheEntry{}, false, nil
	}
	return *m.entries[id], true, nil
}

func (m *Memory) InsertEmbedding(_ context.Context, entry domain.CacheEntry) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextEntryID++
	entry.ID = m.nextEntryID
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	entry.LastUsedAt = entry.CreatedAt
	m.entries[entry.ID] = &entry
	m.byKey[cacheKey{entry.Fingerprint, entry.Kind}] = entry.ID
	return entry.ID, nil
}

func (m *Memory) Incref(_ context.Context, entryID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[entryID]
	if !ok {
		return nil
	}
	e.RefCount++
	e.LastUsedAt = time.Now()
	return nil
}

func (m *Memory) Decref(_ context.Context, entryID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[entryID]
	if !ok || e.RefCount == 0 {
		return nil
	}
	e.RefCount--
	return nil
}

func (m *Memory) DeleteUnusedEmbeddings(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, e := range m.entries {
		if e.RefCount == 0 {
			delete(m.entries, id)
			delete(m.byKey, cacheKey{e.Fingerprint, e.Kind})
			removed++
		}
	}
	return removed, nil
}

func (m *Memory) DistinctPromptPairs(_ context.Context, limit int) ([]PromptPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[PromptPair]struct{})
	var pairs []PromptPair
	ids := sortedImageIDs(m.images)
	for _, id := range ids {
		img := m.images[id]
		p := PromptPair{Prompt: img.Params.Prompt, NegativePrompt: img.Params.NegativePrompt}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		pairs = append(pairs, p)
		if limit > 0 && len(pairs) >= limit {
			break
		}
	}
	return pairs, nil
}

func (m *Memory) ImagesMissingEmbeddings(_ context.Context) ([]domain.ImageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ImageRecord
	for _, id := range sortedImageIDs(m.images) {
		if _, done := m.embedded[id]; done {
			continue
		}
		out = append(out, m.images[id])
	}
	return out, nil
}

func (m *Memory) ComputeAndPersistMetadataHashes(_ context.Context) error {
	return nil
}

// SelectRepresentatives runs the C7 planner (internal/dedup) over every
// image currently missing embeddings — the reference implementation of the
// §6 contract a real store may instead satisfy with a more efficient
// SQL-side grouping query.
func (m *Memory) SelectRepresentatives(ctx context.Context) ([]domain.RepresentativeGroup, error) {
	records, err := m.ImagesMissingEmbeddings(ctx)
	if err != nil {
		return nil, err
	}
	return dedup.Plan(records), nil
}

func (m *Memory) StoreImageEmbeddings(_ context.Context, imageID int64, set domain.EmbeddingSet, isRepresentative bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.embedded[imageID] = imageEmbedding{set: set, isRepresentative: isRepresentative}
	return nil
}

// CopyEmbeddingsToGroupNonRepresentatives copies the representative's
// already-persisted set to every other member of group, marking them
// non-representative copies (§4.9 #3 fan-out step).
func (m *Memory) CopyEmbeddingsToGroupNonRepresentatives(_ context.Context, group domain.RepresentativeGroup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rep, ok := m.embedded[group.RepresentativeID]
	if !ok {
		return fmt.Errorf("store: representative %d has no persisted embeddings", group.RepresentativeID)
	}
	for _, id := range group.MemberIDs {
		if id == group.RepresentativeID {
			continue
		}
		m.embedded[id] = imageEmbedding{set: rep.set, isRepresentative: false}
	}
	return nil
}

func (m *Memory) ImageCount(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.images), nil
}

func (m *Memory) ImageNeedsEmbedding(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.images[id]; !ok {
		return false, nil
	}
	_, done := m.embedded[id]
	return !done, nil
}

// Embeddings returns the persisted embedding set for imageID and whether one
// has been stored — a test/inspection helper, not part of the Store
// interface.
func (m *Memory) Embeddings(imageID int64) (domain.EmbeddingSet, bool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.embedded[imageID]
	return e.set, e.isRepresentative, ok
}

func sortedImageIDs(images map[int64]domain.ImageRecord) []int64 {
	ids := make([]int64, 0, len(images))
	for id := range images {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
