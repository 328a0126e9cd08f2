// Package orchestrator implements the pipeline orchestrator (C9): the only
// surface external callers use. It wires the cache, the batch scheduler, the
// encoder pool, and the store collaborator together behind five entry
// points — preload_prompts, process_one, process_all, statistics, shutdown —
// following the "one struct owning every subsystem, opened once, closed
// once" shape.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kraklabs/embedpipe/internal/cache"
	"github.com/kraklabs/embedpipe/internal/config"
	"github.com/kraklabs/embedpipe/internal/domain"
	"github.com/kraklabs/embedpipe/internal/encoder"
	"github.com/kraklabs/embedpipe/internal/fingerprint"
	"github.com/kraklabs/embedpipe/internal/logging"
	"github.com/kraklabs/embedpipe/internal/metrics"
	"github.com/kraklabs/embedpipe/internal/pipelineerr"
	"github.com/kraklabs/embedpipe/internal/preprocess"
	"github.com/kraklabs/embedpipe/internal/progress"
	"github.com/kraklabs/embedpipe/internal/scheduler"
	"github.com/kraklabs/embedpipe/internal/store"
)

// Encoders is the subset of *encoder.Pool the orchestrator depends on. It
// exists so tests can substitute a fake that needs no ONNX Runtime model
// files, keeping the real ONNX paths behind a seam CI can skip or replace.
type Encoders interface {
	HasSemantic() bool
	HasClipL() bool
	HasClipG() bool
	HasVision() bool
	EncodeTextSemantic(ctx context.Context, batch []string) ([][]float32, error)
	EncodeTextClip(ctx context.Context, model encoder.ClipModel, batch []string) ([][]float32, error)
	EncodeImage(ctx context.Context, batch [][]float32) ([][]float32, error)
	Close()
}

var _ Encoders = (*encoder.Pool)(nil)

// ImageEmbeddingRequest is the input to ProcessOne.
type ImageEmbeddingRequest struct {
	ImageID int64
	Path    string
	Params  domain.GenerationParameters
}

// Summary aggregates a process_all run's outcome (§4.9, §7 "aggregates
// per-image failures into a final summary").
type Summary struct {
	GroupsTotal     int
	RepresentativesOK int
	FailedGroups    []FailedGroup
	FannedOut       int
}

// FailedGroup records one representative group's permanent encode failure;
// its members are left unembedded and the run continues (§4.9 invariant).
type FailedGroup struct {
	MetadataFP domain.Fingerprint
	Err        error
}

// Statistics is the statistics() snapshot (§4.9).
type Statistics struct {
	CacheSize       int
	CacheHits       uint64
	CacheMisses     uint64
	CacheHitRate    float64
	ImagesProcessed uint64
	ImagesFailed    uint64
	QueueDepth      map[scheduler.Lane]int
}

// Orchestrator is the pipeline's public entry point, owning the cache, the
// scheduler, and the encoder pool for the lifetime of one process (§9
// "process-wide resource constructed at orchestrator init, explicitly
// owned, shut down in shutdown()").
type Orchestrator struct {
	cache   *cache.Cache
	sched   *scheduler.Scheduler
	pool    Encoders
	st      store.Store
	metrics *metrics.Registry
	log     *logging.Logger

	storeTimeout time.Duration

	processed atomic.Uint64
	failed    atomic.Uint64

	shutdownOnce sync.Once
}

// New constructs an Orchestrator. ctx governs the scheduler's lifetime;
// cancelling it (or calling Shutdown) stops accepting new work and drains
// in-flight batches.
func New(ctx context.Context, st store.Store, pool Encoders, reg *metrics.Registry, cfg *config.Config) (*Orchestrator, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	c, err := cache.New(st, 1024)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	o := &Orchestrator{
		cache:        c,
		sched:        scheduler.New(ctx),
		pool:         pool,
		st:           st,
		metrics:      reg,
		log:          logging.New("orchestrator"),
		storeTimeout: time.Duration(cfg.StoreTimeoutSec) * time.Second,
	}
	if o.storeTimeout <= 0 {
		o.storeTimeout = 30 * time.Second
	}

	linger := time.Duration(cfg.Scheduler.BatchLingerMs) * time.Millisecond
	qcm := cfg.Scheduler.QueueCapacityMultiplier

	if pool.HasSemantic() {
		o.sched.AddLane(scheduler.LaneSemantic, scheduler.LaneConfig{
			BatchSize: cfg.Scheduler.TextBatchSize, BatchLinger: linger,
			QueueCapacityMultiplier: qcm, Run: o.textBatchFunc("semantic", nil),
		})
	}
	if pool.HasClipL() {
		model := encoder.ClipL
		o.sched.AddLane(scheduler.LaneClipL, scheduler.LaneConfig{
			BatchSize: cfg.Scheduler.TextBatchSize, BatchLinger: linger,
			QueueCapacityMultiplier: qcm, Run: o.textBatchFunc("clip_l", &model),
		})
	}
	if pool.HasClipG() {
		model := encoder.ClipG
		o.sched.AddLane(scheduler.LaneClipG, scheduler.LaneConfig{
			BatchSize: cfg.Scheduler.TextBatchSize, BatchLinger: linger,
			QueueCapacityMultiplier: qcm, Run: o.textBatchFunc("clip_g", &model),
		})
	}
	if pool.HasVision() {
		o.sched.AddLane(scheduler.LaneVision, scheduler.LaneConfig{
			BatchSize: cfg.Scheduler.ImageBatchSize, BatchLinger: linger,
			QueueCapacityMultiplier: qcm, Run: o.visionBatchFunc(),
		})
	}

	return o, nil
}

// textBatchFunc returns a BatchFunc for one text lane. model selects which
// CLIP tower to call; nil means the semantic (WordPiece) encoder.
func (o *Orchestrator) textBatchFunc(session string, model *encoder.ClipModel) scheduler.BatchFunc {
	return func(ctx context.Context, items []scheduler.WorkItem) []error {
		texts := make([]string, len(items))
		for i, it := range items {
			texts[i] = it.PromptText
		}

		start := time.Now()
		var vecs [][]float32
		var err error
		if model == nil {
			vecs, err = o.pool.EncodeTextSemantic(ctx, texts)
		} else {
			vecs, err = o.pool.EncodeTextClip(ctx, *model, texts)
		}
		o.metrics.ObserveEncoderLatency(session, time.Since(start).Seconds())

		errs := make([]error, len(items))
		if err != nil {
			for i := range errs {
				errs[i] = err
			}
			return errs
		}
		for i, it := range items {
			var set domain.EmbeddingSet
			switch session {
			case "semantic":
				copy(set.TextSemantic[:], vecs[i])
				set.HasSemantic = true
			case "clip_l":
				copy(set.TextClipL[:], vecs[i])
				set.HasClipL = true
			case "clip_g":
				copy(set.TextClipG[:], vecs[i])
				set.HasClipG = true
			}
			it.ResultSink(scheduler.Result{ImageID: it.ImageID, PromptFP: it.PromptFP, Set: set})
		}
		return errs
	}
}

// visionBatchFunc preprocesses each item's image independently so a single
// unreadable file fails only that item (ImageDecode, §7) without forcing a
// batch-wide retry, then runs the surviving tensors through the vision
// encoder as one batch.
func (o *Orchestrator) visionBatchFunc() scheduler.BatchFunc {
	return func(ctx context.Context, items []scheduler.WorkItem) []error {
		errs := make([]error, len(items))
		tensors := make([][]float32, 0, len(items))
		okIdx := make([]int, 0, len(items))

		for i, it := range items {
			t, err := preprocess.FromPath(it.ImagePath)
			if err != nil {
				errs[i] = err
				continue
			}
			tensors = append(tensors, t.Data)
			okIdx = append(okIdx, i)
		}
		if len(tensors) == 0 {
			return errs
		}

		start := time.Now()
		vecs, err := o.pool.EncodeImage(ctx, tensors)
		o.metrics.ObserveEncoderLatency("vision", time.Since(start).Seconds())
		if err != nil {
			for _, i := range okIdx {
				errs[i] = err
			}
			return errs
		}
		for j, i := range okIdx {
			var set domain.EmbeddingSet
			copy(set.ImageVision[:], vecs[j])
			set.HasVision = true
			items[i].ResultSink(scheduler.Result{ImageID: items[i].ImageID, PromptFP: items[i].PromptFP, Set: set})
		}
		return errs
	}
}

// computeTextEmbedding returns a cache.ComputeFunc that fans text out across
// every configured text lane and merges the per-lane results into one
// EmbeddingSet — the cache-miss path that gives concurrent callers of
// GetOrInsertText real cross-request batching (§4.6, §5). promptFP tags
// every WorkItem with the (prompt, negative_prompt) pair's fingerprint
// (§3), so a failure consumer can report which conditioning tuple a lane
// failure belongs to without a second store lookup.
func (o *Orchestrator) computeTextEmbedding(text string, promptFP domain.Fingerprint) cache.ComputeFunc {
	return func(ctx context.Context) (domain.EmbeddingSet, error) {
		var lanes []scheduler.Lane
		if o.pool.HasSemantic() {
			lanes = append(lanes, scheduler.LaneSemantic)
		}
		if o.pool.HasClipL() {
			lanes = append(lanes, scheduler.LaneClipL)
		}
		if o.pool.HasClipG() {
			lanes = append(lanes, scheduler.LaneClipG)
		}
		if len(lanes) == 0 {
			return domain.EmbeddingSet{}, nil
		}

		results := make(chan scheduler.Result, len(lanes))
		for _, lane := range lanes {
			item := scheduler.WorkItem{
				PromptFP:   promptFP,
				PromptText: text,
				NeedsText:  true,
				ResultSink: func(r scheduler.Result) { results <- r },
			}
			if err := o.sched.Enqueue(ctx, lane, item); err != nil {
				return domain.EmbeddingSet{}, err
			}
		}

		var merged domain.EmbeddingSet
		for i := 0; i < len(lanes); i++ {
			select {
			case r := <-results:
				if r.Err != nil {
					return domain.EmbeddingSet{}, fmt.Errorf("prompt %s: %w", r.PromptFP.Hex()[:12], r.Err)
				}
				mergeEmbeddingSet(&merged, r.Set)
			case <-ctx.Done():
				return domain.EmbeddingSet{}, fmt.Errorf("%w: %v", pipelineerr.ErrCancelled, ctx.Err())
			}
		}
		return merged, nil
	}
}

// computeImageEmbedding returns a cache.ComputeFunc that routes through the
// vision lane alone. promptFP tags the WorkItem with the same conditioning
// fingerprint computeTextEmbedding uses, so a failed image encode can be
// correlated back to its (prompt, negative_prompt) pair in logs.
func (o *Orchestrator) computeImageEmbedding(path string, promptFP domain.Fingerprint) cache.ComputeFunc {
	return func(ctx context.Context) (domain.EmbeddingSet, error) {
		if !o.pool.HasVision() {
			return domain.EmbeddingSet{}, nil
		}
		resultCh := make(chan scheduler.Result, 1)
		item := scheduler.WorkItem{
			PromptFP:   promptFP,
			ImagePath:  path,
			NeedsImage: true,
			ResultSink: func(r scheduler.Result) { resultCh <- r },
		}
		if err := o.sched.Enqueue(ctx, scheduler.LaneVision, item); err != nil {
			return domain.EmbeddingSet{}, err
		}
		select {
		case r := <-resultCh:
			if r.Err != nil {
				return domain.EmbeddingSet{}, fmt.Errorf("prompt %s: %w", r.PromptFP.Hex()[:12], r.Err)
			}
			return r.Set, nil
		case <-ctx.Done():
			return domain.EmbeddingSet{}, fmt.Errorf("%w: %v", pipelineerr.ErrCancelled, ctx.Err())
		}
	}
}

func mergeEmbeddingSet(dst *domain.EmbeddingSet, src domain.EmbeddingSet) {
	if src.HasSemantic {
		dst.TextSemantic, dst.HasSemantic = src.TextSemantic, true
	}
	if src.HasClipL {
		dst.TextClipL, dst.HasClipL = src.TextClipL, true
	}
	if src.HasClipG {
		dst.TextClipG, dst.HasClipG = src.TextClipG, true
	}
	if src.HasVision {
		dst.ImageVision, dst.HasVision = src.ImageVision, true
	}
}

// PreloadPrompts walks every distinct (prompt, negative_prompt) pair the
// store knows about and warms the cache for both texts (§4.9 #1). Idempotent:
// a text whose fingerprint is already cached resolves as a Tier A/B hit.
func (o *Orchestrator) PreloadPrompts(ctx context.Context, limit int, sink progress.Sink) error {
	if sink == nil {
		sink = progress.Noop
	}
	emit := progress.Throttle(sink, 250*time.Millisecond, 0.01)

	sctx, cancel := context.WithTimeout(ctx, o.storeTimeout)
	pairs, err := o.st.DistinctPromptPairs(sctx, limit)
	cancel()
	if err != nil {
		return fmt.Errorf("preload_prompts: %w", err)
	}

	total := len(pairs)
	for i, pair := range pairs {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("preload_prompts: %w", fmt.Errorf("%w: %v", pipelineerr.ErrCancelled, err))
		}
		pairFP := fingerprint.Prompt(pair.Prompt, pair.NegativePrompt)
		if pair.Prompt != "" {
			fp := fingerprint.Text(pair.Prompt)
			if _, err := o.cache.GetOrInsertText(ctx, fp, domain.ContentPrompt, o.computeTextEmbedding(pair.Prompt, pairFP)); err != nil {
				return fmt.Errorf("preload_prompts: prompt pair %d: %w", i, err)
			}
		}
		if pair.NegativePrompt != "" {
			fp := fingerprint.Text(pair.NegativePrompt)
			if _, err := o.cache.GetOrInsertText(ctx, fp, domain.ContentNegativePrompt, o.computeTextEmbedding(pair.NegativePrompt, pairFP)); err != nil {
				return fmt.Errorf("preload_prompts: negative prompt pair %d: %w", i, err)
			}
		}
		emit(progress.Progress{Stage: progress.StageEncoding, Current: i + 1, Total: total, Message: "preloading prompts"})
	}
	emit(progress.Progress{Stage: progress.StageDone, Current: total, Total: total})
	return nil
}

// ProcessOne generates and persists embeddings for a single image, returning
// only after persistence succeeds (§4.9 #2).
func (o *Orchestrator) ProcessOne(ctx context.Context, req ImageEmbeddingRequest) error {
	return o.encodeAndStore(ctx, req, true)
}

// encodeAndStore is the shared body of ProcessOne and a representative's
// per-group encode step in ProcessAll: resolve the prompt embedding and the
// image embedding through the cache (coalescing concurrent duplicates), then
// persist the merged set against imageID in one store call.
func (o *Orchestrator) encodeAndStore(ctx context.Context, req ImageEmbeddingRequest, isRepresentative bool) error {
	pairFP := fingerprint.Prompt(req.Params.Prompt, req.Params.NegativePrompt)

	promptFP := fingerprint.Text(req.Params.Prompt)
	promptEntryID, err := o.cache.GetOrInsertText(ctx, promptFP, domain.ContentPrompt, o.computeTextEmbedding(req.Params.Prompt, pairFP))
	if err != nil {
		o.recordFailure(err)
		return fmt.Errorf("embed image %d: prompt: %w", req.ImageID, err)
	}

	imgFP, err := fingerprint.Image(req.Path)
	if err != nil {
		o.recordFailure(err)
		o.releaseOnFailure(ctx, promptEntryID)
		return fmt.Errorf("embed image %d: fingerprint: %w", req.ImageID, fmt.Errorf("%w: %v", pipelineerr.ErrIO, err))
	}

	imgEntryID, err := o.cache.GetOrInsertImage(ctx, imgFP, o.computeImageEmbedding(req.Path, pairFP))
	if err != nil {
		o.recordFailure(err)
		o.releaseOnFailure(ctx, promptEntryID)
		return fmt.Errorf("embed image %d: image: %w", req.ImageID, err)
	}

	sctx, cancel := context.WithTimeout(ctx, o.storeTimeout)
	promptEntry, found, err := o.st.GetEmbeddingByFingerprint(sctx, promptFP, domain.ContentPrompt)
	cancel()
	if err != nil || !found {
		o.recordFailure(err)
		o.releaseOnFailure(ctx, promptEntryID)
		o.releaseOnFailure(ctx, imgEntryID)
		return fmt.Errorf("embed image %d: fetch prompt embedding: %w", req.ImageID, fmt.Errorf("%w: %v", pipelineerr.ErrIO, err))
	}

	sctx, cancel = context.WithTimeout(ctx, o.storeTimeout)
	imgEntry, found, err := o.st.GetEmbeddingByFingerprint(sctx, imgFP, domain.ContentImage)
	cancel()
	if err != nil || !found {
		o.recordFailure(err)
		o.releaseOnFailure(ctx, promptEntryID)
		o.releaseOnFailure(ctx, imgEntryID)
		return fmt.Errorf("embed image %d: fetch image embedding: %w", req.ImageID, fmt.Errorf("%w: %v", pipelineerr.ErrIO, err))
	}

	merged := promptEntry.Embeddings
	mergeEmbeddingSet(&merged, imgEntry.Embeddings)

	sctx, cancel = context.WithTimeout(ctx, o.storeTimeout)
	err = o.st.StoreImageEmbeddings(sctx, req.ImageID, merged, isRepresentative)
	cancel()
	if err != nil {
		o.recordFailure(err)
		o.releaseOnFailure(ctx, promptEntryID)
		o.releaseOnFailure(ctx, imgEntryID)
		return fmt.Errorf("embed image %d: persist: %w", req.ImageID, fmt.Errorf("%w: %v", pipelineerr.ErrIO, err))
	}

	o.processed.Add(1)
	o.metrics.RecordImageProcessed()
	o.metrics.SetCacheSize(o.cache.Stats().Size)
	return nil
}

// releaseOnFailure decrefs a cache entry acquired for an image that ended up
// not being persisted, so a failed encode does not permanently inflate its
// ref count (§3 invariant: ref_count non-negative, eviction-eligible again).
func (o *Orchestrator) releaseOnFailure(ctx context.Context, entryID int64) {
	if entryID == 0 {
		return
	}
	if err := o.cache.Decref(ctx, entryID); err != nil {
		o.log.Warnf("release entry %d after failed encode: %v", entryID, err)
	}
}

func (o *Orchestrator) recordFailure(err error) {
	o.failed.Add(1)
	kind, ok := pipelineerr.KindOf(err)
	label := "unknown"
	if ok {
		label = kind.String()
	}
	o.metrics.RecordImageFailed(label)
}

// ProcessAll runs the deduplicated bulk path (§4.9 #3): plan representative
// groups, encode each representative once, persist, then fan the vectors
// out to every non-representative member. batchSize bounds how many
// representatives are encoded concurrently.
func (o *Orchestrator) ProcessAll(ctx context.Context, batchSize int, sink progress.Sink) (Summary, error) {
	if sink == nil {
		sink = progress.Noop
	}
	if batchSize <= 0 {
		batchSize = 1
	}
	emit := progress.Throttle(sink, 250*time.Millisecond, 0.01)

	emit(progress.Progress{Stage: progress.StageHashing, Message: "computing metadata hashes"})
	sctx, cancel := context.WithTimeout(ctx, o.storeTimeout)
	err := o.st.ComputeAndPersistMetadataHashes(sctx)
	cancel()
	if err != nil {
		return Summary{}, fmt.Errorf("process_all: metadata hashes: %w", fmt.Errorf("%w: %v", pipelineerr.ErrIO, err))
	}

	emit(progress.Progress{Stage: progress.StageSelecting, Message: "selecting representatives"})
	sctx, cancel = context.WithTimeout(ctx, o.storeTimeout)
	groups, err := o.st.SelectRepresentatives(sctx)
	cancel()
	if err != nil {
		return Summary{}, fmt.Errorf("process_all: select representatives: %w", fmt.Errorf("%w: %v", pipelineerr.ErrIO, err))
	}

	sctx, cancel = context.WithTimeout(ctx, o.storeTimeout)
	records, err := o.st.ImagesMissingEmbeddings(sctx)
	cancel()
	if err != nil {
		return Summary{}, fmt.Errorf("process_all: images missing embeddings: %w", fmt.Errorf("%w: %v", pipelineerr.ErrIO, err))
	}
	byID := make(map[int64]domain.ImageRecord, len(records))
	for _, r := range records {
		byID[r.ID] = r
	}

	summary := Summary{GroupsTotal: len(groups)}
	var (
		mu        sync.Mutex
		processed int
	)
	sem := make(chan struct{}, batchSize)
	var wg sync.WaitGroup

	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return summary, fmt.Errorf("process_all: %w", err)
		}
		rec, ok := byID[g.RepresentativeID]
		if !ok {
			// A group whose representative already has no pending-embed
			// record (another run beat us to it): nothing to do, it is not a
			// failure.
			continue
		}

		g := g
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			req := ImageEmbeddingRequest{ImageID: rec.ID, Path: rec.Path, Params: rec.Params}
			if err := o.encodeAndStore(ctx, req, true); err != nil {
				mu.Lock()
				summary.FailedGroups = append(summary.FailedGroups, FailedGroup{MetadataFP: g.MetadataFP, Err: err})
				mu.Unlock()
				return
			}
			mu.Lock()
			processed++
			n := processed
			mu.Unlock()
			emit(progress.Progress{Stage: progress.StageEncoding, Current: n, Total: len(groups)})
		}()
	}
	wg.Wait()
	summary.RepresentativesOK = processed

	failed := make(map[domain.Fingerprint]struct{}, len(summary.FailedGroups))
	for _, f := range summary.FailedGroups {
		failed[f.MetadataFP] = struct{}{}
	}

	fanoutTotal := len(groups) - len(summary.FailedGroups)
	fannedOut := 0
	for _, g := range groups {
		if _, isFailed := failed[g.MetadataFP]; isFailed {
			continue
		}
		if len(g.MemberIDs) <= 1 {
			fannedOut++
			continue
		}
		sctx, cancel := context.WithTimeout(ctx, o.storeTimeout)
		err := o.st.CopyEmbeddingsToGroupNonRepresentatives(sctx, g)
		cancel()
		if err != nil {
			summary.FailedGroups = append(summary.FailedGroups, FailedGroup{MetadataFP: g.MetadataFP, Err: fmt.Errorf("%w: fanout: %v", pipelineerr.ErrIO, err)})
			continue
		}
		fannedOut++
		emit(progress.Progress{Stage: progress.StageFanout, Current: fannedOut, Total: fanoutTotal})
	}
	summary.FannedOut = fannedOut

	emit(progress.Progress{Stage: progress.StageDone, Current: len(groups), Total: len(groups)})
	return summary, nil
}

// Statistics reports the current cache, throughput, and queue-depth
// snapshot (§4.9 #4).
func (o *Orchestrator) Statistics() Statistics {
	stats := o.cache.Stats()
	depth := make(map[scheduler.Lane]int)
	for _, lane := range o.sched.Lanes() {
		depth[lane] = o.sched.QueueDepth(lane)
	}
	return Statistics{
		CacheSize:       stats.Size,
		CacheHits:       stats.Hits,
		CacheMisses:     stats.Misses,
		CacheHitRate:    stats.HitRate,
		ImagesProcessed: o.processed.Load(),
		ImagesFailed:    o.failed.Load(),
		QueueDepth:      depth,
	}
}

// Shutdown cancels the scheduler, drains in-flight batches, and releases
// encoder sessions. Idempotent (§4.9 #5).
func (o *Orchestrator) Shutdown() {
	o.shutdownOnce.Do(func() {
		o.sched.Shutdown()
		o.pool.Close()
	})
}
