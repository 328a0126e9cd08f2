// Package scheduler implements the batch scheduler (C8): a bounded,
// per-lane message-passing queue in front of the encoder pool. Producers
// enqueue WorkItems; one consumer goroutine per lane groups them into
// batches by size or linger and dispatches them, retrying transient
// failures by halving the batch (§4.8).
//
// The consumer-goroutine-per-resource shape, and flushing on shutdown,
// follows the same "one goroutine select-looping over events/errors/done"
// idiom used elsewhere in this codebase, generalized from a single event
// stream to N independent lanes, one per encoder session.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kraklabs/embedpipe/internal/domain"
	"github.com/kraklabs/embedpipe/internal/pipelineerr"
)

// Lane identifies which encoder session a batch is destined for — batches
// are only ever homogeneous within one lane (§4.8 "Homogeneity").
type Lane string

const (
	LaneSemantic Lane = "semantic"
	LaneClipL    Lane = "clip_l"
	LaneClipG    Lane = "clip_g"
	LaneVision   Lane = "vision"
)

// WorkItem is one unit of scheduled work (§4.8).
type WorkItem struct {
	ImageID       int64
	ImagePath     string
	PromptFP      domain.Fingerprint
	PromptText    string
	NeedsText     bool
	NeedsImage    bool
	CorrelationID string
	ResultSink    func(Result)
}

// Result is delivered to a WorkItem's ResultSink exactly once.
type Result struct {
	ImageID int64
	// PromptFP echoes the originating WorkItem's PromptFP, so a consumer
	// correlating a text+image pair's conditioning (e.g. for failure
	// logging) has it without a second store lookup.
	PromptFP domain.Fingerprint
	Set      domain.EmbeddingSet
	Err      error
}

// BatchFunc runs one homogeneous batch and returns one error per item (nil
// = success). It is supplied by the orchestrator, bound to one
// encoder.Pool role.
//
// Contract: BatchFunc owns calling item.ResultSink for every item it
// reports as successful (err == nil at that index) — only BatchFunc has
// the computed EmbeddingSet to put in the Result. For a failed item,
// BatchFunc must NOT call ResultSink itself; the scheduler does, once
// retries are exhausted (§4.8).
type BatchFunc func(ctx context.Context, items []WorkItem) []error

// LaneConfig configures one lane's batching policy (§4.8, §6 defaults).
type LaneConfig struct {
	BatchSize               int
	BatchLinger             time.Duration
	QueueCapacityMultiplier int
	Run                     BatchFunc
}

type lane struct {
	cfg   LaneConfig
	queue chan WorkItem
	wg    sync.WaitGroup
}

// Scheduler multiplexes WorkItems across lanes. Construct with New,
// register lanes with AddLane, then Enqueue; call Shutdown to drain
// in-flight batches and stop accepting new work (§5, §4.8).
type Scheduler struct {
	mu       sync.Mutex
	lanes    map[Lane]*lane
	ctx      context.Context
	cancel   context.CancelFunc
	shutdown bool
}

// New constructs a Scheduler bound to parent; cancelling parent (or calling
// Shutdown) stops accepting new enqueues and drains in-flight batches.
func New(parent context.Context) *Scheduler {
	ctx, cancel := context.WithCancel(parent)
	return &Scheduler{
		lanes:  make(map[Lane]*lane),
		ctx:    ctx,
		cancel: cancel,
	}
}

// AddLane registers a lane and starts its consumer goroutine. Must be
// called before the first Enqueue to that lane.
func (s *Scheduler) AddLane(name Lane, cfg LaneConfig) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.QueueCapacityMultiplier <= 0 {
		cfg.QueueCapacityMultiplier = 4
	}
	l := &lane{
		cfg:   cfg,
		queue: make(chan WorkItem, cfg.BatchSize*cfg.QueueCapacityMultiplier),
	}
	s.mu.Lock()
	s.lanes[name] = l
	s.mu.Unlock()

	l.wg.Add(1)
	go s.consume(name, l)
}

// Enqueue adds item to name's lane. It blocks (cooperative suspension) when
// the lane's bounded queue is full — back-pressure per §4.8/§5. Enqueues
// after Shutdown fail with ErrCancelled.
func (s *Scheduler) Enqueue(ctx context.Context, name Lane, item WorkItem) error {
	s.mu.Lock()
	shuttingDown := s.shutdown
	l, ok := s.lanes[name]
	s.mu.Unlock()
	if shuttingDown {
		return fmt.Errorf("%w: scheduler is shutting down", pipelineerr.ErrCancelled)
	}
	if !ok {
		return fmt.Errorf("scheduler: lane %q not registered", name)
	}
	if item.CorrelationID == "" {
		item.CorrelationID = uuid.New().String()
	}

	select {
	case l.queue <- item:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", pipelineerr.ErrCancelled, ctx.Err())
	case <-s.ctx.Done():
		return fmt.Errorf("%w: scheduler shut down while enqueuing", pipelineerr.ErrCancelled)
	}
}

// QueueDepth returns the number of WorkItems currently waiting in name's
// queue (not yet picked up by its consumer goroutine). Returns 0 for an
// unregistered lane, matching statistics()'s "queue depth" field (§4.9).
func (s *Scheduler) QueueDepth(name Lane) int {
	s.mu.Lock()
	l, ok := s.lanes[name]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	return len(l.queue)
}

// Lanes returns the names of every registered lane.
func (s *Scheduler) Lanes() []Lane {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Lane, 0, len(s.lanes))
	for name := range s.lanes {
		out = append(out, name)
	}
	return out
}

// Shutdown cancels the scheduler (refusing new enqueues), waits for every
// lane to drain its in-flight batch, then returns. Idempotent.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.shutdown = true
	lanes := make([]*lane, 0, len(s.lanes))
	for _, l := range s.lanes {
		lanes = append(lanes, l)
		close(l.queue)
	}
	s.mu.Unlock()

	for _, l := range lanes {
		l.wg.Wait()
	}
	s.cancel()
}

// consume is the one-goroutine-per-lane batching loop: it accumulates
// WorkItems until batch_size is reached or batch_linger elapses since the
// oldest pending item, then dispatches (§4.8 "Batching policy").
func (s *Scheduler) consume(name Lane, l *lane) {
	defer l.wg.Done()

	var pending []WorkItem
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		if len(pending) == 0 {
			return
		}
		batch := pending
		pending = nil
		if timer != nil {
			timer.Stop()
			timerC = nil
		}
		dispatch(s.ctx, l.cfg.Run, batch, 0)
	}

	for {
		if pending == nil {
			item, ok := <-l.queue
			if !ok {
				return
			}
			pending = append(pending, item)
			timer = time.NewTimer(l.cfg.BatchLinger)
			timerC = timer.C
			continue
		}

		select {
		case item, ok := <-l.queue:
			if !ok {
				flush()
				return
			}
			pending = append(pending, item)
			if len(pending) >= l.cfg.BatchSize {
				flush()
			}
		case <-timerC:
			flush()
		}
	}
}

// dispatch runs one batch attempt and, for items that fail with a transient
// encoder error, retries with the batch split in half (up to 3 retries
// total per §4.8). Non-transient failures are reported to the item's sink
// as-is; a transient failure that exhausts its retries is reported wrapped
// as ErrEncoderFatal.
func dispatch(ctx context.Context, run BatchFunc, batch []WorkItem, retries int) {
	if err := ctx.Err(); err != nil {
		fail(batch, fmt.Errorf("%w: %v", pipelineerr.ErrCancelled, err))
		return
	}

	errs := run(ctx, batch)
	var retryable []WorkItem
	for i, item := range batch {
		err := errs[i]
		if err == nil {
			// BatchFunc already delivered this item's Result (see contract
			// on BatchFunc) — nothing left to do.
			continue
		}
		if errors.Is(err, pipelineerr.ErrEncoderTransient) {
			if retries < 3 {
				retryable = append(retryable, item)
				continue
			}
			err = fmt.Errorf("%w: exhausted retries: %v", pipelineerr.ErrEncoderFatal, err)
		}
		item.ResultSink(Result{ImageID: item.ImageID, PromptFP: item.PromptFP, Err: err})
	}

	switch {
	case len(retryable) == 0:
		return
	case len(retryable) == 1:
		dispatch(ctx, run, retryable, retries+1)
	default:
		mid := len(retryable) / 2
		dispatch(ctx, run, retryable[:mid], retries+1)
		dispatch(ctx, run, retryable[mid:], retries+1)
	}
}

func fail(batch []WorkItem, err error) {
	for _, item := range batch {
		item.ResultSink(Result{ImageID: item.ImageID, PromptFP: item.PromptFP, Err: err})
	}
}
