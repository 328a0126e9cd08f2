// Package pipeline is the public facade an enclosing application links
// against: it owns ONNX Runtime session construction from a config.Config,
// wires the result into internal/orchestrator, and optionally starts the
// config hot-reload watcher and a directory watcher feeding process_one.
// Shape follows the "load the model, print status, hand back one object
// that owns everything" pattern used for index construction elsewhere in
// this package family, promoted here to an importable type instead of a
// CLI-local closure, since this pipeline is meant to be embedded rather
// than only driven from a CLI.
package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kraklabs/embedpipe/internal/config"
	"github.com/kraklabs/embedpipe/internal/encoder"
	"github.com/kraklabs/embedpipe/internal/logging"
	"github.com/kraklabs/embedpipe/internal/metrics"
	"github.com/kraklabs/embedpipe/internal/orchestrator"
	"github.com/kraklabs/embedpipe/internal/progress"
	"github.com/kraklabs/embedpipe/internal/store"
	"github.com/kraklabs/embedpipe/internal/tokenize"
	"github.com/kraklabs/embedpipe/internal/watchshim"
)

// Fixed ONNX graph input/output names per encoder role (§4.4: a
// "run(named_inputs) → named_outputs" contract) — last_hidden_state for the WordPiece
// path pooled at the first token, pooler_output wherever the graph already
// hands back a pooled vector — CLIP text and vision). These are a property
// of the exported model graphs themselves, not something §6's configuration
// schema exposes a knob for.
var (
	semanticIO = ioNames{inputs: []string{"input_ids", "attention_mask"}, outputs: []string{"last_hidden_state"}}
	clipTextIO = ioNames{inputs: []string{"input_ids"}, outputs: []string{"pooler_output"}}
	visionIO   = ioNames{inputs: []string{"pixel_values"}, outputs: []string{"pooler_output"}}
)

type ioNames struct {
	inputs, outputs []string
}

// Option configures Open.
type Option func(*openOptions)

type openOptions struct {
	sharedLibPath string
	metricsReg    prometheus.Registerer
	hotReloadPath string
}

// WithOrtSharedLibPath points at a non-default onnxruntime.so/.dll, mirroring
// a CLI's --ort-lib flag resolution.
func WithOrtSharedLibPath(path string) Option {
	return func(o *openOptions) { o.sharedLibPath = path }
}

// WithMetrics registers the pipeline's Prometheus collectors against reg.
// Omit to run without metrics (every orchestrator metrics call becomes a
// documented nil-receiver no-op).
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *openOptions) { o.metricsReg = reg }
}

// WithConfigHotReload starts a config.Watcher over path, which keeps
// config.Get() in step with the file (encoder sections pinned). The
// orchestrator, scheduler lanes and encoder sessions built by Open keep the
// values they were constructed with; a reload does not change them.
func WithConfigHotReload(path string) Option {
	return func(o *openOptions) { o.hotReloadPath = path }
}

// Pipeline is the embeddable handle to the whole system: encoder sessions,
// cache, scheduler, and store, opened once and closed once (§9).
type Pipeline struct {
	orch       *orchestrator.Orchestrator
	cfgWatcher *config.Watcher
	log        *logging.Logger

	watchMu  sync.Mutex
	watchers []*watchshim.Watcher

	shutdownOnce sync.Once
}

// Open loads every encoder role cfg configures (a role with an empty
// ModelPath is left unconfigured — §4.5's "ErrEncoderUnavailable for a role
// that was not configured"), builds the pool, and wires it into an
// orchestrator bound to st. ctx governs the scheduler's lifetime; cancel it
// or call Shutdown to drain and release sessions.
func Open(ctx context.Context, cfg *config.Config, st store.Store, opts ...Option) (*Pipeline, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	o := openOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	pool, err := buildPool(cfg, o.sharedLibPath)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	var reg *metrics.Registry
	if o.metricsReg != nil {
		reg = metrics.New(o.metricsReg)
	}

	orch, err := orchestrator.New(ctx, st, pool, reg, cfg)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	p := &Pipeline{orch: orch, log: logging.New("pipeline")}

	if o.hotReloadPath != "" {
		w, err := config.Watch(o.hotReloadPath)
		if err != nil {
			orch.Shutdown()
			return nil, fmt.Errorf("pipeline: config hot-reload: %w", err)
		}
		p.cfgWatcher = w
	}

	return p, nil
}

// buildPool constructs every configured encoder role's tokenizer and
// session, assembling them into one *encoder.Pool. A role whose ModelPath
// is empty is skipped entirely rather than erroring, since §4.5 treats an
// unconfigured role as a normal, expected state.
func buildPool(cfg *config.Config, sharedLibPath string) (*encoder.Pool, error) {
	var opts []encoder.PoolOption

	if cfg.Semantic.ModelPath != "" {
		tok, err := newSemanticTokenizer(cfg.Semantic)
		if err != nil {
			return nil, fmt.Errorf("semantic: %w", err)
		}
		sess, err := newSession(cfg.Semantic, semanticIO, cfg.Session, sharedLibPath)
		if err != nil {
			return nil, fmt.Errorf("semantic: %w", err)
		}
		opts = append(opts, encoder.WithSemantic(sess, tok, cfg.Semantic.Dim, encoder.PoolModeFirstToken))
	}

	if cfg.ClipL.ModelPath != "" {
		sess, tok, err := buildClipRole(cfg.ClipL, cfg.Session, sharedLibPath)
		if err != nil {
			return nil, fmt.Errorf("clip_l: %w", err)
		}
		opts = append(opts, encoder.WithClipL(sess, tok, cfg.ClipL.Dim, encoder.PoolModeDirect))
	}

	if cfg.ClipG.ModelPath != "" {
		sess, tok, err := buildClipRole(cfg.ClipG, cfg.Session, sharedLibPath)
		if err != nil {
			return nil, fmt.Errorf("clip_g: %w", err)
		}
		opts = append(opts, encoder.WithClipG(sess, tok, cfg.ClipG.Dim, encoder.PoolModeDirect))
	}

	if cfg.Vision.ModelPath != "" {
		sess, err := newSession(cfg.Vision, visionIO, cfg.Session, sharedLibPath)
		if err != nil {
			return nil, fmt.Errorf("vision: %w", err)
		}
		opts = append(opts, encoder.WithVision(sess, cfg.Vision.Dim))
	}

	return encoder.NewPool(opts...), nil
}

// newSemanticTokenizer prefers the HuggingFace tokenizer.json fast path
// (internal/tokenize/hftok.go) when the role configures one, falling back to
// the from-scratch WordPiece parser otherwise — same vocab_path/tokenizer_json
// precedence validate() enforces.
func newSemanticTokenizer(enc config.EncoderConfig) (tokenize.TextTokenizer, error) {
	if enc.TokenizerJSON != "" {
		return tokenize.NewHFTokenizer(enc.TokenizerJSON, enc.MaxLen)
	}
	vocab, err := tokenize.LoadWordPieceVocab(enc.VocabPath)
	if err != nil {
		return nil, err
	}
	return tokenize.NewWordPiece(vocab, enc.MaxLen)
}

func buildClipRole(enc config.EncoderConfig, sess config.SessionConfig, sharedLibPath string) (*encoder.Session, tokenize.TextTokenizer, error) {
	vocab, err := tokenize.LoadClipVocab(enc.VocabPath)
	if err != nil {
		return nil, nil, err
	}
	merges, err := tokenize.LoadClipMerges(enc.MergesPath)
	if err != nil {
		return nil, nil, err
	}
	tok, err := tokenize.NewClipBPE(vocab, merges, enc.MaxLen)
	if err != nil {
		return nil, nil, err
	}
	s, err := newSession(enc, clipTextIO, sess, sharedLibPath)
	if err != nil {
		return nil, nil, err
	}
	return s, tok, nil
}

func newSession(enc config.EncoderConfig, io ioNames, sess config.SessionConfig, sharedLibPath string) (*encoder.Session, error) {
	mode := encoder.MemoryConservative
	if sess.MemoryMode == "aggressive" {
		mode = encoder.MemoryAggressive
	}
	return encoder.NewSession(encoder.SessionConfig{
		ModelPath:      enc.ModelPath,
		InputNames:     io.inputs,
		OutputNames:    io.outputs,
		DeviceID:       enc.Device,
		MemoryMode:     mode,
		MemLimitBytes:  sess.MemLimitBytes,
		InterOpThreads: sess.InterOpThreads,
		IntraOpThreads: sess.IntraOpThreads,
		GraphOptLevel:  "all",
	}, sharedLibPath)
}

// PreloadPrompts delegates to the orchestrator's preload_prompts (§4.9 #1).
func (p *Pipeline) PreloadPrompts(ctx context.Context, limit int, sink progress.Sink) error {
	return p.orch.PreloadPrompts(ctx, limit, sink)
}

// ProcessOne delegates to the orchestrator's process_one (§4.9 #2).
func (p *Pipeline) ProcessOne(ctx context.Context, req orchestrator.ImageEmbeddingRequest) error {
	return p.orch.ProcessOne(ctx, req)
}

// ProcessAll delegates to the orchestrator's process_all (§4.9 #3).
func (p *Pipeline) ProcessAll(ctx context.Context, batchSize int, sink progress.Sink) (orchestrator.Summary, error) {
	return p.orch.ProcessAll(ctx, batchSize, sink)
}

// Statistics delegates to the orchestrator's statistics() (§4.9 #4).
func (p *Pipeline) Statistics() orchestrator.Statistics {
	return p.orch.Statistics()
}

// WatchCallback resolves a freshly-settled filesystem event into a request
// ready for ProcessOne. Resolving ImageID/GenerationParameters requires
// application-level metadata (e.g. a sidecar or embedded PNG text chunk)
// that this package has no opinion on — ok=false skips the event instead of
// failing the whole watch loop.
type WatchCallback func(ctx context.Context, ev watchshim.ImageEvent) (req orchestrator.ImageEmbeddingRequest, ok bool, err error)

// Watch starts one watchshim.Watcher per directory in dirs (a Watcher owns
// a single fsnotify handle and event channel closed on exit, so it cannot
// be shared across roots) and calls cb, then ProcessOne, for each settled
// event — the folder-scanning supplement described in §1. It blocks
// until ctx is cancelled: one watch goroutine per directory, wait on all
// of them.
func (p *Pipeline) Watch(ctx context.Context, dirs []string, cb WatchCallback) error {
	watchers := make([]*watchshim.Watcher, len(dirs))
	for i := range dirs {
		w, err := watchshim.New()
		if err != nil {
			return fmt.Errorf("pipeline: watch: %w", err)
		}
		watchers[i] = w
	}
	p.watchMu.Lock()
	p.watchers = watchers
	p.watchMu.Unlock()

	var wg sync.WaitGroup
	errCh := make(chan error, len(dirs))
	for i, dir := range dirs {
		w := watchers[i]
		wg.Add(1)
		go func(d string, w *watchshim.Watcher) {
			defer wg.Done()
			if err := w.Watch(ctx, d); err != nil {
				errCh <- fmt.Errorf("watch %s: %w", d, err)
			}
		}(dir, w)

		wg.Add(1)
		go func(w *watchshim.Watcher) {
			defer wg.Done()
			for ev := range w.Events() {
				req, ok, err := cb(ctx, ev)
				if err != nil {
					p.log.Warnf("resolve event %s: %v", ev.Path, err)
					continue
				}
				if !ok {
					continue
				}
				if err := p.orch.ProcessOne(ctx, req); err != nil {
					p.log.Warnf("process %s: %v", ev.Path, err)
				}
			}
		}(w)
	}

	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

// Shutdown stops the config hot-reload watcher (if any) and releases the
// orchestrator. Idempotent (§4.9 #5).
func (p *Pipeline) Shutdown() {
	p.shutdownOnce.Do(func() {
		p.orch.Shutdown()
		if p.cfgWatcher != nil {
			if err := p.cfgWatcher.Close(); err != nil {
				p.log.Warnf("close config watcher: %v", err)
			}
		}
	})
}
