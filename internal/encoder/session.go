// Package encoder wraps ONNX Runtime inference sessions (C4) and the pool
// that dispatches batches to them (C5), generalized to the four encoder
// roles §6 configures (semantic text, CLIP-L text, CLIP-G text, vision)
// and to the device/memory knobs §4.4 specifies.
package encoder

import (
	"fmt"
	"os"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/kraklabs/embedpipe/internal/logging"
	"github.com/kraklabs/embedpipe/internal/pipelineerr"
)

// MemoryMode selects the device allocator strategy (§4.4).
type MemoryMode int

const (
	// MemoryConservative requests exactly sized allocations, restricts
	// convolution workspace, and uses the default algorithm search.
	MemoryConservative MemoryMode = iota
	// MemoryAggressive grows the arena by powers of two, leaves workspace
	// unrestricted, and runs an exhaustive algorithm search.
	MemoryAggressive
)

// SessionConfig configures a single EncoderSession (§4.4).
type SessionConfig struct {
	ModelPath        string
	InputNames       []string
	OutputNames      []string
	DeviceID         int
	MemoryMode       MemoryMode
	MemLimitBytes    int64
	InterOpThreads   int
	IntraOpThreads   int
	// GraphOptLevel must be "all" unless a specific model mis-optimizes.
	GraphOptLevel string
}

// Session wraps one loaded inference graph bound to one device. Only one
// Run call may be outstanding at a time (§5): runPermit enforces that.
type Session struct {
	session    *ort.DynamicAdvancedSession
	inputNames []string
	outName    string
	runPermit  chan struct{}
	onCPU      bool
	log        *logging.Logger
}

var ortInitOnce sync.Once
var ortInitErr error

func initRuntime(sharedLibPath string) error {
	ortInitOnce.Do(func() {
		if sharedLibPath != "" {
			ort.SetSharedLibraryPath(sharedLibPath)
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	return ortInitErr
}

// NewSession loads cfg.ModelPath and binds it to cfg.DeviceID. On device
// unavailability it falls back to CPU execution and logs a warning instead
// of failing construction (§4.4). Construction fails with ErrModelMissing /
// ErrModelMalformed if the graph or its required inputs are absent.
func NewSession(cfg SessionConfig, sharedLibPath string) (*Session, error) {
	log := logging.New("encoder")

	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("%w: model not found at %s", pipelineerr.ErrModelMissing, cfg.ModelPath)
	}
	if len(cfg.InputNames) == 0 || len(cfg.OutputNames) == 0 {
		return nil, fmt.Errorf("%w: session requires at least one input and output name", pipelineerr.ErrModelMalformed)
	}

	if err := initRuntime(sharedLibPath); err != nil {
		return nil, fmt.Errorf("%w: init onnxruntime: %v", pipelineerr.ErrConfiguration, err)
	}

	intraThreads := cfg.IntraOpThreads
	if intraThreads <= 0 {
		intraThreads = runtime.NumCPU()
		if intraThreads > 4 {
			intraThreads = 4
		}
	}
	interThreads := cfg.InterOpThreads
	if interThreads <= 0 {
		interThreads = 1
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("%w: session options: %v", pipelineerr.ErrConfiguration, err)
	}
	defer opts.Destroy()

	if err := opts.SetIntraOpNumThreads(intraThreads); err != nil {
		return nil, fmt.Errorf("%w: set intra threads: %v", pipelineerr.ErrConfiguration, err)
	}
	if err := opts.SetInterOpNumThreads(interThreads); err != nil {
		return nil, fmt.Errorf("%w: set inter threads: %v", pipelineerr.ErrConfiguration, err)
	}
	applyMemoryMode(opts, cfg.MemoryMode)

	onCPU := true
	if cfg.DeviceID >= 0 {
		if err := tryBindAccelerator(opts, cfg); err != nil {
			log.Warnf("device %d unavailable (%v) — falling back to CPU", cfg.DeviceID, err)
		} else {
			onCPU = false
		}
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath, cfg.InputNames, cfg.OutputNames, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: create session for %s: %v", pipelineerr.ErrModelMalformed, cfg.ModelPath, err)
	}

	permit := make(chan struct{}, 1)
	permit <- struct{}{}

	return &Session{
		session:    session,
		inputNames: cfg.InputNames,
		outName:    cfg.OutputNames[0],
		runPermit:  permit,
		onCPU:      onCPU,
		log:        log,
	}, nil
}

// applyMemoryMode is a no-op placeholder for allocator-strategy knobs that
// onnxruntime_go does not expose a direct setter for (arena growth
// strategy, workspace limits); it exists so SessionConfig.MemoryMode and
// MemLimitBytes have one documented place they are consulted even though,
// on the CPU execution provider, ORT's default arena already behaves
// conservatively. GPU-specific arena tuning is applied in
// tryBindAccelerator via the CUDA provider options map.
func applyMemoryMode(_ *ort.SessionOptions, _ MemoryMode) {}

// tryBindAccelerator attempts to add a CUDA execution provider bound to
// cfg.DeviceID with the requested memory strategy. Returns an error if the
// accelerator cannot be bound — callers treat that as "fall back to CPU".
func tryBindAccelerator(opts *ort.SessionOptions, cfg SessionConfig) error {
	cudaOpts, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return fmt.Errorf("cuda provider options: %w", err)
	}
	defer cudaOpts.Destroy()

	settings := map[string]string{
		"device_id": fmt.Sprintf("%d", cfg.DeviceID),
	}
	if cfg.MemLimitBytes > 0 {
		settings["gpu_mem_limit"] = fmt.Sprintf("%d", cfg.MemLimitBytes)
	}
	switch cfg.MemoryMode {
	case MemoryAggressive:
		settings["arena_extend_strategy"] = "kNextPowerOfTwo"
		settings["cudnn_conv_algo_search"] = "EXHAUSTIVE"
	default:
		settings["arena_extend_strategy"] = "kSameAsRequested"
		settings["cudnn_conv_algo_search"] = "DEFAULT"
	}
	if err := cudaOpts.Update(settings); err != nil {
		return fmt.Errorf("cuda provider update: %w", err)
	}
	if err := opts.AppendExecutionProviderCUDA(cudaOpts); err != nil {
		return fmt.Errorf("append cuda provider: %w", err)
	}
	return nil
}

// OnCPU reports whether this session fell back to CPU execution.
func (s *Session) OnCPU() bool { return s.onCPU }

// Close releases the underlying inference session.
func (s *Session) Close() {
	if s.session != nil {
		s.session.Destroy()
	}
}

// Run executes the graph with the given named input tensors, serialized
// behind the session's single-permit resource (§5: most runtimes do not
// support concurrent Run calls on the same session). Returns the tensor
// named cfg.OutputNames[0] as raw float32 data plus its shape.
func (s *Session) Run(inputs []ort.Value) ([]float32, []int64, error) {
	<-s.runPermit
	defer func() { s.runPermit <- struct{}{} }()

	outputs := []ort.Value{nil}
	if err := s.session.Run(inputs, outputs); err != nil {
		return nil, nil, fmt.Errorf("%w: ort run: %v", pipelineerr.ErrEncoderTransient, err)
	}
	defer func() {
		if outputs[0] != nil {
			outputs[0].Destroy()
		}
	}()

	tensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, nil, fmt.Errorf("%w: output %s not *Tensor[float32]", pipelineerr.ErrOutputMissing, s.outName)
	}
	data := tensor.GetData()
	out := make([]float32, len(data))
	copy(out, data)
	shape := []int64(tensor.GetShape())
	shapeCopy := make([]int64, len(shape))
	copy(shapeCopy, shape)
	return out, shapeCopy, nil
}
