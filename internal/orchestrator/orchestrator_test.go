package orchestrator

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kraklabs/embedpipe/internal/config"
	"github.com/kraklabs/embedpipe/internal/domain"
	"github.com/kraklabs/embedpipe/internal/encoder"
	"github.com/kraklabs/embedpipe/internal/store"
)

// fakeEncoders is a test double for Encoders that needs no ONNX Runtime
// model files — every configured role is "available" and returns a
// deterministic, correctly-shaped vector per input.
type fakeEncoders struct {
	semanticCalls atomic.Int32
	clipLCalls    atomic.Int32
	clipGCalls    atomic.Int32
	visionCalls   atomic.Int32
	closed        atomic.Bool
}

func (f *fakeEncoders) HasSemantic() bool { return true }
func (f *fakeEncoders) HasClipL() bool    { return true }
func (f *fakeEncoders) HasClipG() bool    { return true }
func (f *fakeEncoders) HasVision() bool   { return true }

func (f *fakeEncoders) EncodeTextSemantic(_ context.Context, batch []string) ([][]float32, error) {
	f.semanticCalls.Add(1)
	return fakeVectors(batch, 1024), nil
}

func (f *fakeEncoders) EncodeTextClip(_ context.Context, model encoder.ClipModel, batch []string) ([][]float32, error) {
	dim := 768
	if model == encoder.ClipG {
		dim = 1280
		f.clipGCalls.Add(1)
	} else {
		f.clipLCalls.Add(1)
	}
	return fakeVectors(batch, dim), nil
}

func (f *fakeEncoders) EncodeImage(_ context.Context, batch [][]float32) ([][]float32, error) {
	f.visionCalls.Add(1)
	out := make([][]float32, len(batch))
	for i := range batch {
		v := make([]float32, 1280)
		v[0] = 1
		out[i] = v
	}
	return out, nil
}

func (f *fakeEncoders) Close() { f.closed.Store(true) }

func fakeVectors(batch []string, dim int) [][]float32 {
	out := make([][]float32, len(batch))
	for i := range batch {
		v := make([]float32, dim)
		v[0] = 1
		out[i] = v
	}
	return out
}

func writeTestPNG(t *testing.T, dir, name string) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 100, B: 50, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func testParams(width, height int) domain.GenerationParameters {
	return domain.GenerationParameters{
		Prompt: "a red cube", ModelName: "sdxl", Seed: 1, Steps: 20,
		CFGScale: 7.5, Sampler: "euler_a", Scheduler: "karras",
		Width: width, Height: height,
	}
}

func TestProcessOneEndToEnd(t *testing.T) {
	dir := t.TempDir()
	path := writeTestPNG(t, dir, "a.png")

	st := store.NewMemory()
	enc := &fakeEncoders{}
	o, err := New(context.Background(), st, enc, nil, config.Default())
	if err != nil {
		t.Fatal(err)
	}
	defer o.Shutdown()

	req := ImageEmbeddingRequest{ImageID: 1, Path: path, Params: testParams(512, 512)}
	if err := o.ProcessOne(context.Background(), req); err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}

	set, isRep, ok := st.Embeddings(1)
	if !ok {
		t.Fatal("expected image 1 to have persisted embeddings")
	}
	if !isRep {
		t.Fatal("ProcessOne should persist as representative")
	}
	if !set.HasSemantic || !set.HasClipL || !set.HasClipG || !set.HasVision {
		t.Fatalf("expected all four components populated, got %+v", set)
	}

	stats := o.Statistics()
	if stats.ImagesProcessed != 1 {
		t.Fatalf("expected 1 image processed, got %d", stats.ImagesProcessed)
	}
}

func TestProcessAllDedupSingleEncoderInvocationPerModality(t *testing.T) {
	dir := t.TempDir()
	p1 := writeTestPNG(t, dir, "a.png")
	p2 := writeTestPNG(t, dir, "b.png")
	p3 := writeTestPNG(t, dir, "c.png")

	st := store.NewMemory()
	st.SeedImages([]domain.ImageRecord{
		{ID: 1, Path: p1, Params: testParams(512, 512), FileSize: 800},
		{ID: 2, Path: p2, Params: testParams(1024, 1024), FileSize: 3200},
		{ID: 3, Path: p3, Params: testParams(1024, 1024), FileSize: 3100},
	})

	enc := &fakeEncoders{}
	cfg := config.Default()
	o, err := New(context.Background(), st, enc, nil, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer o.Shutdown()

	summary, err := o.ProcessAll(context.Background(), 4, nil)
	if err != nil {
		t.Fatalf("ProcessAll: %v", err)
	}
	if len(summary.FailedGroups) != 0 {
		t.Fatalf("expected no failed groups, got %+v", summary.FailedGroups)
	}
	if summary.RepresentativesOK != 1 {
		t.Fatalf("expected 1 representative encoded, got %d", summary.RepresentativesOK)
	}
	if summary.FannedOut != 1 {
		t.Fatalf("expected 1 group fanned out, got %d", summary.FannedOut)
	}

	// All three images share the same metadata fingerprint, so exactly one
	// encoder invocation per modality should have happened (§8 scenario 4).
	if enc.semanticCalls.Load() != 1 || enc.clipLCalls.Load() != 1 || enc.clipGCalls.Load() != 1 || enc.visionCalls.Load() != 1 {
		t.Fatalf("expected exactly one call per modality, got semantic=%d clip_l=%d clip_g=%d vision=%d",
			enc.semanticCalls.Load(), enc.clipLCalls.Load(), enc.clipGCalls.Load(), enc.visionCalls.Load())
	}

	repSet, _, ok := st.Embeddings(2)
	if !ok {
		t.Fatal("expected representative (id 2) to be embedded")
	}
	for _, id := range []int64{1, 3} {
		set, isRep, ok := st.Embeddings(id)
		if !ok {
			t.Fatalf("expected image %d to have fanned-out embeddings", id)
		}
		if isRep {
			t.Fatalf("image %d copied via fanout must not be marked representative", id)
		}
		if set != repSet {
			t.Fatalf("image %d's embeddings diverge from representative's", id)
		}
	}
}

func TestPreloadPromptsWarmsCache(t *testing.T) {
	st := store.NewMemory()
	st.SeedImages([]domain.ImageRecord{
		{ID: 1, Params: testParams(512, 512)},
		{ID: 2, Params: testParams(512, 512)},
	})

	enc := &fakeEncoders{}
	o, err := New(context.Background(), st, enc, nil, config.Default())
	if err != nil {
		t.Fatal(err)
	}
	defer o.Shutdown()

	if err := o.PreloadPrompts(context.Background(), 0, nil); err != nil {
		t.Fatalf("PreloadPrompts: %v", err)
	}

	stats := o.Statistics()
	if stats.CacheSize == 0 {
		t.Fatal("expected preload to populate the cache")
	}
	// A second pass over the same pairs must be entirely cache hits.
	if err := o.PreloadPrompts(context.Background(), 0, nil); err != nil {
		t.Fatalf("PreloadPrompts (second pass): %v", err)
	}
	if enc.semanticCalls.Load() != 1 {
		t.Fatalf("expected semantic encoder invoked exactly once across both preload passes, got %d", enc.semanticCalls.Load())
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	st := store.NewMemory()
	enc := &fakeEncoders{}
	o, err := New(context.Background(), st, enc, nil, config.Default())
	if err != nil {
		t.Fatal(err)
	}
	o.Shutdown()
	o.Shutdown()
	if !enc.closed.Load() {
		t.Fatal("expected encoder pool to be closed")
	}
}

func TestStatisticsReportsQueueDepth(t *testing.T) {
	st := store.NewMemory()
	enc := &fakeEncoders{}
	o, err := New(context.Background(), st, enc, nil, config.Default())
	if err != nil {
		t.Fatal(err)
	}
	defer o.Shutdown()

	stats := o.Statistics()
	if len(stats.QueueDepth) != 4 {
		t.Fatalf("expected 4 lanes reported, got %d: %+v", len(stats.QueueDepth), stats.QueueDepth)
	}
	time.Sleep(10 * time.Millisecond)
}
