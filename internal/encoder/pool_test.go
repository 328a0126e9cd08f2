package encoder

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/kraklabs/embedpipe/internal/pipelineerr"
)

func TestL2NormalizeUnitLength(t *testing.T) {
	v := []float32{3, 4, 0}
	l2Normalize(v)
	want := []float32{0.6, 0.8, 0}
	for i := range v {
		if diff := float64(v[i] - want[i]); diff < -1e-5 || diff > 1e-5 {
			t.Errorf("v[%d] = %f, want %f", i, v[i], want[i])
		}
	}
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if diff := math.Sqrt(norm) - 1; diff < -1e-6 || diff > 1e-6 {
		t.Errorf("norm = %f, want 1", math.Sqrt(norm))
	}
}

func TestL2NormalizeZeroVectorStaysZero(t *testing.T) {
	v := []float32{0, 0, 0}
	l2Normalize(v)
	for _, x := range v {
		if x != 0 {
			t.Fatalf("zero vector changed: %v", v)
		}
	}
}

func TestSplitAndNormalizeShapes(t *testing.T) {
	data := []float32{1, 0, 0, 0, 2, 0}
	out := splitAndNormalize(data, 2, 3)
	if len(out) != 2 || len(out[0]) != 3 {
		t.Fatalf("shape = %d x %d, want 2 x 3", len(out), len(out[0]))
	}
	if out[0][0] != 1 {
		t.Errorf("out[0] = %v, want [1,0,0]", out[0])
	}
	if out[1][1] != 1 {
		t.Errorf("out[1] = %v, want [0,1,0]", out[1])
	}
}

func TestPoolUnconfiguredRoleReturnsEncoderUnavailable(t *testing.T) {
	p := NewPool()
	_, err := p.EncodeTextSemantic(context.Background(), []string{"hi"})
	if !errors.Is(err, pipelineerr.ErrEncoderUnavailable) {
		t.Fatalf("err = %v, want ErrEncoderUnavailable", err)
	}
	_, err = p.EncodeTextClip(context.Background(), ClipL, []string{"hi"})
	if !errors.Is(err, pipelineerr.ErrEncoderUnavailable) {
		t.Fatalf("err = %v, want ErrEncoderUnavailable", err)
	}
	_, err = p.EncodeImage(context.Background(), [][]float32{{1, 2, 3}})
	if !errors.Is(err, pipelineerr.ErrEncoderUnavailable) {
		t.Fatalf("err = %v, want ErrEncoderUnavailable", err)
	}
}

func TestPoolEncodeAllWithNoSessionsReturnsEmptySet(t *testing.T) {
	p := NewPool()
	result, err := p.EncodeAll(context.Background(), "a prompt", nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.HasSemantic || result.HasClipL || result.HasClipG || result.HasVision {
		t.Fatalf("expected no components set, got %+v", result)
	}
}

func TestPoolEncodeImageEmptyBatch(t *testing.T) {
	p := NewPool(WithVision(&Session{runPermit: make(chan struct{}, 1)}, 1280))
	out, err := p.EncodeImage(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if out != nil {
		t.Fatalf("expected nil result for empty batch, got %v", out)
	}
}
