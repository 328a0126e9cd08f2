package encoder

import (
	"context"
	"fmt"
	"math"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/kraklabs/embedpipe/internal/pipelineerr"
	"github.com/kraklabs/embedpipe/internal/tokenize"
)

// ClipModel selects which CLIP text tower to use.
type ClipModel int

const (
	ClipL ClipModel = iota
	ClipG
)

// textRole bundles a session with the tokenizer it consumes.
type textRole struct {
	session   *Session
	tokenizer tokenize.TextTokenizer
	dim       int
	// poolMode documents, per model, which of the §4.4/§9 pooling
	// conventions the exported graph requires. Resolved at construction
	// time per the open question in design note/§9 and pinned here rather
	// than re-derived per call.
	poolMode poolMode
}

type poolMode int

const (
	poolFirstToken poolMode = iota // last_hidden_state[:, 0, :]
	poolDirect                     // output tensor IS already the pooled [B, dim] vector (pooler_output)
)

// Pool holds up to four encoder sessions (semantic-text, CLIP-L text,
// CLIP-G text, vision). Any subset may be nil — callers get
// ErrEncoderUnavailable for a role that was not configured (§4.5).
type Pool struct {
	semantic *textRole
	clipL    *textRole
	clipG    *textRole
	vision   *Session
	visionDim int
}

// PoolOption configures a role at construction time.
type PoolOption func(*Pool)

// WithSemantic configures the semantic text encoder (WordPiece, 1024-d).
func WithSemantic(sess *Session, tok tokenize.TextTokenizer, dim int, mode poolMode) PoolOption {
	return func(p *Pool) { p.semantic = &textRole{session: sess, tokenizer: tok, dim: dim, poolMode: mode} }
}

// WithClipL configures the CLIP-L text encoder (768-d).
func WithClipL(sess *Session, tok tokenize.TextTokenizer, dim int, mode poolMode) PoolOption {
	return func(p *Pool) { p.clipL = &textRole{session: sess, tokenizer: tok, dim: dim, poolMode: mode} }
}

// WithClipG configures the CLIP-G text encoder (1280-d).
func WithClipG(sess *Session, tok tokenize.TextTokenizer, dim int, mode poolMode) PoolOption {
	return func(p *Pool) { p.clipG = &textRole{session: sess, tokenizer: tok, dim: dim, poolMode: mode} }
}

// WithVision configures the vision encoder (1280-d).
func WithVision(sess *Session, dim int) PoolOption {
	return func(p *Pool) { p.vision = sess; p.visionDim = dim }
}

// PoolModeFirstToken and PoolModeDirect expose the two pooling conventions
// to callers building PoolOptions (see poolMode above).
const (
	PoolModeFirstToken = poolFirstToken
	PoolModeDirect     = poolDirect
)

// NewPool builds a pool from the given options. Missing roles stay nil.
func NewPool(opts ...PoolOption) *Pool {
	p := &Pool{}
	for _, o := range opts {
		o(p)
	}
	return p
}

// HasSemantic reports whether the semantic text role was configured.
func (p *Pool) HasSemantic() bool { return p.semantic != nil }

// HasClipL reports whether the CLIP-L text role was configured.
func (p *Pool) HasClipL() bool { return p.clipL != nil }

// HasClipG reports whether the CLIP-G text role was configured.
func (p *Pool) HasClipG() bool { return p.clipG != nil }

// HasVision reports whether the vision role was configured.
func (p *Pool) HasVision() bool { return p.vision != nil }

// Close releases every configured session.
func (p *Pool) Close() {
	for _, r := range []*textRole{p.semantic, p.clipL, p.clipG} {
		if r != nil {
			r.session.Close()
			if c, ok := r.tokenizer.(interface{ Close() }); ok {
				c.Close()
			}
		}
	}
	if p.vision != nil {
		p.vision.Close()
	}
}

// EncodeTextSemantic encodes batch with the semantic (WordPiece) text
// encoder, returning one L2-normalized 1024-d vector per input.
func (p *Pool) EncodeTextSemantic(ctx context.Context, batch []string) ([][]float32, error) {
	if p.semantic == nil {
		return nil, fmt.Errorf("%w: semantic", pipelineerr.ErrEncoderUnavailable)
	}
	return encodeTextBatch(ctx, p.semantic, batch, true)
}

// EncodeTextClip encodes batch with the requested CLIP text tower,
// returning one L2-normalized vector (768-d for L, 1280-d for G) per input.
func (p *Pool) EncodeTextClip(ctx context.Context, model ClipModel, batch []string) ([][]float32, error) {
	role := p.clipL
	name := "clip_l"
	if model == ClipG {
		role = p.clipG
		name = "clip_g"
	}
	if role == nil {
		return nil, fmt.Errorf("%w: %s", pipelineerr.ErrEncoderUnavailable, name)
	}
	return encodeTextBatch(ctx, role, batch, false)
}

// EncodeImage encodes batch (already-preprocessed CHW tensors) with the
// vision encoder, returning one L2-normalized 1280-d vector per input.
func (p *Pool) EncodeImage(ctx context.Context, batch [][]float32) ([][]float32, error) {
	if p.vision == nil {
		return nil, fmt.Errorf("%w: vision", pipelineerr.ErrEncoderUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", pipelineerr.ErrCancelled, err)
	}

	b := len(batch)
	if b == 0 {
		return nil, nil
	}
	const c, h, w = 3, 224, 224
	flat := make([]float32, b*c*h*w)
	for i, t := range batch {
		copy(flat[i*c*h*w:], t)
	}
	shape := ort.NewShape(int64(b), c, h, w)
	tensor, err := ort.NewTensor(shape, flat)
	if err != nil {
		return nil, fmt.Errorf("%w: pixel_values tensor: %v", pipelineerr.ErrEncoderFatal, err)
	}
	defer tensor.Destroy()

	data, outShape, err := p.vision.Run([]ort.Value{tensor})
	if err != nil {
		return nil, err
	}

	dim := p.visionDim
	if len(outShape) >= 2 {
		dim = int(outShape[len(outShape)-1])
	}
	return splitAndNormalize(data, b, dim), nil
}

// AllResult is what EncodeAll returns: EncodeAll fans out prompt and image
// encoding across every configured session concurrently (§4.5 encode_all).
// A vector component stays nil, with its Has flag false, if its session is
// not configured.
type AllResult struct {
	Semantic, ClipL, ClipG, Vision []float32
	HasSemantic, HasClipL, HasClipG, HasVision bool
}

func (p *Pool) EncodeAll(ctx context.Context, prompt string, imageTensor []float32) (AllResult, error) {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		result AllResult
		firstErr error
	)

	record := func(err error) {
		if err == nil {
			return
		}
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	if p.semantic != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			vecs, err := p.EncodeTextSemantic(ctx, []string{prompt})
			if err != nil {
				record(err)
				return
			}
			mu.Lock()
			result.Semantic, result.HasSemantic = vecs[0], true
			mu.Unlock()
		}()
	}
	if p.clipL != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			vecs, err := p.EncodeTextClip(ctx, ClipL, []string{prompt})
			if err != nil {
				record(err)
				return
			}
			mu.Lock()
			result.ClipL, result.HasClipL = vecs[0], true
			mu.Unlock()
		}()
	}
	if p.clipG != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			vecs, err := p.EncodeTextClip(ctx, ClipG, []string{prompt})
			if err != nil {
				record(err)
				return
			}
			mu.Lock()
			result.ClipG, result.HasClipG = vecs[0], true
			mu.Unlock()
		}()
	}
	if p.vision != nil && imageTensor != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			vecs, err := p.EncodeImage(ctx, [][]float32{imageTensor})
			if err != nil {
				record(err)
				return
			}
			mu.Lock()
			result.Vision, result.HasVision = vecs[0], true
			mu.Unlock()
		}()
	}

	wg.Wait()
	if firstErr != nil {
		return AllResult{}, firstErr
	}
	return result, nil
}

// encodeTextBatch tokenizes, builds i64 input_ids (and attention_mask for
// WordPiece-style tokenizers), runs the session, and pools+normalizes.
func encodeTextBatch(ctx context.Context, role *textRole, texts []string, withMask bool) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", pipelineerr.ErrCancelled, err)
	}
	if len(texts) == 0 {
		return nil, nil
	}

	type enc struct{ ids, mask []int64 }
	encs := make([]enc, len(texts))
	maxLen := 0
	for i, text := range texts {
		e, err := role.tokenizer.Encode(text)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", pipelineerr.ErrTokenizationInput, err)
		}
		encs[i] = enc{ids: e.IDs, mask: e.Mask}
		if len(e.IDs) > maxLen {
			maxLen = len(e.IDs)
		}
	}
	if maxLen == 0 {
		return nil, fmt.Errorf("%w: all texts tokenized to zero length", pipelineerr.ErrTokenizationInput)
	}

	b := len(texts)
	flatIDs := make([]int64, b*maxLen)
	flatMask := make([]int64, b*maxLen)
	for i, e := range encs {
		copy(flatIDs[i*maxLen:], e.ids)
		if withMask {
			copy(flatMask[i*maxLen:], e.mask)
		} else {
			for j := range e.ids {
				flatMask[i*maxLen+j] = 1
			}
		}
	}

	shape := ort.NewShape(int64(b), int64(maxLen))
	idsTensor, err := ort.NewTensor(shape, flatIDs)
	if err != nil {
		return nil, fmt.Errorf("%w: input_ids tensor: %v", pipelineerr.ErrEncoderFatal, err)
	}
	defer idsTensor.Destroy()

	inputs := []ort.Value{idsTensor}
	if withMask {
		maskTensor, err := ort.NewTensor(shape, flatMask)
		if err != nil {
			return nil, fmt.Errorf("%w: attention_mask tensor: %v", pipelineerr.ErrEncoderFatal, err)
		}
		defer maskTensor.Destroy()
		inputs = append(inputs, maskTensor)
	}

	data, outShape, err := role.session.Run(inputs)
	if err != nil {
		return nil, err
	}

	dim := role.dim
	switch role.poolMode {
	case poolDirect:
		if len(outShape) >= 2 {
			dim = int(outShape[len(outShape)-1])
		}
		return splitAndNormalize(data, b, dim), nil
	default: // poolFirstToken
		seqLen := maxLen
		if len(outShape) >= 2 {
			seqLen = int(outShape[1])
		}
		out := make([][]float32, b)
		for i := 0; i < b; i++ {
			vec := make([]float32, dim)
			base := i * seqLen * dim
			copy(vec, data[base:base+dim])
			l2Normalize(vec)
			out[i] = vec
		}
		return out, nil
	}
}

// splitAndNormalize slices a flat [B*dim] buffer into B L2-normalized vectors.
func splitAndNormalize(data []float32, b, dim int) [][]float32 {
	out := make([][]float32, b)
	for i := 0; i < b; i++ {
		vec := make([]float32, dim)
		copy(vec, data[i*dim:(i+1)*dim])
		l2Normalize(vec)
		out[i] = vec
	}
	return out
}

// l2Normalize normalizes v in-place to unit length. A degenerate all-zero
// input stays the zero vector (§3 invariant 1 allows this edge case).
func l2Normalize(v []float32) {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	norm = math.Sqrt(norm)
	if norm < 1e-10 {
		return
	}
	inv := float32(1.0 / norm)
	for i := range v {
		v[i] *= inv
	}
}
