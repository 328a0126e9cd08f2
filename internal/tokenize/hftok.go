// hftok.go is an optional fast-path loader for encoder roles whose vocab
// ships as a single HuggingFace tokenizer.json (rather than the bare
// vocab.txt/merges.txt pairs the from-scratch WordPiece and CLIP BPE
// tokenizers above parse themselves). It wraps daulet/tokenizers and
// satisfies the same TextTokenizer interface so callers don't care which
// path built the session's tokenizer.
package tokenize

import (
	"fmt"

	"github.com/daulet/tokenizers"
)

// HFTokenizer adapts a daulet/tokenizers.Tokenizer loaded from a HuggingFace
// tokenizer.json to TextTokenizer. Construction goes through
// tokenizers.FromFile; Encode goes through EncodeWithOptions(text, true,
// tokenizers.WithReturnAttentionMask()), truncated to maxLen before the
// ids/mask pair is built.
type HFTokenizer struct {
	tok    *tokenizers.Tokenizer
	maxLen int
}

// NewHFTokenizer loads tokenizerJSONPath (a HuggingFace tokenizer.json) and
// returns a TextTokenizer capped at maxLen tokens per input.
func NewHFTokenizer(tokenizerJSONPath string, maxLen int) (*HFTokenizer, error) {
	tok, err := tokenizers.FromFile(tokenizerJSONPath)
	if err != nil {
		return nil, fmt.Errorf("hftok: load %s: %w", tokenizerJSONPath, err)
	}
	return &HFTokenizer{tok: tok, maxLen: maxLen}, nil
}

// Close releases the underlying Rust-side tokenizer. Safe to call once the
// owning encoder.Session is no longer in use.
func (h *HFTokenizer) Close() {
	if h.tok != nil {
		h.tok.Close()
	}
}

// MaxLen returns the configured cap.
func (h *HFTokenizer) MaxLen() int { return h.maxLen }

// Encode tokenizes text with special tokens added, truncating to MaxLen.
func (h *HFTokenizer) Encode(text string) (Encoded, error) {
	enc := h.tok.EncodeWithOptions(text, true, tokenizers.WithReturnAttentionMask())

	ids := enc.IDs
	if len(ids) > h.maxLen {
		ids = ids[:h.maxLen]
	}

	out := Encoded{
		IDs:  make([]int64, len(ids)),
		Mask: make([]int64, len(ids)),
	}
	for i, v := range ids {
		out.IDs[i] = int64(v)
		out.Mask[i] = 1
	}
	if len(enc.AttentionMask) >= len(ids) {
		for i := range out.Mask {
			out.Mask[i] = int64(enc.AttentionMask[i])
		}
	}
	return out, nil
}
