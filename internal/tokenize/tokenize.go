// Package tokenize implements the two text tokenizers used by the pipeline
// (§4.1): a from-scratch CLIP BPE tokenizer (77-token, fixed length) and a
// from-scratch WordPiece-style tokenizer (512-token, variable length with an
// attention mask). Both are pure — no I/O once constructed.
//
// The source system dispatches through a tokenizer-base class hierarchy
// (design note 1); here the two implementations share no base type. Callers
// that need to treat them uniformly use the small TextTokenizer interface
// below instead of inheritance.
package tokenize

// Encoded is what a tokenizer produces for one input string.
type Encoded struct {
	IDs  []int64 // length L for CLIP; len(IDs) <= L for WordPiece
	Mask []int64 // attention mask, same length as IDs; all 1s for CLIP
}

// TextTokenizer is the capability both tokenizer variants implement.
type TextTokenizer interface {
	Encode(text string) (Encoded, error)
	MaxLen() int
}
