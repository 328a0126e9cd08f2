package tokenize

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/kraklabs/embedpipe/internal/pipelineerr"
)

const (
	wpUNK = "[UNK]"
	wpCLS = "[CLS]"
	wpSEP = "[SEP]"

	wpUNKID = 100
	wpCLSID = 101
	wpSEPID = 102
)

// WordPiece is the word-level tokenizer described in §4.1: whitespace split,
// lowercase, unknown → [UNK], bracketed by [CLS]/[SEP]. The reference
// implementation is word-level — no subword splitting is required for
// correctness here, so despite the name this does not perform the
// subword-merge step a BERT WordPiece model normally would.
type WordPiece struct {
	vocab  map[string]int
	length int
}

// LoadWordPieceVocab reads a line-indexed vocabulary file: line i -> id i.
func LoadWordPieceVocab(path string) (map[string]int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open wordpiece vocab %s: %v", pipelineerr.ErrConfiguration, path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)

	vocab := make(map[string]int)
	id := 0
	for sc.Scan() {
		vocab[sc.Text()] = id
		id++
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: scan wordpiece vocab: %v", pipelineerr.ErrIO, err)
	}
	return vocab, nil
}

// NewWordPiece builds a tokenizer from an already-loaded vocab. length is
// the bound L (default 512 — pass 0 for that default).
func NewWordPiece(vocab map[string]int, length int) (*WordPiece, error) {
	if length <= 0 {
		length = 512
	}
	for _, tok := range []string{wpUNK, wpCLS, wpSEP} {
		if _, ok := vocab[tok]; !ok {
			return nil, fmt.Errorf("%w: %s absent from vocab", pipelineerr.ErrVocabMissing, tok)
		}
	}
	return &WordPiece{vocab: vocab, length: length}, nil
}

// MaxLen returns the bound L.
func (t *WordPiece) MaxLen() int { return t.length }

// Encode whitespace-splits text, lowercases it, maps unknown words to [UNK],
// and brackets the result with [CLS]/[SEP], truncating to L and producing a
// same-length attention mask (1 = real, 0 = pad).
func (t *WordPiece) Encode(text string) (Encoded, error) {
	words := strings.Fields(strings.ToLower(text))

	maxWords := t.length - 2
	if maxWords < 0 {
		maxWords = 0
	}
	if len(words) > maxWords {
		words = words[:maxWords]
	}

	ids := make([]int64, 0, len(words)+2)
	ids = append(ids, wpCLSID)
	for _, w := range words {
		if id, ok := t.vocab[w]; ok {
			ids = append(ids, int64(id))
		} else {
			ids = append(ids, wpUNKID)
		}
	}
	ids = append(ids, wpSEPID)

	mask := make([]int64, len(ids))
	for i := range mask {
		mask[i] = 1
	}

	return Encoded{IDs: ids, Mask: mask}, nil
}
