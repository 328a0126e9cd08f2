package tokenize

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/kraklabs/embedpipe/internal/pipelineerr"
)

const (
	clipBOS = "<|startoftext|>"
	clipEOS = "<|endoftext|>"
	// wordEndMarker marks the final character unit of a regex-matched token,
	// the standard CLIP BPE convention for distinguishing "cat" mid-compound
	// from "cat" at a word boundary. Every CLIP vocab in the wild is built
	// against this marker; dropping it would silently change which merges
	// apply.
	wordEndMarker = "</w>"
)

// clipPattern matches CLIP's standard pre-tokenization units: special
// markers, common English contractions, Unicode letter runs, single
// digits, and runs of non-space non-alphanumerics.
var clipPattern = regexp.MustCompile(
	`<\|startoftext\|>|<\|endoftext\|>|'s|'t|'re|'ve|'m|'ll|'d|[\p{L}]+|[\p{N}]|[^\s\p{L}\p{N}]+`,
)

type mergePair struct {
	left, right string
}

// ClipBPE is the 77-token CLIP byte-pair-encoding tokenizer (§4.1).
type ClipBPE struct {
	vocab   map[string]int
	ranks   map[mergePair]int
	bosID   int
	eosID   int
	length  int
	cacheMu sync.Mutex
	cache   map[string][]string // token -> final BPE units, memoized
}

// LoadClipVocab reads the CLIP vocabulary JSON object {token: id, ...}.
func LoadClipVocab(path string) (map[string]int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read clip vocab %s: %v", pipelineerr.ErrConfiguration, path, err)
	}
	var vocab map[string]int
	if err := json.Unmarshal(data, &vocab); err != nil {
		return nil, fmt.Errorf("%w: parse clip vocab %s: %v", pipelineerr.ErrConfiguration, path, err)
	}
	return vocab, nil
}

// LoadClipMerges reads the merges file: a header line (skipped), then one
// "<left> <right>" pair per line, in priority order.
func LoadClipMerges(path string) ([]mergePair, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open clip merges %s: %v", pipelineerr.ErrConfiguration, path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)

	if !sc.Scan() {
		return nil, fmt.Errorf("%w: clip merges %s is empty", pipelineerr.ErrMergesMalformed, path)
	} // header line, skipped

	var merges []mergePair
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("%w: line %q has %d fields, want 2", pipelineerr.ErrMergesMalformed, line, len(fields))
		}
		merges = append(merges, mergePair{left: fields[0], right: fields[1]})
	}
	if err := sc.Err(); err != nil && err != io.EOF {
		return nil, fmt.Errorf("%w: scan clip merges: %v", pipelineerr.ErrIO, err)
	}
	return merges, nil
}

// NewClipBPE builds a tokenizer from an already-loaded vocab and merges
// list. length is the fixed output length L (default 77 — pass 0 for that
// default).
func NewClipBPE(vocab map[string]int, merges []mergePair, length int) (*ClipBPE, error) {
	if length <= 0 {
		length = 77
	}
	bosID, ok := vocab[clipBOS]
	if !ok {
		return nil, fmt.Errorf("%w: %s absent from vocab", pipelineerr.ErrVocabMissing, clipBOS)
	}
	eosID, ok := vocab[clipEOS]
	if !ok {
		return nil, fmt.Errorf("%w: %s absent from vocab", pipelineerr.ErrVocabMissing, clipEOS)
	}

	ranks := make(map[mergePair]int, len(merges))
	for i, m := range merges {
		ranks[m] = i
	}

	return &ClipBPE{
		vocab:  vocab,
		ranks:  ranks,
		bosID:  bosID,
		eosID:  eosID,
		length: length,
		cache:  make(map[string][]string),
	}, nil
}

// MaxLen returns the fixed output length L.
func (t *ClipBPE) MaxLen() int { return t.length }

// Encode tokenizes text into a fixed-length [BOS, ..., EOS, 0, 0, ...]
// sequence of length L (§4.1 steps 3-4).
func (t *ClipBPE) Encode(text string) (Encoded, error) {
	text = strings.ToLower(text)
	matches := clipPattern.FindAllString(text, -1)

	var ids []int
	for _, m := range matches {
		for _, unit := range t.bpe(m) {
			if id, ok := t.vocab[unit]; ok {
				ids = append(ids, id)
			}
			// Units with no vocab entry are dropped rather than failing the
			// whole request — the vocab is expected to cover every
			// character the merges table can produce.
		}
	}

	// [BOS] + ids must fit in L-1 slots, leaving the final slot for [EOS].
	maxIDs := t.length - 2
	if maxIDs < 0 {
		maxIDs = 0
	}
	if len(ids) > maxIDs {
		ids = ids[:maxIDs]
	}

	out := make([]int64, t.length)
	pos := 0
	out[pos] = int64(t.bosID)
	pos++
	for _, id := range ids {
		if pos >= t.length-1 {
			break
		}
		out[pos] = int64(id)
		pos++
	}
	out[pos] = int64(t.eosID)
	pos++
	// Remaining slots stay zero (pad id 0), already the zero value.

	mask := make([]int64, t.length)
	for i := 0; i < t.length; i++ {
		mask[i] = 1
	}

	return Encoded{IDs: out, Mask: mask}, nil
}

// bpe runs byte-pair merging over the characters of token, returning the
// final list of BPE units. Results are memoized per distinct token string.
func (t *ClipBPE) bpe(token string) []string {
	t.cacheMu.Lock()
	if cached, ok := t.cache[token]; ok {
		t.cacheMu.Unlock()
		return cached
	}
	t.cacheMu.Unlock()

	if token == clipBOS || token == clipEOS {
		return []string{token}
	}

	units := splitChars(token)
	if len(units) == 0 {
		return nil
	}
	units[len(units)-1] += wordEndMarker

	for {
		bestRank := -1
		bestIdx := -1
		for i := 0; i < len(units)-1; i++ {
			p := mergePair{left: units[i], right: units[i+1]}
			if r, ok := t.ranks[p]; ok {
				if bestRank == -1 || r < bestRank {
					bestRank = r
					bestIdx = i
				}
			}
		}
		if bestIdx == -1 {
			break
		}
		merged := units[bestIdx] + units[bestIdx+1]
		next := make([]string, 0, len(units)-1)
		next = append(next, units[:bestIdx]...)
		next = append(next, merged)
		next = append(next, units[bestIdx+2:]...)
		units = next
	}

	t.cacheMu.Lock()
	t.cache[token] = units
	t.cacheMu.Unlock()
	return units
}

// splitChars splits s into its individual Unicode characters (runes) —
// the initial merge units before any BPE pair merges apply.
func splitChars(s string) []string {
	runes := []rune(s)
	out := make([]string, len(runes))
	for i, r := range runes {
		out[i] = string(r)
	}
	return out
}
