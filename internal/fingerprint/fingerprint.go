// Package fingerprint computes the deterministic SHA-256 digests used as
// cache keys throughout the pipeline: prompt fingerprints, metadata
// fingerprints, and image fingerprints (§4.3).
package fingerprint

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/kraklabs/embedpipe/internal/domain"
)

// imagePrefixBytes is the amount of file content hashed for an image
// fingerprint — the first 1 MiB, or the whole file if smaller (§4.3, §9
// open question: two images agreeing on their first 1 MiB will collide;
// acceptable for this corpus since generator output has unique headers).
const imagePrefixBytes = 1 << 20

// fieldSep separates canonical-string fields (§4.7); chosen as 0x1F (unit
// separator) so it cannot appear in any legal prompt text.
const fieldSep = "\x1F"

// Prompt computes SHA-256(UTF-8(prompt) || 0x7C || UTF-8(negativePrompt)).
// This is the compound key identifying one (prompt, negative_prompt) pair as
// a unit — used by preload_prompts and the planner to recognize the exact
// text conditioning tuple a generation used.
func Prompt(prompt, negativePrompt string) domain.Fingerprint {
	h := sha256.New()
	h.Write([]byte(prompt))
	h.Write([]byte{0x7C})
	h.Write([]byte(negativePrompt))
	var fp domain.Fingerprint
	copy(fp[:], h.Sum(nil))
	return fp
}

// Text computes SHA-256(UTF-8(s)) for a single string. This is the
// per-entry cache key the embedding cache uses for an individual prompt or
// negative-prompt string (§4.6, §8: "s1 == s2 ⇒ sha256(s1) == sha256(s2)").
// It is deliberately distinct from Prompt: Prompt identifies a pair as a
// unit, Text identifies one string so that two generations sharing the same
// prompt text reuse its embedding even when their negative prompts differ.
func Text(s string) domain.Fingerprint {
	var fp domain.Fingerprint
	copy(fp[:], sha256Sum(s))
	return fp
}

func sha256Sum(s string) []byte {
	h := sha256.New()
	h.Write([]byte(s))
	return h.Sum(nil)
}

// Metadata computes SHA-256 of the canonical string form of p (§4.7 step 1).
func Metadata(p domain.GenerationParameters) domain.Fingerprint {
	h := sha256.New()
	h.Write([]byte(Canonical(p)))
	var fp domain.Fingerprint
	copy(fp[:], h.Sum(nil))
	return fp
}

// Canonical renders p as the fixed-field-order string hashed by Metadata.
// Field order is fixed; decimals use invariant fixed-point formatting with
// trailing zeros trimmed, matching §4.7 exactly.
func Canonical(p domain.GenerationParameters) string {
	var b strings.Builder
	b.WriteString(p.Prompt)
	b.WriteString(fieldSep)
	b.WriteString(p.NegativePrompt)
	b.WriteString(fieldSep)
	b.WriteString(p.ModelName)
	b.WriteString(fieldSep)
	b.WriteString(strconv.FormatInt(p.Seed, 10))
	b.WriteString(fieldSep)
	b.WriteString(strconv.Itoa(p.Steps))
	b.WriteString(fieldSep)
	b.WriteString(formatDecimal(p.CFGScale))
	b.WriteString(fieldSep)
	b.WriteString(p.Sampler)
	b.WriteString(fieldSep)
	b.WriteString(p.Scheduler)
	b.WriteString(fieldSep)
	b.WriteString(strconv.Itoa(p.Width))
	b.WriteString("x")
	b.WriteString(strconv.Itoa(p.Height))
	return b.String()
}

// formatDecimal renders v as fixed-point with trailing zeros trimmed,
// invariant of locale (strconv never consults locale, so this is automatic
// in Go — unlike the C#/.NET source this was ported from, which required an
// explicit CultureInfo.InvariantCulture argument).
func formatDecimal(v float64) string {
	s := strconv.FormatFloat(v, 'f', 6, 64)
	s = strings.TrimRight(s, "0")
	s = strings.TrimSuffix(s, ".")
	if s == "" || s == "-" {
		s = "0"
	}
	return s
}

// Image computes SHA-256 over the first 1 MiB of path (or the whole file if
// smaller) — read exactly that much, no more, no less (§4.3).
func Image(path string) (domain.Fingerprint, error) {
	f, err := os.Open(path)
	if err != nil {
		return domain.Fingerprint{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return ImageReader(f)
}

// ImageReader computes the image fingerprint from an already-open reader,
// for callers that already hold the file (e.g. a scanner streaming bytes).
func ImageReader(r io.Reader) (domain.Fingerprint, error) {
	h := sha256.New()
	n, err := io.CopyN(h, r, imagePrefixBytes)
	if err != nil && err != io.EOF {
		return domain.Fingerprint{}, fmt.Errorf("read image prefix: %w", err)
	}
	_ = n
	var fp domain.Fingerprint
	copy(fp[:], h.Sum(nil))
	return fp, nil
}
