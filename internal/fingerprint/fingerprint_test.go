package fingerprint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kraklabs/embedpipe/internal/domain"
)

func TestPromptDeterministic(t *testing.T) {
	a := Prompt("a red cube", "blurry")
	b := Prompt("a red cube", "blurry")
	if a != b {
		t.Fatalf("same inputs produced different fingerprints: %x vs %x", a, b)
	}
	c := Prompt("a red cube", "noisy")
	if a == c {
		t.Fatal("different negative prompts produced the same fingerprint")
	}
}

func TestCanonicalStable(t *testing.T) {
	p := domain.GenerationParameters{
		Prompt: "a cat", NegativePrompt: "blurry", ModelName: "sdxl",
		Seed: 42, Steps: 30, CFGScale: 7.5, Sampler: "euler_a",
		Scheduler: "karras", Width: 1024, Height: 1024,
	}
	want := "a cat\x1Fblurry\x1Fsdxl\x1F42\x1F30\x1F7.5\x1Feuler_a\x1Fkarras\x1F1024x1024"
	if got := Canonical(p); got != want {
		t.Fatalf("canonical mismatch:\n got  %q\n want %q", got, want)
	}
}

func TestFormatDecimalTrimsTrailingZeros(t *testing.T) {
	cases := map[float64]string{
		7.5:  "7.5",
		7.0:  "7",
		0.0:  "0",
		12.340000: "12.34",
	}
	for in, want := range cases {
		if got := formatDecimal(in); got != want {
			t.Errorf("formatDecimal(%v) = %q, want %q", in, got, want)
		}
	}
}

func TestMetadataSameParamsSameFingerprint(t *testing.T) {
	p1 := domain.GenerationParameters{Prompt: "x", Seed: 1, Width: 512, Height: 512}
	p2 := p1
	if Metadata(p1) != Metadata(p2) {
		t.Fatal("identical params produced different metadata fingerprints")
	}
	p2.Seed = 2
	if Metadata(p1) == Metadata(p2) {
		t.Fatal("different seeds produced the same metadata fingerprint")
	}
}

func TestImageReadsExactlyFirstMiB(t *testing.T) {
	dir := t.TempDir()
	small := filepath.Join(dir, "small.bin")
	if err := os.WriteFile(small, []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}
	fp1, err := Image(small)
	if err != nil {
		t.Fatal(err)
	}

	big := filepath.Join(dir, "big.bin")
	data := make([]byte, 2<<20) // 2 MiB
	for i := range data {
		data[i] = byte(i % 251)
	}
	if err := os.WriteFile(big, data, 0o644); err != nil {
		t.Fatal(err)
	}
	fpBig1, err := Image(big)
	if err != nil {
		t.Fatal(err)
	}

	// Mutate only the second MiB; fingerprint must not change.
	mutated := make([]byte, len(data))
	copy(mutated, data)
	for i := 1 << 20; i < len(mutated); i++ {
		mutated[i] ^= 0xFF
	}
	bigMutated := filepath.Join(dir, "big_mutated.bin")
	if err := os.WriteFile(bigMutated, mutated, 0o644); err != nil {
		t.Fatal(err)
	}
	fpBig2, err := Image(bigMutated)
	if err != nil {
		t.Fatal(err)
	}
	if fpBig1 != fpBig2 {
		t.Fatal("image fingerprint changed when only bytes beyond 1 MiB changed")
	}
	if fp1 == fpBig1 {
		t.Fatal("unrelated files produced the same fingerprint")
	}
}
