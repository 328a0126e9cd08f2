package tokenize

import (
	"os"
	"testing"
)

func testVocab() map[string]int {
	return map[string]int{
		clipBOS: 49406,
		clipEOS: 49407,
		"a</w>": 1, "c": 2, "a": 3, "t</w>": 4, "cat</w>": 5,
	}
}

func testMerges() []mergePair {
	return []mergePair{
		{left: "c", right: "a"},
		{left: "ca", right: "t</w>"},
	}
}

func TestClipBPEEmptyPrompt(t *testing.T) {
	tok, err := NewClipBPE(testVocab(), testMerges(), 77)
	if err != nil {
		t.Fatal(err)
	}
	enc, err := tok.Encode("")
	if err != nil {
		t.Fatal(err)
	}
	if len(enc.IDs) != 77 {
		t.Fatalf("len(IDs) = %d, want 77", len(enc.IDs))
	}
	if enc.IDs[0] != 49406 {
		t.Errorf("IDs[0] = %d, want BOS 49406", enc.IDs[0])
	}
	if enc.IDs[1] != 49407 {
		t.Errorf("IDs[1] = %d, want EOS 49407", enc.IDs[1])
	}
	for i := 2; i < 77; i++ {
		if enc.IDs[i] != 0 {
			t.Fatalf("IDs[%d] = %d, want pad 0", i, enc.IDs[i])
		}
	}
}

func TestClipBPEMissingBOSFails(t *testing.T) {
	vocab := map[string]int{clipEOS: 49407}
	if _, err := NewClipBPE(vocab, nil, 77); err == nil {
		t.Fatal("expected error for missing BOS token")
	}
}

func TestClipBPEMergesPriorityOrder(t *testing.T) {
	tok, err := NewClipBPE(testVocab(), testMerges(), 77)
	if err != nil {
		t.Fatal(err)
	}
	units := tok.bpe("cat")
	if len(units) != 1 || units[0] != "cat</w>" {
		t.Fatalf("bpe(cat) = %v, want [cat</w>]", units)
	}
}

func TestLoadClipMergesSkipsHeader(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/merges.txt"
	content := "#version: 0.2\nc a\nca t</w>\n"
	if err := writeFile(path, content); err != nil {
		t.Fatal(err)
	}
	merges, err := LoadClipMerges(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(merges) != 2 {
		t.Fatalf("len(merges) = %d, want 2", len(merges))
	}
	if merges[0] != (mergePair{left: "c", right: "a"}) {
		t.Errorf("merges[0] = %+v", merges[0])
	}
}

func TestLoadClipMergesMalformedLine(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/merges.txt"
	if err := writeFile(path, "#header\nonlyonefield\n"); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadClipMerges(path); err == nil {
		t.Fatal("expected malformed-merges error")
	}
}

func TestWordPieceBracketsAndMasks(t *testing.T) {
	vocab := map[string]int{wpUNK: wpUNKID, wpCLS: wpCLSID, wpSEP: wpSEPID, "hello": 200, "world": 201}
	tok, err := NewWordPiece(vocab, 512)
	if err != nil {
		t.Fatal(err)
	}
	enc, err := tok.Encode("Hello World")
	if err != nil {
		t.Fatal(err)
	}
	want := []int64{wpCLSID, 200, 201, wpSEPID}
	if len(enc.IDs) != len(want) {
		t.Fatalf("IDs = %v, want %v", enc.IDs, want)
	}
	for i := range want {
		if enc.IDs[i] != want[i] {
			t.Fatalf("IDs = %v, want %v", enc.IDs, want)
		}
	}
	for _, m := range enc.Mask {
		if m != 1 {
			t.Fatalf("mask = %v, want all 1s (no padding at this length)", enc.Mask)
		}
	}
}

func TestWordPieceUnknownWord(t *testing.T) {
	vocab := map[string]int{wpUNK: wpUNKID, wpCLS: wpCLSID, wpSEP: wpSEPID, "known": 5}
	tok, err := NewWordPiece(vocab, 512)
	if err != nil {
		t.Fatal(err)
	}
	enc, err := tok.Encode("known mystery")
	if err != nil {
		t.Fatal(err)
	}
	if enc.IDs[2] != wpUNKID {
		t.Fatalf("IDs[2] = %d, want UNK %d", enc.IDs[2], wpUNKID)
	}
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
