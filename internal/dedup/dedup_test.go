package dedup

import (
	"testing"

	"github.com/kraklabs/embedpipe/internal/domain"
)

func sameParams() domain.GenerationParameters {
	return domain.GenerationParameters{
		Prompt: "a cat", ModelName: "sdxl", Seed: 42, Steps: 30,
		CFGScale: 7.5, Sampler: "euler_a", Scheduler: "karras",
	}
}

// TestRepresentativeSelection pins §8 scenario 3: of three images sharing
// params but differing in size, the largest-area one wins; a size tie is
// broken by file size.
func TestRepresentativeSelection(t *testing.T) {
	base := sameParams()
	small := base
	small.Width, small.Height = 512, 512
	big := base
	big.Width, big.Height = 1024, 1024

	records := []domain.ImageRecord{
		{ID: 1, Params: small, FileSize: 800},
		{ID: 2, Params: big, FileSize: 3200},
		{ID: 3, Params: big, FileSize: 3100},
	}

	groups := Plan(records)
	if len(groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(groups))
	}
	if groups[0].RepresentativeID != 2 {
		t.Fatalf("representative = %d, want 2", groups[0].RepresentativeID)
	}
	if len(groups[0].MemberIDs) != 3 {
		t.Fatalf("members = %v, want 3 entries", groups[0].MemberIDs)
	}
}

func TestEveryImageInExactlyOneGroup(t *testing.T) {
	p1 := sameParams()
	p2 := sameParams()
	p2.Seed = 7

	records := []domain.ImageRecord{
		{ID: 1, Params: p1},
		{ID: 2, Params: p1},
		{ID: 3, Params: p2},
	}
	groups := Plan(records)
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}
	seen := make(map[int64]bool)
	for _, g := range groups {
		for _, id := range g.MemberIDs {
			if seen[id] {
				t.Fatalf("image %d appeared in more than one group", id)
			}
			seen[id] = true
		}
	}
	for _, r := range records {
		if !seen[r.ID] {
			t.Fatalf("image %d missing from all groups", r.ID)
		}
	}
}

func TestDeterministicAcrossRuns(t *testing.T) {
	records := []domain.ImageRecord{
		{ID: 1, Params: sameParams(), FileSize: 100},
		{ID: 2, Params: sameParams(), FileSize: 200},
	}
	g1 := Plan(records)
	g2 := Plan(records)
	if len(g1) != len(g2) || g1[0].RepresentativeID != g2[0].RepresentativeID {
		t.Fatalf("Plan is not deterministic: %+v vs %+v", g1, g2)
	}
}

func TestSizeTieBrokenByLowestID(t *testing.T) {
	p := sameParams()
	records := []domain.ImageRecord{
		{ID: 5, Params: p, FileSize: 1000},
		{ID: 2, Params: p, FileSize: 1000},
	}
	groups := Plan(records)
	if groups[0].RepresentativeID != 2 {
		t.Fatalf("representative = %d, want 2 (lowest id on full tie)", groups[0].RepresentativeID)
	}
}

func TestHasHashAvoidsRecompute(t *testing.T) {
	var fp [32]byte
	fp[0] = 0xAB
	records := []domain.ImageRecord{
		{ID: 1, Params: sameParams(), MetadataHash: fp, HasHash: true},
	}
	groups := Plan(records)
	if groups[0].MetadataFP.Hex()[:2] != "ab" {
		t.Fatalf("expected precomputed hash to be used verbatim, got %s", groups[0].MetadataFP.Hex())
	}
}
