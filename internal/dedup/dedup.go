// Package dedup implements the deduplication planner (C7): it groups
// ImageRecords by metadata fingerprint and selects one representative per
// group, following a bucket-then-rank pattern — sort.Slice over a scored
// slice, then a seen-set to keep one per key.
package dedup

import (
	"sort"

	"github.com/kraklabs/embedpipe/internal/domain"
	"github.com/kraklabs/embedpipe/internal/fingerprint"
)

// Plan groups records by metadata fingerprint and chooses a representative
// per group (§4.7). Records without a metadata hash get one computed from
// their params; records that already carry metadata_hash keep it, so a
// caller that already hashed in bulk (Store.ComputeAndPersistMetadataHashes)
// does not pay for it twice.
//
// Determinism, totality, and stability (§4.7) all fall out of grouping by a
// pure function of params and then sorting each bucket by a total order —
// no randomness, no map-iteration-order dependence in the output.
func Plan(records []domain.ImageRecord) []domain.RepresentativeGroup {
	buckets := make(map[domain.Fingerprint][]domain.ImageRecord)
	order := make([]domain.Fingerprint, 0)

	for _, r := range records {
		var fp domain.Fingerprint
		if r.HasHash {
			fp = domain.Fingerprint(r.MetadataHash)
		} else {
			fp = fingerprint.Metadata(r.Params)
		}
		if _, ok := buckets[fp]; !ok {
			order = append(order, fp)
		}
		buckets[fp] = append(buckets[fp], r)
	}

	groups := make([]domain.RepresentativeGroup, 0, len(order))
	for _, fp := range order {
		members := buckets[fp]
		rep := selectRepresentative(members)
		ids := make([]int64, len(members))
		for i, m := range members {
			ids[i] = m.ID
		}
		groups = append(groups, domain.RepresentativeGroup{
			MetadataFP:       fp,
			RepresentativeID: rep.ID,
			MemberIDs:        ids,
		})
	}
	return groups
}

// selectRepresentative picks argmax(width*height, file_size, -id),
// lexicographic (§4.7 step 3): the larger/upscaled variant wins over its
// base, ties broken by file size, then by the lowest id so the choice is
// stable no matter what order the group's members arrived in.
func selectRepresentative(members []domain.ImageRecord) domain.ImageRecord {
	ranked := make([]domain.ImageRecord, len(members))
	copy(ranked, members)
	sort.Slice(ranked, func(i, j int) bool {
		ai := int64(ranked[i].Params.Width) * int64(ranked[i].Params.Height)
		aj := int64(ranked[j].Params.Width) * int64(ranked[j].Params.Height)
		if ai != aj {
			return ai > aj
		}
		if ranked[i].FileSize != ranked[j].FileSize {
			return ranked[i].FileSize > ranked[j].FileSize
		}
		return ranked[i].ID < ranked[j].ID
	})
	return ranked[0]
}
