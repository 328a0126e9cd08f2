// Package domain holds the core data model shared across the embedding
// pipeline: generation parameters, image records, fingerprints, and the
// embedding sets produced by the encoder pool.
package domain

import "time"

// GenerationParameters describes how an image was produced. It is immutable
// once ingested — the pipeline never mutates a record's params in place.
type GenerationParameters struct {
	Prompt         string
	NegativePrompt string
	ModelName      string
	Seed           int64
	Steps          int
	CFGScale       float64
	Sampler        string
	Scheduler      string
	Width          int
	Height         int
}

// ImageRecord is a single image known to the store.
type ImageRecord struct {
	ID           int64
	Path         string
	FileSize     int64
	Params       GenerationParameters
	MetadataHash [32]byte
	HasHash      bool // false until compute_and_persist_metadata_hashes has run
}

// ContentKind distinguishes which kind of content a fingerprint/cache entry
// refers to.
type ContentKind int

const (
	ContentPrompt ContentKind = iota
	ContentNegativePrompt
	ContentImage
)

func (k ContentKind) String() string {
	switch k {
	case ContentPrompt:
		return "prompt"
	case ContentNegativePrompt:
		return "negative_prompt"
	case ContentImage:
		return "image"
	default:
		return "unknown"
	}
}

// EmbeddingSet is the fixed schema of vectors produced for one piece of
// content. Each component is a fixed-size array with a Has flag; a false
// flag means "encoder not configured" or "not applicable to this content
// kind", and the array is then all zeros.
type EmbeddingSet struct {
	TextSemantic [1024]float32
	HasSemantic  bool
	TextClipL    [768]float32
	HasClipL     bool
	TextClipG    [1280]float32
	HasClipG     bool
	ImageVision  [1280]float32
	HasVision    bool
}

// CacheEntry is a cached computation result keyed by fingerprint and content
// kind. Ref counting tracks how many images currently reference it.
type CacheEntry struct {
	ID          int64
	Fingerprint Fingerprint
	Kind        ContentKind
	Embeddings  EmbeddingSet
	RefCount    uint32
	CreatedAt   time.Time
	LastUsedAt  time.Time
}

// RepresentativeGroup is the output of the deduplication planner: one
// representative per distinct metadata fingerprint, plus the full membership.
type RepresentativeGroup struct {
	MetadataFP       Fingerprint
	RepresentativeID int64
	MemberIDs        []int64
}
