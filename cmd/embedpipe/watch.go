package main

import (
	"context"
	"sync/atomic"

	"github.com/kraklabs/embedpipe/internal/orchestrator"
	"github.com/kraklabs/embedpipe/internal/watchshim"
	"github.com/kraklabs/embedpipe/pipeline"
)

// runServe watches dirs and embeds every settled image under a freshly
// assigned ID. The standalone CLI has no generation-metadata ingestion of
// its own (§1 treats that as external to the pipeline), so every image is
// embedded with zero-value GenerationParameters — enough to smoke-test the
// encode/cache/store path end to end, not to exercise deduplication by
// prompt, which requires the real application's ingested metadata.
func runServe(ctx context.Context, p *pipeline.Pipeline, dirs []string) error {
	var nextID atomic.Int64
	cb := func(_ context.Context, ev watchshim.ImageEvent) (orchestrator.ImageEmbeddingRequest, bool, error) {
		id := nextID.Add(1)
		return orchestrator.ImageEmbeddingRequest{ImageID: id, Path: ev.Path}, true, nil
	}
	return p.Watch(ctx, dirs, cb)
}
