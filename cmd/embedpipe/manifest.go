package main

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/kraklabs/embedpipe/internal/domain"
)

// manifestImage is one [[images]] entry in a standalone-mode manifest file —
// the CLI's substitute for the real application's metadata ingestion (§1
// treats ingestion as external), so smoke tests and batch backfills have
// something to seed store.Memory with.
type manifestImage struct {
	ID       int64  `toml:"id"`
	Path     string `toml:"path"`
	FileSize int64  `toml:"file_size"`
	Params   struct {
		Prompt         string  `toml:"prompt"`
		NegativePrompt string  `toml:"negative_prompt"`
		ModelName      string  `toml:"model_name"`
		Seed           int64   `toml:"seed"`
		Steps          int     `toml:"steps"`
		CFGScale       float64 `toml:"cfg_scale"`
		Sampler        string  `toml:"sampler"`
		Scheduler      string  `toml:"scheduler"`
		Width          int     `toml:"width"`
		Height         int     `toml:"height"`
	} `toml:"params"`
}

type manifest struct {
	Images []manifestImage `toml:"images"`
}

// loadManifest reads a TOML manifest and converts it into domain.ImageRecords.
func loadManifest(path string) ([]domain.ImageRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	var m manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: parse %s: %w", path, err)
	}

	records := make([]domain.ImageRecord, len(m.Images))
	for i, img := range m.Images {
		records[i] = domain.ImageRecord{
			ID:       img.ID,
			Path:     img.Path,
			FileSize: img.FileSize,
			Params: domain.GenerationParameters{
				Prompt:         img.Params.Prompt,
				NegativePrompt: img.Params.NegativePrompt,
				ModelName:      img.Params.ModelName,
				Seed:           img.Params.Seed,
				Steps:          img.Params.Steps,
				CFGScale:       img.Params.CFGScale,
				Sampler:        img.Params.Sampler,
				Scheduler:      img.Params.Scheduler,
				Width:          img.Params.Width,
				Height:         img.Params.Height,
			},
		}
	}
	return records, nil
}
