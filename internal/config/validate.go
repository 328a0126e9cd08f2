package config

import (
	"fmt"
	"strings"
)

// validate checks cfg for invalid or out-of-range values, collecting every
// violation into one combined error.
func validate(cfg *Config) error {
	var errs []string

	checkEncoder := func(name string, e EncoderConfig, requireMerges bool) {
		if e.ModelPath == "" {
			errs = append(errs, fmt.Sprintf("%s.model_path must not be empty", name))
		}
		if e.VocabPath == "" && e.TokenizerJSON == "" {
			errs = append(errs, fmt.Sprintf("%s.vocab_path must not be empty", name))
		}
		if requireMerges && e.MergesPath == "" && e.TokenizerJSON == "" {
			errs = append(errs, fmt.Sprintf("%s.merges_path must not be empty", name))
		}
		if e.Dim <= 0 {
			errs = append(errs, fmt.Sprintf("%s.dim must be positive, got %d", name, e.Dim))
		}
	}
	checkEncoder("semantic", cfg.Semantic, false)
	checkEncoder("clip_l", cfg.ClipL, true)
	checkEncoder("clip_g", cfg.ClipG, true)
	if cfg.Vision.ModelPath == "" {
		errs = append(errs, "vision.model_path must not be empty")
	}
	if cfg.Vision.Dim <= 0 {
		errs = append(errs, fmt.Sprintf("vision.dim must be positive, got %d", cfg.Vision.Dim))
	}

	if cfg.Scheduler.TextBatchSize <= 0 {
		errs = append(errs, fmt.Sprintf("scheduler.text_batch_size must be positive, got %d", cfg.Scheduler.TextBatchSize))
	}
	if cfg.Scheduler.ImageBatchSize <= 0 {
		errs = append(errs, fmt.Sprintf("scheduler.image_batch_size must be positive, got %d", cfg.Scheduler.ImageBatchSize))
	}
	if cfg.Scheduler.BatchLingerMs < 0 {
		errs = append(errs, fmt.Sprintf("scheduler.batch_linger_ms must be non-negative, got %d", cfg.Scheduler.BatchLingerMs))
	}
	if cfg.Scheduler.QueueCapacityMultiplier <= 0 {
		errs = append(errs, fmt.Sprintf("scheduler.queue_capacity_multiplier must be positive, got %d", cfg.Scheduler.QueueCapacityMultiplier))
	}

	if cfg.Session.MemoryMode != "conservative" && cfg.Session.MemoryMode != "aggressive" {
		errs = append(errs, fmt.Sprintf("session.memory_mode must be %q or %q, got %q", "conservative", "aggressive", cfg.Session.MemoryMode))
	}
	if cfg.Session.MemLimitBytes < 0 {
		errs = append(errs, fmt.Sprintf("session.mem_limit_bytes must be non-negative, got %d", cfg.Session.MemLimitBytes))
	}

	if cfg.StoreTimeoutSec <= 0 {
		errs = append(errs, fmt.Sprintf("store_timeout_sec must be positive, got %d", cfg.StoreTimeoutSec))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}
