// Package config holds the pipeline's TOML configuration (§6): encoder
// model/vocab paths and devices, batch sizes, and the session memory knobs.
// Structure uses an atomic-pointer + fsnotify hot-reload pattern, loaded
// with pelletier/go-toml/v2 directly rather than viper — there is no
// environment-variable overlay requirement here, so viper's extra layering
// buys nothing.
package config

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/pelletier/go-toml/v2"
)

var current atomic.Pointer[Config]

// Get returns the most recently loaded Config, or the defaults if Load has
// never been called. Safe for concurrent use.
func Get() *Config {
	if c := current.Load(); c != nil {
		return c
	}
	d := Default()
	current.Store(d)
	return d
}

// EncoderConfig configures one encoder role (§6 Configuration).
type EncoderConfig struct {
	ModelPath  string `toml:"model_path"`
	VocabPath  string `toml:"vocab_path"`
	MergesPath string `toml:"merges_path,omitempty"`
	Device     int    `toml:"device"`
	MaxLen     int    `toml:"max_len,omitempty"`
	Dim        int    `toml:"dim"`

	// TokenizerJSON, when set, points at a HuggingFace tokenizer.json and
	// lifts validate's vocab_path/merges_path requirement. Only the semantic
	// role uses it: its tokenizer is then built through
	// tokenize.NewHFTokenizer's fast path instead of the from-scratch
	// WordPiece parser. The CLIP roles always load VocabPath/MergesPath.
	TokenizerJSON string `toml:"tokenizer_json,omitempty"`
}

// SchedulerConfig configures the batch scheduler (§4.8).
type SchedulerConfig struct {
	TextBatchSize           int `toml:"text_batch_size"`
	ImageBatchSize          int `toml:"image_batch_size"`
	BatchLingerMs           int `toml:"batch_linger_ms"`
	QueueCapacityMultiplier int `toml:"queue_capacity_multiplier"`
}

// SessionConfig configures the shared device-memory knobs (§4.4) that are
// safe to hot-reload: the model paths above are fixed at construction.
type SessionConfig struct {
	MemoryMode    string `toml:"memory_mode"` // "conservative" | "aggressive"
	MemLimitBytes int64  `toml:"mem_limit_bytes"`
	InterOpThreads int   `toml:"inter_op_threads"`
	IntraOpThreads int   `toml:"intra_op_threads"`
}

// Config is the top-level pipeline configuration.
type Config struct {
	Semantic  EncoderConfig   `toml:"semantic"`
	ClipL     EncoderConfig   `toml:"clip_l"`
	ClipG     EncoderConfig   `toml:"clip_g"`
	Vision    EncoderConfig   `toml:"vision"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Session   SessionConfig   `toml:"session"`

	OrtSharedLibPath string `toml:"ort_shared_lib_path,omitempty"`
	StoreTimeoutSec  int    `toml:"store_timeout_sec"`
}

// Load reads and validates cfg from path, then stores it as the current
// config. On read error the previous config (if any) is left in place.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	current.Store(cfg)
	return cfg, nil
}
