package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_NonexistentFileErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(filepath.Join(dir, "nonexistent.toml"))
	if err == nil {
		t.Fatal("expected error loading a nonexistent config file")
	}
}

func validTOML(dir string) string {
	return `
[semantic]
model_path = "` + dir + `/semantic.onnx"
vocab_path = "` + dir + `/semantic_vocab.txt"
device = -1
dim = 1024

[clip_l]
model_path = "` + dir + `/clip_l.onnx"
vocab_path = "` + dir + `/clip_l_vocab.json"
merges_path = "` + dir + `/clip_l_merges.txt"
device = 0
dim = 768

[clip_g]
model_path = "` + dir + `/clip_g.onnx"
vocab_path = "` + dir + `/clip_g_vocab.json"
merges_path = "` + dir + `/clip_g_merges.txt"
device = 0
dim = 1280

[vision]
model_path = "` + dir + `/vision.onnx"
device = 0
dim = 1280

[scheduler]
text_batch_size = 64
image_batch_size = 32
batch_linger_ms = 25
queue_capacity_multiplier = 4

[session]
memory_mode = "conservative"
mem_limit_bytes = 0

store_timeout_sec = 30
`
}

func TestLoad_ValidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "embedpipe.toml")
	if err := os.WriteFile(path, []byte(validTOML(dir)), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Semantic.Dim != 1024 {
		t.Errorf("Semantic.Dim = %d, want 1024", cfg.Semantic.Dim)
	}
	if cfg.ClipG.Device != 0 {
		t.Errorf("ClipG.Device = %d, want 0", cfg.ClipG.Device)
	}
	if cfg.Scheduler.TextBatchSize != 64 {
		t.Errorf("Scheduler.TextBatchSize = %d, want 64", cfg.Scheduler.TextBatchSize)
	}
	if Get() != cfg {
		t.Error("Get() did not return the just-loaded config")
	}
}

func TestLoad_MissingClipMergesRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "embedpipe.toml")
	content := `
[semantic]
model_path = "a"
vocab_path = "b"
dim = 1024

[clip_l]
model_path = "a"
vocab_path = "b"
dim = 768

[clip_g]
model_path = "a"
vocab_path = "b"
dim = 1280

[vision]
model_path = "a"
dim = 1280

[scheduler]
text_batch_size = 64
image_batch_size = 32
queue_capacity_multiplier = 4

[session]
memory_mode = "conservative"

store_timeout_sec = 30
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for missing clip_l.merges_path")
	}
}

func TestDefault_IsInternallyConsistent(t *testing.T) {
	d := Default()
	if d.Scheduler.TextBatchSize != DefaultTextBatchSize {
		t.Errorf("default text batch size = %d, want %d", d.Scheduler.TextBatchSize, DefaultTextBatchSize)
	}
	if d.Session.MemoryMode != DefaultMemoryMode {
		t.Errorf("default memory mode = %q, want %q", d.Session.MemoryMode, DefaultMemoryMode)
	}
}
