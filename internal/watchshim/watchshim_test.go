package watchshim

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestIsSupportedImage(t *testing.T) {
	cases := map[string]bool{
		"a.png": true, "a.PNG": true, "a.jpg": true, "a.jpeg": true,
		"a.webp": true, "a.gif": true, "a.txt": false, "noext": false,
	}
	for name, want := range cases {
		if got := IsSupportedImage(name); got != want {
			t.Errorf("IsSupportedImage(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestWatchEmitsNewSupportedFile(t *testing.T) {
	dir := t.TempDir()

	w, err := New()
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Watch(ctx, dir) }()

	// Give the watcher a moment to register the directory before writing.
	time.Sleep(50 * time.Millisecond)

	path := filepath.Join(dir, "new.png")
	if err := os.WriteFile(path, []byte("fake-png-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-w.Events():
		if ev.Path != path {
			t.Fatalf("event path = %q, want %q", ev.Path, path)
		}
		if ev.FileSize != int64(len("fake-png-bytes")) {
			t.Fatalf("event file size = %d, want %d", ev.FileSize, len("fake-png-bytes"))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for image event")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancellation")
	}
}

func TestWatchIgnoresUnsupportedExtension(t *testing.T) {
	dir := t.TempDir()

	w, err := New()
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = w.Watch(ctx, dir) }()
	time.Sleep(50 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event for unsupported file: %+v", ev)
	case <-time.After(700 * time.Millisecond):
		// No event within the debounce window — expected.
	}
}

func TestAddDirRecursiveSkipsHiddenDirectories(t *testing.T) {
	dir := t.TempDir()
	hidden := filepath.Join(dir, ".git")
	if err := os.MkdirAll(hidden, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(hidden, "config.png"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	w, err := New()
	if err != nil {
		t.Fatal(err)
	}
	if err := w.addDirRecursive(dir); err != nil {
		t.Fatal(err)
	}
	if w.fw.WatchList() != nil {
		for _, p := range w.fw.WatchList() {
			if p == hidden {
				t.Fatalf("hidden directory %s should not be watched", hidden)
			}
		}
	}
}
