package host

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// eventually polls fn until it returns true or timeout is reached.
func eventually(t *testing.T, timeout, tick time.Duration, fn func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(tick)
	}
	t.Error(msg)
}

type changeLog struct {
	mu    sync.Mutex
	paths []string
}

func (c *changeLog) add(p string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paths = append(c.paths, p)
}

func (c *changeLog) has(p string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, x := range c.paths {
		if x == p {
			return true
		}
	}
	return false
}

func startWatch(t *testing.T, root string) *changeLog {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	log := &changeLog{}
	go func() {
		defer close(done)
		_ = Watch(ctx, root, logger, log.add)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	// Give the watcher time to register directories.
	time.Sleep(100 * time.Millisecond)
	return log
}

func TestWatcher_ReportsSourceChanges(t *testing.T) {
	root := t.TempDir()
	log := startWatch(t, root)

	p := filepath.Join(root, "util.ts")
	if err := os.WriteFile(p, []byte("export const x = 1"), 0o644); err != nil {
		t.Fatal(err)
	}
	eventually(t, 3*time.Second, 20*time.Millisecond, func() bool { return log.has(p) },
		"expected util.ts to be reported")
}

func TestWatcher_IgnoresNonSource(t *testing.T) {
	root := t.TempDir()
	log := startWatch(t, root)

	p := filepath.Join(root, "notes.md")
	if err := os.WriteFile(p, []byte("# hi"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(300 * time.Millisecond)
	if log.has(p) {
		t.Error("markdown file should not be reported")
	}
}

func TestWatcher_NewDirectoryIsWatched(t *testing.T) {
	root := t.TempDir()
	log := startWatch(t, root)

	dir := filepath.Join(root, "lib")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	p := filepath.Join(dir, "a.js")
	if err := os.WriteFile(p, []byte("1"), 0o644); err != nil {
		t.Fatal(err)
	}
	eventually(t, 3*time.Second, 20*time.Millisecond, func() bool { return log.has(p) },
		"expected file in new dir to be reported")
}

func TestWatcher_SkipsNodeModules(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "node_modules", "pkg"), 0o755); err != nil {
		t.Fatal(err)
	}
	log := startWatch(t, root)

	p := filepath.Join(root, "node_modules", "pkg", "index.js")
	if err := os.WriteFile(p, []byte("1"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(300 * time.Millisecond)
	if log.has(p) {
		t.Error("node_modules should not be watched")
	}
}
