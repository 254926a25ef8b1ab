package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchesChanges(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".git"), 0o755))

	var (
		mu      sync.Mutex
		batches [][]string
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready := make(chan struct{})
	done := make(chan error, 1)
	w := Watcher{
		Root:     root,
		Debounce: 50 * time.Millisecond,
		OnChange: func(ctx context.Context, paths []string) {
			mu.Lock()
			batches = append(batches, paths)
			mu.Unlock()
		},
	}
	go func() {
		close(ready)
		done <- w.Run(ctx)
	}()
	<-ready
	// give the watcher time to register the tree
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(root, ".git", "index"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.go"), []byte("package a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.go"), []byte("package a"), 0o644))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(batches) > 0
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	first := batches[0]
	mu.Unlock()
	assert.Contains(t, first, "a.go")
	assert.NotContains(t, first, ".git/index")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestSkipped(t *testing.T) {
	assert.True(t, skipped("/w", "/w/node_modules/x/y.js", DefaultIgnore))
	assert.False(t, skipped("/w", "/w/src/y.js", DefaultIgnore))
}
