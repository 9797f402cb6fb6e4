package manifest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/brokerd/internal/logging"
)

func TestWatch_ReloadsOnCreateAndDelete(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(dir, nil, logging.NewNop())
	require.NoError(t, r.Load(context.Background()))
	require.Zero(t, r.ToolCount())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Watch(ctx)
	}()

	// Give the watcher a moment to install.
	time.Sleep(100 * time.Millisecond)

	path := writeManifest(t, dir, "calendar.json", calendarManifest)
	require.Eventually(t, func() bool {
		_, ok := r.FindTool("calendar.events")
		return ok
	}, 5*time.Second, 50*time.Millisecond, "create must trigger a reload")

	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool {
		_, ok := r.FindTool("calendar.events")
		return !ok
	}, 5*time.Second, 50*time.Millisecond, "delete must trigger a reload")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop on cancel")
	}
}

func TestWatch_PicksUpNewSubdirectory(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(dir, nil, logging.NewNop())
	require.NoError(t, r.Load(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	sub := filepath.Join(dir, "cloud")
	require.NoError(t, os.MkdirAll(sub, 0700))
	writeManifest(t, dir, "cloud/oura.json", ouraManifest)

	assert.Eventually(t, func() bool {
		_, ok := r.FindTool("oura.sleep")
		return ok
	}, 5*time.Second, 50*time.Millisecond)
}
