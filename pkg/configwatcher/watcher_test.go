package configwatcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"lms_backend/internal/config"

	"github.com/stretchr/testify/require"
)

func TestWatchConfigReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "storage:\n  local_path: %s\ntree:\n  item_removal: %s\n"
	storage := filepath.Join(dir, "files")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(body, storage, "explicit")), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *config.Config, 1)
	done := make(chan error, 1)
	go func() {
		done <- WatchConfig(ctx, path, func(cfg *config.Config) {
			select {
			case reloaded <- cfg:
			default:
			}
		})
	}()

	// 等待监听建立
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(body, storage, "omission")), 0o644))

	select {
	case cfg := <-reloaded:
		require.Equal(t, "omission", cfg.Tree.ItemRemoval)
	case <-time.After(10 * time.Second):
		t.Fatal("config was not reloaded")
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
