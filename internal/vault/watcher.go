// Package vault watches the markdown vault and drives the sync pipeline.
package vault

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/ansuz/internal/syncservice"
)

// EventCallback is called after a watcher-driven remote change.
// kind is one of "synced", "removed".
type EventCallback func(kind string, path string)

// Watch starts an fsnotify watcher on the vault root and processes file
// change events until ctx is cancelled. It calls cb (if non-nil) after each
// successful remote mutation.
//
// Events are processed on the trailing edge of a per-path quiet period:
// Create and Write for the same path reset a timer, and the pipeline runs
// only after the path has been quiet for the settle window. This keeps the
// pipeline off files an external writer is still flushing, so the id mint
// never overwrites bytes that have not landed yet. The mint's own echo Write
// schedules one extra pass, which the hash gate skips. Different paths
// reconcile independently and in no particular order.
//
// Rename events schedule a debounced whole-vault pass instead of an eager
// delete: note identity lives in the frontmatter, so the renamed file's sync
// re-points the existing note row at its new path, and only notes whose file
// truly vanished get soft-deleted.
func Watch(ctx context.Context, svc *syncservice.Service, vaultRoot string, settle time.Duration, logger *slog.Logger, cb EventCallback) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := addDirsRecursive(w, vaultRoot); err != nil {
		return err
	}

	if settle <= 0 {
		settle = 500 * time.Millisecond
	}

	logger.Info("watcher: started", slog.String("root", vaultRoot))

	// pending holds the trailing-edge timer per path. Only the event loop
	// touches the map; the timer callbacks just feed syncCh.
	pending := make(map[string]*time.Timer)
	syncCh := make(chan string, 64)

	schedulePath := func(rel string) {
		if tm, ok := pending[rel]; ok {
			tm.Reset(settle)
			return
		}
		pending[rel] = time.AfterFunc(settle, func() {
			select {
			case syncCh <- rel:
			case <-ctx.Done():
			}
		})
	}

	// vaultPassTimer debounces rename-triggered whole-vault passes.
	var vaultPassTimer *time.Timer
	var vaultPassCh <-chan time.Time

	scheduleVaultPass := func() {
		if vaultPassTimer == nil {
			vaultPassTimer = time.NewTimer(settle)
			vaultPassCh = vaultPassTimer.C
		} else {
			vaultPassTimer.Reset(settle)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if vaultPassTimer != nil {
				vaultPassTimer.Stop()
			}
			for _, tm := range pending {
				tm.Stop()
			}
			logger.Info("watcher: stopped")
			return nil

		case rel := <-syncCh:
			delete(pending, rel)
			out, syncErr := svc.SyncPath(ctx, rel)
			if syncErr != nil {
				logger.Warn("watcher: sync failed", slog.String("path", rel), slog.String("error", syncErr.Error()))
				continue
			}
			if out.Skipped {
				continue
			}
			logger.Debug("watcher: synced", slog.String("path", rel),
				slog.Int("inserted", out.Inserted), slog.Int("updated", out.Updated),
				slog.Int("soft_deleted", out.SoftDeleted))
			if cb != nil {
				cb("synced", rel)
			}

		case <-vaultPassCh:
			out, passErr := svc.SyncVault(ctx)
			if passErr != nil {
				logger.Warn("watcher: vault pass failed", slog.String("error", passErr.Error()))
			} else {
				logger.Debug("watcher: vault pass",
					slog.Int("synced", out.Synced), slog.Int("removed", out.Removed))
			}

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}

			absPath := ev.Name

			// --- Handle new directories: add to watcher ---
			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(absPath); statErr == nil && info.IsDir() {
					if addErr := addDirsRecursive(w, absPath); addErr != nil {
						logger.Warn("watcher: add new dir failed",
							slog.String("path", absPath),
							slog.String("error", addErr.Error()))
					} else {
						logger.Debug("watcher: watching new dir", slog.String("path", absPath))
					}
					// Pick up any .md files already inside it.
					scheduleVaultPass()
					continue
				}
			}

			// Only process .md files from here on.
			if !strings.HasSuffix(absPath, ".md") {
				continue
			}

			rel, relErr := filepath.Rel(vaultRoot, absPath)
			if relErr != nil {
				continue
			}

			switch {
			case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
				schedulePath(rel)

			case ev.Op&fsnotify.Remove != 0:
				if tm, ok := pending[rel]; ok {
					tm.Stop()
					delete(pending, rel)
				}
				if delErr := svc.RemovePath(ctx, rel); delErr != nil {
					logger.Warn("watcher: remove failed", slog.String("path", rel), slog.String("error", delErr.Error()))
					continue
				}
				logger.Debug("watcher: removed", slog.String("path", rel))
				if cb != nil {
					cb("removed", rel)
				}

			case ev.Op&fsnotify.Rename != 0:
				// fsnotify fires Rename on the OLD path only; the new path
				// arrives as a separate Create. Identity lives in the
				// frontmatter, so the debounced vault pass re-points the
				// note at its new path and soft-deletes only true removals.
				if tm, ok := pending[rel]; ok {
					tm.Stop()
					delete(pending, rel)
				}
				scheduleVaultPass()
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}

// addDirsRecursive adds root and all its subdirectories to the watcher.
func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}
