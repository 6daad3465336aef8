package vault

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/testutil"
)

// eventually polls fn every tick until it returns true or timeout elapses.
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

func startWatcher(t *testing.T, env *testutil.Env, cb EventCallback) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go Watch(ctx, env.Service, env.VaultDir, 100*time.Millisecond, env.Logger, cb)
	time.Sleep(100 * time.Millisecond)
}

func TestWatcher_NewFileSynced(t *testing.T) {
	env := testutil.NewEnv(t)

	var mu sync.Mutex
	var events []string
	startWatcher(t, env, func(kind, path string) {
		mu.Lock()
		events = append(events, kind+":"+path)
		mu.Unlock()
	})

	_ = os.WriteFile(filepath.Join(env.VaultDir, "new.md"), []byte("Austria: {{c1::Vienna}}"), 0o644)

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		note, err := env.Store.NoteByPath(context.Background(), "new.md")
		return err == nil && !note.Deleted
	}, "new file not synced by watcher")

	eventually(t, 2*time.Second, 50*time.Millisecond, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range events {
			if e == "synced:new.md" {
				return true
			}
		}
		return false
	}, "expected synced:new.md callback")
}

func TestWatcher_NewDirWatched(t *testing.T) {
	env := testutil.NewEnv(t)
	startWatcher(t, env, nil)

	subDir := filepath.Join(env.VaultDir, "subdir")
	_ = os.MkdirAll(subDir, 0o755)
	time.Sleep(200 * time.Millisecond)

	_ = os.WriteFile(filepath.Join(subDir, "deep.md"), []byte("Deep: {{c1::down}}"), 0o644)

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		_, err := env.Store.NoteByPath(context.Background(), filepath.Join("subdir", "deep.md"))
		return err == nil
	}, "file in new subdir not synced by watcher")
}

func TestWatcher_DeleteSoftDeletesNote(t *testing.T) {
	env := testutil.NewEnv(t)

	env.WriteNote(t, "del.md", "Gone: {{c1::soon}}")
	if _, err := env.Service.SyncPath(context.Background(), "del.md"); err != nil {
		t.Fatal(err)
	}

	startWatcher(t, env, nil)

	_ = os.Remove(filepath.Join(env.VaultDir, "del.md"))

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		_, err := env.Store.NoteByPath(context.Background(), "del.md")
		return errors.Is(err, apperr.ErrNotFound)
	}, "deleted file still has an active note")
}

func TestWatcher_RenamePreservesIdentity(t *testing.T) {
	env := testutil.NewEnv(t)

	env.WriteNote(t, "old.md", "Stable: {{c1::identity}}")
	if _, err := env.Service.SyncPath(context.Background(), "old.md"); err != nil {
		t.Fatal(err)
	}
	id := env.NoteID(t, "old.md")

	startWatcher(t, env, nil)

	_ = os.Rename(filepath.Join(env.VaultDir, "old.md"), filepath.Join(env.VaultDir, "renamed.md"))

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		note, err := env.Store.NoteByPath(context.Background(), "renamed.md")
		return err == nil && note.ID == id
	}, "renamed note should keep its id at the new path")

	eventually(t, 2*time.Second, 50*time.Millisecond, func() bool {
		_, err := env.Store.NoteByPath(context.Background(), "old.md")
		return errors.Is(err, apperr.ErrNotFound)
	}, "old path should no longer resolve to an active note")
}

func TestWatcher_SlowWriterContentPreserved(t *testing.T) {
	env := testutil.NewEnv(t)
	startWatcher(t, env, nil)

	// Create the file empty and flush the body a moment later, like an
	// editor saving in two steps. The pipeline must not run off the Create
	// event, or the id mint would overwrite the body mid-flush.
	path := filepath.Join(env.VaultDir, "slow.md")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, err := f.WriteString("Capital: {{c1::Lisbon}}\n"); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		_, err := env.Store.NoteByPath(context.Background(), "slow.md")
		return err == nil
	}, "slowly written file not synced")

	// Let the mint echo settle, then check neither pass lost the body.
	time.Sleep(400 * time.Millisecond)
	onDisk, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(onDisk), "Capital: {{c1::Lisbon}}") {
		t.Fatalf("body lost from disk: %q", onDisk)
	}
	cards, err := env.Store.CardsByNote(context.Background(), env.NoteID(t, "slow.md"))
	if err != nil {
		t.Fatal(err)
	}
	if len(cards) != 1 {
		t.Fatalf("expected 1 card, got %d", len(cards))
	}
}

func TestWatcher_EchoOfIDMintIsAbsorbed(t *testing.T) {
	env := testutil.NewEnv(t)
	startWatcher(t, env, nil)

	_ = os.WriteFile(filepath.Join(env.VaultDir, "echo.md"), []byte("Echo: {{c1::once}}"), 0o644)

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		_, err := env.Store.NoteByPath(context.Background(), "echo.md")
		return err == nil
	}, "file not synced")

	// The id-minting write echoes back through fsnotify. Give it time to
	// land, then confirm exactly one active card row exists.
	time.Sleep(400 * time.Millisecond)
	cards, err := env.Store.CardsByNote(context.Background(), env.NoteID(t, "echo.md"))
	if err != nil {
		t.Fatal(err)
	}
	if len(cards) != 1 {
		t.Fatalf("expected 1 card after echo, got %d", len(cards))
	}
}
