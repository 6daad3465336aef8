// Package testutil provides shared test helpers wiring a temp vault, a temp
// card store, and the sync service on top of them.
package testutil

import (
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/starford/ansuz/internal/identity"
	"github.com/starford/ansuz/internal/parser"
	"github.com/starford/ansuz/internal/reconcile"
	"github.com/starford/ansuz/internal/scheduler"
	"github.com/starford/ansuz/internal/splitter"
	"github.com/starford/ansuz/internal/storage"
	"github.com/starford/ansuz/internal/store"
	"github.com/starford/ansuz/internal/syncservice"
)

// Env is a fully wired engine over temporary directories, cleaned up with
// the test.
type Env struct {
	VaultDir string
	Vault    storage.Provider
	Store    *store.Store
	Service  *syncservice.Service
	Logger   *slog.Logger
}

// NewEnv builds a temp vault, a temp SQLite store, and a sync service.
func NewEnv(t *testing.T) *Env {
	t.Helper()

	vaultDir := t.TempDir()
	vault, err := storage.NewFS(vaultDir)
	if err != nil {
		t.Fatal(err)
	}

	st := TestStore(t)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	resolver := identity.NewResolver(vault, logger)
	rec := reconcile.New(st, splitter.Markdown{}, logger)
	svc := syncservice.New(vault, st, resolver, rec, scheduler.New(), "", logger)

	return &Env{
		VaultDir: vaultDir,
		Vault:    vault,
		Store:    st,
		Service:  svc,
		Logger:   logger,
	}
}

// TestStore creates a temporary SQLite card store that is automatically
// cleaned up.
func TestStore(t *testing.T) *store.Store {
	t.Helper()
	dbFile, err := os.CreateTemp("", "ansuz-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	st, err := store.Open(dbFile.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// WriteNote writes a markdown file into the vault.
func (e *Env) WriteNote(t *testing.T, rel, content string) {
	t.Helper()
	if err := e.Vault.Write(rel, []byte(content)); err != nil {
		t.Fatal(err)
	}
}

// NoteID reads the persisted note id out of a vault file's frontmatter.
func (e *Env) NoteID(t *testing.T, rel string) string {
	t.Helper()
	data, err := e.Vault.Read(rel)
	if err != nil {
		t.Fatal(err)
	}
	res, err := parser.Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	id := parser.StringField(res.Frontmatter, identity.FrontmatterKey)
	if id == "" {
		t.Fatalf("no %s in %s", identity.FrontmatterKey, rel)
	}
	return id
}
