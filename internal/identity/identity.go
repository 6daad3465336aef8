// Package identity guarantees every vault file a stable opaque note id,
// persisted in its YAML frontmatter.
package identity

import (
	"bytes"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/starford/ansuz/internal/parser"
	"github.com/starford/ansuz/internal/storage"
)

// FrontmatterKey is the reserved frontmatter field holding the note id.
const FrontmatterKey = "ansuz-id"

// Resolver mints and persists note ids.
type Resolver struct {
	store  storage.Provider
	logger *slog.Logger
}

// NewResolver creates a Resolver over the given vault storage.
func NewResolver(store storage.Provider, logger *slog.Logger) *Resolver {
	return &Resolver{store: store, logger: logger}
}

// EnsureID returns the note id for the file at path (relative to the vault
// root) along with the file's current content, minting and persisting a new
// id when the frontmatter has none. Callers can use the returned content
// directly without re-reading the file.
//
// When the write-back fails the minted id is still returned with the original
// content: the session can use the note, but the id will be re-minted on the
// next encounter unless a later write succeeds. Id stability is best-effort
// under write failure.
func (r *Resolver) EnsureID(path string) (string, []byte, error) {
	data, err := r.store.Read(path)
	if err != nil {
		return "", nil, fmt.Errorf("identity: read %s: %w", path, err)
	}

	res, err := parser.Parse(data)
	if err != nil {
		return "", nil, fmt.Errorf("identity: parse %s: %w", path, err)
	}

	if id := parser.StringField(res.Frontmatter, FrontmatterKey); id != "" {
		return id, data, nil
	}

	id := uuid.NewString()
	rewritten, err := parser.WithField(data, FrontmatterKey, id)
	if err != nil {
		r.logger.Warn("identity: frontmatter rewrite failed, id is session-only",
			slog.String("path", path), slog.String("error", err.Error()))
		return id, data, nil
	}

	// The write-back replaces the whole file. If another writer touched it
	// since our read, writing would discard their bytes; re-read and only
	// write when the file is exactly what we parsed.
	current, readErr := r.store.Read(path)
	if readErr != nil || !bytes.Equal(current, data) {
		r.logger.Warn("identity: file changed during id mint, id is session-only",
			slog.String("path", path))
		return id, data, nil
	}

	if writeErr := r.store.Write(path, rewritten); writeErr != nil {
		r.logger.Warn("identity: write-back failed, id is session-only",
			slog.String("path", path), slog.String("error", writeErr.Error()))
		return id, data, nil
	}

	r.logger.Debug("identity: minted", slog.String("path", path), slog.String("id", id))
	return id, rewritten, nil
}
