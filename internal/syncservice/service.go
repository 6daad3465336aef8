// Package syncservice coordinates the per-note pipeline: identity, parsing,
// reconciliation, grading, and pulls. It is the single entry point used by
// the watcher, the HTTP API, and the MCP server.
package syncservice

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/cloze"
	"github.com/starford/ansuz/internal/identity"
	"github.com/starford/ansuz/internal/models"
	"github.com/starford/ansuz/internal/parser"
	"github.com/starford/ansuz/internal/reconcile"
	"github.com/starford/ansuz/internal/scheduler"
	"github.com/starford/ansuz/internal/storage"
	"github.com/starford/ansuz/internal/store"
)

// Service wires the vault, the remote store, and the scheduler together.
type Service struct {
	vault      storage.Provider
	remote     *store.Store
	resolver   *identity.Resolver
	rec        *reconcile.Reconciler
	sched      *scheduler.Scheduler
	collection string
	logger     *slog.Logger
}

// New creates a Service for one (vault, remote) pair.
func New(vault storage.Provider, remote *store.Store, resolver *identity.Resolver, rec *reconcile.Reconciler, sched *scheduler.Scheduler, collection string, logger *slog.Logger) *Service {
	return &Service{
		vault:      vault,
		remote:     remote,
		resolver:   resolver,
		rec:        rec,
		sched:      sched,
		collection: collection,
		logger:     logger,
	}
}

// SyncPath runs the full pipeline for one vault file: ensure id, parse,
// reconcile against the remote store.
func (s *Service) SyncPath(ctx context.Context, rel string) (reconcile.Outcome, error) {
	return s.syncPath(ctx, rel, nil)
}

// syncPath is SyncPath with duplicate-id detection: when owners is non-nil,
// a note id already claimed by another path in the same pass is a conflict
// and the file is not reconciled. A copied file carries the original's
// frontmatter id, and reconciling both would let two files fight over one
// set of cards.
func (s *Service) syncPath(ctx context.Context, rel string, owners map[string]string) (reconcile.Outcome, error) {
	id, content, err := s.resolver.EnsureID(rel)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return reconcile.Outcome{}, apperr.ErrNotFound
		}
		return reconcile.Outcome{}, err
	}

	if owners != nil {
		if prev, claimed := owners[id]; claimed {
			return reconcile.Outcome{}, fmt.Errorf("note id %s claimed by %s and %s: %w",
				id, prev, rel, apperr.ErrConflict)
		}
		owners[id] = rel
	}

	res, err := parser.Parse(content)
	if err != nil {
		return reconcile.Outcome{}, err
	}

	return s.rec.Reconcile(ctx, reconcile.Input{
		NoteID:     id,
		RelPath:    rel,
		Raw:        content,
		Body:       res.Body,
		Title:      res.Title,
		Tags:       res.Tags,
		Collection: s.collection,
	})
}

// VaultOutcome summarizes a whole-vault sync pass.
type VaultOutcome struct {
	Synced  int
	Skipped int
	Removed int
	Failed  int
}

// SyncVault walks the vault and brings the remote store up to date: every
// .md file is piped through SyncPath (the hash gate keeps unchanged files
// cheap), and notes whose file no longer exists on disk are soft-deleted.
func (s *Service) SyncVault(ctx context.Context) (VaultOutcome, error) {
	var out VaultOutcome

	metas, err := s.vault.List("")
	if err != nil {
		return out, err
	}

	disk := make(map[string]struct{}, len(metas))
	owners := make(map[string]string, len(metas))
	for _, m := range metas {
		disk[m.Path] = struct{}{}

		res, err := s.syncPath(ctx, m.Path, owners)
		switch {
		case err != nil:
			out.Failed++
			s.logger.Warn("sync: path failed", slog.String("path", m.Path), slog.String("error", err.Error()))
		case res.Skipped:
			out.Skipped++
		default:
			out.Synced++
			s.logger.Debug("sync: reconciled", slog.String("path", m.Path),
				slog.Int("inserted", res.Inserted), slog.Int("updated", res.Updated),
				slog.Int("soft_deleted", res.SoftDeleted))
		}
	}

	// Soft-delete notes whose file vanished.
	active, err := s.remote.ActiveNotePaths(ctx)
	if err != nil {
		return out, err
	}
	for p, noteID := range active {
		if _, ok := disk[p]; ok {
			continue
		}
		if err := s.remote.SoftDeleteNote(ctx, noteID); err != nil {
			out.Failed++
			s.logger.Warn("sync: soft-delete failed", slog.String("path", p), slog.String("error", err.Error()))
		} else {
			out.Removed++
			s.logger.Debug("sync: removed stale", slog.String("path", p))
		}
	}

	return out, nil
}

// RemovePath soft-deletes the note tracked at rel, with all of its cards.
// Unknown paths are a no-op: the file was never synced.
func (s *Service) RemovePath(ctx context.Context, rel string) error {
	note, err := s.remote.NoteByPath(ctx, rel)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.remote.SoftDeleteNote(ctx, note.ID)
}

// Grade applies one review: scheduling update plus review log, atomic as a
// unit. An out-of-range grade is rejected before any state mutation.
func (s *Service) Grade(ctx context.Context, noteID string, clozeIndex int, grade models.Grade, durationMS int64) (models.Card, error) {
	if !grade.Valid() {
		return models.Card{}, apperr.ErrInvalidGrade
	}

	card, err := s.remote.GetCard(ctx, noteID, clozeIndex)
	if err != nil {
		return models.Card{}, err
	}
	if card.Deleted {
		return models.Card{}, apperr.ErrNotFound
	}

	now := time.Now()
	next, log := s.sched.Schedule(card.Scheduling, now, grade)
	log.NoteID = noteID
	log.ClozeIndex = clozeIndex
	log.DurationMS = durationMS

	if err := s.remote.Grade(ctx, noteID, clozeIndex, next, log); err != nil {
		return models.Card{}, err
	}

	card.Scheduling = next
	return card, nil
}

// Pull exposes the incremental pull protocol.
func (s *Service) Pull(ctx context.Context, collection string, since *time.Time) ([]models.Card, time.Time, error) {
	return s.remote.Pull(ctx, collection, since)
}

// DueCards lists cards due for review.
func (s *Service) DueCards(ctx context.Context, collection string, limit int) ([]models.Card, error) {
	return s.remote.DueCards(ctx, collection, time.Now(), limit)
}

// ReadNote returns the raw bytes of one vault file.
func (s *Service) ReadNote(_ context.Context, rel string) ([]byte, error) {
	data, err := s.vault.Read(rel)
	if err != nil {
		return nil, apperr.ErrNotFound
	}
	return data, nil
}

// Diagnostics extracts clozes and markup diagnostics for one vault file
// without touching the remote store. Malformed markup is data here, never
// an error.
func (s *Service) Diagnostics(_ context.Context, rel string) (cloze.Result, error) {
	data, err := s.vault.Read(rel)
	if err != nil {
		return cloze.Result{}, apperr.ErrNotFound
	}
	res, err := parser.Parse(data)
	if err != nil {
		return cloze.Result{}, err
	}
	return cloze.Extract(res.Body), nil
}
