package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/models"
)

type noteRow struct {
	ID          string    `db:"id"`
	Collection  string    `db:"collection"`
	RelPath     string    `db:"relative_path"`
	Title       string    `db:"title"`
	Tags        string    `db:"tags"`
	ContentHash string    `db:"content_hash"`
	Deleted     bool      `db:"is_deleted"`
	UpdatedAt   time.Time `db:"updated_at"`
}

type cardRow struct {
	NoteID        string    `db:"note_id"`
	ClozeIndex    int       `db:"cloze_index"`
	BlockID       string    `db:"block_id"`
	ContentRaw    string    `db:"content_raw"`
	SectionPath   string    `db:"section_path"`
	Tags          string    `db:"tags"`
	Suspended     bool      `db:"is_suspended"`
	Deleted       bool      `db:"is_deleted"`
	State         int       `db:"state"`
	Due           time.Time `db:"due"`
	Stability     float64   `db:"stability"`
	Difficulty    float64   `db:"difficulty"`
	ElapsedDays   int64     `db:"elapsed_days"`
	ScheduledDays int64     `db:"scheduled_days"`
	Reps          int64     `db:"reps"`
	Lapses        int64     `db:"lapses"`
	LastReview    time.Time `db:"last_review"`
	UpdatedAt     time.Time `db:"updated_at"`
}

func (r cardRow) toModel() models.Card {
	return models.Card{
		NoteID:      r.NoteID,
		ClozeIndex:  r.ClozeIndex,
		BlockID:     r.BlockID,
		ContentRaw:  r.ContentRaw,
		SectionPath: r.SectionPath,
		Tags:        fromJSONTags(r.Tags),
		Suspended:   r.Suspended,
		Deleted:     r.Deleted,
		Scheduling: models.Scheduling{
			State:         models.State(r.State),
			Due:           r.Due,
			Stability:     r.Stability,
			Difficulty:    r.Difficulty,
			ElapsedDays:   r.ElapsedDays,
			ScheduledDays: r.ScheduledDays,
			Reps:          r.Reps,
			Lapses:        r.Lapses,
			LastReview:    r.LastReview,
		},
		UpdatedAt: r.UpdatedAt,
	}
}

func toCardRow(c models.Card, now time.Time) cardRow {
	return cardRow{
		NoteID:        c.NoteID,
		ClozeIndex:    c.ClozeIndex,
		BlockID:       c.BlockID,
		ContentRaw:    c.ContentRaw,
		SectionPath:   c.SectionPath,
		Tags:          toJSONTags(c.Tags),
		Suspended:     c.Suspended,
		Deleted:       c.Deleted,
		State:         int(c.State),
		Due:           c.Due,
		Stability:     c.Stability,
		Difficulty:    c.Difficulty,
		ElapsedDays:   c.ElapsedDays,
		ScheduledDays: c.ScheduledDays,
		Reps:          c.Reps,
		Lapses:        c.Lapses,
		LastReview:    c.LastReview,
		UpdatedAt:     now,
	}
}

// UpsertNote inserts or replaces the metadata row for a note and clears its
// deleted flag.
func (s *Store) UpsertNote(ctx context.Context, n models.Note) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notes (id, collection, relative_path, title, tags, content_hash, is_deleted, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(id) DO UPDATE SET
			collection    = excluded.collection,
			relative_path = excluded.relative_path,
			title         = excluded.title,
			tags          = excluded.tags,
			content_hash  = excluded.content_hash,
			is_deleted    = 0,
			updated_at    = excluded.updated_at
	`, n.ID, n.Collection, n.RelPath, n.Title, toJSONTags(n.Tags), n.ContentHash, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store: upsert note: %w", err)
	}
	return nil
}

// NoteHash returns the stored content hash for a note, or "" when the note
// is unknown.
func (s *Store) NoteHash(ctx context.Context, noteID string) (string, error) {
	var hash string
	err := s.db.GetContext(ctx, &hash, `SELECT content_hash FROM notes WHERE id = ?`, noteID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: note hash: %w", err)
	}
	return hash, nil
}

// SetNoteHash advances a note's content hash. Reconciliation calls this
// last, after every card write landed, so a failed pass reruns in full.
func (s *Store) SetNoteHash(ctx context.Context, noteID, hash string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE notes SET content_hash = ?, updated_at = ? WHERE id = ?`,
		hash, time.Now().UTC(), noteID)
	if err != nil {
		return fmt.Errorf("store: set note hash: %w", err)
	}
	return nil
}

// TouchNote refreshes a note's updated_at without changing anything else.
// Used when the hash gate short-circuits a sync.
func (s *Store) TouchNote(ctx context.Context, noteID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE notes SET updated_at = ? WHERE id = ?`, time.Now().UTC(), noteID)
	if err != nil {
		return fmt.Errorf("store: touch note: %w", err)
	}
	return nil
}

// NoteByPath returns the non-deleted note at relPath.
func (s *Store) NoteByPath(ctx context.Context, relPath string) (models.Note, error) {
	var r noteRow
	err := s.db.GetContext(ctx, &r, `
		SELECT id, collection, relative_path, title, tags, content_hash, is_deleted, updated_at
		FROM notes WHERE relative_path = ? AND is_deleted = 0
	`, relPath)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Note{}, apperr.ErrNotFound
	}
	if err != nil {
		return models.Note{}, fmt.Errorf("store: note by path: %w", err)
	}
	return models.Note{
		ID:          r.ID,
		Collection:  r.Collection,
		RelPath:     r.RelPath,
		Title:       r.Title,
		Tags:        fromJSONTags(r.Tags),
		ContentHash: r.ContentHash,
		Deleted:     r.Deleted,
		UpdatedAt:   r.UpdatedAt,
	}, nil
}

// SoftDeleteNote marks a note and all of its cards deleted. Review logs are
// untouched; the note is restorable by a later sync of the same id.
func (s *Store) SoftDeleteNote(ctx context.Context, noteID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `UPDATE notes SET is_deleted = 1, updated_at = ? WHERE id = ?`, now, noteID); err != nil {
		return fmt.Errorf("store: soft-delete note: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE cards SET is_deleted = 1, updated_at = ? WHERE note_id = ? AND is_deleted = 0`, now, noteID); err != nil {
		return fmt.Errorf("store: soft-delete note cards: %w", err)
	}
	return tx.Commit()
}

// CardsByNote returns every card row for a note, including soft-deleted ones,
// so reconciliation can restore a cloze id that reappears.
func (s *Store) CardsByNote(ctx context.Context, noteID string) ([]models.Card, error) {
	var rows []cardRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM cards WHERE note_id = ? ORDER BY cloze_index
	`, noteID)
	if err != nil {
		return nil, fmt.Errorf("store: cards by note: %w", err)
	}
	out := make([]models.Card, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// ActiveNotePaths returns relative_path -> note id for every non-deleted note.
// The vault-wide sync pass uses it to find notes whose file vanished.
func (s *Store) ActiveNotePaths(ctx context.Context) (map[string]string, error) {
	var rows []struct {
		ID      string `db:"id"`
		RelPath string `db:"relative_path"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT id, relative_path FROM notes WHERE is_deleted = 0`); err != nil {
		return nil, fmt.Errorf("store: active note paths: %w", err)
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.RelPath] = r.ID
	}
	return out, nil
}

// GetCard returns one card row, soft-deleted or not.
func (s *Store) GetCard(ctx context.Context, noteID string, clozeIndex int) (models.Card, error) {
	var r cardRow
	err := s.db.GetContext(ctx, &r, `SELECT * FROM cards WHERE note_id = ? AND cloze_index = ?`, noteID, clozeIndex)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Card{}, apperr.ErrNotFound
	}
	if err != nil {
		return models.Card{}, fmt.Errorf("store: get card: %w", err)
	}
	return r.toModel(), nil
}

// UpsertCard writes a full card row keyed on (note_id, cloze_index). Callers
// perform the read-modify-write: the merged record is computed in application
// code and written whole, so no column-omission semantics are relied on.
func (s *Store) UpsertCard(ctx context.Context, c models.Card) error {
	row := toCardRow(c, time.Now().UTC())
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO cards (note_id, cloze_index, block_id, content_raw, section_path, tags,
			is_suspended, is_deleted, state, due, stability, difficulty,
			elapsed_days, scheduled_days, reps, lapses, last_review, updated_at)
		VALUES (:note_id, :cloze_index, :block_id, :content_raw, :section_path, :tags,
			:is_suspended, :is_deleted, :state, :due, :stability, :difficulty,
			:elapsed_days, :scheduled_days, :reps, :lapses, :last_review, :updated_at)
		ON CONFLICT(note_id, cloze_index) DO UPDATE SET
			block_id       = excluded.block_id,
			content_raw    = excluded.content_raw,
			section_path   = excluded.section_path,
			tags           = excluded.tags,
			is_suspended   = excluded.is_suspended,
			is_deleted     = excluded.is_deleted,
			state          = excluded.state,
			due            = excluded.due,
			stability      = excluded.stability,
			difficulty     = excluded.difficulty,
			elapsed_days   = excluded.elapsed_days,
			scheduled_days = excluded.scheduled_days,
			reps           = excluded.reps,
			lapses         = excluded.lapses,
			last_review    = excluded.last_review,
			updated_at     = excluded.updated_at
	`, row)
	if err != nil {
		return fmt.Errorf("store: upsert card: %w", err)
	}
	return nil
}

// SoftDeleteCards marks the given cloze ids of a note deleted.
func (s *Store) SoftDeleteCards(ctx context.Context, noteID string, clozeIDs []int) error {
	if len(clozeIDs) == 0 {
		return nil
	}
	query, args, err := sqlx.In(
		`UPDATE cards SET is_deleted = 1, updated_at = ? WHERE note_id = ? AND cloze_index IN (?)`,
		time.Now().UTC(), noteID, clozeIDs)
	if err != nil {
		return fmt.Errorf("store: soft-delete cards: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("store: soft-delete cards: %w", err)
	}
	return nil
}

// Grade atomically applies a scheduling snapshot and appends the review log:
// both succeed or neither is visible. A missing or deleted card fails only
// this grading action.
func (s *Store) Grade(ctx context.Context, noteID string, clozeIndex int, snap models.Scheduling, log models.ReviewLog) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `
		UPDATE cards SET
			state = ?, due = ?, stability = ?, difficulty = ?,
			elapsed_days = ?, scheduled_days = ?, reps = ?, lapses = ?,
			last_review = ?, updated_at = ?
		WHERE note_id = ? AND cloze_index = ? AND is_deleted = 0
	`, int(snap.State), snap.Due, snap.Stability, snap.Difficulty,
		snap.ElapsedDays, snap.ScheduledDays, snap.Reps, snap.Lapses,
		snap.LastReview, time.Now().UTC(), noteID, clozeIndex)
	if err != nil {
		return fmt.Errorf("store: grade update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: grade rows affected: %w", err)
	}
	if n == 0 {
		return apperr.ErrNotFound
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO review_logs (note_id, cloze_index, grade, state, due, stability, difficulty,
			elapsed_days, scheduled_days, reps, lapses, duration_ms, reviewed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, noteID, clozeIndex, int(log.Grade), int(log.Scheduling.State), log.Scheduling.Due,
		log.Scheduling.Stability, log.Scheduling.Difficulty, log.Scheduling.ElapsedDays,
		log.Scheduling.ScheduledDays, log.Scheduling.Reps, log.Scheduling.Lapses,
		log.DurationMS, log.ReviewedAt)
	if err != nil {
		return fmt.Errorf("store: insert review log: %w", err)
	}

	return tx.Commit()
}

// ReviewLogCount returns how many review logs exist for a note. Soft deletes
// never remove logs.
func (s *Store) ReviewLogCount(ctx context.Context, noteID string) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM review_logs WHERE note_id = ?`, noteID); err != nil {
		return 0, fmt.Errorf("store: review log count: %w", err)
	}
	return n, nil
}

// Pull implements the incremental pull protocol.
//
// Full pull (since == nil): only active cards belonging to active notes.
// Incremental pull: every card updated after since, including soft-deleted
// rows and rows of deleted notes, so callers can evict them locally.
//
// The returned cursor is the maximum updated_at among the rows or, for an
// empty result, the store's own clock — never the caller's — clamped so it
// never moves backwards past since.
func (s *Store) Pull(ctx context.Context, collection string, since *time.Time) ([]models.Card, time.Time, error) {
	var (
		rows []cardRow
		err  error
	)
	switch {
	case since == nil && collection == "":
		err = s.db.SelectContext(ctx, &rows, `
			SELECT cards.* FROM cards
			JOIN notes ON notes.id = cards.note_id
			WHERE cards.is_deleted = 0 AND notes.is_deleted = 0
			ORDER BY cards.updated_at`)
	case since == nil:
		err = s.db.SelectContext(ctx, &rows, `
			SELECT cards.* FROM cards
			JOIN notes ON notes.id = cards.note_id
			WHERE cards.is_deleted = 0 AND notes.is_deleted = 0 AND notes.collection = ?
			ORDER BY cards.updated_at`, collection)
	case collection == "":
		err = s.db.SelectContext(ctx, &rows, `
			SELECT cards.* FROM cards
			WHERE cards.updated_at > ?
			ORDER BY cards.updated_at`, *since)
	default:
		err = s.db.SelectContext(ctx, &rows, `
			SELECT cards.* FROM cards
			JOIN notes ON notes.id = cards.note_id
			WHERE cards.updated_at > ? AND notes.collection = ?
			ORDER BY cards.updated_at`, *since, collection)
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("store: pull: %w", err)
	}

	out := make([]models.Card, len(rows))
	var cursor time.Time
	for i, r := range rows {
		out[i] = r.toModel()
		if r.UpdatedAt.After(cursor) {
			cursor = r.UpdatedAt
		}
	}

	if len(rows) == 0 {
		cursor, err = s.ServerTime(ctx)
		if err != nil {
			return nil, time.Time{}, err
		}
	}
	if since != nil && cursor.Before(*since) {
		cursor = *since
	}
	return out, cursor, nil
}

// DueCards returns active, unsuspended cards due at or before now.
func (s *Store) DueCards(ctx context.Context, collection string, now time.Time, limit int) ([]models.Card, error) {
	if limit <= 0 {
		limit = 100
	}
	var (
		rows []cardRow
		err  error
	)
	if collection == "" {
		err = s.db.SelectContext(ctx, &rows, `
			SELECT cards.* FROM cards
			JOIN notes ON notes.id = cards.note_id
			WHERE cards.is_deleted = 0 AND cards.is_suspended = 0 AND notes.is_deleted = 0
				AND cards.due <= ?
			ORDER BY cards.due LIMIT ?`, now.UTC(), limit)
	} else {
		err = s.db.SelectContext(ctx, &rows, `
			SELECT cards.* FROM cards
			JOIN notes ON notes.id = cards.note_id
			WHERE cards.is_deleted = 0 AND cards.is_suspended = 0 AND notes.is_deleted = 0
				AND notes.collection = ? AND cards.due <= ?
			ORDER BY cards.due LIMIT ?`, collection, now.UTC(), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("store: due cards: %w", err)
	}
	out := make([]models.Card, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// ServerTime returns the store's own clock. Cursor values for empty pulls
// come from here so clients never depend on their local clock.
func (s *Store) ServerTime(ctx context.Context) (time.Time, error) {
	var raw string
	if err := s.db.GetContext(ctx, &raw, `SELECT CURRENT_TIMESTAMP`); err != nil {
		return time.Time{}, fmt.Errorf("store: server time: %w", err)
	}
	t, err := time.ParseInLocation("2006-01-02 15:04:05", raw, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("store: parse server time %q: %w", raw, err)
	}
	return t, nil
}

func toJSONTags(tags []string) string {
	if tags == nil {
		tags = []string{}
	}
	b, _ := json.Marshal(tags)
	return string(b)
}

func fromJSONTags(raw string) []string {
	var tags []string
	if err := json.Unmarshal([]byte(raw), &tags); err != nil {
		return []string{}
	}
	if tags == nil {
		return []string{}
	}
	return tags
}
