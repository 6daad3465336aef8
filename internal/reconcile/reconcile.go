// Package reconcile diffs a note's extracted cards against the remote store.
//
// Identity is the pair (note id, cloze id), never the occurrence index, so
// scheduling state survives arbitrary edits to the surrounding text. Content
// changes only ever touch scheduling through one policy: a large enough edit
// scales stability down by a fixed factor.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/agnivade/levenshtein"

	"github.com/starford/ansuz/internal/checksum"
	"github.com/starford/ansuz/internal/cloze"
	"github.com/starford/ansuz/internal/models"
	"github.com/starford/ansuz/internal/scheduler"
	"github.com/starford/ansuz/internal/splitter"
	"github.com/starford/ansuz/internal/store"
)

// Policy constants. Fixed, not configuration: no upstream surface ever
// exposed them.
const (
	// SimilarityThreshold is the normalized-similarity floor below which a
	// content edit is considered to invalidate the stored stability estimate.
	SimilarityThreshold = 0.60
	// StabilityDecay is the factor applied to stability when an edit falls
	// below the threshold. Review history and all other scheduling fields
	// stay untouched.
	StabilityDecay = 0.75
)

// Input is one note ready for reconciliation.
type Input struct {
	NoteID     string
	RelPath    string
	Raw        []byte // raw file bytes, hashed for the change gate
	Body       string // frontmatter-stripped markdown
	Title      string // frontmatter title; may be empty
	Tags       []string
	Collection string
}

// Outcome summarizes what one reconciliation pass did.
type Outcome struct {
	Skipped     bool // hash gate hit; nothing else ran
	Inserted    int
	Updated     int
	Penalized   int
	SoftDeleted int
}

// Reconciler drives the per-note diff against the remote store.
type Reconciler struct {
	store  *store.Store
	split  splitter.Splitter
	logger *slog.Logger
}

// New creates a Reconciler.
func New(st *store.Store, split splitter.Splitter, logger *slog.Logger) *Reconciler {
	return &Reconciler{store: st, split: split, logger: logger}
}

// Reconcile brings the remote rows for one note in line with its current
// content. The operation is idempotent: repeating it with identical input
// performs no additional writes beyond the first, because the hash gate
// short-circuits the second call.
//
// Remote write failures are logged, counted into the joined error, and do
// not abort the remaining steps; the note hash only advances after a fully
// clean pass, so the next sync retries everything that failed.
func (r *Reconciler) Reconcile(ctx context.Context, in Input) (Outcome, error) {
	var out Outcome

	// Step 1: hash gate. Unchanged bytes cost one hash and one timestamp.
	hash := checksum.Sum(in.Raw)
	stored, err := r.store.NoteHash(ctx, in.NoteID)
	if err != nil {
		return out, fmt.Errorf("reconcile: note hash: %w", err)
	}
	if stored == hash {
		out.Skipped = true
		if err := r.store.TouchNote(ctx, in.NoteID); err != nil {
			return out, fmt.Errorf("reconcile: touch: %w", err)
		}
		return out, nil
	}

	var stepErrs []error

	// Step 2: note metadata upsert. The stored hash is carried over unchanged
	// here; the gate only advances at the end of a clean pass.
	if err := r.store.UpsertNote(ctx, models.Note{
		ID:          in.NoteID,
		Collection:  in.Collection,
		RelPath:     in.RelPath,
		Title:       deriveTitle(in),
		Tags:        in.Tags,
		ContentHash: stored,
	}); err != nil {
		r.logger.Warn("reconcile: note upsert failed",
			slog.String("note", in.NoteID), slog.String("error", err.Error()))
		stepErrs = append(stepErrs, err)
	}

	// Step 3: split into flattened (cloze id, occurrence) records.
	records := r.split.Flatten(in.NoteID, r.split.Split(in.Body, in.Tags))

	// Step 4: deduplicate occurrences sharing a cloze id.
	merged := dedupe(records)

	// Step 5: diff against remote rows via explicit read-modify-write.
	existing, err := r.store.CardsByNote(ctx, in.NoteID)
	if err != nil {
		stepErrs = append(stepErrs, err)
		return out, errors.Join(stepErrs...)
	}
	byIndex := make(map[int]models.Card, len(existing))
	for _, c := range existing {
		byIndex[c.ClozeIndex] = c
	}

	now := time.Now()
	for _, m := range merged {
		card, ok := byIndex[m.ClozeIndex]
		if !ok {
			card = models.Card{
				NoteID:     in.NoteID,
				ClozeIndex: m.ClozeIndex,
				Scheduling: scheduler.NewCardState(now),
			}
			out.Inserted++
		} else {
			if card.ContentRaw != m.Content {
				if cardSimilarity(m.ClozeIndex, card.ContentRaw, m.Content) < SimilarityThreshold {
					// A large content change invalidates the confidence
					// behind the old stability estimate without discarding
					// review history.
					card.Stability *= StabilityDecay
					out.Penalized++
				}
			}
			out.Updated++
		}

		// Content fields are schedule-blind and always refreshed.
		card.BlockID = m.BlockID
		card.ContentRaw = m.Content
		card.SectionPath = m.SectionPath
		card.Tags = m.Tags
		card.Deleted = false

		if err := r.store.UpsertCard(ctx, card); err != nil {
			r.logger.Warn("reconcile: card upsert failed",
				slog.String("note", in.NoteID), slog.Int("cloze", m.ClozeIndex),
				slog.String("error", err.Error()))
			stepErrs = append(stepErrs, err)
		}
	}

	// Step 6: soft-delete remote cards whose cloze id vanished. Review logs
	// are never touched.
	current := make(map[int]struct{}, len(merged))
	for _, m := range merged {
		current[m.ClozeIndex] = struct{}{}
	}
	var stale []int
	for _, c := range existing {
		if c.Deleted {
			continue
		}
		if _, ok := current[c.ClozeIndex]; !ok {
			stale = append(stale, c.ClozeIndex)
		}
	}
	if len(stale) > 0 {
		if err := r.store.SoftDeleteCards(ctx, in.NoteID, stale); err != nil {
			r.logger.Warn("reconcile: soft-delete failed",
				slog.String("note", in.NoteID), slog.String("error", err.Error()))
			stepErrs = append(stepErrs, err)
		} else {
			out.SoftDeleted = len(stale)
		}
	}

	// Step 7: advance the hash gate. Any failed step leaves the old hash in
	// place so the whole pass reruns on the next trigger.
	if len(stepErrs) == 0 {
		if err := r.store.SetNoteHash(ctx, in.NoteID, hash); err != nil {
			stepErrs = append(stepErrs, err)
		}
	}

	return out, errors.Join(stepErrs...)
}

// mergedCard is the per-cloze-id merge of one or more occurrence records.
type mergedCard struct {
	ClozeIndex  int
	BlockID     string
	Content     string
	SectionPath string
	Tags        []string
}

// dedupe groups records by cloze id, preserving first-appearance order.
// A group of size > 1 becomes a single record: contents joined with a blank
// line in document order, tag set union, and the first occurrence's section
// path and block id. One scheduling card may be reinforced by text in two
// places in the document.
func dedupe(records []splitter.Record) []mergedCard {
	var order []int
	groups := make(map[int]*mergedCard)
	seenTags := make(map[int]map[string]struct{})

	for _, rec := range records {
		g, ok := groups[rec.ClozeIndex]
		if !ok {
			g = &mergedCard{
				ClozeIndex:  rec.ClozeIndex,
				BlockID:     rec.BlockID,
				Content:     rec.ContentRaw,
				SectionPath: rec.SectionPath,
			}
			groups[rec.ClozeIndex] = g
			seenTags[rec.ClozeIndex] = make(map[string]struct{})
			order = append(order, rec.ClozeIndex)
		} else if rec.ContentRaw != "" {
			g.Content += "\n\n" + rec.ContentRaw
		}
		for _, tag := range rec.Tags {
			if _, dup := seenTags[rec.ClozeIndex][tag]; !dup {
				seenTags[rec.ClozeIndex][tag] = struct{}{}
				g.Tags = append(g.Tags, tag)
			}
		}
	}

	out := make([]mergedCard, len(order))
	for i, idx := range order {
		out[i] = *groups[idx]
	}
	return out
}

// cardSimilarity scores how much a card's content changed. The context text
// and, when both sides still carry extractable cloze markup, the answer text
// are scored separately and the lower wins: a rewritten answer invalidates
// the card even when the surrounding question is untouched.
func cardSimilarity(clozeIndex int, oldText, newText string) float64 {
	sim := similarity(oldText, newText)
	oldAns := answers(clozeIndex, oldText)
	newAns := answers(clozeIndex, newText)
	if oldAns != "" || newAns != "" {
		if s := similarity(oldAns, newAns); s < sim {
			sim = s
		}
	}
	return sim
}

// answers joins the answer text of every cloze in content carrying the given
// id. Legacy highlights get fresh ids on re-extraction, so when no Anki cloze
// matches, all legacy answers stand in for the card's answer.
func answers(clozeIndex int, content string) string {
	res := cloze.Extract(content)
	var parts []string
	for _, c := range res.Clozes {
		if !c.Legacy && c.ID == clozeIndex {
			parts = append(parts, c.Answer)
		}
	}
	if len(parts) == 0 {
		for _, c := range res.Clozes {
			if c.Legacy {
				parts = append(parts, c.Answer)
			}
		}
	}
	return strings.Join(parts, "\n")
}

// similarity is 1 - levenshtein(a,b)/max(len(a),len(b)), rune-based.
func similarity(a, b string) float64 {
	la, lb := len([]rune(a)), len([]rune(b))
	max := la
	if lb > max {
		max = lb
	}
	if max == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(max)
}

// deriveTitle falls back from frontmatter title to filename stem to note id.
func deriveTitle(in Input) string {
	if in.Title != "" {
		return in.Title
	}
	base := path.Base(strings.ReplaceAll(in.RelPath, "\\", "/"))
	if stem := strings.TrimSuffix(base, ".md"); stem != "" && stem != "." {
		return stem
	}
	return in.NoteID
}
