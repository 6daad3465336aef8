package reconcile

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/starford/ansuz/internal/models"
	"github.com/starford/ansuz/internal/splitter"
	"github.com/starford/ansuz/internal/store"
)

func testReconciler(t *testing.T) (*Reconciler, *store.Store) {
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

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(st, splitter.Markdown{}, logger), st
}

func input(noteID, body string) Input {
	return Input{
		NoteID:  noteID,
		RelPath: noteID + ".md",
		Raw:     []byte(body),
		Body:    body,
	}
}

func TestReconcile_FreshInsert(t *testing.T) {
	r, st := testReconciler(t)
	ctx := context.Background()

	out, err := r.Reconcile(ctx, input("n1", "What is 2+2? {{c1::4}}"))
	if err != nil {
		t.Fatal(err)
	}
	if out.Inserted != 1 || out.Updated != 0 || out.Skipped {
		t.Errorf("outcome = %+v", out)
	}

	cards, err := st.CardsByNote(ctx, "n1")
	if err != nil {
		t.Fatal(err)
	}
	if len(cards) != 1 {
		t.Fatalf("len(cards) = %d, want 1", len(cards))
	}
	c := cards[0]
	if c.ClozeIndex != 1 || c.ContentRaw != "What is 2+2? {{c1::4}}" {
		t.Errorf("card = %+v", c)
	}
	if c.State != models.StateNew || c.Reps != 0 || c.Lapses != 0 || c.Stability != 0 {
		t.Errorf("scheduling defaults = %+v", c.Scheduling)
	}
	if time.Since(c.Due) > time.Minute {
		t.Errorf("due = %v, want ~now", c.Due)
	}
}

func TestReconcile_Idempotent(t *testing.T) {
	r, _ := testReconciler(t)
	ctx := context.Background()
	in := input("n1", "fact {{c1::A}}")

	if _, err := r.Reconcile(ctx, in); err != nil {
		t.Fatal(err)
	}
	out, err := r.Reconcile(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Skipped {
		t.Error("second run with identical bytes must hit the hash gate")
	}
	if out.Inserted+out.Updated+out.Penalized+out.SoftDeleted != 0 {
		t.Errorf("second run performed writes: %+v", out)
	}
}

func TestReconcile_DuplicateClozeDeduplicated(t *testing.T) {
	r, st := testReconciler(t)
	ctx := context.Background()

	body := "first context {{c1::A}}\n\nsecond context {{c1::A}}"
	if _, err := r.Reconcile(ctx, input("n1", body)); err != nil {
		t.Fatal(err)
	}

	cards, _ := st.CardsByNote(ctx, "n1")
	if len(cards) != 1 {
		t.Fatalf("len(cards) = %d, want exactly one card for cloze 1", len(cards))
	}
	want := "first context {{c1::A}}\n\nsecond context {{c1::A}}"
	if cards[0].ContentRaw != want {
		t.Errorf("content = %q, want occurrences joined in document order", cards[0].ContentRaw)
	}
}

func TestReconcile_SectionPathFirstWins(t *testing.T) {
	r, st := testReconciler(t)
	ctx := context.Background()

	body := "# First\n\n{{c1::A}}\n\n# Second\n\n{{c1::A}} again"
	if _, err := r.Reconcile(ctx, input("n1", body)); err != nil {
		t.Fatal(err)
	}
	cards, _ := st.CardsByNote(ctx, "n1")
	if len(cards) != 1 {
		t.Fatalf("len(cards) = %d", len(cards))
	}
	if cards[0].SectionPath != "First" {
		t.Errorf("section = %q, want first occurrence's path", cards[0].SectionPath)
	}
}

func TestSimilarity_DecayBoundary(t *testing.T) {
	const stored = "The quick brown fox"

	// More than 40% of the text changed: below threshold.
	if s := similarity(stored, "completely different words"); s >= SimilarityThreshold {
		t.Errorf("similarity = %v, want < %v", s, SimilarityThreshold)
	}
	// A ~10% edit: comfortably above threshold.
	if s := similarity(stored, "The quack brown box"); s < SimilarityThreshold {
		t.Errorf("similarity = %v, want >= %v", s, SimilarityThreshold)
	}
}

func TestReconcile_EndToEndPenalty(t *testing.T) {
	r, st := testReconciler(t)
	ctx := context.Background()

	if _, err := r.Reconcile(ctx, input("n1", "What is 2+2? {{c1::4}}")); err != nil {
		t.Fatal(err)
	}

	// A review gives the card real stability.
	snap := models.Scheduling{
		State:     models.StateReview,
		Due:       time.Now().UTC().Add(72 * time.Hour),
		Stability: 4.0,
		Reps:      1,
	}
	log := models.ReviewLog{Grade: models.GradeGood, Scheduling: snap, ReviewedAt: time.Now().UTC()}
	if err := st.Grade(ctx, "n1", 1, snap, log); err != nil {
		t.Fatal(err)
	}

	// Rewriting the answer invalidates the stability estimate.
	out, err := r.Reconcile(ctx, input("n1", "What is 2+2? {{c1::Four}}"))
	if err != nil {
		t.Fatal(err)
	}
	if out.Penalized != 1 || out.Updated != 1 || out.Inserted != 0 {
		t.Errorf("outcome = %+v", out)
	}

	cards, _ := st.CardsByNote(ctx, "n1")
	if len(cards) != 1 {
		t.Fatalf("len(cards) = %d, want same single row", len(cards))
	}
	c := cards[0]
	if c.ContentRaw != "What is 2+2? {{c1::Four}}" {
		t.Errorf("content = %q", c.ContentRaw)
	}
	if c.Stability != 3.0 {
		t.Errorf("stability = %v, want 4.0 * 0.75", c.Stability)
	}
	// Everything else scheduling-wise is untouched.
	if c.Reps != 1 || c.State != models.StateReview {
		t.Errorf("scheduling = %+v", c.Scheduling)
	}
}

func TestReconcile_SmallEditLeavesSchedulingAlone(t *testing.T) {
	r, st := testReconciler(t)
	ctx := context.Background()

	if _, err := r.Reconcile(ctx, input("n1", "The capital of France is {{c1::Paris}}")); err != nil {
		t.Fatal(err)
	}
	snap := models.Scheduling{State: models.StateReview, Due: time.Now().UTC(), Stability: 4.0, Reps: 1}
	if err := st.Grade(ctx, "n1", 1, snap, models.ReviewLog{Grade: models.GradeGood, Scheduling: snap, ReviewedAt: time.Now().UTC()}); err != nil {
		t.Fatal(err)
	}

	out, err := r.Reconcile(ctx, input("n1", "The capital city of France is {{c1::Paris}}"))
	if err != nil {
		t.Fatal(err)
	}
	if out.Penalized != 0 {
		t.Errorf("outcome = %+v, small context edit must not penalize", out)
	}
	cards, _ := st.CardsByNote(ctx, "n1")
	if cards[0].Stability != 4.0 {
		t.Errorf("stability = %v, want unchanged", cards[0].Stability)
	}
	if !strings.Contains(cards[0].ContentRaw, "capital city") {
		t.Errorf("content not refreshed: %q", cards[0].ContentRaw)
	}
}

func TestReconcile_SoftDeletePropagation(t *testing.T) {
	r, st := testReconciler(t)
	ctx := context.Background()

	if _, err := r.Reconcile(ctx, input("n1", "{{c1::A}}\n\n{{c2::B}}")); err != nil {
		t.Fatal(err)
	}
	snap := models.Scheduling{State: models.StateReview, Due: time.Now().UTC(), Stability: 2, Reps: 1}
	if err := st.Grade(ctx, "n1", 1, snap, models.ReviewLog{Grade: models.GradeGood, Scheduling: snap, ReviewedAt: time.Now().UTC()}); err != nil {
		t.Fatal(err)
	}

	// All clozes removed from the note.
	out, err := r.Reconcile(ctx, input("n1", "no clozes anymore"))
	if err != nil {
		t.Fatal(err)
	}
	if out.SoftDeleted != 2 {
		t.Errorf("outcome = %+v, want both cards soft-deleted", out)
	}

	cards, _ := st.CardsByNote(ctx, "n1")
	if len(cards) != 2 {
		t.Fatalf("rows hard-deleted: %d left", len(cards))
	}
	for _, c := range cards {
		if !c.Deleted {
			t.Errorf("card %d still active", c.ClozeIndex)
		}
	}
	n, _ := st.ReviewLogCount(ctx, "n1")
	if n != 1 {
		t.Errorf("review logs = %d, want history preserved", n)
	}
}

func TestReconcile_RemovedClozeRestored(t *testing.T) {
	r, st := testReconciler(t)
	ctx := context.Background()

	if _, err := r.Reconcile(ctx, input("n1", "{{c1::A}}")); err != nil {
		t.Fatal(err)
	}
	snap := models.Scheduling{State: models.StateReview, Due: time.Now().UTC(), Stability: 5, Reps: 3}
	if err := st.Grade(ctx, "n1", 1, snap, models.ReviewLog{Grade: models.GradeGood, Scheduling: snap, ReviewedAt: time.Now().UTC()}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Reconcile(ctx, input("n1", "cloze gone")); err != nil {
		t.Fatal(err)
	}

	// Undo restores the same identity with its scheduling intact.
	out, err := r.Reconcile(ctx, input("n1", "{{c1::A}}"))
	if err != nil {
		t.Fatal(err)
	}
	if out.Inserted != 0 || out.Updated != 1 {
		t.Errorf("outcome = %+v, want restore not insert", out)
	}
	cards, _ := st.CardsByNote(ctx, "n1")
	if len(cards) != 1 || cards[0].Deleted {
		t.Fatalf("cards = %+v", cards)
	}
	if cards[0].Reps != 3 || cards[0].Stability != 5 {
		t.Errorf("scheduling lost on restore: %+v", cards[0].Scheduling)
	}
}

func TestDedupe_TagUnion(t *testing.T) {
	recs := []splitter.Record{
		{ClozeIndex: 1, ContentRaw: "a", SectionPath: "S1", BlockID: "b1", Tags: []string{"x", "y"}},
		{ClozeIndex: 1, ContentRaw: "b", SectionPath: "S2", BlockID: "b2", Tags: []string{"y", "z"}},
		{ClozeIndex: 2, ContentRaw: "c", SectionPath: "S2", BlockID: "b2", Tags: nil},
	}
	merged := dedupe(recs)
	if len(merged) != 2 {
		t.Fatalf("len(merged) = %d", len(merged))
	}
	m := merged[0]
	if m.ClozeIndex != 1 || m.Content != "a\n\nb" || m.SectionPath != "S1" || m.BlockID != "b1" {
		t.Errorf("merged = %+v", m)
	}
	if len(m.Tags) != 3 || m.Tags[0] != "x" || m.Tags[1] != "y" || m.Tags[2] != "z" {
		t.Errorf("tags = %v", m.Tags)
	}
}

func TestDeriveTitle_Fallbacks(t *testing.T) {
	if got := deriveTitle(Input{Title: "From FM", RelPath: "a/b.md", NoteID: "id"}); got != "From FM" {
		t.Errorf("title = %q", got)
	}
	if got := deriveTitle(Input{RelPath: "a/my-note.md", NoteID: "id"}); got != "my-note" {
		t.Errorf("title = %q", got)
	}
	if got := deriveTitle(Input{NoteID: "id"}); got != "id" {
		t.Errorf("title = %q", got)
	}
}
