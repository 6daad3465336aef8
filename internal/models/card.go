// Package models defines the domain types for Ansuz.
package models

import "time"

// State is the scheduling state of a card.
type State int

// Scheduling states, mirroring the FSRS state machine.
const (
	StateNew State = iota
	StateLearning
	StateReview
	StateRelearning
)

// Grade is a review rating.
type Grade int

// Review grades, Again..Easy.
const (
	GradeAgain Grade = iota + 1
	GradeHard
	GradeGood
	GradeEasy
)

// Valid reports whether g is one of the four defined grades.
func (g Grade) Valid() bool {
	return g >= GradeAgain && g <= GradeEasy
}

// Scheduling holds the opaque FSRS scheduling snapshot of a card.
// These fields are content-blind: reconciliation never touches them except
// through the explicit stability-decay policy.
type Scheduling struct {
	State         State     `json:"state"`
	Due           time.Time `json:"due"`
	Stability     float64   `json:"stability"`
	Difficulty    float64   `json:"difficulty"`
	ElapsedDays   int64     `json:"elapsed_days"`
	ScheduledDays int64     `json:"scheduled_days"`
	Reps          int64     `json:"reps"`
	Lapses        int64     `json:"lapses"`
	LastReview    time.Time `json:"last_review,omitempty"`
}

// Card is the remote scheduling record for one (note id, cloze id) pair.
// Content, location, and tags are schedule-blind: grading never alters them.
type Card struct {
	NoteID      string   `json:"note_id"`
	ClozeIndex  int      `json:"cloze_index"`
	BlockID     string   `json:"block_id"`
	ContentRaw  string   `json:"content_raw"`
	SectionPath string   `json:"section_path"`
	Tags        []string `json:"tags"`
	Suspended   bool     `json:"is_suspended"`
	Deleted     bool     `json:"is_deleted"`
	Scheduling
	UpdatedAt time.Time `json:"updated_at"`
}

// Note is the remote metadata row for one tracked markdown file.
type Note struct {
	ID          string    `json:"id"`
	Collection  string    `json:"collection"`
	RelPath     string    `json:"relative_path"`
	Title       string    `json:"title"`
	Tags        []string  `json:"tags"`
	ContentHash string    `json:"content_hash"`
	Deleted     bool      `json:"is_deleted"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ReviewLog is one immutable grading event together with the scheduling
// snapshot that resulted from it.
type ReviewLog struct {
	NoteID     string     `json:"note_id"`
	ClozeIndex int        `json:"cloze_index"`
	Grade      Grade      `json:"grade"`
	Scheduling Scheduling `json:"scheduling"`
	DurationMS int64      `json:"duration_ms"`
	ReviewedAt time.Time  `json:"reviewed_at"`
}

// NoteMetadata is a lightweight representation returned by vault list operations.
type NoteMetadata struct {
	Path      string    `json:"path"`
	Checksum  string    `json:"checksum"`
	UpdatedAt time.Time `json:"updated_at"`
}
