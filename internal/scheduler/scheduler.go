// Package scheduler wraps the FSRS algorithm behind a small boundary.
// The rest of the engine treats scheduling as an opaque function from
// (snapshot, now, grade) to (snapshot, log); nothing outside this package
// inspects the algorithm.
package scheduler

import (
	"time"

	fsrs "github.com/open-spaced-repetition/go-fsrs/v3"

	"github.com/starford/ansuz/internal/models"
)

// Scheduler computes scheduling transitions.
type Scheduler struct {
	f *fsrs.FSRS
}

// New creates a Scheduler with default FSRS parameters.
func New() *Scheduler {
	return &Scheduler{f: fsrs.NewFSRS(fsrs.DefaultParam())}
}

// NewCardState returns the scheduling defaults for a freshly inserted card:
// new/unseen state, due now, all counters zero.
func NewCardState(now time.Time) models.Scheduling {
	return models.Scheduling{
		State: models.StateNew,
		Due:   now.UTC(),
	}
}

// Schedule applies grade to snap at time now and returns the next snapshot
// together with the review log entry. The caller owns card identity and
// review duration on the log.
func (s *Scheduler) Schedule(snap models.Scheduling, now time.Time, grade models.Grade) (models.Scheduling, models.ReviewLog) {
	rec := s.f.Repeat(toFSRS(snap), now)
	info := rec[fsrs.Rating(grade)]

	next := fromFSRS(info.Card)
	log := models.ReviewLog{
		Grade:      grade,
		Scheduling: next,
		ReviewedAt: now.UTC(),
	}
	return next, log
}

func toFSRS(s models.Scheduling) fsrs.Card {
	return fsrs.Card{
		Due:           s.Due,
		Stability:     s.Stability,
		Difficulty:    s.Difficulty,
		ElapsedDays:   uint64(s.ElapsedDays),
		ScheduledDays: uint64(s.ScheduledDays),
		Reps:          uint64(s.Reps),
		Lapses:        uint64(s.Lapses),
		State:         fsrs.State(s.State),
		LastReview:    s.LastReview,
	}
}

func fromFSRS(c fsrs.Card) models.Scheduling {
	return models.Scheduling{
		State:         models.State(c.State),
		Due:           c.Due.UTC(),
		Stability:     c.Stability,
		Difficulty:    c.Difficulty,
		ElapsedDays:   int64(c.ElapsedDays),
		ScheduledDays: int64(c.ScheduledDays),
		Reps:          int64(c.Reps),
		Lapses:        int64(c.Lapses),
		LastReview:    c.LastReview.UTC(),
	}
}
