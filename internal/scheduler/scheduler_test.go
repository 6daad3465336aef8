package scheduler

import (
	"testing"
	"time"

	"github.com/starford/ansuz/internal/models"
)

func TestNewCardState(t *testing.T) {
	now := time.Now()
	snap := NewCardState(now)
	if snap.State != models.StateNew {
		t.Errorf("state = %v, want new", snap.State)
	}
	if snap.Reps != 0 || snap.Lapses != 0 || snap.Stability != 0 {
		t.Errorf("counters not zero: %+v", snap)
	}
	if !snap.Due.Equal(now.UTC()) {
		t.Errorf("due = %v, want %v", snap.Due, now.UTC())
	}
}

func TestSchedule_AdvancesCard(t *testing.T) {
	s := New()
	now := time.Now()
	snap := NewCardState(now)

	next, log := s.Schedule(snap, now, models.GradeGood)
	if next.Reps != 1 {
		t.Errorf("reps = %d, want 1", next.Reps)
	}
	if next.State == models.StateNew {
		t.Error("state should have left new after a review")
	}
	if !next.Due.After(now.Add(-time.Second)) {
		t.Errorf("due = %v not advanced past %v", next.Due, now)
	}
	if log.Grade != models.GradeGood {
		t.Errorf("log grade = %v", log.Grade)
	}
	if log.Scheduling.Reps != next.Reps {
		t.Errorf("log snapshot diverges from returned snapshot")
	}
}

func TestSchedule_AgainRecordsLapseEventually(t *testing.T) {
	s := New()
	now := time.Now()
	snap := NewCardState(now)

	// Bring the card into review state, then fail it.
	snap, _ = s.Schedule(snap, now, models.GradeEasy)
	later := snap.Due.Add(24 * time.Hour)
	failed, _ := s.Schedule(snap, later, models.GradeAgain)
	if failed.Lapses != snap.Lapses+1 {
		t.Errorf("lapses = %d, want %d", failed.Lapses, snap.Lapses+1)
	}
}
