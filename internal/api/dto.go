package api

import (
	"time"

	"github.com/starford/ansuz/internal/cloze"
	"github.com/starford/ansuz/internal/models"
)

// SyncNoteRequest is the request body for syncing a single vault file.
type SyncNoteRequest struct {
	Path string `json:"path" example:"topics/biology.md" validate:"required"`
}

// SyncNoteResponse reports the per-note reconciliation outcome.
type SyncNoteResponse struct {
	Path        string `json:"path" example:"topics/biology.md" validate:"required"`
	Skipped     bool   `json:"skipped" example:"false"`
	Inserted    int    `json:"inserted" example:"2"`
	Updated     int    `json:"updated" example:"1"`
	Penalized   int    `json:"penalized" example:"0"`
	SoftDeleted int    `json:"soft_deleted" example:"0"`
}

// VaultSyncResponse reports the outcome of a whole-vault pass.
type VaultSyncResponse struct {
	Synced  int `json:"synced" example:"12"`
	Skipped int `json:"skipped" example:"40"`
	Removed int `json:"removed" example:"1"`
	Failed  int `json:"failed" example:"0"`
}

// PullResponse carries changed cards plus the cursor to resume from.
type PullResponse struct {
	Cards  []models.Card `json:"cards" validate:"required"`
	Cursor time.Time     `json:"cursor" validate:"required"`
}

// DueResponse wraps the current review queue.
type DueResponse struct {
	Cards []models.Card `json:"cards" validate:"required"`
}

// GradeRequest is the request body for grading a card.
type GradeRequest struct {
	Grade      int   `json:"grade" example:"3" validate:"required"`
	DurationMS int64 `json:"duration_ms" example:"4200"`
}

// DiagnosticsResponse reports cloze extraction findings for one vault file.
type DiagnosticsResponse struct {
	Path   string       `json:"path" example:"topics/biology.md" validate:"required"`
	Result cloze.Result `json:"result" validate:"required"`
}
