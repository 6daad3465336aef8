// Package apperr defines sentinel errors shared across layers.
package apperr

import "errors"

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict marks two vault files claiming the same note id, usually a
	// copied file that kept the original's frontmatter.
	ErrConflict = errors.New("conflict")
	// ErrInvalidGrade is returned when a grading call carries a grade outside
	// the Again..Easy range; rejected before any state mutation.
	ErrInvalidGrade = errors.New("invalid grade")
)
