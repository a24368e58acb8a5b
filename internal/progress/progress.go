// Package progress tracks per-job row progress for polling clients.
package progress

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned for ids that were never started or have expired.
	ErrNotFound = errors.New("progress entry not found")
	// ErrDuplicateID is returned when Start names an id that is still retained.
	ErrDuplicateID = errors.New("progress id already in use")
)

// Stage names reported while a job runs.
const (
	StageQueued     = "queued"
	StageMerging    = "merging"
	StageConverting = "converting"
	StagePackaging  = "packaging"
	StageDone       = "done"
)

// State is a point-in-time view of one job's progress.
type State struct {
	Processed int       `json:"processed"`
	Total     int       `json:"total"`
	Percent   int       `json:"percent"`
	Done      bool      `json:"done"`
	Stage     string    `json:"stage,omitempty"`
	Failed    bool      `json:"failed"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store holds progress entries. Implementations are safe for concurrent use;
// processed never decreases and never exceeds total.
type Store interface {
	Start(ctx context.Context, id string, total int) error
	Add(ctx context.Context, id string, n int) (State, error)
	SetStage(ctx context.Context, id, stage string) error
	Finish(ctx context.Context, id string, failed bool, message string) error
	Get(ctx context.Context, id string) (State, error)
	// Sweep drops expired entries and returns how many were removed.
	Sweep(ctx context.Context, now time.Time) int
}

// Percent returns floor(processed*100/total) clamped to [0,100].
func Percent(processed, total int) int {
	if total <= 0 {
		return 0
	}
	p := processed * 100 / total
	return min(max(p, 0), 100)
}
