package domain

import (
	"context"
	"errors"
)

// TrackUpdate carries the fields a callback reported for one track slot.
// Empty strings and zero durations mean "not mentioned" and never clobber
// previously stored values.
type TrackUpdate struct {
	Slot            string
	Title           string
	StreamingURL    string
	FinalAudioURL   string
	DurationSeconds float64
	CoverImageURL   string
}

type Service interface {
	Insert(ctx context.Context, task *GenerationTask) error
	Get(ctx context.Context, taskID string) (*GenerationTask, error)
	GetWithTracks(ctx context.Context, taskID string) (*GenerationTask, []Track, error)
	// FindCoverByUpstream returns the non-failed cover task decorating the
	// given music task, if any.
	FindCoverByUpstream(ctx context.Context, upstreamTaskID string) (*GenerationTask, error)
	// FindByChargeRef returns the task recorded under the given ledger
	// charge reference, if any.
	FindByChargeRef(ctx context.Context, chargeRef string) (*GenerationTask, error)

	// Advance applies a monotonic forward transition. A target at or below
	// the stored status returns ErrStaleTransition and changes nothing.
	Advance(ctx context.Context, taskID string, target Status) error
	// MarkError moves any non-terminal task to error. Terminal tasks are
	// left untouched (ErrStaleTransition).
	MarkError(ctx context.Context, taskID, code, message string) error

	UpsertTracks(ctx context.Context, taskID string, updates []TrackUpdate) error
	// RecomputeProgress re-derives first/complete from the stored track
	// rows rather than a counter, since the expected track count is not
	// always known up front.
	RecomputeProgress(ctx context.Context, taskID string) (Status, error)

	SetCoverResult(ctx context.Context, taskID, imageURL string) error
	SetLyricsResult(ctx context.Context, taskID, text string) error

	// ArtifactURLs enumerates every blob URL referenced by any task or
	// track, for storage reconciliation.
	ArtifactURLs(ctx context.Context) ([]string, error)
}

var (
	ErrTaskNotFound    = errors.New("task_not_found")
	ErrTaskExists      = errors.New("task_already_exists")
	ErrInvalidTask     = errors.New("invalid_task")
	ErrInvalidStatus   = errors.New("invalid_status")
	ErrStaleTransition = errors.New("stale_transition")
)
