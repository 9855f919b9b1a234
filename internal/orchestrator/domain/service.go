package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	taskdomain "github.com/soundloom/tunesmith/internal/task/domain"
)

// StartMusicRequest starts a full music generation.
type StartMusicRequest struct {
	AccountID    snowflake.ID
	Title        string
	Prompt       string
	Style        string
	Model        string
	Instrumental bool
	// AutoCover requests a dependent cover job once the generation reaches
	// the text stage.
	AutoCover bool
	// IdempotencyKey lets a caller retry the whole operation without a
	// second charge. Empty means single-shot; a fresh key is generated.
	IdempotencyKey string
}

// StartLyricsRequest starts a standalone lyrics generation.
type StartLyricsRequest struct {
	AccountID      snowflake.ID
	Prompt         string
	IdempotencyKey string
}

// StartResult is returned by every start operation.
type StartResult struct {
	TaskID string            `json:"taskId"`
	Status taskdomain.Status `json:"status"`
}

// TrackView is one track in a status response.
type TrackView struct {
	Slot            string  `json:"slot"`
	Title           string  `json:"title,omitempty"`
	StreamingURL    string  `json:"streamingUrl,omitempty"`
	FinalAudioURL   string  `json:"finalAudioUrl,omitempty"`
	DurationSeconds float64 `json:"durationSeconds,omitempty"`
	CoverImageURL   string  `json:"coverImageUrl,omitempty"`
}

// StatusView is the read-only task status projection. Building it never
// mutates state or calls the provider.
type StatusView struct {
	TaskID        string            `json:"taskId"`
	Kind          taskdomain.Kind   `json:"kind"`
	Status        taskdomain.Status `json:"status"`
	Title         string            `json:"title,omitempty"`
	Tracks        []TrackView       `json:"tracks,omitempty"`
	CoverImageURL string            `json:"coverImageUrl,omitempty"`
	Lyrics        string            `json:"lyrics,omitempty"`
	ErrorCode     string            `json:"errorCode,omitempty"`
	ErrorMessage  string            `json:"errorMessage,omitempty"`
}

type Service interface {
	StartGeneration(ctx context.Context, req StartMusicRequest) (*StartResult, error)
	StartLyrics(ctx context.Context, req StartLyricsRequest) (*StartResult, error)
	// StartCover decorates an existing music task with artwork. At most one
	// non-failed cover task exists per upstream task, and at most one charge.
	StartCover(ctx context.Context, accountID snowflake.ID, upstreamTaskID string) (*StartResult, error)
	GetStatus(ctx context.Context, taskID string) (*StatusView, error)
	Balance(ctx context.Context, accountID snowflake.ID) (int64, error)
}

var (
	ErrInvalidRequest = errors.New("invalid_request")
	ErrNotTaskOwner   = errors.New("not_task_owner")
)
