package tunegen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// MusicJobRequest describes a music generation job.
type MusicJobRequest struct {
	Prompt       string `json:"prompt"`
	Style        string `json:"style,omitempty"`
	Title        string `json:"title,omitempty"`
	Model        string `json:"model,omitempty"`
	Instrumental bool   `json:"instrumental"`
	CallbackURL  string `json:"callBackUrl"`
}

// CoverJobRequest asks the provider to render artwork for an existing
// music task.
type CoverJobRequest struct {
	UpstreamTaskID string `json:"taskId"`
	CallbackURL    string `json:"callBackUrl"`
}

// LyricsJobRequest describes a standalone lyrics job.
type LyricsJobRequest struct {
	Prompt      string `json:"prompt"`
	CallbackURL string `json:"callBackUrl"`
}

// CreateJobResult is the business outcome of a job-creation call.
// Duplicate means the provider answered "already exists" and TaskID is the
// existing job's id; the caller must not charge again.
type CreateJobResult struct {
	TaskID    string
	Duplicate bool
}

// RemoteTrack is one clip in a provider status snapshot.
type RemoteTrack struct {
	ID            string  `json:"id"`
	Title         string  `json:"title"`
	StreamURL     string  `json:"streamAudioUrl"`
	AudioURL      string  `json:"audioUrl"`
	Duration      float64 `json:"duration"`
	CoverImageURL string  `json:"imageUrl"`
}

// RemoteTask is a provider status snapshot, used as a synchronous fallback
// when a duplicate submission needs the existing result immediately.
type RemoteTask struct {
	TaskID       string        `json:"taskId"`
	State        string        `json:"status"`
	Tracks       []RemoteTrack `json:"sunoData"`
	ImageURL     string        `json:"imageUrl"`
	ErrorCode    string        `json:"errorCode"`
	ErrorMessage string        `json:"errorMessage"`
}

// Client is the outbound surface to the generation provider.
type Client interface {
	CreateMusicJob(ctx context.Context, req MusicJobRequest) (CreateJobResult, error)
	CreateCoverJob(ctx context.Context, req CoverJobRequest) (CreateJobResult, error)
	CreateLyricsJob(ctx context.Context, req LyricsJobRequest) (CreateJobResult, error)
	QueryTask(ctx context.Context, taskID string) (*RemoteTask, error)
}

var (
	// ErrUnavailable means the transport retry budget is exhausted; the
	// caller may retry the whole operation later.
	ErrUnavailable = errors.New("provider_unavailable")
	// ErrRejected means the provider actively declined the job. No task id
	// exists and nothing will call back.
	ErrRejected = errors.New("provider_rejected")
)

// RejectedError carries the provider's business code and message.
type RejectedError struct {
	Code    int
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("provider rejected job: code=%d msg=%q", e.Code, e.Message)
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrRejected
}

// envelope is the provider's uniform response wrapper. The business code is
// independent of the HTTP status: 200 accepted, 400 duplicate-exists,
// anything else is a rejection.
type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type createData struct {
	TaskID string `json:"taskId"`
}

const (
	codeAccepted  = 200
	codeDuplicate = 400
)
