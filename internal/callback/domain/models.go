package domain

import (
	"context"

	taskdomain "github.com/soundloom/tunesmith/internal/task/domain"
)

// Callback type tags sent by the generation provider.
const (
	TypeText     = "text"
	TypeFirst    = "first"
	TypeComplete = "complete"
	TypeError    = "error"
)

const codeSuccess = 200

// MusicCallback is the provider's progress notification for a music or
// lyrics-embedded generation. The same shape arrives for every stage; the
// stage is named by CallbackType.
type MusicCallback struct {
	Code int               `json:"code"`
	Msg  string            `json:"msg"`
	Data MusicCallbackData `json:"data"`
}

type MusicCallbackData struct {
	CallbackType string          `json:"callbackType"`
	TaskID       string          `json:"task_id"`
	Tracks       []CallbackTrack `json:"data"`
}

// CallbackTrack is one clip in a callback payload. Fields the stage has not
// produced yet arrive empty.
type CallbackTrack struct {
	ID             string  `json:"id"`
	Title          string  `json:"title"`
	AudioURL       string  `json:"audio_url"`
	StreamAudioURL string  `json:"stream_audio_url"`
	ImageURL       string  `json:"image_url"`
	Duration       float64 `json:"duration"`
}

// CoverCallback reports cover artwork for a cover task.
type CoverCallback struct {
	Code int               `json:"code"`
	Msg  string            `json:"msg"`
	Data CoverCallbackData `json:"data"`
}

type CoverCallbackData struct {
	TaskID string   `json:"task_id"`
	Images []string `json:"images"`
}

// LyricsCallback reports generated lyrics for a lyrics task.
type LyricsCallback struct {
	Code int                `json:"code"`
	Msg  string             `json:"msg"`
	Data LyricsCallbackData `json:"data"`
}

type LyricsCallbackData struct {
	TaskID string       `json:"task_id"`
	Lyrics []LyricsClip `json:"lyricsData"`
}

type LyricsClip struct {
	Text   string `json:"text"`
	Title  string `json:"title"`
	Status string `json:"status"`
}

// Failed reports whether the callback carries a provider-side failure.
func (c MusicCallback) Failed() bool {
	return c.Code != codeSuccess || c.Data.CallbackType == TypeError
}

func (c CoverCallback) Failed() bool {
	return c.Code != codeSuccess
}

func (c LyricsCallback) Failed() bool {
	return c.Code != codeSuccess
}

// Service ingests provider callbacks. Handlers return an error only when
// durable state could not be written; unknown tasks, stale stages and failed
// side effects are logged, counted and acknowledged.
type Service interface {
	HandleMusic(ctx context.Context, cb MusicCallback) error
	HandleCover(ctx context.Context, cb CoverCallback) error
	HandleLyrics(ctx context.Context, cb LyricsCallback) error
}

// CoverDispatcher starts a dependent cover job for a music task that has
// produced enough material to decorate. Implemented by the orchestrator;
// dispatch is idempotent by upstream task id.
type CoverDispatcher interface {
	DispatchCover(ctx context.Context, upstream *taskdomain.GenerationTask) error
}
