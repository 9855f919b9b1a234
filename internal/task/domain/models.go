package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Kind classifies what the provider is asked to produce.
type Kind string

const (
	KindMusic  Kind = "music"
	KindCover  Kind = "cover"
	KindLyrics Kind = "lyrics"
)

// Status is the closed set of lifecycle states for a generation task.
// Music tasks walk generating → text → first → complete; cover and lyrics
// tasks jump straight from generating to a terminal state. Error is
// reachable from any non-terminal state.
type Status string

const (
	StatusGenerating Status = "generating"
	StatusText       Status = "text"
	StatusFirst      Status = "first"
	StatusComplete   Status = "complete"
	StatusError      Status = "error"
)

var statusRank = map[Status]int{
	StatusGenerating: 1,
	StatusText:       2,
	StatusFirst:      3,
	StatusComplete:   4,
}

// Rank orders forward transitions; error is terminal and unranked.
func (s Status) Rank() int { return statusRank[s] }

func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusError
}

// Valid reports whether s is one of the closed status values.
func (s Status) Valid() bool {
	switch s {
	case StatusGenerating, StatusText, StatusFirst, StatusComplete, StatusError:
		return true
	default:
		return false
	}
}

// GenerationTask is one request against the provider, keyed by the
// provider-issued task id (or a locally generated id when the provider
// rejected the job before issuing one). Tasks are never deleted: terminal
// records are retained for audit and so that late callbacks after
// compensation can be matched instead of looking truly unknown.
type GenerationTask struct {
	TaskID         string       `gorm:"primaryKey;type:text"`
	OwnerAccountID snowflake.ID `gorm:"not null;index"`
	Kind           Kind         `gorm:"type:text;not null"`
	Status         Status       `gorm:"type:text;not null;index"`
	Title          string       `gorm:"type:text"`
	Prompt         string       `gorm:"type:text"`
	// ChargeRef is the ledger reference the debit was written under. For
	// covers it equals UpstreamTaskID; for music and lyrics it is the
	// locally generated request reference.
	ChargeRef      string            `gorm:"type:text;index"`
	UpstreamTaskID string            `gorm:"type:text;index"`
	Metadata       datatypes.JSONMap `gorm:"type:jsonb"`
	ResultImageURL string            `gorm:"type:text"`
	ResultText     string            `gorm:"type:text"`
	ErrorCode      string            `gorm:"type:text"`
	ErrorMessage   string            `gorm:"type:text"`
	CreatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (GenerationTask) TableName() string { return "generation_tasks" }

// Track is one audio artifact of a music task. Rows are created
// incrementally as callback stages arrive, so any subset of the URL and
// duration fields may be populated.
type Track struct {
	TrackID         snowflake.ID `gorm:"primaryKey"`
	TaskID          string       `gorm:"type:text;not null;uniqueIndex:ux_tracks_task_slot,priority:1"`
	Slot            string       `gorm:"type:text;not null;uniqueIndex:ux_tracks_task_slot,priority:2"`
	Title           string       `gorm:"type:text"`
	StreamingURL    string       `gorm:"type:text"`
	FinalAudioURL   string       `gorm:"type:text"`
	DurationSeconds float64      `gorm:"not null;default:0"`
	CoverImageURL   string       `gorm:"type:text"`
	CreatedAt       time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Track) TableName() string { return "tracks" }

// Finalized reports whether the track has its final audio artifact.
func (t Track) Finalized() bool {
	return t.FinalAudioURL != "" && t.DurationSeconds > 0
}
