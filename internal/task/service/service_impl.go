package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/soundloom/tunesmith/internal/clock"
	taskdomain "github.com/soundloom/tunesmith/internal/task/domain"
	"github.com/soundloom/tunesmith/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
}

func NewService(p Params) taskdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("task.service"),
		genID: p.GenID,
		clock: p.Clock,
	}
}

func (s *Service) Insert(ctx context.Context, task *taskdomain.GenerationTask) error {
	if task == nil || strings.TrimSpace(task.TaskID) == "" || task.OwnerAccountID == 0 {
		return taskdomain.ErrInvalidTask
	}
	if !task.Status.Valid() {
		return taskdomain.ErrInvalidStatus
	}

	now := s.clock.Now()
	task.CreatedAt = now
	task.UpdatedAt = now

	if err := s.db.WithContext(ctx).Create(task).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			return taskdomain.ErrTaskExists
		}
		return err
	}
	return nil
}

func (s *Service) Get(ctx context.Context, taskID string) (*taskdomain.GenerationTask, error) {
	var task taskdomain.GenerationTask
	err := s.db.WithContext(ctx).First(&task, "task_id = ?", taskID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, taskdomain.ErrTaskNotFound
		}
		return nil, err
	}
	return &task, nil
}

func (s *Service) GetWithTracks(ctx context.Context, taskID string) (*taskdomain.GenerationTask, []taskdomain.Track, error) {
	task, err := s.Get(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}

	var tracks []taskdomain.Track
	if err := s.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("slot ASC").
		Find(&tracks).Error; err != nil {
		return nil, nil, err
	}
	return task, tracks, nil
}

func (s *Service) FindCoverByUpstream(ctx context.Context, upstreamTaskID string) (*taskdomain.GenerationTask, error) {
	var task taskdomain.GenerationTask
	err := s.db.WithContext(ctx).
		Where("upstream_task_id = ? AND kind = ? AND status <> ?",
			upstreamTaskID, taskdomain.KindCover, taskdomain.StatusError).
		Order("created_at ASC").
		First(&task).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, taskdomain.ErrTaskNotFound
		}
		return nil, err
	}
	return &task, nil
}

func (s *Service) FindByChargeRef(ctx context.Context, chargeRef string) (*taskdomain.GenerationTask, error) {
	if strings.TrimSpace(chargeRef) == "" {
		return nil, taskdomain.ErrTaskNotFound
	}
	var task taskdomain.GenerationTask
	err := s.db.WithContext(ctx).
		Where("charge_ref = ?", chargeRef).
		Order("created_at ASC").
		First(&task).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, taskdomain.ErrTaskNotFound
		}
		return nil, err
	}
	return &task, nil
}

// Advance is a single guarded UPDATE keyed by task_id: only rows whose
// stored status ranks strictly below the target are touched, so a stale or
// duplicated callback can never regress the state machine.
func (s *Service) Advance(ctx context.Context, taskID string, target taskdomain.Status) error {
	if target == taskdomain.StatusError {
		return s.MarkError(ctx, taskID, "", "")
	}
	if !target.Valid() || target.Rank() <= taskdomain.StatusGenerating.Rank() {
		return taskdomain.ErrInvalidStatus
	}

	earlier := statusesBelow(target)
	result := s.db.WithContext(ctx).Exec(
		`UPDATE generation_tasks
		 SET status = ?, updated_at = ?
		 WHERE task_id = ? AND status IN ?`,
		string(target),
		s.clock.Now(),
		taskID,
		earlier,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return s.resolveNoOp(ctx, taskID)
	}
	return nil
}

func (s *Service) MarkError(ctx context.Context, taskID, code, message string) error {
	result := s.db.WithContext(ctx).Exec(
		`UPDATE generation_tasks
		 SET status = ?, error_code = ?, error_message = ?, updated_at = ?
		 WHERE task_id = ? AND status NOT IN (?, ?)`,
		string(taskdomain.StatusError),
		code,
		message,
		s.clock.Now(),
		taskID,
		string(taskdomain.StatusComplete),
		string(taskdomain.StatusError),
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return s.resolveNoOp(ctx, taskID)
	}
	return nil
}

// UpsertTracks merges callback fields into track rows keyed by (task_id,
// slot). Fields the callback did not mention keep their stored values.
func (s *Service) UpsertTracks(ctx context.Context, taskID string, updates []taskdomain.TrackUpdate) error {
	if strings.TrimSpace(taskID) == "" {
		return taskdomain.ErrInvalidTask
	}

	now := s.clock.Now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, u := range updates {
			if strings.TrimSpace(u.Slot) == "" {
				continue
			}
			if err := tx.WithContext(ctx).Exec(
				`INSERT INTO tracks (
					track_id, task_id, slot, title, streaming_url, final_audio_url,
					duration_seconds, cover_image_url, created_at, updated_at
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (task_id, slot) DO UPDATE SET
					title = CASE WHEN excluded.title <> '' THEN excluded.title ELSE tracks.title END,
					streaming_url = CASE WHEN excluded.streaming_url <> '' THEN excluded.streaming_url ELSE tracks.streaming_url END,
					final_audio_url = CASE WHEN excluded.final_audio_url <> '' THEN excluded.final_audio_url ELSE tracks.final_audio_url END,
					duration_seconds = CASE WHEN excluded.duration_seconds > 0 THEN excluded.duration_seconds ELSE tracks.duration_seconds END,
					cover_image_url = CASE WHEN excluded.cover_image_url <> '' THEN excluded.cover_image_url ELSE tracks.cover_image_url END,
					updated_at = excluded.updated_at`,
				s.genID.Generate(),
				taskID,
				u.Slot,
				u.Title,
				u.StreamingURL,
				u.FinalAudioURL,
				u.DurationSeconds,
				u.CoverImageURL,
				now,
				now,
			).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Service) RecomputeProgress(ctx context.Context, taskID string) (taskdomain.Status, error) {
	task, tracks, err := s.GetWithTracks(ctx, taskID)
	if err != nil {
		return "", err
	}
	if task.Status.Terminal() {
		return task.Status, nil
	}
	if len(tracks) == 0 {
		return task.Status, nil
	}

	finalized := 0
	for _, t := range tracks {
		if t.Finalized() {
			finalized++
		}
	}

	target := task.Status
	switch {
	case finalized == len(tracks):
		target = taskdomain.StatusComplete
	case finalized > 0:
		target = taskdomain.StatusFirst
	}
	if target.Rank() <= task.Status.Rank() {
		return task.Status, nil
	}

	if err := s.Advance(ctx, taskID, target); err != nil {
		if errors.Is(err, taskdomain.ErrStaleTransition) {
			// Lost the race to a concurrent callback; the stored status
			// is already at or past the target.
			return s.currentStatus(ctx, taskID)
		}
		return "", err
	}
	return target, nil
}

func (s *Service) SetCoverResult(ctx context.Context, taskID, imageURL string) error {
	result := s.db.WithContext(ctx).Exec(
		`UPDATE generation_tasks
		 SET result_image_url = ?, status = ?, updated_at = ?
		 WHERE task_id = ? AND kind = ? AND status NOT IN (?, ?)`,
		imageURL,
		string(taskdomain.StatusComplete),
		s.clock.Now(),
		taskID,
		string(taskdomain.KindCover),
		string(taskdomain.StatusComplete),
		string(taskdomain.StatusError),
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return s.resolveNoOp(ctx, taskID)
	}
	return nil
}

func (s *Service) SetLyricsResult(ctx context.Context, taskID, text string) error {
	result := s.db.WithContext(ctx).Exec(
		`UPDATE generation_tasks
		 SET result_text = ?, status = ?, updated_at = ?
		 WHERE task_id = ? AND kind = ? AND status NOT IN (?, ?)`,
		text,
		string(taskdomain.StatusComplete),
		s.clock.Now(),
		taskID,
		string(taskdomain.KindLyrics),
		string(taskdomain.StatusComplete),
		string(taskdomain.StatusError),
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return s.resolveNoOp(ctx, taskID)
	}
	return nil
}

func (s *Service) ArtifactURLs(ctx context.Context) ([]string, error) {
	var urls []string

	var trackURLs []struct {
		FinalAudioURL string
		CoverImageURL string
	}
	if err := s.db.WithContext(ctx).Raw(
		`SELECT final_audio_url, cover_image_url FROM tracks`,
	).Scan(&trackURLs).Error; err != nil {
		return nil, err
	}
	for _, row := range trackURLs {
		if row.FinalAudioURL != "" {
			urls = append(urls, row.FinalAudioURL)
		}
		if row.CoverImageURL != "" {
			urls = append(urls, row.CoverImageURL)
		}
	}

	var taskURLs []string
	if err := s.db.WithContext(ctx).Raw(
		`SELECT result_image_url FROM generation_tasks WHERE result_image_url <> ''`,
	).Scan(&taskURLs).Error; err != nil {
		return nil, err
	}
	urls = append(urls, taskURLs...)

	return urls, nil
}

// resolveNoOp distinguishes an unknown task from a transition the state
// machine already passed.
func (s *Service) resolveNoOp(ctx context.Context, taskID string) error {
	if _, err := s.Get(ctx, taskID); err != nil {
		return err
	}
	return taskdomain.ErrStaleTransition
}

func (s *Service) currentStatus(ctx context.Context, taskID string) (taskdomain.Status, error) {
	task, err := s.Get(ctx, taskID)
	if err != nil {
		return "", err
	}
	return task.Status, nil
}

func statusesBelow(target taskdomain.Status) []string {
	var out []string
	for _, st := range []taskdomain.Status{
		taskdomain.StatusGenerating,
		taskdomain.StatusText,
		taskdomain.StatusFirst,
	} {
		if st.Rank() < target.Rank() {
			out = append(out, string(st))
		}
	}
	return out
}
