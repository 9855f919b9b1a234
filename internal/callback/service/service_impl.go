package service

import (
	"context"
	"errors"
	"strings"

	callbackdomain "github.com/soundloom/tunesmith/internal/callback/domain"
	ledgerdomain "github.com/soundloom/tunesmith/internal/ledger/domain"
	obsmetrics "github.com/soundloom/tunesmith/internal/observability/metrics"
	taskdomain "github.com/soundloom/tunesmith/internal/task/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	Tasks      taskdomain.Service
	Ledger     ledgerdomain.Service
	Covers     callbackdomain.CoverDispatcher `optional:"true"`
	ObsMetrics *obsmetrics.Metrics            `optional:"true"`
}

type Service struct {
	log        *zap.Logger
	tasks      taskdomain.Service
	ledger     ledgerdomain.Service
	covers     callbackdomain.CoverDispatcher
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) callbackdomain.Service {
	return &Service{
		log:        p.Log.Named("callback.service"),
		tasks:      p.Tasks,
		ledger:     p.Ledger,
		covers:     p.Covers,
		obsMetrics: p.ObsMetrics,
	}
}

// HandleMusic applies one provider progress notification. Receipt of the
// same callback twice, or out of order, converges on the same stored state.
func (s *Service) HandleMusic(ctx context.Context, cb callbackdomain.MusicCallback) error {
	taskID := strings.TrimSpace(cb.Data.TaskID)
	if taskID == "" {
		s.drop("music", "invalid", "", "callback without task id")
		return nil
	}

	task, err := s.tasks.Get(ctx, taskID)
	if errors.Is(err, taskdomain.ErrTaskNotFound) {
		// Nothing to advance and, if a charge ever existed, it was already
		// compensated when the local record failed to materialize.
		s.drop("music", "unknown", taskID, "callback for unknown task")
		return nil
	}
	if err != nil {
		return err
	}

	if cb.Failed() {
		return s.fail(ctx, "music", task, cb.Data.CallbackType, cb.Msg)
	}

	if len(cb.Data.Tracks) > 0 {
		if err := s.tasks.UpsertTracks(ctx, taskID, trackUpdates(cb.Data.Tracks)); err != nil {
			return err
		}
	}

	switch cb.Data.CallbackType {
	case callbackdomain.TypeText:
		err = s.tasks.Advance(ctx, taskID, taskdomain.StatusText)
	case callbackdomain.TypeFirst, callbackdomain.TypeComplete:
		// first/complete are re-derived from the stored track rows so a
		// duplicate or out-of-order delivery lands on the same status.
		_, err = s.tasks.RecomputeProgress(ctx, taskID)
	default:
		s.drop("music", "invalid", taskID, "unrecognized callback type "+cb.Data.CallbackType)
		return nil
	}
	if errors.Is(err, taskdomain.ErrStaleTransition) {
		s.drop("music", "stale", taskID, "callback would regress status")
		err = nil
	}
	if err != nil {
		return err
	}

	s.obsMetrics.IncCallback("music", "applied")
	s.maybeDispatchCover(ctx, task)
	return nil
}

func (s *Service) HandleCover(ctx context.Context, cb callbackdomain.CoverCallback) error {
	taskID := strings.TrimSpace(cb.Data.TaskID)
	if taskID == "" {
		s.drop("cover", "invalid", "", "callback without task id")
		return nil
	}

	task, err := s.tasks.Get(ctx, taskID)
	if errors.Is(err, taskdomain.ErrTaskNotFound) {
		s.drop("cover", "unknown", taskID, "callback for unknown task")
		return nil
	}
	if err != nil {
		return err
	}

	if cb.Failed() || len(cb.Data.Images) == 0 {
		return s.fail(ctx, "cover", task, callbackdomain.TypeError, cb.Msg)
	}

	err = s.tasks.SetCoverResult(ctx, taskID, cb.Data.Images[0])
	if errors.Is(err, taskdomain.ErrStaleTransition) {
		s.drop("cover", "stale", taskID, "cover result already recorded")
		return nil
	}
	if err != nil {
		return err
	}

	s.obsMetrics.IncCallback("cover", "applied")
	return nil
}

func (s *Service) HandleLyrics(ctx context.Context, cb callbackdomain.LyricsCallback) error {
	taskID := strings.TrimSpace(cb.Data.TaskID)
	if taskID == "" {
		s.drop("lyrics", "invalid", "", "callback without task id")
		return nil
	}

	task, err := s.tasks.Get(ctx, taskID)
	if errors.Is(err, taskdomain.ErrTaskNotFound) {
		s.drop("lyrics", "unknown", taskID, "callback for unknown task")
		return nil
	}
	if err != nil {
		return err
	}

	text := firstCompletedLyrics(cb.Data.Lyrics)
	if cb.Failed() || text == "" {
		return s.fail(ctx, "lyrics", task, callbackdomain.TypeError, cb.Msg)
	}

	err = s.tasks.SetLyricsResult(ctx, taskID, text)
	if errors.Is(err, taskdomain.ErrStaleTransition) {
		s.drop("lyrics", "stale", taskID, "lyrics result already recorded")
		return nil
	}
	if err != nil {
		return err
	}

	s.obsMetrics.IncCallback("lyrics", "applied")
	return nil
}

// fail marks the task failed and reverses its charge. The compensation is
// keyed by the original debit reference, so replays of the error callback
// refund at most once.
func (s *Service) fail(ctx context.Context, kind string, task *taskdomain.GenerationTask, code, message string) error {
	if code == "" {
		code = callbackdomain.TypeError
	}
	err := s.tasks.MarkError(ctx, task.TaskID, code, message)
	if errors.Is(err, taskdomain.ErrStaleTransition) {
		s.drop(kind, "stale", task.TaskID, "task already terminal")
		return nil
	}
	if err != nil {
		return err
	}

	s.obsMetrics.IncCallback(kind, "failed")
	s.log.Warn("provider reported task failure",
		zap.String("task_id", task.TaskID),
		zap.String("kind", kind),
		zap.String("message", message),
	)
	s.compensate(ctx, task)
	return nil
}

// compensate refunds the charge behind a failed task. A refund that cannot
// be written is flagged for out-of-band reconciliation; it never fails the
// callback acknowledgment.
func (s *Service) compensate(ctx context.Context, task *taskdomain.GenerationTask) {
	if task.ChargeRef == "" {
		return
	}
	_, err := s.ledger.Compensate(ctx, ledgerdomain.CompensateRequest{
		AccountID:   task.OwnerAccountID,
		ReferenceID: task.ChargeRef,
	})
	switch {
	case err == nil:
		return
	case errors.Is(err, ledgerdomain.ErrAlreadyCompensated),
		errors.Is(err, ledgerdomain.ErrNothingToCompensate):
		return
	default:
		s.obsMetrics.IncCompensationFailure()
		s.log.Error("compensation failed, needs manual reconciliation",
			zap.String("task_id", task.TaskID),
			zap.String("charge_ref", task.ChargeRef),
			zap.String("account_id", task.OwnerAccountID.String()),
			zap.Error(err),
		)
	}
}

// maybeDispatchCover starts the dependent cover job once a music task that
// asked for artwork has produced text-stage material. Failures are logged
// only; the dispatch retries naturally on the next callback because cover
// creation is idempotent by upstream task id.
func (s *Service) maybeDispatchCover(ctx context.Context, task *taskdomain.GenerationTask) {
	if s.covers == nil || task.Kind != taskdomain.KindMusic {
		return
	}
	if want, _ := task.Metadata["auto_cover"].(bool); !want {
		return
	}
	if err := s.covers.DispatchCover(ctx, task); err != nil {
		s.log.Warn("auto cover dispatch failed",
			zap.String("task_id", task.TaskID),
			zap.Error(err),
		)
	}
}

func (s *Service) drop(kind, result, taskID, reason string) {
	s.obsMetrics.IncCallback(kind, result)
	s.log.Info("callback dropped",
		zap.String("kind", kind),
		zap.String("result", result),
		zap.String("task_id", taskID),
		zap.String("reason", reason),
	)
}

func trackUpdates(tracks []callbackdomain.CallbackTrack) []taskdomain.TrackUpdate {
	updates := make([]taskdomain.TrackUpdate, 0, len(tracks))
	for _, track := range tracks {
		if track.ID == "" {
			continue
		}
		updates = append(updates, taskdomain.TrackUpdate{
			Slot:            track.ID,
			Title:           track.Title,
			StreamingURL:    track.StreamAudioURL,
			FinalAudioURL:   track.AudioURL,
			DurationSeconds: track.Duration,
			CoverImageURL:   track.ImageURL,
		})
	}
	return updates
}

func firstCompletedLyrics(clips []callbackdomain.LyricsClip) string {
	for _, clip := range clips {
		if clip.Status != "" && !strings.EqualFold(clip.Status, "complete") {
			continue
		}
		if strings.TrimSpace(clip.Text) != "" {
			return clip.Text
		}
	}
	return ""
}
