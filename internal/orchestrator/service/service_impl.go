package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"github.com/soundloom/tunesmith/internal/cache"
	"github.com/soundloom/tunesmith/internal/config"
	ledgerdomain "github.com/soundloom/tunesmith/internal/ledger/domain"
	obsmetrics "github.com/soundloom/tunesmith/internal/observability/metrics"
	orchdomain "github.com/soundloom/tunesmith/internal/orchestrator/domain"
	"github.com/soundloom/tunesmith/internal/providers/tunegen"
	taskdomain "github.com/soundloom/tunesmith/internal/task/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// Completed and failed statuses stop changing, so their views can be served
// from memory for a short window.
const terminalStatusTTL = 5 * time.Minute

type Params struct {
	fx.In

	Config     config.Config
	Pricing    *config.PricingHolder
	Log        *zap.Logger
	Ledger     ledgerdomain.Service
	Tasks      taskdomain.Service
	Provider   tunegen.Client
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	cfg         config.Config
	pricing     *config.PricingHolder
	log         *zap.Logger
	ledger      ledgerdomain.Service
	tasks       taskdomain.Service
	provider    tunegen.Client
	statusCache cache.Cache[string, orchdomain.StatusView]
	obsMetrics  *obsmetrics.Metrics
}

func NewService(p Params) *Service {
	return &Service{
		cfg:         p.Config,
		pricing:     p.Pricing,
		log:         p.Log.Named("orchestrator.service"),
		ledger:      p.Ledger,
		tasks:       p.Tasks,
		provider:    p.Provider,
		statusCache: cache.NewTTLCache[string, orchdomain.StatusView](),
		obsMetrics:  p.ObsMetrics,
	}
}

func (s *Service) StartGeneration(ctx context.Context, req orchdomain.StartMusicRequest) (*orchdomain.StartResult, error) {
	if req.AccountID == 0 || strings.TrimSpace(req.Prompt) == "" {
		return nil, orchdomain.ErrInvalidRequest
	}

	cost := s.pricing.Get().MusicCredits
	chargeRef := req.IdempotencyKey
	if chargeRef == "" {
		chargeRef = ulid.Make().String()
	}

	alreadyCharged, err := s.charge(ctx, req.AccountID, cost, chargeRef, ledgerdomain.CategoryMusicGeneration)
	if err != nil {
		s.obsMetrics.IncTaskStarted(string(taskdomain.KindMusic), "charge_failed")
		return nil, err
	}
	if alreadyCharged {
		if existing, err := s.existingByChargeRef(ctx, chargeRef); err != nil || existing != nil {
			return existing, err
		}
	}

	metadata := datatypes.JSONMap{}
	if req.Style != "" {
		metadata["style"] = req.Style
	}
	if req.Model != "" {
		metadata["model"] = req.Model
	}
	if req.Instrumental {
		metadata["instrumental"] = true
	}
	if req.AutoCover {
		metadata["auto_cover"] = true
	}

	result, err := s.provider.CreateMusicJob(ctx, tunegen.MusicJobRequest{
		Prompt:       req.Prompt,
		Style:        req.Style,
		Title:        req.Title,
		Model:        req.Model,
		Instrumental: req.Instrumental,
		CallbackURL:  s.callbackURL("music"),
	})
	if err != nil {
		return nil, s.failCreation(ctx, req.AccountID, taskdomain.KindMusic, chargeRef, req.Title, req.Prompt, err)
	}

	return s.materialize(ctx, &taskdomain.GenerationTask{
		TaskID:         result.TaskID,
		OwnerAccountID: req.AccountID,
		Kind:           taskdomain.KindMusic,
		Status:         taskdomain.StatusGenerating,
		Title:          req.Title,
		Prompt:         req.Prompt,
		ChargeRef:      chargeRef,
		Metadata:       metadata,
	})
}

func (s *Service) StartLyrics(ctx context.Context, req orchdomain.StartLyricsRequest) (*orchdomain.StartResult, error) {
	if req.AccountID == 0 || strings.TrimSpace(req.Prompt) == "" {
		return nil, orchdomain.ErrInvalidRequest
	}

	cost := s.pricing.Get().LyricsCredits
	chargeRef := req.IdempotencyKey
	if chargeRef == "" {
		chargeRef = ulid.Make().String()
	}

	alreadyCharged, err := s.charge(ctx, req.AccountID, cost, chargeRef, ledgerdomain.CategoryLyricsGeneration)
	if err != nil {
		s.obsMetrics.IncTaskStarted(string(taskdomain.KindLyrics), "charge_failed")
		return nil, err
	}
	if alreadyCharged {
		if existing, err := s.existingByChargeRef(ctx, chargeRef); err != nil || existing != nil {
			return existing, err
		}
	}

	result, err := s.provider.CreateLyricsJob(ctx, tunegen.LyricsJobRequest{
		Prompt:      req.Prompt,
		CallbackURL: s.callbackURL("lyrics"),
	})
	if err != nil {
		return nil, s.failCreation(ctx, req.AccountID, taskdomain.KindLyrics, chargeRef, "", req.Prompt, err)
	}

	return s.materialize(ctx, &taskdomain.GenerationTask{
		TaskID:         result.TaskID,
		OwnerAccountID: req.AccountID,
		Kind:           taskdomain.KindLyrics,
		Status:         taskdomain.StatusGenerating,
		Prompt:         req.Prompt,
		ChargeRef:      chargeRef,
	})
}

// StartCover charges under the upstream task id, which makes the charge and
// the task naturally idempotent: a repeated request, or a provider-side
// "already exists" answer, can never debit twice.
func (s *Service) StartCover(ctx context.Context, accountID snowflake.ID, upstreamTaskID string) (*orchdomain.StartResult, error) {
	if strings.TrimSpace(upstreamTaskID) == "" {
		return nil, orchdomain.ErrInvalidRequest
	}

	upstream, err := s.tasks.Get(ctx, upstreamTaskID)
	if err != nil {
		return nil, err
	}
	if upstream.Kind != taskdomain.KindMusic {
		return nil, orchdomain.ErrInvalidRequest
	}
	if accountID != 0 && upstream.OwnerAccountID != accountID {
		return nil, orchdomain.ErrNotTaskOwner
	}

	if existing, err := s.tasks.FindCoverByUpstream(ctx, upstreamTaskID); err == nil {
		return &orchdomain.StartResult{TaskID: existing.TaskID, Status: existing.Status}, nil
	} else if !errors.Is(err, taskdomain.ErrTaskNotFound) {
		return nil, err
	}

	cost := s.pricing.Get().CoverCredits
	// A tripped guard here means the earlier cover attempt failed and was
	// compensated (a surviving cover was returned above); the provider
	// dedups cover jobs by upstream id, so creating again is safe.
	if _, err := s.charge(ctx, upstream.OwnerAccountID, cost, upstreamTaskID, ledgerdomain.CategoryCoverGeneration); err != nil {
		s.obsMetrics.IncTaskStarted(string(taskdomain.KindCover), "charge_failed")
		return nil, err
	}

	result, err := s.provider.CreateCoverJob(ctx, tunegen.CoverJobRequest{
		UpstreamTaskID: upstreamTaskID,
		CallbackURL:    s.callbackURL("cover"),
	})
	if err != nil {
		return nil, s.failCoverCreation(ctx, upstream, err)
	}

	task := &taskdomain.GenerationTask{
		TaskID:         result.TaskID,
		OwnerAccountID: upstream.OwnerAccountID,
		Kind:           taskdomain.KindCover,
		Status:         taskdomain.StatusGenerating,
		ChargeRef:      upstreamTaskID,
		UpstreamTaskID: upstreamTaskID,
	}
	started, err := s.materialize(ctx, task)
	if err != nil {
		return nil, err
	}

	if result.Duplicate {
		// The provider already holds a finished or in-flight job; fold its
		// current state in rather than waiting for a callback that may have
		// fired before we existed.
		s.foldExistingCover(ctx, result.TaskID)
		if refreshed, err := s.tasks.Get(ctx, result.TaskID); err == nil {
			started.Status = refreshed.Status
		}
	}
	return started, nil
}

// DispatchCover satisfies the callback ingestor's side-effect hook.
func (s *Service) DispatchCover(ctx context.Context, upstream *taskdomain.GenerationTask) error {
	_, err := s.StartCover(ctx, upstream.OwnerAccountID, upstream.TaskID)
	return err
}

// GetStatus is a pure read of stored state; it never mutates a task or
// calls the provider.
func (s *Service) GetStatus(ctx context.Context, taskID string) (*orchdomain.StatusView, error) {
	if cached, ok := s.statusCache.Get(taskID); ok {
		return &cached, nil
	}

	task, tracks, err := s.tasks.GetWithTracks(ctx, taskID)
	if err != nil {
		return nil, err
	}

	view := orchdomain.StatusView{
		TaskID:        task.TaskID,
		Kind:          task.Kind,
		Status:        task.Status,
		Title:         task.Title,
		CoverImageURL: task.ResultImageURL,
		Lyrics:        task.ResultText,
		ErrorCode:     task.ErrorCode,
		ErrorMessage:  task.ErrorMessage,
	}
	for _, track := range tracks {
		view.Tracks = append(view.Tracks, orchdomain.TrackView{
			Slot:            track.Slot,
			Title:           track.Title,
			StreamingURL:    track.StreamingURL,
			FinalAudioURL:   track.FinalAudioURL,
			DurationSeconds: track.DurationSeconds,
			CoverImageURL:   track.CoverImageURL,
		})
	}

	if task.Status.Terminal() {
		s.statusCache.Set(taskID, view, terminalStatusTTL)
	}
	return &view, nil
}

func (s *Service) Balance(ctx context.Context, accountID snowflake.ID) (int64, error) {
	return s.ledger.Balance(ctx, accountID)
}

// charge runs the reserve-then-consume pair. A tripped idempotency guard
// means the debit was written by an earlier attempt with the same reference;
// it counts as success and is reported so the caller can reuse the task that
// attempt created instead of opening a second provider job.
func (s *Service) charge(ctx context.Context, accountID snowflake.ID, amount int64, referenceID string, category ledgerdomain.Category) (alreadyCharged bool, err error) {
	if err := s.ledger.Reserve(ctx, accountID, amount); err != nil {
		if !errors.Is(err, ledgerdomain.ErrInsufficientFunds) {
			return false, err
		}
		// The reserve check races with concurrent consumes; fall through and
		// let the atomic consume decide, unless the charge already exists.
	}

	_, err = s.ledger.Consume(ctx, ledgerdomain.ConsumeRequest{
		AccountID:   accountID,
		Amount:      amount,
		ReferenceID: referenceID,
		Category:    category,
	})
	if errors.Is(err, ledgerdomain.ErrAlreadyCharged) {
		s.log.Info("charge already applied, continuing",
			zap.String("reference_id", referenceID),
			zap.String("category", string(category)),
		)
		return true, nil
	}
	return false, err
}

// existingByChargeRef resolves a replayed idempotency key to the task the
// first attempt recorded. A missing row means that attempt charged but died
// before the provider call; the caller should create the job now.
func (s *Service) existingByChargeRef(ctx context.Context, chargeRef string) (*orchdomain.StartResult, error) {
	existing, err := s.tasks.FindByChargeRef(ctx, chargeRef)
	if err != nil {
		if errors.Is(err, taskdomain.ErrTaskNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &orchdomain.StartResult{TaskID: existing.TaskID, Status: existing.Status}, nil
}

// materialize inserts the task record for a created provider job. A record
// that already exists means a concurrent or earlier attempt won; that is a
// success from the caller's perspective.
func (s *Service) materialize(ctx context.Context, task *taskdomain.GenerationTask) (*orchdomain.StartResult, error) {
	err := s.tasks.Insert(ctx, task)
	if err != nil && !errors.Is(err, taskdomain.ErrTaskExists) {
		return nil, err
	}

	s.obsMetrics.IncTaskStarted(string(task.Kind), "accepted")
	s.log.Info("generation task started",
		zap.String("task_id", task.TaskID),
		zap.String("kind", string(task.Kind)),
		zap.String("account_id", task.OwnerAccountID.String()),
	)
	return &orchdomain.StartResult{TaskID: task.TaskID, Status: task.Status}, nil
}

// failCreation records a durable failed task under the local charge
// reference and reverses the charge. The original creation error is
// returned so the HTTP layer can map it.
func (s *Service) failCreation(ctx context.Context, accountID snowflake.ID, kind taskdomain.Kind, chargeRef, title, prompt string, cause error) error {
	placeholder := &taskdomain.GenerationTask{
		TaskID:         chargeRef,
		OwnerAccountID: accountID,
		Kind:           kind,
		Status:         taskdomain.StatusError,
		Title:          title,
		Prompt:         prompt,
		ChargeRef:      chargeRef,
		ErrorCode:      creationErrorCode(cause),
		ErrorMessage:   cause.Error(),
	}
	if err := s.tasks.Insert(ctx, placeholder); err != nil && !errors.Is(err, taskdomain.ErrTaskExists) {
		s.log.Error("failed to record placeholder task",
			zap.String("charge_ref", chargeRef),
			zap.Error(err),
		)
	}

	s.compensate(ctx, accountID, chargeRef)
	s.obsMetrics.IncTaskStarted(string(kind), "creation_failed")
	return cause
}

func (s *Service) failCoverCreation(ctx context.Context, upstream *taskdomain.GenerationTask, cause error) error {
	placeholder := &taskdomain.GenerationTask{
		TaskID:         ulid.Make().String(),
		OwnerAccountID: upstream.OwnerAccountID,
		Kind:           taskdomain.KindCover,
		Status:         taskdomain.StatusError,
		ChargeRef:      upstream.TaskID,
		UpstreamTaskID: upstream.TaskID,
		ErrorCode:      creationErrorCode(cause),
		ErrorMessage:   cause.Error(),
	}
	if err := s.tasks.Insert(ctx, placeholder); err != nil {
		s.log.Error("failed to record placeholder cover task",
			zap.String("upstream_task_id", upstream.TaskID),
			zap.Error(err),
		)
	}

	s.compensate(ctx, upstream.OwnerAccountID, upstream.TaskID)
	s.obsMetrics.IncTaskStarted(string(taskdomain.KindCover), "creation_failed")
	return cause
}

// compensate reverses the full debit behind a failed creation. A reversal
// that cannot be written is the worst failure mode here: the account is
// charged for nothing, so it is logged loudly and counted for out-of-band
// reconciliation.
func (s *Service) compensate(ctx context.Context, accountID snowflake.ID, referenceID string) {
	_, err := s.ledger.Compensate(ctx, ledgerdomain.CompensateRequest{
		AccountID:   accountID,
		ReferenceID: referenceID,
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
			zap.String("account_id", accountID.String()),
			zap.String("reference_id", referenceID),
			zap.Error(err),
		)
	}
}

// foldExistingCover pulls the provider's current snapshot for a cover job
// that predates this request. Failures are logged only; the provider will
// still deliver (or already delivered) the callback.
func (s *Service) foldExistingCover(ctx context.Context, taskID string) {
	snapshot, err := s.provider.QueryTask(ctx, taskID)
	if err != nil {
		s.log.Warn("existing cover snapshot query failed",
			zap.String("task_id", taskID),
			zap.Error(err),
		)
		return
	}
	if snapshot.ImageURL == "" {
		return
	}
	err = s.tasks.SetCoverResult(ctx, taskID, snapshot.ImageURL)
	if err != nil && !errors.Is(err, taskdomain.ErrStaleTransition) {
		s.log.Warn("failed to fold existing cover result",
			zap.String("task_id", taskID),
			zap.Error(err),
		)
	}
}

func (s *Service) callbackURL(kind string) string {
	if s.cfg.Provider.CallbackBaseURL == "" {
		return ""
	}
	return s.cfg.Provider.CallbackBaseURL + "/v1/callbacks/" + kind
}

func creationErrorCode(err error) string {
	switch {
	case errors.Is(err, tunegen.ErrRejected):
		return "provider_rejected"
	case errors.Is(err, tunegen.ErrUnavailable):
		return "provider_unavailable"
	default:
		return "creation_failed"
	}
}
