package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/soundloom/tunesmith/internal/clock"
	"github.com/soundloom/tunesmith/internal/config"
	ledgerdomain "github.com/soundloom/tunesmith/internal/ledger/domain"
	ledgerservice "github.com/soundloom/tunesmith/internal/ledger/service"
	orchdomain "github.com/soundloom/tunesmith/internal/orchestrator/domain"
	"github.com/soundloom/tunesmith/internal/providers/tunegen"
	taskdomain "github.com/soundloom/tunesmith/internal/task/domain"
	taskservice "github.com/soundloom/tunesmith/internal/task/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fakeProvider struct {
	createCalls  int
	queryCalls   int
	taskID       string
	duplicate    bool
	createErr    error
	snapshot     *tunegen.RemoteTask
	queryErr     error
	lastMusicReq tunegen.MusicJobRequest
	lastCoverReq tunegen.CoverJobRequest
}

func (f *fakeProvider) CreateMusicJob(ctx context.Context, req tunegen.MusicJobRequest) (tunegen.CreateJobResult, error) {
	f.createCalls++
	f.lastMusicReq = req
	if f.createErr != nil {
		return tunegen.CreateJobResult{}, f.createErr
	}
	return tunegen.CreateJobResult{TaskID: f.taskID, Duplicate: f.duplicate}, nil
}

func (f *fakeProvider) CreateCoverJob(ctx context.Context, req tunegen.CoverJobRequest) (tunegen.CreateJobResult, error) {
	f.createCalls++
	f.lastCoverReq = req
	if f.createErr != nil {
		return tunegen.CreateJobResult{}, f.createErr
	}
	return tunegen.CreateJobResult{TaskID: f.taskID, Duplicate: f.duplicate}, nil
}

func (f *fakeProvider) CreateLyricsJob(ctx context.Context, req tunegen.LyricsJobRequest) (tunegen.CreateJobResult, error) {
	f.createCalls++
	if f.createErr != nil {
		return tunegen.CreateJobResult{}, f.createErr
	}
	return tunegen.CreateJobResult{TaskID: f.taskID, Duplicate: f.duplicate}, nil
}

func (f *fakeProvider) QueryTask(ctx context.Context, taskID string) (*tunegen.RemoteTask, error) {
	f.queryCalls++
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.snapshot, nil
}

type stack struct {
	orch      *Service
	tasks     taskdomain.Service
	ledger    ledgerdomain.Service
	provider  *fakeProvider
	db        *gorm.DB
	accountID snowflake.ID
}

func newTestStack(t *testing.T) *stack {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&ledgerdomain.AccountBalance{},
		&ledgerdomain.CreditEntry{},
		&taskdomain.GenerationTask{},
		&taskdomain.Track{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	tasks := taskservice.NewService(taskservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fake,
	})
	ledger := ledgerservice.NewService(ledgerservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fake,
	})
	provider := &fakeProvider{taskID: "T1"}

	orch := NewService(Params{
		Config: config.Config{
			Provider: config.ProviderConfig{
				CallbackBaseURL: "https://app.example",
			},
		},
		Pricing:  config.NewStaticPricingHolder(config.DefaultPricingConfig()),
		Log:      zap.NewNop(),
		Ledger:   ledger,
		Tasks:    tasks,
		Provider: provider,
	})

	return &stack{
		orch:      orch,
		tasks:     tasks,
		ledger:    ledger,
		provider:  provider,
		db:        db,
		accountID: node.Generate(),
	}
}

func (s *stack) grant(t *testing.T, amount int64) {
	t.Helper()
	_, err := s.ledger.AddCredits(context.Background(), ledgerdomain.GrantRequest{
		AccountID: s.accountID,
		Amount:    amount,
		EventID:   "seed_" + t.Name(),
		Category:  ledgerdomain.CategoryPurchase,
	})
	require.NoError(t, err)
}

func (s *stack) balance(t *testing.T) int64 {
	t.Helper()
	balance, err := s.ledger.Balance(context.Background(), s.accountID)
	require.NoError(t, err)
	return balance
}

func TestStartGenerationChargesAndCreatesTask(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	s.grant(t, 20)

	result, err := s.orch.StartGeneration(ctx, orchdomain.StartMusicRequest{
		AccountID: s.accountID,
		Title:     "Night Drive",
		Prompt:    "upbeat synthwave",
		AutoCover: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "T1", result.TaskID)
	assert.Equal(t, taskdomain.StatusGenerating, result.Status)

	assert.Equal(t, int64(13), s.balance(t))
	assert.Equal(t, "https://app.example/v1/callbacks/music", s.provider.lastMusicReq.CallbackURL)

	task, err := s.tasks.Get(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, s.accountID, task.OwnerAccountID)
	assert.NotEmpty(t, task.ChargeRef)
	auto, _ := task.Metadata["auto_cover"].(bool)
	assert.True(t, auto)
}

func TestStartGenerationInsufficientFunds(t *testing.T) {
	s := newTestStack(t)
	s.grant(t, 5)

	_, err := s.orch.StartGeneration(context.Background(), orchdomain.StartMusicRequest{
		AccountID: s.accountID,
		Prompt:    "anything",
	})
	assert.ErrorIs(t, err, ledgerdomain.ErrInsufficientFunds)

	// Nothing was charged and no provider call was made.
	assert.Equal(t, int64(5), s.balance(t))
	assert.Equal(t, 0, s.provider.createCalls)
}

func TestStartGenerationCreationFailureCompensates(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	s.grant(t, 20)
	s.provider.createErr = tunegen.ErrUnavailable

	_, err := s.orch.StartGeneration(ctx, orchdomain.StartMusicRequest{
		AccountID:      s.accountID,
		Prompt:         "doomed",
		IdempotencyKey: "req-1",
	})
	assert.ErrorIs(t, err, tunegen.ErrUnavailable)

	// Balance restored, failure durably recorded under the charge reference.
	assert.Equal(t, int64(20), s.balance(t))

	task, err := s.tasks.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, taskdomain.StatusError, task.Status)
	assert.Equal(t, "provider_unavailable", task.ErrorCode)

	var entries int64
	require.NoError(t, s.db.Model(&ledgerdomain.CreditEntry{}).
		Where("reference_id = ?", "req-1").Count(&entries).Error)
	assert.Equal(t, int64(2), entries)
}

func TestStartGenerationRejectedCompensates(t *testing.T) {
	s := newTestStack(t)
	s.grant(t, 20)
	s.provider.createErr = &tunegen.RejectedError{Code: 451, Message: "content policy"}

	_, err := s.orch.StartGeneration(context.Background(), orchdomain.StartMusicRequest{
		AccountID:      s.accountID,
		Prompt:         "nope",
		IdempotencyKey: "req-2",
	})
	assert.ErrorIs(t, err, tunegen.ErrRejected)
	assert.Equal(t, int64(20), s.balance(t))

	task, err := s.tasks.Get(context.Background(), "req-2")
	require.NoError(t, err)
	assert.Equal(t, "provider_rejected", task.ErrorCode)
}

func TestStartGenerationIdempotencyKeyChargesOnce(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	s.grant(t, 20)

	req := orchdomain.StartMusicRequest{
		AccountID:      s.accountID,
		Prompt:         "retry safe",
		IdempotencyKey: "req-3",
	}
	first, err := s.orch.StartGeneration(ctx, req)
	require.NoError(t, err)

	second, err := s.orch.StartGeneration(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.TaskID, second.TaskID)
	assert.Equal(t, first.Status, second.Status)

	// The retry reuses the recorded task; no second upstream job is opened.
	assert.Equal(t, 1, s.provider.createCalls)

	assert.Equal(t, int64(13), s.balance(t))

	var debits int64
	require.NoError(t, s.db.Model(&ledgerdomain.CreditEntry{}).
		Where("reference_id = ? AND kind = ?", "req-3", ledgerdomain.EntryKindDebit).
		Count(&debits).Error)
	assert.Equal(t, int64(1), debits)

	var rows int64
	require.NoError(t, s.db.Model(&taskdomain.GenerationTask{}).
		Where("charge_ref = ?", "req-3").Count(&rows).Error)
	assert.Equal(t, int64(1), rows)
}

func seedMusicTask(t *testing.T, s *stack, taskID string) {
	t.Helper()
	require.NoError(t, s.tasks.Insert(context.Background(), &taskdomain.GenerationTask{
		TaskID:         taskID,
		OwnerAccountID: s.accountID,
		Kind:           taskdomain.KindMusic,
		Status:         taskdomain.StatusComplete,
		Title:          "done",
	}))
}

func TestStartCoverChargesOncePerUpstream(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	s.grant(t, 20)
	seedMusicTask(t, s, "M1")
	s.provider.taskID = "C1"

	first, err := s.orch.StartCover(ctx, s.accountID, "M1")
	require.NoError(t, err)
	assert.Equal(t, "C1", first.TaskID)
	assert.Equal(t, int64(18), s.balance(t))

	// A second request reuses the live cover task without charging or
	// calling the provider again.
	second, err := s.orch.StartCover(ctx, s.accountID, "M1")
	require.NoError(t, err)
	assert.Equal(t, "C1", second.TaskID)
	assert.Equal(t, int64(18), s.balance(t))
	assert.Equal(t, 1, s.provider.createCalls)
}

func TestStartCoverDuplicateFoldsProviderSnapshot(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	s.grant(t, 20)
	seedMusicTask(t, s, "M1")
	s.provider.taskID = "C1"
	s.provider.duplicate = true
	s.provider.snapshot = &tunegen.RemoteTask{
		TaskID:   "C1",
		State:    "SUCCESS",
		ImageURL: "https://cdn/covers/c1.png",
	}

	result, err := s.orch.StartCover(ctx, s.accountID, "M1")
	require.NoError(t, err)
	assert.Equal(t, "C1", result.TaskID)
	assert.Equal(t, taskdomain.StatusComplete, result.Status)
	assert.Equal(t, 1, s.provider.queryCalls)

	task, err := s.tasks.Get(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/covers/c1.png", task.ResultImageURL)
}

func TestStartCoverCreationFailureCompensates(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	s.grant(t, 20)
	seedMusicTask(t, s, "M1")
	s.provider.createErr = tunegen.ErrUnavailable

	_, err := s.orch.StartCover(ctx, s.accountID, "M1")
	assert.ErrorIs(t, err, tunegen.ErrUnavailable)
	assert.Equal(t, int64(20), s.balance(t))

	// The failed attempt must not block a later retry.
	_, err = s.tasks.FindCoverByUpstream(ctx, "M1")
	assert.ErrorIs(t, err, taskdomain.ErrTaskNotFound)
}

func TestStartCoverRejectsForeignTask(t *testing.T) {
	s := newTestStack(t)
	seedMusicTask(t, s, "M1")

	node, _ := snowflake.NewNode(9)
	_, err := s.orch.StartCover(context.Background(), node.Generate(), "M1")
	assert.ErrorIs(t, err, orchdomain.ErrNotTaskOwner)
}

func TestGetStatusIsPureReadAndCachesTerminal(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	seedMusicTask(t, s, "M1")
	require.NoError(t, s.tasks.UpsertTracks(ctx, "M1", []taskdomain.TrackUpdate{
		{Slot: "a", FinalAudioURL: "https://cdn/audio/a.mp3", DurationSeconds: 180},
	}))

	view, err := s.orch.GetStatus(ctx, "M1")
	require.NoError(t, err)
	assert.Equal(t, taskdomain.StatusComplete, view.Status)
	require.Len(t, view.Tracks, 1)
	assert.Equal(t, 0, s.provider.queryCalls)

	// Terminal views are served from cache: a direct row change is not
	// visible within the TTL.
	require.NoError(t, s.db.Model(&taskdomain.GenerationTask{}).
		Where("task_id = ?", "M1").Update("title", "renamed").Error)

	view, err = s.orch.GetStatus(ctx, "M1")
	require.NoError(t, err)
	assert.Equal(t, "done", view.Title)
}

func TestGetStatusUnknownTask(t *testing.T) {
	s := newTestStack(t)
	_, err := s.orch.GetStatus(context.Background(), "nope")
	assert.ErrorIs(t, err, taskdomain.ErrTaskNotFound)
}
