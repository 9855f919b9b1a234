package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	callbackdomain "github.com/soundloom/tunesmith/internal/callback/domain"
	"github.com/soundloom/tunesmith/internal/clock"
	ledgerdomain "github.com/soundloom/tunesmith/internal/ledger/domain"
	ledgerservice "github.com/soundloom/tunesmith/internal/ledger/service"
	taskdomain "github.com/soundloom/tunesmith/internal/task/domain"
	taskservice "github.com/soundloom/tunesmith/internal/task/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type fakeDispatcher struct {
	calls int
	err   error
}

func (d *fakeDispatcher) DispatchCover(ctx context.Context, upstream *taskdomain.GenerationTask) error {
	d.calls++
	return d.err
}

type stack struct {
	callbacks  callbackdomain.Service
	tasks      taskdomain.Service
	ledger     ledgerdomain.Service
	dispatcher *fakeDispatcher
	db         *gorm.DB
	accountID  snowflake.ID
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

	dispatcher := &fakeDispatcher{}
	callbacks := NewService(Params{
		Log:    zap.NewNop(),
		Tasks:  tasks,
		Ledger: ledger,
		Covers: dispatcher,
	})

	return &stack{
		callbacks:  callbacks,
		tasks:      tasks,
		ledger:     ledger,
		dispatcher: dispatcher,
		db:         db,
		accountID:  node.Generate(),
	}
}

func (s *stack) seedChargedTask(t *testing.T, taskID, chargeRef string, metadata datatypes.JSONMap) {
	t.Helper()
	ctx := context.Background()

	_, err := s.ledger.AddCredits(ctx, ledgerdomain.GrantRequest{
		AccountID: s.accountID,
		Amount:    20,
		EventID:   "seed_" + taskID,
		Category:  ledgerdomain.CategoryPurchase,
	})
	require.NoError(t, err)

	_, err = s.ledger.Consume(ctx, ledgerdomain.ConsumeRequest{
		AccountID:   s.accountID,
		Amount:      7,
		ReferenceID: chargeRef,
		Category:    ledgerdomain.CategoryMusicGeneration,
	})
	require.NoError(t, err)

	require.NoError(t, s.tasks.Insert(ctx, &taskdomain.GenerationTask{
		TaskID:         taskID,
		OwnerAccountID: s.accountID,
		Kind:           taskdomain.KindMusic,
		Status:         taskdomain.StatusGenerating,
		ChargeRef:      chargeRef,
		Metadata:       metadata,
	}))
}

func musicCallback(taskID, callbackType string, tracks ...callbackdomain.CallbackTrack) callbackdomain.MusicCallback {
	return callbackdomain.MusicCallback{
		Code: 200,
		Msg:  "ok",
		Data: callbackdomain.MusicCallbackData{
			CallbackType: callbackType,
			TaskID:       taskID,
			Tracks:       tracks,
		},
	}
}

func TestUnknownTaskCallbackIsAcked(t *testing.T) {
	s := newTestStack(t)
	err := s.callbacks.HandleMusic(context.Background(), musicCallback("nope", callbackdomain.TypeText))
	assert.NoError(t, err)
}

func TestTextCallbackAdvancesAndUpsertsTracks(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	s.seedChargedTask(t, "T1", "ref-1", nil)

	cb := musicCallback("T1", callbackdomain.TypeText,
		callbackdomain.CallbackTrack{ID: "a", Title: "Song A", StreamAudioURL: "https://cdn/stream/a.mp3"},
		callbackdomain.CallbackTrack{ID: "b", Title: "Song B", StreamAudioURL: "https://cdn/stream/b.mp3"},
	)
	require.NoError(t, s.callbacks.HandleMusic(ctx, cb))

	task, tracks, err := s.tasks.GetWithTracks(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, taskdomain.StatusText, task.Status)
	assert.Len(t, tracks, 2)

	// Redelivery of the same callback is acknowledged and changes nothing.
	require.NoError(t, s.callbacks.HandleMusic(ctx, cb))
	task, tracks, err = s.tasks.GetWithTracks(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, taskdomain.StatusText, task.Status)
	assert.Len(t, tracks, 2)
}

func TestFirstThenCompleteRecomputedFromTracks(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	s.seedChargedTask(t, "T1", "ref-1", nil)

	require.NoError(t, s.callbacks.HandleMusic(ctx, musicCallback("T1", callbackdomain.TypeText,
		callbackdomain.CallbackTrack{ID: "a", StreamAudioURL: "https://cdn/stream/a.mp3"},
		callbackdomain.CallbackTrack{ID: "b", StreamAudioURL: "https://cdn/stream/b.mp3"},
	)))

	require.NoError(t, s.callbacks.HandleMusic(ctx, musicCallback("T1", callbackdomain.TypeFirst,
		callbackdomain.CallbackTrack{ID: "a", AudioURL: "https://cdn/audio/a.mp3", Duration: 180},
	)))
	task, err := s.tasks.Get(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, taskdomain.StatusFirst, task.Status)

	require.NoError(t, s.callbacks.HandleMusic(ctx, musicCallback("T1", callbackdomain.TypeComplete,
		callbackdomain.CallbackTrack{ID: "b", AudioURL: "https://cdn/audio/b.mp3", Duration: 201},
	)))
	task, err = s.tasks.Get(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, taskdomain.StatusComplete, task.Status)
}

func TestStaleTextCallbackDoesNotRegress(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	s.seedChargedTask(t, "T1", "ref-1", nil)

	require.NoError(t, s.callbacks.HandleMusic(ctx, musicCallback("T1", callbackdomain.TypeComplete,
		callbackdomain.CallbackTrack{ID: "a", AudioURL: "https://cdn/audio/a.mp3", Duration: 180},
	)))

	// A late text callback is acked but ignored.
	require.NoError(t, s.callbacks.HandleMusic(ctx, musicCallback("T1", callbackdomain.TypeText)))

	task, err := s.tasks.Get(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, taskdomain.StatusComplete, task.Status)
}

func TestErrorCallbackMarksFailedAndRefundsOnce(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	s.seedChargedTask(t, "T1", "ref-1", nil)

	balance, err := s.ledger.Balance(ctx, s.accountID)
	require.NoError(t, err)
	require.Equal(t, int64(13), balance)

	errCb := callbackdomain.MusicCallback{
		Code: 500,
		Msg:  "generation failed",
		Data: callbackdomain.MusicCallbackData{CallbackType: callbackdomain.TypeError, TaskID: "T1"},
	}
	require.NoError(t, s.callbacks.HandleMusic(ctx, errCb))

	task, err := s.tasks.Get(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, taskdomain.StatusError, task.Status)
	assert.Equal(t, "generation failed", task.ErrorMessage)

	balance, err = s.ledger.Balance(ctx, s.accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(20), balance)

	// Redelivered error callback must not refund twice.
	require.NoError(t, s.callbacks.HandleMusic(ctx, errCb))
	balance, err = s.ledger.Balance(ctx, s.accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(20), balance)
}

func TestAutoCoverDispatchNeverFailsAck(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	s.seedChargedTask(t, "T1", "ref-1", datatypes.JSONMap{"auto_cover": true})
	s.dispatcher.err = errors.New("provider down")

	require.NoError(t, s.callbacks.HandleMusic(ctx, musicCallback("T1", callbackdomain.TypeText,
		callbackdomain.CallbackTrack{ID: "a", StreamAudioURL: "https://cdn/stream/a.mp3"},
	)))
	assert.Equal(t, 1, s.dispatcher.calls)
}

func TestAutoCoverNotDispatchedWithoutOptIn(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	s.seedChargedTask(t, "T1", "ref-1", nil)

	require.NoError(t, s.callbacks.HandleMusic(ctx, musicCallback("T1", callbackdomain.TypeText)))
	assert.Equal(t, 0, s.dispatcher.calls)
}

func TestCoverCallbackSetsResultOnce(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()

	node, _ := snowflake.NewNode(3)
	require.NoError(t, s.tasks.Insert(ctx, &taskdomain.GenerationTask{
		TaskID:         "C1",
		OwnerAccountID: node.Generate(),
		Kind:           taskdomain.KindCover,
		Status:         taskdomain.StatusGenerating,
		UpstreamTaskID: "T1",
	}))

	cb := callbackdomain.CoverCallback{
		Code: 200,
		Data: callbackdomain.CoverCallbackData{
			TaskID: "C1",
			Images: []string{"https://cdn/covers/c1.png"},
		},
	}
	require.NoError(t, s.callbacks.HandleCover(ctx, cb))

	task, err := s.tasks.Get(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, taskdomain.StatusComplete, task.Status)
	assert.Equal(t, "https://cdn/covers/c1.png", task.ResultImageURL)

	// Replay is acked without overwriting the stored result.
	cb.Data.Images = []string{"https://cdn/covers/other.png"}
	require.NoError(t, s.callbacks.HandleCover(ctx, cb))
	task, err = s.tasks.Get(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/covers/c1.png", task.ResultImageURL)
}

func TestLyricsCallbackStoresText(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()

	node, _ := snowflake.NewNode(3)
	require.NoError(t, s.tasks.Insert(ctx, &taskdomain.GenerationTask{
		TaskID:         "L1",
		OwnerAccountID: node.Generate(),
		Kind:           taskdomain.KindLyrics,
		Status:         taskdomain.StatusGenerating,
	}))

	cb := callbackdomain.LyricsCallback{
		Code: 200,
		Data: callbackdomain.LyricsCallbackData{
			TaskID: "L1",
			Lyrics: []callbackdomain.LyricsClip{
				{Text: "verse one", Title: "Song", Status: "complete"},
			},
		},
	}
	require.NoError(t, s.callbacks.HandleLyrics(ctx, cb))

	task, err := s.tasks.Get(ctx, "L1")
	require.NoError(t, err)
	assert.Equal(t, taskdomain.StatusComplete, task.Status)
	assert.Equal(t, "verse one", task.ResultText)
}
