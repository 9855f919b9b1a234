package tunegen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/soundloom/tunesmith/internal/config"
	obsmetrics "github.com/soundloom/tunesmith/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Config     config.Config
	Log        *zap.Logger
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type client struct {
	cfg        config.ProviderConfig
	http       *http.Client
	log        *zap.Logger
	obsMetrics *obsmetrics.Metrics
}

func NewClient(p Params) Client {
	cfg := p.Config.Provider
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &client{
		cfg: cfg,
		http: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		log:        p.Log.Named("tunegen.client"),
		obsMetrics: p.ObsMetrics,
	}
}

func (c *client) CreateMusicJob(ctx context.Context, req MusicJobRequest) (CreateJobResult, error) {
	return c.createJob(ctx, "create_music", "/api/v1/generate", req)
}

func (c *client) CreateCoverJob(ctx context.Context, req CoverJobRequest) (CreateJobResult, error) {
	return c.createJob(ctx, "create_cover", "/api/v1/generate/cover", req)
}

func (c *client) CreateLyricsJob(ctx context.Context, req LyricsJobRequest) (CreateJobResult, error) {
	return c.createJob(ctx, "create_lyrics", "/api/v1/generate/lyrics", req)
}

func (c *client) QueryTask(ctx context.Context, taskID string) (*RemoteTask, error) {
	path := "/api/v1/generate/record-info?taskId=" + url.QueryEscape(taskID)
	env, err := c.do(ctx, "query_task", http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if env.Code != codeAccepted {
		return nil, &RejectedError{Code: env.Code, Message: env.Msg}
	}

	var task RemoteTask
	if err := json.Unmarshal(env.Data, &task); err != nil {
		return nil, fmt.Errorf("decode task snapshot: %w", err)
	}
	return &task, nil
}

// createJob retries at the transport level only; the business code in the
// envelope is decided exactly once. Code 200 yields the new task id, 400
// yields the already-existing task id, anything else is a rejection with no
// task id at all.
func (c *client) createJob(ctx context.Context, op, path string, payload any) (CreateJobResult, error) {
	env, err := c.do(ctx, op, http.MethodPost, path, payload)
	if err != nil {
		return CreateJobResult{}, err
	}

	switch env.Code {
	case codeAccepted, codeDuplicate:
		var data createData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return CreateJobResult{}, fmt.Errorf("decode create response: %w", err)
		}
		if data.TaskID == "" {
			return CreateJobResult{}, &RejectedError{Code: env.Code, Message: "missing task id"}
		}
		return CreateJobResult{TaskID: data.TaskID, Duplicate: env.Code == codeDuplicate}, nil
	default:
		return CreateJobResult{}, &RejectedError{Code: env.Code, Message: env.Msg}
	}
}

// do performs one logical call with bounded exponential backoff. Only
// network failures and 5xx responses are retried; a 4xx HTTP status is
// returned to the caller immediately.
func (c *client) do(ctx context.Context, op, method, path string, payload any) (*envelope, error) {
	var body []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = encoded
	}

	var lastErr error
	delay := c.cfg.RetryBaseDelay
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		env, retryable, err := c.attempt(ctx, op, method, path, body)
		if err == nil {
			return env, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
		c.log.Warn("provider call failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}

	c.log.Error("provider retry budget exhausted",
		zap.String("op", op),
		zap.Int("attempts", c.cfg.MaxAttempts),
		zap.Error(lastErr),
	)
	return nil, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

func (c *client) attempt(ctx context.Context, op, method, path string, body []byte) (*envelope, bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(callCtx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.obsMetrics.ObserveProviderRequest(op, 0, time.Since(start))
		return nil, true, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	c.obsMetrics.ObserveProviderRequest(op, resp.StatusCode, time.Since(start))
	if err != nil {
		return nil, true, err
	}

	if resp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("provider returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, false, &RejectedError{Code: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, false, fmt.Errorf("decode provider response: %w", err)
	}
	return &env, false, nil
}
