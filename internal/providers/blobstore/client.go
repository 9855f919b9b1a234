// Package blobstore is a thin REST client for the object storage service
// that holds generated audio and cover artifacts. Only the operations the
// reconciler needs are exposed: enumerate objects under a prefix, delete a
// batch of keys, and map between storage keys and public URLs.
package blobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/soundloom/tunesmith/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ErrUnavailable means the storage service could not be reached or answered
// with a server error. Callers must treat enumerations as incomplete.
var ErrUnavailable = errors.New("blobstore_unavailable")

// Object is one stored artifact.
type Object struct {
	Key       string
	Size      int64
	UpdatedAt time.Time
}

// Store is the surface the reconciler works against.
type Store interface {
	// List enumerates every object whose key starts with prefix. An empty
	// prefix lists the whole bucket.
	List(ctx context.Context, prefix string) ([]Object, error)
	// Delete removes the given keys in one call. Missing keys are not an
	// error.
	Delete(ctx context.Context, keys []string) error
	// PublicURL returns the public URL serving the given key.
	PublicURL(key string) string
	// KeyFromURL maps a public URL back to its storage key. The second
	// return is false when the URL does not belong to this bucket.
	KeyFromURL(rawURL string) (string, bool)
}

type Params struct {
	fx.In

	Config config.Config
	Log    *zap.Logger
}

type client struct {
	cfg    config.StorageConfig
	http   *http.Client
	log    *zap.Logger
	public string
}

func NewStore(p Params) Store {
	cfg := p.Config.Storage
	public := cfg.PublicURL
	if public == "" {
		public = cfg.BaseURL + "/storage/v1/object/public/" + cfg.Bucket
	}
	return &client{
		cfg:    cfg,
		http:   &http.Client{Timeout: 30 * time.Second},
		log:    p.Log.Named("blobstore"),
		public: strings.TrimRight(public, "/"),
	}
}

type listRequest struct {
	Prefix string `json:"prefix"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
}

type listEntry struct {
	Name      string    `json:"name"`
	UpdatedAt time.Time `json:"updated_at"`
	Metadata  struct {
		Size int64 `json:"size"`
	} `json:"metadata"`
}

const listPageSize = 1000

func (c *client) List(ctx context.Context, prefix string) ([]Object, error) {
	var objects []Object
	for offset := 0; ; offset += listPageSize {
		page, err := c.listPage(ctx, prefix, offset)
		if err != nil {
			return nil, err
		}
		for _, entry := range page {
			// Folders come back with no metadata; skip them.
			if entry.Name == "" || strings.HasSuffix(entry.Name, "/") {
				continue
			}
			key := entry.Name
			if prefix != "" {
				key = strings.TrimRight(prefix, "/") + "/" + entry.Name
			}
			objects = append(objects, Object{
				Key:       key,
				Size:      entry.Metadata.Size,
				UpdatedAt: entry.UpdatedAt,
			})
		}
		if len(page) < listPageSize {
			return objects, nil
		}
	}
}

func (c *client) listPage(ctx context.Context, prefix string, offset int) ([]listEntry, error) {
	body, err := json.Marshal(listRequest{Prefix: prefix, Limit: listPageSize, Offset: offset})
	if err != nil {
		return nil, err
	}

	endpoint := c.cfg.BaseURL + "/storage/v1/object/list/" + url.PathEscape(c.cfg.Bucket)
	raw, err := c.call(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, err
	}

	var page []listEntry
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, fmt.Errorf("decode object list: %w", err)
	}
	return page, nil
}

type deleteRequest struct {
	Prefixes []string `json:"prefixes"`
}

func (c *client) Delete(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	body, err := json.Marshal(deleteRequest{Prefixes: keys})
	if err != nil {
		return err
	}

	endpoint := c.cfg.BaseURL + "/storage/v1/object/" + url.PathEscape(c.cfg.Bucket)
	if _, err := c.call(ctx, http.MethodDelete, endpoint, body); err != nil {
		return err
	}
	c.log.Info("deleted objects", zap.Int("count", len(keys)))
	return nil
}

func (c *client) PublicURL(key string) string {
	return c.public + "/" + strings.TrimLeft(key, "/")
}

func (c *client) KeyFromURL(rawURL string) (string, bool) {
	trimmed := strings.TrimPrefix(rawURL, c.public+"/")
	if trimmed == rawURL || trimmed == "" {
		return "", false
	}
	// Strip query params some CDNs append to signed links.
	if i := strings.IndexByte(trimmed, '?'); i >= 0 {
		trimmed = trimmed[:i]
	}
	return trimmed, true
}

func (c *client) call(ctx context.Context, method, endpoint string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.ServiceKey != "" {
		req.Header.Set("apikey", c.cfg.ServiceKey)
		req.Header.Set("Authorization", "Bearer "+c.cfg.ServiceKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: storage returned %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("storage request failed: %d %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return raw, nil
}
