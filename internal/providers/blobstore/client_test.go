package blobstore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/soundloom/tunesmith/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T, baseURL string) Store {
	t.Helper()
	return NewStore(Params{
		Config: config.Config{
			Storage: config.StorageConfig{
				BaseURL:    baseURL,
				ServiceKey: "service-key",
				Bucket:     "artifacts",
				PublicURL:  "https://cdn.example/artifacts",
			},
		},
		Log: zap.NewNop(),
	})
}

func TestListPrefixesKeys(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/storage/v1/object/list/artifacts", r.URL.Path)
		assert.Equal(t, "Bearer service-key", r.Header.Get("Authorization"))

		var req listRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "audio/u1", req.Prefix)

		w.Write([]byte(`[
			{"name":"a.mp3","updated_at":"2025-06-01T12:00:00Z","metadata":{"size":12}},
			{"name":"b.mp3","updated_at":"2025-06-01T12:05:00Z","metadata":{"size":34}}
		]`))
	}))
	defer srv.Close()

	objects, err := newTestStore(t, srv.URL).List(context.Background(), "audio/u1")
	require.NoError(t, err)
	require.Len(t, objects, 2)
	assert.Equal(t, "audio/u1/a.mp3", objects[0].Key)
	assert.Equal(t, int64(12), objects[0].Size)
}

func TestListUnavailableOn5xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestStore(t, srv.URL).List(context.Background(), "")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestDeleteSendsBatch(t *testing.T) {
	var gotKeys []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/storage/v1/object/artifacts", r.URL.Path)

		var req deleteRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotKeys = req.Prefixes
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	store := newTestStore(t, srv.URL)
	require.NoError(t, store.Delete(context.Background(), []string{"audio/u1/a.mp3", "covers/u1/c.png"}))
	assert.Equal(t, []string{"audio/u1/a.mp3", "covers/u1/c.png"}, gotKeys)

	// Empty batches never hit the network.
	require.NoError(t, store.Delete(context.Background(), nil))
}

func TestURLKeyRoundTrip(t *testing.T) {
	store := newTestStore(t, "https://storage.example")

	url := store.PublicURL("audio/u1/a.mp3")
	assert.Equal(t, "https://cdn.example/artifacts/audio/u1/a.mp3", url)

	key, ok := store.KeyFromURL(url)
	require.True(t, ok)
	assert.Equal(t, "audio/u1/a.mp3", key)

	key, ok = store.KeyFromURL(url + "?token=abc")
	require.True(t, ok)
	assert.Equal(t, "audio/u1/a.mp3", key)

	_, ok = store.KeyFromURL("https://elsewhere.example/other.mp3")
	assert.False(t, ok)
}
