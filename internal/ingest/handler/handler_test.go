package handler_test

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamio/transcoder/internal/ingest"
	"github.com/streamio/transcoder/internal/ingest/handler"
	"github.com/streamio/transcoder/internal/ingest/router"
	"github.com/streamio/transcoder/internal/metadata"
	"github.com/streamio/transcoder/internal/queue"
)

type brokenQueue struct {
	queue.Queue
}

func (b *brokenQueue) Enqueue(_ context.Context, _ []byte) (string, error) {
	return "", queue.NewTransportError("enqueue", errors.New("broker down"))
}

func setupTestRouter(t *testing.T, q queue.Queue) (*gin.Engine, metadata.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := slog.Default()
	store := metadata.NewMemoryStore()
	r := router.SetupRouter(&handler.Dependencies{
		Logger:   logger,
		Trigger:  ingest.NewTrigger(logger, store, q),
		Metadata: store,
	})
	return r, store
}

func TestHandleNotification(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{
			name:       "flat form",
			body:       `{"objectKey":"videos/a.mp4"}`,
			wantStatus: http.StatusAccepted,
		},
		{
			name:       "records envelope",
			body:       `{"records":[{"s3":{"object":{"key":"videos/b.mp4"}}}]}`,
			wantStatus: http.StatusAccepted,
		},
		{
			name:       "no object key",
			body:       `{}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "malformed json",
			body:       `{"objectKey":`,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := queue.NewMemoryQueue(3, nil)
			r, _ := setupTestRouter(t, q)

			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/v1/notifications", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			r.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus == http.StatusAccepted {
				assert.Equal(t, 1, q.Len(), "one job message per accepted object")
			} else {
				assert.Equal(t, 0, q.Len())
			}
		})
	}
}

func TestHandleNotification_EnqueueFailureIsRetryable(t *testing.T) {
	r, store := setupTestRouter(t, &brokenQueue{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/notifications", strings.NewReader(`{"objectKey":"videos/c.mp4"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "notifier must see a retryable failure")

	rec, err := store.Get(context.Background(), "videos/c.mp4")
	require.NoError(t, err)
	assert.Equal(t, metadata.StatusReceived, rec.Status)
}

func TestGetObject(t *testing.T) {
	q := queue.NewMemoryQueue(3, nil)
	r, store := setupTestRouter(t, q)

	require.NoError(t, store.Upsert(context.Background(), "videos/a.mp4", metadata.StatusQueued))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/objects/videos/a.mp4", nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"objectKey":"videos/a.mp4"`)
	assert.Contains(t, w.Body.String(), `"status":"QUEUED"`)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/v1/objects/videos/missing.mp4", nil)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
