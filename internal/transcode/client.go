package transcode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/streamio/transcoder/internal/queue"
	"github.com/streamio/transcoder/internal/workflow"
)

const defaultRequestTimeout = 30 * time.Second

// Config holds transcoder service client configuration.
type Config struct {
	BaseURL        string
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// Client invokes the external transcoder service over HTTP, one synchronous
// call per branch. The service is idempotent under re-invocation: the same
// object may legitimately be transcoded by two concurrent branches, and an
// abandoned call may run to completion in the background.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

var _ workflow.Invoker = (*Client)(nil)

// NewClient creates a transcoder service client.
func NewClient(cfg *Config) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type transcodeRequest struct {
	ObjectKey string `json:"objectKey"`
	Profile   string `json:"profile"`
}

type transcodeResponse struct {
	OutputKey string `json:"outputKey"`
}

// Invoke runs one transcode. Network failures and 5xx responses are
// transient; 4xx responses are permanent invocation failures. The caller's
// context carries the branch deadline.
func (c *Client) Invoke(ctx context.Context, in workflow.InvokeInput) (*workflow.InvokeOutput, error) {
	body, err := json.Marshal(transcodeRequest{
		ObjectKey: in.ObjectKey,
		Profile:   in.Profile,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode transcode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transcode", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build transcode request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	c.logger.Debug("Invoking transcoder",
		slog.String("object_key", in.ObjectKey),
		slog.String("profile", in.Profile),
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, queue.NewTransportError("transcode", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, queue.NewTransportError("transcode",
			fmt.Errorf("transcoder returned %s", resp.Status))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("transcode rejected (%s): %s", resp.Status, payload)
	}

	var out transcodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode transcode response: %w", err)
	}

	return &workflow.InvokeOutput{OutputKey: out.OutputKey}, nil
}
