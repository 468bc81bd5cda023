// Package backend is the REST client for the model-serving backend: model
// metadata, import tasks and persisted experiment results.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/modeldeck/internal/observability"
	"github.com/haasonsaas/modeldeck/internal/retry"
	"github.com/haasonsaas/modeldeck/internal/storage"
	"github.com/haasonsaas/modeldeck/pkg/models"
)

// ErrNotFound is returned (via errors.Is) for 404 responses.
var ErrNotFound = storage.ErrNotFound

// APIError is a non-2xx response from the backend.
type APIError struct {
	Method  string
	Path    string
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("request %s %s failed: %d %s (%s)", e.Method, e.Path, e.Status, http.StatusText(e.Status), e.Message)
	}
	return fmt.Sprintf("request %s %s failed: %d %s", e.Method, e.Path, e.Status, http.StatusText(e.Status))
}

// Is matches ErrNotFound for 404 responses.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}

// Config configures a Client.
type Config struct {
	BaseURL string
	Token   string
	// Timeout bounds each HTTP attempt. Defaults to 10s.
	Timeout time.Duration
	// Retry applies to idempotent GETs only.
	Retry retry.Config

	HTTPClient *http.Client
	Logger     *slog.Logger
	Metrics    *observability.Metrics
	Tracer     *observability.Tracer
}

// Client talks JSON over HTTP to the serving backend.
type Client struct {
	baseURL    string
	token      string
	retry      retry.Config
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *observability.Metrics
	tracer     *observability.Tracer
}

// New creates a backend client.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("backend base url is required")
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid backend url %q: %w", base, err)
	}
	switch parsed.Scheme {
	case "http", "https":
	default:
		return nil, fmt.Errorf("backend url %q must be http or https", base)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    base,
		token:      cfg.Token,
		retry:      cfg.Retry,
		httpClient: httpClient,
		logger:     logger.With("component", "backend"),
		metrics:    cfg.Metrics,
		tracer:     cfg.Tracer,
	}, nil
}

// BaseURL returns the backend base URL, also used to derive stream endpoints.
func (c *Client) BaseURL() string { return c.baseURL }

// ListModels returns every registered model.
func (c *Client) ListModels(ctx context.Context) ([]models.Model, error) {
	var out []models.Model
	if err := c.getJSON(ctx, "/v1/models", "/v1/models", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetModel returns a model with its versions.
func (c *Client) GetModel(ctx context.Context, id string) (*models.Model, error) {
	var out models.Model
	if err := c.getJSON(ctx, "/v1/models/{id}", "/v1/models/"+url.PathEscape(id), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateModelDescription replaces a model's description and returns the
// updated model.
func (c *Client) UpdateModelDescription(ctx context.Context, id, description string) (*models.Model, error) {
	payload := map[string]string{"description": description}
	var out models.Model
	if err := c.sendJSON(ctx, http.MethodPatch, "/v1/models/{id}", "/v1/models/"+url.PathEscape(id), payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ImportModel registers a model from a source URI. Import runs
// asynchronously on the backend; the returned task tracks it.
func (c *Client) ImportModel(ctx context.Context, req models.ImportRequest) (*models.Task, error) {
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.Source) == "" {
		return nil, fmt.Errorf("import requires name and source")
	}
	var out models.Task
	if err := c.sendJSON(ctx, http.MethodPost, "/v1/models/import", "/v1/models/import", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListTasks returns backend tasks, most recent first.
func (c *Client) ListTasks(ctx context.Context) ([]models.Task, error) {
	var out []models.Task
	if err := c.getJSON(ctx, "/v1/tasks", "/v1/tasks", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListSavedExperiments returns a model's persisted experiment results.
func (c *Client) ListSavedExperiments(ctx context.Context, modelID string) ([]models.SavedExperiment, error) {
	var out []models.SavedExperiment
	route := "/v1/models/{id}/experiments"
	if err := c.getJSON(ctx, route, "/v1/models/"+url.PathEscape(modelID)+"/experiments", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SaveExperiment persists a finished experiment and returns its backend id.
func (c *Client) SaveExperiment(ctx context.Context, exp models.SavedExperiment) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.sendJSON(ctx, http.MethodPost, "/v1/experiments", "/v1/experiments", exp, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("save experiment: backend returned no id")
	}
	return out.ID, nil
}

// DeleteSavedExperiment removes a persisted experiment.
func (c *Client) DeleteSavedExperiment(ctx context.Context, id string) error {
	return c.sendJSON(ctx, http.MethodDelete, "/v1/experiments/{id}", "/v1/experiments/"+url.PathEscape(id), nil, nil)
}

// getJSON performs a GET, retrying transport errors and 5xx responses.
func (c *Client) getJSON(ctx context.Context, route, path string, out any) error {
	result := retry.Do(ctx, c.retry, func(attempt int) error {
		err := c.do(ctx, http.MethodGet, route, path, nil, out)
		if err == nil {
			return nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status < http.StatusInternalServerError {
			return retry.Permanent(err)
		}
		if ctx.Err() == nil {
			c.logger.WarnContext(ctx, "backend request failed", "path", path, "attempt", attempt, "error", err)
		}
		return err
	})
	if result.Err == nil {
		return nil
	}
	var permanent *retry.PermanentError
	if errors.As(result.Err, &permanent) {
		return permanent.Err
	}
	return result.Err
}

func (c *Client) sendJSON(ctx context.Context, method, route, path string, payload, out any) error {
	return c.do(ctx, method, route, path, payload, out)
}

func (c *Client) do(ctx context.Context, method, route, path string, payload, out any) (err error) {
	start := time.Now()
	ctx, span := c.tracer.TraceBackendRequest(ctx, method, route)
	defer span.End()

	status := "error"
	defer func() {
		c.metrics.RecordBackendRequest(method, route, status, time.Since(start).Seconds())
		c.tracer.RecordError(span, err)
	}()

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if requestID := observability.GetRequestID(ctx); requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	status = strconv.Itoa(resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := &APIError{Method: method, Path: path, Status: resp.StatusCode}
		if readErr == nil {
			apiErr.Message = errorMessage(data)
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// errorMessage extracts {"error": "..."} or {"message": "..."} bodies,
// falling back to the raw text.
func errorMessage(body []byte) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	return strings.TrimSpace(string(body))
}
