// Package genapi is the HTTP client for the generation service: submission,
// job status, history listing, and the balance refresh hook. The engine
// treats these endpoints as black boxes; this package owns the wire shapes
// and error decoding.
package genapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lumabase/genengine/gen"
	"github.com/lumabase/genengine/internal/httpx"
	"github.com/lumabase/genengine/pkg/logger"
)

// Client is the API surface the orchestrator and poller depend on.
type Client interface {
	// Submit posts a generation request. ThreadID scopes the generation to a
	// conversation; empty means unscoped.
	Submit(ctx context.Context, req *gen.GenerationRequest, threadID string) (*SubmitResult, error)

	// JobStatus fetches the current state of an async job.
	JobStatus(ctx context.Context, handle gen.JobHandle) (*JobStatusResult, error)

	// History lists previously completed generations, newest first.
	History(ctx context.Context, q HistoryQuery) ([]HistoryRow, error)

	// RefreshBalance asks the service to recompute the caller's star balance.
	RefreshBalance(ctx context.Context) error
}

// Config controls endpoint location and per-class timeouts. Zero values pick
// up env overrides, then defaults.
type Config struct {
	BaseURL   string
	AuthToken string

	// Submit timeouts by request class: slow providers can take a while just
	// to hand back a job id.
	FastTimeout  time.Duration
	ImageTimeout time.Duration
	VideoTimeout time.Duration

	// PollTimeout bounds one status request, not the whole polling run.
	PollTimeout time.Duration
}

type client struct {
	log        *logger.Logger
	baseURL    string
	authToken  string
	httpClient *http.Client
	cfg        Config
}

// NewClient builds the HTTP client. BaseURL comes from cfg or the
// GEN_API_BASE_URL env var.
func NewClient(log *logger.Logger, cfg Config) (Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = strings.TrimSpace(os.Getenv("GEN_API_BASE_URL"))
	}
	if baseURL == "" {
		return nil, fmt.Errorf("missing GEN_API_BASE_URL")
	}
	baseURL = strings.TrimRight(baseURL, "/")

	token := strings.TrimSpace(cfg.AuthToken)
	if token == "" {
		token = strings.TrimSpace(os.Getenv("GEN_API_TOKEN"))
	}

	if cfg.FastTimeout <= 0 {
		cfg.FastTimeout = envSeconds("GEN_API_FAST_TIMEOUT_SECONDS", 30*time.Second)
	}
	if cfg.ImageTimeout <= 0 {
		cfg.ImageTimeout = envSeconds("GEN_API_IMAGE_TIMEOUT_SECONDS", 90*time.Second)
	}
	if cfg.VideoTimeout <= 0 {
		cfg.VideoTimeout = envSeconds("GEN_API_VIDEO_TIMEOUT_SECONDS", 150*time.Second)
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = envSeconds("GEN_API_POLL_TIMEOUT_SECONDS", 10*time.Second)
	}

	return &client{
		log:        log.With("service", "GenAPIClient"),
		baseURL:    baseURL,
		authToken:  token,
		httpClient: &http.Client{},
		cfg:        cfg,
	}, nil
}

func envSeconds(key string, fallback time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}

func (c *client) submitTimeout(modelID string) time.Duration {
	switch gen.ModelClass(modelID) {
	case gen.ClassVideo:
		return c.cfg.VideoTimeout
	case gen.ClassFast:
		return c.cfg.FastTimeout
	default:
		return c.cfg.ImageTimeout
	}
}

func (c *client) doOnce(ctx context.Context, method, path string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return readErr
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Body:       string(raw),
			RetryAfter: httpx.RetryAfterDuration(resp, 0, 0),
		}
	}
	if out == nil {
		return nil
	}
	if uErr := json.Unmarshal(raw, out); uErr != nil {
		return fmt.Errorf("genapi decode error: %w; raw=%s", uErr, string(raw))
	}
	return nil
}

func (c *client) Submit(ctx context.Context, req *gen.GenerationRequest, threadID string) (*SubmitResult, error) {
	if req == nil {
		return nil, fmt.Errorf("nil request")
	}

	ctx, cancel := context.WithTimeout(ctx, c.submitTimeout(req.ModelID))
	defer cancel()

	body := submitRequest{
		Prompt:          req.Prompt,
		NegativePrompt:  req.NegativePrompt,
		ModelID:         req.ModelID,
		Mode:            string(req.Mode),
		AspectRatio:     req.Settings.AspectRatio,
		Resolution:      req.Settings.Resolution,
		Quality:         req.Settings.Quality,
		DurationSec:     req.Settings.DurationSec,
		Seed:            req.Settings.Seed,
		NumOutputs:      req.Variants,
		OutputFormat:    req.Settings.OutputFormat,
		ReferenceAssets: req.ReferenceAssets,
		ThreadID:        threadID,
	}

	var resp submitResponse
	if err := c.doOnce(ctx, http.MethodPost, "/generate", body, &resp); err != nil {
		return nil, err
	}

	status := gen.JobStatus(strings.ToLower(strings.TrimSpace(resp.Status)))
	if status.Succeeded() || (len(resp.Results) > 0 && resp.JobID == "") {
		urls := make([]string, 0, len(resp.Results))
		for _, r := range resp.Results {
			if u := strings.TrimSpace(r.URL); u != "" {
				urls = append(urls, u)
			}
		}
		if len(urls) == 0 {
			return nil, fmt.Errorf("submission reported completion with no results")
		}
		return &SubmitResult{
			Completed:    true,
			URLs:         urls,
			GenerationID: resp.GenerationID,
		}, nil
	}

	if strings.TrimSpace(resp.JobID) == "" {
		return nil, fmt.Errorf("submission returned neither results nor a job id")
	}
	return &SubmitResult{
		GenerationID: resp.GenerationID,
		Handle: &gen.JobHandle{
			JobID:        resp.JobID,
			GenerationID: resp.GenerationID,
			Provider:     resp.Provider,
		},
	}, nil
}

func (c *client) JobStatus(ctx context.Context, handle gen.JobHandle) (*JobStatusResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.PollTimeout)
	defer cancel()

	path := "/jobs/" + url.PathEscape(handle.JobID)
	if handle.Provider != "" {
		path += "?provider=" + url.QueryEscape(handle.Provider)
	}

	var resp jobStatusResponse
	if err := c.doOnce(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	urls := make([]string, 0, len(resp.Results))
	for _, r := range resp.Results {
		if u := strings.TrimSpace(r.URL); u != "" {
			urls = append(urls, u)
		}
	}
	return &JobStatusResult{
		Status: gen.JobStatus(strings.ToLower(strings.TrimSpace(resp.Status))),
		URLs:   urls,
		Reason: strings.TrimSpace(resp.Error),
	}, nil
}

func (c *client) History(ctx context.Context, q HistoryQuery) ([]HistoryRow, error) {
	v := url.Values{}
	v.Set("type", string(q.Mode))
	v.Set("limit", strconv.Itoa(q.Limit))
	v.Set("offset", strconv.Itoa(q.Offset))
	if q.ModelID != "" {
		v.Set("model_id", q.ModelID)
	}
	if q.ThreadID != "" {
		v.Set("thread_id", q.ThreadID)
	}

	var resp historyResponse
	if err := c.doOnce(ctx, http.MethodGet, "/history?"+v.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Generations, nil
}

func (c *client) RefreshBalance(ctx context.Context) error {
	return c.doOnce(ctx, http.MethodPost, "/credits/refresh", nil, nil)
}
