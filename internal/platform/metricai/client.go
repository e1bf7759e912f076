// Package metricai is the REST client for the metric definition, source
// discovery and value validation services.
package metricai

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
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/marketforge/internal/domain"
)

// maxResponseBytes caps how much of a service response is read.
const maxResponseBytes = 4 << 20

// ErrResponseTooLarge is returned when a service response exceeds
// maxResponseBytes.
var ErrResponseTooLarge = errors.New("metricai: response too large")

// Options configures a Client. Zero durations fall back to defaults.
type Options struct {
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
	PollInterval   time.Duration
	PollTimeout    time.Duration
	HTTPClient     *http.Client
	Logger         *slog.Logger
}

// Client talks to the metric AI services. It implements
// domain.MetricDefiner, domain.SourceDiscoverer and domain.ValueValidator.
type Client struct {
	baseURL      string
	apiKey       string
	httpClient   *http.Client
	pollInterval time.Duration
	pollTimeout  time.Duration
	logger       *slog.Logger
}

// New creates a Client.
func New(opts Options) *Client {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 60 * time.Second
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.RequestTimeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:      opts.BaseURL,
		apiKey:       opts.APIKey,
		httpClient:   hc,
		pollInterval: opts.PollInterval,
		pollTimeout:  opts.PollTimeout,
		logger:       logger.With(slog.String("component", "metricai")),
	}
}

// Define asks the definition service whether description is measurable.
func (c *Client) Define(ctx context.Context, description string) (domain.DefinitionResult, error) {
	body, err := c.do(ctx, http.MethodPost, "/define", defineRequest{
		Description: description,
		Mode:        "define_only",
	})
	if err != nil {
		return domain.DefinitionResult{}, fmt.Errorf("metricai: define: %w", err)
	}
	var resp APIDefinition
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.DefinitionResult{}, fmt.Errorf("metricai: decode definition: %w", err)
	}
	return resp.ToDomain(), nil
}

// Discover asks the discovery service for ranked sources.
func (c *Client) Discover(ctx context.Context, req domain.DiscoveryRequest) (domain.DiscoveryResult, error) {
	exclude := req.ExcludeURLs
	if exclude == nil {
		exclude = []string{}
	}
	body, err := c.do(ctx, http.MethodPost, "/discover", discoverRequest{
		Description:     req.Description,
		Mode:            "full",
		SearchVariation: req.SearchVariation,
		ExcludeURLs:     exclude,
	})
	if err != nil {
		return domain.DiscoveryResult{}, fmt.Errorf("metricai: discover: %w", err)
	}
	var resp APIDiscovery
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.DiscoveryResult{}, fmt.Errorf("metricai: decode discovery: %w", err)
	}
	return resp.ToDomain(), nil
}

// Validate submits a validation job and polls it until it completes, fails,
// or the poll timeout elapses. Polls are throttled to one per poll interval.
func (c *Client) Validate(ctx context.Context, req domain.ValidationRequest) (domain.ValidationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.pollTimeout)
	defer cancel()

	body, err := c.do(ctx, http.MethodPost, "/validate", validateRequest{
		Metric:  req.Metric,
		URLs:    req.URLs,
		Context: req.Context,
	})
	if err != nil {
		return domain.ValidationResult{}, fmt.Errorf("metricai: submit validation: %w", err)
	}
	job, err := decodeJob(body)
	if err != nil {
		return domain.ValidationResult{}, err
	}

	limiter := rate.NewLimiter(rate.Every(c.pollInterval), 1)
	// The submit itself spent the initial token.
	limiter.Allow()
	polls := 0
	for {
		switch job.Status {
		case JobCompleted:
			if job.Result == nil {
				return domain.ValidationResult{}, fmt.Errorf("metricai: validation job %s completed without a result", job.JobID)
			}
			c.logger.DebugContext(ctx, "validation completed",
				slog.String("job_id", job.JobID),
				slog.Int("polls", polls),
			)
			return job.Result.ToDomain(), nil
		case JobFailed:
			return domain.ValidationResult{}, fmt.Errorf("metricai: validation job %s failed: %s", job.JobID, job.Error)
		case JobPending, JobRunning, "":
		default:
			return domain.ValidationResult{}, fmt.Errorf("metricai: validation job %s: unknown status %q", job.JobID, job.Status)
		}
		if job.JobID == "" {
			return domain.ValidationResult{}, errors.New("metricai: validation job has no id")
		}

		if err := limiter.Wait(ctx); err != nil {
			// Wait refuses early when the next poll would miss the deadline.
			cause := ctx.Err()
			if cause == nil {
				cause = context.DeadlineExceeded
			}
			return domain.ValidationResult{}, fmt.Errorf("metricai: validation job %s: timed out after %s: %w", job.JobID, c.pollTimeout, cause)
		}
		polls++
		body, err := c.do(ctx, http.MethodGet, "/validate/"+url.PathEscape(job.JobID), nil)
		if err != nil {
			return domain.ValidationResult{}, fmt.Errorf("metricai: poll validation %s: %w", job.JobID, err)
		}
		if job, err = decodeJob(body); err != nil {
			return domain.ValidationResult{}, err
		}
	}
}

func decodeJob(body []byte) (APIValidationJob, error) {
	var job APIValidationJob
	if err := json.Unmarshal(body, &job); err != nil {
		return APIValidationJob{}, fmt.Errorf("metricai: decode validation job: %w", err)
	}
	return job, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w: %w", domain.ErrTransient, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if len(respBody) > maxResponseBytes {
		return nil, fmt.Errorf("%s %s: %w (over %d bytes)", method, path, ErrResponseTooLarge, maxResponseBytes)
	}
	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// checkHTTPStatus maps non-2xx status codes to domain errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	bodyStr := string(body)
	switch {
	case statusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, bodyStr)
	case statusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	case statusCode >= 500:
		return fmt.Errorf("%w: HTTP %d: %s", domain.ErrTransient, statusCode, bodyStr)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}

// Compile-time interface checks.
var (
	_ domain.MetricDefiner    = (*Client)(nil)
	_ domain.SourceDiscoverer = (*Client)(nil)
	_ domain.ValueValidator   = (*Client)(nil)
)
