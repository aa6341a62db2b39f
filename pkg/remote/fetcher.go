// Package remote implements the HTTP fetcher against the tracker search
// API, with rate limit gating and fault-classified errors.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/tracker-sync/pkg/fault"
	"github.com/Sternrassler/tracker-sync/pkg/query"
	"github.com/Sternrassler/tracker-sync/pkg/ratelimit"
)

// searchPath is the paginated search endpoint of the tracker API.
const searchPath = "/api/v2/search"

// Prometheus metrics for remote requests.
var (
	syncRemoteRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_remote_requests_total",
		Help: "Total tracker API requests by status",
	}, []string{"status"})

	syncRemoteRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sync_remote_request_duration_seconds",
		Help:    "Tracker API request duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	})

	syncRemoteErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_remote_errors_total",
		Help: "Total tracker API errors by status code",
	}, []string{"code"})
)

// Config holds the fetcher configuration.
type Config struct {
	// BaseURL is the tracker API root, e.g. "https://tracker.example.com".
	BaseURL string

	// UserAgent identifies this engine to the remote.
	// Format: "AppName/Version (contact@example.com)"
	UserAgent string

	// HTTPClient performs the requests. Authentication (tokens, session
	// cookies) lives in its transport; the fetcher never handles
	// credentials itself. Defaults to a client with a 30s timeout.
	HTTPClient *http.Client

	// Tracker gates requests on the shared rate limit budget. Optional;
	// when nil no gating is applied.
	Tracker *ratelimit.Tracker
}

// Fetcher fetches search result pages from the tracker API. It implements
// query.Fetcher.
type Fetcher struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
	tracker    *ratelimit.Tracker
	logger     zerolog.Logger
}

// New creates a fetcher for the tracker API.
func New(cfg Config) (*Fetcher, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	logger := log.With().Str("component", "remote-fetcher").Logger()

	return &Fetcher{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		userAgent:  cfg.UserAgent,
		httpClient: httpClient,
		tracker:    cfg.Tracker,
		logger:     logger,
	}, nil
}

// searchResponse is the wire shape of a search page.
type searchResponse struct {
	Items         []query.Item `json:"items"`
	Total         int          `json:"total"`
	IsLast        bool         `json:"isLast"`
	NextPageToken string       `json:"nextPageToken"`
}

// FetchPage requests one page of search results. Errors come back already
// carrying enough shape for classification: connectivity failures as-is,
// HTTP rejections as *fault.HTTPError with any Retry-After hint attached.
func (f *Fetcher) FetchPage(ctx context.Context, spec query.Spec, pageToken string) (*query.Page, error) {
	if f.tracker != nil {
		allowed, err := f.tracker.ShouldAllowRequest(ctx)
		if err != nil {
			return nil, fmt.Errorf("rate limit check: %w", err)
		}
		if !allowed {
			f.logger.Warn().Str("query", spec.Query).Msg("Request blocked by rate limiter")
			syncRemoteRequestsTotal.WithLabelValues("rate_limited").Inc()
			return nil, &fault.HTTPError{
				Status:  http.StatusTooManyRequests,
				Message: "request blocked: rate limit budget exhausted",
			}
		}
	}

	req, err := f.buildRequest(ctx, spec, pageToken)
	if err != nil {
		return nil, err
	}

	startTime := time.Now()
	resp, err := f.httpClient.Do(req)
	syncRemoteRequestDuration.Observe(time.Since(startTime).Seconds())

	if err != nil {
		f.logger.Error().Err(err).Str("query", spec.Query).Msg("HTTP request failed")
		syncRemoteRequestsTotal.WithLabelValues("network_error").Inc()
		return nil, err
	}
	defer resp.Body.Close()

	if f.tracker != nil {
		if err := f.tracker.UpdateFromHeaders(ctx, resp.Header); err != nil {
			f.logger.Warn().Err(err).Msg("Failed to update rate limit from headers")
		}
	}

	syncRemoteRequestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode != http.StatusOK {
		return nil, f.httpError(ctx, resp)
	}

	var body searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	f.logger.Debug().
		Str("query", spec.Query).
		Int("items", len(body.Items)).
		Int("total", body.Total).
		Bool("is_last", body.IsLast).
		Msg("Fetched search page")

	return &query.Page{
		Items:     body.Items,
		Total:     body.Total,
		IsLast:    body.IsLast,
		NextToken: body.NextPageToken,
	}, nil
}

func (f *Fetcher) buildRequest(ctx context.Context, spec query.Spec, pageToken string) (*http.Request, error) {
	params := url.Values{}
	params.Set("query", spec.Query)
	if len(spec.Fields) > 0 {
		params.Set("fields", strings.Join(spec.Fields, ","))
	}
	if spec.PageSize > 0 {
		params.Set("maxResults", strconv.Itoa(spec.PageSize))
	}
	if spec.AfterKey != "" {
		params.Set("afterKey", spec.AfterKey)
	}
	if pageToken != "" {
		params.Set("pageToken", pageToken)
	}

	endpoint := f.baseURL + searchPath + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// httpError converts a non-200 response into a *fault.HTTPError, feeding
// any Retry-After hint back into the shared rate limit state.
func (f *Fetcher) httpError(ctx context.Context, resp *http.Response) error {
	syncRemoteErrorsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	// A short error body is worth keeping for the log and the fault.
	message := resp.Status
	if body, err := io.ReadAll(io.LimitReader(resp.Body, 512)); err == nil && len(body) > 0 {
		message = strings.TrimSpace(string(body))
	}

	retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
	if retryAfter > 0 && f.tracker != nil {
		if err := f.tracker.RecordRetryAfter(ctx, retryAfter); err != nil {
			f.logger.Warn().Err(err).Msg("Failed to record Retry-After block")
		}
	}

	f.logger.Warn().
		Int("status", resp.StatusCode).
		Dur("retry_after", retryAfter).
		Msg("Tracker API request rejected")

	return &fault.HTTPError{
		Status:     resp.StatusCode,
		RetryAfter: retryAfter,
		Message:    message,
	}
}

// parseRetryAfter handles the delay-seconds form of the Retry-After header.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	seconds, err := strconv.Atoi(value)
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
