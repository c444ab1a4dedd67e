// Package gateway is the HTTP client for the structure-prediction backend.
//
// It maps four logical operations onto fixed paths:
//
//	POST /submit            {"sequence": ...}  -> {"job_id": ...}
//	GET  /status/{job_id}                      -> {"status": ...}
//	GET  /result/{job_id}                      -> {"pdb": ...}
//	GET  /history                              -> [{"job_id", "status", "error", "created_at"}]
//
// There is no retry and no backoff. Failures are surfaced unchanged.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultBaseURL is the backend address used when none is configured.
const DefaultBaseURL = "http://localhost:5000"

// Config configures a Client.
type Config struct {
	// BaseURL is the backend root, e.g. http://localhost:5000.
	BaseURL string

	// Timeout bounds each request. Zero leaves requests unbounded.
	Timeout time.Duration

	// RateLimit caps outbound requests per second. Zero disables pacing.
	RateLimit float64

	// HTTPClient overrides the transport (tests use httptest servers).
	HTTPClient *http.Client

	Logger *zap.Logger
}

// Client talks to the prediction backend.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	timeout time.Duration
	limiter *rate.Limiter
	logger  *zap.Logger
}

// HistoryItem is one job as listed by the history endpoint.
type HistoryItem struct {
	JobID     string     `json:"job_id"`
	Status    string     `json:"status"`
	Error     string     `json:"error,omitempty"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

// New validates cfg and builds a Client.
func New(cfg Config) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		raw = DefaultBaseURL
	}
	base, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid backend url %q: %w", raw, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid backend url %q: scheme must be http or https", raw)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("invalid backend url %q: missing host", raw)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		baseURL: base,
		http:    httpClient,
		timeout: cfg.Timeout,
		logger:  logger,
	}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return c, nil
}

// BaseURL returns the configured backend root.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// Submit sends a sequence and returns the backend-assigned job ID.
//
// Any failure is a *SubmissionError.
func (c *Client) Submit(ctx context.Context, sequence string) (string, error) {
	payload, err := json.Marshal(map[string]string{"sequence": sequence})
	if err != nil {
		return "", &SubmissionError{Err: err}
	}

	var out struct {
		JobID string `json:"job_id"`
	}
	if err := c.do(ctx, OpSubmit, http.MethodPost, "/submit", payload, &out); err != nil {
		return "", toSubmissionError(err)
	}
	if strings.TrimSpace(out.JobID) == "" {
		return "", &SubmissionError{Err: fmt.Errorf("response did not include a job_id")}
	}
	return out.JobID, nil
}

// Status returns the raw status string for one job.
func (c *Client) Status(ctx context.Context, jobID string) (string, error) {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, OpStatus, http.MethodGet, "/status/"+url.PathEscape(jobID), nil, &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

// Result returns the structure-file text for a completed job.
func (c *Client) Result(ctx context.Context, jobID string) (string, error) {
	var out struct {
		PDB *string `json:"pdb"`
	}
	if err := c.do(ctx, OpResult, http.MethodGet, "/result/"+url.PathEscape(jobID), nil, &out); err != nil {
		return "", err
	}
	if out.PDB == nil {
		return "", &Error{Op: OpResult, StatusCode: http.StatusOK, Err: fmt.Errorf("response did not include pdb")}
	}
	return *out.PDB, nil
}

// historyEntry is the wire form of HistoryItem. created_at is parsed per
// entry so one odd timestamp does not fail the whole listing.
type historyEntry struct {
	JobID     string          `json:"job_id"`
	Status    string          `json:"status"`
	Error     string          `json:"error,omitempty"`
	CreatedAt json.RawMessage `json:"created_at,omitempty"`
}

// timestampLayouts are tried in order. Layouts without a zone are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// History returns every job the backend knows about. An entry whose
// created_at cannot be parsed is returned without a timestamp.
func (c *Client) History(ctx context.Context) ([]HistoryItem, error) {
	var entries []historyEntry
	if err := c.do(ctx, OpHistory, http.MethodGet, "/history", nil, &entries); err != nil {
		return nil, err
	}
	out := make([]HistoryItem, 0, len(entries))
	for _, e := range entries {
		item := HistoryItem{JobID: e.JobID, Status: e.Status, Error: e.Error}
		if ts, err := parseTimestamp(e.CreatedAt); err != nil {
			c.logger.Warn("Ignoring unparseable created_at",
				zap.String("job_id", e.JobID),
				zap.String("created_at", string(e.CreatedAt)),
				zap.Error(err))
		} else {
			item.CreatedAt = ts
		}
		out = append(out, item)
	}
	return out, nil
}

// parseTimestamp reads a JSON string timestamp. Absent and null values
// yield nil without error.
func parseTimestamp(raw json.RawMessage) (*time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("created_at is not a string: %w", err)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("unrecognised timestamp %q", s)
}

func (c *Client) do(ctx context.Context, op, method, path string, body []byte, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return &Error{Op: op, Err: err}
		}
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, reader)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	requestID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", requestID)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("Backend request failed",
			zap.String("op", op),
			zap.String("request_id", requestID),
			zap.Error(err))
		return &Error{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	c.logger.Debug("Backend request",
		zap.String("op", op),
		zap.String("method", method),
		zap.String("path", path),
		zap.String("request_id", requestID),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text, _ := io.ReadAll(resp.Body)
		return &Error{Op: op, StatusCode: resp.StatusCode, Body: string(text)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func toSubmissionError(err error) error {
	gwErr, ok := err.(*Error)
	if !ok {
		return &SubmissionError{Err: err}
	}
	return &SubmissionError{StatusCode: gwErr.StatusCode, Body: gwErr.Body, Err: gwErr.Err}
}
