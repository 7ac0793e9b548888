package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dmorton/parcelbatch/constants"
	"github.com/dmorton/parcelbatch/internal/common"
)

// Client talks to the valuation backend's batch-analysis endpoints. It owns
// nothing but the wire contract; job state lives in the registry.
type Client struct {
	baseURL string
	apiKey  string
	userID  string
	email   string
	http    *http.Client
	logger  *slog.Logger
}

func NewClient(cfg common.APIConfig, hc *http.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		userID:  cfg.UserID,
		email:   cfg.UserEmail,
		http:    hc,
		logger:  logger,
	}
}

// SubmitRequest carries one upload to POST /analyze/batch.
type SubmitRequest struct {
	Filename string
	Content  io.Reader
	// Mapping renames source columns to the backend's canonical names,
	// e.g. {"Lat": "PropertyLatitude"}. Empty means let the backend
	// auto-detect latitude/longitude columns.
	Mapping  map[string]string
	Priority constants.JobPriority
	Username string
	DryRun   bool
}

// SubmitBatch uploads a tabular file and returns the server-assigned job id.
func (c *Client) SubmitBatch(ctx context.Context, sub SubmitRequest) (string, error) {
	reqID := uuid.New().String()
	start := time.Now()

	var body strings.Builder
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", sub.Filename)
	if err != nil {
		return "", fmt.Errorf("build multipart body: %w", err)
	}
	if _, err := io.Copy(fw, sub.Content); err != nil {
		return "", fmt.Errorf("read upload file: %w", err)
	}
	if len(sub.Mapping) > 0 {
		bs, err := json.Marshal(sub.Mapping)
		if err != nil {
			return "", fmt.Errorf("encode column mapping: %w", err)
		}
		if err := mw.WriteField("column_mapping", string(bs)); err != nil {
			return "", fmt.Errorf("build multipart body: %w", err)
		}
	}
	fields := map[string]string{
		"user_id":  c.userID,
		"username": sub.Username,
		"priority": string(sub.Priority),
		"dry_run":  strconv.FormatBool(sub.DryRun),
	}
	if c.email != "" {
		fields["email"] = c.email
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return "", fmt.Errorf("build multipart body: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("build multipart body: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/analyze/batch", strings.NewReader(body.String()), reqID)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	c.logger.Info("api.submit.request",
		"req_id", reqID,
		"filename", sub.Filename,
		"mapped_columns", len(sub.Mapping),
		"priority", sub.Priority,
		"dry_run", sub.DryRun,
	)

	raw, status, err := c.do(req, reqID, start)
	if err != nil {
		return "", common.NewAppError("SUBMISSION_ERROR", "upload did not reach the server", common.ErrSubmission)
	}
	if status/100 != 2 {
		detail := ExtractDetail(raw)
		if detail == "" {
			detail = fmt.Sprintf("server rejected submission (HTTP %d)", status)
		}
		return "", common.NewAppError("SUBMISSION_ERROR", detail, common.ErrSubmission)
	}
	return ExtractJobID(raw)
}

// Progress fetches GET /batch/progress/{jobID} and normalizes the response.
// Errors are classified for the poller: ErrJobNotFound for 404/410,
// ErrServerUnavailable for transport failures and 5xx. Anything else is
// transient.
func (c *Client) Progress(ctx context.Context, jobID string) (ProgressReport, error) {
	reqID := uuid.New().String()
	start := time.Now()

	req, err := c.newRequest(ctx, http.MethodGet, "/batch/progress/"+url.PathEscape(jobID), nil, reqID)
	if err != nil {
		return ProgressReport{}, err
	}

	raw, status, err := c.do(req, reqID, start)
	if err != nil {
		if ctx.Err() != nil {
			return ProgressReport{}, ctx.Err()
		}
		return ProgressReport{}, common.NewAppError("POLL_TRANSPORT", "progress request failed", common.ErrServerUnavailable)
	}
	switch {
	case status == http.StatusNotFound || status == http.StatusGone:
		return ProgressReport{}, common.NewAppError("POLL_NOT_FOUND", "job "+jobID+" is gone server-side", common.ErrJobNotFound)
	case status >= 500:
		return ProgressReport{}, common.NewAppError("POLL_TRANSPORT", fmt.Sprintf("server error (HTTP %d)", status), common.ErrServerUnavailable)
	case status/100 != 2:
		return ProgressReport{}, fmt.Errorf("unexpected progress status %d", status)
	}
	return NormalizeProgress(raw)
}

// Cancel issues the best-effort cancellation call. The response body is not
// required for correctness; the worker aborts when it next checks the status.
func (c *Client) Cancel(ctx context.Context, jobID string) error {
	reqID := uuid.New().String()
	start := time.Now()

	req, err := c.newRequest(ctx, http.MethodGet, "/batch/cancel/"+url.PathEscape(jobID), nil, reqID)
	if err != nil {
		return err
	}
	_, status, err := c.do(req, reqID, start)
	if err != nil {
		return common.NewAppError("CANCEL_ERROR", "cancel request did not reach the server", common.ErrCancel)
	}
	if status/100 != 2 {
		return common.NewAppError("CANCEL_ERROR", fmt.Sprintf("server refused cancel (HTTP %d)", status), common.ErrCancel)
	}
	return nil
}

// Download streams the finished CSV for jobID into w and returns the byte
// count. resultURL, when the progress payload supplied one, takes precedence
// over the conventional download path.
func (c *Client) Download(ctx context.Context, jobID, resultURL string, w io.Writer) (int64, error) {
	reqID := uuid.New().String()
	start := time.Now()

	path := resultURL
	if path == "" {
		path = "/batch/download/" + url.PathEscape(jobID)
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil, reqID)
	if err != nil {
		return 0, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Error("api.download.send_error", "req_id", reqID, "job_id", jobID, "error", err)
		return 0, common.NewAppError("DOWNLOAD_ERROR", "download request failed", common.ErrDownload)
	}
	defer closeBody(resp.Body, c.logger, reqID)

	if resp.StatusCode/100 != 2 {
		raw, _ := io.ReadAll(resp.Body)
		detail := ExtractDetail(raw)
		if detail == "" {
			detail = fmt.Sprintf("result not available (HTTP %d)", resp.StatusCode)
		}
		return 0, common.NewAppError("DOWNLOAD_ERROR", detail, common.ErrDownload)
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, common.NewAppError("DOWNLOAD_ERROR", "stream interrupted", common.ErrDownload)
	}
	c.logger.Info("api.download.ok",
		"req_id", reqID,
		"job_id", jobID,
		"bytes", n,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return n, nil
}

// RemoteJob is one row of GET /batch/jobs. Read-only; never enters the
// registry.
type RemoteJob struct {
	JobID         string `json:"job_id"`
	UserID        string `json:"user_id"`
	Username      string `json:"username"`
	Filename      string `json:"filename"`
	Status        string `json:"status"`
	Priority      string `json:"priority"`
	TotalRows     int    `json:"total_rows"`
	CompletedRows int    `json:"completed_rows"`
	FailedRows    int    `json:"failed_rows"`
	ErrorMessage  string `json:"error_message"`
	CreatedAt     string `json:"created_at"`
}

// ListJobs fetches recent jobs as the server knows them, scoped to this
// client's user when one is configured.
func (c *Client) ListJobs(ctx context.Context, limit int) ([]RemoteJob, error) {
	reqID := uuid.New().String()
	start := time.Now()

	q := url.Values{}
	if c.userID != "" {
		q.Set("user_id", c.userID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/batch/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil, reqID)
	if err != nil {
		return nil, err
	}
	raw, status, err := c.do(req, reqID, start)
	if err != nil {
		return nil, common.WrapError(err, "list jobs")
	}
	if status/100 != 2 {
		return nil, fmt.Errorf("list jobs: unexpected status %d", status)
	}
	var jobs []RemoteJob
	if err := json.Unmarshal(raw, &jobs); err != nil {
		return nil, fmt.Errorf("decode job list: %w", err)
	}
	return jobs, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader, reqID string) (*http.Request, error) {
	target := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		target = c.baseURL + path
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("X-Request-Id", reqID)
	// user identity is best-effort from the client's side; the backend is the
	// enforcement point
	if c.userID != "" {
		req.Header.Set("X-User-Id", c.userID)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, reqID string, start time.Time) ([]byte, int, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Error("api.send_error",
			"req_id", reqID,
			"url", req.URL.Path,
			"error", err,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return nil, 0, err
	}
	defer closeBody(resp.Body, c.logger, reqID)

	raw, _ := io.ReadAll(resp.Body)
	c.logger.Info("api.response",
		"req_id", reqID,
		"url", req.URL.Path,
		"status", resp.StatusCode,
		"bytes", len(raw),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return raw, resp.StatusCode, nil
}

func closeBody(body io.ReadCloser, logger *slog.Logger, reqID string) {
	if err := body.Close(); err != nil {
		logger.Warn("api.response_body_close_error", "req_id", reqID, "error", err)
	}
}
