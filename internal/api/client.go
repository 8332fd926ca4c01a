package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"
)

// ClientOptions configures a gateway client. The client is constructed
// once at session start and passed by reference; there is no package-level
// instance.
type ClientOptions struct {
	// BaseURL is the API root, e.g. http://127.0.0.1:8000/api/v1.
	BaseURL string
	// Admin switches to the /admin/requests mirror and requires Token.
	Admin bool
	// Token is attached as a bearer credential when non-empty.
	Token string
	// Timeout bounds end-user calls. BatchTimeout bounds admin batch
	// calls, which may touch many rows server-side.
	Timeout      time.Duration
	BatchTimeout time.Duration
	// OnAuthFailure fires once per 401 before the error is returned,
	// typically to kick off a login redirect.
	OnAuthFailure func()
	HTTPClient    *http.Client
	Logger        *slog.Logger
}

// Client is the typed REST gateway. It is the sole legitimate source of
// authoritative request state for the stores; it holds no state of its
// own beyond configuration.
type Client struct {
	baseURL       string
	prefix        string
	token         string
	timeout       time.Duration
	batchTimeout  time.Duration
	onAuthFailure func()
	httpClient    *http.Client
	logger        *slog.Logger
}

func NewClient(opts ClientOptions) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8000/api/v1"
	}
	prefix := "/requests"
	if opts.Admin {
		prefix = "/admin/requests"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	batchTimeout := opts.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 30 * time.Second
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:       baseURL,
		prefix:        prefix,
		token:         strings.TrimSpace(opts.Token),
		timeout:       timeout,
		batchTimeout:  batchTimeout,
		onAuthFailure: opts.OnAuthFailure,
		httpClient:    httpClient,
		logger:        logger,
	}
}

// List fetches a page of request summaries, optionally filtered by status.
func (c *Client) List(ctx context.Context, status Status, skip, limit int) ([]RequestSummary, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", string(status))
	}
	q.Set("skip", fmt.Sprintf("%d", skip))
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	var out []RequestSummary
	err := c.doJSON(ctx, http.MethodGet, c.prefix+"/?"+q.Encode(), nil, &out, c.timeout)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []RequestSummary{}
	}
	return out, nil
}

// GetDetail fetches the full request record. Fails with ErrNotFound when
// the id no longer exists server-side.
func (c *Client) GetDetail(ctx context.Context, id int) (AnalysisRequest, error) {
	var out AnalysisRequest
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("%s/%d", c.prefix, id), nil, &out, c.timeout)
	return out, err
}

// Create submits a new analysis request as multipart form data. The
// created row normally also arrives via the push channel; callers must
// treat the two deliveries as idempotent duplicates.
func (c *Client) Create(ctx context.Context, in CreateInput) (AnalysisRequest, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if in.UserPrompt != "" {
		if err := writer.WriteField("user_prompt", in.UserPrompt); err != nil {
			return AnalysisRequest{}, parseError(err)
		}
	}
	for _, img := range in.Images {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="images"; filename=%q`, img.Filename))
		contentType := img.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		header.Set("Content-Type", contentType)
		part, err := writer.CreatePart(header)
		if err != nil {
			return AnalysisRequest{}, parseError(err)
		}
		if _, err := part.Write(img.Data); err != nil {
			return AnalysisRequest{}, parseError(err)
		}
	}
	if err := writer.Close(); err != nil {
		return AnalysisRequest{}, parseError(err)
	}

	var out AnalysisRequest
	err := c.do(ctx, http.MethodPost, c.prefix+"/", writer.FormDataContentType(), body.Bytes(), &out, c.timeout)
	return out, err
}

// Retry resets a failed request to Queued in place; the server emits
// request_updated for the same id.
func (c *Client) Retry(ctx context.Context, id int) (AnalysisRequest, error) {
	var out AnalysisRequest
	err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("%s/%d/retry", c.prefix, id), nil, &out, c.timeout)
	return out, err
}

// Regenerate creates a new request based on an existing one; the server
// emits request_created for the new id.
func (c *Client) Regenerate(ctx context.Context, id int) (AnalysisRequest, error) {
	var out AnalysisRequest
	err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("%s/%d/regenerate", c.prefix, id), nil, &out, c.timeout)
	return out, err
}

// Delete removes a request server-side.
func (c *Client) Delete(ctx context.Context, id int) error {
	return c.doJSON(ctx, http.MethodDelete, fmt.Sprintf("%s/%d", c.prefix, id), nil, nil, c.timeout)
}

// Batch applies delete or retry to a set of ids. Partial failure is
// expected and reported per-id; successes are committed regardless.
func (c *Client) Batch(ctx context.Context, action BatchAction, ids []int) (BatchResult, error) {
	payload := batchRequest{Action: action, RequestIDs: ids}
	var resp batchResponse
	err := c.doJSON(ctx, http.MethodPost, c.prefix+"/batch", payload, &resp, c.batchTimeout)
	if err != nil {
		return BatchResult{}, err
	}
	result := BatchResult{
		Message: resp.Message,
		Success: resp.Results.Success,
		Failed:  resp.Results.Failed,
	}
	if result.Success == nil {
		result.Success = []int{}
	}
	return result, nil
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body any, out any, timeout time.Duration) error {
	var bodyBytes []byte
	contentType := ""
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return parseError(err)
		}
		contentType = "application/json"
	}
	return c.do(ctx, method, requestPath, contentType, bodyBytes, out, timeout)
}

// do issues one request and maps the outcome onto the error taxonomy.
// There is no retry-on-timeout here: retry is a user intent, not a
// transport policy.
func (c *Client) do(ctx context.Context, method, requestPath, contentType string, body []byte, out any, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
	if err != nil {
		return networkError(err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return networkError(err)
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return networkError(readErr)
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil || len(payload) == 0 {
			return nil
		}
		if err := json.Unmarshal(payload, out); err != nil {
			return parseError(err)
		}
		return nil
	}

	apiErr := classifyStatus(resp.StatusCode, payload)
	if apiErr.Kind == ErrUnauthorized && c.onAuthFailure != nil {
		c.onAuthFailure()
	}
	c.logger.Debug("gateway call failed",
		"method", method, "path", requestPath, "status", resp.StatusCode, "kind", apiErr.Kind.Error())
	return apiErr
}
