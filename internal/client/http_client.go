// Package client talks to a running agent over its HTTP API. It satisfies
// jobs.Source so the poller can follow remote jobs.
package client

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

	"github.com/google/uuid"

	"github.com/seriesme/seriesme-agent/internal/apperr"
	"github.com/seriesme/seriesme-agent/internal/jobs"
)

// RemoteError is a non-2xx reply from the agent.
type RemoteError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("agent http %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agent http %d: %s", e.StatusCode, e.Message)
}

// Retryable is true for server errors and rate limiting. Other client errors
// are permanent.
func (e *RemoteError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Upload is an in-memory file part.
type Upload struct {
	Name string
	MIME string
	Data []byte
}

type GenerateRequest struct {
	Selfie  Upload
	Script  string
	Consent bool
	Audio   *Upload
	TTS     bool
}

type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewHTTPClient(baseURL, token string, logger *slog.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger: logger,
	}
}

// Submit posts a generate request and returns the new job id.
func (c *HTTPClient) Submit(ctx context.Context, req GenerateRequest) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	if err := writeFilePart(mw, "selfie", req.Selfie); err != nil {
		return "", err
	}
	if req.Audio != nil {
		if err := writeFilePart(mw, "audio", *req.Audio); err != nil {
			return "", err
		}
	}
	mw.WriteField("script", req.Script)
	mw.WriteField("consent", fmt.Sprint(req.Consent))
	if req.TTS {
		mw.WriteField("tts", "true")
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart body: %w", err)
	}

	c.logger.Info("submitting job to agent",
		"url", c.baseURL,
		"image_bytes", len(req.Selfie.Data),
		"with_audio", req.Audio != nil,
		"body_bytes", body.Len(),
	)

	var out struct {
		JobID string `json:"jobId"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/generate", mw.FormDataContentType(), &body, &out); err != nil {
		return "", err
	}
	if out.JobID == "" {
		return "", apperr.Remote("client.Submit", "Agent returned no job id", nil)
	}
	return out.JobID, nil
}

func (c *HTTPClient) Status(ctx context.Context, id string) (jobs.Status, error) {
	var st jobs.Status
	err := c.do(ctx, http.MethodGet, "/api/status?jobId="+url.QueryEscape(id), "", nil, &st)
	return st, err
}

func (c *HTTPClient) Result(ctx context.Context, id string) (*jobs.Result, error) {
	var res jobs.Result
	if err := c.do(ctx, http.MethodGet, "/api/result?jobId="+url.QueryEscape(id), "", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// MediaURL resolves a result path such as /media/jobs/{id}/video against the
// agent address.
func (c *HTTPClient) MediaURL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return c.baseURL + path
}

// Download streams a media path into w.
func (c *HTTPClient) Download(ctx context.Context, path string, w io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.MediaURL(path), nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, decodeError(resp)
	}
	return io.Copy(w, resp.Body)
}

func (c *HTTPClient) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString()[:8])
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// decodeError turns an {error, code} body into an error. Not found and
// validation replies keep their kind so callers can branch on them.
func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if json.Unmarshal(raw, &body) != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(raw))
	}
	remote := &RemoteError{StatusCode: resp.StatusCode, Code: body.Code, Message: body.Error}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return &apperr.Error{Kind: apperr.KindNotFound, Op: "client", Msg: body.Error, Err: remote}
	case http.StatusBadRequest:
		return &apperr.Error{Kind: apperr.KindValidation, Op: "client", Msg: body.Error, Err: remote}
	case http.StatusConflict:
		return &apperr.Error{Kind: apperr.KindNotReady, Op: "client", Msg: body.Error, Err: remote}
	}
	return remote
}

func writeFilePart(mw *multipart.Writer, field string, u Upload) error {
	name := u.Name
	if name == "" {
		name = field
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, name))
	if u.MIME != "" {
		h.Set("Content-Type", u.MIME)
	} else {
		h.Set("Content-Type", "application/octet-stream")
	}
	part, err := mw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create %s part: %w", field, err)
	}
	if _, err := part.Write(u.Data); err != nil {
		return fmt.Errorf("write %s part: %w", field, err)
	}
	return nil
}
