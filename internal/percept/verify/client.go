package verify

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/1e100/drawer/internal/percept"
)

const (
	defaultModel          = "gpt-4o"
	defaultBaseURL        = "https://api.openai.com/v1/chat/completions"
	defaultHTTPTimeout    = 60 * time.Second
	defaultRetryAttempts  = 3
	defaultRetryBaseDelay = 1 * time.Second
	defaultRetryMaxDelay  = 10 * time.Second
)

const systemPrompt = `You are verifying candidate articulated parts (doors, drawers, cabinet fronts) detected in 3D scans of rooms. You are shown image crops of one candidate and a summary of its fitted motion model. Respond with JSON only: {"verdict": "confirm"|"reject"|"merge"|"split", "name": "<short semantic name>", "merge_with": ["<track id>", ...], "confidence": 0.0-1.0, "reason": "<one sentence>"}. Use "merge" only with track ids from the offered list. Use "split" if the crops clearly show two different parts.`

// Config captures the runtime settings for the vision-language verifier.
// The API key comes from the environment at startup and is never persisted.
type Config struct {
	APIKey         string
	BaseURL        string
	Model          string
	TimeoutSeconds int
}

// Client verifies tracks against an OpenAI-style vision chat completion
// endpoint. It implements Service.
type Client struct {
	cfg        Config
	httpClient *http.Client

	retryMaxAttempts int
	retryBaseDelay   time.Duration
	retryMaxDelay    time.Duration
	sleeper          func(time.Duration)
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithRetryMaxAttempts overrides the default retry count.
func WithRetryMaxAttempts(attempts int) Option {
	return func(c *Client) { c.retryMaxAttempts = attempts }
}

// WithRetryBackoff overrides the retry backoff delays.
func WithRetryBackoff(baseDelay, maxDelay time.Duration) Option {
	return func(c *Client) {
		c.retryBaseDelay = baseDelay
		c.retryMaxDelay = maxDelay
	}
}

// WithSleeper overrides how retry sleeps are performed. Tests use it to
// avoid real delays.
func WithSleeper(sleeper func(time.Duration)) Option {
	return func(c *Client) { c.sleeper = sleeper }
}

// NewClient constructs a verifier client. A missing API key is a
// ConfigError: verification must fail before any stage work begins, not on
// the first track.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	if cfg.APIKey == "" {
		return nil, &percept.ConfigError{Field: "verify.api_key", Err: errors.New("not set")}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	c := &Client{
		cfg:              cfg,
		httpClient:       &http.Client{Timeout: timeout},
		retryMaxAttempts: defaultRetryAttempts,
		retryBaseDelay:   defaultRetryBaseDelay,
		retryMaxDelay:    defaultRetryMaxDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
			Refusal string `json:"refusal"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type httpStatusError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("verify request: http %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

// VerifyTrack implements Service against the chat completion endpoint.
func (c *Client) VerifyTrack(ctx context.Context, req Request) (Decision, error) {
	msg, err := buildUserMessage(req)
	if err != nil {
		return Decision{}, err
	}
	payload := chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: []contentPart{{Type: "text", Text: systemPrompt}}},
			msg,
		},
		Temperature:    0,
		ResponseFormat: map[string]string{"type": "json_object"},
	}

	content, err := c.completeWithRetry(ctx, payload)
	if err != nil {
		return Decision{}, err
	}

	var decision Decision
	if err := decodeModelJSON(content, &decision); err != nil {
		return Decision{}, &percept.ServiceError{Service: "llm", Err: fmt.Errorf("parse decision: %w", err)}
	}
	decision.Verdict = strings.ToLower(strings.TrimSpace(decision.Verdict))
	if decision.Confidence < 0 {
		decision.Confidence = 0
	}
	if decision.Confidence > 1 {
		decision.Confidence = 1
	}
	tracef("[Verify] %s: verdict=%s name=%q confidence=%.2f", req.TrackID, decision.Verdict, decision.Name, decision.Confidence)
	return decision, nil
}

// buildUserMessage assembles the evidence message: a textual summary of the
// track and its fit, followed by the crop images inline as data URLs.
func buildUserMessage(req Request) (chatMessage, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Candidate part %s.\n", req.TrackID)
	if len(req.Labels) > 0 {
		fmt.Fprintf(&sb, "Detector labels: %s.\n", strings.Join(req.Labels, ", "))
	}
	if req.Fit != nil {
		fmt.Fprintf(&sb, "Fitted motion: %s, axis (%.2f, %.2f, %.2f), residual %.3f rad.\n",
			req.Fit.Motion, req.Fit.Axis.X, req.Fit.Axis.Y, req.Fit.Axis.Z, req.Fit.Residual)
	} else {
		sb.WriteString("No motion model could be fitted; members disagreed.\n")
	}
	if len(req.MergeCandidates) > 0 {
		fmt.Fprintf(&sb, "Nearby tracks eligible for merge: %s.\n", strings.Join(req.MergeCandidates, ", "))
	}

	parts := []contentPart{{Type: "text", Text: sb.String()}}
	for _, path := range req.CropPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			return chatMessage{}, &percept.ServiceError{Service: "llm", Err: fmt.Errorf("read crop %s: %w", path, err)}
		}
		parts = append(parts, contentPart{
			Type: "image_url",
			ImageURL: &imageURL{
				URL: fmt.Sprintf("data:%s;base64,%s", mimeType(path), base64.StdEncoding.EncodeToString(data)),
			},
		})
	}
	return chatMessage{Role: "user", Content: parts}, nil
}

func mimeType(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".png") {
		return "image/png"
	}
	return "image/jpeg"
}

func (c *Client) completeWithRetry(ctx context.Context, payload chatRequest) (string, error) {
	attempts := c.retryMaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		content, err := c.sendOnce(ctx, payload)
		if err == nil {
			return content, nil
		}
		lastErr = err

		delay, retry := c.retryDelay(err, attempt, attempts)
		if !retry || ctx.Err() != nil {
			return "", &percept.ServiceError{Service: "llm", Err: err}
		}
		diagf("[Verify] Attempt %d/%d failed, retrying in %s: %v", attempt, attempts, delay, err)
		if err := c.sleep(ctx, delay); err != nil {
			return "", &percept.ServiceError{Service: "llm", Err: err}
		}
	}
	return "", &percept.ServiceError{Service: "llm", Err: fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)}
}

func (c *Client) sendOnce(ctx context.Context, payload chatRequest) (string, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(encoded))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		retryAfter, _ := parseRetryAfter(resp.Header.Get("Retry-After"))
		return "", &httpStatusError{
			StatusCode: resp.StatusCode,
			Body:       string(body),
			RetryAfter: retryAfter,
		}
	}

	var completion chatResponse
	if err := json.Unmarshal(body, &completion); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if completion.Error != nil {
		return "", fmt.Errorf("api error: %s", strings.TrimSpace(completion.Error.Message))
	}
	for _, choice := range completion.Choices {
		if content := strings.TrimSpace(choice.Message.Content); content != "" {
			return content, nil
		}
		if refusal := strings.TrimSpace(choice.Message.Refusal); refusal != "" {
			return "", fmt.Errorf("model refused: %s", refusal)
		}
	}
	return "", errors.New("empty completion content")
}

func (c *Client) retryDelay(err error, attempt, attempts int) (time.Duration, bool) {
	if attempt >= attempts {
		return 0, false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return 0, false
	}

	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusTooManyRequests,
			statusErr.StatusCode == http.StatusRequestTimeout,
			statusErr.StatusCode >= http.StatusInternalServerError:
			if statusErr.RetryAfter > 0 {
				return c.capDelay(statusErr.RetryAfter), true
			}
			return c.backoffDelay(attempt), true
		default:
			return 0, false
		}
	}
	// Transport errors are worth one more try; malformed payloads are not.
	var netLike interface{ Timeout() bool }
	if errors.As(err, &netLike) {
		return c.backoffDelay(attempt), true
	}
	return 0, false
}

func (c *Client) backoffDelay(attempt int) time.Duration {
	delay := c.retryBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return c.capDelay(delay)
}

func (c *Client) capDelay(delay time.Duration) time.Duration {
	if c.retryMaxDelay > 0 && delay > c.retryMaxDelay {
		return c.retryMaxDelay
	}
	if delay < 0 {
		return 0
	}
	return delay
}

func (c *Client) sleep(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	if c.sleeper != nil {
		c.sleeper(delay)
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func parseRetryAfter(value string) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if when, err := http.ParseTime(value); err == nil {
		if delay := time.Until(when); delay > 0 {
			return delay, true
		}
	}
	return 0, false
}

// decodeModelJSON decodes JSON from a model response, tolerating code
// fences and leading prose around the object.
func decodeModelJSON(content string, target any) error {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return errors.New("empty payload")
	}
	if err := json.Unmarshal([]byte(trimmed), target); err == nil {
		return nil
	}
	if stripped := stripCodeFence(trimmed); stripped != trimmed {
		if err := json.Unmarshal([]byte(stripped), target); err == nil {
			return nil
		}
		trimmed = stripped
	}
	start := strings.IndexByte(trimmed, '{')
	end := strings.LastIndexByte(trimmed, '}')
	if start >= 0 && end > start {
		return json.Unmarshal([]byte(trimmed[start:end+1]), target)
	}
	return fmt.Errorf("no JSON object in payload %q", snippet(trimmed))
}

func stripCodeFence(content string) string {
	if !strings.HasPrefix(content, "```") {
		return content
	}
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(strings.TrimSpace(content), "```")
	return strings.TrimSpace(content)
}

func snippet(s string) string {
	if len(s) > 120 {
		return s[:120] + "..."
	}
	return s
}
