// Package detect talks to the open-vocabulary detection and segmentation
// service. The service holds the grounded detector and promptable segmenter
// on the inference device; this client sends one request per frame and
// validates the loosely-typed response into detections the rest of the
// pipeline can trust.
package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/1e100/drawer/internal/percept"
)

// Defaults applied when Config fields are zero. The prompt names the
// articulated furniture categories the pipeline handles.
const (
	DefaultPrompt        = "door. drawer. cabinet door. refrigerator door. oven door. dishwasher door."
	DefaultHandlePrompt  = "handle"
	DefaultBoxThreshold  = 0.3
	DefaultTextThreshold = 0.25
	defaultTimeout       = 120 * time.Second
	maxAttempts          = 3
	retryBaseDelay       = time.Second
)

// Config configures the detection client.
type Config struct {
	// BaseURL of the inference service, e.g. "http://127.0.0.1:9050".
	BaseURL string

	// Prompt is the period-separated open-vocabulary query. Empty uses
	// DefaultPrompt.
	Prompt string

	// HandlePrompt is the query for the handle refinement pass.
	HandlePrompt string

	BoxThreshold  float64
	TextThreshold float64

	// Device is the inference device hint forwarded to the service.
	Device string

	HTTPClient *http.Client

	// RetryBaseDelay overrides the first retry backoff. Zero uses one
	// second; tests shorten it.
	RetryBaseDelay time.Duration
}

// Client is safe for concurrent use; the service serializes device access
// on its side.
type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient validates the config and returns a ready client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, &percept.ConfigError{Field: "detector.base_url", Err: errors.New("empty")}
	}
	if cfg.Prompt == "" {
		cfg.Prompt = DefaultPrompt
	}
	if cfg.HandlePrompt == "" {
		cfg.HandlePrompt = DefaultHandlePrompt
	}
	if cfg.BoxThreshold == 0 {
		cfg.BoxThreshold = DefaultBoxThreshold
	}
	if cfg.TextThreshold == 0 {
		cfg.TextThreshold = DefaultTextThreshold
	}
	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = retryBaseDelay
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{cfg: cfg, http: httpClient}, nil
}

type detectRequest struct {
	ImagePath     string  `json:"image_path"`
	Prompt        string  `json:"prompt"`
	BoxThreshold  float64 `json:"box_threshold"`
	TextThreshold float64 `json:"text_threshold"`
	Device        string  `json:"device,omitempty"`

	// Region restricts detection to a pixel rectangle, used by the handle
	// refinement pass. Nil means the full frame.
	Region *percept.PixelRect `json:"region,omitempty"`
}

type wireDetection struct {
	Label string    `json:"label"`
	Score float64   `json:"score"`
	Box   []float64 `json:"box"` // [x0, y0, x1, y1] pixels
	RLE   []int     `json:"rle"`
}

type detectResponse struct {
	Detections []wireDetection `json:"detections"`
}

// DetectFrame runs open-vocabulary detection on one frame. A frame in
// which the service finds nothing returns DetectionFailureError; the caller
// records and skips it.
func (c *Client) DetectFrame(ctx context.Context, frame percept.Frame) ([]percept.Detection, error) {
	return c.detect(ctx, frame, c.cfg.Prompt, nil)
}

// DetectHandles runs the handle refinement pass restricted to a part's
// pixel region. Failures here are advisory: a part without a refined handle
// region is still a valid part.
func (c *Client) DetectHandles(ctx context.Context, frame percept.Frame, region percept.PixelRect) ([]percept.Detection, error) {
	return c.detect(ctx, frame, c.cfg.HandlePrompt, &region)
}

func (c *Client) detect(ctx context.Context, frame percept.Frame, prompt string, region *percept.PixelRect) ([]percept.Detection, error) {
	req := detectRequest{
		ImagePath:     frame.ImagePath,
		Prompt:        prompt,
		BoxThreshold:  c.cfg.BoxThreshold,
		TextThreshold: c.cfg.TextThreshold,
		Device:        c.cfg.Device,
		Region:        region,
	}
	var resp detectResponse
	if err := c.post(ctx, "/v1/detect", req, &resp); err != nil {
		return nil, err
	}

	detections := make([]percept.Detection, 0, len(resp.Detections))
	for i, wd := range resp.Detections {
		det, err := validateDetection(frame, wd)
		if err != nil {
			diagf("[Detect] Frame %s: dropping detection %d: %v", frame.FrameID, i, err)
			continue
		}
		detections = append(detections, det)
	}
	if len(detections) == 0 {
		return nil, &percept.DetectionFailureError{FrameID: frame.FrameID}
	}
	tracef("[Detect] Frame %s: %d detections (prompt %q)", frame.FrameID, len(detections), prompt)
	return detections, nil
}

// validateDetection converts one loosely-typed wire detection, rejecting
// anything that would poison downstream geometry.
func validateDetection(frame percept.Frame, wd wireDetection) (percept.Detection, error) {
	if wd.Label == "" {
		return percept.Detection{}, errors.New("empty label")
	}
	if math.IsNaN(wd.Score) || wd.Score < 0 || wd.Score > 1 {
		return percept.Detection{}, fmt.Errorf("score %v out of range", wd.Score)
	}
	if len(wd.Box) != 4 {
		return percept.Detection{}, fmt.Errorf("box has %d coordinates", len(wd.Box))
	}
	for _, v := range wd.Box {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return percept.Detection{}, errors.New("non-finite box coordinate")
		}
	}
	rect := percept.PixelRect{
		X0: int(wd.Box[0]), Y0: int(wd.Box[1]),
		X1: int(math.Ceil(wd.Box[2])), Y1: int(math.Ceil(wd.Box[3])),
	}
	if rect.Width() <= 0 || rect.Height() <= 0 {
		return percept.Detection{}, errors.New("degenerate box")
	}

	mask := percept.Mask{BBox: rect, RLE: wd.RLE}
	pixels := rect.Width() * rect.Height()
	runTotal := 0
	for _, run := range wd.RLE {
		if run < 0 {
			return percept.Detection{}, errors.New("negative RLE run")
		}
		runTotal += run
	}
	if len(wd.RLE) > 0 && runTotal != pixels {
		return percept.Detection{}, fmt.Errorf("RLE covers %d pixels, box has %d", runTotal, pixels)
	}

	return percept.Detection{
		FrameID: frame.FrameID,
		Label:   wd.Label,
		Score:   wd.Score,
		Mask:    mask,
	}, nil
}

// post sends one JSON request with bounded retries on transport errors and
// retryable statuses. Definitive failures surface immediately as
// ServiceError.
func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return &percept.ServiceError{Service: "detector", Err: err}
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := c.cfg.RetryBaseDelay * time.Duration(1<<(attempt-2))
			diagf("[Detect] Retry %d/%d after %s: %v", attempt, maxAttempts, delay, lastErr)
			select {
			case <-ctx.Done():
				return &percept.ServiceError{Service: "detector", Err: ctx.Err()}
			case <-time.After(delay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
		if err != nil {
			return &percept.ServiceError{Service: "detector", Err: err}
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			if err := json.Unmarshal(data, out); err != nil {
				return &percept.ServiceError{Service: "detector", Err: fmt.Errorf("decode response: %w", err)}
			}
			return nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			lastErr = fmt.Errorf("status %d: %s", resp.StatusCode, truncate(data, 200))
			continue
		default:
			return &percept.ServiceError{
				Service: "detector",
				Err:     fmt.Errorf("status %d: %s", resp.StatusCode, truncate(data, 200)),
			}
		}
	}
	return &percept.ServiceError{Service: "detector", Err: fmt.Errorf("after %d attempts: %w", maxAttempts, lastErr)}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
