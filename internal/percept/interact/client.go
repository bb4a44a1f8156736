// Package interact talks to the object-interaction estimation service,
// which predicts per-detection 3D articulation evidence (motion type, axis,
// contact point, interaction region) in the camera frame. This client
// batches one request per frame, validates the response, and lifts every
// geometric quantity into the world frame using the frame's camera pose so
// downstream aggregation never sees camera-relative coordinates.
package interact

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

const (
	defaultTimeout = 120 * time.Second
	maxAttempts    = 3
	retryBaseDelay = time.Second
)

// Config configures the estimator client.
type Config struct {
	// BaseURL of the inference service, e.g. "http://127.0.0.1:9051".
	BaseURL string

	// Device is the inference device hint forwarded to the service.
	Device string

	HTTPClient *http.Client

	// RetryBaseDelay overrides the first retry backoff. Zero uses one
	// second; tests shorten it.
	RetryBaseDelay time.Duration
}

// Client is safe for concurrent use.
type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient validates the config and returns a ready client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, &percept.ConfigError{Field: "interaction.base_url", Err: errors.New("empty")}
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

type queryPoint struct {
	DetectionIndex int `json:"detection_index"`
	X              int `json:"x"`
	Y              int `json:"y"`
}

type estimateRequest struct {
	ImagePath string       `json:"image_path"`
	DepthPath string       `json:"depth_path,omitempty"`
	Device    string       `json:"device,omitempty"`
	Queries   []queryPoint `json:"queries"`
}

// wireEstimate carries one detection's evidence in the camera frame.
type wireEstimate struct {
	DetectionIndex int       `json:"detection_index"`
	Motion         string    `json:"motion"`
	Confidence     float64   `json:"confidence"`
	Axis           []float64 `json:"axis"`
	Origin         []float64 `json:"origin"`
	Contact        []float64 `json:"contact"`
	RegionMin      []float64 `json:"region_min"`
	RegionMax      []float64 `json:"region_max"`
}

type estimateResponse struct {
	Estimates []wireEstimate `json:"estimates"`
}

// EstimateFrame queries articulation evidence for every detection in one
// frame and returns world-frame interaction candidates. Detections the
// estimator cannot interpret are dropped with a diagnostic; an entirely
// uninterpretable frame returns an empty slice, not an error, because the
// detector already vouched for the frame.
func (c *Client) EstimateFrame(ctx context.Context, frame percept.Frame, detections []percept.Detection) ([]percept.InteractionCandidate, error) {
	if len(detections) == 0 {
		return nil, nil
	}
	if !frame.CameraPose.IsFinite() {
		return nil, &percept.ArtifactMismatchError{
			Stage:  "interact",
			Path:   frame.ImagePath,
			Reason: "non-finite camera pose",
		}
	}

	req := estimateRequest{
		ImagePath: frame.ImagePath,
		DepthPath: frame.DepthPath,
		Device:    c.cfg.Device,
	}
	for i, det := range detections {
		bbox := det.Mask.BBox
		req.Queries = append(req.Queries, queryPoint{
			DetectionIndex: i,
			X:              bbox.X0 + bbox.Width()/2,
			Y:              bbox.Y0 + bbox.Height()/2,
		})
	}

	var resp estimateResponse
	if err := c.post(ctx, "/v1/estimate", req, &resp); err != nil {
		return nil, err
	}

	candidates := make([]percept.InteractionCandidate, 0, len(resp.Estimates))
	for _, est := range resp.Estimates {
		if est.DetectionIndex < 0 || est.DetectionIndex >= len(detections) {
			diagf("[Estimate] Frame %s: estimate for unknown detection %d", frame.FrameID, est.DetectionIndex)
			continue
		}
		cand, err := liftEstimate(frame, detections[est.DetectionIndex], est)
		if err != nil {
			diagf("[Estimate] Frame %s: dropping estimate %d: %v", frame.FrameID, est.DetectionIndex, err)
			continue
		}
		candidates = append(candidates, cand)
	}
	tracef("[Estimate] Frame %s: %d/%d detections yielded candidates",
		frame.FrameID, len(candidates), len(detections))
	return candidates, nil
}

// liftEstimate validates one camera-frame estimate and transforms it into
// the world frame.
func liftEstimate(frame percept.Frame, det percept.Detection, est wireEstimate) (percept.InteractionCandidate, error) {
	motion, err := parseMotion(est.Motion)
	if err != nil {
		return percept.InteractionCandidate{}, err
	}
	if math.IsNaN(est.Confidence) || est.Confidence < 0 || est.Confidence > 1 {
		return percept.InteractionCandidate{}, fmt.Errorf("confidence %v out of range", est.Confidence)
	}

	axis, err := vec3From(est.Axis, "axis")
	if err != nil {
		return percept.InteractionCandidate{}, err
	}
	origin, err := vec3From(est.Origin, "origin")
	if err != nil {
		return percept.InteractionCandidate{}, err
	}
	contact, err := vec3From(est.Contact, "contact")
	if err != nil {
		return percept.InteractionCandidate{}, err
	}
	regionMin, err := vec3From(est.RegionMin, "region_min")
	if err != nil {
		return percept.InteractionCandidate{}, err
	}
	regionMax, err := vec3From(est.RegionMax, "region_max")
	if err != nil {
		return percept.InteractionCandidate{}, err
	}

	pose := frame.CameraPose
	worldAxis := pose.ApplyDirection(axis).Normalized()
	if motion != percept.MotionUnknown && worldAxis.Norm() < 1e-9 {
		return percept.InteractionCandidate{}, errors.New("degenerate axis direction")
	}

	// The camera-frame region box is axis-aligned only in camera space;
	// take the world AABB of its transformed corners.
	corners := make([]percept.Vec3, 0, 8)
	for _, x := range []float64{regionMin.X, regionMax.X} {
		for _, y := range []float64{regionMin.Y, regionMax.Y} {
			for _, z := range []float64{regionMin.Z, regionMax.Z} {
				corners = append(corners, pose.ApplyPoint(percept.Vec3{X: x, Y: y, Z: z}))
			}
		}
	}
	region := percept.AABBFromPoints(corners)

	return percept.InteractionCandidate{
		FrameID:        frame.FrameID,
		DetectionIndex: est.DetectionIndex,
		Label:          det.Label,
		Score:          det.Score * est.Confidence,
		Motion:         motion,
		AxisDirection:  worldAxis,
		AxisOrigin:     pose.ApplyPoint(origin),
		Contact:        pose.ApplyPoint(contact),
		Region:         region,
	}, nil
}

func parseMotion(s string) (percept.MotionType, error) {
	switch s {
	case "revolute", "rotation":
		return percept.MotionRevolute, nil
	case "prismatic", "translation":
		return percept.MotionPrismatic, nil
	case "unknown", "fixed", "":
		return percept.MotionUnknown, nil
	}
	return percept.MotionUnknown, fmt.Errorf("unrecognized motion type %q", s)
}

func vec3From(v []float64, field string) (percept.Vec3, error) {
	if len(v) != 3 {
		return percept.Vec3{}, fmt.Errorf("%s has %d components", field, len(v))
	}
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return percept.Vec3{}, fmt.Errorf("%s has non-finite component", field)
		}
	}
	return percept.Vec3{X: v[0], Y: v[1], Z: v[2]}, nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return &percept.ServiceError{Service: "interaction", Err: err}
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := c.cfg.RetryBaseDelay * time.Duration(1<<(attempt-2))
			diagf("[Estimate] Retry %d/%d after %s: %v", attempt, maxAttempts, delay, lastErr)
			select {
			case <-ctx.Done():
				return &percept.ServiceError{Service: "interaction", Err: ctx.Err()}
			case <-time.After(delay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
		if err != nil {
			return &percept.ServiceError{Service: "interaction", Err: err}
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
				return &percept.ServiceError{Service: "interaction", Err: fmt.Errorf("decode response: %w", err)}
			}
			return nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			lastErr = fmt.Errorf("status %d", resp.StatusCode)
			continue
		default:
			return &percept.ServiceError{
				Service: "interaction",
				Err:     fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(data)),
			}
		}
	}
	return &percept.ServiceError{Service: "interaction", Err: fmt.Errorf("after %d attempts: %w", maxAttempts, lastErr)}
}
