package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig holds the tunable policy parameters for the perception
// pipeline. Association thresholds and the minimum member count are
// scene-scale-dependent; they are exposed here rather than hardcoded so a
// scan of a small closet and a scan of an open-plan kitchen can both be
// processed without code changes.
//
// Pointer fields distinguish "not set" from zero: fields omitted from the
// JSON file keep their defaults, so partial configs are safe.
type TuningConfig struct {
	// Frame sampling
	MaxFrames   *int   `json:"max_frames,omitempty"`
	FrameStride *int   `json:"frame_stride,omitempty"`
	Seed        *int64 `json:"seed,omitempty"`

	// Detector params
	TextPrompt    *string  `json:"text_prompt,omitempty"`
	HandlePrompt  *string  `json:"handle_prompt,omitempty"`
	BoxThreshold  *float64 `json:"box_threshold,omitempty"`
	TextThreshold *float64 `json:"text_threshold,omitempty"`
	Device        *string  `json:"device,omitempty"`
	DeviceSlots   *int     `json:"device_slots,omitempty"`

	// Track association params
	AssociationIoU            *float64 `json:"association_iou,omitempty"`
	AssociationRadiusFraction *float64 `json:"association_radius_fraction,omitempty"`
	MinTrackMembers           *int     `json:"min_track_members,omitempty"`

	// Articulation fitting params
	ResidualTolerance     *float64 `json:"residual_tolerance,omitempty"`
	MotionEvidenceSpread  *float64 `json:"motion_evidence_spread,omitempty"`
	DefaultRevoluteRange  *float64 `json:"default_revolute_range,omitempty"`
	DefaultPrismaticRange *float64 `json:"default_prismatic_range,omitempty"`

	// Verification params
	VerifyMaxConcurrent *int `json:"verify_max_concurrent,omitempty"`
	VerifyMaxAttempts   *int `json:"verify_max_attempts,omitempty"`
	VerifyTimeoutSecs   *int `json:"verify_timeout_secs,omitempty"`
}

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the
// max file size. Fields omitted from the JSON retain their default values.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	if c.MaxFrames != nil && *c.MaxFrames < 1 {
		return fmt.Errorf("max_frames must be >= 1, got %d", *c.MaxFrames)
	}
	if c.FrameStride != nil && *c.FrameStride < 1 {
		return fmt.Errorf("frame_stride must be >= 1, got %d", *c.FrameStride)
	}
	if c.BoxThreshold != nil {
		if *c.BoxThreshold < 0 || *c.BoxThreshold > 1 {
			return fmt.Errorf("box_threshold must be between 0 and 1, got %f", *c.BoxThreshold)
		}
	}
	if c.TextThreshold != nil {
		if *c.TextThreshold < 0 || *c.TextThreshold > 1 {
			return fmt.Errorf("text_threshold must be between 0 and 1, got %f", *c.TextThreshold)
		}
	}
	if c.AssociationIoU != nil {
		if *c.AssociationIoU < 0 || *c.AssociationIoU > 1 {
			return fmt.Errorf("association_iou must be between 0 and 1, got %f", *c.AssociationIoU)
		}
	}
	if c.AssociationRadiusFraction != nil && *c.AssociationRadiusFraction <= 0 {
		return fmt.Errorf("association_radius_fraction must be positive, got %f", *c.AssociationRadiusFraction)
	}
	if c.MinTrackMembers != nil && *c.MinTrackMembers < 1 {
		return fmt.Errorf("min_track_members must be >= 1, got %d", *c.MinTrackMembers)
	}
	if c.ResidualTolerance != nil && *c.ResidualTolerance <= 0 {
		return fmt.Errorf("residual_tolerance must be positive, got %f", *c.ResidualTolerance)
	}
	if c.DeviceSlots != nil && *c.DeviceSlots < 1 {
		return fmt.Errorf("device_slots must be >= 1, got %d", *c.DeviceSlots)
	}
	if c.VerifyMaxConcurrent != nil && *c.VerifyMaxConcurrent < 1 {
		return fmt.Errorf("verify_max_concurrent must be >= 1, got %d", *c.VerifyMaxConcurrent)
	}
	return nil
}

// GetMaxFrames returns the max_frames value or the default.
func (c *TuningConfig) GetMaxFrames() int {
	if c.MaxFrames == nil {
		return 1500 // default, matches the reconstruction stage budget
	}
	return *c.MaxFrames
}

// GetFrameStride returns the frame_stride value or the default.
func (c *TuningConfig) GetFrameStride() int {
	if c.FrameStride == nil {
		return 1
	}
	return *c.FrameStride
}

// GetSeed returns the seed value or the default. The seed is threaded
// explicitly through every stage invocation; no process-wide RNG state.
func (c *TuningConfig) GetSeed() int64 {
	if c.Seed == nil {
		return 42 // fixed default for reproducibility
	}
	return *c.Seed
}

// GetTextPrompt returns the detector text prompt or the default door set.
func (c *TuningConfig) GetTextPrompt() string {
	if c.TextPrompt == nil {
		return "drawer. drawer door. cabinet door. drawer face. drawer front. " +
			"fridge door. fridge front. refridgerator door. refridgerator front."
	}
	return *c.TextPrompt
}

// GetHandlePrompt returns the handle-pass text prompt or the default.
func (c *TuningConfig) GetHandlePrompt() string {
	if c.HandlePrompt == nil {
		return "handle"
	}
	return *c.HandlePrompt
}

// GetBoxThreshold returns the box_threshold value or the default.
func (c *TuningConfig) GetBoxThreshold() float64 {
	if c.BoxThreshold == nil {
		return 0.3
	}
	return *c.BoxThreshold
}

// GetTextThreshold returns the text_threshold value or the default.
func (c *TuningConfig) GetTextThreshold() float64 {
	if c.TextThreshold == nil {
		return 0.25
	}
	return *c.TextThreshold
}

// GetDevice returns the inference device or the default.
func (c *TuningConfig) GetDevice() string {
	if c.Device == nil {
		return "cuda"
	}
	return *c.Device
}

// GetDeviceSlots returns the number of concurrent inference workers. Each
// slot holds the device exclusively; oversubscription is never attempted.
func (c *TuningConfig) GetDeviceSlots() int {
	if c.DeviceSlots == nil {
		return 1
	}
	return *c.DeviceSlots
}

// GetAssociationIoU returns the association_iou value or the default.
func (c *TuningConfig) GetAssociationIoU() float64 {
	if c.AssociationIoU == nil {
		return 0.2
	}
	return *c.AssociationIoU
}

// GetAssociationRadiusFraction returns the centroid-distance association
// threshold as a fraction of the scene diagonal.
func (c *TuningConfig) GetAssociationRadiusFraction() float64 {
	if c.AssociationRadiusFraction == nil {
		return 0.05
	}
	return *c.AssociationRadiusFraction
}

// GetMinTrackMembers returns the min_track_members value or the default.
func (c *TuningConfig) GetMinTrackMembers() int {
	if c.MinTrackMembers == nil {
		return 3
	}
	return *c.MinTrackMembers
}

// GetResidualTolerance returns the fit residual tolerance in radians.
func (c *TuningConfig) GetResidualTolerance() float64 {
	if c.ResidualTolerance == nil {
		return 0.26 // ~15 degrees
	}
	return *c.ResidualTolerance
}

// GetMotionEvidenceSpread returns the minimum spread of member displacements
// (metres for prismatic, radians for revolute) treated as genuine motion
// evidence rather than estimation noise.
func (c *TuningConfig) GetMotionEvidenceSpread() float64 {
	if c.MotionEvidenceSpread == nil {
		return 0.02
	}
	return *c.MotionEvidenceSpread
}

// GetDefaultRevoluteRange returns the conservative revolute range bound in
// radians used when no motion evidence exists.
func (c *TuningConfig) GetDefaultRevoluteRange() float64 {
	if c.DefaultRevoluteRange == nil {
		return 1.5708 // pi/2, a door that opens 90 degrees
	}
	return *c.DefaultRevoluteRange
}

// GetDefaultPrismaticRange returns the conservative prismatic range bound in
// metres used when no motion evidence exists.
func (c *TuningConfig) GetDefaultPrismaticRange() float64 {
	if c.DefaultPrismaticRange == nil {
		return 0.45 // full-extension drawer slide
	}
	return *c.DefaultPrismaticRange
}

// GetVerifyMaxConcurrent returns the verification concurrency budget.
func (c *TuningConfig) GetVerifyMaxConcurrent() int {
	if c.VerifyMaxConcurrent == nil {
		return 4
	}
	return *c.VerifyMaxConcurrent
}

// GetVerifyMaxAttempts returns the bounded retry count for LLM calls.
func (c *TuningConfig) GetVerifyMaxAttempts() int {
	if c.VerifyMaxAttempts == nil {
		return 3
	}
	return *c.VerifyMaxAttempts
}

// GetVerifyTimeoutSecs returns the per-call LLM timeout in seconds.
func (c *TuningConfig) GetVerifyTimeoutSecs() int {
	if c.VerifyTimeoutSecs == nil {
		return 60
	}
	return *c.VerifyTimeoutSecs
}
