package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical sorter defaults file.
const DefaultConfigPath = "config/sorter.defaults.json"

// Source exhaustion policies.
const (
	OnExhaustedStop    = "stop"
	OnExhaustedRestart = "restart"
)

// CategoryConfig describes one size category and the servo that serves it.
// Categories are listed smallest first; their order defines the size order.
type CategoryConfig struct {
	Name               string  `json:"name"`
	Channel            int     `json:"channel"`
	RestAngle          float64 `json:"rest_angle"`
	TargetAngle        float64 `json:"target_angle"`
	HoldDuration       string  `json:"hold_duration"`        // duration string like "2s"
	TotalCycleDuration string  `json:"total_cycle_duration"` // duration string like "4s"
}

// Hold parses HoldDuration. Validate guarantees it parses.
func (c CategoryConfig) Hold() time.Duration {
	d, _ := time.ParseDuration(c.HoldDuration)
	return d
}

// TotalCycle parses TotalCycleDuration. Validate guarantees it parses.
func (c CategoryConfig) TotalCycle() time.Duration {
	d, _ := time.ParseDuration(c.TotalCycleDuration)
	return d
}

// SerialConfig holds the servo controller link settings.
type SerialConfig struct {
	Port     string `json:"port"`
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
	Parity   string `json:"parity"`
}

// SorterConfig is the root startup configuration. Every field is optional;
// the Get* accessors supply defaults for anything left out, so partial
// files are safe. The configuration is read once and never mutated.
type SorterConfig struct {
	FrameWidth          *int     `json:"frame_width,omitempty"`
	FrameHeight         *int     `json:"frame_height,omitempty"`
	ConfidenceThreshold *float64 `json:"confidence_threshold,omitempty"`

	DetectionInterval *string `json:"detection_interval,omitempty"` // duration string like "50ms"
	TrackExpiry       *string `json:"track_expiry,omitempty"`
	SettleDuration    *string `json:"settle_duration,omitempty"`
	PollInterval      *string `json:"poll_interval,omitempty"`
	ShutdownGrace     *string `json:"shutdown_grace,omitempty"`

	OnSourceExhausted *string `json:"on_source_exhausted,omitempty"` // "stop" or "restart"

	SizeThresholds []float64        `json:"size_thresholds,omitempty"`
	Categories     []CategoryConfig `json:"categories,omitempty"`
	Serial         *SerialConfig    `json:"serial,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptySorterConfig returns a SorterConfig with all fields unset.
func EmptySorterConfig() *SorterConfig {
	return &SorterConfig{}
}

// LoadSorterConfig loads a SorterConfig from a JSON file.
// The file must have a .json extension and be under 1MB.
func LoadSorterConfig(path string) (*SorterConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

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

	cfg := EmptySorterConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from DefaultConfigPath,
// searching the current directory and its parents up to the repo root.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *SorterConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // from cmd/<tool>/ or deeper packages
		"../../../../" + DefaultConfigPath, // even deeper
	}
	for _, path := range candidates {
		if cfg, err := LoadSorterConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *SorterConfig) Validate() error {
	if c.FrameWidth != nil && *c.FrameWidth <= 0 {
		return fmt.Errorf("frame_width must be positive, got %d", *c.FrameWidth)
	}
	if c.FrameHeight != nil && *c.FrameHeight <= 0 {
		return fmt.Errorf("frame_height must be positive, got %d", *c.FrameHeight)
	}

	if c.ConfidenceThreshold != nil {
		if *c.ConfidenceThreshold < 0 || *c.ConfidenceThreshold > 1 {
			return fmt.Errorf("confidence_threshold must be between 0 and 1, got %f", *c.ConfidenceThreshold)
		}
	}

	for name, value := range map[string]*string{
		"detection_interval": c.DetectionInterval,
		"track_expiry":       c.TrackExpiry,
		"settle_duration":    c.SettleDuration,
		"poll_interval":      c.PollInterval,
		"shutdown_grace":     c.ShutdownGrace,
	} {
		if err := validateDuration(name, value); err != nil {
			return err
		}
	}

	if c.OnSourceExhausted != nil {
		switch *c.OnSourceExhausted {
		case OnExhaustedStop, OnExhaustedRestart:
		default:
			return fmt.Errorf("on_source_exhausted must be %q or %q, got %q", OnExhaustedStop, OnExhaustedRestart, *c.OnSourceExhausted)
		}
	}

	categories := c.GetCategories()
	thresholds := c.GetSizeThresholds()
	if len(categories) == 0 {
		return fmt.Errorf("at least one category is required")
	}
	if len(thresholds) != len(categories)-1 {
		return fmt.Errorf("%d categories need %d size thresholds, got %d", len(categories), len(categories)-1, len(thresholds))
	}
	for i, t := range thresholds {
		if math.IsNaN(t) || t <= 0 {
			return fmt.Errorf("size_thresholds[%d] must be positive, got %f", i, t)
		}
		if i > 0 && t <= thresholds[i-1] {
			return fmt.Errorf("size_thresholds must be strictly ascending: [%d]=%f <= [%d]=%f", i, t, i-1, thresholds[i-1])
		}
	}

	seen := make(map[string]bool, len(categories))
	for i, cat := range categories {
		if cat.Name == "" {
			return fmt.Errorf("categories[%d] has no name", i)
		}
		if seen[cat.Name] {
			return fmt.Errorf("duplicate category %q", cat.Name)
		}
		seen[cat.Name] = true
		if cat.Channel < 0 {
			return fmt.Errorf("category %q: channel must be non-negative, got %d", cat.Name, cat.Channel)
		}
		for _, a := range []float64{cat.RestAngle, cat.TargetAngle} {
			if a < 0 || a > 180 {
				return fmt.Errorf("category %q: angles must be within [0,180], got %f", cat.Name, a)
			}
		}
		hold, err := time.ParseDuration(cat.HoldDuration)
		if err != nil || hold < 0 {
			return fmt.Errorf("category %q: invalid hold_duration %q", cat.Name, cat.HoldDuration)
		}
		total, err := time.ParseDuration(cat.TotalCycleDuration)
		if err != nil || total < 0 {
			return fmt.Errorf("category %q: invalid total_cycle_duration %q", cat.Name, cat.TotalCycleDuration)
		}
	}

	return nil
}

func validateDuration(name string, value *string) error {
	if value == nil || *value == "" {
		return nil
	}
	d, err := time.ParseDuration(*value)
	if err != nil {
		return fmt.Errorf("invalid %s '%s': %w", name, *value, err)
	}
	if d < 0 {
		return fmt.Errorf("%s must be non-negative, got %s", name, *value)
	}
	return nil
}

func durationOr(value *string, def time.Duration) time.Duration {
	if value == nil || *value == "" {
		return def
	}
	d, err := time.ParseDuration(*value)
	if err != nil {
		return def
	}
	return d
}

// GetFrameWidth returns the frame width in pixels.
func (c *SorterConfig) GetFrameWidth() int {
	if c.FrameWidth == nil {
		return 640
	}
	return *c.FrameWidth
}

// GetFrameHeight returns the frame height in pixels.
func (c *SorterConfig) GetFrameHeight() int {
	if c.FrameHeight == nil {
		return 480
	}
	return *c.FrameHeight
}

// GetConfidenceThreshold returns the minimum detection confidence.
func (c *SorterConfig) GetConfidenceThreshold() float64 {
	if c.ConfidenceThreshold == nil {
		return 0.6
	}
	return *c.ConfidenceThreshold
}

// GetDetectionInterval returns the minimum spacing between detector calls.
func (c *SorterConfig) GetDetectionInterval() time.Duration {
	return durationOr(c.DetectionInterval, 50*time.Millisecond)
}

// GetTrackExpiry returns how long an unseen track is retained.
func (c *SorterConfig) GetTrackExpiry() time.Duration {
	return durationOr(c.TrackExpiry, 500*time.Millisecond)
}

// GetSettleDuration returns the time allowed for a servo to reach position.
func (c *SorterConfig) GetSettleDuration() time.Duration {
	return durationOr(c.SettleDuration, 500*time.Millisecond)
}

// GetPollInterval returns the bounded wait used by relay consumers.
func (c *SorterConfig) GetPollInterval() time.Duration {
	return durationOr(c.PollInterval, 500*time.Millisecond)
}

// GetShutdownGrace returns how long shutdown waits for in-flight timelines.
func (c *SorterConfig) GetShutdownGrace() time.Duration {
	return durationOr(c.ShutdownGrace, 10*time.Second)
}

// GetOnSourceExhausted returns the source exhaustion policy.
func (c *SorterConfig) GetOnSourceExhausted() string {
	if c.OnSourceExhausted == nil || *c.OnSourceExhausted == "" {
		return OnExhaustedRestart
	}
	return *c.OnSourceExhausted
}

// GetSizeThresholds returns the ascending area thresholds in pixels².
func (c *SorterConfig) GetSizeThresholds() []float64 {
	if c.SizeThresholds == nil {
		return []float64{32519.3, 48045.8}
	}
	out := make([]float64, len(c.SizeThresholds))
	copy(out, c.SizeThresholds)
	return out
}

// GetCategories returns the ordered category definitions.
func (c *SorterConfig) GetCategories() []CategoryConfig {
	if c.Categories == nil {
		return []CategoryConfig{
			{Name: "small", Channel: 0, RestAngle: 13, TargetAngle: 90, HoldDuration: "2s", TotalCycleDuration: "2s"},
			{Name: "medium", Channel: 1, RestAngle: 8, TargetAngle: 90, HoldDuration: "2s", TotalCycleDuration: "4s"},
			{Name: "large", Channel: 2, RestAngle: 10, TargetAngle: 90, HoldDuration: "2s", TotalCycleDuration: "6s"},
		}
	}
	out := make([]CategoryConfig, len(c.Categories))
	copy(out, c.Categories)
	return out
}

// GetSerial returns the servo controller link settings.
func (c *SorterConfig) GetSerial() SerialConfig {
	if c.Serial == nil {
		return SerialConfig{Port: "/dev/ttyACM0", BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "N"}
	}
	return *c.Serial
}

// Effective returns a copy with every field populated from the Get*
// accessors, suitable for display or for recording alongside a run.
func (c *SorterConfig) Effective() *SorterConfig {
	serial := c.GetSerial()
	return &SorterConfig{
		FrameWidth:          ptrInt(c.GetFrameWidth()),
		FrameHeight:         ptrInt(c.GetFrameHeight()),
		ConfidenceThreshold: ptrFloat64(c.GetConfidenceThreshold()),
		DetectionInterval:   ptrString(c.GetDetectionInterval().String()),
		TrackExpiry:         ptrString(c.GetTrackExpiry().String()),
		SettleDuration:      ptrString(c.GetSettleDuration().String()),
		PollInterval:        ptrString(c.GetPollInterval().String()),
		ShutdownGrace:       ptrString(c.GetShutdownGrace().String()),
		OnSourceExhausted:   ptrString(c.GetOnSourceExhausted()),
		SizeThresholds:      c.GetSizeThresholds(),
		Categories:          c.GetCategories(),
		Serial:              &serial,
	}
}

// CategoryNames returns the category names in size order.
func (c *SorterConfig) CategoryNames() []string {
	cats := c.GetCategories()
	names := make([]string, len(cats))
	for i, cat := range cats {
		names[i] = cat.Name
	}
	return names
}
