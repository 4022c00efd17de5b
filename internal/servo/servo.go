// Package servo implements actuator drivers for the sorting gates.
package servo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"

	"github.com/banshee-data/shrimp-sorter/internal/monitoring"
)

// ErrUnknownCategory is returned when no servo channel serves a category.
var ErrUnknownCategory = errors.New("servo: unknown category")

// Angle limits accepted by hobby servos.
const (
	MinAngle = 0.0
	MaxAngle = 180.0
)

// DutyCycle converts an angle to a 50 Hz PWM duty cycle percentage,
// 2% at 0° to 12% at 180°.
func DutyCycle(angle float64) float64 {
	return 2 + clamp(angle)/18
}

func clamp(angle float64) float64 {
	return math.Max(MinAngle, math.Min(MaxAngle, angle))
}

// Commander sends a command line to the servo controller. serialmux
// implementations satisfy it.
type Commander interface {
	SendCommand(string) error
}

// SerialDriver drives servos through a line-oriented controller:
// "S <channel> <angle>" per move.
type SerialDriver struct {
	cmd      Commander
	channels map[string]int
}

// NewSerialDriver maps category names to controller channels.
func NewSerialDriver(cmd Commander, channels map[string]int) *SerialDriver {
	m := make(map[string]int, len(channels))
	for k, v := range channels {
		m[k] = v
	}
	return &SerialDriver{cmd: cmd, channels: m}
}

// SetAngle commands the category's servo. Angles outside [0,180] are clamped.
func (d *SerialDriver) SetAngle(ctx context.Context, category string, angle float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ch, ok := d.channels[category]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}
	line := "S " + strconv.Itoa(ch) + " " + strconv.FormatFloat(clamp(angle), 'f', -1, 64)
	if err := d.cmd.SendCommand(line); err != nil {
		return fmt.Errorf("set %s (channel %d): %w", category, ch, err)
	}
	return nil
}

// LogDriver records and logs commands without moving hardware.
type LogDriver struct {
	logf func(string, ...interface{})

	mu     sync.Mutex
	angles map[string]float64
	moves  int
}

// NewLogDriver returns a driver that only logs.
func NewLogDriver() *LogDriver {
	return &LogDriver{logf: monitoring.Prefixed("servo"), angles: make(map[string]float64)}
}

// SetAngle logs the move and remembers the angle.
func (d *LogDriver) SetAngle(_ context.Context, category string, angle float64) error {
	d.mu.Lock()
	d.angles[category] = clamp(angle)
	d.moves++
	d.mu.Unlock()
	d.logf("%s -> %.1f° (duty %.2f%%)", category, clamp(angle), DutyCycle(angle))
	return nil
}

// Angle returns the last commanded angle for category.
func (d *LogDriver) Angle(category string) (float64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.angles[category]
	return a, ok
}

// Moves returns the number of commands received.
func (d *LogDriver) Moves() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.moves
}
