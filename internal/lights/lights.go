package lights

import (
	"context"
	"fmt"
	"strconv"

	"github.com/scheerer/voice-key-lights/internal/util"
)

type Color struct {
	Red   uint8
	Green uint8
	Blue  uint8
}

func (c Color) String() string {
	return fmt.Sprintf("[%d, %d, %d]", c.Red, c.Green, c.Blue)
}

// LedCommand sets one LED on one device to one color.
type LedCommand struct {
	DeviceID int
	LEDIndex int
	Color    Color
}

type DeviceDescriptor struct {
	DeviceID    int
	Name        string
	Description string
	LEDCount    int
}

// LightService is the lighting side of the sync loop.
type LightService interface {
	Connect(ctx context.Context) error
	ListDevices(ctx context.Context) ([]DeviceDescriptor, error)
	ApplyLedCommands(ctx context.Context, deviceID int, commands []LedCommand) error
	Close() error
}

// ParseColor reads an "r,g,b" triplet with each channel in 0-255.
func ParseColor(s string) (Color, error) {
	channels, err := util.ParseList(s, func(p string) (uint8, error) {
		v, err := strconv.ParseUint(p, 10, 8)
		return uint8(v), err
	})
	if err != nil {
		return Color{}, fmt.Errorf("invalid color %q: %w", s, err)
	}
	if len(channels) != 3 {
		return Color{}, fmt.Errorf("invalid color %q: want 3 channels, got %d", s, len(channels))
	}
	return Color{Red: channels[0], Green: channels[1], Blue: channels[2]}, nil
}
