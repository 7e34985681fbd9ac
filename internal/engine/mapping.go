package engine

import (
	"github.com/scheerer/voice-key-lights/internal/lights"
	"github.com/scheerer/voice-key-lights/internal/voice"
)

// Mapping ties the two indicator LEDs on one device to voice state. An
// asserted flag lights its LED with On, a cleared flag with Off.
type Mapping struct {
	DeviceID int
	MicLED   int
	SoundLED int
	On       lights.Color
	Off      lights.Color
}

// Render returns the mic command (keyed off Muted) followed by the sound
// command (keyed off Deafened).
func (m Mapping) Render(state voice.State) []lights.LedCommand {
	return []lights.LedCommand{
		{DeviceID: m.DeviceID, LEDIndex: m.MicLED, Color: m.pick(state.Muted)},
		{DeviceID: m.DeviceID, LEDIndex: m.SoundLED, Color: m.pick(state.Deafened)},
	}
}

func (m Mapping) pick(asserted bool) lights.Color {
	if asserted {
		return m.On
	}
	return m.Off
}
