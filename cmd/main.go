package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/scheerer/voice-key-lights/internal/lights/openrgb"
	"github.com/scheerer/voice-key-lights/internal/logging"
	"github.com/scheerer/voice-key-lights/internal/retry"
	"github.com/scheerer/voice-key-lights/internal/util"
)

var logger = logging.New("main")

// Lists the devices an OpenRGB SDK server exposes so KEYBOARD_DEVICE_ID and
// the LED indexes can be chosen. Only the OpenRGB variables are read, so no
// Discord application is needed.
func main() {
	defer logger.Sync()

	config := openrgb.Config{
		Host:             util.Getenv("OPENRGB_HOST", "localhost"),
		Port:             util.Getenv("OPENRGB_PORT", 6742),
		ClientName:       util.Getenv("OPENRGB_CLIENT_NAME", "DiscordAppOpenRGB"),
		KeyboardDeviceID: util.Getenv("KEYBOARD_DEVICE_ID", 0),
		RetryPolicy:      retry.Constant(util.Getenv("RECONNECT_INTERVAL", 5*time.Second)),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	link := openrgb.NewLink(config)
	defer link.Close()

	// Connect logs the device list with the keyboard marked.
	if err := link.Connect(ctx); err != nil {
		logger.With(zap.Error(err)).Fatal("Failed to connect to OpenRGB SDK")
	}

	devices, err := link.ListDevices(ctx)
	if err != nil {
		logger.With(zap.Error(err)).Fatal("Failed to list devices")
	}
	for _, d := range devices {
		if d.DeviceID == config.KeyboardDeviceID {
			logger.With(zap.Int("leds", d.LEDCount)).Infof("Keyboard is %q, LED indexes 0-%d are addressable", d.Name, d.LEDCount-1)
			return
		}
	}
	logger.With(zap.Int("deviceId", config.KeyboardDeviceID), zap.Int("devices", len(devices))).Warn("KEYBOARD_DEVICE_ID does not match any device")
}
