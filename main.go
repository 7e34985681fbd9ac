package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/scheerer/voice-key-lights/internal/auth"
	"github.com/scheerer/voice-key-lights/internal/config"
	"github.com/scheerer/voice-key-lights/internal/credential"
	"github.com/scheerer/voice-key-lights/internal/engine"
	"github.com/scheerer/voice-key-lights/internal/lights/openrgb"
	"github.com/scheerer/voice-key-lights/internal/logging"
	"github.com/scheerer/voice-key-lights/internal/voice/discord"
)

var logger = logging.New("main")

func main() {
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.With(zap.Error(err)).Fatal("Failed to load configuration")
	}

	logger.With(zap.Any("config", cfg.Redacted())).Info("Starting voice key lights")
	logger.Info("Adjust KEYBOARD_DEVICE_ID, MIC_LED_INDEX and SOUND_LED_INDEX to target different LEDs. Run cmd/main.go to list devices.")
	logger.Info("Adjust LED_ON_COLOR and LED_OFF_COLOR as r,g,b triplets.")
	logger.Info("Press Ctrl+C to stop")

	ctx, cancel := context.WithCancel(context.Background())

	e := engine.New(
		cfg.Mapping(),
		openrgb.NewLink(cfg.OpenRGB()),
		discord.NewLink(cfg.Discord()),
		credential.NewStore(cfg.TokenFile),
		auth.NewFlow(cfg.Auth()),
	)

	failed := make(chan error, 1)
	go func() {
		failed <- Run(ctx, e)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-shutdown:
		logger.Info("Shutting down")
		cancel()
		<-failed
	case err := <-failed:
		cancel()
		if err != nil {
			logger.With(zap.Error(err)).Error("Voice key lights stopped")
			logger.Sync()
			os.Exit(1)
		}
	}
}

// Run drives the engine and turns a panic into an error so the process can
// exit non-zero for its supervisor.
func Run(ctx context.Context, e *engine.Engine) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.With(zap.Any("panic", r), zap.Stack("stack")).Error("Unhandled fault")
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return e.Run(ctx)
}
