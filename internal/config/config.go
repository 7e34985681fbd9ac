// Package config reads the daemon's settings from the environment once at
// startup. Components receive derived config structs and never read the
// environment themselves.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"time"

	"github.com/caarlos0/env"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/scheerer/voice-key-lights/internal/auth"
	"github.com/scheerer/voice-key-lights/internal/engine"
	"github.com/scheerer/voice-key-lights/internal/lights"
	"github.com/scheerer/voice-key-lights/internal/lights/openrgb"
	"github.com/scheerer/voice-key-lights/internal/logging"
	"github.com/scheerer/voice-key-lights/internal/retry"
	"github.com/scheerer/voice-key-lights/internal/util"
	"github.com/scheerer/voice-key-lights/internal/voice/discord"
)

var logger = logging.New("config")

type Config struct {
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET"`
	RedirectURI  string `env:"REDIRECT_URI" envDefault:"http://localhost:3000"`
	AuthPort     int    `env:"AUTH_SERVER_PORT" envDefault:"3000"`
	AuthURL      string `env:"AUTH_URL" envDefault:"https://discord.com/api/oauth2/authorize"`
	TokenURL     string `env:"TOKEN_URL" envDefault:"https://discord.com/api/oauth2/token"`
	TokenFile    string `env:"TOKEN_FILE" envDefault:"discord_token.json"`

	ReconnectInterval time.Duration `env:"RECONNECT_INTERVAL" envDefault:"5s"`

	OpenRGBHost       string       `env:"OPENRGB_HOST" envDefault:"localhost"`
	OpenRGBPort       int          `env:"OPENRGB_PORT" envDefault:"6742"`
	OpenRGBClientName string       `env:"OPENRGB_CLIENT_NAME" envDefault:"DiscordAppOpenRGB"`
	KeyboardDeviceID  int          `env:"KEYBOARD_DEVICE_ID" envDefault:"0"`
	MicLEDIndex       int          `env:"MIC_LED_INDEX" envDefault:"15"`
	SoundLEDIndex     int          `env:"SOUND_LED_INDEX" envDefault:"14"`
	LEDOnColor        lights.Color `env:"LED_ON_COLOR" envDefault:"0,255,0"`
	LEDOffColor       lights.Color `env:"LED_OFF_COLOR" envDefault:"255,0,0"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load reads SECRETS_FILE (default secrets.env) into the environment when it
// exists, parses the environment and validates the result. Variables already
// set in the environment win over the file.
func Load() (Config, error) {
	secretsFile := util.Getenv("SECRETS_FILE", "secrets.env")
	if err := godotenv.Load(secretsFile); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", secretsFile, err)
		}
		logger.With(zap.String("file", secretsFile)).Debug("No secrets file, using environment only")
	}

	cfg := Config{}
	if err := env.ParseWithFuncs(&cfg, parsers); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	logging.GetLeveler().SetAll(logging.ParseLevel(cfg.LogLevel))
	return cfg, nil
}

var parsers = env.CustomParsers{
	reflect.TypeOf(lights.Color{}): func(v string) (interface{}, error) {
		return lights.ParseColor(v)
	},
}

func (c Config) validate() error {
	var missing []string
	if c.ClientID == "" {
		missing = append(missing, "CLIENT_ID")
	}
	if c.ClientSecret == "" {
		missing = append(missing, "CLIENT_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %v", missing)
	}

	if c.ReconnectInterval <= 0 {
		return fmt.Errorf("RECONNECT_INTERVAL must be positive, got %s", c.ReconnectInterval)
	}
	return nil
}

func (c Config) RetryPolicy() retry.Policy {
	return retry.Constant(c.ReconnectInterval)
}

func (c Config) OpenRGB() openrgb.Config {
	return openrgb.Config{
		Host:             c.OpenRGBHost,
		Port:             c.OpenRGBPort,
		ClientName:       c.OpenRGBClientName,
		KeyboardDeviceID: c.KeyboardDeviceID,
		RetryPolicy:      c.RetryPolicy(),
	}
}

func (c Config) Discord() discord.Config {
	return discord.Config{
		ClientID:    c.ClientID,
		RetryPolicy: c.RetryPolicy(),
	}
}

func (c Config) Auth() auth.Config {
	return auth.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURI:  c.RedirectURI,
		ListenAddr:   fmt.Sprintf("localhost:%d", c.AuthPort),
		AuthURL:      c.AuthURL,
		TokenURL:     c.TokenURL,
		Scopes:       auth.DefaultScopes,
	}
}

func (c Config) Mapping() engine.Mapping {
	return engine.Mapping{
		DeviceID: c.KeyboardDeviceID,
		MicLED:   c.MicLEDIndex,
		SoundLED: c.SoundLEDIndex,
		On:       c.LEDOnColor,
		Off:      c.LEDOffColor,
	}
}

// Redacted is safe to log.
func (c Config) Redacted() Config {
	if c.ClientSecret != "" {
		c.ClientSecret = "***"
	}
	return c
}
