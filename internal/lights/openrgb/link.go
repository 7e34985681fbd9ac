package openrgb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/scheerer/voice-key-lights/internal/lights"
	"github.com/scheerer/voice-key-lights/internal/logging"
	"github.com/scheerer/voice-key-lights/internal/retry"
)

var logger = logging.New("openrgb")

type Config struct {
	Host       string
	Port       int
	ClientName string
	// KeyboardDeviceID is only used to mark the target device in the
	// connect-time device listing.
	KeyboardDeviceID int
	RetryPolicy      retry.Policy
}

func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

type session interface {
	ControllerCount(ctx context.Context) (int, error)
	ControllerData(ctx context.Context, deviceID int) (controllerData, error)
	UpdateSingleLED(ctx context.Context, deviceID, ledIndex int, color lights.Color) error
	Close() error
}

// Link owns the connection to the OpenRGB SDK server. Every operation
// reconnects with the retry policy when the transport has gone away.
type Link struct {
	config Config
	dial   func(ctx context.Context) (session, error)

	mu      sync.Mutex
	session session
}

var _ lights.LightService = (*Link)(nil)

func NewLink(config Config) *Link {
	l := &Link{config: config}
	l.dial = func(ctx context.Context) (session, error) {
		return Dial(ctx, config.Addr(), config.ClientName)
	}
	return l
}

// Connect blocks until the SDK server accepts a session, retrying according
// to the policy. It logs the devices the server exposes. On a link that is
// already connected it only logs the devices again.
func (l *Link) Connect(ctx context.Context) error {
	l.mu.Lock()
	var err error
	if l.session == nil {
		err = l.connectLocked(ctx)
	}
	l.mu.Unlock()
	if err != nil {
		return err
	}

	l.logDevices(ctx)
	return nil
}

func (l *Link) connectLocked(ctx context.Context) error {
	logger.With(zap.String("addr", l.config.Addr())).Info("Connecting to OpenRGB SDK...")

	attempts, err := retry.Forever(ctx, logger, l.config.RetryPolicy, func(ctx context.Context) error {
		s, err := l.dial(ctx)
		if err != nil {
			return err
		}
		l.session = s
		return nil
	})
	if err != nil {
		return fmt.Errorf("connect to openrgb at %s: %w", l.config.Addr(), err)
	}

	logger.With(zap.Int("attempts", attempts)).Info("Connected to OpenRGB SDK")
	return nil
}

func (l *Link) logDevices(ctx context.Context) {
	devices, err := l.ListDevices(ctx)
	if err != nil {
		logger.With(zap.Error(err)).Error("Failed to list devices")
		return
	}

	logger.Info("Available devices:")
	for _, d := range devices {
		marker := "  "
		if d.DeviceID == l.config.KeyboardDeviceID {
			marker = "->"
		}
		logger.Infof("%s id: %d name: %s (%s) leds: %d", marker, d.DeviceID, d.Name, d.Description, d.LEDCount)
	}
}

// withSession runs op on the live session. A transport failure drops the
// session, reconnects and runs op one more time.
func (l *Link) withSession(ctx context.Context, op func(session) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.session == nil {
		if err := l.connectLocked(ctx); err != nil {
			return err
		}
	}

	err := op(l.session)
	if isTimeout(err) {
		// A late reply would be read as the answer to the next request.
		logger.With(zap.Error(err)).Warn("OpenRGB SDK did not answer in time, dropping session")
		l.session.Close()
		l.session = nil
		return err
	}
	if err == nil || !isTransportError(err) {
		return err
	}

	logger.With(zap.Error(err)).Warn("Lost connection to OpenRGB SDK, reconnecting")
	l.session.Close()
	l.session = nil
	if err := l.connectLocked(ctx); err != nil {
		return err
	}
	return op(l.session)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// isTransportError reports whether err means the connection is gone. A
// timeout is not one: the server stays silent for requests it cannot serve.
func isTransportError(err error) bool {
	if errors.Is(err, errDecode) || errors.Is(err, context.Canceled) || isTimeout(err) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, errBadMagic)
}

// ListDevices returns every controller the server exposes, in id order.
func (l *Link) ListDevices(ctx context.Context) ([]lights.DeviceDescriptor, error) {
	var devices []lights.DeviceDescriptor
	err := l.withSession(ctx, func(s session) error {
		count, err := s.ControllerCount(ctx)
		if err != nil {
			return err
		}

		devices = make([]lights.DeviceDescriptor, 0, count)
		for id := 0; id < count; id++ {
			data, err := s.ControllerData(ctx, id)
			if err != nil {
				return fmt.Errorf("device %d: %w", id, err)
			}
			devices = append(devices, lights.DeviceDescriptor{
				DeviceID:    id,
				Name:        data.Name,
				Description: data.Description,
				LEDCount:    data.LEDCount,
			})
		}
		return nil
	})
	return devices, err
}

// ApplyLedCommands applies commands to deviceID one at a time, in order. A
// device the server does not list, or one that currently reports no LEDs, is
// skipped without error. A failed command is logged and does not stop the
// ones after it; all failures are returned together.
func (l *Link) ApplyLedCommands(ctx context.Context, deviceID int, commands []lights.LedCommand) error {
	var device controllerData
	present := true
	err := l.withSession(ctx, func(s session) error {
		count, err := s.ControllerCount(ctx)
		if err != nil {
			return err
		}
		// The server never answers a data request for an unknown index.
		if deviceID < 0 || deviceID >= count {
			present = false
			logger.With(zap.Int("deviceId", deviceID), zap.Int("devices", count)).Info("Device not found, skipping")
			return nil
		}
		device, err = s.ControllerData(ctx, deviceID)
		return err
	})
	if err != nil {
		return fmt.Errorf("get device %d: %w", deviceID, err)
	}
	if !present {
		return nil
	}

	if len(device.Colors) == 0 {
		logger.With(zap.Int("deviceId", deviceID), zap.String("device", device.Name)).Info("Device has no LEDs, skipping")
		return nil
	}

	var errs error
	for _, cmd := range commands {
		log := logger.With(zap.Int("deviceId", deviceID), zap.String("device", device.Name), zap.Int("led", cmd.LEDIndex))

		if cmd.LEDIndex < 0 || cmd.LEDIndex >= len(device.Colors) {
			err := fmt.Errorf("led %d out of range, device has %d", cmd.LEDIndex, len(device.Colors))
			log.With(zap.Error(err)).Error("Failed to set LED color")
			errs = multierr.Append(errs, err)
			continue
		}

		err := l.withSession(ctx, func(s session) error {
			return s.UpdateSingleLED(ctx, deviceID, cmd.LEDIndex, cmd.Color)
		})
		if err != nil {
			log.With(zap.Error(err)).Error("Failed to set LED color")
			errs = multierr.Append(errs, fmt.Errorf("led %d: %w", cmd.LEDIndex, err))
			continue
		}
		log.Infof("LED %d on %s set to %s", cmd.LEDIndex, device.Name, cmd.Color)
	}
	return errs
}

func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.session == nil {
		return nil
	}
	err := l.session.Close()
	l.session = nil
	return err
}
