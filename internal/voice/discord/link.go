package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/scheerer/voice-key-lights/internal/logging"
	"github.com/scheerer/voice-key-lights/internal/retry"
	"github.com/scheerer/voice-key-lights/internal/voice"
)

var logger = logging.New("discord")

var (
	// ErrAuthFailed means the access token was rejected. Retrying with the
	// same token cannot succeed.
	ErrAuthFailed   = errors.New("discord: authentication failed")
	ErrInvalidState = errors.New("discord: operation not valid in current state")
)

const (
	cmdAuthenticate        = "AUTHENTICATE"
	cmdGetVoiceSettings    = "GET_VOICE_SETTINGS"
	cmdSubscribe           = "SUBSCRIBE"
	evtVoiceSettingsUpdate = "VOICE_SETTINGS_UPDATE"
)

type LinkState int

const (
	Disconnected LinkState = iota
	Connecting
	Connected
	Authenticated
	Subscribed
)

func (s LinkState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Authenticated:
		return "authenticated"
	case Subscribed:
		return "subscribed"
	default:
		return fmt.Sprintf("LinkState(%d)", int(s))
	}
}

type Config struct {
	ClientID    string
	RetryPolicy retry.Policy
}

// Link owns the RPC session with the Discord client and walks it through
// Disconnected → Connecting → Connected → Authenticated → Subscribed.
// A session lost after subscribing is not re-established.
type Link struct {
	config Config
	dial   func(ctx context.Context) (net.Conn, error)

	mu     sync.Mutex
	state  LinkState
	client *Client

	forwarding sync.WaitGroup
}

func NewLink(config Config) *Link {
	return &Link{
		config: config,
		dial:   dialIPC,
	}
}

func (l *Link) State() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Link) expect(states ...LinkState) error {
	for _, s := range states {
		if l.state == s {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrInvalidState, l.state)
}

// Connect blocks until the RPC channel is open, retrying per the policy.
// It does not authenticate.
func (l *Link) Connect(ctx context.Context) error {
	l.mu.Lock()
	if err := l.expect(Disconnected); err != nil {
		l.mu.Unlock()
		return err
	}
	l.state = Connecting
	l.mu.Unlock()

	logger.Info("Connecting to Discord RPC...")
	var client *Client
	attempts, err := retry.Forever(ctx, logger, l.config.RetryPolicy, func(ctx context.Context) error {
		conn, err := l.dial(ctx)
		if err != nil {
			return err
		}
		c, err := handshakeClient(ctx, conn, l.config.ClientID)
		if err != nil {
			conn.Close()
			return err
		}
		client = c
		return nil
	})

	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		l.state = Disconnected
		return fmt.Errorf("connect to discord rpc: %w", err)
	}
	l.client = client
	l.state = Connected
	logger.With(zap.Int("attempts", attempts)).Info("Connected to Discord RPC")
	return nil
}

// Authenticate makes a single attempt. A rejected token returns an error
// matching ErrAuthFailed and leaves the link Connected.
func (l *Link) Authenticate(ctx context.Context, accessToken string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.expect(Connected); err != nil {
		return err
	}

	data, err := l.client.call(ctx, cmdAuthenticate, map[string]string{"access_token": accessToken}, "")
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			logger.With(zap.Error(err)).Error("Discord RPC rejected the access token")
			return fmt.Errorf("%w: %w", ErrAuthFailed, err)
		}
		return fmt.Errorf("authenticate: %w", err)
	}

	var resp struct {
		User struct {
			Username string `json:"username"`
		} `json:"user"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		logger.With(zap.Error(err)).Debug("Unexpected AUTHENTICATE response payload")
	}

	l.state = Authenticated
	logger.With(zap.String("user", resp.User.Username)).Info("Authenticated with Discord RPC")
	return nil
}

// CurrentVoiceState fetches a one-off snapshot of mute and deafen status.
func (l *Link) CurrentVoiceState(ctx context.Context) (voice.State, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.expect(Authenticated, Subscribed); err != nil {
		return voice.State{}, err
	}

	data, err := l.client.call(ctx, cmdGetVoiceSettings, nil, "")
	if err != nil {
		return voice.State{}, fmt.Errorf("get voice settings: %w", err)
	}
	return decodeVoiceState(data)
}

// Subscribe registers for voice settings updates. The returned channel
// yields one State per event in the order Discord sent them, repeats
// included, and is closed when the session ends.
func (l *Link) Subscribe(ctx context.Context) (<-chan voice.State, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.expect(Authenticated); err != nil {
		return nil, err
	}

	if _, err := l.client.call(ctx, cmdSubscribe, nil, evtVoiceSettingsUpdate); err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", evtVoiceSettingsUpdate, err)
	}
	l.state = Subscribed
	logger.Info("Subscribed to voice settings updates")

	out := make(chan voice.State)
	l.forwarding.Add(1)
	go l.forward(l.client, out)
	return out, nil
}

func (l *Link) forward(client *Client, out chan<- voice.State) {
	defer l.forwarding.Done()
	defer close(out)

loop:
	for m := range client.Events() {
		if m.Evt != evtVoiceSettingsUpdate {
			continue
		}
		state, err := decodeVoiceState(m.Data)
		if err != nil {
			logger.With(zap.Error(err)).Warn("Dropping malformed voice settings update")
			continue
		}
		select {
		case out <- state:
		case <-client.done:
			break loop
		}
	}

	l.mu.Lock()
	lost := l.client == client
	if lost {
		l.state = Disconnected
	}
	l.mu.Unlock()

	if lost {
		logger.With(zap.Error(client.Err())).Error("Discord RPC connection lost, voice updates stopped")
	} else {
		logger.Info("Discord RPC connection closed")
	}
}

// Close ends the session and waits for the update feed to close.
func (l *Link) Close() error {
	l.mu.Lock()
	var err error
	if l.client != nil {
		err = l.client.Close()
		l.client = nil
		l.state = Disconnected
	}
	l.mu.Unlock()

	l.forwarding.Wait()
	return err
}

func decodeVoiceState(data json.RawMessage) (voice.State, error) {
	var vs voiceSettings
	if err := json.Unmarshal(data, &vs); err != nil {
		return voice.State{}, fmt.Errorf("decode voice settings: %w", err)
	}
	return voice.State{Muted: vs.Mute, Deafened: vs.Deaf}, nil
}
