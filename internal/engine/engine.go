package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/scheerer/voice-key-lights/internal/credential"
	"github.com/scheerer/voice-key-lights/internal/lights"
	"github.com/scheerer/voice-key-lights/internal/logging"
	"github.com/scheerer/voice-key-lights/internal/voice"
)

var logger = logging.New("engine")

// ErrVoiceFeedClosed is returned by Run when the voice client stops sending
// updates. Nothing reconnects; the process is expected to be restarted.
var ErrVoiceFeedClosed = errors.New("engine: voice state feed closed")

type VoiceLink interface {
	Connect(ctx context.Context) error
	Authenticate(ctx context.Context, accessToken string) error
	CurrentVoiceState(ctx context.Context) (voice.State, error)
	Subscribe(ctx context.Context) (<-chan voice.State, error)
	Close() error
}

type CredentialStore interface {
	Load() (credential.Credential, bool)
	Save(c credential.Credential) (credential.Credential, error)
}

type Authorizer interface {
	Run(ctx context.Context) (credential.Credential, error)
}

type Engine struct {
	mapping    Mapping
	lights     lights.LightService
	voice      VoiceLink
	store      CredentialStore
	authorizer Authorizer
	now        func() time.Time
}

func New(mapping Mapping, lightService lights.LightService, voiceLink VoiceLink, store CredentialStore, authorizer Authorizer) *Engine {
	return &Engine{
		mapping:    mapping,
		lights:     lightService,
		voice:      voiceLink,
		store:      store,
		authorizer: authorizer,
		now:        time.Now,
	}
}

// Run brings up both links, renders the current voice state and then every
// update until ctx ends (nil) or the feed closes (ErrVoiceFeedClosed).
// An access token the voice client rejects ends Run with an error matching
// the voice link's auth failure; no new authorization is attempted.
func (e *Engine) Run(ctx context.Context) error {
	defer e.close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.lights.Connect(gctx)
	})
	g.Go(func() error {
		return e.startVoice(gctx)
	})
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	state, err := e.voice.CurrentVoiceState(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("get current voice state: %w", err)
	}
	e.render(ctx, state)

	updates, err := e.voice.Subscribe(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe to voice state: %w", err)
	}

	logger.Info("Syncing voice state to keyboard LEDs")
	for {
		select {
		case <-ctx.Done():
			return nil
		case state, ok := <-updates:
			if !ok {
				return ErrVoiceFeedClosed
			}
			e.render(ctx, state)
		}
	}
}

func (e *Engine) startVoice(ctx context.Context) error {
	cred, err := e.resolveCredential(ctx)
	if err != nil {
		return err
	}
	if err := e.voice.Connect(ctx); err != nil {
		return err
	}
	if err := e.voice.Authenticate(ctx, cred.AccessToken); err != nil {
		return fmt.Errorf("authenticate with voice client: %w", err)
	}
	return nil
}

// resolveCredential returns the stored credential while it is valid and
// otherwise runs the authorization flow. A failed save only costs a new
// authorization on the next start.
func (e *Engine) resolveCredential(ctx context.Context) (credential.Credential, error) {
	cred, ok := e.store.Load()
	switch {
	case ok && !credential.IsExpired(cred, e.now()):
		logger.With(zap.Time("expiresAt", cred.ExpiresAt())).Info("Using stored access token")
		return cred, nil
	case ok:
		logger.With(zap.Time("expiredAt", cred.ExpiresAt())).Info("Stored access token expired, starting authorization")
	default:
		logger.Info("No stored access token, starting authorization")
	}

	cred, err := e.authorizer.Run(ctx)
	if err != nil {
		return credential.Credential{}, fmt.Errorf("authorize: %w", err)
	}

	cred, err = e.store.Save(cred)
	if err != nil {
		logger.With(zap.Error(err)).Warn("Continuing with an access token that was not saved")
	}
	return cred, nil
}

func (e *Engine) render(ctx context.Context, state voice.State) {
	logger.With(zap.Bool("muted", state.Muted), zap.Bool("deafened", state.Deafened)).Debug("Rendering voice state")

	if err := e.lights.ApplyLedCommands(ctx, e.mapping.DeviceID, e.mapping.Render(state)); err != nil {
		logger.With(zap.Error(err), zap.Stringer("state", state)).Error("Failed to update indicator LEDs")
	}
}

func (e *Engine) close() {
	if err := e.voice.Close(); err != nil {
		logger.With(zap.Error(err)).Warn("Failed to close voice link")
	}
	if err := e.lights.Close(); err != nil {
		logger.With(zap.Error(err)).Warn("Failed to close lighting link")
	}
}
