package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scheerer/voice-key-lights/internal/credential"
	"github.com/scheerer/voice-key-lights/internal/lights"
	"github.com/scheerer/voice-key-lights/internal/voice"
	"github.com/scheerer/voice-key-lights/internal/voice/discord"
)

var (
	green = lights.Color{Green: 255}
	red   = lights.Color{Red: 255}

	testMapping = Mapping{DeviceID: 0, MicLED: 15, SoundLED: 14, On: green, Off: red}
)

type fakeLights struct {
	mu       sync.Mutex
	applied  [][]lights.LedCommand
	applyErr error
	rendered chan struct{}
	closed   bool
}

func newFakeLights() *fakeLights {
	return &fakeLights{rendered: make(chan struct{}, 64)}
}

func (f *fakeLights) Connect(context.Context) error { return nil }

func (f *fakeLights) ListDevices(context.Context) ([]lights.DeviceDescriptor, error) {
	return nil, nil
}

func (f *fakeLights) ApplyLedCommands(_ context.Context, _ int, commands []lights.LedCommand) error {
	f.mu.Lock()
	f.applied = append(f.applied, commands)
	f.mu.Unlock()
	f.rendered <- struct{}{}
	return f.applyErr
}

func (f *fakeLights) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeLights) batches() [][]lights.LedCommand {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]lights.LedCommand(nil), f.applied...)
}

type fakeVoice struct {
	mu         sync.Mutex
	tokens     []string
	authErr    error
	snapshot   voice.State
	updates    chan voice.State
	subscribed bool
}

func newFakeVoice() *fakeVoice {
	return &fakeVoice{updates: make(chan voice.State)}
}

func (f *fakeVoice) Connect(context.Context) error { return nil }

func (f *fakeVoice) Authenticate(_ context.Context, accessToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, accessToken)
	return f.authErr
}

func (f *fakeVoice) CurrentVoiceState(context.Context) (voice.State, error) {
	return f.snapshot, nil
}

func (f *fakeVoice) Subscribe(context.Context) (<-chan voice.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = true
	return f.updates, nil
}

func (f *fakeVoice) Close() error { return nil }

type fakeStore struct {
	mu      sync.Mutex
	cred    credential.Credential
	present bool
	saved   []credential.Credential
	saveErr error
	now     time.Time
}

func (f *fakeStore) Load() (credential.Credential, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cred, f.present
}

func (f *fakeStore) Save(c credential.Credential) (credential.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c.IssuedAt = f.now
	f.saved = append(f.saved, c)
	return c, f.saveErr
}

type fakeAuthorizer struct {
	cred  credential.Credential
	err   error
	calls int
}

func (f *fakeAuthorizer) Run(context.Context) (credential.Credential, error) {
	f.calls++
	return f.cred, f.err
}

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(l *fakeLights, v *fakeVoice, s *fakeStore, a *fakeAuthorizer) *Engine {
	e := New(testMapping, l, v, s, a)
	e.now = func() time.Time { return now }
	return e
}

func validCredential() credential.Credential {
	return credential.Credential{AccessToken: "stored", IssuedAt: now.Add(-time.Hour), ExpiresIn: 604800}
}

func waitRendered(t *testing.T, l *fakeLights, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-l.rendered:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for render %d of %d", i+1, n)
		}
	}
}

func TestMapping_Render(t *testing.T) {
	tests := []struct {
		state voice.State
		mic   lights.Color
		sound lights.Color
	}{
		{voice.State{}, red, red},
		{voice.State{Muted: true}, green, red},
		{voice.State{Deafened: true}, red, green},
		{voice.State{Muted: true, Deafened: true}, green, green},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			commands := testMapping.Render(tt.state)
			assert.Equal(t, []lights.LedCommand{
				{DeviceID: 0, LEDIndex: 15, Color: tt.mic},
				{DeviceID: 0, LEDIndex: 14, Color: tt.sound},
			}, commands)
			assert.Equal(t, commands, testMapping.Render(tt.state), "rendering must be idempotent")
		})
	}
}

func TestEngine_Run(t *testing.T) {
	t.Run("renders snapshot then every update in order", func(t *testing.T) {
		l, v := newFakeLights(), newFakeVoice()
		v.snapshot = voice.State{Muted: true}
		s := &fakeStore{cred: validCredential(), present: true}
		a := &fakeAuthorizer{}

		done := make(chan error, 1)
		go func() { done <- newTestEngine(l, v, s, a).Run(context.Background()) }()

		waitRendered(t, l, 1)
		v.updates <- voice.State{Deafened: true}
		v.updates <- voice.State{Deafened: true}
		waitRendered(t, l, 2)
		close(v.updates)

		require.ErrorIs(t, <-done, ErrVoiceFeedClosed)
		assert.Equal(t, [][]lights.LedCommand{
			{{LEDIndex: 15, Color: green}, {LEDIndex: 14, Color: red}},
			{{LEDIndex: 15, Color: red}, {LEDIndex: 14, Color: green}},
			{{LEDIndex: 15, Color: red}, {LEDIndex: 14, Color: green}},
		}, l.batches())
		assert.Equal(t, []string{"stored"}, v.tokens)
		assert.Zero(t, a.calls)
		assert.True(t, l.closed)
	})

	t.Run("rejected token stops before subscribing", func(t *testing.T) {
		l, v := newFakeLights(), newFakeVoice()
		v.authErr = discord.ErrAuthFailed
		s := &fakeStore{cred: validCredential(), present: true}

		err := newTestEngine(l, v, s, &fakeAuthorizer{}).Run(context.Background())
		require.ErrorIs(t, err, discord.ErrAuthFailed)
		assert.False(t, v.subscribed)
		assert.Empty(t, l.batches())
	})

	t.Run("missing credential runs authorization and saves", func(t *testing.T) {
		l, v := newFakeLights(), newFakeVoice()
		s := &fakeStore{now: now}
		a := &fakeAuthorizer{cred: credential.Credential{AccessToken: "tok1", ExpiresIn: 604800}}

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- newTestEngine(l, v, s, a).Run(ctx) }()

		waitRendered(t, l, 1)
		cancel()
		require.NoError(t, <-done)

		assert.Equal(t, 1, a.calls)
		assert.Equal(t, []string{"tok1"}, v.tokens)
		require.Len(t, s.saved, 1)
		assert.Equal(t, "tok1", s.saved[0].AccessToken)
		assert.Equal(t, now, s.saved[0].IssuedAt)
	})

	t.Run("expired credential runs authorization", func(t *testing.T) {
		l, v := newFakeLights(), newFakeVoice()
		expired := credential.Credential{AccessToken: "old", IssuedAt: now.Add(-2 * time.Hour), ExpiresIn: 3600}
		s := &fakeStore{cred: expired, present: true, now: now}
		a := &fakeAuthorizer{cred: credential.Credential{AccessToken: "fresh", ExpiresIn: 604800}}

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- newTestEngine(l, v, s, a).Run(ctx) }()

		waitRendered(t, l, 1)
		cancel()
		require.NoError(t, <-done)

		assert.Equal(t, 1, a.calls)
		assert.Equal(t, []string{"fresh"}, v.tokens)
	})

	t.Run("failed save is not fatal", func(t *testing.T) {
		l, v := newFakeLights(), newFakeVoice()
		s := &fakeStore{saveErr: errors.New("read-only file system"), now: now}
		a := &fakeAuthorizer{cred: credential.Credential{AccessToken: "tok1", ExpiresIn: 604800}}

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- newTestEngine(l, v, s, a).Run(ctx) }()

		waitRendered(t, l, 1)
		cancel()
		require.NoError(t, <-done)
		assert.Equal(t, []string{"tok1"}, v.tokens)
	})

	t.Run("authorization failure ends run", func(t *testing.T) {
		l, v := newFakeLights(), newFakeVoice()
		a := &fakeAuthorizer{err: errors.New("exchange failed")}

		err := newTestEngine(l, v, &fakeStore{}, a).Run(context.Background())
		require.ErrorContains(t, err, "exchange failed")
		assert.Empty(t, v.tokens)
	})

	t.Run("render failures are logged and the loop continues", func(t *testing.T) {
		l, v := newFakeLights(), newFakeVoice()
		l.applyErr = errors.New("led 15 out of range")
		s := &fakeStore{cred: validCredential(), present: true}

		done := make(chan error, 1)
		go func() { done <- newTestEngine(l, v, s, &fakeAuthorizer{}).Run(context.Background()) }()

		waitRendered(t, l, 1)
		v.updates <- voice.State{Muted: true}
		waitRendered(t, l, 1)
		close(v.updates)

		require.ErrorIs(t, <-done, ErrVoiceFeedClosed)
		assert.Len(t, l.batches(), 2)
	})
}
