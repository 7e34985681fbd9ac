// Package auth obtains a voice client access token through the browser based
// OAuth2 authorization code flow.
package auth

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/browser"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/scheerer/voice-key-lights/internal/credential"
	"github.com/scheerer/voice-key-lights/internal/logging"
)

var logger = logging.New("auth")

const (
	DefaultAuthURL  = "https://discord.com/api/oauth2/authorize"
	DefaultTokenURL = "https://discord.com/api/oauth2/token"
)

var DefaultScopes = []string{"rpc", "rpc.voice.read"}

var (
	errNoCode        = errors.New("authorization code not provided")
	errStateMismatch = errors.New("state does not match the authorization request")
)

type Config struct {
	ClientID     string
	ClientSecret string
	// RedirectURI must be byte-identical in the authorization URL and the
	// code exchange. The identity service rejects a mismatch.
	RedirectURI string
	ListenAddr  string
	AuthURL     string
	TokenURL    string
	Scopes      []string
}

type Flow struct {
	config     Config
	oauth      *oauth2.Config
	openURL    func(string) error
	listen     func() (net.Listener, error)
	httpClient *http.Client
	now        func() time.Time
}

type Option func(*Flow)

// WithBrowser replaces the system browser launcher.
func WithBrowser(open func(url string) error) Option {
	return func(f *Flow) {
		f.openURL = open
	}
}

// WithListener serves the callback on an already bound listener.
func WithListener(ln net.Listener) Option {
	return func(f *Flow) {
		f.listen = func() (net.Listener, error) { return ln, nil }
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(f *Flow) {
		f.httpClient = client
	}
}

func NewFlow(config Config, opts ...Option) *Flow {
	if config.AuthURL == "" {
		config.AuthURL = DefaultAuthURL
	}
	if config.TokenURL == "" {
		config.TokenURL = DefaultTokenURL
	}
	if len(config.Scopes) == 0 {
		config.Scopes = DefaultScopes
	}

	f := &Flow{
		config: config,
		oauth: &oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			RedirectURL:  config.RedirectURI,
			Scopes:       config.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   config.AuthURL,
				TokenURL:  config.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		openURL: browser.OpenURL,
		now:     time.Now,
	}
	f.listen = func() (net.Listener, error) {
		return net.Listen("tcp", f.config.ListenAddr)
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// AuthCodeURL is the page the user is sent to for consent.
func (f *Flow) AuthCodeURL(state string) string {
	return f.oauth.AuthCodeURL(state)
}

// Run listens for the redirect, sends the user to the consent page and
// trades the returned code for a credential. It waits until a callback
// arrives or ctx ends. A failed exchange is not retried.
func (f *Flow) Run(ctx context.Context) (credential.Credential, error) {
	ln, err := f.listen()
	if err != nil {
		return credential.Credential{}, fmt.Errorf("listen for authorization callback: %w", err)
	}

	state := uuid.NewString()
	authURL := f.AuthCodeURL(state)

	logger.With(zap.String("url", authURL)).Info("Opening browser for authorization")
	if err := f.openURL(authURL); err != nil {
		logger.With(zap.Error(err), zap.String("url", authURL)).
			Error("Failed to open browser. Open the URL manually to continue")
	}

	pending, err := AwaitRequest(ctx, ln, callbackMatcher(state))
	if err != nil {
		return credential.Credential{}, fmt.Errorf("await authorization callback: %w", err)
	}

	cred, err := f.Exchange(ctx, pending.Query.Get("code"))
	if err != nil {
		logger.With(zap.Error(err)).Error("Token exchange failed")
		pending.Respond(http.StatusInternalServerError, "Failed to obtain token.")
		return credential.Credential{}, err
	}

	pending.Respond(http.StatusOK, "Token received, you can close this tab.")
	logger.Info("Authorization server closed")
	return cred, nil
}

func callbackMatcher(state string) func(*http.Request) error {
	return func(r *http.Request) error {
		if r.Method != http.MethodGet {
			return fmt.Errorf("method %s not allowed", r.Method)
		}
		q := r.URL.Query()
		if reason := q.Get("error"); reason != "" {
			return fmt.Errorf("authorization denied: %s", reason)
		}
		if got := q.Get("state"); got != "" && got != state {
			return errStateMismatch
		}
		if q.Get("code") == "" {
			return errNoCode
		}
		return nil
	}
}

// Exchange trades an authorization code for a credential. IssuedAt is left
// for the store to stamp.
func (f *Flow) Exchange(ctx context.Context, code string) (credential.Credential, error) {
	if f.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, f.httpClient)
	}

	tok, err := f.oauth.Exchange(ctx, code)
	if err != nil {
		return credential.Credential{}, fmt.Errorf("exchange authorization code: %w", err)
	}

	expiresIn := expiresInSeconds(tok, f.now())
	if expiresIn <= 0 {
		logger.Warn("Token response has no expires_in, token will be treated as expired on next start")
	}

	return credential.Credential{
		AccessToken: tok.AccessToken,
		ExpiresIn:   expiresIn,
	}, nil
}

func expiresInSeconds(tok *oauth2.Token, now time.Time) int64 {
	switch v := tok.Extra("expires_in").(type) {
	case float64:
		return int64(v)
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	if !tok.Expiry.IsZero() {
		return int64(math.Round(tok.Expiry.Sub(now).Seconds()))
	}
	return 0
}
