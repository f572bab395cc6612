// Package auth resolves bearer tokens for the remote store.
//
// The Manager never performs an interactive OAuth handshake. It asks an
// oauth2.TokenSource for a token, caches it, and drops it on Invalidate. The
// next CurrentAccessToken call builds a fresh source, so a refresh-token
// configuration acquires a new access token while a static token yields the
// same (still rejected) value again.
package auth

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"cloudfs/internal/events"
)

// SourceFactory builds a token source. It is called again after every Invalidate.
type SourceFactory func(ctx context.Context) oauth2.TokenSource

// Config describes where tokens come from.
type Config struct {
	AccessToken  string
	RefreshToken string
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
}

// NewSourceFactory returns a refresh-token factory when a refresh token and
// token URL are configured, otherwise a static access token factory.
func NewSourceFactory(cfg Config) SourceFactory {
	if cfg.RefreshToken != "" && cfg.TokenURL != "" {
		oc := &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.TokenURL},
			Scopes:       cfg.Scopes,
		}
		return func(ctx context.Context) oauth2.TokenSource {
			// no access token forces a refresh on first use
			return oc.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})
		}
	}

	return func(context.Context) oauth2.TokenSource {
		if cfg.AccessToken == "" {
			return nil
		}
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.AccessToken, TokenType: "Bearer"})
	}
}

// Manager caches the current access token and announces authorization changes.
type Manager struct {
	mu        sync.Mutex
	factory   SourceFactory
	source    oauth2.TokenSource
	token     string
	bus       *events.Bus
	logger    *zap.Logger
	listeners map[int]func(authorized bool)
	nextID    int
}

// NewManager creates a token manager.
func NewManager(factory SourceFactory, bus *events.Bus, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		factory:   factory,
		bus:       bus,
		logger:    logger.With(zap.String("component", "auth")),
		listeners: make(map[int]func(bool)),
	}
}

// CurrentAccessToken returns the cached token, fetching one from the token
// source when none is cached. The boolean is false when no token is available.
func (m *Manager) CurrentAccessToken(ctx context.Context) (string, bool) {
	m.mu.Lock()
	if m.token != "" {
		token := m.token
		m.mu.Unlock()
		return token, true
	}

	if m.source == nil && m.factory != nil {
		m.source = m.factory(ctx)
	}
	source := m.source
	m.mu.Unlock()

	if source == nil {
		return "", false
	}

	tok, err := source.Token()
	if err != nil || !tok.Valid() {
		m.logger.Warn("Failed to obtain access token", zap.Error(err))
		return "", false
	}

	m.mu.Lock()
	m.token = tok.AccessToken
	m.mu.Unlock()

	m.notify(true)
	return tok.AccessToken, true
}

// IsAuthorized reports whether a token is currently cached.
func (m *Manager) IsAuthorized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token != ""
}

// Invalidate drops the cached token and source.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	had := m.token != ""
	m.token = ""
	m.source = nil
	m.mu.Unlock()

	m.logger.Debug("Cleared access token")
	if had {
		m.notify(false)
	}
}

// OnAuthorizationChanged registers fn for authorization changes and returns
// a function that removes it.
func (m *Manager) OnAuthorizationChanged(fn func(authorized bool)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

func (m *Manager) notify(authorized bool) {
	m.mu.Lock()
	fns := make([]func(bool), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(authorized)
	}
	m.bus.Publish(events.AuthChanged, events.AuthDetail{Authorized: authorized})
}
