// Package oidc implements an identity.Provider backed by a generic OpenID
// Connect provider.
package oidc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-jose/go-jose/v3/jwt"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/tradepost-io/identity/internal/events"
	"github.com/tradepost-io/identity/internal/log"
	"github.com/tradepost-io/identity/pkg/identity"
)

// Config holds the fields required to talk to an OpenID Connect provider.
type Config struct {
	ProviderURL  string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// Scopes defaults to "openid profile email".
	Scopes []string
}

// Provider is an identity.Provider backed by OpenID Connect. It holds at most
// one session at a time; Redeem, token refresh and Invalidate all replace the
// session wholesale and dispatch a change event.
type Provider struct {
	cfg      Config
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier
	oauth    *oauth2.Config

	// revocationEndpoint is non-empty when the provider advertises RFC 7009
	// token revocation.
	revocationEndpoint string

	mu      sync.Mutex
	token   *oauth2.Token
	session *identity.Session

	onChange events.Target[*identity.Session]
}

// New creates a new Provider from OIDC discovery.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.ProviderURL == "" {
		return nil, errors.New("oidc: missing provider url")
	}
	provider, err := oidc.NewProvider(ctx, cfg.ProviderURL)
	if err != nil {
		return nil, fmt.Errorf("oidc: provider discovery: %w", err)
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}

	p := &Provider{
		cfg:      cfg,
		provider: provider,
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
		},
	}

	var metadata struct {
		RevocationEndpoint string `json:"revocation_endpoint"`
	}
	if err := provider.Claims(&metadata); err == nil {
		p.revocationEndpoint = metadata.RevocationEndpoint
	}

	return p, nil
}

// SignInURL returns the sign-in url with typical oauth parameters.
func (p *Provider) SignInURL(state string) string {
	return p.oauth.AuthCodeURL(state)
}

// Redeem converts an authorization code into a session and dispatches a
// session change event.
func (p *Provider) Redeem(ctx context.Context, code string) (*identity.Session, error) {
	token, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("oidc: token exchange: %w", err)
	}

	s, err := p.sessionFromToken(ctx, token)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.token = token
	p.session = s
	p.mu.Unlock()
	p.onChange.Dispatch(s)
	return s, nil
}

// CurrentSession returns the current session, refreshing the underlying
// oauth2 token first if it has expired. An unreachable provider is reported
// as identity.ErrProviderUnavailable.
func (p *Provider) CurrentSession(ctx context.Context) (*identity.Session, error) {
	p.mu.Lock()
	token, session := p.token, p.session
	p.mu.Unlock()

	if token == nil {
		return nil, nil
	}
	if token.Valid() {
		return session, nil
	}

	newToken, err := p.oauth.TokenSource(ctx, token).Token()
	if err != nil {
		return nil, fmt.Errorf("%w: refresh: %v", identity.ErrProviderUnavailable, err)
	}
	s, err := p.sessionFromToken(ctx, newToken)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.token = newToken
	p.session = s
	p.mu.Unlock()
	p.onChange.Dispatch(s)
	return s, nil
}

// CurrentIdentity re-validates and returns the current principal. A session
// that has expired and cannot be refreshed yields nil.
func (p *Provider) CurrentIdentity(ctx context.Context) (*identity.Identity, error) {
	s, err := p.CurrentSession(ctx)
	if err != nil || s == nil {
		return nil, err
	}
	id := s.Identity
	return &id, nil
}

// Invalidate revokes the current token when the provider supports RFC 7009
// and clears the session. A change event is dispatched regardless of
// revocation outcome.
func (p *Provider) Invalidate(ctx context.Context) error {
	p.mu.Lock()
	token := p.token
	p.token = nil
	p.session = nil
	p.mu.Unlock()
	defer p.onChange.Dispatch(nil)

	if token == nil || p.revocationEndpoint == "" {
		return nil
	}
	if err := p.revoke(ctx, token); err != nil {
		return fmt.Errorf("oidc: revocation: %w", err)
	}
	return nil
}

// OnSessionChange registers a listener for session change events.
func (p *Provider) OnSessionChange(listener events.Listener[*identity.Session]) events.Handle {
	return p.onChange.AddListener(listener)
}

// RemoveSessionListener unregisters a listener.
func (p *Provider) RemoveSessionListener(handle events.Handle) {
	p.onChange.RemoveListener(handle)
}

func (p *Provider) sessionFromToken(ctx context.Context, token *oauth2.Token) (*identity.Session, error) {
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return nil, errors.New("oidc: token response missing id_token")
	}
	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("oidc: verify id_token: %w", err)
	}

	var claims struct {
		JTI   string `json:"jti"`
		Email string `json:"email"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("oidc: parse id_token claims: %w", err)
	}
	if claims.JTI == "" {
		claims.JTI = uuid.NewString()
	}

	s := &identity.Session{
		ID: claims.JTI,
		Identity: identity.Identity{
			ID:    idToken.Subject,
			Email: claims.Email,
		},
		IssuedAt:  jwt.NewNumericDate(idToken.IssuedAt),
		ExpiresAt: jwt.NewNumericDate(idToken.Expiry),
	}

	if s.Identity.Email == "" {
		// some providers only expose email via the userinfo endpoint
		if info, err := p.provider.UserInfo(ctx, oauth2.StaticTokenSource(token)); err == nil {
			s.Identity.Email = info.Email
		} else {
			log.Warn(ctx).Err(err).Msg("oidc: failed to fetch userinfo")
		}
	}

	return s, nil
}

func (p *Provider) revoke(ctx context.Context, token *oauth2.Token) error {
	body := url.Values{
		"token":           {token.AccessToken},
		"token_type_hint": {"access_token"},
		"client_id":       {p.cfg.ClientID},
		"client_secret":   {p.cfg.ClientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.revocationEndpoint,
		strings.NewReader(body.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode/100 != 2 {
		return fmt.Errorf("unexpected status: %s", res.Status)
	}
	return nil
}
