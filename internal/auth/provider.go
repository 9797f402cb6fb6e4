package auth

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// TokenResponse is the normalized result of an OAuth token endpoint call.
type TokenResponse struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Expiry       time.Time
	Scope        string
}

// Scopes splits the space-separated scope string.
func (t *TokenResponse) Scopes() []string {
	if t.Scope == "" {
		return nil
	}
	return strings.Fields(t.Scope)
}

// Provider implements the OAuth contract for one credential authority.
type Provider interface {
	Name() string
	// Refreshable reports whether the provider can mint new access tokens.
	Refreshable() bool
	// Refresh exchanges a refresh token for a fresh access token.
	Refresh(ctx context.Context, refreshToken, clientID, clientSecret string) (*TokenResponse, error)
	// ExchangeCode completes the initial authorization code flow.
	ExchangeCode(ctx context.Context, code, codeVerifier, clientID, clientSecret, redirectURI string) (*TokenResponse, error)
}

// oauthProvider is a token-endpoint backed Provider built on x/oauth2.
type oauthProvider struct {
	name     string
	tokenURL string
	client   *http.Client
}

func (p *oauthProvider) Name() string      { return p.name }
func (p *oauthProvider) Refreshable() bool { return true }

// config builds the per-call oauth2 configuration. Credentials are sent as
// form parameters; auth-style autodetection would double-post against
// endpoints that reject basic auth.
func (p *oauthProvider) config(clientID, clientSecret, redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURI,
		Endpoint: oauth2.Endpoint{
			TokenURL:  p.tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// httpContext routes the oauth2 transport through the provider's client.
func (p *oauthProvider) httpContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.client)
}

func (p *oauthProvider) Refresh(ctx context.Context, refreshToken, clientID, clientSecret string) (*TokenResponse, error) {
	cfg := p.config(clientID, clientSecret, "")
	source := cfg.TokenSource(p.httpContext(ctx), &oauth2.Token{RefreshToken: refreshToken})

	token, err := source.Token()
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	return normalizeToken(token), nil
}

func (p *oauthProvider) ExchangeCode(ctx context.Context, code, codeVerifier, clientID, clientSecret, redirectURI string) (*TokenResponse, error) {
	cfg := p.config(clientID, clientSecret, redirectURI)

	var opts []oauth2.AuthCodeOption
	if codeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(codeVerifier))
	}

	token, err := cfg.Exchange(p.httpContext(ctx), code, opts...)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	return normalizeToken(token), nil
}

func normalizeToken(token *oauth2.Token) *TokenResponse {
	resp := &TokenResponse{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		Expiry:       token.Expiry,
	}
	if scope, ok := token.Extra("scope").(string); ok {
		resp.Scope = scope
	}
	return resp
}

// staticProvider covers API-key style credentials that cannot refresh.
type staticProvider struct {
	name string
}

func (p *staticProvider) Name() string      { return p.name }
func (p *staticProvider) Refreshable() bool { return false }

func (p *staticProvider) Refresh(context.Context, string, string, string) (*TokenResponse, error) {
	return nil, fmt.Errorf("provider %s does not support refresh", p.name)
}

func (p *staticProvider) ExchangeCode(context.Context, string, string, string, string, string) (*TokenResponse, error) {
	return nil, fmt.Errorf("provider %s does not support code exchange", p.name)
}

// ProviderRegistry holds the supported credential providers.
type ProviderRegistry struct {
	providers map[string]Provider
}

// NewProviderRegistry returns the built-in provider set.
func NewProviderRegistry() *ProviderRegistry {
	client := &http.Client{Timeout: 30 * time.Second}
	r := &ProviderRegistry{providers: make(map[string]Provider)}
	r.Register(&oauthProvider{name: "google", tokenURL: "https://oauth2.googleapis.com/token", client: client})
	r.Register(&oauthProvider{name: "oura", tokenURL: "https://api.ouraring.com/oauth/token", client: client})
	r.Register(&staticProvider{name: "generic"})
	return r
}

// Register adds or replaces a provider.
func (r *ProviderRegistry) Register(p Provider) {
	r.providers[p.Name()] = p
}

// Get returns the provider by name.
func (r *ProviderRegistry) Get(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// Known reports whether a provider name is registered.
func (r *ProviderRegistry) Known(name string) bool {
	_, ok := r.providers[name]
	return ok
}

// Names returns the registered provider names, sorted.
func (r *ProviderRegistry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
