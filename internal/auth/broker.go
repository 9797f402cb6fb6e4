// Package auth implements the broker's credential store: encrypted at-rest
// token records, OAuth refresh with a background daemon, and the generic
// labeled secret store.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/brokerd/internal/config"
	"github.com/fyrsmithlabs/brokerd/internal/logging"
	"github.com/fyrsmithlabs/brokerd/internal/protocol"
)

// Broker exposes credential operations to the dispatch layer and the GUI.
type Broker struct {
	store     *Store
	providers *ProviderRegistry
	cfg       config.AuthConfig
	logger    *logging.Logger

	locks sync.Map // "provider:account" -> *sync.Mutex

	// OnRefresh observes refresh attempts (metrics hook).
	OnRefresh func(success bool)
}

// NewBroker wires the broker over an opened store.
func NewBroker(store *Store, providers *ProviderRegistry, cfg config.AuthConfig, logger *logging.Logger) *Broker {
	return &Broker{store: store, providers: providers, cfg: cfg, logger: logger}
}

// Providers returns the supported provider identifiers.
func (b *Broker) Providers() []string {
	return b.providers.Names()
}

// ProviderKnown reports whether the provider is registered. Handed to the
// manifest registry as its credential-type guard.
func (b *Broker) ProviderKnown(name string) bool {
	return b.providers.Known(name)
}

// Status summarizes store state without exposing secrets.
func (b *Broker) Status() map[string]any {
	return map[string]any{
		"initialized":          true,
		"account_count":        b.store.Count(),
		"master_key_available": !b.store.key.IsEmpty(),
		"gog_passphrase_set":   b.cfg.GogPassphrase.IsSet(),
	}
}

// Accounts lists stored accounts, optionally filtered by provider.
func (b *Broker) Accounts(provider string) []AccountInfo {
	return b.store.List(provider)
}

// StoreToken encrypts and persists a token record, normalizing bookkeeping
// fields. Initial authorization happens elsewhere (GUI or external flow);
// the broker only accepts the resulting record.
func (b *Broker) StoreToken(rec *TokenRecord) error {
	if !b.providers.Known(rec.Provider) {
		return protocol.NewError(protocol.CodeProviderNotSupported, "Provider not supported: "+rec.Provider)
	}
	if rec.Account == "" {
		rec.Account = "default"
	}
	if rec.TokenType == "" {
		rec.TokenType = "Bearer"
	}
	now := time.Now().UTC()
	if rec.IssuedAt.IsZero() {
		rec.IssuedAt = now
	}
	if rec.LastRefreshed.IsZero() {
		rec.LastRefreshed = now
	}
	if !rec.Expiry.After(rec.IssuedAt) {
		return protocol.InvalidParams("token expiry must be after issued_at")
	}
	return b.wrapStoreErr(b.store.Write(rec))
}

// GetToken returns a valid access token for (provider, account), refreshing
// first when the stored token expires within the skew window. When scopes
// are given and not covered, the call fails with scope data for the client.
func (b *Broker) GetToken(ctx context.Context, provider, account string, scopes []string) (*TokenInfo, error) {
	if account == "" {
		account = "default"
	}
	if !b.providers.Known(provider) {
		return nil, protocol.NewError(protocol.CodeProviderNotSupported, "Provider not supported: "+provider)
	}

	rec, err := b.readRecord(provider, account)
	if err != nil {
		return nil, err
	}

	if missing := rec.HasScopes(scopes); len(missing) > 0 {
		return nil, protocol.NewErrorWithData(protocol.CodeScopeInsufficient,
			"Stored token lacks required scopes",
			map[string]any{"has": rec.Scopes, "needs": missing})
	}

	if b.needsRefresh(rec) {
		rec, err = b.refreshRecord(ctx, provider, account, b.cfg.ExpirySkew.Duration(), false)
		if err != nil {
			return nil, err
		}
	}

	info := &TokenInfo{
		AccessToken: rec.AccessToken,
		TokenType:   rec.TokenType,
		Expiry:      rec.Expiry,
		Scopes:      rec.Scopes,
	}
	return info, nil
}

// GetCredential runs the get-token flow but returns the full decrypted
// field map. The capability router injects these fields into proxy auth
// headers and script environments.
func (b *Broker) GetCredential(ctx context.Context, provider, account string, scopes []string) (map[string]any, error) {
	if _, err := b.GetToken(ctx, provider, account, scopes); err != nil {
		return nil, err
	}
	if account == "" {
		account = "default"
	}
	rec, err := b.readRecord(provider, account)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal credential fields: %w", err)
	}
	fields := make(map[string]any)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("decode credential fields: %w", err)
	}
	return fields, nil
}

// Refresh forces a refresh regardless of expiry.
func (b *Broker) Refresh(ctx context.Context, provider, account string) (*TokenInfo, error) {
	if account == "" {
		account = "default"
	}
	if !b.providers.Known(provider) {
		return nil, protocol.NewError(protocol.CodeProviderNotSupported, "Provider not supported: "+provider)
	}
	rec, err := b.refreshRecord(ctx, provider, account, 0, true)
	if err != nil {
		return nil, err
	}
	return &TokenInfo{AccessToken: rec.AccessToken, TokenType: rec.TokenType, Expiry: rec.Expiry, Scopes: rec.Scopes}, nil
}

// Revoke deletes the stored credential.
func (b *Broker) Revoke(provider, account string) error {
	if account == "" {
		account = "default"
	}
	return b.wrapStoreErr(b.store.Delete(provider, account))
}

func (b *Broker) needsRefresh(rec *TokenRecord) bool {
	return !rec.Expiry.After(time.Now().Add(b.cfg.ExpirySkew.Duration()))
}

// refreshRecord performs one locked refresh for (provider, account). Both
// the daemon and client paths land here; the expiry is rechecked under the
// lock (against the caller's horizon) so concurrent callers trigger exactly
// one network refresh.
func (b *Broker) refreshRecord(ctx context.Context, provider, account string, horizon time.Duration, force bool) (*TokenRecord, error) {
	mu := b.lockFor(provider, account)
	mu.Lock()
	defer mu.Unlock()

	rec, err := b.readRecord(provider, account)
	if err != nil {
		return nil, err
	}
	if !force && rec.Expiry.After(time.Now().Add(horizon)) {
		return rec, nil
	}

	p, _ := b.providers.Get(provider)
	if !p.Refreshable() || rec.RefreshToken == "" {
		return nil, protocol.NewError(protocol.CodeTokenRefreshFailed,
			fmt.Sprintf("Token refresh failed for %s:%s: no refresh token available", provider, account))
	}

	resp, err := p.Refresh(ctx, rec.RefreshToken, rec.ClientID, rec.ClientSecret)
	if b.OnRefresh != nil {
		b.OnRefresh(err == nil)
	}
	if err != nil {
		b.logger.Warn(ctx, "token refresh failed",
			zap.String("provider", provider), zap.String("account", account), zap.Error(err))
		return nil, protocol.NewError(protocol.CodeTokenRefreshFailed,
			fmt.Sprintf("Token refresh failed for %s:%s: %v", provider, account, err))
	}

	now := time.Now().UTC()
	rec.AccessToken = resp.AccessToken
	if resp.RefreshToken != "" {
		rec.RefreshToken = resp.RefreshToken
	}
	if resp.TokenType != "" {
		rec.TokenType = resp.TokenType
	}
	if scopes := resp.Scopes(); len(scopes) > 0 {
		rec.Scopes = scopes
	}
	rec.Expiry = resp.Expiry.UTC()
	if resp.Expiry.IsZero() {
		// Endpoints that omit expires_in get a conservative default so the
		// daemon keeps cycling the token.
		rec.Expiry = now.Add(time.Hour)
	}
	rec.LastRefreshed = now

	if err := b.store.Write(rec); err != nil {
		return nil, b.wrapStoreErr(err)
	}
	b.logger.Info(ctx, "token refreshed",
		zap.String("provider", provider), zap.String("account", account),
		zap.Time("expiry", rec.Expiry))
	return rec, nil
}

func (b *Broker) readRecord(provider, account string) (*TokenRecord, error) {
	rec, err := b.store.Read(provider, account)
	if err != nil {
		return nil, b.wrapStoreErr(err)
	}
	return rec, nil
}

func (b *Broker) wrapStoreErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound):
		return protocol.NewError(protocol.CodeTokenNotFound, "Token not found"+notFoundSuffix(err))
	case errors.Is(err, ErrDecrypt):
		return protocol.NewError(protocol.CodeMasterKeyUnavailable, "Cannot decrypt credential store")
	default:
		return err
	}
}

// notFoundSuffix extracts the "provider:account" tail from store errors so
// the client message names the missing credential.
func notFoundSuffix(err error) string {
	const marker = "credential not found: "
	msg := err.Error()
	if pos := strings.Index(msg, marker); pos >= 0 {
		return " for " + msg[pos+len(marker):]
	}
	return ""
}

func (b *Broker) lockFor(provider, account string) *sync.Mutex {
	key := provider + ":" + account
	actual, _ := b.locks.LoadOrStore(key, &sync.Mutex{})
	return actual.(*sync.Mutex)
}
