package handlers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fyrsmithlabs/brokerd/internal/auth"
	"github.com/fyrsmithlabs/brokerd/internal/protocol"
)

// AuthHandler serves the auth namespace over the credential broker.
type AuthHandler struct {
	broker *auth.Broker
}

// NewAuthHandler creates the auth namespace handler.
func NewAuthHandler(broker *auth.Broker) *AuthHandler {
	return &AuthHandler{broker: broker}
}

type accountParams struct {
	Provider string   `json:"provider"`
	Account  string   `json:"account"`
	Scopes   []string `json:"scopes"`
}

// Handle implements the dispatch handler contract. Credential-store actions
// arrive as dotted sub-actions (credentials.store, credentials.get, ...).
func (h *AuthHandler) Handle(ctx context.Context, action string, params json.RawMessage) (any, error) {
	switch action {
	case "status":
		return h.broker.Status(), nil

	case "providers":
		return map[string]any{"providers": h.broker.Providers()}, nil

	case "accounts":
		var p accountParams
		_ = json.Unmarshal(params, &p)
		return map[string]any{"accounts": h.broker.Accounts(p.Provider)}, nil

	case "token":
		p, err := decodeAccountParams(params)
		if err != nil {
			return nil, err
		}
		return h.broker.GetToken(ctx, p.Provider, p.Account, p.Scopes)

	case "refresh":
		p, err := decodeAccountParams(params)
		if err != nil {
			return nil, err
		}
		return h.broker.Refresh(ctx, p.Provider, p.Account)

	case "revoke":
		p, err := decodeAccountParams(params)
		if err != nil {
			return nil, err
		}
		if err := h.broker.Revoke(p.Provider, p.Account); err != nil {
			return nil, err
		}
		return map[string]any{"revoked": true}, nil

	case "store":
		return h.store(params)

	case "credentials.store":
		var p struct {
			Label  string            `json:"label"`
			Fields map[string]string `json:"fields"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.Label == "" {
			return nil, protocol.InvalidParams("label and fields are required")
		}
		if err := h.broker.CredentialStore(p.Label, p.Fields); err != nil {
			return nil, err
		}
		return map[string]any{"stored": true}, nil

	case "credentials.get":
		label, err := decodeLabel(params)
		if err != nil {
			return nil, err
		}
		return h.broker.CredentialGet(label)

	case "credentials.list":
		return map[string]any{"labels": h.broker.CredentialList()}, nil

	case "credentials.delete":
		label, err := decodeLabel(params)
		if err != nil {
			return nil, err
		}
		if err := h.broker.CredentialDelete(label); err != nil {
			return nil, err
		}
		return map[string]any{"deleted": true}, nil

	case "credentials.rename":
		var p struct {
			From string `json:"from"`
			To   string `json:"to"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.From == "" || p.To == "" {
			return nil, protocol.InvalidParams("from and to labels are required")
		}
		if err := h.broker.CredentialRename(p.From, p.To); err != nil {
			return nil, err
		}
		return map[string]any{"renamed": true}, nil

	default:
		return nil, protocol.MethodNotFound("auth." + action)
	}
}

// store accepts the token produced by an external authorization flow.
func (h *AuthHandler) store(params json.RawMessage) (any, error) {
	var p struct {
		Provider  string `json:"provider"`
		Account   string `json:"account"`
		TokenData struct {
			ClientID     string   `json:"client_id"`
			ClientSecret string   `json:"client_secret"`
			AccessToken  string   `json:"access_token"`
			RefreshToken string   `json:"refresh_token"`
			TokenType    string   `json:"token_type"`
			ExpiresIn    int      `json:"expires_in"`
			Expiry       string   `json:"expiry"`
			Scopes       []string `json:"scopes"`
		} `json:"token_data"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protocol.InvalidParams("invalid token payload")
	}
	if p.Provider == "" || p.TokenData.AccessToken == "" {
		return nil, protocol.InvalidParams("provider and token_data.access_token are required")
	}

	now := time.Now().UTC()
	rec := &auth.TokenRecord{
		Provider:     p.Provider,
		Account:      p.Account,
		ClientID:     p.TokenData.ClientID,
		ClientSecret: p.TokenData.ClientSecret,
		AccessToken:  p.TokenData.AccessToken,
		RefreshToken: p.TokenData.RefreshToken,
		TokenType:    p.TokenData.TokenType,
		Scopes:       p.TokenData.Scopes,
		IssuedAt:     now,
	}
	switch {
	case p.TokenData.Expiry != "":
		expiry, err := time.Parse(time.RFC3339, p.TokenData.Expiry)
		if err != nil {
			return nil, protocol.InvalidParams("token_data.expiry must be RFC3339")
		}
		rec.Expiry = expiry
	case p.TokenData.ExpiresIn > 0:
		rec.Expiry = now.Add(time.Duration(p.TokenData.ExpiresIn) * time.Second)
	default:
		return nil, protocol.InvalidParams("token_data requires expiry or expires_in")
	}

	if err := h.broker.StoreToken(rec); err != nil {
		return nil, err
	}
	return map[string]any{"stored": true, "provider": rec.Provider, "account": rec.Account}, nil
}

func decodeAccountParams(params json.RawMessage) (*accountParams, error) {
	var p accountParams
	if err := json.Unmarshal(params, &p); err != nil || p.Provider == "" {
		return nil, protocol.InvalidParams("provider is required")
	}
	return &p, nil
}

func decodeLabel(params json.RawMessage) (string, error) {
	var p struct {
		Label string `json:"label"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Label == "" {
		return "", protocol.InvalidParams("label is required")
	}
	return p.Label, nil
}
