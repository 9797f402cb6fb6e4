package auth

import "time"

// TokenRecord is the plaintext form of a stored credential. It never hits
// disk unencrypted.
type TokenRecord struct {
	Provider      string    `json:"provider"`
	Account       string    `json:"account"`
	ClientID      string    `json:"client_id,omitempty"`
	ClientSecret  string    `json:"client_secret,omitempty"`
	AccessToken   string    `json:"access_token"`
	RefreshToken  string    `json:"refresh_token,omitempty"`
	TokenType     string    `json:"token_type"`
	Expiry        time.Time `json:"expiry"`
	Scopes        []string  `json:"scopes,omitempty"`
	IssuedAt      time.Time `json:"issued_at"`
	LastRefreshed time.Time `json:"last_refreshed"`
}

// HasScopes reports whether the record covers every requested scope.
func (r *TokenRecord) HasScopes(needs []string) (missing []string) {
	has := make(map[string]bool, len(r.Scopes))
	for _, s := range r.Scopes {
		has[s] = true
	}
	for _, s := range needs {
		if !has[s] {
			missing = append(missing, s)
		}
	}
	return missing
}

// Wipe zeroes secret material before the record is discarded. Go strings
// are immutable so this clears references, not bytes; the encrypted blob is
// the durable form.
func (r *TokenRecord) Wipe() {
	r.AccessToken = ""
	r.RefreshToken = ""
	r.ClientSecret = ""
}

// IndexEntry is the unencrypted metadata row for one stored credential.
// It carries no secret material.
type IndexEntry struct {
	Provider      string    `json:"provider"`
	Account       string    `json:"account"`
	File          string    `json:"file"`
	Scopes        []string  `json:"scopes,omitempty"`
	Expiry        time.Time `json:"expiry"`
	LastRefreshed time.Time `json:"last_refreshed"`
}

// AccountInfo is the client-facing view of an index entry.
type AccountInfo struct {
	Provider      string    `json:"provider"`
	Account       string    `json:"account"`
	Scopes        []string  `json:"scopes,omitempty"`
	Expiry        time.Time `json:"expiry"`
	LastRefreshed time.Time `json:"last_refreshed"`
}

// TokenInfo is what get-token returns to callers.
type TokenInfo struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	Expiry      time.Time `json:"expiry"`
	Scopes      []string  `json:"scopes,omitempty"`
}
