package router

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/brokerd/internal/protocol"
)

func gmailManifest(baseURL string) string {
	return fmt.Sprintf(`{
		"schemaVersion": 1,
		"id": "gmail-pack",
		"name": "Gmail",
		"version": "1.0.0",
		"requires": {
			"credentials": [{"id": "google", "provider": "google"}]
		},
		"tools": [
			{"name": "gmail.messages", "description": "List messages"},
			{"name": "gmail.profile", "description": "Get profile"}
		],
		"implementation": {
			"proxy": {
				"baseUrl": "%s",
				"auth": {"strategy": "bearer", "credentialId": "google"},
				"toolBindings": {
					"gmail.messages": {
						"method": "GET",
						"path": "/gmail/v1/messages",
						"paginate": true
					},
					"gmail.profile": {
						"method": "GET",
						"path": "/gmail/v1/profile",
						"responsePath": "$.profile.emailAddress"
					}
				}
			}
		}
	}`, baseURL)
}

func TestProxy_Pagination(t *testing.T) {
	pages := map[string]string{
		"":   `{"messages":[{"id":"m1"},{"id":"m2"}],"nextPageToken":"p2"}`,
		"p2": `{"messages":[{"id":"m3"}],"nextPageToken":"p3"}`,
		"p3": `{"messages":[{"id":"m4"}]}`,
	}
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_, _ = w.Write([]byte(pages[r.URL.Query().Get("pageToken")]))
	}))
	defer srv.Close()

	f := newFixture(t, gmailManifest(srv.URL))
	f.storeToken(t, "google", "default")

	result, err := f.router.Route(context.Background(), "gmail.messages", json.RawMessage(`{}`))
	require.NoError(t, err)

	obj := result.(map[string]any)
	messages := obj["messages"].([]any)
	assert.Len(t, messages, 4)
	assert.Equal(t, 3, calls)
	_, hasToken := obj["nextPageToken"]
	assert.False(t, hasToken)
}

func TestProxy_Pagination_MaxResults(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_, _ = w.Write([]byte(`{"messages":[{"id":"a"},{"id":"b"}],"nextPageToken":"more"}`))
	}))
	defer srv.Close()

	f := newFixture(t, gmailManifest(srv.URL))
	f.storeToken(t, "google", "default")

	result, err := f.router.Route(context.Background(), "gmail.messages", json.RawMessage(`{"max_results":3}`))
	require.NoError(t, err)

	messages := result.(map[string]any)["messages"].([]any)
	assert.Len(t, messages, 3)
	assert.Equal(t, 2, calls, "pagination must stop once max_results is reached")
}

func TestProxy_ResponsePath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"profile":{"emailAddress":"me@example.com","historyId":"42"}}`))
	}))
	defer srv.Close()

	f := newFixture(t, gmailManifest(srv.URL))
	f.storeToken(t, "google", "default")

	result, err := f.router.Route(context.Background(), "gmail.profile", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "me@example.com", result)
}

func TestProxy_ResponsePath_Unresolvable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"other":true}`))
	}))
	defer srv.Close()

	f := newFixture(t, gmailManifest(srv.URL))
	f.storeToken(t, "google", "default")

	_, err := f.router.Route(context.Background(), "gmail.profile", json.RawMessage(`{}`))
	perr := requireProtocolError(t, err, protocol.CodeUpstream)
	assert.Contains(t, perr.Message, "does not resolve")
}

func apiKeyManifest(baseURL, strategy string) string {
	return fmt.Sprintf(`{
		"schemaVersion": 1,
		"id": "weather-pack",
		"name": "Weather",
		"version": "1.0.0",
		"requires": {
			"credentials": [{"id": "weather", "provider": "generic"}]
		},
		"tools": [{"name": "weather.current", "description": "Current weather"}],
		"implementation": {
			"proxy": {
				"baseUrl": "%s",
				"auth": {"strategy": "%s", "credentialId": "weather", "headerName": "X-Api-Key"},
				"toolBindings": {
					"weather.current": {"method": "GET", "path": "/current"}
				}
			}
		}
	}`, baseURL, strategy)
}

func TestProxy_APIKeyHeader(t *testing.T) {
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Api-Key")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	f := newFixture(t, apiKeyManifest(srv.URL, "api-key-header"))
	f.storeToken(t, "generic", "default")

	_, err := f.router.Route(context.Background(), "weather.current", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "token-default", gotHeader)
}

func TestProxy_APIKeyQuery(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.URL.Query().Get("X-Api-Key")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	f := newFixture(t, apiKeyManifest(srv.URL, "api-key-query"))
	f.storeToken(t, "generic", "default")

	_, err := f.router.Route(context.Background(), "weather.current", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "token-default", gotKey)
}

func TestProxy_BasicAuth(t *testing.T) {
	var gotUser, gotPass string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, _ = r.BasicAuth()
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	manifestJSON := fmt.Sprintf(`{
		"schemaVersion": 1,
		"id": "jira-pack",
		"name": "Jira",
		"version": "1.0.0",
		"requires": {
			"credentials": [{"id": "jira", "provider": "generic"}]
		},
		"tools": [{"name": "jira.issues", "description": "List issues"}],
		"implementation": {
			"proxy": {
				"baseUrl": "%s",
				"auth": {"strategy": "basic", "credentialId": "jira", "userField": "client_id", "passField": "client_secret"},
				"toolBindings": {
					"jira.issues": {"method": "GET", "path": "/issues"}
				}
			}
		}
	}`, srv.URL)

	f := newFixture(t, manifestJSON)

	rec := sampleBasicRecord()
	require.NoError(t, f.broker.StoreToken(rec))

	_, err := f.router.Route(context.Background(), "jira.issues", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "jira-user", gotUser)
	assert.Equal(t, "jira-secret", gotPass)
}

func TestProxy_LocalRateLimitPacesCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	f := newFixture(t, apiKeyManifest(srv.URL, "api-key-header"))
	f.storeToken(t, "generic", "default")

	// Burst of one at 20 req/s: the second call waits ~50ms for a token.
	f.router.rateLimit = 20
	f.router.rateBurst = 1

	start := time.Now()
	for i := 0; i < 2; i++ {
		_, err := f.router.Route(context.Background(), "weather.current", json.RawMessage(`{}`))
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestProxy_RateLimitWaitHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	f := newFixture(t, apiKeyManifest(srv.URL, "api-key-header"))
	f.storeToken(t, "generic", "default")

	f.router.rateLimit = 0.001 // next token is ~17 minutes away
	f.router.rateBurst = 1

	_, err := f.router.Route(context.Background(), "weather.current", json.RawMessage(`{}`))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = f.router.Route(ctx, "weather.current", json.RawMessage(`{}`))
	perr := requireProtocolError(t, err, protocol.CodeUpstream)
	assert.Contains(t, perr.Message, "rate limited")
}

func TestExtractPath(t *testing.T) {
	value := map[string]any{"a": map[string]any{"b": []any{1.0}}}

	got, err := extractPath(value, "$")
	require.NoError(t, err)
	assert.Equal(t, value, got)

	got, err = extractPath(value, "$.a.b")
	require.NoError(t, err)
	assert.Equal(t, []any{1.0}, got)

	got, err = extractPath(value, "a")
	require.NoError(t, err)
	assert.NotNil(t, got)

	_, err = extractPath(value, "a.missing")
	assert.Error(t, err)
}
