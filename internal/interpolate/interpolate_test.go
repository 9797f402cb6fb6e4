package interpolate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpand(t *testing.T) {
	ctx := &Context{
		Params: map[string]any{
			"calendar_id": "primary",
			"max":         float64(25),
			"all_day":     true,
		},
		Credentials: map[string]map[string]any{
			"google": {"access_token": "ya29.token"},
		},
	}

	tests := []struct {
		name string
		tmpl string
		want string
	}{
		{"bare param", "/calendars/{calendar_id}/events", "/calendars/primary/events"},
		{"params prefix", "/calendars/{params.calendar_id}", "/calendars/primary"},
		{"integer param", "limit={max}", "limit=25"},
		{"bool param", "allDay={all_day}", "allDay=true"},
		{"credential field", "Bearer {credentials.google.access_token}", "Bearer ya29.token"},
		{"no references", "/static/path", "/static/path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ctx.Expand(tt.tmpl)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExpand_FailsClosed(t *testing.T) {
	ctx := &Context{
		Params:      map[string]any{"present": "x", "obj": map[string]any{"k": "v"}},
		Credentials: map[string]map[string]any{"google": {"access_token": "t"}},
	}

	tests := []struct {
		name string
		tmpl string
	}{
		{"missing param", "/events/{event_id}"},
		{"missing credential", "{credentials.oura.access_token}"},
		{"missing credential field", "{credentials.google.refresh_token}"},
		{"malformed credential ref", "{credentials.google}"},
		{"non-scalar param", "{obj}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ctx.Expand(tt.tmpl)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrUnresolved)
		})
	}
}

func TestExpand_TracksUsedParams(t *testing.T) {
	used := make(map[string]bool)
	ctx := &Context{
		Params: map[string]any{"id": "42", "body_field": "kept"},
		Used:   used,
	}

	_, err := ctx.Expand("/items/{id}")
	require.NoError(t, err)

	assert.True(t, used["id"])
	assert.False(t, used["body_field"])
}
