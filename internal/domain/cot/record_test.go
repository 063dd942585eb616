package cot

import (
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

func TestRecordFromMap(t *testing.T) {
	raw := map[string]any{
		"uid":       "dev-9",
		"latitude":  "48.8584",
		"longitude": 2.2945,
		"alt":       json.Number("330"),
		"accuracy":  "bogus",
		"speed":     3,
		"timestamp": "2024-03-01T10:00:00Z",
		"team":      map[string]any{"role": "Team Lead", "color": "Red", "battery": 80},
		"custom_attributes": map[string]any{
			"note": "hi",
		},
	}
	rec, err := RecordFromMap(raw)
	require.NoError(t, err)
	require.Equal(t, "dev-9", rec.UID)
	require.Equal(t, "dev-9", rec.Name)
	require.InDelta(t, 48.8584, rec.Lat, 1e-9)
	require.InDelta(t, 2.2945, rec.Lon, 1e-9)
	require.NotNil(t, rec.Altitude)
	require.Equal(t, 330.0, *rec.Altitude)
	require.Nil(t, rec.Accuracy)
	require.Equal(t, 3.0, *rec.Speed)
	require.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), rec.Timestamp)
	require.Equal(t, ModeTeamMember, rec.Mode())
	require.Equal(t, "Team Lead", rec.Team.Role)
	require.Equal(t, "80", rec.Team.Battery)
	require.Equal(t, "hi", rec.Custom["note"])
}

func TestRecordFromMapRequiresIdentityAndCoordinates(t *testing.T) {
	_, err := RecordFromMap(map[string]any{"lat": 1, "lon": 1})
	require.ErrorIs(t, err, ErrMissingUID)

	_, err = RecordFromMap(map[string]any{"uid": "x", "lat": "north", "lon": 1})
	require.ErrorIs(t, err, ErrInvalidCoordinates)
}

func TestRecordFromMapUnixTimestamps(t *testing.T) {
	rec, err := RecordFromMap(map[string]any{"uid": "u", "lat": 0, "lon": 0, "timestamp": 1700000000.5})
	require.NoError(t, err)
	require.Equal(t, time.Unix(1700000000, 500_000_000).UTC(), rec.Timestamp)

	rec, err = RecordFromMap(map[string]any{"uid": "u", "lat": 0, "lon": 0, "timestamp": float64(1700000000123)})
	require.NoError(t, err)
	require.Equal(t, time.UnixMilli(1700000000123).UTC(), rec.Timestamp)
}

func TestRecordFromMapLegacyTeamFlags(t *testing.T) {
	rec, err := RecordFromMap(map[string]any{
		"uid": "u", "lat": 0, "lon": 0,
		"team_member": "true", "team_role": "Sniper", "team_color": "Blue",
	})
	require.NoError(t, err)
	require.Equal(t, ModeTeamMember, rec.Mode())
	require.Equal(t, "Blue", rec.Team.Color)

	rec, err = RecordFromMap(map[string]any{"uid": "u", "lat": 0, "lon": 0, "team": map[string]any{"enabled": false}})
	require.NoError(t, err)
	require.Equal(t, ModeStandard, rec.Mode())
}
