package cot

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// Mode enumerates the event flavours the encoder can produce.
type Mode string

const (
	// ModeStandard renders a generic GPS position report.
	ModeStandard Mode = "standard"
	// ModeTeamMember renders an ATAK team member marker.
	ModeTeamMember Mode = "team_member"
)

// TeamMetadata selects team-member rendering and carries its decorations.
type TeamMetadata struct {
	Enabled bool   `json:"enabled"`
	Role    string `json:"role"`
	Color   string `json:"color"`
	Battery string `json:"battery"`
}

// LocationRecord is a producer-supplied position update for one device.
type LocationRecord struct {
	UID         string
	Name        string
	Lat         float64
	Lon         float64
	Altitude    *float64
	Accuracy    *float64
	Speed       *float64
	Course      *float64
	Timestamp   time.Time
	Description string
	Type        string
	Team        *TeamMetadata
	Custom      map[string]any
}

// Mode reports which rendering the record selects.
func (r LocationRecord) Mode() Mode {
	if r.Team != nil && r.Team.Enabled {
		return ModeTeamMember
	}
	return ModeStandard
}

var (
	// ErrMissingUID indicates a record without a device identity.
	ErrMissingUID = errors.New("location record missing uid")
	// ErrInvalidCoordinates indicates missing or non-finite latitude/longitude.
	ErrInvalidCoordinates = errors.New("location record has invalid coordinates")
)

// Validate reports whether the record carries the mandatory fields.
func (r LocationRecord) Validate() error {
	if strings.TrimSpace(r.UID) == "" {
		return ErrMissingUID
	}
	if !finite(r.Lat) || !finite(r.Lon) {
		return fmt.Errorf("%w: lat=%v lon=%v", ErrInvalidCoordinates, r.Lat, r.Lon)
	}
	return nil
}

// RecordFromMap decodes a loosely typed producer payload.
// Unparseable optional values are dropped; uid, lat and lon are mandatory.
func RecordFromMap(raw map[string]any) (LocationRecord, error) {
	rec := LocationRecord{
		UID:         strings.TrimSpace(stringOf(first(raw, "uid", "id", "device_id"))),
		Name:        strings.TrimSpace(stringOf(first(raw, "name", "callsign"))),
		Description: stringOf(first(raw, "description", "remarks")),
		Type:        strings.TrimSpace(stringOf(first(raw, "type", "cot_type"))),
	}
	if rec.UID == "" {
		return LocationRecord{}, ErrMissingUID
	}
	if rec.Name == "" {
		rec.Name = rec.UID
	}

	lat, okLat := floatOf(first(raw, "lat", "latitude"))
	lon, okLon := floatOf(first(raw, "lon", "lng", "longitude"))
	if !okLat || !okLon {
		return LocationRecord{}, fmt.Errorf("%w: uid=%s", ErrInvalidCoordinates, rec.UID)
	}
	rec.Lat, rec.Lon = lat, lon

	rec.Altitude = optionalFloat(first(raw, "altitude", "alt", "hae"))
	rec.Accuracy = optionalFloat(first(raw, "accuracy", "ce"))
	rec.Speed = optionalFloat(raw["speed"])
	rec.Course = optionalFloat(first(raw, "course", "heading"))
	rec.Timestamp = timeOf(first(raw, "timestamp", "time"))

	if team, ok := raw["team"].(map[string]any); ok {
		rec.Team = &TeamMetadata{
			Enabled: boolOf(team["enabled"], true),
			Role:    stringOf(team["role"]),
			Color:   stringOf(team["color"]),
			Battery: stringOf(team["battery"]),
		}
	} else if boolOf(raw["team_member"], false) {
		rec.Team = &TeamMetadata{
			Enabled: true,
			Role:    stringOf(raw["team_role"]),
			Color:   stringOf(raw["team_color"]),
			Battery: stringOf(raw["battery"]),
		}
	}
	if custom, ok := first(raw, "custom_attributes", "custom").(map[string]any); ok {
		rec.Custom = custom
	}
	return rec, nil
}

func first(raw map[string]any, keys ...string) any {
	for _, key := range keys {
		if value, ok := raw[key]; ok && value != nil {
			return value
		}
	}
	return nil
}

func stringOf(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

func floatOf(value any) (float64, bool) {
	var out float64
	switch v := value.(type) {
	case float64:
		out = v
	case float32:
		out = float64(v)
	case int:
		out = float64(v)
	case int64:
		out = float64(v)
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return 0, false
		}
		out = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		out = parsed
	default:
		return 0, false
	}
	return out, finite(out)
}

func optionalFloat(value any) *float64 {
	v, ok := floatOf(value)
	if !ok {
		return nil
	}
	return &v
}

func boolOf(value any, fallback bool) bool {
	switch v := value.(type) {
	case bool:
		return v
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fallback
		}
		return parsed
	case nil:
		return fallback
	default:
		if f, ok := floatOf(v); ok {
			return f != 0
		}
		return fallback
	}
}

// timeOf accepts RFC3339 strings or unix seconds/milliseconds.
func timeOf(value any) time.Time {
	switch v := value.(type) {
	case time.Time:
		return v.UTC()
	case string:
		trimmed := strings.TrimSpace(v)
		for _, layout := range []string{time.RFC3339Nano, timeLayout, "2006-01-02 15:04:05"} {
			if ts, err := time.Parse(layout, trimmed); err == nil {
				return ts.UTC()
			}
		}
		if f, ok := floatOf(trimmed); ok {
			return unixTime(f)
		}
	default:
		if f, ok := floatOf(v); ok {
			return unixTime(f)
		}
	}
	return time.Time{}
}

func unixTime(f float64) time.Time {
	if f <= 0 {
		return time.Time{}
	}
	// Values past year 33658 in seconds are treated as milliseconds.
	if f > 1e12 {
		return time.UnixMilli(int64(f)).UTC()
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
