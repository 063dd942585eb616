// Package cot renders location records into Cursor-on-Target XML events.
package cot

import (
	"fmt"
	"log"
	"math"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/takbridge/errs"
)

const (
	// TypeTeamMember is the COT type code for a friendly ground unit combatant.
	TypeTeamMember = "a-f-G-U-C"
	// DefaultType is used when neither the record nor the encoder config names one.
	DefaultType = "a-f-G-U-C"
	// HowGPS marks machine generated GPS reports.
	HowGPS = "m-g"
	// HowHumanEntered marks team member markers.
	HowHumanEntered = "h-e"
	// DefaultStale is the default lifetime of an emitted event.
	DefaultStale = 300 * time.Second

	unknownError   = 9999999.0
	defaultBattery = 100
	maxCustomDepth = 8
	timeLayout     = "2006-01-02T15:04:05.000Z"
	eventVersion   = "2.0"
	standardMarker = "*:-1:stcp"
)

var safeName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.-]{0,63}$`)

// reservedDetail lists detail children generated by the encoder that custom attributes cannot override.
var reservedDetail = map[string]struct{}{
	"contact":           {},
	"__group":           {},
	"group":             {},
	"status":            {},
	"uid":               {},
	"precisionlocation": {},
	"track":             {},
	"remarks":           {},
	"takv":              {},
	"point":             {},
	"detail":            {},
}

var reservedRoot = map[string]struct{}{
	"version": {},
	"uid":     {},
	"type":    {},
	"time":    {},
	"start":   {},
	"stale":   {},
	"how":     {},
}

// Event is an encoded COT payload with the identity fields needed for queueing.
type Event struct {
	UID     string
	Type    string
	Time    time.Time
	Payload []byte
}

// Size returns the payload length in bytes.
func (e Event) Size() int {
	return len(e.Payload)
}

// Config controls encoder defaults.
type Config struct {
	StaleAfter  time.Duration
	DefaultType string
}

// Encoder converts location records into events. It is safe for concurrent use.
type Encoder struct {
	cfg    Config
	now    func() time.Time
	logger *log.Logger
	clock  *stampClock
}

// stampClock issues times for records that carry none. Successive stamps
// are strictly increasing so a later update for a device always supersedes
// an earlier one, even within the same millisecond.
type stampClock struct {
	mu   sync.Mutex
	last time.Time
}

func (c *stampClock) next(now time.Time) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !now.After(c.last) {
		now = c.last.Add(time.Microsecond)
	}
	c.last = now
	return now
}

// NewEncoder constructs an encoder; zero config values fall back to defaults.
func NewEncoder(cfg Config, logger *log.Logger) *Encoder {
	if logger == nil {
		logger = log.New(os.Stdout, "cot ", log.LstdFlags|log.Lmicroseconds)
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStale
	}
	if strings.TrimSpace(cfg.DefaultType) == "" {
		cfg.DefaultType = DefaultType
	}
	return &Encoder{cfg: cfg, now: time.Now, logger: logger, clock: &stampClock{}}
}

// WithConfig returns an encoder using cfg that keeps issuing stamps from the
// same clock as enc.
func (enc *Encoder) WithConfig(cfg Config) *Encoder {
	next := NewEncoder(cfg, enc.logger)
	next.now = enc.now
	next.clock = enc.clock
	return next
}

// Config returns the effective encoder configuration.
func (enc *Encoder) Config() Config {
	return enc.cfg
}

// Encode renders a single record.
func (enc *Encoder) Encode(rec LocationRecord) (Event, error) {
	if err := rec.Validate(); err != nil {
		return Event{}, errs.New("cot/encode", errs.CodeEncoding,
			errs.WithMessage(fmt.Sprintf("uid=%q", rec.UID)),
			errs.WithCause(err))
	}
	ts := enc.timestamp(rec)
	root := enc.build(rec, ts)
	payload, err := root.Bytes()
	if err != nil {
		return Event{}, errs.New("cot/encode", errs.CodeEncoding, errs.WithCause(err))
	}
	eventType, _ := root.Attr("type")
	return Event{UID: rec.UID, Type: eventType, Time: ts, Payload: payload}, nil
}

// EncodeBatch renders records in order, skipping malformed entries.
func (enc *Encoder) EncodeBatch(records []LocationRecord) []Event {
	events := make([]Event, 0, len(records))
	for i, rec := range records {
		event, err := enc.Encode(rec)
		if err != nil {
			enc.logger.Printf("skipping malformed location record: index=%d err=%v", i, err)
			continue
		}
		events = append(events, event)
	}
	return events
}

func (enc *Encoder) timestamp(rec LocationRecord) time.Time {
	if rec.Timestamp.IsZero() {
		return enc.clock.next(enc.now().UTC().Truncate(time.Millisecond))
	}
	return rec.Timestamp.UTC().Truncate(time.Millisecond)
}

func (enc *Encoder) build(rec LocationRecord, ts time.Time) *Element {
	mode := rec.Mode()

	eventType := strings.TrimSpace(rec.Type)
	if eventType == "" {
		eventType = enc.cfg.DefaultType
	}
	how := HowGPS
	if mode == ModeTeamMember {
		eventType = TypeTeamMember
		how = HowHumanEntered
	}

	root := NewElement("event",
		"version", eventVersion,
		"uid", rec.UID,
		"type", eventType,
		"time", ts.Format(timeLayout),
		"start", ts.Format(timeLayout),
		"stale", ts.Add(enc.cfg.StaleAfter).Format(timeLayout),
		"how", how,
	)
	root.Add(buildPoint(rec))

	detail := root.Add(NewElement("detail"))
	name := rec.Name
	if strings.TrimSpace(name) == "" {
		name = rec.UID
	}

	switch mode {
	case ModeTeamMember:
		detail.Add(NewElement("contact", "callsign", name))
		detail.Add(NewElement("uid", "Droid", name))
		detail.Add(NewElement("precisionlocation", "altsrc", "GPS", "geopointsrc", "GPS"))
		detail.Add(NewElement("__group", "name", rec.Team.Color, "role", rec.Team.Role))
		detail.Add(NewElement("status", "battery", strconv.Itoa(batteryLevel(rec.Team.Battery))))
	default:
		detail.Add(NewElement("contact", "callsign", name, "endpoint", standardMarker))
	}

	if track := buildTrack(rec); track != nil {
		detail.Add(track)
	}
	if remarks := strings.TrimSpace(rec.Description); remarks != "" {
		detail.Add(NewElement("remarks").SetText(remarks))
	}
	if len(rec.Custom) > 0 {
		enc.mergeCustom(root, detail, rec.Custom)
	}
	return root
}

func buildPoint(rec LocationRecord) *Element {
	hae := 0.0
	if rec.Altitude != nil && finite(*rec.Altitude) {
		hae = clamp(*rec.Altitude, -12000, 100000)
	}
	ce := unknownError
	if rec.Accuracy != nil && finite(*rec.Accuracy) && *rec.Accuracy >= 0 {
		ce = math.Min(*rec.Accuracy, unknownError)
	}
	return NewElement("point",
		"lat", formatFixed(clamp(rec.Lat, -90, 90), 7),
		"lon", formatFixed(clamp(rec.Lon, -180, 180), 7),
		"hae", formatFixed(hae, 2),
		"ce", formatFixed(ce, 1),
		"le", formatFixed(unknownError, 1),
	)
}

func buildTrack(rec LocationRecord) *Element {
	hasSpeed := rec.Speed != nil && finite(*rec.Speed)
	hasCourse := rec.Course != nil && finite(*rec.Course)
	if !hasSpeed && !hasCourse {
		return nil
	}
	speed, course := 0.0, 0.0
	if hasSpeed {
		speed = math.Max(*rec.Speed, 0)
	}
	if hasCourse {
		course = math.Mod(*rec.Course, 360)
		if course < 0 {
			course += 360
		}
	}
	return NewElement("track", "course", formatFixed(course, 2), "speed", formatFixed(speed, 2))
}

// batteryLevel parses a battery percentage; anything non-numeric yields the default.
func batteryLevel(raw string) int {
	trimmed := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(raw), "%"))
	if trimmed == "" {
		return defaultBattery
	}
	value, err := strconv.ParseFloat(trimmed, 64)
	if err != nil || !finite(value) {
		return defaultBattery
	}
	return int(math.Round(clamp(value, 0, 100)))
}

// mergeCustom folds caller supplied elements into detail; the "_event" key targets root attributes.
func (enc *Encoder) mergeCustom(root, detail *Element, custom map[string]any) {
	for _, key := range sortedKeys(custom) {
		value := custom[key]
		if key == "_event" {
			attrs, ok := value.(map[string]any)
			if !ok {
				enc.logger.Printf("custom attribute skipped: name=_event reason=not_a_map")
				continue
			}
			for _, name := range sortedKeys(attrs) {
				if _, reserved := reservedRoot[name]; reserved || !safeName.MatchString(name) {
					enc.logger.Printf("custom event attribute skipped: name=%q", name)
					continue
				}
				if text, ok := scalarText(attrs[name]); ok {
					root.Set(name, text)
				}
			}
			continue
		}
		if _, reserved := reservedDetail[key]; reserved {
			enc.logger.Printf("custom attribute skipped: name=%q reason=reserved", key)
			continue
		}
		if !safeName.MatchString(key) {
			enc.logger.Printf("custom attribute skipped: name=%q reason=unsafe_name", key)
			continue
		}
		for _, el := range enc.customElements(key, value, 1) {
			detail.Add(el)
		}
	}
}

// customElements expands a value into elements. Maps use "_text" and "_attributes"
// for character data and attributes, other keys become children; lists repeat the element.
func (enc *Encoder) customElements(name string, value any, depth int) []*Element {
	if depth > maxCustomDepth {
		enc.logger.Printf("custom attribute skipped: name=%q reason=too_deep", name)
		return nil
	}
	switch v := value.(type) {
	case []any:
		out := make([]*Element, 0, len(v))
		for _, item := range v {
			out = append(out, enc.customElements(name, item, depth+1)...)
		}
		return out
	case map[string]any:
		el := NewElement(name)
		if text, ok := scalarText(v["_text"]); ok {
			el.SetText(text)
		}
		if attrs, ok := v["_attributes"].(map[string]any); ok {
			for _, attrName := range sortedKeys(attrs) {
				if !safeName.MatchString(attrName) {
					continue
				}
				if text, ok := scalarText(attrs[attrName]); ok {
					el.Set(attrName, text)
				}
			}
		}
		for _, childName := range sortedKeys(v) {
			if childName == "_text" || childName == "_attributes" {
				continue
			}
			if !safeName.MatchString(childName) {
				continue
			}
			for _, child := range enc.customElements(childName, v[childName], depth+1) {
				el.Add(child)
			}
		}
		return []*Element{el}
	case nil:
		return []*Element{NewElement(name)}
	default:
		text, ok := scalarText(v)
		if !ok {
			return nil
		}
		return []*Element{NewElement(name).SetText(text)}
	}
}

func scalarText(value any) (string, bool) {
	switch v := value.(type) {
	case nil:
		return "", false
	case string:
		return v, true
	case bool:
		return strconv.FormatBool(v), true
	case float64:
		if !finite(v) {
			return "", false
		}
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case map[string]any, []any:
		return "", false
	default:
		return stringOf(v), true
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func formatFixed(v float64, places int32) string {
	return decimal.NewFromFloat(v).Round(places).String()
}
