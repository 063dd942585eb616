package cot

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"github.com/coachpo/takbridge/errs"
)

// Group carries the team colour and role of a team member event.
type Group struct {
	Name string `xml:"name,attr"`
	Role string `xml:"role,attr"`
}

// Parsed is the subset of a COT event recovered by Parse.
type Parsed struct {
	UID      string
	Type     string
	How      string
	Time     time.Time
	Start    time.Time
	Stale    time.Time
	Lat      float64
	Lon      float64
	Hae      float64
	CE       float64
	LE       float64
	Callsign string
	Endpoint string
	Group    *Group
	Battery  string
	Remarks  string
}

// Mode infers the rendering mode from the parsed event.
func (p Parsed) Mode() Mode {
	if p.Group != nil || p.How == HowHumanEntered {
		return ModeTeamMember
	}
	return ModeStandard
}

type wirePoint struct {
	Lat float64 `xml:"lat,attr"`
	Lon float64 `xml:"lon,attr"`
	Hae float64 `xml:"hae,attr"`
	CE  float64 `xml:"ce,attr"`
	LE  float64 `xml:"le,attr"`
}

type wireContact struct {
	Callsign string `xml:"callsign,attr"`
	Endpoint string `xml:"endpoint,attr"`
}

type wireStatus struct {
	Battery string `xml:"battery,attr"`
}

type wireDetail struct {
	Contact *wireContact `xml:"contact"`
	Group   *Group       `xml:"__group"`
	Status  *wireStatus  `xml:"status"`
	Remarks string       `xml:"remarks"`
}

type wireEvent struct {
	XMLName xml.Name   `xml:"event"`
	UID     string     `xml:"uid,attr"`
	Type    string     `xml:"type,attr"`
	How     string     `xml:"how,attr"`
	Time    string     `xml:"time,attr"`
	Start   string     `xml:"start,attr"`
	Stale   string     `xml:"stale,attr"`
	Point   wirePoint  `xml:"point"`
	Detail  wireDetail `xml:"detail"`
}

// Parse decodes a serialised COT event.
func Parse(payload []byte) (Parsed, error) {
	var wire wireEvent
	if err := xml.NewDecoder(bytes.NewReader(payload)).Decode(&wire); err != nil {
		return Parsed{}, errs.New("cot/parse", errs.CodeEncoding, errs.WithCause(err))
	}
	if strings.TrimSpace(wire.UID) == "" {
		return Parsed{}, errs.New("cot/parse", errs.CodeEncoding, errs.WithCause(ErrMissingUID))
	}
	out := Parsed{
		UID:     wire.UID,
		Type:    wire.Type,
		How:     wire.How,
		Lat:     wire.Point.Lat,
		Lon:     wire.Point.Lon,
		Hae:     wire.Point.Hae,
		CE:      wire.Point.CE,
		LE:      wire.Point.LE,
		Group:   wire.Detail.Group,
		Remarks: strings.TrimSpace(wire.Detail.Remarks),
	}
	var err error
	if out.Time, err = parseTime("time", wire.Time); err != nil {
		return Parsed{}, err
	}
	if out.Start, err = parseTime("start", wire.Start); err != nil {
		return Parsed{}, err
	}
	if out.Stale, err = parseTime("stale", wire.Stale); err != nil {
		return Parsed{}, err
	}
	if wire.Detail.Contact != nil {
		out.Callsign = wire.Detail.Contact.Callsign
		out.Endpoint = wire.Detail.Contact.Endpoint
	}
	if wire.Detail.Status != nil {
		out.Battery = wire.Detail.Status.Battery
	}
	return out, nil
}

// EventFromPayload reconstructs an Event from wire bytes.
func EventFromPayload(payload []byte) (Event, error) {
	parsed, err := Parse(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{UID: parsed.UID, Type: parsed.Type, Time: parsed.Time, Payload: payload}, nil
}

func parseTime(field, raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{timeLayout, time.RFC3339Nano} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, errs.New("cot/parse", errs.CodeEncoding,
		errs.WithMessage(fmt.Sprintf("invalid %s attribute %q", field, raw)))
}
