package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// MaxEventFileSize bounds how much of an event file is ever parsed.
const MaxEventFileSize = 64 * 1024

// Kind discriminates the three trigger descriptor variants.
type Kind string

const (
	KindImmediate Kind = "immediate"
	KindOneShot   Kind = "one-shot"
	KindPeriodic  Kind = "periodic"
)

// Descriptor is a parsed event file: an instruction to run the agent with
// Text, either now, once at At, or repeatedly per Schedule in Timezone.
type Descriptor struct {
	Kind     Kind      `json:"kind"`
	Text     string    `json:"text"`
	At       time.Time `json:"at,omitempty"`       // one-shot only
	Schedule string    `json:"schedule,omitempty"` // periodic only
	Timezone string    `json:"timezone,omitempty"` // periodic only
	Session  string    `json:"session,omitempty"`  // optional target session
}

type rawDescriptor struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	At       string `json:"at"`
	Schedule string `json:"schedule"`
	Timezone string `json:"timezone"`
	Session  string `json:"session"`
}

// ParseDescriptor turns the raw content of an event file into a typed
// Descriptor. It is a pure function; cron syntax and timezone validity are
// checked later, at scheduling time.
func ParseDescriptor(filename string, data []byte) (Descriptor, error) {
	if len(data) > MaxEventFileSize {
		return Descriptor{}, fmt.Errorf("event file %s exceeds %d bytes", filename, MaxEventFileSize)
	}

	var raw rawDescriptor
	if err := json.Unmarshal(data, &raw); err != nil {
		return Descriptor{}, fmt.Errorf("event file %s is not valid JSON: %w", filename, err)
	}
	if raw.Type == "" {
		return Descriptor{}, fmt.Errorf("event file %s is missing \"type\"", filename)
	}
	if raw.Text == "" {
		return Descriptor{}, fmt.Errorf("event file %s is missing \"text\"", filename)
	}

	desc := Descriptor{
		Text:    raw.Text,
		Session: raw.Session,
	}

	switch Kind(raw.Type) {
	case KindImmediate:
		desc.Kind = KindImmediate
	case KindOneShot:
		if raw.At == "" {
			return Descriptor{}, fmt.Errorf("one-shot event %s is missing \"at\"", filename)
		}
		at, err := time.Parse(time.RFC3339, raw.At)
		if err != nil {
			return Descriptor{}, fmt.Errorf("one-shot event %s has invalid \"at\" %q: %w", filename, raw.At, err)
		}
		desc.Kind = KindOneShot
		desc.At = at
	case KindPeriodic:
		if raw.Schedule == "" {
			return Descriptor{}, fmt.Errorf("periodic event %s is missing \"schedule\"", filename)
		}
		if raw.Timezone == "" {
			return Descriptor{}, fmt.Errorf("periodic event %s is missing \"timezone\"", filename)
		}
		desc.Kind = KindPeriodic
		desc.Schedule = raw.Schedule
		desc.Timezone = raw.Timezone
	default:
		return Descriptor{}, fmt.Errorf("event file %s has unknown type %q", filename, raw.Type)
	}

	return desc, nil
}
