package models

import (
	"strconv"
	"strings"
	"time"

	gojson "github.com/goccy/go-json"

	"github.com/ajitpratap0/logpipe/pkg/errors"
)

// Submission is an already-structured record sent by a producer. Text fields
// are validated and normalized by ToRecord.
type Submission struct {
	Timestamp   string    `json:"timestamp"`
	Level       string    `json:"level"`
	Source      string    `json:"source,omitempty"`
	Application string    `json:"application,omitempty"`
	Message     string    `json:"message"`
	Metadata    *Metadata `json:"metadata,omitempty"`
}

// ToRecord validates s and converts it into a canonical record. Level names
// must be known aliases; timestamps must parse.
func (s Submission) ToRecord() (Record, error) {
	ts, ok := ParseTimestamp(s.Timestamp)
	if !ok {
		return Record{}, errors.NewKind(errors.KindMalformedField, "timestamp must be ISO 8601").
			WithDetail("timestamp", s.Timestamp)
	}
	level := LevelInfo
	if strings.TrimSpace(s.Level) != "" {
		l, ok := ParseLevel(s.Level)
		if !ok {
			return Record{}, errors.NewKind(errors.KindMalformedField, "unknown level").
				WithDetail("level", s.Level)
		}
		level = l
	}

	rec := Record{
		Timestamp:      ts,
		Level:          level,
		Source:         strings.TrimSpace(s.Source),
		Application:    strings.TrimSpace(s.Application),
		Message:        s.Message,
		Metadata:       s.Metadata.Clone(),
		DetectedFormat: FormatCanonical,
	}
	rec.Normalize()
	if err := rec.Validate(); err != nil {
		return Record{}, err
	}
	return rec, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05,000",
	"2006-01-02 15:04:05",
}

// ParseTimestamp interprets v as an instant. Strings may be RFC 3339, naive
// ISO 8601 (read as UTC) or numeric epochs; numbers are epoch seconds, or
// milliseconds when too large to be seconds.
func ParseTimestamp(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC(), true
			}
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return fromEpoch(f), true
		}
	case gojson.Number:
		if f, err := t.Float64(); err == nil {
			return fromEpoch(f), true
		}
	case float64:
		return fromEpoch(t), true
	case int64:
		return fromEpoch(float64(t)), true
	case int:
		return fromEpoch(float64(t)), true
	case time.Time:
		return t.UTC(), !t.IsZero()
	}
	return time.Time{}, false
}

// epochMillisThreshold separates epoch seconds from epoch milliseconds;
// 1e11 seconds is past the year 5000.
const epochMillisThreshold = 1e11

func fromEpoch(f float64) time.Time {
	if f >= epochMillisThreshold {
		ms := int64(f)
		return time.UnixMilli(ms).UTC()
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}
