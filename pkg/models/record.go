// Package models provides the canonical log record shared by every stage of
// logpipe: the parser registry produces it, the queue carries it, workers
// persist it and the hub broadcasts it.
//
// A Record is independent of the wire or text format it was parsed from.
// Fields the source format carried but the canonical shape does not name are
// kept in Metadata under their original keys, in their original order.
package models

import (
	"strings"
	"time"

	"github.com/ajitpratap0/logpipe/pkg/errors"
)

const (
	// DefaultSource is used when a format carries no host/source field
	DefaultSource = "unknown"
	// DefaultApplication is used when a format carries no application field
	DefaultApplication = "unknown"
)

// Record is the canonical, format-independent log entry.
type Record struct {
	Timestamp      time.Time `json:"timestamp"`
	Level          Level     `json:"level"`
	Source         string    `json:"source"`
	Application    string    `json:"application"`
	Message        string    `json:"message"`
	Metadata       *Metadata `json:"metadata"`
	DetectedFormat Format    `json:"detected_format"`
}

// Validate checks the invariants every stored record must hold.
func (r *Record) Validate() error {
	if strings.TrimSpace(r.Message) == "" {
		return errors.NewKind(errors.KindMalformedField, "message must not be empty")
	}
	if r.Timestamp.IsZero() {
		return errors.NewKind(errors.KindMalformedField, "timestamp must be set")
	}
	if !r.Level.Valid() {
		return errors.NewKind(errors.KindMalformedField, "unknown level").
			WithDetail("level", string(r.Level))
	}
	return nil
}

// Normalize fills defaults and forces the timestamp to UTC. It never
// touches Message.
func (r *Record) Normalize() {
	r.Timestamp = r.Timestamp.UTC()
	if r.Level == "" {
		r.Level = LevelInfo
	}
	if r.Source == "" {
		r.Source = DefaultSource
	}
	if r.Application == "" {
		r.Application = DefaultApplication
	}
	if r.Metadata == nil {
		r.Metadata = NewMetadata()
	}
}

// Clone returns a deep-enough copy: the metadata container is copied, values
// are shared.
func (r Record) Clone() Record {
	out := r
	out.Metadata = r.Metadata.Clone()
	return out
}

// Level is the normalized severity of a record.
type Level string

const (
	LevelCritical Level = "CRITICAL"
	LevelError    Level = "ERROR"
	LevelWarn     Level = "WARN"
	LevelInfo     Level = "INFO"
	LevelDebug    Level = "DEBUG"
	LevelUnknown  Level = "UNKNOWN"
)

// Valid reports whether l is one of the canonical levels.
func (l Level) Valid() bool {
	switch l {
	case LevelCritical, LevelError, LevelWarn, LevelInfo, LevelDebug, LevelUnknown:
		return true
	}
	return false
}

func (l Level) String() string { return string(l) }

var levelAliases = map[string]Level{
	"CRITICAL":    LevelCritical,
	"CRIT":        LevelCritical,
	"FATAL":       LevelCritical,
	"PANIC":       LevelCritical,
	"EMERG":       LevelCritical,
	"EMERGENCY":   LevelCritical,
	"ALERT":       LevelCritical,
	"ERROR":       LevelError,
	"ERR":         LevelError,
	"WARN":        LevelWarn,
	"WARNING":     LevelWarn,
	"INFO":        LevelInfo,
	"INFORMATION": LevelInfo,
	"NOTICE":      LevelInfo,
	"DEBUG":       LevelDebug,
	"TRACE":       LevelDebug,
	"UNKNOWN":     LevelUnknown,
}

// NormalizeLevel maps a free-form level name onto a canonical Level.
// Empty input is treated as INFO; unrecognized names become UNKNOWN.
func NormalizeLevel(raw string) Level {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return LevelInfo
	}
	if l, ok := levelAliases[s]; ok {
		return l
	}
	return LevelUnknown
}

// ParseLevel is NormalizeLevel but rejects names it does not know.
func ParseLevel(raw string) (Level, bool) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	l, ok := levelAliases[s]
	return l, ok
}

// Format tags the wire/text format a record was detected as.
type Format string

const (
	FormatJSON           Format = "json"
	FormatSyslogRFC5424  Format = "syslog_rfc5424"
	FormatSyslogRFC3164  Format = "syslog_rfc3164"
	FormatApacheCombined Format = "apache_combined"
	FormatApacheCommon   Format = "apache_common"
	FormatCanonical      Format = "canonical"

	customPrefix = "custom:"
)

// CustomFormat returns the tag for a registered regex parser.
func CustomFormat(name string) Format {
	return Format(customPrefix + name)
}

// IsCustom reports whether f names a registered regex parser.
func (f Format) IsCustom() bool {
	return strings.HasPrefix(string(f), customPrefix)
}

// CustomName returns the registered name for a custom format.
func (f Format) CustomName() string {
	return strings.TrimPrefix(string(f), customPrefix)
}

func (f Format) String() string { return string(f) }
