// Package parser detects the format of raw log lines and normalizes them into
// canonical records.
//
// Built-in formats are tried in a fixed priority order that never changes at
// runtime:
//
//	JSON-lines → Syslog RFC5424 → Syslog RFC3164 → Apache/Nginx Combined →
//	Apache/Nginx Common → custom regex parsers (registration order)
//
// Each parser reports match or no-match on its own. A parser that recognizes
// its format but finds a bad field reports MalformedField; detection still
// continues with the remaining parsers, and the first MalformedField is
// returned only if no later parser accepts the line.
//
// Example usage:
//
//	reg := parser.NewRegistry()
//	_ = reg.Register("simple", parser.PatternSimple)
//	rec, err := reg.DetectAndParse(`<34>1 2025-11-11T16:00:00.000Z server1 myapp 1234 - - Event occurred`)
package parser

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ajitpratap0/logpipe/pkg/errors"
	"github.com/ajitpratap0/logpipe/pkg/models"
	"go.uber.org/zap"
)

// Clock supplies the instant used for records whose format carries no
// timestamp, and the year for RFC3164 lines.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock.
var SystemClock Clock = ClockFunc(time.Now)

// FixedClock always returns t.
func FixedClock(t time.Time) Clock {
	return ClockFunc(func() time.Time { return t })
}

// parser is the capability every format implements. ok is false when the
// line is not in this format; ok with a non-nil error means the format was
// recognized but a field was malformed.
type parser interface {
	format() models.Format
	parse(line string, now time.Time) (rec models.Record, ok bool, err error)
}

// FormatType distinguishes built-in formats from user-registered ones.
type FormatType string

const (
	FormatTypeStandard FormatType = "standard"
	FormatTypeCustom   FormatType = "custom"
)

// FormatInfo describes one registered format.
type FormatInfo struct {
	Name        string        `json:"name"`
	Format      models.Format `json:"format"`
	Type        FormatType    `json:"type"`
	Description string        `json:"description,omitempty"`
	Pattern     string        `json:"pattern,omitempty"`
}

// Registry holds the built-in parsers and any registered custom ones. It is
// safe for concurrent use.
type Registry struct {
	builtins []parser

	mu     sync.RWMutex
	custom []*RegexParser

	clock  Clock
	logger *zap.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the clock used for defaulted timestamps.
func WithClock(c Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// WithLogger sets the registry logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry builds a registry with all built-in formats.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		builtins: []parser{
			jsonParser{},
			rfc5424Parser{},
			rfc3164Parser{},
			apacheParser{combined: true},
			apacheParser{combined: false},
		},
		clock:  SystemClock,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(zap.String("component", "parser_registry"))
	return r
}

// DetectAndParse runs the priority chain over raw and returns the first
// successful parse. Surrounding whitespace is ignored.
func (r *Registry) DetectAndParse(raw string) (models.Record, error) {
	line := strings.TrimSpace(raw)
	if line == "" {
		return models.Record{}, errors.NewKind(errors.KindNoFormatMatched, "empty input")
	}
	now := r.clock.Now()

	var firstMalformed error
	for _, p := range r.chain() {
		rec, ok, err := runParser(p, line, now)
		if !ok {
			continue
		}
		if err != nil {
			if firstMalformed == nil {
				firstMalformed = err
			}
			continue
		}
		return finish(rec, p.format())
	}
	if firstMalformed != nil {
		return models.Record{}, firstMalformed
	}
	return models.Record{}, errors.NewKind(errors.KindNoFormatMatched, "no registered format matched the input")
}

// Detect returns only the format DetectAndParse would report.
func (r *Registry) Detect(raw string) (models.Format, bool) {
	rec, err := r.DetectAndParse(raw)
	if err != nil {
		return "", false
	}
	return rec.DetectedFormat, true
}

// ParseAs runs exactly one parser. A bare name that is not a built-in format
// is looked up among custom parsers.
func (r *Registry) ParseAs(format models.Format, raw string) (models.Record, error) {
	p := r.lookup(format)
	if p == nil {
		return models.Record{}, errors.Newf(errors.ErrorTypeNotFound, "unknown format %q", format)
	}
	line := strings.TrimSpace(raw)
	rec, ok, err := runParser(p, line, r.clock.Now())
	if !ok {
		return models.Record{}, errors.NewKind(errors.KindNoFormatMatched, fmt.Sprintf("input is not %s", p.format()))
	}
	if err != nil {
		return models.Record{}, err
	}
	return finish(rec, p.format())
}

// Register compiles pattern and appends it to the end of the custom chain.
func (r *Registry) Register(name, pattern string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.NewKind(errors.KindInvalidPattern, "parser name must not be empty")
	}
	if r.isBuiltin(models.Format(name)) {
		return errors.NewKind(errors.KindInvalidPattern, "name collides with a built-in format").
			WithDetail("name", name)
	}
	rp, err := NewRegexParser(name, pattern)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.custom {
		if existing.name == name {
			return errors.NewKind(errors.KindInvalidPattern, fmt.Sprintf("parser %s already registered", name))
		}
	}
	r.custom = append(r.custom, rp)
	r.logger.Info("custom parser registered", zap.String("name", name))
	return nil
}

// Unregister removes a custom parser. It reports whether one was removed.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, p := range r.custom {
		if p.name == name {
			custom := make([]*RegexParser, 0, len(r.custom)-1)
			custom = append(custom, r.custom[:i]...)
			r.custom = append(custom, r.custom[i+1:]...)
			r.logger.Info("custom parser unregistered", zap.String("name", name))
			return true
		}
	}
	return false
}

// Formats lists every format in priority order.
func (r *Registry) Formats() []FormatInfo {
	out := make([]FormatInfo, 0, len(r.builtins))
	for _, p := range r.builtins {
		f := p.format()
		out = append(out, FormatInfo{
			Name:        string(f),
			Format:      f,
			Type:        FormatTypeStandard,
			Description: builtinDescriptions[f],
		})
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.custom {
		out = append(out, FormatInfo{
			Name:    p.name,
			Format:  p.format(),
			Type:    FormatTypeCustom,
			Pattern: p.pattern,
		})
	}
	return out
}

var builtinDescriptions = map[models.Format]string{
	models.FormatJSON:           "JSON lines with flexible field names",
	models.FormatSyslogRFC5424:  "Syslog RFC 5424",
	models.FormatSyslogRFC3164:  "Syslog RFC 3164 (BSD)",
	models.FormatApacheCombined: "Apache/Nginx combined log format",
	models.FormatApacheCommon:   "Apache/Nginx common log format",
}

// chain snapshots the full priority order so that registrations during a
// parse do not affect it.
func (r *Registry) chain() []parser {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]parser, 0, len(r.builtins)+len(r.custom))
	out = append(out, r.builtins...)
	for _, p := range r.custom {
		out = append(out, p)
	}
	return out
}

func (r *Registry) isBuiltin(f models.Format) bool {
	for _, p := range r.builtins {
		if p.format() == f {
			return true
		}
	}
	return false
}

func (r *Registry) lookup(f models.Format) parser {
	for _, p := range r.builtins {
		if p.format() == f {
			return p
		}
	}
	name := string(f)
	if f.IsCustom() {
		name = f.CustomName()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.custom {
		if p.name == name {
			return p
		}
	}
	return nil
}

// runParser isolates the chain from a parser that panics.
func runParser(p parser, line string, now time.Time) (rec models.Record, ok bool, err error) {
	defer func() {
		if v := recover(); v != nil {
			rec, ok, err = models.Record{}, false, nil
		}
	}()
	return p.parse(line, now)
}

func finish(rec models.Record, f models.Format) (models.Record, error) {
	rec.DetectedFormat = f
	rec.Normalize()
	if err := rec.Validate(); err != nil {
		return models.Record{}, err
	}
	return rec, nil
}

// malformed builds a MalformedField error tagged with the format.
func malformed(f models.Format, msg string) error {
	return errors.NewKind(errors.KindMalformedField, msg).WithDetail("format", string(f))
}
