package parser

import (
	"regexp"
	"strings"
	"time"

	"github.com/ajitpratap0/logpipe/pkg/errors"
	"github.com/ajitpratap0/logpipe/pkg/models"
)

// DefaultCustomSource is used when a custom pattern has no source group.
const DefaultCustomSource = "custom-log"

// Named groups that map onto canonical fields instead of metadata.
const (
	groupMessage     = "message"
	groupTimestamp   = "timestamp"
	groupLevel       = "level"
	groupSource      = "source"
	groupApplication = "application"
)

// RegexParser parses lines with a user-supplied pattern of named groups.
// The pattern must match at the start of the line.
type RegexParser struct {
	name    string
	pattern string
	re      *regexp.Regexp
}

// NewRegexParser compiles pattern. It fails with InvalidPatternRegistration
// when the pattern does not compile or has no message group.
func NewRegexParser(name, pattern string) (*RegexParser, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, errors.WrapKind(err, errors.KindInvalidPattern, "pattern does not compile").
			WithDetail("name", name)
	}
	if re.SubexpIndex(groupMessage) < 0 {
		return nil, errors.NewKind(errors.KindInvalidPattern, "pattern must define a named group \"message\"").
			WithDetail("name", name)
	}
	return &RegexParser{name: name, pattern: pattern, re: re}, nil
}

// Name returns the registered name.
func (p *RegexParser) Name() string { return p.name }

// Pattern returns the source pattern.
func (p *RegexParser) Pattern() string { return p.pattern }

func (p *RegexParser) format() models.Format { return models.CustomFormat(p.name) }

func (p *RegexParser) parse(line string, now time.Time) (models.Record, bool, error) {
	loc := p.re.FindStringSubmatchIndex(line)
	if loc == nil || loc[0] != 0 {
		return models.Record{}, false, nil
	}
	f := p.format()

	rec := models.Record{
		Timestamp: now,
		Source:    DefaultCustomSource,
		Metadata:  models.NewMetadata(),
	}
	for i, name := range p.re.SubexpNames() {
		if name == "" || loc[2*i] < 0 {
			continue
		}
		value := line[loc[2*i]:loc[2*i+1]]
		switch name {
		case groupMessage:
			rec.Message = strings.TrimSpace(value)
		case groupTimestamp:
			ts, ok := models.ParseTimestamp(value)
			if !ok {
				return models.Record{}, true, malformed(f, "unparseable timestamp")
			}
			rec.Timestamp = ts
		case groupLevel:
			rec.Level = models.NormalizeLevel(value)
		case groupSource:
			rec.Source = value
		case groupApplication:
			rec.Application = value
		default:
			rec.Metadata.Set(name, value)
		}
	}
	if rec.Message == "" {
		return models.Record{}, true, malformed(f, "message group matched nothing")
	}
	return rec, true, nil
}

// Pattern is a ready-made custom pattern.
type Pattern struct {
	Name        string `json:"name"`
	Pattern     string `json:"pattern"`
	Description string `json:"description"`
}

const (
	PatternSimple      = `(?P<timestamp>\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}) \[(?P<level>\w+)\] (?P<message>.+)`
	PatternWithSource  = `(?P<timestamp>\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}) \[(?P<level>\w+)\] (?P<source>\S+) - (?P<message>.+)`
	PatternJavaStyle   = `(?P<timestamp>\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2},\d{3}) (?P<level>\w+)\s+\[(?P<application>[^\]]+)\] (?P<message>.+)`
	PatternPythonStyle = `(?P<level>\w+):(?P<application>[^:]+):(?P<message>.+)`
)

// PredefinedPatterns lists example patterns callers can register as-is.
func PredefinedPatterns() []Pattern {
	return []Pattern{
		{Name: "simple", Pattern: PatternSimple, Description: "2025-11-11T16:00:00 [INFO] message"},
		{Name: "with_source", Pattern: PatternWithSource, Description: "2025-11-11 16:00:00 [INFO] app-name - message"},
		{Name: "java_style", Pattern: PatternJavaStyle, Description: "2025-11-11 16:00:00,123 INFO [AppName] message"},
		{Name: "python_style", Pattern: PatternPythonStyle, Description: "INFO:app_name:message"},
	}
}
