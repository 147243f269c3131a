package parser

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ajitpratap0/logpipe/pkg/models"
)

const (
	// DefaultSyslogApplication is used when an RFC5424 APP-NAME is nil.
	DefaultSyslogApplication = "syslog"

	maxPRI = 191
	nilVal = "-"
)

var (
	rfc5424Pattern = regexp.MustCompile(
		`^<(\d{1,3})>1 (\S+) (\S+) (\S+) (\S+) (\S+) (-|(?:\[(?:[^\]\\]|\\.)*\])+)(?: (.*))?$`)

	rfc3164Pattern = regexp.MustCompile(
		`^<(\d{1,3})>([A-Z][a-z]{2} [ \d]\d \d{2}:\d{2}:\d{2}) (\S+) ([^\[:\s]+)(?:\[(\d+)\])?: ?(.*)$`)
)

var facilityNames = [...]string{
	"kern", "user", "mail", "daemon", "auth", "syslog", "lpr", "news",
	"uucp", "cron", "authpriv", "ftp", "ntp", "security", "console", "solaris-cron",
	"local0", "local1", "local2", "local3", "local4", "local5", "local6", "local7",
}

// severityLevel maps a syslog severity (0-7) onto a canonical level.
func severityLevel(severity int) models.Level {
	switch {
	case severity <= 2:
		return models.LevelCritical
	case severity == 3:
		return models.LevelError
	case severity == 4:
		return models.LevelWarn
	case severity <= 6:
		return models.LevelInfo
	default:
		return models.LevelDebug
	}
}

// decodePRI splits PRI into facility and severity.
func decodePRI(f models.Format, raw string) (facility, severity int, err error) {
	pri, convErr := strconv.Atoi(raw)
	if convErr != nil || pri > maxPRI {
		return 0, 0, malformed(f, fmt.Sprintf("PRI %s out of range", raw))
	}
	return pri / 8, pri % 8, nil
}

func facilityName(facility int) string {
	if facility >= 0 && facility < len(facilityNames) {
		return facilityNames[facility]
	}
	return fmt.Sprintf("unknown(%d)", facility)
}

func nilable(s string) interface{} {
	if s == nilVal {
		return nil
	}
	return s
}

type rfc5424Parser struct{}

func (rfc5424Parser) format() models.Format { return models.FormatSyslogRFC5424 }

func (rfc5424Parser) parse(line string, now time.Time) (models.Record, bool, error) {
	m := rfc5424Pattern.FindStringSubmatch(line)
	if m == nil {
		return models.Record{}, false, nil
	}
	f := models.FormatSyslogRFC5424
	facility, severity, err := decodePRI(f, m[1])
	if err != nil {
		return models.Record{}, true, err
	}

	ts := now
	if m[2] != nilVal {
		ts, err = time.Parse(time.RFC3339Nano, m[2])
		if err != nil {
			return models.Record{}, true, malformed(f, "invalid RFC5424 timestamp")
		}
	}

	msg := strings.TrimSpace(strings.TrimPrefix(m[8], "\ufeff"))
	if msg == "" {
		return models.Record{}, true, malformed(f, "empty syslog message")
	}

	rec := models.Record{
		Timestamp:   ts,
		Level:       severityLevel(severity),
		Source:      m[3],
		Application: m[4],
		Message:     msg,
		Metadata: models.MetadataOf(
			"facility", facilityName(facility),
			"severity", severity,
			"version", 1,
			"procid", nilable(m[5]),
			"msgid", nilable(m[6]),
			"structured_data", nilable(m[7]),
		),
	}
	if rec.Source == nilVal {
		rec.Source = models.DefaultSource
	}
	if rec.Application == nilVal {
		rec.Application = DefaultSyslogApplication
	}
	return rec, true, nil
}

type rfc3164Parser struct{}

func (rfc3164Parser) format() models.Format { return models.FormatSyslogRFC3164 }

func (rfc3164Parser) parse(line string, now time.Time) (models.Record, bool, error) {
	m := rfc3164Pattern.FindStringSubmatch(line)
	if m == nil {
		return models.Record{}, false, nil
	}
	f := models.FormatSyslogRFC3164
	facility, severity, err := decodePRI(f, m[1])
	if err != nil {
		return models.Record{}, true, err
	}

	// The BSD timestamp carries no year or zone; take the year from the clock
	// and read it as UTC.
	stamp, err := time.Parse("Jan _2 15:04:05", m[2])
	if err != nil {
		return models.Record{}, true, malformed(f, "invalid RFC3164 timestamp")
	}
	nowUTC := now.UTC()
	ts := time.Date(nowUTC.Year(), stamp.Month(), stamp.Day(),
		stamp.Hour(), stamp.Minute(), stamp.Second(), 0, time.UTC)

	msg := strings.TrimSpace(m[6])
	if msg == "" {
		return models.Record{}, true, malformed(f, "empty syslog message")
	}

	var procid interface{}
	if m[5] != "" {
		procid = m[5]
	}
	return models.Record{
		Timestamp:   ts,
		Level:       severityLevel(severity),
		Source:      m[3],
		Application: m[4],
		Message:     msg,
		Metadata: models.MetadataOf(
			"facility", facilityName(facility),
			"severity", severity,
			"procid", procid,
		),
	}, true, nil
}
