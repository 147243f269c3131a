package parser

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ajitpratap0/logpipe/pkg/models"
)

// DefaultWebApplication is the application name given to access log records.
const DefaultWebApplication = "web-server"

const apacheTimeLayout = "02/Jan/2006:15:04:05 -0700"

var (
	apacheCommonPattern = regexp.MustCompile(
		`^([0-9A-Fa-f:.]+) (\S+) (\S+) \[([^\]]+)\] "([^"]*)" (\d{3}) (\S+)$`)

	// Combined tolerates trailing fields some nginx configurations append.
	apacheCombinedPattern = regexp.MustCompile(
		`^([0-9A-Fa-f:.]+) (\S+) (\S+) \[([^\]]+)\] "([^"]*)" (\d{3}) (\S+) "((?:[^"\\]|\\.)*)" "((?:[^"\\]|\\.)*)"(?:\s.*)?$`)
)

type apacheParser struct {
	combined bool
}

func (p apacheParser) format() models.Format {
	if p.combined {
		return models.FormatApacheCombined
	}
	return models.FormatApacheCommon
}

func (p apacheParser) parse(line string, _ time.Time) (models.Record, bool, error) {
	pattern := apacheCommonPattern
	if p.combined {
		pattern = apacheCombinedPattern
	}
	m := pattern.FindStringSubmatch(line)
	if m == nil {
		return models.Record{}, false, nil
	}
	f := p.format()

	ts, err := time.Parse(apacheTimeLayout, m[4])
	if err != nil {
		return models.Record{}, true, malformed(f, "invalid access log timestamp")
	}
	status, _ := strconv.Atoi(m[6])
	size := int64(0)
	if m[7] != nilVal {
		size, err = strconv.ParseInt(m[7], 10, 64)
		if err != nil {
			return models.Record{}, true, malformed(f, "invalid response size")
		}
	}

	method, path, protocol := splitRequest(m[5])

	meta := models.MetadataOf(
		"ip", m[1],
		"method", method,
		"path", path,
		"protocol", protocol,
		"status_code", status,
		"size", size,
		"user", nilable(m[3]),
	)
	if p.combined {
		meta.Set("referrer", nilable(m[8]))
		meta.Set("user_agent", nilable(m[9]))
	}

	return models.Record{
		Timestamp:   ts,
		Level:       statusLevel(status),
		Source:      m[1],
		Application: DefaultWebApplication,
		Message:     fmt.Sprintf("%s %s %d %d", method, path, status, size),
		Metadata:    meta,
	}, true, nil
}

// splitRequest breaks `GET /path HTTP/1.1` apart. Missing parts are "-".
func splitRequest(request string) (method, path, protocol string) {
	parts := strings.Fields(request)
	get := func(i int) string {
		if i < len(parts) {
			return parts[i]
		}
		return nilVal
	}
	return get(0), get(1), get(2)
}

// statusLevel derives a level purely from the HTTP status band.
func statusLevel(status int) models.Level {
	switch {
	case status >= 500:
		return models.LevelError
	case status >= 400:
		return models.LevelWarn
	default:
		return models.LevelInfo
	}
}
