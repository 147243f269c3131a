package parser

import (
	"strings"
	"time"

	gojson "github.com/goccy/go-json"

	"github.com/ajitpratap0/logpipe/pkg/models"
)

// Field aliases, checked in order. The first present, non-null alias wins;
// the remaining aliases stay in metadata.
var (
	timestampAliases   = []string{"timestamp", "time", "@timestamp", "ts", "datetime"}
	levelAliases       = []string{"level", "severity", "loglevel", "log_level"}
	sourceAliases      = []string{"source", "host", "hostname", "server"}
	applicationAliases = []string{"application", "app", "service", "component"}
	messageAliases     = []string{"message", "msg", "text", "log"}
)

// DefaultJSONSource is used when a JSON line names no source.
const DefaultJSONSource = "json-log"

type jsonParser struct{}

func (jsonParser) format() models.Format { return models.FormatJSON }

func (jsonParser) parse(line string, now time.Time) (models.Record, bool, error) {
	if line[0] != '{' && line[0] != '[' {
		return models.Record{}, false, nil
	}
	if !gojson.Valid([]byte(line)) {
		return models.Record{}, false, nil
	}
	if line[0] != '{' {
		return models.Record{}, true, malformed(models.FormatJSON, "JSON log line must be an object")
	}

	fields, err := models.DecodeOrderedObject([]byte(line))
	if err != nil {
		return models.Record{}, true, malformed(models.FormatJSON, err.Error())
	}

	rec := models.Record{Timestamp: now, Source: DefaultJSONSource}

	msgKey, msgVal := take(fields, messageAliases)
	if msgKey == "" {
		return models.Record{}, true, malformed(models.FormatJSON, "missing message field")
	}
	msg := stringify(msgVal)
	if strings.TrimSpace(msg) == "" {
		return models.Record{}, true, malformed(models.FormatJSON, "message must not be empty")
	}
	rec.Message = msg

	if key, v := take(fields, timestampAliases); key != "" {
		ts, ok := models.ParseTimestamp(v)
		if !ok {
			return models.Record{}, true, malformed(models.FormatJSON, "unparseable timestamp in "+key)
		}
		rec.Timestamp = ts
	}
	if key, v := take(fields, levelAliases); key != "" {
		rec.Level = models.NormalizeLevel(stringify(v))
	}
	if key, v := take(fields, sourceAliases); key != "" {
		rec.Source = stringify(v)
	}
	if key, v := take(fields, applicationAliases); key != "" {
		rec.Application = stringify(v)
	}

	rec.Metadata = fields
	return rec, true, nil
}

// take removes and returns the first non-null alias present in fields.
func take(fields *models.Metadata, aliases []string) (string, interface{}) {
	for _, key := range aliases {
		v, ok := fields.Get(key)
		if !ok || v == nil {
			continue
		}
		fields.Delete(key)
		return key, v
	}
	return "", nil
}

// stringify renders a JSON value as text: strings verbatim, everything else
// in its JSON encoding.
func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case gojson.Number:
		return t.String()
	}
	b, err := gojson.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
