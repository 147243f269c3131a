package codec

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/logpipe/pkg/compression"
	"github.com/ajitpratap0/logpipe/pkg/models"
)

func sampleRecord() models.Record {
	return models.Record{
		Timestamp:      time.Date(2025, 11, 11, 16, 0, 0, 0, time.UTC),
		Level:          models.LevelError,
		Source:         "web-1",
		Application:    "checkout",
		Message:        "payment <declined>",
		Metadata:       models.MetadataOf("order_id", 991, "retry", true, "tags", []string{"a", "b"}),
		DetectedFormat: models.FormatJSON,
	}
}

func TestCodecRecordRoundTrip(t *testing.T) {
	for _, alg := range compression.Algorithms {
		t.Run(string(alg), func(t *testing.T) {
			c, err := New(alg)
			require.NoError(t, err)

			payload, err := c.EncodeRecord(sampleRecord())
			require.NoError(t, err)

			got, err := c.DecodeRecord(payload)
			require.NoError(t, err)

			want := sampleRecord()
			assert.Equal(t, want.Timestamp, got.Timestamp)
			assert.Equal(t, want.Message, got.Message)
			assert.Equal(t, want.Level, got.Level)
			assert.Equal(t, []string{"order_id", "retry", "tags"}, got.Metadata.Keys())
		})
	}
}

func TestPlainPayloadIsJSON(t *testing.T) {
	payload, err := Plain().EncodeRecord(sampleRecord())
	require.NoError(t, err)
	assert.Equal(t, byte('{'), payload[0])
	assert.Contains(t, string(payload), `"metadata":{"order_id":991,"retry":true,"tags":["a","b"]}`)
}

func TestDecodeAcrossAlgorithms(t *testing.T) {
	writer, err := New(compression.Zstd)
	require.NoError(t, err)
	payload, err := writer.EncodeRecord(sampleRecord())
	require.NoError(t, err)
	assert.Equal(t, frameMagic, payload[0])

	got, err := Plain().DecodeRecord(payload)
	require.NoError(t, err)
	assert.Equal(t, "checkout", got.Application)
}

func TestDecodeRejectsBadPayloads(t *testing.T) {
	c := Plain()
	_, err := c.DecodeRecord(nil)
	assert.Error(t, err)
	_, err = c.DecodeRecord([]byte{frameMagic})
	assert.Error(t, err)
	_, err = c.DecodeRecord([]byte{frameMagic, 99, 1, 2})
	assert.Error(t, err)
	_, err = c.DecodeRecord([]byte("not json"))
	assert.Error(t, err)
}

func TestEncodeDoesNotEscapeHTML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, map[string]string{"m": "<b>"}))
	assert.Equal(t, "{\"m\":\"<b>\"}\n", buf.String())
}

func TestBufferPool(t *testing.T) {
	buf := GetBuffer()
	buf.WriteString("x")
	PutBuffer(buf)
	assert.Equal(t, 0, GetBuffer().Len())
}
