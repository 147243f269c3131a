// Package codec encodes records for the wire: queue payloads and broadcast
// bus messages. JSON goes through goccy/go-json; payloads may additionally be
// compressed, in which case a two-byte header names the algorithm so that a
// reader never needs to share the writer's configuration.
package codec

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	gojson "github.com/goccy/go-json"

	"github.com/ajitpratap0/logpipe/pkg/compression"
	"github.com/ajitpratap0/logpipe/pkg/models"
)

// Marshal encodes v as JSON.
func Marshal(v interface{}) ([]byte, error) {
	return gojson.Marshal(v)
}

// Unmarshal decodes JSON into v.
func Unmarshal(data []byte, v interface{}) error {
	return gojson.Unmarshal(data, v)
}

// MarshalIndent is Marshal with indentation, for human-facing output.
func MarshalIndent(v interface{}, prefix, indent string) ([]byte, error) {
	return gojson.MarshalIndent(v, prefix, indent)
}

// NewDecoder returns a decoder that keeps numbers as json.Number.
func NewDecoder(r io.Reader) *gojson.Decoder {
	dec := gojson.NewDecoder(r)
	dec.UseNumber()
	return dec
}

// Encode writes v to w followed by a newline, without HTML escaping.
func Encode(w io.Writer, v interface{}) error {
	enc := gojson.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

var bufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 4096))
	},
}

// GetBuffer gets a pooled bytes.Buffer
func GetBuffer() *bytes.Buffer {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// PutBuffer returns a buffer to the pool
func PutBuffer(buf *bytes.Buffer) {
	if buf.Cap() > 1024*1024 { // Don't pool very large buffers
		return
	}
	bufferPool.Put(buf)
}

// frameMagic starts every compressed payload. A JSON object never starts
// with a NUL byte, so plain payloads remain readable as-is.
const frameMagic byte = 0x00

var algorithmIDs = map[compression.Algorithm]byte{
	compression.Gzip:   1,
	compression.Snappy: 2,
	compression.LZ4:    3,
	compression.Zstd:   4,
	compression.S2:     5,
}

// Codec turns records into payload bytes and back.
type Codec struct {
	algorithm  compression.Algorithm
	compressor compression.Compressor

	mu      sync.Mutex
	readers map[byte]compression.Compressor
}

// New builds a codec that compresses with algorithm. compression.None
// produces plain JSON.
func New(algorithm compression.Algorithm) (*Codec, error) {
	comp, err := compression.NewCompressor(&compression.Config{Algorithm: algorithm, Level: compression.Default})
	if err != nil {
		return nil, err
	}
	return &Codec{
		algorithm:  comp.Algorithm(),
		compressor: comp,
		readers:    make(map[byte]compression.Compressor),
	}, nil
}

// Plain is a codec without compression.
func Plain() *Codec {
	c, _ := New(compression.None)
	return c
}

// Algorithm returns the algorithm used for encoding.
func (c *Codec) Algorithm() compression.Algorithm { return c.algorithm }

// EncodeRecord serializes rec.
func (c *Codec) EncodeRecord(rec models.Record) ([]byte, error) {
	return c.Encode(rec)
}

// DecodeRecord reverses EncodeRecord.
func (c *Codec) DecodeRecord(data []byte) (models.Record, error) {
	var rec models.Record
	if err := c.Decode(data, &rec); err != nil {
		return models.Record{}, err
	}
	return rec, nil
}

// Encode serializes any value into a payload.
func (c *Codec) Encode(v interface{}) ([]byte, error) {
	raw, err := gojson.Marshal(v)
	if err != nil {
		return nil, err
	}
	if c.algorithm == compression.None {
		return raw, nil
	}
	packed, err := c.compressor.Compress(raw)
	if err != nil {
		return nil, fmt.Errorf("compress payload: %w", err)
	}
	out := make([]byte, 0, len(packed)+2)
	out = append(out, frameMagic, algorithmIDs[c.algorithm])
	return append(out, packed...), nil
}

// Decode reads a payload written by any Codec, whatever its algorithm.
func (c *Codec) Decode(data []byte, v interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("empty payload")
	}
	if data[0] == frameMagic {
		if len(data) < 2 {
			return fmt.Errorf("truncated payload header")
		}
		comp, err := c.reader(data[1])
		if err != nil {
			return err
		}
		data, err = comp.Decompress(data[2:])
		if err != nil {
			return fmt.Errorf("decompress payload: %w", err)
		}
	}
	return gojson.Unmarshal(data, v)
}

func (c *Codec) reader(id byte) (compression.Compressor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if comp, ok := c.readers[id]; ok {
		return comp, nil
	}
	for alg, aid := range algorithmIDs {
		if aid != id {
			continue
		}
		comp, err := compression.NewCompressor(&compression.Config{Algorithm: alg})
		if err != nil {
			return nil, err
		}
		c.readers[id] = comp
		return comp, nil
	}
	return nil, fmt.Errorf("unknown payload compression id %d", id)
}
