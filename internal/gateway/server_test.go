package gateway

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/logpipe/internal/hub"
	"github.com/ajitpratap0/logpipe/pkg/broadcast"
	"github.com/ajitpratap0/logpipe/pkg/codec"
	"github.com/ajitpratap0/logpipe/pkg/queue"
	queuemem "github.com/ajitpratap0/logpipe/pkg/queue/memory"
	"github.com/ajitpratap0/logpipe/pkg/testutil"
)

type fixture struct {
	srv   *httptest.Server
	queue queue.Queue
	gw    *Gateway
	hub   *hub.Hub
}

func newFixture(t *testing.T, q queue.Queue, cfg ServerConfig) *fixture {
	t.Helper()
	gw := newGateway(t, q)
	h := hub.New(hub.Config{}, nil)
	s := NewServer(cfg, gw, h, testutil.TestLogger(t))
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, queue: q, gw: gw, hub: h}
}

func (f *fixture) do(t *testing.T, method, path string, body []byte, header http.Header) (int, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	if resp.Header.Get("Content-Type") == "application/json" {
		require.NoError(t, codec.NewDecoder(resp.Body).Decode(&out))
	}
	return resp.StatusCode, out
}

func (f *fixture) post(t *testing.T, path, body string) (int, map[string]interface{}) {
	return f.do(t, http.MethodPost, path, []byte(body), nil)
}

func TestPostLogs(t *testing.T) {
	f := newFixture(t, queuemem.New(), ServerConfig{})

	status, body := f.post(t, "/logs", `{"timestamp":"2025-11-11T16:00:00Z","level":"INFO","source":"web","application":"shop","message":"order placed"}`)
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "queued", body["status"])
	assert.NotEmpty(t, body["message_id"])
	assert.Equal(t, "Log queued for processing", body["message"])

	status, body = f.post(t, "/logs", `{"timestamp":"2025-11-11T16:00:00Z","message":""}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "error", body["status"])
	assert.Equal(t, "malformed_field", body["kind"])

	status, _ = f.post(t, "/logs", `{not json`)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestPostRawLogs(t *testing.T) {
	f := newFixture(t, queuemem.New(), ServerConfig{})

	status, body := f.post(t, "/logs/raw", `{"raw_log":"192.168.1.1 - - [11/Nov/2025:16:00:00 +0000] \"GET /api HTTP/1.1\" 200 45"}`)
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "apache_common", body["detected_format"])

	status, body = f.post(t, "/logs/raw", `{"raw_log":"no recognizable structure"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "no_format_matched", body["kind"])
}

func TestQueueFailureIsServiceUnavailable(t *testing.T) {
	f := newFixture(t, downQueue{queuemem.New()}, ServerConfig{})

	status, body := f.post(t, "/logs", `{"timestamp":"2025-11-11T16:00:00Z","message":"x"}`)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "append_failed", body["kind"])

	status, _ = f.post(t, "/logs/raw/batch", `{"lines":["{\"message\":\"a\"}"]}`)
	assert.Equal(t, http.StatusServiceUnavailable, status)

	status, _ = f.do(t, http.MethodGet, "/queue/status", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)

	status, body = f.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "unavailable", body["queue"])
}

func TestBatchEndpoints(t *testing.T) {
	f := newFixture(t, queuemem.New(), ServerConfig{MaxBatchItems: 3})

	status, body := f.post(t, "/logs/raw/batch", `{"lines":["{\"message\":\"a\"}","???","{\"message\":\"c\"}"]}`)
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "partial", body["status"])
	assert.Equal(t, float64(2), body["accepted"])
	assert.Equal(t, float64(1), body["rejected"])
	results := body["results"].([]interface{})
	require.Len(t, results, 3)
	assert.Equal(t, "no_format_matched", results[1].(map[string]interface{})["kind"])

	status, body = f.post(t, "/logs/batch", `{"logs":[{"timestamp":"2025-11-11T16:00:00Z","message":"one"}]}`)
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "success", body["status"])

	status, _ = f.post(t, "/logs/batch", `{"logs":[]}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = f.post(t, "/logs/raw/batch", `{"lines":["a","b","c","d"]}`)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestCompressedBodies(t *testing.T) {
	f := newFixture(t, queuemem.New(), ServerConfig{})
	payload := []byte(`{"lines":["{\"message\":\"zipped\"}","{\"message\":\"again\"}"]}`)

	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	_, err := zw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	status, body := f.do(t, http.MethodPost, "/logs/raw/batch", gz.Bytes(), http.Header{"Content-Encoding": {"gzip"}})
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, float64(2), body["accepted"])

	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	compressed := enc.EncodeAll(payload, nil)
	require.NoError(t, enc.Close())

	status, body = f.do(t, http.MethodPost, "/logs/raw/batch", compressed, http.Header{"Content-Encoding": {"zstd"}})
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, float64(2), body["accepted"])

	status, _ = f.do(t, http.MethodPost, "/logs/raw/batch", payload, http.Header{"Content-Encoding": {"br"}})
	assert.Equal(t, http.StatusUnsupportedMediaType, status)

	assert.Equal(t, int64(4), f.gw.MessagesSent())
}

func TestParseEndpoints(t *testing.T) {
	f := newFixture(t, queuemem.New(), ServerConfig{})

	status, body := f.post(t, "/parse/auto", `{"raw_log":"<34>1 2025-11-11T16:00:00.000Z server1 myapp 1234 - - Event occurred"}`)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, "syslog_rfc5424", body["detected_format"])
	parsed := body["parsed_log"].(map[string]interface{})
	assert.Equal(t, "Event occurred", parsed["message"])

	_, body = f.post(t, "/parse/auto", `{"raw_log":"INFO:billing:charged card"}`)
	assert.Equal(t, "error", body["status"])
	assert.Equal(t, "Could not detect log format", body["message"])
	assert.Nil(t, body["detected_format"])

	status, _ = f.post(t, "/parse/patterns", `{"name":"python","pattern":"(?P<level>\\w+):(?P<application>[^:]+):(?P<message>.+)"}`)
	assert.Equal(t, http.StatusCreated, status)

	_, body = f.post(t, "/parse/auto", `{"raw_log":"INFO:billing:charged card"}`)
	assert.Equal(t, "custom:python", body["detected_format"])

	status, body = f.post(t, "/parse/patterns", `{"name":"broken","pattern":"(?P<level>\\w+"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_pattern_registration", body["kind"])

	status, body = f.do(t, http.MethodGet, "/parse/formats", nil, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Len(t, body["formats"], 6)
	assert.Len(t, body["custom_patterns"], 1)

	status, body = f.do(t, http.MethodGet, "/parse/patterns", nil, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Len(t, body["patterns"], 4)

	status, _ = f.do(t, http.MethodDelete, "/parse/patterns/python", nil, nil)
	assert.Equal(t, http.StatusOK, status)
	status, _ = f.do(t, http.MethodDelete, "/parse/patterns/python", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestQueueStatusAndHealth(t *testing.T) {
	f := newFixture(t, queuemem.New(), ServerConfig{Version: "1.2.3"})

	for i := 0; i < 3; i++ {
		status, _ := f.post(t, "/logs/raw", `{"raw_log":"{\"message\":\"hi\"}"}`)
		require.Equal(t, http.StatusAccepted, status)
	}
	_, err := f.queue.Read(context.Background(), "log-processors", "w-1", 1, 0)
	require.NoError(t, err)

	status, body := f.do(t, http.MethodGet, "/queue/status", nil, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(3), body["queue_length"])
	assert.Equal(t, float64(1), body["pending"])
	assert.Equal(t, float64(1), body["consumer_groups"])
	assert.Equal(t, float64(1), body["consumers"])
	assert.Equal(t, float64(3), body["messages_sent"])

	status, body = f.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "1.2.3", body["version"])
	assert.Equal(t, float64(0), body["websocket_connections"])
	assert.Contains(t, body, "host")
}

func TestRequestIDIsEchoed(t *testing.T) {
	f := newFixture(t, queuemem.New(), ServerConfig{})

	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set(requestIDHeader, "req-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "req-123", resp.Header.Get(requestIDHeader))

	resp, err = http.Get(f.srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.NotEmpty(t, resp.Header.Get(requestIDHeader))
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, queuemem.New(), ServerConfig{})
	f.post(t, "/logs/raw", `{"raw_log":"{\"message\":\"counted\"}"}`)

	resp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "logpipe_ingested_total")
}

func TestWebSocketRoute(t *testing.T) {
	f := newFixture(t, queuemem.New(), ServerConfig{})
	bus := broadcast.NewLocal(0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.hub.Run(ctx, bus)
	}()
	defer func() {
		cancel()
		<-done
	}()
	testutil.AssertEventually(t, func() bool { return bus.Subscribers() == 1 }, time.Second, "hub not subscribed")

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(f.srv.URL, "http")+"/ws/logs", nil)
	require.NoError(t, err)
	defer ws.Close()
	testutil.AssertEventually(t, func() bool { return f.hub.Clients() == 1 }, time.Second, "viewer not registered")

	require.NoError(t, bus.Publish(ctx, broadcast.Event{StorageID: 5, Record: testutil.Record("streamed")}))
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"id":5`)
	assert.Contains(t, string(data), `"message":"streamed"`)
}
