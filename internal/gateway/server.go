package gateway

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ajitpratap0/logpipe/internal/hub"
	"github.com/ajitpratap0/logpipe/pkg/codec"
	"github.com/ajitpratap0/logpipe/pkg/compression"
	"github.com/ajitpratap0/logpipe/pkg/errors"
	"github.com/ajitpratap0/logpipe/pkg/logger"
	"github.com/ajitpratap0/logpipe/pkg/models"
	"github.com/ajitpratap0/logpipe/pkg/observability"
	"github.com/ajitpratap0/logpipe/pkg/parser"
)

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr          string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	MaxBatchItems int
	MaxBodyBytes  int64
	Version       string
	ServiceName   string
	// Tracing wraps every request in a server span.
	Tracing        bool
	DisableMetrics bool
}

// DefaultServerConfig returns the serve command's defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:          ":5000",
		ReadTimeout:   15 * time.Second,
		WriteTimeout:  15 * time.Second,
		MaxBatchItems: 10000,
		MaxBodyBytes:  32 << 20,
		Version:       "dev",
		ServiceName:   "logpipe",
	}
}

const requestIDHeader = "X-Request-ID"

// Server exposes a Gateway, and optionally a Hub, over HTTP.
type Server struct {
	cfg     ServerConfig
	gw      *Gateway
	hub     *hub.Hub
	host    *hostMonitor
	logger  *zap.Logger
	handler http.Handler
}

// NewServer builds the router. h may be nil, in which case /ws/logs is not
// served.
func NewServer(cfg ServerConfig, gw *Gateway, h *hub.Hub, l *zap.Logger) *Server {
	def := DefaultServerConfig()
	if cfg.MaxBatchItems <= 0 {
		cfg.MaxBatchItems = def.MaxBatchItems
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	if cfg.Version == "" {
		cfg.Version = def.Version
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = def.ServiceName
	}
	if l == nil {
		l = zap.NewNop()
	}
	s := &Server{
		cfg:    cfg,
		gw:     gw,
		hub:    h,
		host:   newHostMonitor(),
		logger: l.With(zap.String("component", "http")),
	}

	router := httprouter.New()
	router.POST("/logs", s.handleSubmit)
	router.POST("/logs/batch", s.handleSubmitBatch)
	router.POST("/logs/raw", s.handleSubmitRaw)
	router.POST("/logs/raw/batch", s.handleSubmitRawBatch)
	router.POST("/parse/auto", s.handleParseAuto)
	router.GET("/parse/formats", s.handleFormats)
	router.GET("/parse/patterns", s.handlePatterns)
	router.POST("/parse/patterns", s.handleRegisterPattern)
	router.DELETE("/parse/patterns/:name", s.handleUnregisterPattern)
	router.GET("/queue/status", s.handleQueueStatus)
	router.GET("/health", s.handleHealth)
	if !cfg.DisableMetrics {
		router.Handler(http.MethodGet, "/metrics", promhttp.Handler())
	}
	if h != nil {
		router.HandlerFunc(http.MethodGet, "/ws/logs", h.ServeWS)
	}

	var handler http.Handler = router
	handler = s.withRequestID(handler)
	if cfg.Tracing {
		handler = observability.TracingMiddleware(cfg.ServiceName, handler)
	}
	s.handler = handler
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return errors.Wrap(err, errors.ErrorTypeConnection, "http server failed")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Info("http server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "http shutdown failed")
	}
	return nil
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(logger.WithRequestID(r.Context(), id)))
	})
}

type submitResponse struct {
	Status         string        `json:"status"`
	MessageID      string        `json:"message_id"`
	Message        string        `json:"message"`
	DetectedFormat models.Format `json:"detected_format,omitempty"`
}

type batchResponse struct {
	Status   string   `json:"status"`
	Accepted int      `json:"accepted"`
	Rejected int      `json:"rejected"`
	Results  []Result `json:"results"`
}

type errorResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message"`
	Kind    errors.Kind `json:"kind,omitempty"`
}

type rawRequest struct {
	RawLog string `json:"raw_log"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var sub models.Submission
	if !s.decode(w, r, &sub) {
		return
	}
	ack, err := s.gw.Submit(r.Context(), sub)
	if err != nil {
		s.fail(w, r, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{
		Status:    ack.Status,
		MessageID: ack.MessageID,
		Message:   "Log queued for processing",
	})
}

func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req struct {
		Logs []models.Submission `json:"logs"`
	}
	if !s.decode(w, r, &req) || !s.checkBatch(w, len(req.Logs)) {
		return
	}
	s.writeBatch(w, s.gw.SubmitBatch(r.Context(), req.Logs))
}

func (s *Server) handleSubmitRaw(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req rawRequest
	if !s.decode(w, r, &req) {
		return
	}
	ack, err := s.gw.SubmitRaw(r.Context(), req.RawLog)
	if err != nil {
		s.fail(w, r, err, http.StatusUnprocessableEntity)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{
		Status:         ack.Status,
		MessageID:      ack.MessageID,
		Message:        "Log queued for processing",
		DetectedFormat: ack.DetectedFormat,
	})
}

func (s *Server) handleSubmitRawBatch(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req struct {
		Lines []string `json:"lines"`
	}
	if !s.decode(w, r, &req) || !s.checkBatch(w, len(req.Lines)) {
		return
	}
	s.writeBatch(w, s.gw.SubmitRawBatch(r.Context(), req.Lines))
}

func (s *Server) handleParseAuto(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req rawRequest
	if !s.decode(w, r, &req) {
		return
	}
	rec, err := s.gw.Registry().DetectAndParse(req.RawLog)
	if err != nil {
		message := "Parsing failed: " + err.Error()
		if errors.IsKind(err, errors.KindNoFormatMatched) {
			message = "Could not detect log format"
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":          "error",
			"message":         message,
			"kind":            errors.KindOf(err),
			"detected_format": nil,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "success",
		"detected_format": rec.DetectedFormat,
		"parsed_log":      rec,
	})
}

func (s *Server) handleFormats(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	formats := s.gw.Registry().Formats()
	var custom []parser.FormatInfo
	for _, f := range formats {
		if f.Type == parser.FormatTypeCustom {
			custom = append(custom, f)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "success",
		"formats":         formats,
		"custom_patterns": custom,
	})
}

func (s *Server) handlePatterns(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "success",
		"patterns": parser.PredefinedPatterns(),
	})
}

func (s *Server) handleRegisterPattern(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req struct {
		Name    string `json:"name"`
		Pattern string `json:"pattern"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.gw.Registry().Register(req.Name, req.Pattern); err != nil {
		s.fail(w, r, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"status": "success",
		"name":   req.Name,
		"format": models.CustomFormat(req.Name),
	})
}

func (s *Server) handleUnregisterPattern(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	name := ps.ByName("name")
	if !s.gw.Registry().Unregister(name) {
		writeJSON(w, http.StatusNotFound, errorResponse{Status: "error", Message: "no custom parser named " + name})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "success", "name": name})
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	stats, err := s.gw.QueueStats(r.Context())
	if err != nil {
		s.fail(w, r, err, http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "success",
		"queue_length":    stats.Length,
		"pending":         stats.Pending,
		"consumer_groups": stats.Groups,
		"consumers":       stats.Consumers,
		"messages_sent":   s.gw.MessagesSent(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, queueState := "healthy", "available"
	if _, err := s.gw.QueueStats(ctx); err != nil {
		status, queueState = "degraded", "unavailable"
	}
	connections := 0
	if s.hub != nil {
		connections = s.hub.Clients()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":                status,
		"api":                   "online",
		"queue":                 queueState,
		"websocket_connections": connections,
		"version":               s.cfg.Version,
		"host":                  s.host.Usage(),
	})
}

func (s *Server) checkBatch(w http.ResponseWriter, n int) bool {
	switch {
	case n == 0:
		writeJSON(w, http.StatusBadRequest, errorResponse{Status: "error", Message: "batch is empty"})
		return false
	case n > s.cfg.MaxBatchItems:
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Status:  "error",
			Message: "batch exceeds the maximum of " + strconv.Itoa(s.cfg.MaxBatchItems) + " items",
		})
		return false
	}
	return true
}

// writeBatch answers 202 when anything was queued. A batch in which every
// item failed to append is a 503.
func (s *Server) writeBatch(w http.ResponseWriter, results []Result) {
	resp := batchResponse{Status: "success", Results: results}
	appendFailures := 0
	for _, res := range results {
		if res.Err() == nil {
			resp.Accepted++
			continue
		}
		resp.Rejected++
		if errors.IsKind(res.Err(), errors.KindAppendFailed) {
			appendFailures++
		}
	}
	status := http.StatusAccepted
	if resp.Rejected > 0 {
		resp.Status = "partial"
	}
	if resp.Accepted == 0 {
		resp.Status = "error"
		if appendFailures > 0 {
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, resp)
}

// decode reads a JSON body, honoring Content-Encoding. It writes the error
// response itself and reports whether decoding succeeded.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	defer body.Close()

	alg, ok := contentEncoding(r.Header.Get("Content-Encoding"))
	if !ok {
		writeJSON(w, http.StatusUnsupportedMediaType, errorResponse{
			Status:  "error",
			Message: "unsupported content encoding " + r.Header.Get("Content-Encoding"),
		})
		return false
	}
	reader, err := compression.NewReader(alg, body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Status: "error", Message: "invalid compressed body: " + err.Error()})
		return false
	}
	defer reader.Close()

	if err := codec.NewDecoder(reader).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Status: "error", Message: "invalid JSON body: " + err.Error()})
		return false
	}
	return true
}

func contentEncoding(header string) (compression.Algorithm, bool) {
	switch strings.ToLower(strings.TrimSpace(header)) {
	case "", "identity":
		return compression.None, true
	case "gzip", "x-gzip":
		return compression.Gzip, true
	case "zstd":
		return compression.Zstd, true
	default:
		return "", false
	}
}

// fail maps err onto a response. Queue failures are always 503.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error, invalid int) {
	status := invalid
	if errors.IsKind(err, errors.KindAppendFailed) {
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context(), s.logger).Error("request failed",
			zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, status, errorResponse{Status: "error", Message: err.Error(), Kind: errors.KindOf(err)})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = codec.Encode(w, v)
}
