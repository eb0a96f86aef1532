// Package server exposes the audit service over HTTP.
//
// Routes (tenant is always taken from the path):
//
//	POST /v1/tenants/{tenant}/events             record an event (201)
//	GET  /v1/tenants/{tenant}/events             search, newest first
//	GET  /v1/tenants/{tenant}/events/{id}        fetch one event
//	GET  /v1/tenants/{tenant}/events/{id}/proof  event, hash and predecessor hash
//	GET  /v1/tenants/{tenant}/verify             verify the tenant's chain
//	GET  /v1/tenants/{tenant}/export?format=     jsonl, json or csv
//	GET  /v1/tenants/{tenant}/feed               WebSocket live feed
//	GET  /metrics                                Prometheus exposition
//	GET  /health                                 liveness
package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ctrlai/chainaudit/internal/audit"
	"github.com/ctrlai/chainaudit/internal/metrics"
)

// Options holds the dependencies injected into the server.
type Options struct {
	Service *audit.Service

	// Metrics is optional. When set, requests and feed clients are counted
	// and Gatherer is served at /metrics.
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
}

// Server routes HTTP requests to the audit service.
type Server struct {
	svc      *audit.Service
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	hub      *feedHub
}

// New creates a Server and starts its live feed hub. Call Close to stop it.
func New(opts Options) *Server {
	s := &Server{
		svc:      opts.Service,
		metrics:  opts.Metrics,
		gatherer: opts.Gatherer,
		hub:      newFeedHub(),
	}
	go s.hub.run()
	return s
}

// Close stops the feed hub and disconnects feed clients.
func (s *Server) Close() {
	s.hub.stop()
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/tenants/{tenant}/events", s.handleRecord)
	mux.HandleFunc("GET /v1/tenants/{tenant}/events", s.handleSearch)
	mux.HandleFunc("GET /v1/tenants/{tenant}/events/{id}", s.handleFetch)
	mux.HandleFunc("GET /v1/tenants/{tenant}/events/{id}/proof", s.handleProve)
	mux.HandleFunc("GET /v1/tenants/{tenant}/verify", s.handleVerify)
	mux.HandleFunc("GET /v1/tenants/{tenant}/export", s.handleExport)
	mux.HandleFunc("GET /v1/tenants/{tenant}/feed", s.handleFeed)
	mux.HandleFunc("GET /health", s.handleHealth)

	if s.metrics != nil && s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	return s.instrument(mux)
}

// BroadcastEvent pushes a newly recorded event to the tenant's feed
// subscribers. Non-blocking; wired as audit.Options.OnRecord.
func (s *Server) BroadcastEvent(e audit.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("failed to marshal feed event", "event", e.ID, "error", err)
		return
	}
	s.hub.broadcast(feedMessage{tenant: e.TenantID, data: data})
}

// --- Handlers ---

// handleRecord records one event.
// POST /v1/tenants/{tenant}/events  { "actor": {...}, "category": "...", ... }
func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	tenant := r.PathValue("tenant")

	var in audit.EventInput
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&in); err != nil {
		writeError(w, &audit.ValidationError{Field: "body", Reason: "invalid JSON: " + err.Error()})
		return
	}
	if in.TenantID != "" && in.TenantID != tenant {
		writeError(w, &audit.ValidationError{Field: "tenantId", Reason: "does not match the tenant in the path"})
		return
	}
	in.TenantID = tenant

	e, err := s.svc.Record(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

// handleSearch returns one page of matching events.
// GET /v1/tenants/{tenant}/events?category=financial&action_pattern=sale.*&limit=50
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}
	page, err := s.svc.Search(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	e, ok, err := s.svc.Fetch(r.Context(), r.PathValue("tenant"), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "event not found"})
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleProve(w http.ResponseWriter, r *http.Request) {
	proof, ok, err := s.svc.Prove(r.Context(), r.PathValue("tenant"), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "event not found"})
		return
	}
	writeJSON(w, http.StatusOK, proof)
}

// handleVerify answers 200 for intact and broken chains alike; the body
// tells them apart.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Verify(r.Context(), r.PathValue("tenant"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleExport streams the tenant's chain. The export is buffered so a
// failure can still be reported with a proper status code.
// GET /v1/tenants/{tenant}/export?format=csv
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = audit.FormatJSONL
	}

	var buf bytes.Buffer
	if err := s.svc.Export(r.Context(), &buf, r.PathValue("tenant"), format); err != nil {
		writeError(w, err)
		return
	}

	switch format {
	case audit.FormatCSV:
		w.Header().Set("Content-Type", "text/csv")
	case audit.FormatJSON:
		w.Header().Set("Content-Type", "application/json")
	default:
		w.Header().Set("Content-Type", "application/x-ndjson")
	}
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// parseFilter builds a Filter from the path tenant and query parameters.
func parseFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	f := audit.Filter{
		TenantID:      r.PathValue("tenant"),
		ActorID:       q.Get("actor"),
		Category:      audit.Category(q.Get("category")),
		Severity:      audit.Severity(q.Get("severity")),
		Action:        q.Get("action"),
		ActionPattern: q.Get("action_pattern"),
		Resource:      q.Get("resource"),
		Outcome:       audit.Outcome(q.Get("outcome")),
	}

	var err error
	if f.StartTime, err = parseTime(q.Get("since"), "since"); err != nil {
		return f, err
	}
	if f.EndTime, err = parseTime(q.Get("until"), "until"); err != nil {
		return f, err
	}
	if f.Limit, err = parseInt(q.Get("limit"), "limit"); err != nil {
		return f, err
	}
	if f.Offset, err = parseInt(q.Get("offset"), "offset"); err != nil {
		return f, err
	}
	return f, nil
}

func parseTime(v, field string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, &audit.ValidationError{Field: field, Reason: "must be an RFC 3339 timestamp"}
	}
	return t, nil
}

func parseInt(v, field string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &audit.ValidationError{Field: field, Reason: "must be an integer"}
	}
	return n, nil
}

// --- Helpers ---

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case audit.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, audit.ErrDuplicateEvent), errors.Is(err, audit.ErrChainHeadMoved):
		return http.StatusConflict
	case audit.IsStorage(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= 500 {
		slog.Error("request failed", "status", status, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeJSON sends a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}

// instrument records request counts and latency per matched route.
func (s *Server) instrument(next http.Handler) http.Handler {
	if s.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.metrics.ObserveHTTPRequest(route, r.Method, rec.status, time.Since(start))
	})
}

// statusRecorder captures the response status. It passes Hijack through
// so the feed's WebSocket upgrade still works behind it.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }
