// Package api serves the operator's control and status surface: session
// start/stop, participant and action updates, per-stream health flags,
// live previews and Prometheus metrics.
package api

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banshee-data/gesture.capture/internal/db"
	"github.com/banshee-data/gesture.capture/internal/health"
	"github.com/banshee-data/gesture.capture/internal/httputil"
	"github.com/banshee-data/gesture.capture/internal/preview"
	"github.com/banshee-data/gesture.capture/internal/session"
	"github.com/banshee-data/gesture.capture/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

type Server struct {
	ctrl     *session.Controller
	ledger   *db.DB
	gatherer prometheus.Gatherer
}

// NewServer returns a server for ctrl. ledger and gatherer are optional.
func NewServer(ctrl *session.Controller, ledger *db.DB, gatherer prometheus.Gatherer) *Server {
	return &Server{ctrl: ctrl, ledger: ledger, gatherer: gatherer}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns the API routes. Debug routes are added separately by
// AttachDebugRoutes.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.getOnly(s.showStatus))
	mux.HandleFunc("/api/health", s.getOnly(s.showHealth))
	mux.HandleFunc("/api/version", s.getOnly(s.showVersion))
	mux.HandleFunc("/api/session/start", s.postOnly(s.startSession))
	mux.HandleFunc("/api/session/stop", s.postOnly(s.stopSession))
	mux.HandleFunc("/api/session/participant", s.postOnly(s.setParticipant))
	mux.HandleFunc("/api/session/action", s.postOnly(s.setAction))
	mux.HandleFunc("/api/sessions", s.getOnly(s.listSessions))
	mux.HandleFunc("/api/sessions/{id}", s.getOnly(s.showSession))
	mux.HandleFunc("/api/preview", s.getOnly(s.showPreview))
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

func (s *Server) getOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w, http.MethodGet)
			return
		}
		h(w, r)
	}
}

func (s *Server) postOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w, http.MethodPost)
			return
		}
		h(w, r)
	}
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, s.ctrl.Status())
}

// HealthReport is the body of GET /api/health.
type HealthReport struct {
	Phase   session.Phase   `json:"phase"`
	Healthy bool            `json:"healthy"`
	Streams []health.Status `json:"streams"`
}

func (s *Server) showHealth(w http.ResponseWriter, r *http.Request) {
	streams := s.ctrl.Health()
	healthy := true
	for _, st := range streams {
		if st.Faulted {
			healthy = false
		}
	}
	httputil.WriteJSONOK(w, HealthReport{Phase: s.ctrl.Phase(), Healthy: healthy, Streams: streams})
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, version.Info())
}

// StartRequest is the body of POST /api/session/start.
type StartRequest struct {
	Participant int    `json:"participant"`
	Test        string `json:"test"`
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	st, err := s.ctrl.Start(r.Context(), req.Participant, req.Test)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	httputil.WriteJSONOK(w, st)
}

func (s *Server) stopSession(w http.ResponseWriter, r *http.Request) {
	st, err := s.ctrl.Stop(r.Context())
	if errors.Is(err, session.ErrInvalidTransition) {
		httputil.Conflict(w, err.Error())
		return
	}
	// A stream failure does not prevent the stop; report it alongside the
	// final state.
	resp := struct {
		session.State
		Error string `json:"error,omitempty"`
	}{State: st}
	if err != nil {
		resp.Error = err.Error()
	}
	httputil.WriteJSONOK(w, resp)
}

func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrInvalidTransition):
		httputil.Conflict(w, err.Error())
	case errors.Is(err, session.ErrNoDevices):
		httputil.BadRequest(w, err.Error())
	default:
		httputil.WriteJSONError(w, http.StatusBadGateway, err.Error())
	}
}

// ParticipantRequest is the body of POST /api/session/participant.
type ParticipantRequest struct {
	Participant int `json:"participant"`
}

func (s *Server) setParticipant(w http.ResponseWriter, r *http.Request) {
	var req ParticipantRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err := s.ctrl.SetParticipant(req.Participant); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, s.ctrl.Status())
}

// ActionRequest is the body of POST /api/session/action.
type ActionRequest struct {
	Label int `json:"label"`
}

func (s *Server) setAction(w http.ResponseWriter, r *http.Request) {
	var req ActionRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	s.ctrl.SetAction(req.Label)
	httputil.WriteJSONOK(w, s.ctrl.Status())
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		httputil.NotFound(w, "no session database")
		return
	}
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 {
			httputil.BadRequest(w, "invalid 'limit' parameter")
			return
		}
		limit = n
	}
	sessions, err := s.ledger.RecentSessions(limit)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if sessions == nil {
		sessions = []db.Session{}
	}
	httputil.WriteJSONOK(w, sessions)
}

func (s *Server) showSession(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		httputil.NotFound(w, "no session database")
		return
	}
	sess, err := s.ledger.GetSession(r.PathValue("id"))
	if errors.Is(err, db.ErrNotFound) {
		httputil.NotFound(w, err.Error())
		return
	}
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, sess)
}

// PreviewResponse is the body of GET /api/preview.
type PreviewResponse struct {
	Stream   string                   `json:"stream"`
	Channels []preview.ChannelSummary `json:"channels"`
	Series   []preview.Point          `json:"series,omitempty"`
}

func (s *Server) showPreview(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	stream := q.Get("stream")
	win := s.ctrl.Preview(stream)
	if win == nil {
		httputil.NotFound(w, "unknown stream "+strconv.Quote(stream))
		return
	}
	resp := PreviewResponse{Stream: stream, Channels: win.Summary()}
	if c := q.Get("channel"); c != "" {
		ch, err := strconv.Atoi(c)
		if err != nil || ch < 0 {
			httputil.BadRequest(w, "invalid 'channel' parameter")
			return
		}
		resp.Series = win.Series(ch)
	}
	httputil.WriteJSONOK(w, resp)
}
