package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/gesture.capture/internal/config"
	"github.com/banshee-data/gesture.capture/internal/db"
	"github.com/banshee-data/gesture.capture/internal/device"
	"github.com/banshee-data/gesture.capture/internal/httputil"
	"github.com/banshee-data/gesture.capture/internal/monitoring"
	"github.com/banshee-data/gesture.capture/internal/pipeline"
	"github.com/banshee-data/gesture.capture/internal/session"
)

func init() {
	monitoring.SetLogger(nil)
}

type fixture struct {
	srv    *httptest.Server
	ctrl   *session.Controller
	ledger *db.DB
	mux    *http.ServeMux
}

func newFixture(t *testing.T, doc string) *fixture {
	t.Helper()
	cfg, err := config.Parse([]byte("input_data_path: " + t.TempDir() + "\nqueue:\n  flush_interval: 20ms\n" + doc))
	require.NoError(t, err)

	ledger, err := db.NewDB(filepath.Join(t.TempDir(), "capture.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	reg := prometheus.NewRegistry()
	metrics, err := pipeline.NewMetrics(reg)
	require.NoError(t, err)

	ctrl := session.New(session.Options{Config: cfg, Devices: device.Simulator{}, Ledger: ledger, Metrics: metrics})
	s := NewServer(ctrl, ledger, reg)
	mux := s.ServeMux()
	s.AttachDebugRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		if ctrl.Phase() == session.Acquiring {
			ctrl.Stop(context.Background())
		}
	})
	return &fixture{srv: srv, ctrl: ctrl, ledger: ledger, mux: mux}
}

func (f *fixture) client() *Client { return NewClient(f.srv.Client(), f.srv.URL) }

func TestSessionLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t, "fsr:\n  enabled: true\n")
	c := f.client()
	ctx := context.Background()

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, session.Idle, st.Phase)

	started, err := c.Start(ctx, 3, "tap")
	require.NoError(t, err)
	assert.Equal(t, 3, started.Participant)
	assert.True(t, started.Active)

	_, err = c.Start(ctx, 3, "tap")
	var se *httputil.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusConflict, se.StatusCode)

	require.NoError(t, c.SetAction(ctx, 5))
	require.NoError(t, c.SetParticipant(ctx, 4))
	st, err = c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, session.Acquiring, st.Phase)
	assert.Equal(t, 5, st.ActionLabel)
	assert.Equal(t, 4, st.Session.Participant)

	require.Eventually(t, func() bool {
		st, err := c.Status(ctx)
		return err == nil && len(st.Streams) == 1 && st.Streams[0].Pipeline.Persisted > 0
	}, 5*time.Second, 10*time.Millisecond)

	h, err := c.Health(ctx)
	require.NoError(t, err)
	require.Len(t, h.Streams, 1)
	assert.Equal(t, device.StreamFSR, h.Streams[0].Stream)
	assert.True(t, h.Healthy)

	stopped, err := c.Stop(ctx)
	require.NoError(t, err)
	assert.False(t, stopped.Active)
	assert.Equal(t, started.ID, stopped.ID)

	_, err = c.Stop(ctx)
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusConflict, se.StatusCode)

	resp, err := http.Get(f.srv.URL + "/api/sessions/" + started.ID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sess db.Session
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sess))
	assert.Equal(t, db.StatusCompleted, sess.Status)
	assert.Equal(t, 4, sess.Participant)
}

func TestStartWithoutDevicesIsBadRequest(t *testing.T) {
	f := newFixture(t, "")
	_, err := f.client().Start(context.Background(), 1, "t")
	var se *httputil.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.StatusCode)
	assert.Contains(t, se.Message, "no devices")
}

func TestMethodAndBodyValidation(t *testing.T) {
	f := newFixture(t, "")
	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"get start", http.MethodGet, "/api/session/start", "", http.StatusMethodNotAllowed},
		{"post status", http.MethodPost, "/api/status", "", http.StatusMethodNotAllowed},
		{"bad action body", http.MethodPost, "/api/session/action", `{"label":"x"}`, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/api/session/participant", `{"who":1}`, http.StatusBadRequest},
		{"zero participant", http.MethodPost, "/api/session/participant", `{"participant":0}`, http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/api/sessions?limit=0", "", http.StatusBadRequest},
		{"unknown session", http.MethodGet, "/api/sessions/nope", "", http.StatusNotFound},
		{"unknown preview", http.MethodGet, "/api/preview?stream=fmg", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			f.mux.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestListSessions(t *testing.T) {
	f := newFixture(t, "")
	require.NoError(t, f.ledger.BeginSession("s1", 1, "t", time.Unix(1, 0)))
	require.NoError(t, f.ledger.BeginSession("s2", 1, "t", time.Unix(2, 0)))

	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions?limit=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var got []db.Session
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	require.Len(t, got, 1)
	assert.Equal(t, "s2", got[0].ID)
}

func TestPreviewAndChart(t *testing.T) {
	f := newFixture(t, "fsr:\n  enabled: true\n")
	_, err := f.ctrl.Start(context.Background(), 1, "t")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		w := f.ctrl.Preview(device.StreamFSR)
		return w != nil && w.Len() >= 3
	}, 5*time.Second, 5*time.Millisecond)

	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/preview?stream=fmg&channel=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var p PreviewResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&p))
	assert.Len(t, p.Channels, 24)
	assert.NotEmpty(t, p.Series)

	req := httptest.NewRequest(http.MethodGet, "/debug/preview?stream=fmg", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec = httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "FSR01")
}

func TestMetricsAndVersion(t *testing.T) {
	f := newFixture(t, "fsr:\n  enabled: true\n")
	_, err := f.ctrl.Start(context.Background(), 1, "t")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return f.ctrl.Status().Streams[0].Pipeline.Persisted > 0
	}, 5*time.Second, 5*time.Millisecond)

	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `capture_pipeline_frames_total{stream="fmg"}`)

	rec = httptest.NewRecorder()
	f.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/version", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"version"`)
}
