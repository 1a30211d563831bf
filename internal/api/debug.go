package api

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"tailscale.com/tsweb"

	"github.com/banshee-data/gesture.capture/internal/httputil"
	"github.com/banshee-data/gesture.capture/internal/sample"
)

// maxChartSeries caps the lines drawn in one preview chart.
const maxChartSeries = 8

// AttachDebugRoutes mounts operator diagnostics under /debug/ on mux.
func (s *Server) AttachDebugRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.Handle("preview", "Live chart of the recent readings of a stream", http.HandlerFunc(s.handlePreviewChart))
	debug.Handle("session", "Session controller state (JSON)", http.HandlerFunc(s.showStatus))
	debug.KVFunc("Session phase", func() any { return s.ctrl.Phase().String() })
}

// handlePreviewChart renders the watched channels of ?stream= (default: the
// first stream) as a line chart. ?channel= limits it to one frame position.
func (s *Server) handlePreviewChart(w http.ResponseWriter, r *http.Request) {
	stream := r.URL.Query().Get("stream")
	if stream == "" {
		if names := s.ctrl.Streams(); len(names) > 0 {
			stream = names[0]
		}
	}
	win := s.ctrl.Preview(stream)
	if win == nil {
		httputil.NotFound(w, fmt.Sprintf("no preview for stream %q", stream))
		return
	}

	channels := win.Channels()
	if c := r.URL.Query().Get("channel"); c != "" {
		var idx int
		if _, err := fmt.Sscanf(c, "%d", &idx); err != nil {
			httputil.BadRequest(w, "invalid 'channel' parameter")
			return
		}
		channels = []sample.Channel{{Index: idx, Label: c}}
		for _, ch := range win.Channels() {
			if ch.Index == idx {
				channels[0] = ch
			}
		}
	}
	if len(channels) > maxChartSeries {
		channels = channels[:maxChartSeries]
	}

	samples := win.Samples()
	xs := make([]string, len(samples))
	for i, smp := range samples {
		xs[i] = sample.FormatTime(smp.CaptureTime)
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Live preview", Theme: "dark", Width: "100%", Height: "640px"}),
		charts.WithTitleOpts(opts.Title{Title: "Stream " + stream, Subtitle: fmt.Sprintf("samples=%d channels=%d", len(samples), len(channels))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "inside"}),
	)
	line.SetXAxis(xs)
	for _, ch := range channels {
		data := make([]opts.LineData, len(samples))
		for i, smp := range samples {
			if ch.Index < len(smp.Values) {
				data[i] = opts.LineData{Value: smp.Values[ch.Index]}
			}
		}
		line.AddSeries(ch.Label, data, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))
	}

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
