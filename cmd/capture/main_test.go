package main

import (
	"bytes"
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/banshee-data/gesture.capture/internal/config"
	"github.com/banshee-data/gesture.capture/internal/httputil"
)

func TestBaseURL(t *testing.T) {
	tests := []struct {
		listen string
		want   string
	}{
		{":8080", "http://localhost:8080"},
		{"0.0.0.0:9000", "http://localhost:9000"},
		{"192.168.1.5:8080", "http://192.168.1.5:8080"},
		{"http://lab-pc:8080", "http://lab-pc:8080"},
		{"lab-pc", "http://lab-pc"},
	}
	for _, tt := range tests {
		if got := baseURL(tt.listen); got != tt.want {
			t.Errorf("baseURL(%q) = %q, want %q", tt.listen, got, tt.want)
		}
	}
}

func TestLoadConfig(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "config.yaml")

	cfg, err := loadConfig(missing, false)
	if err != nil {
		t.Fatalf("missing default config should fall back to defaults: %v", err)
	}
	if cfg.GetListen() != ":8080" {
		t.Errorf("listen = %q, want :8080", cfg.GetListen())
	}

	if _, err := loadConfig(missing, true); err == nil {
		t.Error("missing explicit config should fail")
	}

	path := filepath.Join(t.TempDir(), "lab.yaml")
	if err := os.WriteFile(path, []byte("listen: \":9090\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = loadConfig(path, true)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.GetListen() != ":9090" {
		t.Errorf("listen = %q, want :9090", cfg.GetListen())
	}
}

func TestRunCtl(t *testing.T) {
	mock := httputil.NewMockClient().
		AddResponse(http.StatusOK, `{"id":"abc","participant":2,"test":"grip","active":true}`).
		AddResponse(http.StatusOK, `{}`)
	ctlDoer = mock
	defer func() { ctlDoer = nil }()

	cfg, err := config.Parse([]byte("listen: \":7000\"\n"))
	if err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := runCtl(context.Background(), []string{"start", "2", "grip"}, cfg, &out); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !bytes.Contains(out.Bytes(), []byte(`"id": "abc"`)) {
		t.Errorf("output = %s", out.String())
	}
	req, body := mock.Request(0)
	if req.URL.String() != "http://localhost:7000/api/session/start" {
		t.Errorf("url = %s", req.URL)
	}
	if body != `{"participant":2,"test":"grip"}` {
		t.Errorf("body = %s", body)
	}

	out.Reset()
	if err := runCtl(context.Background(), []string{"action", "4"}, cfg, &out); err != nil {
		t.Fatalf("action: %v", err)
	}
	if out.String() != "ok\n" {
		t.Errorf("output = %q", out.String())
	}

	for _, args := range [][]string{nil, {"action"}, {"action", "x"}, {"jump"}} {
		if err := runCtl(context.Background(), args, cfg, &out); err == nil {
			t.Errorf("runCtl(%v) should fail", args)
		}
	}
}
