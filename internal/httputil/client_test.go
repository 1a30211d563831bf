package httputil

import (
	"context"
	"errors"
	"net/http"
	"testing"
)

func TestJSONClient_PostDecodesReply(t *testing.T) {
	t.Parallel()

	mock := NewMockClient().AddResponse(http.StatusOK, `{"id":"abc"}`)
	c := NewJSONClient(mock, "http://capture.local:8080/")

	var out struct {
		ID string `json:"id"`
	}
	if err := c.Post(context.Background(), "/api/session/start", map[string]int{"participant": 3}, &out); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if out.ID != "abc" {
		t.Errorf("id = %q, want abc", out.ID)
	}

	req, body := mock.Request(0)
	if req.Method != http.MethodPost {
		t.Errorf("method = %s, want POST", req.Method)
	}
	if got := req.URL.String(); got != "http://capture.local:8080/api/session/start" {
		t.Errorf("url = %s", got)
	}
	if body != `{"participant":3}` {
		t.Errorf("body = %s", body)
	}
	if ct := req.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("content-type = %s", ct)
	}
}

func TestJSONClient_StatusError(t *testing.T) {
	t.Parallel()

	mock := NewMockClient().
		AddResponse(http.StatusConflict, `{"error":"start while acquiring"}`).
		AddResponse(http.StatusBadGateway, "upstream down")
	c := NewJSONClient(mock, "http://x")

	err := c.Get(context.Background(), "/a", nil)
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if se.StatusCode != http.StatusConflict || se.Message != "start while acquiring" {
		t.Errorf("got %+v", se)
	}

	err = c.Get(context.Background(), "/b", nil)
	if !errors.As(err, &se) || se.Message != "upstream down" {
		t.Errorf("err = %v, want plain-text message", err)
	}
}

func TestJSONClient_TransportError(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection refused")
	c := NewJSONClient(NewMockClient().AddErrorResponse(boom), "http://x")
	if err := c.Get(context.Background(), "/", nil); !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
}

func TestMockClient_DefaultsToEmptyOK(t *testing.T) {
	t.Parallel()

	mock := NewMockClient()
	c := NewJSONClient(mock, "http://x")
	var out map[string]int
	if err := c.Get(context.Background(), "/", &out); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if out != nil {
		t.Errorf("out = %v, want untouched", out)
	}
	if mock.RequestCount() != 1 {
		t.Errorf("requests = %d, want 1", mock.RequestCount())
	}
	if req, _ := mock.Request(5); req != nil {
		t.Error("out of range request should be nil")
	}
}
