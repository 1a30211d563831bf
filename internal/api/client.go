package api

import (
	"context"

	"github.com/banshee-data/gesture.capture/internal/httputil"
	"github.com/banshee-data/gesture.capture/internal/session"
)

// Client drives a running capture service over its HTTP API.
type Client struct {
	json *httputil.JSONClient
}

// NewClient returns a client for the service at baseURL. A nil doer uses
// http.DefaultClient.
func NewClient(doer httputil.Doer, baseURL string) *Client {
	return &Client{json: httputil.NewJSONClient(doer, baseURL)}
}

func (c *Client) Status(ctx context.Context) (session.Status, error) {
	var st session.Status
	err := c.json.Get(ctx, "/api/status", &st)
	return st, err
}

func (c *Client) Health(ctx context.Context) (HealthReport, error) {
	var h HealthReport
	err := c.json.Get(ctx, "/api/health", &h)
	return h, err
}

func (c *Client) Start(ctx context.Context, participant int, test string) (session.State, error) {
	var st session.State
	err := c.json.Post(ctx, "/api/session/start", StartRequest{Participant: participant, Test: test}, &st)
	return st, err
}

func (c *Client) Stop(ctx context.Context) (session.State, error) {
	var st session.State
	err := c.json.Post(ctx, "/api/session/stop", nil, &st)
	return st, err
}

func (c *Client) SetAction(ctx context.Context, label int) error {
	return c.json.Post(ctx, "/api/session/action", ActionRequest{Label: label}, nil)
}

func (c *Client) SetParticipant(ctx context.Context, participant int) error {
	return c.json.Post(ctx, "/api/session/participant", ParticipantRequest{Participant: participant}, nil)
}
