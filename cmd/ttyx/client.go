package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"pkt.systems/ttyx/httpapi"
	"pkt.systems/ttyx/internal/appconfig"
	"pkt.systems/ttyx/schema"
)

const requestTimeout = 45 * time.Second

// apiClient talks to a running ttyx server over its HTTP API.
type apiClient struct {
	base   string
	rest   *resty.Client
	stream *resty.Client
}

type apiError struct {
	Message string `json:"error"`
}

func newAPIClient(base string) *apiClient {
	base = strings.TrimRight(base, "/")
	return &apiClient{
		base: base,
		rest: resty.New().
			SetBaseURL(base).
			SetTimeout(requestTimeout).
			SetHeader("Accept", "application/json"),
		stream: resty.New().
			SetBaseURL(base).
			SetHeader("Accept", "text/event-stream"),
	}
}

// resolveBaseURL picks the server URL from the flag, $TTYX_URL or the config.
func resolveBaseURL(flags *globalFlags) (string, error) {
	if flags.url != "" {
		return flags.url, nil
	}
	if env := strings.TrimSpace(os.Getenv("TTYX_URL")); env != "" {
		return env, nil
	}
	cfg, err := appconfig.Load(flags.configPath)
	if err != nil {
		return "", err
	}
	return baseURLFromConfig(cfg.HTTP), nil
}

func baseURLFromConfig(cfg appconfig.HTTPConfig) string {
	if cfg.BaseURL != "" {
		return strings.TrimRight(cfg.BaseURL, "/")
	}
	host, port, err := net.SplitHostPort(cfg.Addr)
	if err != nil {
		return "http://" + cfg.Addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	base := "http://" + net.JoinHostPort(host, port)
	if path := strings.Trim(cfg.BasePath, "/"); path != "" {
		base += "/" + path
	}
	return base
}

func clientFromFlags(flags *globalFlags) (*apiClient, error) {
	base, err := resolveBaseURL(flags)
	if err != nil {
		return nil, err
	}
	return newAPIClient(base), nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var failure apiError
	req := c.rest.R().SetContext(ctx).SetError(&failure)
	if body != nil {
		req.SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return err
	}
	if resp.IsError() {
		if failure.Message == "" {
			failure.Message = strings.TrimSpace(resp.String())
		}
		if failure.Message == "" {
			failure.Message = http.StatusText(resp.StatusCode())
		}
		return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode(), failure.Message)
	}
	return nil
}

func (c *apiClient) ListSessions(ctx context.Context) (schema.ListSessionsResponse, error) {
	var out schema.ListSessionsResponse
	err := c.do(ctx, http.MethodGet, "/api/sessions", nil, &out)
	return out, err
}

func (c *apiClient) CreateSession(ctx context.Context, req schema.CreateSessionRequest) (schema.CreateSessionResponse, error) {
	var out schema.CreateSessionResponse
	err := c.do(ctx, http.MethodPost, "/api/sessions", req, &out)
	return out, err
}

func (c *apiClient) CloseSession(ctx context.Context, id schema.SessionID) (schema.CloseSessionResponse, error) {
	var out schema.CloseSessionResponse
	err := c.do(ctx, http.MethodPost, "/api/sessions/close", schema.CloseSessionRequest{SessionID: id}, &out)
	return out, err
}

func (c *apiClient) SwitchSession(ctx context.Context, id schema.SessionID) (schema.SwitchSessionResponse, error) {
	var out schema.SwitchSessionResponse
	err := c.do(ctx, http.MethodPost, "/api/sessions/switch", schema.SwitchSessionRequest{SessionID: id}, &out)
	return out, err
}

func (c *apiClient) SendCommand(ctx context.Context, req schema.SendCommandRequest) (schema.SendCommandResponse, error) {
	var out schema.SendCommandResponse
	err := c.do(ctx, http.MethodPost, "/api/command", req, &out)
	return out, err
}

type connectionList struct {
	Connections []schema.ConnectionInfo `json:"connections"`
	Current     schema.ConnectionID     `json:"current"`
}

type connectionRef struct {
	ConnectionID schema.ConnectionID `json:"connection_id,omitempty"`
}

type mountResult struct {
	ConnectionID schema.ConnectionID `json:"connection_id"`
	MountedPaths []string            `json:"mounted_paths"`
}

func (c *apiClient) Connect(ctx context.Context, params schema.ConnectionParams) (schema.ConnectionID, error) {
	var out connectionRef
	err := c.do(ctx, http.MethodPost, "/api/tunnels", params, &out)
	return out.ConnectionID, err
}

func (c *apiClient) ListConnections(ctx context.Context) (connectionList, error) {
	var out connectionList
	err := c.do(ctx, http.MethodGet, "/api/tunnels", nil, &out)
	return out, err
}

func (c *apiClient) Mount(ctx context.Context, id schema.ConnectionID) (mountResult, error) {
	var out mountResult
	err := c.do(ctx, http.MethodPost, "/api/tunnels/mount", connectionRef{ConnectionID: id}, &out)
	return out, err
}

func (c *apiClient) Disconnect(ctx context.Context, id schema.ConnectionID) error {
	return c.do(ctx, http.MethodPost, "/api/tunnels/disconnect", connectionRef{ConnectionID: id}, nil)
}

func (c *apiClient) SwitchConnection(ctx context.Context, id schema.ConnectionID) error {
	return c.do(ctx, http.MethodPost, "/api/tunnels/switch", connectionRef{ConnectionID: id}, nil)
}

// eventStream reads server-sent events from /api/stream.
type eventStream struct {
	body   io.ReadCloser
	reader *bufio.Reader
}

// Stream opens the SSE stream, optionally filtered to one session. The
// stream is live once Stream returns.
func (c *apiClient) Stream(ctx context.Context, id schema.SessionID) (*eventStream, error) {
	req := c.stream.R().SetContext(ctx).SetDoNotParseResponse(true)
	if id != "" {
		req.SetQueryParam("session_id", string(id))
	}
	resp, err := req.Get("/api/stream")
	if err != nil {
		return nil, err
	}
	body := resp.RawBody()
	if resp.StatusCode() != http.StatusOK {
		_ = body.Close()
		return nil, fmt.Errorf("GET /api/stream: %d", resp.StatusCode())
	}
	return &eventStream{body: body, reader: bufio.NewReader(body)}, nil
}

// Next returns the next event, skipping comments and heartbeats.
func (s *eventStream) Next() (httpapi.StreamEvent, error) {
	var data strings.Builder
	for {
		line, err := s.reader.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if line == "" && data.Len() > 0 {
			var event httpapi.StreamEvent
			if jerr := json.Unmarshal([]byte(data.String()), &event); jerr != nil {
				return httpapi.StreamEvent{}, jerr
			}
			return event, nil
		}
		if payload, ok := strings.CutPrefix(line, "data:"); ok {
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(payload))
		}
		if err != nil {
			return httpapi.StreamEvent{}, err
		}
	}
}

func (s *eventStream) Close() error {
	return s.body.Close()
}
