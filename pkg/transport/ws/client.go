package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"codexserver/pkg/auth"
	"codexserver/pkg/backend"
	"codexserver/pkg/protocol"
	"codexserver/pkg/sse"
)

// Config configures a websocket-transport model backend, the wire-api
// sibling of pkg/backend/codex's SSE-over-HTTP client: same request
// envelope and event stream, one frame per event instead of one SSE
// "data:" line.
type Config struct {
	URL         string
	Originator  string
	SessionID   string
	DialTimeout time.Duration
}

// Client implements backend.Backend over a websocket connection opened
// fresh for each StreamResponses call. The upstream protocol frames one
// protocol.StreamEvent per text message and closes the socket after
// "response.completed" or "response.failed", so there is no
// multiplexed request table to maintain here unlike pkg/rpc.Conn.
type Client struct {
	auth *auth.Store
	cfg  Config
}

var _ backend.Backend = (*Client)(nil)

// New builds a websocket-backed Backend.
func New(authStore *auth.Store, cfg Config) *Client {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	if cfg.Originator == "" {
		cfg.Originator = "codex_cli_rs"
	}
	return &Client{auth: authStore, cfg: cfg}
}

// Name returns the backend identifier.
func (c *Client) Name() string { return "codex-ws" }

// StreamResponses dials cfg.URL, sends req as the first frame, and
// streams subsequent frames to onEvent until the connection closes or
// a terminal event arrives.
func (c *Client) StreamResponses(ctx context.Context, req protocol.ResponsesRequest, onEvent func(sse.Event) error) error {
	if onEvent == nil {
		return fmt.Errorf("onEvent callback is required")
	}
	if c.auth == nil {
		return fmt.Errorf("auth store is required")
	}
	token, err := c.auth.AuthorizationToken()
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	header := make(map[string][]string)
	header["Authorization"] = []string{"Bearer " + token}
	header["originator"] = []string{c.cfg.Originator}
	if c.cfg.SessionID != "" {
		header["session_id"] = []string{c.cfg.SessionID}
	}
	if c.auth.IsChatGPT() {
		if accountID := c.auth.AccountID(); accountID != "" {
			header["chatgpt-account-id"] = []string{accountID}
		}
	}

	wsConn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: status %d: %w", c.cfg.URL, resp.StatusCode, err)
		}
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	defer wsConn.Close()

	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	if err := wsConn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	for {
		msgType, data, err := wsConn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		if msgType != websocket.TextMessage || len(strings.TrimSpace(string(data))) == 0 {
			continue
		}

		var ev protocol.StreamEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		if err := onEvent(sse.Event{Raw: data, Value: ev}); err != nil {
			return err
		}
		if ev.Type == "response.completed" {
			return nil
		}
		if ev.Type == "response.failed" {
			if ev.Message != "" {
				return fmt.Errorf("response failed: %s", ev.Message)
			}
			return fmt.Errorf("response failed")
		}
	}
}

// StreamAndCollect streams a request and returns the aggregated
// output, mirroring pkg/backend/codex's collector but reading frames
// from a websocket connection.
func (c *Client) StreamAndCollect(ctx context.Context, req protocol.ResponsesRequest) (backend.StreamResult, error) {
	collector := sse.NewCollector()
	calls := map[string]backend.ToolCall{}
	var usage *protocol.Usage

	err := c.StreamResponses(ctx, req, func(ev sse.Event) error {
		collector.Observe(ev.Value)
		if ev.Value.Response != nil && ev.Value.Response.Usage != nil {
			usage = ev.Value.Response.Usage
		}
		if ev.Value.Type == "response.output_item.added" && ev.Value.Item != nil {
			item := ev.Value.Item
			if item.Type == "function_call" && item.CallID != "" {
				calls[item.CallID] = backend.ToolCall{CallID: item.CallID, Name: item.Name}
			}
		}
		return nil
	})
	if err != nil {
		return backend.StreamResult{}, err
	}

	out := backend.StreamResult{Text: collector.OutputText(), Usage: usage}
	for callID, tc := range calls {
		tc.Arguments = collector.FunctionArgs(callID)
		out.ToolCalls = append(out.ToolCalls, tc)
	}
	return out, nil
}

// ListModels returns the known models for the websocket wire-api path.
// There is no discovery endpoint over this transport either.
func (c *Client) ListModels(ctx context.Context) ([]backend.ModelInfo, error) {
	return []backend.ModelInfo{
		{ID: "gpt-5.3-codex", DisplayName: "GPT-5.3 Codex (ws)"},
	}, nil
}
