package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"codexserver/pkg/auth"
	"codexserver/pkg/protocol"
	"codexserver/pkg/sse"
)

func testAuthStore(t *testing.T) *auth.Store {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "auth.json")
	data := `{"auth_mode":"api_key","OPENAI_API_KEY":"test-token","tokens":{"access_token":"test-token"}}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	store, err := auth.Load(path)
	require.NoError(t, err)
	return store
}

// startFakeModelServer upgrades the request, reads exactly one request
// frame, and writes events back verbatim, closing after the last one.
func startFakeModelServer(t *testing.T, events []protocol.StreamEvent) string {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		for _, ev := range events {
			data, err := json.Marshal(ev)
			if err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestClientStreamResponsesDeliversEvents(t *testing.T) {
	url := startFakeModelServer(t, []protocol.StreamEvent{
		{Type: "response.created"},
		{Type: "response.output_text.delta", Delta: "hel"},
		{Type: "response.output_text.delta", Delta: "lo"},
		{Type: "response.completed", Response: &protocol.ResponseRef{ID: "resp_1", Usage: &protocol.Usage{OutputTokens: 3}}},
	})

	c := New(testAuthStore(t), Config{URL: url})
	var seen []string
	err := c.StreamResponses(context.Background(), protocol.ResponsesRequest{Model: "gpt-5.3-codex"}, func(ev sse.Event) error {
		seen = append(seen, ev.Value.Type)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"response.created", "response.output_text.delta", "response.output_text.delta", "response.completed"}, seen)
}

func TestClientStreamAndCollectAggregatesText(t *testing.T) {
	url := startFakeModelServer(t, []protocol.StreamEvent{
		{Type: "response.created"},
		{Type: "response.output_text.delta", Delta: "hel"},
		{Type: "response.output_text.delta", Delta: "lo"},
		{Type: "response.completed", Response: &protocol.ResponseRef{ID: "resp_1", Usage: &protocol.Usage{OutputTokens: 3}}},
	})

	c := New(testAuthStore(t), Config{URL: url})
	result, err := c.StreamAndCollect(context.Background(), protocol.ResponsesRequest{Model: "gpt-5.3-codex"})
	require.NoError(t, err)
	require.Equal(t, "hello", result.Text)
	require.NotNil(t, result.Usage)
	require.Equal(t, 3, result.Usage.OutputTokens)
}

func TestClientStreamResponsesSurfacesFailure(t *testing.T) {
	url := startFakeModelServer(t, []protocol.StreamEvent{
		{Type: "response.failed", Message: "upstream exploded"},
	})

	c := New(testAuthStore(t), Config{URL: url})
	err := c.StreamResponses(context.Background(), protocol.ResponsesRequest{Model: "gpt-5.3-codex"}, func(sse.Event) error { return nil })
	require.Error(t, err)
}
