// Package admin runs an operator-facing HTTP API over a unix domain
// socket. Server only owns the socket lifecycle; callers register
// their own routes through Server.Handle, so the proxy (API-key
// administration, see keys.go) and the agent server (thread/job
// introspection, see ops.go) can share one listener implementation
// without sharing a domain.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// Server serves an HTTP mux over a unix socket for the lifetime of a
// context.
type Server struct {
	socketPath string
	mux        *http.ServeMux
}

// New builds a Server listening at socketPath once Start runs. socketPath
// may use a leading "~" for the user's home directory.
func New(socketPath string) *Server {
	return &Server{socketPath: socketPath, mux: http.NewServeMux()}
}

// Handle registers a route on the server's mux. Callers must call this
// before Start.
func (s *Server) Handle(pattern string, handler http.HandlerFunc) {
	s.mux.HandleFunc(pattern, handler)
}

// Start binds the unix socket and serves until ctx is cancelled, then
// tears the socket down.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return errors.New("admin server: nil server")
	}
	path := expandPath(s.socketPath)
	if path == "" {
		return errors.New("admin server: socket path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	_ = os.Remove(path)
	listener, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	server := &http.Server{Handler: s.mux}
	go func() {
		<-ctx.Done()
		_ = server.Close()
		_ = listener.Close()
		_ = os.Remove(path)
	}()
	return server.Serve(listener)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		w.WriteHeader(status)
		return
	}
	writeJSON(w, status, map[string]any{
		"error": map[string]any{"message": err.Error(), "type": "admin_error"},
	})
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return strings.Replace(path, "~", home, 1)
		}
	}
	return path
}
