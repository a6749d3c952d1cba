package ws

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"codexserver/pkg/proxy"
	"codexserver/pkg/rpc"
)

// ConnHandler wires up a freshly accepted connection: register method
// and notification handlers, then run ReadLoop. It owns the returned
// *rpc.Conn's lifetime and must call ReadLoop (blocking) or the
// upgrade is leaked.
type ConnHandler func(ctx context.Context, conn *rpc.Conn)

// Listener accepts ws:// connections and hands each one to a
// ConnHandler as a multiplexed pkg/rpc.Conn, mirroring the stdio
// transport's framing so C9's method/notification handlers don't know
// which transport they're running over.
type Listener struct {
	Addr     string
	Handler  ConnHandler
	Logger   *proxy.Logger
	Upgrader websocket.Upgrader

	srv *http.Server
}

// NewListener builds a Listener serving upgrades at Addr. path is the
// HTTP path clients dial (e.g. "/ws").
func NewListener(addr, path string, handler ConnHandler, logger *proxy.Logger) *Listener {
	if logger == nil {
		logger = proxy.NewLogger(proxy.LogLevelInfo)
	}
	l := &Listener{
		Addr:    addr,
		Handler: handler,
		Logger:  logger,
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, l.serveUpgrade)
	l.srv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 60 * time.Second}
	return l
}

func (l *Listener) serveUpgrade(w http.ResponseWriter, r *http.Request) {
	wsConn, err := l.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Logger.Warn("ws: upgrade failed", "err", err.Error())
		return
	}
	fc := newFrameConn(wsConn)
	conn := rpc.New(fc, fc, rpc.Options{
		OnParseError: func(line []byte, err error) {
			l.Logger.Warn("ws: malformed frame", "err", err.Error(), "len", fmt.Sprintf("%d", len(line)))
		},
	})
	defer fc.Close()
	l.Handler(r.Context(), conn)
}

// ListenAndServe blocks serving upgrades until ctx is cancelled, then
// shuts down the HTTP server gracefully.
func (l *Listener) ListenAndServe(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		errc <- l.srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := l.srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	}
}
