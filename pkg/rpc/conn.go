// Package rpc implements the JSON-RPC 2.0 transport the agent server
// speaks to its front end: client requests, server-initiated requests
// (approvals, token refresh), and notifications in both directions,
// multiplexed over one connection.
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

const defaultMaxMessageSize = 64 * 1024 * 1024

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeApplicationErr = -32000
)

// Error is a JSON-RPC 2.0 error object, returned by Conn.Call and
// surfaced to handlers that need to reject a request.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

// message is the generic inbound/outbound JSON-RPC 2.0 envelope.
type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// MethodHandler answers a client request. Returning a non-nil *Error
// (via errors.As) is reported to the caller as a JSON-RPC error.
type MethodHandler func(ctx context.Context, params json.RawMessage) (any, error)

// NotificationHandler handles a fire-and-forget notification.
type NotificationHandler func(params json.RawMessage)

// Conn is a bidirectional JSON-RPC 2.0 multiplexer over newline-delimited
// JSON (the stdio transport; pkg/transport/ws adapts the same Conn to a
// websocket frame reader/writer). The pending-call table holds only the
// requests this side sends with Call; inbound requests go straight to
// the registered MethodHandlers. Both share the single multiplexed
// connection.
type Conn struct {
	mu  sync.Mutex
	enc *json.Encoder
	w   io.Writer

	nextID  atomic.Int64
	pending map[string]chan *message

	notifyHandlers map[string]NotificationHandler
	methodHandlers map[string]MethodHandler
	onParseError   func(line []byte, err error)

	scanner *bufio.Scanner

	done    chan struct{}
	readErr atomic.Value
}

// Options configures a Conn.
type Options struct {
	MaxMessageSize int
	OnParseError   func(line []byte, err error)
}

// New creates a connection reading framed JSON messages from r (one per
// line) and writing them to w.
func New(r io.Reader, w io.Writer, opts Options) *Conn {
	maxSize := opts.MaxMessageSize
	if maxSize <= 0 {
		maxSize = defaultMaxMessageSize
	}
	c := &Conn{
		w:              w,
		enc:            json.NewEncoder(w),
		pending:        make(map[string]chan *message),
		notifyHandlers: make(map[string]NotificationHandler),
		methodHandlers: make(map[string]MethodHandler),
		onParseError:   opts.OnParseError,
		done:           make(chan struct{}),
	}
	s := bufio.NewScanner(r)
	initCap := 4096
	if maxSize < initCap {
		initCap = maxSize
	}
	s.Buffer(make([]byte, 0, initCap), maxSize)
	c.scanner = s
	return c
}

// OnMethod registers a handler for client requests. Must be called
// before ReadLoop starts.
func (c *Conn) OnMethod(method string, h MethodHandler) { c.methodHandlers[method] = h }

// OnNotification registers a handler for notifications arriving from the
// peer. Must be called before ReadLoop starts.
func (c *Conn) OnNotification(method string, h NotificationHandler) {
	c.notifyHandlers[method] = h
}

// Call sends a server-initiated (or client-initiated, from the other
// side) request and blocks for the matching response.
func (c *Conn) Call(ctx context.Context, method string, params, result any) error {
	id := c.nextID.Add(1)
	idJSON := []byte(fmt.Sprintf("%d", id))

	ch := make(chan *message, 1)
	c.mu.Lock()
	c.pending[string(idJSON)] = ch
	c.mu.Unlock()

	paramsJSON, err := marshalParams(params)
	if err != nil {
		c.mu.Lock()
		delete(c.pending, string(idJSON))
		c.mu.Unlock()
		return fmt.Errorf("rpc: marshal params for %s: %w", method, err)
	}

	req := message{JSONRPC: "2.0", ID: idJSON, Method: method, Params: paramsJSON}
	if err := c.send(&req); err != nil {
		c.mu.Lock()
		delete(c.pending, string(idJSON))
		c.mu.Unlock()
		return fmt.Errorf("rpc: send %s: %w", method, err)
	}

	select {
	case resp, ok := <-ch:
		return deliverResult(resp, ok, method, result)
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, string(idJSON))
		c.mu.Unlock()
		select {
		case resp, ok := <-ch:
			return deliverResult(resp, ok, method, result)
		default:
			return ctx.Err()
		}
	}
}

func deliverResult(resp *message, ok bool, method string, result any) error {
	if !ok {
		return fmt.Errorf("rpc: %s: connection closed", method)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if result != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("rpc: unmarshal %s result: %w", method, err)
		}
	}
	return nil
}

// Notify sends a fire-and-forget notification.
func (c *Conn) Notify(method string, params any) error {
	paramsJSON, err := marshalParams(params)
	if err != nil {
		return fmt.Errorf("rpc: marshal params for %s: %w", method, err)
	}
	return c.send(&message{JSONRPC: "2.0", Method: method, Params: paramsJSON})
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(params)
}

// ReadLoop reads and dispatches inbound messages until the reader closes
// or an unrecoverable error occurs. Must be called exactly once, and all
// handlers must be registered beforehand.
func (c *Conn) ReadLoop(ctx context.Context) {
	defer close(c.done)
	defer c.drainPending()

	for c.scanner.Scan() {
		line := c.scanner.Bytes()
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var msg message
		if err := json.Unmarshal(line, &msg); err != nil {
			if c.onParseError != nil {
				c.onParseError(append([]byte(nil), line...), err)
			}
			continue
		}
		c.dispatch(ctx, &msg)
	}
	if err := c.scanner.Err(); err != nil {
		c.readErr.Store(err)
	}
}

// Err returns the ReadLoop error, if any, after it exits.
func (c *Conn) Err() error {
	if v := c.readErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// Done is closed when ReadLoop exits.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enc.Encode(v)
}

func (c *Conn) dispatch(ctx context.Context, msg *message) {
	if msg.ID != nil && msg.Method == "" {
		c.handleResponse(msg)
		return
	}
	if msg.ID != nil && msg.Method != "" {
		c.handleRequest(ctx, msg)
		return
	}
	if msg.Method != "" {
		c.handleNotification(msg)
	}
}

func (c *Conn) handleResponse(msg *message) {
	c.mu.Lock()
	ch, ok := c.pending[string(msg.ID)]
	if ok {
		delete(c.pending, string(msg.ID))
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	ch <- msg
}

func (c *Conn) handleRequest(ctx context.Context, msg *message) {
	h, ok := c.methodHandlers[msg.Method]
	if !ok {
		c.sendError(msg.ID, CodeMethodNotFound, "method not found: "+msg.Method)
		return
	}
	id := append(json.RawMessage(nil), msg.ID...)
	params := msg.Params
	go func() {
		result, err := h(ctx, params)
		if err != nil {
			var rerr *Error
			if ok := asRPCError(err, &rerr); ok {
				c.sendError(id, rerr.Code, rerr.Message)
				return
			}
			c.sendError(id, CodeApplicationErr, err.Error())
			return
		}
		c.sendResult(id, result)
	}()
}

func asRPCError(err error, target **Error) bool {
	return errors.As(err, target)
}

func (c *Conn) handleNotification(msg *message) {
	h, ok := c.notifyHandlers[msg.Method]
	if !ok {
		return
	}
	h(msg.Params)
}

func (c *Conn) sendResult(id json.RawMessage, result any) {
	data, err := json.Marshal(result)
	if err != nil {
		c.sendError(id, CodeInternalError, "marshal result: "+err.Error())
		return
	}
	_ = c.send(&message{JSONRPC: "2.0", ID: id, Result: data})
}

func (c *Conn) sendError(id json.RawMessage, code int, msg string) {
	_ = c.send(&message{JSONRPC: "2.0", ID: id, Error: &Error{Code: code, Message: msg}})
}

func (c *Conn) drainPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}
