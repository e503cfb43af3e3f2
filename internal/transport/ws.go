package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/p2pchat/internal/util"
)

// WebSocketPath is where WSListener accepts upgrades.
const WebSocketPath = "/ws"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsConn adapts a WebSocket to a byte stream. Every Write becomes one binary
// message; reads concatenate incoming binary messages. Writes must come from
// a single goroutine, which Sender guarantees.
type wsConn struct {
	ws     *websocket.Conn
	reader io.Reader
	once   sync.Once
}

// NewWebSocketConn wraps an established WebSocket.
func NewWebSocketConn(ws *websocket.Conn) Conn {
	return &wsConn{ws: ws}
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			typ, r, err := c.ws.NextReader()
			if err != nil {
				return 0, err
			}
			if typ != websocket.BinaryMessage {
				continue
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if errors.Is(err, io.EOF) {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline())
		err = c.ws.Close()
	})
	return err
}

func (c *wsConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func deadline() time.Time { return time.Now().Add(time.Second) }

// DialWebSocket connects to a ws:// or wss:// URL.
func DialWebSocket(ctx context.Context, url string) (Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WS server: %w", err)
	}
	return NewWebSocketConn(ws), nil
}

// WSListener accepts WebSocket upgrades and hands them out as Conns.
type WSListener struct {
	listener net.Listener
	server   *http.Server
	connCh   chan Conn
	done     chan struct{}
	once     sync.Once
}

// ListenWebSocket starts an HTTP server on addr that upgrades requests to
// WebSocketPath.
func ListenWebSocket(addr string) (*WSListener, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start WS server: %w", err)
	}

	l := &WSListener{
		listener: listener,
		connCh:   make(chan Conn),
		done:     make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(WebSocketPath, l.handleWS)
	l.server = &http.Server{Handler: mux}

	go func() {
		if err := l.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogError("websocket listener stopped: %v", err)
		}
	}()

	return l, nil
}

func (l *WSListener) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.LogDebug("websocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	select {
	case l.connCh <- NewWebSocketConn(ws):
	case <-l.done:
		ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		ws.Close()
	}
}

// Accept blocks until a client upgrades or ctx is cancelled.
func (l *WSListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case conn := <-l.connCh:
		return conn, nil
	case <-l.done:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Addr is the bound listen address.
func (l *WSListener) Addr() net.Addr { return l.listener.Addr() }

// Close stops accepting new connections.
func (l *WSListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.server.Close()
	})
	return err
}
