// Package websocket carries arena frames over WebSocket binary messages.
//
// Conn adapts a gorilla connection to the byte-stream transport a session
// expects: each Write becomes one binary message and Read yields the bytes of
// consecutive messages in order.
package websocket

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// pongWait is how long a server connection waits for any inbound traffic.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait.
	pingPeriod = 54 * time.Second

	controlTimeout = time.Second
)

// ErrTextMessage is returned by Read when the peer sends a text message.
var ErrTextMessage = errors.New("websocket: text messages are not supported")

// CheckOriginFn is a function that validates the origin of a WebSocket connection request.
// It receives the HTTP request and returns true if the origin is allowed, false otherwise.
type CheckOriginFn = func(r *http.Request) bool

// AllowOrigins returns a CheckOriginFn accepting requests whose Origin header
// matches one of origins. An empty list accepts everything.
func AllowOrigins(origins []string) CheckOriginFn {
	if len(origins) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		for _, o := range origins {
			if strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

// Conn is a WebSocket connection used as a frame stream.
type Conn struct {
	conn       *websocket.Conn
	remoteAddr net.Addr

	readMu sync.Mutex
	reader io.Reader

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(c *websocket.Conn, keepAlive bool) *Conn {
	wc := &Conn{
		conn:       c,
		remoteAddr: c.RemoteAddr(),
		done:       make(chan struct{}),
	}
	if keepAlive {
		c.SetReadDeadline(time.Now().Add(pongWait))
		c.SetPongHandler(func(string) error {
			return c.SetReadDeadline(time.Now().Add(pongWait))
		})
		go wc.pingLoop()
	}
	return wc
}

// Read reads message bytes. Message boundaries are not preserved.
func (c *Conn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for {
		if c.reader == nil {
			kind, r, err := c.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if kind != websocket.BinaryMessage {
				return 0, ErrTextMessage
			}
			c.reader = r
		}

		n, err := c.reader.Read(p)
		if errors.Is(err, io.EOF) {
			c.reader = nil
			// Reset the idle deadline after a complete message.
			c.conn.SetReadDeadline(time.Now().Add(pongWait))
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// Write sends p as one binary message. Writes must not be concurrent.
func (c *Conn) Write(p []byte) (int, error) {
	if err := c.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// SetWriteDeadline sets the deadline for future Write calls.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.remoteAddr
}

// Close sends a normal closure message and closes the connection.
func (c *Conn) Close() error {
	return c.CloseWithCode(websocket.CloseNormalClosure, "")
}

// CloseWithCode closes the connection with a close code and optional reason.
func (c *Conn) CloseWithCode(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		message := websocket.FormatCloseMessage(code, reason)
		c.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(controlTimeout))
		err = c.conn.Close()
	})
	return err
}

// pingLoop keeps intermediaries from dropping idle connections.
func (c *Conn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(controlTimeout)); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// Upgrader turns HTTP requests into connections.
type Upgrader struct {
	upgrader websocket.Upgrader
}

// NewUpgrader creates an upgrader. A nil checkOrigin accepts every origin.
func NewUpgrader(checkOrigin CheckOriginFn) *Upgrader {
	if checkOrigin == nil {
		checkOrigin = AllowOrigins(nil)
	}
	return &Upgrader{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
	}
}

// Upgrade completes the WebSocket handshake. On failure an HTTP error has
// already been written.
func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	conn, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return newConn(conn, true), nil
}

// Handler returns an http.Handler that upgrades each request and passes the
// connection to accept on the request goroutine.
func (u *Upgrader) Handler(accept func(*Conn)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := u.Upgrade(w, r)
		if err != nil {
			return
		}
		accept(conn)
	})
}

// Dial opens a client connection to url (ws:// or wss://).
func Dial(ctx context.Context, url string) (*Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return newConn(conn, false), nil
}
