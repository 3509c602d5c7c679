// Package transport implements the client side of the HMR websocket channel.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

// State is the connection state reported to OnState.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Logger receives leveled log messages.
type Logger interface {
	Log(level int, format string, args ...interface{})
}

// Conn is a reconnecting websocket client. Outbound messages are buffered
// with AddBuffer and flushed by Send once the socket is open; while the
// socket is down they stay in the buffer.
type Conn struct {
	url          string
	logger       Logger
	dialer       *websocket.Dialer
	header       http.Header
	reconnectMax time.Duration

	mu      sync.Mutex
	ws      *websocket.Conn
	buffer  [][]byte
	onState func(State, int)

	messages chan []byte
}

// New creates a connection to url. Call Run to connect.
func New(url string, logger Logger, reconnectMax time.Duration) *Conn {
	if reconnectMax <= 0 {
		reconnectMax = 5 * time.Second
	}
	return &Conn{
		url:          url,
		logger:       logger,
		dialer:       websocket.DefaultDialer,
		reconnectMax: reconnectMax,
		messages:     make(chan []byte, 64),
	}
}

// OnState sets the callback for state changes. attempt counts successful
// connections, so a StateConnected with attempt > 1 is a reconnect.
func (c *Conn) OnState(fn func(state State, attempt int)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

// Messages delivers inbound messages. It is closed when Run returns.
func (c *Conn) Messages() <-chan []byte {
	return c.messages
}

// AddBuffer queues msg for the next Send.
func (c *Conn) AddBuffer(msg []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buffer = append(c.buffer, msg)
}

// Send writes the buffered messages if the socket is open.
func (c *Conn) Send() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushLocked()
}

// Pending returns the number of buffered messages.
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffer)
}

// Connected reports whether the socket is open.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

func (c *Conn) flushLocked() {
	if c.ws == nil {
		return
	}
	for len(c.buffer) > 0 {
		if err := c.ws.WriteMessage(websocket.TextMessage, c.buffer[0]); err != nil {
			c.logger.Log(1, "[transport] write failed, keeping %d buffered: %v", len(c.buffer), err)
			return
		}
		c.buffer = c.buffer[1:]
	}
}

// Run connects and keeps reconnecting until ctx is done.
func (c *Conn) Run(ctx context.Context) error {
	defer close(c.messages)
	attempt := 0
	for {
		c.setState(StateConnecting, attempt)
		ws, err := c.dial(ctx)
		if err != nil {
			return err
		}
		attempt++
		c.mu.Lock()
		c.ws = ws
		c.flushLocked()
		c.mu.Unlock()
		c.logger.Log(1, "[transport] connected to %s", c.url)
		c.setState(StateConnected, attempt)

		err = c.readLoop(ctx, ws)

		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
		ws.Close()
		c.setState(StateDisconnected, attempt)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Log(1, "[transport] connection lost: %v", err)
	}
}

func (c *Conn) dial(ctx context.Context) (*websocket.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = c.reconnectMax
	b.MaxElapsedTime = 0

	var ws *websocket.Conn
	op := func() error {
		conn, _, err := c.dialer.DialContext(ctx, c.url, c.header)
		if err != nil {
			return err
		}
		ws = conn
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Log(2, "[transport] dial %s failed, retrying in %s: %v", c.url, wait, err)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return ws, nil
}

func (c *Conn) readLoop(ctx context.Context, ws *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			ws.Close()
		case <-done:
		}
	}()

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure {
				return fmt.Errorf("closed by server")
			}
			return err
		}
		select {
		case c.messages <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Conn) setState(state State, attempt int) {
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(state, attempt)
	}
}
