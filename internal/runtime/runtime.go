// Package runtime wires the HMR client together: the websocket transport,
// the update coordinator and the Lua module host, driven by one serialized loop.
package runtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/zot/hmr/internal/config"
	"github.com/zot/hmr/internal/hmr"
	"github.com/zot/hmr/internal/lua"
	"github.com/zot/hmr/internal/protocol"
	"github.com/zot/hmr/internal/transport"
)

// ErrNotRunning is returned by Execute when the runtime loop is not running.
var ErrNotRunning = errors.New("runtime is not running")

// Runtime is one running client: it imports the entry module and applies
// every payload the dev server pushes.
type Runtime struct {
	config *config.Config
	conn   *transport.Conn
	client *hmr.Client
	host   *lua.Host
	entry  string

	svc     ChanSvc
	reloads chan struct{}
	failed  atomic.Bool // the last entry import failed

	mu      sync.RWMutex
	running bool
}

// New creates a runtime for the dev server at cfg.Client.URL.
func New(cfg *config.Config) (*Runtime, error) {
	wsURL, err := lua.WebSocketURL(cfg.Client.URL)
	if err != nil {
		return nil, err
	}
	conn := transport.New(wsURL, cfg, cfg.Client.ReconnectMax.Duration())
	return NewWithSource(cfg, conn, lua.NewHTTPSource(cfg.Client.URL)), nil
}

// NewWithSource creates a runtime over an existing connection and module source.
func NewWithSource(cfg *config.Config, conn *transport.Conn, source lua.Source) *Runtime {
	client := hmr.NewClient(hmr.NewSession(), cfg, conn, nil)
	r := &Runtime{
		config:  cfg,
		conn:    conn,
		client:  client,
		host:    lua.NewHost(client, source, cfg),
		entry:   cfg.Client.Entry,
		svc:     make(ChanSvc),
		reloads: make(chan struct{}, 1),
	}
	client.SetReloadHandler(r.reload)
	conn.OnState(r.onState)
	return r
}

// Client returns the update coordinator.
func (r *Runtime) Client() *hmr.Client {
	return r.client
}

// Host returns the Lua module host.
func (r *Runtime) Host() *lua.Host {
	return r.host
}

// Execute runs fn on the runtime loop, serialized with payload handling.
func (r *Runtime) Execute(fn func() error) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.running {
		return ErrNotRunning
	}
	_, err := SvcSync(r.svc, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// Run connects to the dev server and processes payloads until ctx is done.
func (r *Runtime) Run(ctx context.Context) error {
	r.mu.Lock()
	r.running = true
	r.mu.Unlock()
	RunSvc(r.svc)
	defer func() {
		r.mu.Lock()
		r.running = false
		close(r.svc)
		r.mu.Unlock()
		r.host.Close()
	}()

	connErr := make(chan error, 1)
	go func() { connErr <- r.conn.Run(ctx) }()

	r.Execute(func() error {
		r.importEntry(ctx)
		return nil
	})

	messages := r.conn.Messages()
	for {
		select {
		case msg, ok := <-messages:
			if !ok {
				return ignoreCanceled(<-connErr)
			}
			r.handleMessage(ctx, msg)
		case <-r.reloads:
			r.Execute(func() error {
				return r.reload(ctx, r.entry)
			})
		}
	}
}

func (r *Runtime) handleMessage(ctx context.Context, msg []byte) {
	p, err := protocol.ParsePayload(msg)
	if err != nil {
		r.config.Log(0, "[hmr] bad payload: %v", err)
		return
	}
	r.config.Log(4, "[IN] %s", string(msg))
	err = r.Execute(func() error {
		return r.client.HandlePayload(ctx, p)
	})
	if err != nil {
		r.config.Log(0, "[hmr] %s payload failed: %v", p.Type, err)
	}
}

// onState runs on the transport goroutine; work is handed to the loop.
func (r *Runtime) onState(state transport.State, attempt int) {
	switch state {
	case transport.StateConnected:
		r.config.Log(1, "[hmr] connected (attempt %d)", attempt)
		if attempt > 1 || r.failed.Load() {
			select {
			case r.reloads <- struct{}{}:
			default:
			}
		}
	case transport.StateDisconnected:
		r.config.Log(1, "[hmr] server connection lost, polling for restart...")
		r.client.NotifyListeners(context.Background(), protocol.EventWSDisconnect, nil)
	}
}

func (r *Runtime) importEntry(ctx context.Context) error {
	_, err := r.host.Import(ctx, r.entry)
	if err != nil {
		r.config.Log(0, "[hmr] failed to load %s: %v", r.entry, err)
		r.failed.Store(true)
		return err
	}
	r.failed.Store(false)
	return nil
}

// reload drops every module and evaluates the entry again. Persisted hot.data survives.
func (r *Runtime) reload(ctx context.Context, path string) error {
	if path != "" && path != r.entry {
		r.config.Log(2, "[hmr] full reload triggered by %s", path)
	} else {
		r.config.Log(2, "[hmr] full reload")
	}
	r.client.Clear()
	r.host.Reset(ctx)
	return r.importEntry(ctx)
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
