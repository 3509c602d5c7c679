package hmr

import (
	"context"

	"github.com/zot/hmr/internal/protocol"
)

// DisposeFunc cleans up an outgoing module instance before its replacement is fetched.
type DisposeFunc func(ctx context.Context, data Data) error

// PruneFunc runs when the server reports a module is no longer imported.
type PruneFunc func(ctx context.Context, data Data) error

// Context is the API one module instance uses to take part in hot updates.
// A new Context is created every time a module is evaluated.
type Context struct {
	owner  string
	client *Client
	owned  listenerMap
}

// NewContext creates the context for a fresh evaluation of owner.
// Accept callbacks and listeners left by the previous instance of owner are
// discarded before this returns; persisted data is kept.
func (c *Client) NewContext(owner string) *Context {
	return &Context{
		owner:  owner,
		client: c,
		owned:  c.session.reset(owner),
	}
}

// Path returns the module path that owns this context.
func (c *Context) Path() string {
	return c.owner
}

// Data returns the state persisted across instances of this module.
func (c *Context) Data() Data {
	return c.client.session.Data(c.owner)
}

// Accept registers an accept intent.
func (c *Context) Accept(intent AcceptIntent) {
	deps, fn := intent.reduce(c.owner)
	c.AcceptDeps(deps, fn)
}

// AcceptDeps registers fn for updates of any of deps.
func (c *Context) AcceptDeps(deps []string, fn AcceptFunc) {
	if fn == nil {
		fn = func([]Namespace) {}
	}
	c.client.session.addCallback(c.owner, HotCallback{Deps: deps, Fn: fn})
}

// AcceptExports registers a self-accept. The export names only matter to the
// server, which uses them to decide whether importers are affected.
func (c *Context) AcceptExports(names []string, fn func(Namespace)) {
	c.Accept(SelfAccept{Fn: fn})
}

// Dispose sets the cleanup run before this module is replaced. Last call wins.
func (c *Context) Dispose(fn DisposeFunc) {
	c.client.session.setDisposer(c.owner, fn)
}

// Prune sets the callback run when this module is no longer imported. Last call wins.
func (c *Context) Prune(fn PruneFunc) {
	c.client.session.setPruner(c.owner, fn)
}

// Decline does nothing; kept so older modules keep evaluating.
func (c *Context) Decline() {}

// Invalidate tells local listeners and the server that this module cannot
// absorb the update it just received, so the server propagates it further.
func (c *Context) Invalidate(ctx context.Context, message string) {
	data := protocol.InvalidateData{Path: c.owner, Message: message}
	c.client.NotifyListeners(ctx, protocol.EventInvalidate, data)
	if err := c.Send(protocol.EventInvalidate, data); err != nil {
		c.client.logger.Log(LogError, "[hmr] invalidate %s: %v", c.owner, err)
	}
	if message != "" {
		c.client.logger.Log(LogDebug, "[hmr] invalidate %s: %s", c.owner, message)
	} else {
		c.client.logger.Log(LogDebug, "[hmr] invalidate %s", c.owner)
	}
}

// On registers fn for event and returns the handle Off needs.
func (c *Context) On(event string, fn ListenerFunc) *Listener {
	l := NewListener(fn)
	c.client.session.addListener(c.owned, event, l)
	return l
}

// Off removes a listener registered through this context. Unknown events are ignored.
func (c *Context) Off(event string, l *Listener) {
	c.client.session.removeListener(c.owned, event, l)
}

// Send forwards a custom event to the server.
func (c *Context) Send(event string, data any) error {
	p, err := protocol.NewCustom(event, data)
	if err != nil {
		return err
	}
	return c.client.send(p)
}
