package hmr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/zot/hmr/internal/protocol"
)

// Log levels understood by Logger.
const (
	LogError = 0
	LogWarn  = 1
	LogDebug = 2
)

// Logger receives leveled, printf-style messages. config.Config implements it.
type Logger interface {
	Log(level int, format string, args ...interface{})
}

// Messenger is the outbound channel to the server. AddBuffer queues a
// serialized message and Send flushes the queue when the channel is ready.
type Messenger interface {
	AddBuffer(msg []byte)
	Send()
}

// Importer obtains a fresh namespace for the module an update record points at.
type Importer interface {
	ImportUpdatedModule(ctx context.Context, update protocol.Update) (Namespace, error)
}

// ImporterFunc adapts a function to Importer.
type ImporterFunc func(ctx context.Context, update protocol.Update) (Namespace, error)

// ImportUpdatedModule calls f.
func (f ImporterFunc) ImportUpdatedModule(ctx context.Context, update protocol.Update) (Namespace, error) {
	return f(ctx, update)
}

// FetchError marks an import failure caused by the network rather than by the module.
type FetchError struct {
	Path string
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("failed to fetch %s: %v", e.Path, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// ReloadFunc performs a full reload of the client.
type ReloadFunc func(ctx context.Context, path string) error

// Client coordinates hot updates for one session.
type Client struct {
	session   *Session
	logger    Logger
	messenger Messenger
	importer  Importer
	reload    ReloadFunc
}

// NewClient creates a coordinator over session. The importer may be set later
// with SetImporter when it depends on the client itself.
func NewClient(session *Session, logger Logger, messenger Messenger, importer Importer) *Client {
	return &Client{
		session:   session,
		logger:    logger,
		messenger: messenger,
		importer:  importer,
	}
}

// Session returns the registries this client coordinates.
func (c *Client) Session() *Session {
	return c.session
}

// SetImporter sets the module importer.
func (c *Client) SetImporter(importer Importer) {
	c.importer = importer
}

// SetReloadHandler sets the callback used for full-reload payloads.
func (c *Client) SetReloadHandler(fn ReloadFunc) {
	c.reload = fn
}

// FetchUpdate prepares one update record. It returns nil when no module is
// registered for update.Path, which is normal for code that was never loaded.
// For a boundary it runs the dispose callback of the accepted path, then
// fetches the new module; a failed fetch is logged and yields a nil namespace.
// The accept callbacks only run when the returned Prepared is invoked.
func (c *Client) FetchUpdate(ctx context.Context, update protocol.Update) (*Prepared, error) {
	qualified, fetch, ok := c.correlate(update)
	if !ok {
		return nil, nil
	}
	var fetched Namespace
	if fetch {
		if err := c.dispose(ctx, update.AcceptedPath); err != nil {
			return nil, err
		}
		fetched = c.fetch(ctx, update)
	}
	return c.prepare(update, fetched, qualified), nil
}

// QueueUpdates applies one batch of update records. Each accepted module is
// disposed and imported once, however many boundaries accept it, and every
// boundary receives that same instance. All disposes run before any import;
// a dispose failure aborts the batch with every module left as it was.
// Imports run concurrently and the prepared callbacks are invoked, in record
// order, only after all of them finished.
func (c *Client) QueueUpdates(ctx context.Context, updates []protocol.Update) error {
	type record struct {
		update    protocol.Update
		qualified []HotCallback
		fetch     bool
	}
	var records []record
	var order []string                     // accepted paths to fetch, first seen first
	latest := map[string]protocol.Update{} // accepted path -> record carrying the newest timestamp
	for _, u := range updates {
		qualified, fetch, ok := c.correlate(u)
		if !ok {
			continue
		}
		records = append(records, record{update: u, qualified: qualified, fetch: fetch})
		if !fetch {
			continue
		}
		prev, seen := latest[u.AcceptedPath]
		if !seen {
			order = append(order, u.AcceptedPath)
		}
		if !seen || u.Timestamp > prev.Timestamp {
			latest[u.AcceptedPath] = u
		}
	}

	for _, path := range order {
		if err := c.dispose(ctx, path); err != nil {
			c.logger.Log(LogError, "[hmr] update batch aborted: %v", err)
			return err
		}
	}

	fetched := make([]Namespace, len(order))
	var g errgroup.Group
	for i, path := range order {
		u := latest[path]
		g.Go(func() error {
			fetched[i] = c.fetch(ctx, u)
			return nil
		})
	}
	g.Wait()
	modules := make(map[string]Namespace, len(order))
	for i, path := range order {
		modules[path] = fetched[i]
	}

	for _, r := range records {
		var ns Namespace
		if r.fetch {
			ns = modules[r.update.AcceptedPath]
		}
		c.prepare(r.update, ns, r.qualified).Invoke()
	}
	return nil
}

// correlate snapshots the callbacks of update.Path that accept update.AcceptedPath,
// before any import can re-register them. ok is false when no module is
// registered for update.Path; fetch reports whether the accepted module must be replaced.
func (c *Client) correlate(update protocol.Update) (qualified []HotCallback, fetch, ok bool) {
	mod, ok := c.session.Module(update.Path)
	if !ok {
		return nil, false, false
	}
	for _, cb := range mod.Callbacks {
		if cb.accepts(update.AcceptedPath) {
			qualified = append(qualified, cb)
		}
	}
	return qualified, update.IsSelfUpdate() || len(qualified) > 0, true
}

func (c *Client) dispose(ctx context.Context, path string) error {
	fn := c.session.disposer(path)
	if fn == nil {
		return nil
	}
	data := c.session.Data(path)
	if err := safeCall(func() error { return fn(ctx, data) }); err != nil {
		return fmt.Errorf("dispose %s: %w", path, err)
	}
	return nil
}

// fetch imports the accepted module of update. Failures are logged and yield nil.
func (c *Client) fetch(ctx context.Context, update protocol.Update) Namespace {
	ns, err := c.importer.ImportUpdatedModule(ctx, update)
	if err != nil {
		c.warnFailedUpdate(err, update.AcceptedPath)
		return nil
	}
	return ns
}

func (c *Client) prepare(update protocol.Update, fetched Namespace, qualified []HotCallback) *Prepared {
	return &Prepared{
		Update:    update,
		Module:    fetched,
		callbacks: qualified,
		logger:    c.logger,
	}
}

// NotifyListeners runs every listener of event concurrently and waits for all
// of them. A failing listener is logged and does not affect the others.
func (c *Client) NotifyListeners(ctx context.Context, event string, data any) {
	listeners := c.session.listenersFor(event)
	if len(listeners) == 0 {
		return
	}
	var wg sync.WaitGroup
	for _, l := range listeners {
		wg.Go(func() {
			if err := safeCall(func() error { return l.fn(ctx, data) }); err != nil {
				c.logger.Log(LogWarn, "[hmr] listener for %s failed: %v", event, err)
			}
		})
	}
	wg.Wait()
}

// PrunePaths runs the prune callback of each path with its data.
// Dispose callbacks are not run for pruned modules.
func (c *Client) PrunePaths(ctx context.Context, paths []string) {
	for _, path := range paths {
		fn := c.session.pruner(path)
		if fn == nil {
			continue
		}
		data := c.session.Data(path)
		if err := safeCall(func() error { return fn(ctx, data) }); err != nil {
			c.logger.Log(LogWarn, "[hmr] prune %s failed: %v", path, err)
		}
	}
}

// Clear forgets every module, callback and listener. Persisted data survives.
func (c *Client) Clear() {
	c.session.clear()
}

func (c *Client) send(p *protocol.Payload) error {
	data, err := p.Encode()
	if err != nil {
		return err
	}
	c.messenger.AddBuffer(data)
	c.messenger.Send()
	return nil
}

func (c *Client) warnFailedUpdate(err error, path string) {
	if !isFetchError(err) {
		c.logger.Log(LogWarn, "%v", err)
	}
	c.logger.Log(LogWarn, "[hmr] Failed to reload %s. This could be due to syntax errors or importing non-existent modules. (see errors above)", path)
}

func isFetchError(err error) bool {
	var fe *FetchError
	var ue *url.Error
	var ne net.Error
	return errors.As(err, &fe) || errors.As(err, &ue) || errors.As(err, &ne)
}

// safeCall runs fn, turning a panic into an error.
func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
