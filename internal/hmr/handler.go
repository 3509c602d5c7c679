package hmr

import (
	"context"
	"fmt"

	"github.com/zot/hmr/internal/protocol"
)

// HandlePayload reacts to one payload pushed by the server.
func (c *Client) HandlePayload(ctx context.Context, p *protocol.Payload) error {
	switch p.Type {
	case protocol.TypeConnected:
		c.logger.Log(LogDebug, "[hmr] connected.")
		c.NotifyListeners(ctx, protocol.EventWSConnect, p)
		return nil

	case protocol.TypeUpdate:
		c.NotifyListeners(ctx, protocol.EventBeforeUpdate, p)
		if err := c.QueueUpdates(ctx, p.Updates); err != nil {
			return err
		}
		c.NotifyListeners(ctx, protocol.EventAfterUpdate, p)
		return nil

	case protocol.TypeCustom:
		c.NotifyListeners(ctx, p.Event, p.Data)
		return nil

	case protocol.TypeFullReload:
		c.NotifyListeners(ctx, protocol.EventBeforeFullReload, p)
		if c.reload == nil {
			c.logger.Log(LogWarn, "[hmr] full reload requested but no reload handler is set")
			return nil
		}
		return c.reload(ctx, p.Path)

	case protocol.TypePrune:
		c.NotifyListeners(ctx, protocol.EventBeforePrune, p)
		c.PrunePaths(ctx, p.Paths)
		return nil

	case protocol.TypeError:
		c.NotifyListeners(ctx, protocol.EventError, p)
		if p.Err != nil {
			c.logger.Log(LogError, "[hmr] internal server error\n%s", p.Err.Message)
		}
		return nil

	case protocol.TypePing:
		return nil

	default:
		return fmt.Errorf("unknown payload type %q", p.Type)
	}
}
