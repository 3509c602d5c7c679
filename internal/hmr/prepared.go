package hmr

import "github.com/zot/hmr/internal/protocol"

// Prepared is a fetched update whose accept callbacks have not run yet.
// Callers fetch every record of a batch first and then invoke them together.
type Prepared struct {
	Update protocol.Update
	Module Namespace // nil when the fetch failed

	callbacks []HotCallback
	logger    Logger
}

// Invoke calls every qualified accept callback with the fetched namespace in
// the position of the accepted path and nil elsewhere. A panicking callback is
// logged and the remaining callbacks still run.
func (p *Prepared) Invoke() {
	for _, cb := range p.callbacks {
		mods := make([]Namespace, len(cb.Deps))
		for i, dep := range cb.Deps {
			if dep == p.Update.AcceptedPath {
				mods[i] = p.Module
			}
		}
		if err := safeCall(func() error { cb.Fn(mods); return nil }); err != nil {
			p.logger.Log(LogError, "[hmr] accept callback of %s failed: %v", p.Update.Path, err)
		}
	}
	if p.Update.IsSelfUpdate() {
		p.logger.Log(LogDebug, "[hmr] hot updated: %s", p.Update.Path)
	} else {
		p.logger.Log(LogDebug, "[hmr] hot updated: %s via %s", p.Update.AcceptedPath, p.Update.Path)
	}
}
