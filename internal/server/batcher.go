package server

import (
	"sync"
	"time"

	"github.com/zot/hmr/internal/protocol"
)

// Logger receives verbosity-leveled log lines.
type Logger interface {
	Log(level int, format string, args ...interface{})
}

// UpdateBatcher merges update records queued in quick succession (an editor
// saving several files) into one update payload.
// A queued full reload replaces everything pending.
type UpdateBatcher struct {
	mu               sync.Mutex
	pending          []protocol.Update
	fullReload       *string // path of a pending full reload
	debounceTimer    *time.Timer
	debounceInterval time.Duration
	send             func(*protocol.Payload)
	logger           Logger
	batchCount       int
}

// NewUpdateBatcher creates a batcher that hands each merged payload to send.
func NewUpdateBatcher(interval time.Duration, send func(*protocol.Payload), logger Logger) *UpdateBatcher {
	return &UpdateBatcher{
		debounceInterval: interval,
		send:             send,
		logger:           logger,
	}
}

// Queue adds update records. A record already pending for the same boundary
// and accepted module keeps its place and takes the newer timestamp.
func (b *UpdateBatcher) Queue(updates []protocol.Update) {
	if len(updates) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.fullReload == nil {
	next:
		for _, u := range updates {
			for i, p := range b.pending {
				if p.Path == u.Path && p.AcceptedPath == u.AcceptedPath {
					b.pending[i].Timestamp = max(p.Timestamp, u.Timestamp)
					continue next
				}
			}
			b.pending = append(b.pending, u)
		}
	}
	b.startTimerLocked()
}

// QueueFullReload drops pending updates and schedules a full reload.
func (b *UpdateBatcher) QueueFullReload(path string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pending = nil
	b.fullReload = &path
	b.startTimerLocked()
}

func (b *UpdateBatcher) startTimerLocked() {
	if b.debounceTimer == nil {
		b.debounceTimer = time.AfterFunc(b.debounceInterval, b.flush)
	}
}

// FlushNow immediately sends what is pending.
func (b *UpdateBatcher) FlushNow() {
	b.mu.Lock()
	if b.debounceTimer != nil {
		b.debounceTimer.Stop()
	}
	b.mu.Unlock()

	b.flush()
}

func (b *UpdateBatcher) flush() {
	b.mu.Lock()
	b.debounceTimer = nil
	updates := b.pending
	reload := b.fullReload
	b.pending = nil
	b.fullReload = nil
	b.batchCount++
	count := b.batchCount
	b.mu.Unlock()

	switch {
	case reload != nil:
		b.logger.Log(1, "[hmr] page reload %s", *reload)
		b.send(protocol.NewFullReload(*reload))
	case len(updates) > 0:
		b.logger.Log(4, "[OUT] BATCH %d: %d updates", count, len(updates))
		b.send(protocol.NewUpdate(updates))
	}
}

// Clear drops everything pending and stops the timer.
func (b *UpdateBatcher) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.debounceTimer != nil {
		b.debounceTimer.Stop()
	}
	b.debounceTimer = nil
	b.pending = nil
	b.fullReload = nil
}

// PendingCount returns the number of pending update records.
func (b *UpdateBatcher) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
