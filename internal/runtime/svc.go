package runtime

// ChanSvc is the runtime loop: payload handling, reloads and Execute calls are
// sent on it and run one at a time, so the coordinator and the Lua host never
// see two of them interleaved.
type ChanSvc chan func()

// SvcSync runs code on the loop and waits for its result.
// It must not be called from code already running on the loop.
func SvcSync[T any](s ChanSvc, code func() (T, error)) (T, error) {
	done := make(chan struct{})
	var value T
	var err error
	Svc(s, func() {
		defer close(done)
		value, err = code()
	})
	<-done
	return value, err
}

// Svc queues code on the loop without waiting. The send happens on its own
// goroutine so callers never block on a busy loop.
func Svc(s ChanSvc, code func()) {
	go func() {
		s <- code
	}()
}

// RunSvc starts the loop goroutine. It exits when s is closed.
func RunSvc(s ChanSvc) {
	go func() {
		for code := range s {
			code()
		}
	}()
}
