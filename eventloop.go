package sandbox

import (
	"sync"
	"time"

	v8 "github.com/tommie/v8go"
)

// fetchOutcome is the host-side result of one outbound request. Either err
// is set, or status/body carry the decoded response.
type fetchOutcome struct {
	status int
	body   string
	err    error
}

// pendingFetch is an in-flight outbound request whose outcome must be
// delivered on the isolate's goroutine. deliver settles the guest promise;
// it must only run on the thread that owns the isolate.
type pendingFetch struct {
	resultCh <-chan fetchOutcome
	deliver  func(fetchOutcome)
}

// eventLoop tracks in-flight outbound requests for a single evaluation so
// their results can be marshaled back into V8 from the isolate's goroutine.
type eventLoop struct {
	mu      sync.Mutex
	pending []*pendingFetch
}

func newEventLoop() *eventLoop {
	return &eventLoop{}
}

func (el *eventLoop) add(pf *pendingFetch) {
	el.mu.Lock()
	defer el.mu.Unlock()
	el.pending = append(el.pending, pf)
}

// drainReady does non-blocking reads on all pending channels and delivers
// completed outcomes. Returns true if any fetch settled. Must be called on
// the isolate's goroutine.
func (el *eventLoop) drainReady(ctx *v8.Context) bool {
	el.mu.Lock()
	if len(el.pending) == 0 {
		el.mu.Unlock()
		return false
	}
	pending := el.pending
	el.pending = nil
	el.mu.Unlock()

	var remaining []*pendingFetch
	settled := false
	for _, pf := range pending {
		select {
		case outcome := <-pf.resultCh:
			pf.deliver(outcome)
			ctx.PerformMicrotaskCheckpoint()
			settled = true
		default:
			remaining = append(remaining, pf)
		}
	}

	el.mu.Lock()
	// deliver callbacks may have started new fetches in the meantime.
	el.pending = append(remaining, el.pending...)
	el.mu.Unlock()
	return settled
}

func (el *eventLoop) hasPending() bool {
	el.mu.Lock()
	defer el.mu.Unlock()
	return len(el.pending) > 0
}

// wait sleeps briefly between drain rounds, bounded by the deadline.
func (el *eventLoop) wait(deadline time.Time) {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return
	}
	if remaining > time.Millisecond {
		remaining = time.Millisecond
	}
	time.Sleep(remaining)
}
