// idle.go resets conversation state after a fixed period of inactivity.
package conversation

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultIdleDelay is how long a non-empty history may sit untouched before
// the conversation is finalized.
const DefaultIdleDelay = 10 * time.Minute

// IdleTimer fires onIdle after a fixed period with no new history entries.
// Every history length change restarts it; an empty history cancels the
// pending timer outright. The timer owns its handle: it is always stopped
// here, never left to garbage collection.
type IdleTimer struct {
	mu     sync.Mutex
	delay  time.Duration
	timer  *time.Timer
	onIdle func()
}

// NewIdleTimer creates a stopped idle timer.
func NewIdleTimer(delay time.Duration, onIdle func()) *IdleTimer {
	if delay <= 0 {
		delay = DefaultIdleDelay
	}
	return &IdleTimer{delay: delay, onIdle: onIdle}
}

// ResetOnActivity restarts the countdown for a non-empty history and cancels
// it for an empty one. No timer is scheduled again until new activity.
func (t *IdleTimer) ResetOnActivity(historyLen int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}

	if historyLen == 0 {
		return
	}

	t.timer = time.AfterFunc(t.delay, t.fire)
}

// fire runs the idle callback once and disarms the timer.
func (t *IdleTimer) fire() {
	t.mu.Lock()
	t.timer = nil
	fn := t.onIdle
	t.mu.Unlock()

	log.Info().Dur("delay", t.delay).Msg("[IdleTimer] conversation idle, finalizing")

	if fn != nil {
		fn()
	}
}

// Stop cancels any pending countdown.
func (t *IdleTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// Armed reports whether a countdown is pending.
func (t *IdleTimer) Armed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timer != nil
}
