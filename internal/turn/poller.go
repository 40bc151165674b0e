// poller.go watches a request's persisted status until a terminal state is
// reached. The store is the source of truth; the in-memory controller state
// is a cache over it.
package turn

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultSettleDelay avoids racing the write that creates the backing
	// record.
	DefaultSettleDelay = 150 * time.Millisecond
	// DefaultPollInterval is the fixed polling cadence. There is no backoff;
	// transient poll failures are swallowed and retried next tick.
	DefaultPollInterval = 5 * time.Second
	// DefaultTerminalClearDelay is how long failed/cancelled is held before
	// the synthetic completed signal clears the UI indicator.
	DefaultTerminalClearDelay = 500 * time.Millisecond
)

// StatusSource reads the persisted status of a request.
type StatusSource interface {
	RequestStatus(ctx context.Context, requestID string) (Status, error)
}

// PollerConfig tunes the status poller.
type PollerConfig struct {
	SettleDelay        time.Duration
	Interval           time.Duration
	TerminalClearDelay time.Duration
}

// DefaultPollerConfig returns production defaults.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		SettleDelay:        DefaultSettleDelay,
		Interval:           DefaultPollInterval,
		TerminalClearDelay: DefaultTerminalClearDelay,
	}
}

// StatusPoller polls one request's persisted status on a fixed interval
// until it observes a terminal state, then stops itself. failed and
// cancelled are reported as-is, then translated to a UI-facing synthetic
// completed signal after a short delay so the indicator disappears
// gracefully instead of flashing an error state.
//
// The poller owns its timers: Stop always cancels them, they are never left
// to garbage collection.
type StatusPoller struct {
	mu      sync.Mutex
	config  PollerConfig
	source  StatusSource
	cancel  context.CancelFunc
	stopped bool
	wg      sync.WaitGroup
}

// NewStatusPoller creates a poller over the given status source.
func NewStatusPoller(source StatusSource, config PollerConfig) *StatusPoller {
	if config.SettleDelay <= 0 {
		config.SettleDelay = DefaultSettleDelay
	}
	if config.Interval <= 0 {
		config.Interval = DefaultPollInterval
	}
	if config.TerminalClearDelay <= 0 {
		config.TerminalClearDelay = DefaultTerminalClearDelay
	}
	return &StatusPoller{config: config, source: source}
}

// Watch begins polling requestID, invoking onChange for every observed
// status change. Watch may be called once per poller.
func (p *StatusPoller) Watch(ctx context.Context, requestID string, onChange func(Status)) {
	p.mu.Lock()
	if p.stopped || p.cancel != nil {
		p.mu.Unlock()
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	p.mu.Unlock()

	go p.loop(ctx, requestID, onChange)
}

func (p *StatusPoller) loop(ctx context.Context, requestID string, onChange func(Status)) {
	defer p.wg.Done()

	settle := time.NewTimer(p.config.SettleDelay)
	defer settle.Stop()
	select {
	case <-ctx.Done():
		return
	case <-settle.C:
	}

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	last := Status("")
	for {
		status, err := p.source.RequestStatus(ctx, requestID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Transient failure: retry on the next tick.
			log.Debug().
				Err(err).
				Str("request_id", requestID).
				Msg("[StatusPoller] poll failed, retrying next tick")
		} else {
			if status != last {
				last = status
				onChange(status)
			}
			if status.IsTerminal() {
				p.finish(ctx, requestID, status, onChange)
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// finish handles the terminal status and self-stops.
func (p *StatusPoller) finish(ctx context.Context, requestID string, status Status, onChange func(Status)) {
	if status == StatusFailed || status == StatusCancelled {
		clear := time.NewTimer(p.config.TerminalClearDelay)
		defer clear.Stop()
		select {
		case <-ctx.Done():
			return
		case <-clear.C:
			onChange(StatusCompleted)
		}
	}

	log.Debug().
		Str("request_id", requestID).
		Str("status", status.String()).
		Msg("[StatusPoller] terminal status observed, stopping")

	p.Stop()
}

// Stop cancels polling. Idempotent; safe to call from the polling goroutine
// or on a poller that never started watching.
func (p *StatusPoller) Stop() {
	p.mu.Lock()
	p.stopped = true
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the polling goroutine exits. Test helper.
func (p *StatusPoller) Wait() {
	p.wg.Wait()
}
