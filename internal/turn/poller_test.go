package turn

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedSource returns statuses in sequence, repeating the last one.
type scriptedSource struct {
	mu       sync.Mutex
	script   []Status
	errUntil int
	calls    int
}

func (s *scriptedSource) RequestStatus(ctx context.Context, requestID string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.errUntil {
		return StatusPending, fmt.Errorf("store not ready")
	}
	idx := s.calls - s.errUntil - 1
	if idx >= len(s.script) {
		idx = len(s.script) - 1
	}
	return s.script[idx], nil
}

func (s *scriptedSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func fastPollerConfig() PollerConfig {
	return PollerConfig{
		SettleDelay:        5 * time.Millisecond,
		Interval:           10 * time.Millisecond,
		TerminalClearDelay: 10 * time.Millisecond,
	}
}

func collectStatuses(t *testing.T, source StatusSource, config PollerConfig, expect int) []Status {
	t.Helper()

	p := NewStatusPoller(source, config)
	var mu sync.Mutex
	var seen []Status
	done := make(chan struct{})

	p.Watch(context.Background(), "req-1", func(s Status) {
		mu.Lock()
		seen = append(seen, s)
		if len(seen) == expect {
			close(done)
		}
		mu.Unlock()
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected %d status callbacks, got %d", expect, len(seen))
	}
	p.Stop()
	p.Wait()

	mu.Lock()
	defer mu.Unlock()
	return append([]Status(nil), seen...)
}

func TestPollerReportsChangesAndStopsOnCompleted(t *testing.T) {
	source := &scriptedSource{script: []Status{StatusPending, StatusThinking, StatusThinking, StatusCompleted}}

	seen := collectStatuses(t, source, fastPollerConfig(), 3)

	// Repeated thinking is collapsed; completed is final.
	assert.Equal(t, []Status{StatusPending, StatusThinking, StatusCompleted}, seen)
}

func TestPollerFailedTranslatesToSyntheticCompleted(t *testing.T) {
	source := &scriptedSource{script: []Status{StatusFailed}}

	seen := collectStatuses(t, source, fastPollerConfig(), 2)

	require.Len(t, seen, 2)
	assert.Equal(t, StatusFailed, seen[0])
	assert.Equal(t, StatusCompleted, seen[1])
}

func TestPollerCancelledTranslatesToSyntheticCompleted(t *testing.T) {
	source := &scriptedSource{script: []Status{StatusProcessing, StatusCancelled}}

	seen := collectStatuses(t, source, fastPollerConfig(), 3)

	assert.Equal(t, []Status{StatusProcessing, StatusCancelled, StatusCompleted}, seen)
}

func TestPollerRetriesAfterTransientErrors(t *testing.T) {
	source := &scriptedSource{script: []Status{StatusCompleted}, errUntil: 3}

	seen := collectStatuses(t, source, fastPollerConfig(), 1)

	assert.Equal(t, []Status{StatusCompleted}, seen)
	assert.GreaterOrEqual(t, source.callCount(), 4)
}

func TestPollerStopHaltsPolling(t *testing.T) {
	source := &scriptedSource{script: []Status{StatusPending}}
	p := NewStatusPoller(source, fastPollerConfig())

	p.Watch(context.Background(), "req-1", func(Status) {})
	time.Sleep(30 * time.Millisecond)
	p.Stop()
	p.Wait()

	calls := source.callCount()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, source.callCount())
}

func TestPollerWatchIsSingleUse(t *testing.T) {
	source := &scriptedSource{script: []Status{StatusPending}}
	p := NewStatusPoller(source, fastPollerConfig())

	p.Watch(context.Background(), "req-1", func(Status) {})
	// Second watch is ignored rather than spawning a second loop.
	p.Watch(context.Background(), "req-2", func(Status) {
		t.Error("second Watch should not start")
	})

	time.Sleep(30 * time.Millisecond)
	p.Stop()
	p.Wait()
}

func TestPollerStopBeforeWatch(t *testing.T) {
	source := &scriptedSource{script: []Status{StatusPending}}
	p := NewStatusPoller(source, fastPollerConfig())

	p.Stop()
	p.Watch(context.Background(), "req-1", func(Status) {
		t.Error("watch after stop should not poll")
	})
	time.Sleep(30 * time.Millisecond)
}
