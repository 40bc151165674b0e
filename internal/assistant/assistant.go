// Package assistant is the composition root of the Juniper client. It wires
// the store, backend client, native engine bridge, turn controller,
// background reconciler, and idle timer, and fans user-visible events out
// over the bus.
package assistant

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/SimbaBuilds/juniper-core/internal/backend"
	"github.com/SimbaBuilds/juniper-core/internal/bus"
	"github.com/SimbaBuilds/juniper-core/internal/config"
	"github.com/SimbaBuilds/juniper-core/internal/conversation"
	"github.com/SimbaBuilds/juniper-core/internal/data"
	"github.com/SimbaBuilds/juniper-core/internal/nativebridge"
	"github.com/SimbaBuilds/juniper-core/internal/turn"
)

// Assistant owns the full client runtime.
type Assistant struct {
	mu  sync.Mutex
	cfg *config.Config

	store      *data.Store
	chatClient *backend.Client
	engine     *nativebridge.Client
	history    *conversation.History
	suppressor *conversation.Suppressor
	controller *turn.Controller
	reconciler *conversation.Reconciler
	idleTimer  *conversation.IdleTimer
	events     *bus.Bus

	// refreshSettings is called after the backend reports settings changed.
	refreshSettings func()

	started bool
}

// New wires an assistant from configuration. Start must be called before
// submissions are accepted.
func New(cfg *config.Config) (*Assistant, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("assistant: invalid config: %w", err)
	}

	store, err := data.NewDB(cfg.Store.DataDir)
	if err != nil {
		return nil, fmt.Errorf("assistant: open store: %w", err)
	}

	chatClient := backend.NewClient(backend.ClientConfig{
		BaseURL:        cfg.Backend.BaseURL,
		ChatPath:       cfg.Backend.ChatPath,
		CancelPath:     cfg.Backend.CancelPath,
		AuthToken:      cfg.Backend.AuthToken,
		ConnectTimeout: time.Duration(cfg.Backend.ConnectTimeoutSec) * time.Second,
		CancelTimeout:  time.Duration(cfg.Backend.CancelTimeoutSec) * time.Second,
	})

	suppressor := conversation.NewSuppressor(conversation.SuppressorConfig{
		LedgerSize:      cfg.Conversation.DedupLedgerSize,
		LiveWindow:      time.Duration(cfg.Conversation.DedupLiveWindowSec) * time.Second,
		ReconcileWindow: time.Duration(cfg.Conversation.DedupReconcileWindowSec) * time.Second,
	})
	history := conversation.NewHistory(suppressor)

	var engine *nativebridge.Client
	var nativeEngine turn.NativeEngine
	if cfg.Engine.Enabled {
		engine = nativebridge.NewClient(nativebridge.ClientConfig{
			Endpoint:      cfg.Engine.Endpoint,
			ReconnectWait: time.Duration(cfg.Engine.ReconnectWaitSec) * time.Second,
			MaxReconnects: cfg.Engine.MaxReconnects,
			PingInterval:  time.Duration(cfg.Engine.PingIntervalSec) * time.Second,
		})
		nativeEngine = engine
	}

	controller := turn.NewController(store, chatClient, nativeEngine, history, turn.ControllerConfig{
		UserID:      cfg.User.ID,
		TitleLimit:  cfg.Conversation.TitleLimit,
		CancelGrace: time.Duration(cfg.Turn.CancelGraceMs) * time.Millisecond,
		Poller: turn.PollerConfig{
			SettleDelay:        time.Duration(cfg.Turn.PollSettleMs) * time.Millisecond,
			Interval:           time.Duration(cfg.Turn.PollIntervalMs) * time.Millisecond,
			TerminalClearDelay: time.Duration(cfg.Turn.TerminalClearMs) * time.Millisecond,
		},
	})

	a := &Assistant{
		cfg:        cfg,
		store:      store,
		chatClient: chatClient,
		engine:     engine,
		history:    history,
		suppressor: suppressor,
		controller: controller,
		reconciler: conversation.NewReconciler(store, suppressor, history),
		events:     bus.New(),
	}

	a.idleTimer = conversation.NewIdleTimer(cfg.IdleTimeout(), a.onIdleTimeout)
	history.OnChange(a.idleTimer.ResetOnActivity)

	a.wireController()
	if engine != nil {
		a.wireEngine()
	}

	return a, nil
}

// wireController fans controller callbacks out over the bus.
func (a *Assistant) wireController() {
	a.controller.OnStatusChange(func(requestID string, status turn.Status) {
		a.events.Publish(bus.Event{
			Type:      bus.EventStatusChanged,
			RequestID: requestID,
			Status:    status.String(),
		})
	})

	a.controller.OnAssistantMessage(func(msg conversation.Message) {
		a.events.Publish(bus.Event{
			Type:           bus.EventMessageAppended,
			ConversationID: a.controller.ConversationID(),
			Role:           string(msg.Role),
			Content:        msg.Content,
		})
	})

	a.controller.OnTurnCleared(func(requestID string) {
		a.events.Publish(bus.Event{
			Type:      bus.EventTurnCleared,
			RequestID: requestID,
		})
	})

	a.controller.OnSettingsChanged(func() {
		a.mu.Lock()
		refresh := a.refreshSettings
		a.mu.Unlock()
		if refresh != nil {
			refresh()
		}
		a.events.Publish(bus.Event{Type: bus.EventSettingsUpdated})
	})
}

// wireEngine routes engine callbacks into the controller.
func (a *Assistant) wireEngine() {
	a.engine.OnTranscript = func(text, nativeRequestID string) {
		a.controller.SubmitTranscript(text, nativeRequestID)
	}

	a.engine.OnProcessTextRequest = func(text, nativeRequestID string) {
		a.controller.SubmitTranscript(text, nativeRequestID)
	}

	a.engine.OnStateChange = func(state nativebridge.EngineState) {
		// The engine assigns its own request ID once it starts processing;
		// bind it to the in-flight turn so cancellation reaches both sides.
		if state.Kind == nativebridge.StateProcessing && state.RequestID != "" {
			if t := a.controller.CurrentTurn(); t != nil && t.NativeRequestID == "" {
				a.controller.BindNative(t.ClientRequestID, state.RequestID)
			}
		}

		a.events.Publish(bus.Event{
			Type:      bus.EventEngineState,
			RequestID: state.RequestID,
			State:     string(state.Kind),
			Error:     state.Detail,
		})
	}

	a.engine.OnError = func(err error) {
		log.Warn().Err(err).Msg("[Assistant] engine error")
		a.events.Publish(bus.Event{
			Type:  bus.EventEngineError,
			Error: err.Error(),
		})
	}
}

// Start brings the runtime up: connects the engine bridge, rebuilds the
// visible history from the active conversation, re-adopts uncompleted
// requests, and merges turns that completed while the client was down.
func (a *Assistant) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return fmt.Errorf("assistant: already started")
	}
	a.started = true
	a.mu.Unlock()

	if a.engine != nil {
		if err := a.engine.Connect(ctx); err != nil {
			// The engine is optional at runtime; text turns still work, and
			// the bridge reconnects when the engine comes up.
			log.Warn().Err(err).Msg("[Assistant] engine connect failed, continuing without voice")
		}
	}

	if err := a.restoreConversation(ctx); err != nil {
		log.Warn().Err(err).Msg("[Assistant] failed to restore conversation")
	}

	if err := a.controller.ReadoptPending(ctx); err != nil {
		log.Warn().Err(err).Msg("[Assistant] failed to re-adopt pending requests")
	}

	if _, err := a.reconciler.Reconcile(ctx); err != nil {
		log.Warn().Err(err).Msg("[Assistant] startup reconciliation failed")
	}

	log.Info().Msg("[Assistant] started")
	return nil
}

// restoreConversation rebuilds the in-memory history from the persisted
// active conversation, if one exists.
func (a *Assistant) restoreConversation(ctx context.Context) error {
	rec, err := a.store.ActiveConversation(ctx, a.cfg.User.ID)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}

	messages, err := a.store.ConversationMessages(ctx, rec.ID)
	if err != nil {
		return err
	}

	a.controller.BindConversation(rec.ID)
	a.history.Replace(messages)

	log.Info().
		Str("conversation_id", rec.ID).
		Int("messages", len(messages)).
		Msg("[Assistant] restored active conversation")
	return nil
}

// Resume merges background-completed turns into the visible history. Call
// on every return to the foreground.
func (a *Assistant) Resume(ctx context.Context) (int, error) {
	return a.reconciler.Reconcile(ctx)
}

// SendText submits a typed user message and returns the client request ID.
func (a *Assistant) SendText(text string) string {
	return a.controller.Submit(text)
}

// Cancel aborts the in-flight turn, if any.
func (a *Assistant) Cancel() {
	a.controller.Cancel()
}

// StartListening opens the engine's capture path.
func (a *Assistant) StartListening() error {
	if a.engine == nil {
		return fmt.Errorf("assistant: voice engine is not enabled")
	}
	return a.engine.StartListening()
}

// StopListening closes the engine's capture path.
func (a *Assistant) StopListening() error {
	if a.engine == nil {
		return fmt.Errorf("assistant: voice engine is not enabled")
	}
	return a.engine.StopListening()
}

// Speak plays arbitrary text through the engine, outside any turn.
func (a *Assistant) Speak(text string) error {
	if a.engine == nil {
		return fmt.Errorf("assistant: voice engine is not enabled")
	}
	return a.engine.Speak(text)
}

// NewChat finalizes the current conversation and starts fresh. The next
// submission opens a new conversation record.
func (a *Assistant) NewChat(ctx context.Context) error {
	return a.finalizeConversation(ctx, "user")
}

// onIdleTimeout is the idle timer callback.
func (a *Assistant) onIdleTimeout() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.finalizeConversation(ctx, "idle"); err != nil {
		log.Warn().Err(err).Msg("[Assistant] idle finalization failed")
	}
}

// finalizeConversation completes the active conversation record, clears the
// visible history and suppressor ledger, and unbinds the controller.
func (a *Assistant) finalizeConversation(ctx context.Context, reason string) error {
	convID := a.controller.ConversationID()
	if convID == "" && a.history.Len() == 0 {
		return nil
	}

	if convID != "" {
		if err := a.store.CompleteConversation(ctx, convID); err != nil {
			return fmt.Errorf("assistant: finalize conversation: %w", err)
		}
	}

	a.history.Clear()
	a.controller.ResetConversation()
	a.idleTimer.Stop()

	log.Info().
		Str("conversation_id", convID).
		Str("reason", reason).
		Msg("[Assistant] conversation finalized")

	a.events.Publish(bus.Event{
		Type:           bus.EventConversationReset,
		ConversationID: convID,
	})
	return nil
}

// OnSettingsRefresh installs the hook called after the backend reports a
// settings change.
func (a *Assistant) OnSettingsRefresh(fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refreshSettings = fn
}

// History returns the visible chat history.
func (a *Assistant) History() *conversation.History {
	return a.history
}

// Events returns the event bus for UI subscriptions.
func (a *Assistant) Events() *bus.Bus {
	return a.events
}

// Controller exposes the turn controller.
func (a *Assistant) Controller() *turn.Controller {
	return a.controller
}

// Close shuts the runtime down in dependency order.
func (a *Assistant) Close() error {
	a.idleTimer.Stop()
	a.controller.Close()

	if a.engine != nil {
		if err := a.engine.Close(); err != nil {
			log.Warn().Err(err).Msg("[Assistant] engine close failed")
		}
	}

	a.events.Close()

	if err := a.store.Close(); err != nil {
		return fmt.Errorf("assistant: close store: %w", err)
	}

	log.Info().Msg("[Assistant] closed")
	return nil
}
