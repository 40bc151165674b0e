// controller.go is the turn lifecycle state machine. It accepts submissions,
// serializes backend dispatches, tracks in-flight state, merges responses
// into the chat history through the duplicate suppressor, and clears state
// on terminal outcomes.
package turn

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/SimbaBuilds/juniper-core/internal/backend"
	"github.com/SimbaBuilds/juniper-core/internal/conversation"
)

// RequestRecord is the persisted shape of a turn request.
type RequestRecord struct {
	RequestID      string
	UserID         string
	ConversationID string
	Type           string
	Status         Status
	Metadata       map[string]string
}

// Store is the persistence surface the controller needs. The persisted
// store is the source of truth for status; controller state is a cache that
// must tolerate being rebuilt from it.
type Store interface {
	StatusSource
	CreateRequestRecord(ctx context.Context, rec RequestRecord) error
	UpdateRequestStatus(ctx context.Context, requestID string, status Status) error
	UpdateNetworkSuccess(ctx context.Context, requestID string, ok bool) error
	UncompletedRequests(ctx context.Context) ([]string, error)
	MarkFetched(ctx context.Context, requestID string) error
	CreateConversation(ctx context.Context, id, userID, title string) error
	AppendMessage(ctx context.Context, conversationID string, msg conversation.Message) error
}

// Dispatcher sends chat requests and cancellations to the backend.
type Dispatcher interface {
	SendChat(ctx context.Context, req backend.ChatRequest) (*backend.ChatResponse, error)
	Cancel(ctx context.Context, requestID string) error
}

// NativeEngine is the voice-engine surface the controller drives. May be
// absent in a text-only session.
type NativeEngine interface {
	// DeliverResponse hands the resolved (or failed) text back for speech
	// synthesis, keyed by the engine's own request ID.
	DeliverResponse(nativeRequestID, text string) bool
	// CancelRequest aborts the engine's mirrored request.
	CancelRequest(nativeRequestID string) error
	// ClearState drops engine-side request state; an empty ID clears all.
	// Prevents a stale native timeout from firing later.
	ClearState(nativeRequestID string) error
}

// DefaultCancelGrace is how long the cancelled status stays visible before
// in-flight state is nulled.
const DefaultCancelGrace = 2 * time.Second

// DefaultTitleLimit truncates conversation titles derived from the first
// user message.
const DefaultTitleLimit = 50

// terminalHistoryLimit bounds the per-request terminal status map. Dispatch
// is single-flight, so straggling events can only concern recent turns; the
// oldest entries are evicted once the cap is reached.
const terminalHistoryLimit = 256

// ControllerConfig configures the lifecycle controller.
type ControllerConfig struct {
	UserID          string
	TitleLimit      int
	CancelGrace     time.Duration
	Poller          PollerConfig
	Preferences     map[string]string
	FeatureSettings map[string]bool
}

// DefaultControllerConfig returns production defaults.
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		TitleLimit:  DefaultTitleLimit,
		CancelGrace: DefaultCancelGrace,
		Poller:      DefaultPollerConfig(),
	}
}

// Controller is the central turn state machine.
//
// Submissions are accepted at any time, but backend dispatch is serialized:
// the next chat call begins only after the previous one settles. Status
// updates follow terminal-wins ordering, and cancellation is authoritative
// over any late success.
type Controller struct {
	mu     sync.Mutex
	config ControllerConfig

	store      Store
	dispatcher Dispatcher
	native     NativeEngine
	bridge     *IDBridge
	history    *conversation.History
	queue      *dispatchQueue

	ctx    context.Context
	cancel context.CancelFunc

	current        *Turn
	conversationID string

	// terminal records the first terminal status seen per client request
	// ID. Later events for the same ID never override it. Bounded: entries
	// are evicted oldest-first past terminalHistoryLimit.
	terminal      map[string]Status
	terminalOrder []string
	pollers       map[string]*StatusPoller
	graceTimers   map[string]*time.Timer

	onStatusChange     func(clientRequestID string, status Status)
	onAssistantMessage func(msg conversation.Message)
	onTurnCleared      func(clientRequestID string)
	onSettingsChanged  func()
}

// NewController creates a controller. native may be nil.
func NewController(store Store, dispatcher Dispatcher, native NativeEngine, history *conversation.History, config ControllerConfig) *Controller {
	if config.TitleLimit <= 0 {
		config.TitleLimit = DefaultTitleLimit
	}
	if config.CancelGrace <= 0 {
		config.CancelGrace = DefaultCancelGrace
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		config:      config,
		store:       store,
		dispatcher:  dispatcher,
		native:      native,
		bridge:      NewIDBridge(),
		history:     history,
		queue:       newDispatchQueue(),
		ctx:         ctx,
		cancel:      cancel,
		terminal:    make(map[string]Status),
		pollers:     make(map[string]*StatusPoller),
		graceTimers: make(map[string]*time.Timer),
	}
}

// OnStatusChange sets the UI status callback.
func (c *Controller) OnStatusChange(fn func(clientRequestID string, status Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStatusChange = fn
}

// OnAssistantMessage sets the callback fired when an assistant message
// enters the history.
func (c *Controller) OnAssistantMessage(fn func(msg conversation.Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAssistantMessage = fn
}

// OnTurnCleared sets the callback fired when in-flight state is nulled.
func (c *Controller) OnTurnCleared(fn func(clientRequestID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTurnCleared = fn
}

// OnSettingsChanged sets the out-of-band settings refresh hook. The refresh
// never touches turn state.
func (c *Controller) OnSettingsChanged(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSettingsChanged = fn
}

// Submit accepts a typed user message. Returns the client request ID. The
// backend dispatch is queued behind any in-flight call.
func (c *Controller) Submit(text string) string {
	return c.submit(text, "")
}

// SubmitTranscript accepts a native-engine transcript that already carries
// the engine's request ID; the client<->native mapping is registered at
// dispatch time.
func (c *Controller) SubmitTranscript(text, nativeRequestID string) string {
	return c.submit(text, nativeRequestID)
}

func (c *Controller) submit(text, nativeRequestID string) string {
	clientID := uuid.NewString()
	log.Debug().
		Str("client_request_id", clientID).
		Msg("[Controller] submission accepted, queueing dispatch")

	c.queue.enqueue(func() {
		c.dispatch(clientID, text, nativeRequestID)
	})
	return clientID
}

// BindNative registers the native request ID the engine assigned to an
// already-dispatched turn and arms the status poller. Fires when the
// native-bridge acceptance callback lands before the HTTP call resolves.
func (c *Controller) BindNative(clientRequestID, nativeRequestID string) {
	c.mu.Lock()
	if st, done := c.terminal[clientRequestID]; done {
		c.mu.Unlock()
		log.Debug().
			Str("client_request_id", clientRequestID).
			Str("status", st.String()).
			Msg("[Controller] ignoring native bind for terminal turn")
		return
	}
	c.bridge.Map(clientRequestID, nativeRequestID)
	if c.current != nil && c.current.ClientRequestID == clientRequestID {
		c.current.NativeRequestID = nativeRequestID
	}
	c.mu.Unlock()

	c.startPoller(clientRequestID)
}

// dispatch runs on the queue worker, strictly one at a time.
func (c *Controller) dispatch(clientID, text, nativeRequestID string) {
	ctx := c.ctx
	if ctx.Err() != nil {
		return
	}

	now := time.Now()

	convID, err := c.ensureConversation(ctx, text)
	if err != nil {
		log.Error().Err(err).Msg("[Controller] failed to open conversation")
		c.failTurn(clientID, "could not start a conversation")
		return
	}

	t := &Turn{
		ClientRequestID:  clientID,
		NativeRequestID:  nativeRequestID,
		ConversationID:   convID,
		UserText:         text,
		CreatedAt:        now,
		Status:           StatusPending,
		NetworkSucceeded: true,
	}

	c.mu.Lock()
	c.current = t
	if nativeRequestID != "" {
		c.bridge.Map(clientID, nativeRequestID)
	}
	c.mu.Unlock()

	rec := RequestRecord{
		RequestID:      clientID,
		UserID:         c.config.UserID,
		ConversationID: convID,
		Type:           "chat",
		Status:         StatusPending,
		Metadata: map[string]string{
			"userText":      text,
			"userTimestamp": strconv.FormatInt(now.UnixMilli(), 10),
		},
	}
	if err := c.store.CreateRequestRecord(ctx, rec); err != nil {
		// Status polling needs the backing record; without it the turn can
		// still resolve over the live HTTP path.
		log.Error().Err(err).Str("client_request_id", clientID).Msg("[Controller] failed to persist request record")
	}

	// History snapshot before the new user message: the backend receives
	// prior context only.
	priorHistory := c.history.Snapshot()

	userMsg := conversation.Message{
		Role:      conversation.RoleUser,
		Content:   text,
		Timestamp: now.UnixMilli(),
	}
	c.history.AppendUser(userMsg)
	if err := c.store.AppendMessage(ctx, convID, userMsg); err != nil {
		log.Warn().Err(err).Msg("[Controller] failed to persist user message")
	}

	c.emitStatus(clientID, StatusPending)

	// The poller reads persisted status; arm it now when the native
	// acceptance callback will not do so (text-only sessions, or when the
	// engine already assigned its ID).
	if c.native == nil || nativeRequestID != "" {
		c.startPoller(clientID)
	}

	resp, err := c.dispatcher.SendChat(ctx, backend.ChatRequest{
		Message:         text,
		Timestamp:       now.UnixMilli(),
		History:         priorHistory,
		Preferences:     c.config.Preferences,
		FeatureSettings: c.config.FeatureSettings,
	})
	switch {
	case err == nil:
		c.completeTurn(clientID, resp)
	case backend.IsNetworkError(err):
		c.handleNetworkError(ctx, clientID, err)
	default:
		c.failTurn(clientID, err.Error())
	}
}

// ensureConversation lazily creates the active conversation record, bound
// by the first turn of the session.
func (c *Controller) ensureConversation(ctx context.Context, firstText string) (string, error) {
	c.mu.Lock()
	if c.conversationID != "" {
		id := c.conversationID
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	id := uuid.NewString()
	title := conversation.TitleFromMessage(firstText, c.config.TitleLimit)
	if err := c.store.CreateConversation(ctx, id, c.config.UserID, title); err != nil {
		return "", err
	}

	c.mu.Lock()
	// Another path may have bound one meanwhile; the first write wins.
	if c.conversationID == "" {
		c.conversationID = id
	} else {
		id = c.conversationID
	}
	c.mu.Unlock()

	log.Info().Str("conversation_id", id).Msg("[Controller] opened conversation")
	return id, nil
}

// completeTurn merges a successful backend response. A turn that already
// reached a terminal state (a cancel racing this response) is left alone:
// the late success must not resurrect it.
func (c *Controller) completeTurn(clientID string, resp *backend.ChatResponse) {
	c.mu.Lock()
	if st, done := c.terminal[clientID]; done {
		c.mu.Unlock()
		log.Info().
			Str("client_request_id", clientID).
			Str("status", st.String()).
			Msg("[Controller] dropping late success for terminal turn")
		return
	}
	c.recordTerminalLocked(clientID, StatusCompleted)

	var convID string
	if c.current != nil && c.current.ClientRequestID == clientID {
		c.current.Status = StatusCompleted
		c.current.AssistantText = resp.Response
		c.current.BackendRequestID = resp.RequestID
		c.current.ResolvedAt = time.Now()
		convID = c.current.ConversationID
	}
	nativeID := c.bridge.NativeFor(clientID)
	c.mu.Unlock()

	ts := conversation.NormalizeTimestamp(resp.Timestamp)
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	msg := conversation.Message{
		Role:      conversation.RoleAssistant,
		Content:   resp.Response,
		Timestamp: ts,
	}

	// The same response can also arrive over the native event channel; the
	// suppressor collapses the pair to one history entry.
	if c.history.AppendAssistant(msg) {
		if convID != "" {
			if err := c.store.AppendMessage(c.ctx, convID, msg); err != nil {
				log.Warn().Err(err).Msg("[Controller] failed to persist assistant message")
			}
		}
		c.emitAssistantMessage(msg)
	}

	if err := c.store.UpdateRequestStatus(c.ctx, clientID, StatusCompleted); err != nil {
		log.Warn().Err(err).Msg("[Controller] failed to persist completed status")
	}

	// The response was delivered over the live path; without the fetched
	// mark, reconciliation would re-ingest this turn as a background one and
	// duplicate its user message.
	if err := c.store.MarkFetched(c.ctx, clientID); err != nil {
		log.Warn().Err(err).Msg("[Controller] failed to mark live completion fetched")
	}

	if nativeID != "" && c.native != nil {
		c.native.DeliverResponse(nativeID, resp.Response)
	}

	c.emitStatus(clientID, StatusCompleted)

	if resp.SettingsUpdated {
		c.mu.Lock()
		fn := c.onSettingsChanged
		c.mu.Unlock()
		if fn != nil {
			// Out of band: the refresh must not affect turn state.
			go fn()
		}
	}

	c.clearTurn(clientID)
}

// handleNetworkError records a transport failure without terminating the
// turn. The backend may still complete it asynchronously behind a flaky
// network, so the persisted status stays untouched and polling continues.
func (c *Controller) handleNetworkError(ctx context.Context, clientID string, err error) {
	c.mu.Lock()
	if _, done := c.terminal[clientID]; done {
		c.mu.Unlock()
		return
	}
	if c.current != nil && c.current.ClientRequestID == clientID {
		c.current.NetworkSucceeded = false
	}
	c.mu.Unlock()

	log.Warn().
		Err(err).
		Str("client_request_id", clientID).
		Msg("[Controller] network error, keeping turn in flight")

	if err := c.store.UpdateNetworkSuccess(ctx, clientID, false); err != nil {
		log.Warn().Err(err).Msg("[Controller] failed to persist network flag")
	}
}

// failTurn terminates a turn on an explicit business failure, surfacing one
// assistant-style error entry unless the turn was already cancelled.
func (c *Controller) failTurn(clientID, message string) {
	c.mu.Lock()
	if st, done := c.terminal[clientID]; done {
		c.mu.Unlock()
		log.Debug().
			Str("client_request_id", clientID).
			Str("status", st.String()).
			Msg("[Controller] suppressing failure for terminal turn")
		return
	}
	c.recordTerminalLocked(clientID, StatusFailed)

	if c.current != nil && c.current.ClientRequestID == clientID {
		c.current.Status = StatusFailed
		c.current.ResolvedAt = time.Now()
	}
	nativeID := c.bridge.NativeFor(clientID)
	c.mu.Unlock()

	log.Error().
		Str("client_request_id", clientID).
		Str("reason", message).
		Msg("[Controller] turn failed")

	if err := c.store.UpdateRequestStatus(c.ctx, clientID, StatusFailed); err != nil {
		log.Warn().Err(err).Msg("[Controller] failed to persist failed status")
	}

	errText := "Sorry, I ran into a problem with that request. Please try again."
	msg := conversation.Message{
		Role:      conversation.RoleAssistant,
		Content:   errText,
		Timestamp: time.Now().UnixMilli(),
	}
	if c.history.AppendAssistant(msg) {
		c.emitAssistantMessage(msg)
	}

	if nativeID != "" && c.native != nil {
		c.native.DeliverResponse(nativeID, errText)
	}

	c.emitStatus(clientID, StatusFailed)
	c.clearTurn(clientID)
}

// Cancel aborts the in-flight turn. The cancelled status is authoritative:
// any success or failure arriving afterwards for the same client request ID
// is dropped. Both the backend and the native engine are signalled; the
// cancelled status stays visible for a grace period before state is nulled.
func (c *Controller) Cancel() {
	c.mu.Lock()
	t := c.current
	if t == nil {
		c.mu.Unlock()
		return
	}
	clientID := t.ClientRequestID
	if _, done := c.terminal[clientID]; done {
		c.mu.Unlock()
		return
	}
	c.recordTerminalLocked(clientID, StatusCancelled)
	t.Status = StatusCancelled
	t.ResolvedAt = time.Now()

	backendID := t.BackendRequestID
	if backendID == "" {
		// The HTTP call has not resolved, so the backend's own ID is
		// unknown; the cancel endpoint also accepts the client-issued ID.
		backendID = clientID
	}
	nativeID := c.bridge.NativeFor(clientID)
	c.mu.Unlock()

	log.Info().Str("client_request_id", clientID).Msg("[Controller] cancelling turn")

	c.emitStatus(clientID, StatusCancelled)

	if err := c.store.UpdateRequestStatus(c.ctx, clientID, StatusCancelled); err != nil {
		log.Warn().Err(err).Msg("[Controller] failed to persist cancelled status")
	}

	go func() {
		if err := c.dispatcher.Cancel(c.ctx, backendID); err != nil {
			log.Warn().Err(err).Msg("[Controller] backend cancel failed")
		}
	}()

	// Both sides must be cancelled, or a stale native timeout fires later.
	if nativeID != "" && c.native != nil {
		if err := c.native.CancelRequest(nativeID); err != nil {
			log.Warn().Err(err).Msg("[Controller] native cancel failed")
		}
		if err := c.native.ClearState(nativeID); err != nil {
			log.Warn().Err(err).Msg("[Controller] native state clear failed")
		}
	}

	c.mu.Lock()
	c.bridge.Unmap(clientID)
	c.mu.Unlock()
	c.stopPoller(clientID)

	// Hold the cancelled status visibly before nulling state.
	c.mu.Lock()
	c.graceTimers[clientID] = time.AfterFunc(c.config.CancelGrace, func() {
		c.mu.Lock()
		delete(c.graceTimers, clientID)
		c.mu.Unlock()
		c.clearTurn(clientID)
	})
	c.mu.Unlock()
}

// handlePolledStatus routes a status observed by a poller. Terminal-wins:
// once a terminal status is recorded, intermediate updates for the same
// request are ignored. A synthetic completed following failed/cancelled is
// treated as the UI-clear signal, not a status change.
func (c *Controller) handlePolledStatus(clientID string, status Status) {
	c.mu.Lock()
	term, done := c.terminal[clientID]
	c.mu.Unlock()

	if done {
		if status == StatusCompleted && term != StatusCompleted {
			c.clearTurn(clientID)
		}
		return
	}

	if !status.IsTerminal() {
		c.mu.Lock()
		if c.current != nil && c.current.ClientRequestID == clientID {
			c.current.Status = status
		}
		c.mu.Unlock()
		c.emitStatus(clientID, status)
		return
	}

	c.mu.Lock()
	c.recordTerminalLocked(clientID, status)
	if c.current != nil && c.current.ClientRequestID == clientID {
		c.current.Status = status
		c.current.ResolvedAt = time.Now()
	}
	c.bridge.Unmap(clientID)
	c.mu.Unlock()

	// Completed via polling means the turn resolved out of band (for
	// example while the HTTP call failed over a flaky network); the
	// response content arrives through background reconciliation.
	log.Info().
		Str("client_request_id", clientID).
		Str("status", status.String()).
		Msg("[Controller] terminal status observed via polling")

	c.emitStatus(clientID, status)
	if status == StatusCompleted {
		c.clearTurn(clientID)
	}
}

// clearTurn nulls the in-flight turn once a terminal outcome was consumed.
// The persisted record remains.
func (c *Controller) clearTurn(clientID string) {
	c.mu.Lock()
	cleared := false
	if c.current != nil && c.current.ClientRequestID == clientID {
		c.current = nil
		cleared = true
	}
	c.bridge.Unmap(clientID)
	fn := c.onTurnCleared
	c.mu.Unlock()

	c.stopPoller(clientID)

	if cleared && fn != nil {
		fn(clientID)
	}
}

// ReadoptPending re-arms status pollers for persisted requests that never
// reached a terminal state, typically after an app relaunch.
func (c *Controller) ReadoptPending(ctx context.Context) error {
	ids, err := c.store.UncompletedRequests(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		c.startPoller(id)
	}
	if len(ids) > 0 {
		log.Info().Int("count", len(ids)).Msg("[Controller] re-adopted uncompleted requests")
	}
	return nil
}

// BindConversation installs an existing active conversation, e.g. one
// re-read from the store on relaunch.
func (c *Controller) BindConversation(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conversationID = conversationID
}

// ConversationID returns the bound conversation, or "".
func (c *Controller) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

// ResetConversation drops the conversation binding. The caller is
// responsible for finalizing the conversation record first.
func (c *Controller) ResetConversation() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conversationID = ""
}

// CurrentTurn returns a copy of the in-flight turn, or nil.
func (c *Controller) CurrentTurn() *Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	copied := *c.current
	return &copied
}

// InFlight reports whether a turn is currently active.
func (c *Controller) InFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil
}

// Bridge exposes the request ID bridge for collaborators that resolve
// native IDs (e.g. the assistant routing engine callbacks).
func (c *Controller) Bridge() *IDBridge {
	return c.bridge
}

// recordTerminalLocked stores the first terminal status for a request,
// evicting the oldest entry past the cap. Caller holds c.mu. The first
// write wins; re-recording an existing ID is a no-op.
func (c *Controller) recordTerminalLocked(clientID string, status Status) {
	if _, ok := c.terminal[clientID]; ok {
		return
	}
	if len(c.terminalOrder) >= terminalHistoryLimit {
		delete(c.terminal, c.terminalOrder[0])
		c.terminalOrder = c.terminalOrder[1:]
	}
	c.terminal[clientID] = status
	c.terminalOrder = append(c.terminalOrder, clientID)
}

func (c *Controller) startPoller(clientID string) {
	c.mu.Lock()
	if _, ok := c.pollers[clientID]; ok {
		c.mu.Unlock()
		return
	}
	p := NewStatusPoller(c.store, c.config.Poller)
	c.pollers[clientID] = p
	c.mu.Unlock()

	p.Watch(c.ctx, clientID, func(status Status) {
		c.handlePolledStatus(clientID, status)
	})
}

func (c *Controller) stopPoller(clientID string) {
	c.mu.Lock()
	p, ok := c.pollers[clientID]
	if ok {
		delete(c.pollers, clientID)
	}
	c.mu.Unlock()

	if ok {
		p.Stop()
	}
}

func (c *Controller) emitStatus(clientID string, status Status) {
	c.mu.Lock()
	fn := c.onStatusChange
	c.mu.Unlock()
	if fn != nil {
		fn(clientID, status)
	}
}

func (c *Controller) emitAssistantMessage(msg conversation.Message) {
	c.mu.Lock()
	fn := c.onAssistantMessage
	c.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

// Close stops the dispatch worker, all pollers, and any pending grace
// timers.
func (c *Controller) Close() {
	c.cancel()
	c.queue.close()

	c.mu.Lock()
	pollers := make([]*StatusPoller, 0, len(c.pollers))
	for id, p := range c.pollers {
		pollers = append(pollers, p)
		delete(c.pollers, id)
	}
	for id, t := range c.graceTimers {
		t.Stop()
		delete(c.graceTimers, id)
	}
	c.mu.Unlock()

	for _, p := range pollers {
		p.Stop()
	}
}
