// Package nativebridge is the WebSocket client for the native voice engine.
// The engine runs its own capture/transcribe/speak state machine and tracks
// requests under its own IDs; this bridge carries transcripts and state
// reports inbound, and response delivery and cancellation outbound.
package nativebridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// envelope is the wire frame in both directions.
type envelope struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Text      string `json:"text,omitempty"`
	State     string `json:"state,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Inbound frame types.
const (
	msgTranscript  = "transcript"
	msgProcessText = "process_text_request"
	msgState       = "state"
	msgError       = "error"
)

// Outbound frame types.
const (
	cmdStartListening   = "start_listening"
	cmdStopListening    = "stop_listening"
	cmdSpeak            = "speak"
	cmdHandleResponse   = "handle_api_response"
	cmdClearNativeState = "clear_native_state"
	cmdCancelRequest    = "cancel_request"
)

// ClientConfig holds configuration for the engine bridge.
type ClientConfig struct {
	// Endpoint is the engine's WebSocket endpoint.
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// ReconnectWait is the initial wait before reconnecting.
	ReconnectWait time.Duration `mapstructure:"reconnect_wait" yaml:"reconnect_wait"`

	// MaxReconnects caps reconnection attempts (0 = unlimited).
	MaxReconnects int `mapstructure:"max_reconnects" yaml:"max_reconnects"`

	// PingInterval is the keep-alive ping cadence.
	PingInterval time.Duration `mapstructure:"ping_interval" yaml:"ping_interval"`

	// HandshakeTimeout bounds the WebSocket dial.
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout"`
}

// DefaultClientConfig returns production defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Endpoint:         "ws://127.0.0.1:8875/v1/engine",
		ReconnectWait:    1 * time.Second,
		MaxReconnects:    5,
		PingInterval:     30 * time.Second,
		HandshakeTimeout: 5 * time.Second,
	}
}

// Client is the engine bridge. Callbacks are invoked from the read
// goroutine; handlers must not block.
type Client struct {
	mu           sync.RWMutex
	config       ClientConfig
	conn         *websocket.Conn
	running      bool
	reconnecting bool
	ctx          context.Context
	cancel       context.CancelFunc

	lastState EngineState

	// OnTranscript fires when the engine finishes transcribing an
	// utterance; requestID is the engine's own ID for the turn it opened.
	OnTranscript func(text, requestID string)

	// OnProcessTextRequest fires when the engine forwards text it wants
	// processed without having captured audio (e.g. a wake-word command).
	OnProcessTextRequest func(text, requestID string)

	// OnStateChange fires on every decoded engine state report.
	OnStateChange func(state EngineState)

	// OnError fires on engine-reported and transport errors.
	OnError func(err error)
}

// NewClient creates a bridge client with the given configuration.
func NewClient(config ClientConfig) *Client {
	if config.Endpoint == "" {
		config = DefaultClientConfig()
	}
	if config.ReconnectWait <= 0 {
		config.ReconnectWait = 1 * time.Second
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = 5 * time.Second
	}
	return &Client{config: config, lastState: EngineState{Kind: StateIdle}}
}

// Connect establishes the WebSocket connection and starts the read and
// ping loops.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return fmt.Errorf("engine bridge: already connected")
	}

	c.ctx, c.cancel = context.WithCancel(ctx)

	dialer := websocket.Dialer{HandshakeTimeout: c.config.HandshakeTimeout}

	log.Debug().Str("endpoint", c.config.Endpoint).Msg("[EngineBridge] connecting")

	conn, _, err := dialer.DialContext(ctx, c.config.Endpoint, nil)
	if err != nil {
		return fmt.Errorf("engine bridge: failed to connect: %w", err)
	}

	c.conn = conn
	c.running = true

	go c.listen()
	go c.pingLoop()

	log.Info().Str("endpoint", c.config.Endpoint).Msg("[EngineBridge] connected")
	return nil
}

// listen reads and dispatches frames until the connection drops.
func (c *Client) listen() {
	for {
		c.mu.RLock()
		conn := c.conn
		running := c.running
		ctx := c.ctx
		c.mu.RUnlock()

		if !running || conn == nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		messageType, message, err := conn.ReadMessage()
		if err != nil {
			c.mu.RLock()
			stillRunning := c.running
			c.mu.RUnlock()
			if !stillRunning {
				return
			}

			log.Error().Err(err).Msg("[EngineBridge] read failed")
			go c.reconnect(ctx)
			return
		}

		if messageType != websocket.TextMessage {
			log.Debug().Int("type", messageType).Msg("[EngineBridge] ignoring non-text frame")
			continue
		}

		var env envelope
		if err := json.Unmarshal(message, &env); err != nil {
			log.Error().Err(err).Str("message", string(message)).Msg("[EngineBridge] failed to parse frame")
			continue
		}

		c.handleFrame(env)
	}
}

// handleFrame routes one inbound frame.
func (c *Client) handleFrame(env envelope) {
	switch env.Type {
	case msgTranscript:
		log.Debug().
			Str("request_id", env.RequestID).
			Msg("[EngineBridge] transcript received")
		if c.OnTranscript != nil {
			c.OnTranscript(env.Text, env.RequestID)
		}

	case msgProcessText:
		if c.OnProcessTextRequest != nil {
			c.OnProcessTextRequest(env.Text, env.RequestID)
		}

	case msgState:
		state := ParseEngineState(env.State)
		if env.RequestID != "" && state.RequestID == "" {
			state.RequestID = env.RequestID
		}

		c.mu.Lock()
		c.lastState = state
		c.mu.Unlock()

		log.Debug().
			Str("state", string(state.Kind)).
			Str("request_id", state.RequestID).
			Msg("[EngineBridge] state changed")
		if c.OnStateChange != nil {
			c.OnStateChange(state)
		}

	case msgError:
		log.Error().Str("message", env.Message).Msg("[EngineBridge] engine reported error")
		if c.OnError != nil {
			c.OnError(fmt.Errorf("engine bridge: engine error: %s", env.Message))
		}

	default:
		log.Debug().Str("type", env.Type).Msg("[EngineBridge] ignoring unknown frame type")
	}
}

// pingLoop keeps the connection alive.
func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			running := c.running
			var err error
			if running && conn != nil {
				err = conn.WriteMessage(websocket.PingMessage, nil)
			}
			c.mu.Unlock()

			if !running || conn == nil {
				return
			}
			if err != nil {
				log.Debug().Err(err).Msg("[EngineBridge] ping failed")
				return
			}
		}
	}
}

// reconnect re-dials with exponential backoff, capped at 30 seconds.
func (c *Client) reconnect(ctx context.Context) {
	c.mu.Lock()
	if c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	wait := c.config.ReconnectWait
	attempts := 0

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("[EngineBridge] reconnection cancelled")
			return
		default:
		}

		if c.config.MaxReconnects > 0 && attempts >= c.config.MaxReconnects {
			err := fmt.Errorf("engine bridge: max reconnection attempts (%d) exceeded", c.config.MaxReconnects)
			log.Error().Err(err).Msg("[EngineBridge] giving up reconnection")
			if c.OnError != nil {
				c.OnError(err)
			}
			c.mu.Lock()
			c.running = false
			c.mu.Unlock()
			return
		}

		attempts++
		log.Info().Int("attempt", attempts).Dur("wait", wait).Msg("[EngineBridge] attempting reconnection")

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		dialer := websocket.Dialer{HandshakeTimeout: c.config.HandshakeTimeout}
		conn, _, err := dialer.DialContext(ctx, c.config.Endpoint, nil)
		if err != nil {
			log.Error().Err(err).Int("attempt", attempts).Msg("[EngineBridge] reconnection failed")
			wait = wait * 2
			if wait > 30*time.Second {
				wait = 30 * time.Second
			}
			continue
		}

		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.conn = conn
		c.running = true
		c.mu.Unlock()

		log.Info().Int("attempts", attempts).Msg("[EngineBridge] reconnected")

		go c.listen()
		go c.pingLoop()
		return
	}
}

// send writes one outbound frame.
func (c *Client) send(env envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running || c.conn == nil {
		return fmt.Errorf("engine bridge: not connected")
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("engine bridge: encode frame: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("engine bridge: send %s: %w", env.Type, err)
	}
	return nil
}

// StartListening opens the engine's capture path.
func (c *Client) StartListening() error {
	return c.send(envelope{Type: cmdStartListening})
}

// StopListening closes the engine's capture path.
func (c *Client) StopListening() error {
	return c.send(envelope{Type: cmdStopListening})
}

// Speak asks the engine to synthesize text outside of any request.
func (c *Client) Speak(text string) error {
	return c.send(envelope{Type: cmdSpeak, Text: text})
}

// DeliverResponse hands a resolved response back for speech synthesis,
// keyed by the engine's request ID. Returns false when the frame could not
// be sent; the response still reached the chat history, so delivery
// failure is not a turn failure.
func (c *Client) DeliverResponse(nativeRequestID, text string) bool {
	err := c.send(envelope{Type: cmdHandleResponse, RequestID: nativeRequestID, Text: text})
	if err != nil {
		log.Warn().Err(err).Str("native_request_id", nativeRequestID).
			Msg("[EngineBridge] response delivery failed")
		return false
	}
	return true
}

// CancelRequest aborts the engine's mirrored request.
func (c *Client) CancelRequest(nativeRequestID string) error {
	return c.send(envelope{Type: cmdCancelRequest, RequestID: nativeRequestID})
}

// ClearState drops engine-side request state. An empty ID clears all
// state; used to stop a stale engine timeout from firing after the client
// already resolved the turn.
func (c *Client) ClearState(nativeRequestID string) error {
	return c.send(envelope{Type: cmdClearNativeState, RequestID: nativeRequestID})
}

// LastState returns the most recent decoded engine state.
func (c *Client) LastState() EngineState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastState
}

// IsConnected reports whether the bridge holds a live connection.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running && c.conn != nil
}

// Close shuts the bridge down.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}
	c.running = false

	if c.cancel != nil {
		c.cancel()
	}

	if c.conn != nil {
		err := c.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		if err != nil {
			log.Debug().Err(err).Msg("[EngineBridge] error sending close frame")
		}
		if err := c.conn.Close(); err != nil {
			return fmt.Errorf("engine bridge: failed to close connection: %w", err)
		}
		c.conn = nil
	}

	log.Info().Msg("[EngineBridge] closed")
	return nil
}
