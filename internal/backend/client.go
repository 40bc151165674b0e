// Package backend is the HTTP client for the Juniper inference endpoint.
// It distinguishes transport-level failures from business failures: the
// former leave a turn recoverable (the backend may still complete it
// asynchronously), the latter terminate it.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/SimbaBuilds/juniper-core/internal/conversation"
)

// ChatRequest is the inference request payload.
type ChatRequest struct {
	Message         string                 `json:"message"`
	Timestamp       int64                  `json:"timestamp"`
	History         []conversation.Message `json:"history"`
	Preferences     map[string]string      `json:"preferences,omitempty"`
	FeatureSettings map[string]bool        `json:"featureSettings,omitempty"`
}

// ChatResponse is the resolved inference response.
type ChatResponse struct {
	Response              string `json:"response"`
	RequestID             string `json:"requestId"`
	Timestamp             int64  `json:"timestamp"`
	SettingsUpdated       bool   `json:"settingsUpdated,omitempty"`
	IntegrationInProgress bool   `json:"integrationInProgress,omitempty"`
}

// errorBody is the backend's explicit failure payload.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ErrorKind classifies a request error.
type ErrorKind int

const (
	// KindNetwork is a transient transport-level failure. The backend may
	// still complete the turn out of band.
	KindNetwork ErrorKind = iota
	// KindBusiness is an explicit backend failure; the turn is over.
	KindBusiness
)

// RequestError is a typed chat request failure.
type RequestError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *RequestError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "chat request failed"
}

func (e *RequestError) Unwrap() error { return e.Err }

// IsNetworkError reports whether err is a transport-level chat failure.
func IsNetworkError(err error) bool {
	re, ok := err.(*RequestError)
	return ok && re.Kind == KindNetwork
}

// ClientConfig configures the chat client.
type ClientConfig struct {
	// BaseURL is the inference endpoint base, e.g. https://api.example.com.
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	// ChatPath is the chat endpoint path.
	ChatPath string `mapstructure:"chat_path" yaml:"chat_path"`
	// CancelPath is the cancel endpoint path; the backend request ID is
	// appended.
	CancelPath string `mapstructure:"cancel_path" yaml:"cancel_path"`
	// AuthToken is sent as a bearer token when non-empty.
	AuthToken string `mapstructure:"auth_token" yaml:"auth_token,omitempty"`
	// ConnectTimeout bounds connection establishment. The chat call itself
	// carries no overall deadline: completion is tracked via status polling
	// and the backend's own timeout, so a slow response is not an error.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	// CancelTimeout bounds the cancel call, which must return promptly.
	CancelTimeout time.Duration `mapstructure:"cancel_timeout" yaml:"cancel_timeout"`
}

// DefaultClientConfig returns production defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		BaseURL:        "http://127.0.0.1:8990",
		ChatPath:       "/v1/chat",
		CancelPath:     "/v1/chat/cancel",
		ConnectTimeout: 30 * time.Second,
		CancelTimeout:  10 * time.Second,
	}
}

// Client talks to the inference endpoint.
type Client struct {
	config     ClientConfig
	httpClient *http.Client
}

// NewClient creates a chat client with the given configuration.
func NewClient(config ClientConfig) *Client {
	if config.BaseURL == "" {
		config = DefaultClientConfig()
	}
	if config.ChatPath == "" {
		config.ChatPath = "/v1/chat"
	}
	if config.CancelPath == "" {
		config.CancelPath = "/v1/chat/cancel"
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 30 * time.Second
	}
	if config.CancelTimeout <= 0 {
		config.CancelTimeout = 10 * time.Second
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: config.ConnectTimeout,
		}).DialContext,
		ResponseHeaderTimeout: 0, // no first-byte deadline; see ConnectTimeout doc
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Transport: transport,
		},
	}
}

// SendChat posts the chat request and blocks until the backend resolves it.
// Transport failures and unreachable-gateway statuses return a KindNetwork
// error; an explicit backend failure returns KindBusiness.
func (c *Client) SendChat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &RequestError{Kind: KindBusiness, Message: "chat client: encode request", Err: err}
	}

	url := c.config.BaseURL + c.config.ChatPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &RequestError{Kind: KindBusiness, Message: "chat client: build request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.config.AuthToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.AuthToken)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		log.Debug().Err(err).Msg("[ChatClient] transport error on chat call")
		return nil, &RequestError{Kind: KindNetwork, Message: "chat client: request failed", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var chatResp ChatResponse
		if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
			return nil, &RequestError{Kind: KindNetwork, Message: "chat client: decode response", Err: err}
		}
		return &chatResp, nil

	case resp.StatusCode == http.StatusBadGateway,
		resp.StatusCode == http.StatusServiceUnavailable,
		resp.StatusCode == http.StatusGatewayTimeout:
		// The gateway, not the backend, answered: treat as transport-level.
		return nil, &RequestError{
			Kind:    KindNetwork,
			Message: fmt.Sprintf("chat client: gateway status %d", resp.StatusCode),
		}

	default:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var eb errorBody
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &eb) == nil {
			if eb.Message != "" {
				msg = eb.Message
			} else if eb.Error != "" {
				msg = eb.Error
			}
		}
		if msg == "" {
			msg = fmt.Sprintf("chat request failed with status %d", resp.StatusCode)
		}
		return nil, &RequestError{Kind: KindBusiness, Message: msg}
	}
}

// Cancel signals the backend to abort the request identified by its own
// request ID. Cancellation is best-effort and not a user-visible error.
func (c *Client) Cancel(ctx context.Context, backendRequestID string) error {
	if backendRequestID == "" {
		return fmt.Errorf("chat client: cancel requires a backend request id")
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.CancelTimeout)
	defer cancel()

	url := c.config.BaseURL + c.config.CancelPath + "/" + backendRequestID
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return fmt.Errorf("chat client: build cancel request: %w", err)
	}
	if c.config.AuthToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.AuthToken)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("chat client: cancel request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("chat client: cancel returned status %d", resp.StatusCode)
	}

	log.Debug().Str("backend_request_id", backendRequestID).Msg("[ChatClient] cancel acknowledged")
	return nil
}
