package nativebridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// engineServer is a fake native engine over a real WebSocket.
type engineServer struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader
	conns    chan *websocket.Conn
	received chan envelope
}

func newEngineServer(t *testing.T) *engineServer {
	t.Helper()
	es := &engineServer{
		t:        t,
		conns:    make(chan *websocket.Conn, 1),
		received: make(chan envelope, 16),
	}
	es.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := es.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		es.conns <- conn
		for {
			var env envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			es.received <- env
		}
	}))
	t.Cleanup(es.server.Close)
	return es
}

func (es *engineServer) url() string {
	return "ws" + strings.TrimPrefix(es.server.URL, "http")
}

func (es *engineServer) sendToClient(t *testing.T, env envelope) {
	t.Helper()
	select {
	case conn := <-es.conns:
		es.conns <- conn
		payload, err := json.Marshal(env)
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))
	case <-time.After(2 * time.Second):
		t.Fatal("no client connection")
	}
}

func (es *engineServer) nextReceived(t *testing.T) envelope {
	t.Helper()
	select {
	case env := <-es.received:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("server never received a frame")
		return envelope{}
	}
}

func connectedClient(t *testing.T, es *engineServer) *Client {
	t.Helper()
	client := NewClient(ClientConfig{
		Endpoint:      es.url(),
		ReconnectWait: 10 * time.Millisecond,
		MaxReconnects: 1,
		PingInterval:  time.Minute,
	})
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { client.Close() })
	return client
}

func TestBridgeTranscriptCallback(t *testing.T) {
	es := newEngineServer(t)
	client := connectedClient(t, es)

	got := make(chan [2]string, 1)
	client.OnTranscript = func(text, requestID string) {
		got <- [2]string{text, requestID}
	}

	es.sendToClient(t, envelope{Type: msgTranscript, Text: "turn on the lights", RequestID: "native-1"})

	select {
	case pair := <-got:
		assert.Equal(t, "turn on the lights", pair[0])
		assert.Equal(t, "native-1", pair[1])
	case <-time.After(2 * time.Second):
		t.Fatal("transcript callback never fired")
	}
}

func TestBridgeStateDecodedOnce(t *testing.T) {
	es := newEngineServer(t)
	client := connectedClient(t, es)

	states := make(chan EngineState, 1)
	client.OnStateChange = func(state EngineState) { states <- state }

	es.sendToClient(t, envelope{Type: msgState, State: "processing:native-9"})

	select {
	case state := <-states:
		assert.Equal(t, StateProcessing, state.Kind)
		assert.Equal(t, "native-9", state.RequestID)
	case <-time.After(2 * time.Second):
		t.Fatal("state callback never fired")
	}
	assert.Equal(t, StateProcessing, client.LastState().Kind)
}

func TestBridgeEngineErrorCallback(t *testing.T) {
	es := newEngineServer(t)
	client := connectedClient(t, es)

	errs := make(chan error, 1)
	client.OnError = func(err error) { errs <- err }

	es.sendToClient(t, envelope{Type: msgError, Message: "microphone busy"})

	select {
	case err := <-errs:
		assert.Contains(t, err.Error(), "microphone busy")
	case <-time.After(2 * time.Second):
		t.Fatal("error callback never fired")
	}
}

func TestBridgeUnknownFrameIgnored(t *testing.T) {
	es := newEngineServer(t)
	client := connectedClient(t, es)

	states := make(chan EngineState, 1)
	client.OnStateChange = func(state EngineState) { states <- state }

	es.sendToClient(t, envelope{Type: "telemetry", Text: "ignored"})
	es.sendToClient(t, envelope{Type: msgState, State: "idle"})

	// Only the state frame produced a callback.
	select {
	case state := <-states:
		assert.Equal(t, StateIdle, state.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("state callback never fired")
	}
	assert.Empty(t, states)
}

func TestBridgeOutboundCommands(t *testing.T) {
	es := newEngineServer(t)
	client := connectedClient(t, es)

	require.NoError(t, client.StartListening())
	assert.Equal(t, cmdStartListening, es.nextReceived(t).Type)

	require.NoError(t, client.StopListening())
	assert.Equal(t, cmdStopListening, es.nextReceived(t).Type)

	assert.True(t, client.DeliverResponse("native-1", "spoken text"))
	env := es.nextReceived(t)
	assert.Equal(t, cmdHandleResponse, env.Type)
	assert.Equal(t, "native-1", env.RequestID)
	assert.Equal(t, "spoken text", env.Text)

	require.NoError(t, client.CancelRequest("native-1"))
	env = es.nextReceived(t)
	assert.Equal(t, cmdCancelRequest, env.Type)
	assert.Equal(t, "native-1", env.RequestID)

	require.NoError(t, client.ClearState("native-1"))
	env = es.nextReceived(t)
	assert.Equal(t, cmdClearNativeState, env.Type)
}

func TestBridgeSendWhenDisconnected(t *testing.T) {
	client := NewClient(DefaultClientConfig())

	assert.Error(t, client.StartListening())
	assert.False(t, client.DeliverResponse("native-1", "text"))
}

func TestBridgeConnectTwice(t *testing.T) {
	es := newEngineServer(t)
	client := connectedClient(t, es)

	assert.Error(t, client.Connect(context.Background()))
}

func TestBridgeCloseIdempotent(t *testing.T) {
	es := newEngineServer(t)
	client := connectedClient(t, es)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
	assert.False(t, client.IsConnected())
}
