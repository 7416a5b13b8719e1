package wsfanout

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rbright/sotto-core/internal/protocol"
)

func dial(t *testing.T, port int) *websocket.Conn {
	t.Helper()
	url := fmt.Sprintf("ws://127.0.0.1:%d/", port)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readOne(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestStartBindsPortInDocumentedRange(t *testing.T) {
	hub := New(nil)
	port, err := hub.Start(context.Background())
	require.NoError(t, err)
	defer hub.Stop(context.Background())

	assert.GreaterOrEqual(t, port, portRangeStart)
	assert.LessOrEqual(t, port, portRangeEnd)
}

func TestStartIsIdempotentAndReturnsSamePort(t *testing.T) {
	hub := New(nil)
	port1, err := hub.Start(context.Background())
	require.NoError(t, err)
	defer hub.Stop(context.Background())

	port2, err := hub.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, port1, port2)
}

func TestTwoHubsFallBackToDistinctPorts(t *testing.T) {
	hub1 := New(nil)
	port1, err := hub1.Start(context.Background())
	require.NoError(t, err)
	defer hub1.Stop(context.Background())

	hub2 := New(nil)
	port2, err := hub2.Start(context.Background())
	require.NoError(t, err)
	defer hub2.Stop(context.Background())

	assert.NotEqual(t, port1, port2)
}

func TestRestartAfterStopSucceeds(t *testing.T) {
	hub := New(nil)
	port1, err := hub.Start(context.Background())
	require.NoError(t, err)
	require.NoError(t, hub.Stop(context.Background()))

	port2, err := hub.Start(context.Background())
	require.NoError(t, err)
	defer hub.Stop(context.Background())

	assert.GreaterOrEqual(t, port1, portRangeStart)
	assert.GreaterOrEqual(t, port2, portRangeStart)
}

func TestClientReceivesConnectedGreetingWithSessionID(t *testing.T) {
	hub := New(nil)
	hub.SetSession("session-abc")
	port, err := hub.Start(context.Background())
	require.NoError(t, err)
	defer hub.Stop(context.Background())

	conn := dial(t, port)
	msg := readOne(t, conn)

	assert.Equal(t, TypeConnected, msg.Type)
	assert.Equal(t, "session-abc", msg.SessionID)
	assert.NotEmpty(t, msg.MessageID)
}

func TestBroadcastReachesAllConnectedClients(t *testing.T) {
	hub := New(nil)
	port, err := hub.Start(context.Background())
	require.NoError(t, err)
	defer hub.Stop(context.Background())

	conn1 := dial(t, port)
	conn2 := dial(t, port)
	readOne(t, conn1) // connected greeting
	readOne(t, conn2)

	require.NoError(t, hub.Broadcast(Message{Type: TypeTranscription, Text: "hello world"}))

	msg1 := readOne(t, conn1)
	msg2 := readOne(t, conn2)
	assert.Equal(t, "hello world", msg1.Text)
	assert.Equal(t, "hello world", msg2.Text)
}

func TestPublishTranslatesFinalTextToTranscription(t *testing.T) {
	hub := New(nil)
	port, err := hub.Start(context.Background())
	require.NoError(t, err)
	defer hub.Stop(context.Background())

	conn := dial(t, port)
	readOne(t, conn) // connected greeting

	confidence := 0.92
	lang := "en"
	data, err := json.Marshal(struct {
		Text       string   `json:"text"`
		Confidence *float64 `json:"confidence,omitempty"`
		Language   *string  `json:"language,omitempty"`
	}{Text: "hello world", Confidence: &confidence, Language: &lang})
	require.NoError(t, err)

	require.NoError(t, hub.Publish(protocol.Message{
		Type:      protocol.TypeEvent,
		EventType: protocol.EventFinalText,
		Data:      data,
	}))

	msg := readOne(t, conn)
	assert.Equal(t, TypeTranscription, msg.Type)
	assert.Equal(t, "hello world", msg.Text)
	require.NotNil(t, msg.IsPartial)
	assert.False(t, *msg.IsPartial)
	require.NotNil(t, msg.Confidence)
	assert.InDelta(t, 0.92, *msg.Confidence, 1e-9)
	require.NotNil(t, msg.Language)
	assert.Equal(t, "en", *msg.Language)
}

func TestPublishTranslatesErrorMessage(t *testing.T) {
	hub := New(nil)
	port, err := hub.Start(context.Background())
	require.NoError(t, err)
	defer hub.Stop(context.Background())

	conn := dial(t, port)
	readOne(t, conn)

	require.NoError(t, hub.Publish(protocol.Message{
		Type:         protocol.TypeError,
		ErrorMessage: "sidecar crashed",
	}))

	msg := readOne(t, conn)
	assert.Equal(t, TypeError, msg.Type)
	assert.Equal(t, "sidecar crashed", msg.ErrorMessage)
}

func TestPublishTranslatesModelChangeToControl(t *testing.T) {
	hub := New(nil)
	port, err := hub.Start(context.Background())
	require.NoError(t, err)
	defer hub.Stop(context.Background())

	conn := dial(t, port)
	readOne(t, conn)

	require.NoError(t, hub.Publish(protocol.Message{
		Type:      protocol.TypeEvent,
		EventType: protocol.EventModelChange,
		Data:      []byte(`{"model":"medium"}`),
	}))

	msg := readOne(t, conn)
	assert.Equal(t, TypeControl, msg.Type)
	assert.Equal(t, protocol.EventModelChange, msg.EventType)
}

func TestStopClosesClientConnections(t *testing.T) {
	hub := New(nil)
	port, err := hub.Start(context.Background())
	require.NoError(t, err)

	conn := dial(t, port)
	readOne(t, conn)

	require.NoError(t, hub.Stop(context.Background()))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}
