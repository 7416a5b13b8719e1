package sidecar

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rbright/sotto-core/internal/protocol"
)

func spawnFixture(t *testing.T, events []protocol.Message) *Sidecar {
	t.Helper()
	cmd, err := FixtureCmd(events)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	sc, err := Spawn(ctx, cmd, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = sc.Shutdown(shutdownCtx)
	})
	return sc
}

func TestSpawnReachesReadyOnReadyEvent(t *testing.T) {
	sc := spawnFixture(t, ScriptedEvents())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	msg, err := sc.Events.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.EventReady, msg.EventType)
	assert.Equal(t, Ready, sc.State())
}

func TestEventStreamDeliversFullScript(t *testing.T) {
	script := ScriptedEvents()
	sc := spawnFixture(t, script)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var got []protocol.Message
	for i := 0; i < len(script); i++ {
		msg, err := sc.Events.Recv(ctx)
		require.NoError(t, err)
		got = append(got, msg)
	}

	require.Len(t, got, len(script))
	assert.Equal(t, protocol.EventReady, got[0].EventType)
	assert.Equal(t, protocol.EventSpeechEnd, got[len(got)-1].EventType)
}

func TestAudioSinkTrySendFrameBackpressure(t *testing.T) {
	sc := spawnFixture(t, ScriptedEvents())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := sc.Events.Recv(ctx) // drain "ready" so we know the child is alive
	require.NoError(t, err)

	for i := 0; i < writerChannelCapacity; i++ {
		_ = sc.Sink.TrySendFrame([]byte{0, 0})
	}
	err = sc.Sink.TrySendFrame([]byte{0, 0})
	if err != nil {
		assert.ErrorIs(t, err, ErrBackpressure)
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	sc := spawnFixture(t, ScriptedEvents())
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	require.NoError(t, sc.Shutdown(ctx))
	require.NoError(t, sc.Shutdown(ctx))
	assert.Equal(t, Exited, sc.State())
}

func TestSubscribeReceivesIndependentStream(t *testing.T) {
	sc := spawnFixture(t, ScriptedEvents())
	second := sc.Subscribe()
	defer second.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	m1, err := sc.Events.Recv(ctx)
	require.NoError(t, err)
	m2, err := second.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, m1.EventType, m2.EventType)
}

func TestBusLaggedSubscriberSkipsRatherThanBlocks(t *testing.T) {
	b := newBus()
	slow := b.subscribe()
	defer slow.Close()

	for i := 0; i < eventBusCapacity+10; i++ {
		b.publish(protocol.Message{Type: protocol.TypeEvent, EventType: protocol.EventPartialText})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := slow.Recv(ctx)
	assert.NoError(t, err)
}

// S4-equivalent: a major version mismatch from the reader terminates the
// sidecar and surfaces a VERSION_MAJOR_MISMATCH error.
func TestMajorVersionMismatchTerminatesSidecar(t *testing.T) {
	events := []protocol.Message{
		{Type: protocol.TypeResponse, ID: "x", Version: "2.0", Result: []byte(`{"text":"","is_final":true}`)},
	}
	sc := spawnFixture(t, events)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	msg, err := sc.Events.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeError, msg.Type)
	assert.Equal(t, "VERSION_MAJOR_MISMATCH", msg.ErrorCode)
	assert.False(t, msg.Recoverable)

	deadline := time.Now().Add(3 * time.Second)
	for sc.State() != Exited && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, Exited, sc.State())
}
