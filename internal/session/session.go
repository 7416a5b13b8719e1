// Package session owns the per-process recording session lifecycle: it
// wires DeviceAdapter capture through the RingBuffer into the sidecar's
// AudioSink, and routes the sidecar's EventStream out to the UI, the
// websocket fan-out, and the transcript journal.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/rbright/sotto-core/internal/coreerr"
	"github.com/rbright/sotto-core/internal/device"
	"github.com/rbright/sotto-core/internal/protocol"
	"github.com/rbright/sotto-core/internal/reconnect"
	"github.com/rbright/sotto-core/internal/ring"
	"github.com/rbright/sotto-core/internal/sidecar"
	"github.com/rbright/sotto-core/internal/storage"
)

// State is the session lifecycle state.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
)

// Batching policy (spec §4.5): accumulate until >=125ms of audio is
// available, flush at least every 250ms regardless, bound each batch
// send with a 10s write timeout (no retry on timeout).
const (
	batchMinDuration = 125 * time.Millisecond
	batchMaxInterval = 250 * time.Millisecond
	writerTimeout    = 10 * time.Second
	ringPollInterval = 20 * time.Millisecond

	bytesPerMillisecond = ring.SampleRateHz * ring.BytesPerSample / 1000
	batchMinBytes       = int(batchMinDuration/time.Millisecond) * bytesPerMillisecond
)

// ErrAlreadyIdle reports that no session is running. Stop does not return
// it: Stop is idempotent and returns nil when the controller is idle.
var ErrAlreadyIdle = coreerr.New(coreerr.Configuration, "session: no active session")

// EventSink receives every routed sidecar message for external fan-out
// (the websocket hub in internal/wsfanout). Publish errors are logged and
// otherwise ignored — a slow or disconnected websocket client must never
// back-pressure the session.
type EventSink interface {
	Publish(protocol.Message) error
}

// TranscriptMeta carries the optional passthrough fields spec.md §4.5
// requires partial/final events preserve unchanged.
type TranscriptMeta struct {
	Confidence       *float64
	Language         *string
	ProcessingTimeMs *int64
}

// UIEmitter is the session-facing subset of UI behavior: transcript text,
// control events (speech_start/end, model_change, ...), and warnings.
type UIEmitter interface {
	Transcript(text string, isPartial bool, meta TranscriptMeta)
	Control(eventType string, data json.RawMessage)
	Warn(message string)
}

// noopUI discards everything; used when no UI is wired.
type noopUI struct{}

func (noopUI) Transcript(string, bool, TranscriptMeta) {}
func (noopUI) Control(string, json.RawMessage)         {}
func (noopUI) Warn(string)                             {}

// SpawnSidecar starts a fresh transcription sidecar process for a session.
type SpawnSidecar func(ctx context.Context) (*sidecar.Sidecar, error)

// Controller owns session lifecycle and the drain+send / event-dispatch
// tasks for the currently active session, if any.
type Controller struct {
	logger       *slog.Logger
	adapter      device.Adapter
	storage      *storage.Service
	spawnSidecar SpawnSidecar
	reconnect    *reconnect.Supervisor
	ui           UIEmitter
	eventSink    EventSink

	mu        sync.Mutex
	state     State
	deviceID  string
	sessionID string
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	startedAt        time.Time
	sessionDir       string
	sidecar          *sidecar.Sidecar
	audioWriter      *storage.AudioWriter
	transcriptWriter *storage.TranscriptWriter
	segments         uint64
	characters       uint64
}

// New constructs a session Controller. ui and eventSink may be nil.
func New(
	logger *slog.Logger,
	adapter device.Adapter,
	store *storage.Service,
	spawnSidecar SpawnSidecar,
	sup *reconnect.Supervisor,
	ui UIEmitter,
	eventSink EventSink,
) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if ui == nil {
		ui = noopUI{}
	}
	return &Controller{
		logger:       logger,
		adapter:      adapter,
		storage:      store,
		spawnSidecar: spawnSidecar,
		reconnect:    sup,
		ui:           ui,
		eventSink:    eventSink,
		state:        StateIdle,
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsRunning reports whether a session is active. Used by
// internal/reconnect as the IsUserRecording probe.
func (c *Controller) IsRunning() bool {
	return c.State() == StateRunning
}

// SessionDir returns the active session's storage directory, or "" when
// idle.
func (c *Controller) SessionDir() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionDir
}

// Start validates the device, gates disk space, spawns the sidecar, and
// wires capture -> ring -> sidecar plus the event-dispatch task.
// Idempotent: calling Start while already running is a no-op success, so
// reconnection races never surface a spurious error.
func (c *Controller) Start(ctx context.Context, deviceID string) error {
	c.mu.Lock()
	if c.state == StateRunning {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.adapter.CheckPermission(ctx); err != nil {
		return err
	}

	storageSession, err := c.storage.BeginSession()
	if err != nil {
		return err
	}
	if storageSession.NeedsDiskWarning() {
		c.ui.Warn("disk space is low; recording may stop early")
	}

	audioWriter, err := storageSession.AudioWriter()
	if err != nil {
		return err
	}
	transcriptWriter, err := storageSession.TranscriptWriter()
	if err != nil {
		audioWriter.Close()
		return err
	}

	sc, err := c.spawnSidecar(ctx)
	if err != nil {
		transcriptWriter.Close()
		audioWriter.Close()
		return err
	}

	sessionCtx, cancel := context.WithCancel(context.Background())

	rb := ring.New()
	deviceEvents := make(chan device.Event, 8)
	c.adapter.WireEventChannel(deviceEvents)

	cb := func(frame []byte) {
		rb.TryPushDropOldest(frame)
	}
	if err := c.adapter.StartWithCallback(sessionCtx, deviceID, cb); err != nil {
		cancel()
		sc.Shutdown(context.Background())
		transcriptWriter.Close()
		audioWriter.Close()
		return err
	}

	c.mu.Lock()
	c.state = StateRunning
	c.deviceID = deviceID
	c.sessionID = storageSession.ID
	c.cancel = cancel
	c.startedAt = time.Now()
	c.sessionDir = storageSession.Dir
	c.sidecar = sc
	c.audioWriter = audioWriter
	c.transcriptWriter = transcriptWriter
	c.segments = 0
	c.characters = 0
	c.mu.Unlock()

	c.wg.Add(3)
	go c.drainLoop(sessionCtx, rb, sc.Sink, audioWriter)
	go c.dispatchLoop(sessionCtx, sc.Events)
	go c.watchDeviceEvents(sessionCtx, deviceEvents, deviceID)

	return nil
}

// Stop cancels the active session's tasks, stops capture, flushes and
// closes storage, and returns to Idle. Idempotent.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return nil
	}
	cancel := c.cancel
	sessionID := c.sessionID
	deviceID := c.deviceID
	startedAt := c.startedAt
	segments := c.segments
	characters := c.characters
	audioWriter := c.audioWriter
	transcriptWriter := c.transcriptWriter
	sc := c.sidecar
	c.mu.Unlock()

	cancel()
	_ = c.adapter.Stop()
	c.wg.Wait()

	if sc != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), writerTimeout)
		if err := sc.Shutdown(shutdownCtx); err != nil {
			c.logger.Warn("sidecar shutdown failed", "err", err)
		}
		shutdownCancel()
	}

	if audioWriter != nil {
		audioWriter.Close()
	}
	if transcriptWriter != nil {
		transcriptWriter.Close()
	}

	if c.storage != nil && sessionID != "" {
		now := time.Now()
		_ = c.storage.SaveMetadata(storage.Metadata{
			SessionID:       sessionID,
			StartTime:       startedAt.UTC().Format(time.RFC3339),
			EndTime:         now.UTC().Format(time.RFC3339),
			DurationSeconds: uint64(now.Sub(startedAt).Seconds()),
			AudioDevice:     deviceID,
			TotalSegments:   segments,
			TotalCharacters: characters,
		})
	}

	c.mu.Lock()
	c.state = StateIdle
	c.deviceID = ""
	c.sessionID = ""
	c.cancel = nil
	c.sessionDir = ""
	c.sidecar = nil
	c.audioWriter = nil
	c.transcriptWriter = nil
	c.mu.Unlock()

	return nil
}

// teardown is Stop's internal-trigger equivalent, used when the device
// disappears mid-session rather than on an explicit user Stop call.
func (c *Controller) teardown() {
	_ = c.Stop()
}

// drainLoop reads the ring buffer, batches to the policy thresholds, hands
// batches to the sidecar's AudioSink, and persists the same bytes to the
// session's WAV file.
func (c *Controller) drainLoop(ctx context.Context, rb *ring.Buffer, sink *sidecar.AudioSink, audio *storage.AudioWriter) {
	defer c.wg.Done()

	pollTicker := time.NewTicker(ringPollInterval)
	defer pollTicker.Stop()
	flushTicker := time.NewTicker(batchMaxInterval)
	defer flushTicker.Stop()

	buf := make([]byte, 0, batchMinBytes*2)
	scratch := make([]byte, 4096)

	flush := func() {
		if len(buf) == 0 {
			return
		}
		batch := append([]byte(nil), buf...)

		if err := audio.WriteFrame(batch); err != nil {
			c.logger.Warn("audio file write failed", "err", err)
		}

		sendCtx, cancel := context.WithTimeout(context.Background(), writerTimeout)
		if err := sink.SendFrame(sendCtx, batch); err != nil {
			c.logger.Warn("audio batch send failed", "err", err)
		}
		cancel()
		buf = buf[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-flushTicker.C:
			flush()
		case <-pollTicker.C:
			for {
				n := rb.Pop(scratch)
				if n == 0 {
					break
				}
				buf = append(buf, scratch[:n]...)
			}
			if len(buf) >= batchMinBytes {
				flush()
			}
		}
	}
}

// textPayload is the partial_text/final_text event.Data shape.
type textPayload struct {
	Text             string   `json:"text"`
	Confidence       *float64 `json:"confidence,omitempty"`
	Language         *string  `json:"language,omitempty"`
	ProcessingTimeMs *int64   `json:"processing_time_ms,omitempty"`
}

// modelChangePayload is the model_change event.Data shape.
type modelChangePayload struct {
	Model string `json:"model"`
}

// dispatchLoop reads the sidecar's EventStream and routes each message per
// the table in spec.md §4.5.
func (c *Controller) dispatchLoop(ctx context.Context, events *sidecar.EventStream) {
	defer c.wg.Done()

	for {
		msg, err := events.Recv(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("sidecar event stream ended", "err", err)
			}
			return
		}
		c.routeEvent(msg)
	}
}

func (c *Controller) routeEvent(msg protocol.Message) {
	if msg.Type == protocol.TypeError {
		c.ui.Warn(msg.ErrorMessage)
		c.publish(msg)
		return
	}
	if msg.Type != protocol.TypeEvent {
		return
	}

	switch msg.EventType {
	case protocol.EventSpeechStart, protocol.EventSpeechEnd, protocol.EventNoSpeech:
		c.ui.Control(msg.EventType, msg.Data)
	case protocol.EventPartialText:
		c.handleText(msg, false)
	case protocol.EventFinalText:
		c.handleText(msg, true)
	case protocol.EventModelChange:
		c.handleModelChange(msg)
	default:
		c.logger.Warn("unrecognized sidecar event", "event_type", msg.EventType)
	}
}

func (c *Controller) handleText(msg protocol.Message, final bool) {
	var payload textPayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		c.logger.Warn("malformed text event", "event_type", msg.EventType, "err", err)
		return
	}

	c.ui.Transcript(payload.Text, !final, TranscriptMeta{
		Confidence:       payload.Confidence,
		Language:         payload.Language,
		ProcessingTimeMs: payload.ProcessingTimeMs,
	})
	c.publish(msg)

	if !final {
		return
	}

	c.mu.Lock()
	writer := c.transcriptWriter
	startedAt := c.startedAt
	c.segments++
	c.characters += uint64(len([]rune(payload.Text)))
	c.mu.Unlock()

	if writer == nil {
		return
	}
	event := storage.TranscriptEvent{
		TimestampMs: uint64(time.Since(startedAt).Milliseconds()),
		Text:        payload.Text,
		IsFinal:     true,
	}
	if err := writer.Append(event); err != nil {
		c.logger.Warn("transcript journal append failed", "err", err)
	}
}

func (c *Controller) handleModelChange(msg protocol.Message) {
	var payload modelChangePayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil || payload.Model == "" {
		c.logger.Warn("malformed model_change event", "err", err)
		c.publish(protocol.Message{
			Type:         protocol.TypeError,
			Version:      protocol.DefaultVersion,
			ErrorCode:    "MODEL_CHANGE_MALFORMED",
			ErrorMessage: "malformed model_change payload",
			Recoverable:  true,
		})
		return
	}
	c.ui.Control(msg.EventType, msg.Data)
	c.publish(msg)
}

func (c *Controller) publish(msg protocol.Message) {
	if c.eventSink == nil {
		return
	}
	if err := c.eventSink.Publish(msg); err != nil {
		c.logger.Warn("event sink publish failed", "err", err)
	}
}

// watchDeviceEvents tears the session down and hands off to the
// reconnection supervisor on DeviceGone; other event kinds are logged.
func (c *Controller) watchDeviceEvents(ctx context.Context, events <-chan device.Event, deviceID string) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			switch evt.Kind {
			case device.EventDeviceGone:
				c.logger.Warn("capture device disappeared", "device_id", deviceID)
				go func() {
					c.teardown()
					if c.reconnect != nil {
						c.reconnect.StartJob(context.Background(), deviceID)
					}
				}()
				return
			case device.EventStreamError:
				c.logger.Warn("device stream error", "message", evt.Message)
			case device.EventStalled:
				c.logger.Warn("device stream stalled", "elapsed_ms", evt.ElapsedMs)
			}
		}
	}
}

// AttemptStart adapts Controller.Start to reconnect.AttemptStart: already
// running counts as success (permissive reconnection).
func (c *Controller) AttemptStart(ctx context.Context, deviceID string) error {
	return c.Start(ctx, deviceID)
}

func (s State) String() string { return string(s) }
