// Package sidecar owns a child transcription process that speaks
// line-delimited JSON on stdin/stdout: a writer task with exclusive stdin
// ownership, a reader task with exclusive stdout ownership, and a
// broadcast event bus with slow-consumer lag tolerance. No mutex spans
// both a read and a write to the child — ADR-013's full-duplex IPC design.
package sidecar

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/rbright/sotto-core/internal/coreerr"
	"github.com/rbright/sotto-core/internal/protocol"
)

// writerChannelCapacity is 5s at 100 frames/sec, per spec.md §4.4.
const writerChannelCapacity = 500

// eventBusCapacity is the per-subscriber buffer; a subscriber slower than
// this lags and is resynchronized by dropping its oldest buffered event.
const eventBusCapacity = 100

// State is the sidecar process lifecycle.
type State string

const (
	Spawning     State = "spawning"
	WaitingReady State = "waiting_ready"
	Ready        State = "ready"
	ShuttingDown State = "shutting_down"
	Exited       State = "exited"
)

// Cmd configures the child process to spawn.
type Cmd struct {
	Program string
	Args    []string
}

// ErrBackpressure is returned by AudioSink.TrySendFrame when the writer's
// bounded channel is full.
var ErrBackpressure = coreerr.New(coreerr.Resource, "sidecar: writer backpressure, frame dropped")

// ErrChannelClosed is returned once the writer or reader task has exited.
var ErrChannelClosed = coreerr.New(coreerr.SidecarFailure, "sidecar: channel closed")

// AudioSink is the façade over the writer task's bounded channel.
type AudioSink struct {
	tx       chan []byte
	counter  uint64
	counterMu sync.Mutex
}

// SendFrame blocks until the frame is accepted or ctx is cancelled.
func (s *AudioSink) SendFrame(ctx context.Context, frame []byte) error {
	select {
	case s.tx <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySendFrame returns ErrBackpressure rather than blocking when the
// channel is full.
func (s *AudioSink) TrySendFrame(frame []byte) error {
	select {
	case s.tx <- frame:
		return nil
	default:
		return ErrBackpressure
	}
}

func (s *AudioSink) nextID() string {
	s.counterMu.Lock()
	defer s.counterMu.Unlock()
	id := s.counter
	s.counter++
	return fmt.Sprintf("frame-%d", id)
}

// EventStream is the façade over one subscription to the broadcast bus.
type EventStream struct {
	ch   chan protocol.Message
	bus  *bus
	id   int
}

// Recv awaits the next event, or returns ErrChannelClosed once the reader
// task has exited and this subscription has been closed.
func (e *EventStream) Recv(ctx context.Context) (protocol.Message, error) {
	select {
	case m, ok := <-e.ch:
		if !ok {
			return protocol.Message{}, ErrChannelClosed
		}
		return m, nil
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}
}

// TryRecv returns immediately: the next event, ErrChannelClosed, or a nil
// error/zero message pair when nothing is currently available.
func (e *EventStream) TryRecv() (protocol.Message, bool, error) {
	select {
	case m, ok := <-e.ch:
		if !ok {
			return protocol.Message{}, false, ErrChannelClosed
		}
		return m, true, nil
	default:
		return protocol.Message{}, false, nil
	}
}

// Close unsubscribes this EventStream from the bus.
func (e *EventStream) Close() {
	e.bus.unsubscribe(e.id)
}

// bus is a minimal broadcast: each subscriber owns a buffered channel;
// on overflow the publisher drops the subscriber's oldest buffered event
// rather than blocking, so a lagging consumer skips and resynchronizes
// instead of stalling the reader task.
type bus struct {
	mu      sync.Mutex
	nextID  int
	subs    map[int]chan protocol.Message
	closed  bool
}

func newBus() *bus {
	return &bus{subs: make(map[int]chan protocol.Message)}
}

func (b *bus) subscribe() *EventStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan protocol.Message, eventBusCapacity)
	if b.closed {
		close(ch)
	} else {
		b.subs[id] = ch
	}
	return &EventStream{ch: ch, bus: b, id: id}
}

func (b *bus) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

func (b *bus) publish(m protocol.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- m:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- m:
			default:
			}
		}
	}
}

func (b *bus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}

// Sidecar is the public facade: a running child process plus its sink and
// default event subscription.
type Sidecar struct {
	Sink   *AudioSink
	Events *EventStream

	mu    sync.Mutex
	state State
	cmd   *exec.Cmd
	bus   *bus
	log   *slog.Logger

	writerDone chan struct{}
	readerDone chan struct{}
	shutdownOnce sync.Once
}

// Spawn launches the child, takes exclusive ownership of its stdin and
// stdout, and starts the writer and reader tasks.
func Spawn(ctx context.Context, c Cmd, log *slog.Logger) (*Sidecar, error) {
	if log == nil {
		log = slog.Default()
	}

	cmd := exec.CommandContext(ctx, c.Program, c.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("sidecar: obtain stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("sidecar: obtain stdout pipe: %w", err)
	}

	sc := &Sidecar{
		state:      Spawning,
		cmd:        cmd,
		bus:        newBus(),
		log:        log,
		writerDone: make(chan struct{}),
		readerDone: make(chan struct{}),
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("sidecar: spawn failed: %w", err)
	}

	sc.mu.Lock()
	sc.state = WaitingReady
	sc.mu.Unlock()

	sink := sc.spawnWriter(stdin)
	events := sc.spawnReader(stdout)

	sc.Sink = sink
	sc.Events = events

	return sc, nil
}

// State returns the current lifecycle state.
func (s *Sidecar) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe creates an additional EventStream over the same broadcast.
func (s *Sidecar) Subscribe() *EventStream {
	return s.bus.subscribe()
}

func (s *Sidecar) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Sidecar) spawnWriter(stdin io.WriteCloser) *AudioSink {
	tx := make(chan []byte, writerChannelCapacity)
	sink := &AudioSink{tx: tx}

	go func() {
		defer close(s.writerDone)
		defer stdin.Close()

		w := bufio.NewWriter(stdin)
		for frame := range tx {
			params, _ := marshalAudioParams(frame)
			msg := protocol.Message{
				Type:    protocol.TypeRequest,
				ID:      sink.nextID(),
				Version: protocol.DefaultVersion,
				Method:  protocol.MethodProcessAudioStream,
				Params:  params,
			}
			line, err := protocol.Serialize(msg)
			if err != nil {
				s.log.Warn("sidecar: failed to serialize audio frame", "error", err)
				continue
			}
			if _, err := w.Write(line); err != nil {
				s.log.Warn("sidecar: writer task stopped", "error", err)
				return
			}
			if err := w.WriteByte('\n'); err != nil {
				s.log.Warn("sidecar: writer task stopped", "error", err)
				return
			}
			if err := w.Flush(); err != nil {
				s.log.Warn("sidecar: writer task stopped", "error", err)
				return
			}
		}
	}()

	return sink
}

func (s *Sidecar) spawnReader(stdout io.ReadCloser) *EventStream {
	events := s.bus.subscribe()

	go func() {
		defer close(s.readerDone)
		defer s.bus.close()
		defer s.setState(Exited)

		reader := bufio.NewReader(stdout)
		for {
			line, err := reader.ReadBytes('\n')
			if len(line) > 0 {
				s.handleLine(line)
			}
			if err != nil {
				if err != io.EOF {
					s.log.Warn("sidecar: reader task stopped", "error", err)
				} else {
					s.log.Info("sidecar stdout EOF")
				}
				return
			}
		}
	}()

	return events
}

func (s *Sidecar) handleLine(line []byte) {
	msg, err := protocol.Parse(line)
	if err != nil {
		s.log.Warn("sidecar: malformed message", "error", err)
		s.bus.publish(protocol.Message{
			Type:         protocol.TypeError,
			Version:      protocol.DefaultVersion,
			ErrorCode:    "VERSION_MALFORMED",
			ErrorMessage: err.Error(),
			Recoverable:  false,
		})
		return
	}

	class := protocol.ClassifyVersion(msg.Version, protocol.DefaultVersion)
	switch class {
	case protocol.Malformed:
		s.log.Warn("sidecar: malformed protocol version", "version", msg.Version)
		s.bus.publish(protocol.Message{
			Type:         protocol.TypeError,
			Version:      protocol.DefaultVersion,
			ErrorCode:    "VERSION_MALFORMED",
			ErrorMessage: "malformed version: " + msg.Version,
			Recoverable:  false,
		})
		s.kill()
		return
	case protocol.MajorMismatch:
		s.log.Warn("sidecar: major protocol version mismatch", "version", msg.Version)
		s.bus.publish(protocol.Message{
			Type:         protocol.TypeError,
			Version:      protocol.DefaultVersion,
			ErrorCode:    "VERSION_MAJOR_MISMATCH",
			ErrorMessage: "unsupported protocol major version: " + msg.Version,
			Recoverable:  false,
		})
		s.kill()
		return
	case protocol.MinorMismatch:
		s.log.Warn("sidecar: minor protocol version mismatch, continuing", "version", msg.Version)
	case protocol.PatchOnly:
		s.log.Info("sidecar: patch-level protocol version difference", "version", msg.Version)
	}

	if msg.Type == protocol.TypeEvent && msg.EventType == protocol.EventReady {
		s.setState(Ready)
	}
	if msg.Type == protocol.TypeError && !msg.Recoverable {
		// An unrecoverable error terminates the reader per spec.md §4.4:
		// killing the child closes its stdout, so the reader hits EOF.
		defer s.kill()
	}

	s.bus.publish(msg)
}

func (s *Sidecar) kill() {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

// Shutdown closes the sink, kills the child if still alive, and awaits
// both the writer and reader tasks. Idempotent.
func (s *Sidecar) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.setState(ShuttingDown)
		close(s.Sink.tx)
		s.kill()

		done := make(chan struct{})
		go func() {
			<-s.writerDone
			<-s.readerDone
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
		case <-time.After(10 * time.Second):
			err = fmt.Errorf("sidecar: shutdown timed out waiting for tasks")
		}

		s.mu.Lock()
		cmd := s.cmd
		s.mu.Unlock()
		if cmd != nil {
			_ = cmd.Wait()
		}
		s.setState(Exited)
	})
	return err
}

// audioParams mirrors the Python sidecar's expected process_audio_stream
// request shape: raw PCM bytes, alongside the fixed normalized sample rate
// and channel count. encoding/json marshals []byte as a base64 string, not
// a byte-value array; see DESIGN.md for why that deviation is deliberate.
type audioParams struct {
	AudioData []byte `json:"audio_data"`
	SampleRate int   `json:"sample_rate"`
	Channels   int   `json:"channels"`
}

func marshalAudioParams(frame []byte) ([]byte, error) {
	data := make([]byte, len(frame))
	copy(data, frame)
	return json.Marshal(audioParams{AudioData: data, SampleRate: 16000, Channels: 1})
}
