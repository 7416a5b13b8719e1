package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jfreymuth/pulse"
	pulseproto "github.com/jfreymuth/pulse/proto"
)

const stallThreshold = 2 * time.Second

// PulseAdapter is the real OS backend, built on github.com/jfreymuth/pulse.
// It generalizes the teacher's one-shot Capture into the long-lived
// Adapter capability set, adding a stall/disconnect monitor.
type PulseAdapter struct {
	mu      sync.Mutex
	state   State
	client  *pulse.Client
	stream  *pulse.RecordStream
	stopCh  chan struct{}
	events  chan<- Event
	lastCb  time.Time
	monDone chan struct{}
}

// NewPulseAdapter constructs an idle real-backend adapter.
func NewPulseAdapter() *PulseAdapter {
	return &PulseAdapter{state: Idle}
}

func (a *PulseAdapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *PulseAdapter) WireEventChannel(sender chan<- Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = sender
}

func (a *PulseAdapter) Enumerate(_ context.Context) ([]Info, error) {
	client, err := pulse.NewClient(
		pulse.ClientApplicationName("sotto-core"),
		pulse.ClientApplicationIconName("audio-input-microphone"),
	)
	if err != nil {
		return nil, fmt.Errorf("device: connect pulse server: %w", err)
	}
	defer client.Close()

	var sourceInfos pulseproto.GetSourceInfoListReply
	if err := client.RawRequest(&pulseproto.GetSourceInfoList{}, &sourceInfos); err != nil {
		return nil, fmt.Errorf("device: enumerate sources: %w", err)
	}

	infos := make([]Info, 0, len(sourceInfos))
	for _, source := range sourceInfos {
		if source == nil {
			continue
		}
		infos = append(infos, Info{
			ID:         source.SourceName,
			Name:       source.Device,
			SampleRate: int(source.SampleRate),
			Channels:   int(source.Channels),
			IsLoopback: source.Monitor != "",
		})
	}
	return infos, nil
}

func (a *PulseAdapter) CheckPermission(_ context.Context) error {
	client, err := pulse.NewClient()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	client.Close()
	return nil
}

func (a *PulseAdapter) StartWithCallback(ctx context.Context, deviceID string, cb Callback) error {
	a.mu.Lock()
	if a.state == Running {
		a.mu.Unlock()
		return ErrAlreadyRunning
	}

	client, err := pulse.NewClient(
		pulse.ClientApplicationName("sotto-core"),
		pulse.ClientApplicationIconName("audio-input-microphone"),
	)
	if err != nil {
		a.mu.Unlock()
		return fmt.Errorf("device: connect pulse server: %w", err)
	}

	source, err := client.SourceByID(deviceID)
	if err != nil {
		client.Close()
		a.mu.Unlock()
		return fmt.Errorf("%w: resolve %q: %v", ErrInvalidDevice, deviceID, err)
	}

	k, err := ratioFor(int(source.SampleRate()))
	if err != nil {
		client.Close()
		a.mu.Unlock()
		return err
	}
	_ = k

	a.stopCh = make(chan struct{})
	a.lastCb = time.Now()
	stopCh := a.stopCh

	writer := pulse.NewWriter(callbackWriter{adapter: a, cb: cb, stopCh: stopCh}, pulseproto.FormatInt16LE)
	stream, err := client.NewRecord(
		writer,
		pulse.RecordSource(source),
		pulse.RecordMono,
		pulse.RecordSampleRate(16000),
		pulse.RecordMediaName("sotto-core capture"),
	)
	if err != nil {
		client.Close()
		a.mu.Unlock()
		return fmt.Errorf("device: create record stream: %w", err)
	}

	a.client = client
	a.stream = stream
	a.state = Running
	a.monDone = make(chan struct{})
	events := a.events
	a.mu.Unlock()

	stream.Start()
	go a.monitorStalls(stopCh, a.monDone, events)

	go func() {
		<-ctx.Done()
		_ = a.Stop()
	}()

	return nil
}

func (a *PulseAdapter) Stop() error {
	a.mu.Lock()
	if a.state != Running {
		a.mu.Unlock()
		return nil
	}
	a.state = Idle
	close(a.stopCh)
	stream := a.stream
	client := a.client
	monDone := a.monDone
	a.stream = nil
	a.client = nil
	a.mu.Unlock()

	if stream != nil {
		stream.Stop()
		stream.Close()
	}
	if client != nil {
		client.Close()
	}
	if monDone != nil {
		<-monDone
	}
	return nil
}

func (a *PulseAdapter) touch() {
	a.mu.Lock()
	a.lastCb = time.Now()
	a.mu.Unlock()
}

func (a *PulseAdapter) monitorStalls(stopCh chan struct{}, done chan struct{}, events chan<- Event) {
	defer close(done)
	ticker := time.NewTicker(stallThreshold / 2)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			a.mu.Lock()
			elapsed := time.Since(a.lastCb)
			a.mu.Unlock()
			if elapsed >= stallThreshold && events != nil {
				select {
				case events <- Event{Kind: EventStalled, ElapsedMs: elapsed.Milliseconds()}:
				default:
				}
			}
		}
	}
}

// callbackWriter adapts Callback to io.Writer for pulse.NewWriter, while
// feeding the stall monitor's last-seen clock.
type callbackWriter struct {
	adapter *PulseAdapter
	cb      Callback
	stopCh  chan struct{}
}

func (w callbackWriter) Write(b []byte) (int, error) {
	select {
	case <-w.stopCh:
		return 0, nil
	default:
	}
	w.adapter.touch()
	frame := make([]byte, len(b))
	copy(frame, b)
	w.cb(frame)
	return len(b), nil
}

func ratioFor(nativeRate int) (int, error) {
	if nativeRate <= 0 || nativeRate%16000 != 0 {
		return 0, &UnsupportedSampleRateError{Rate: nativeRate, Ratio: float64(nativeRate) / 16000}
	}
	return nativeRate / 16000, nil
}
