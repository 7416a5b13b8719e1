package device

import (
	"context"
	"sync"
	"time"

	"github.com/rbright/sotto-core/internal/resample"
)

const (
	fakeTickInterval = 100 * time.Millisecond
	fakeNativeRate   = 32000
	fakeChannels     = 2
)

// Fake is a deterministic backend for tests: it simulates a 32kHz stereo
// device on a 100ms timer, running each tick through the real
// internal/resample pipeline to produce normalized 16kHz mono frames —
// exactly the shape a real backend delivers to Callback. Grounded on
// original_source's FakeAudioDevice (init/start/stop idempotency, 100ms
// tick, fixed-size dummy frame).
type Fake struct {
	mu      sync.Mutex
	state   State
	events  chan<- Event
	stopCh  chan struct{}
	done    chan struct{}
	devices []Info
}

// NewFake constructs an idle fake adapter advertising a single device.
func NewFake() *Fake {
	return &Fake{
		state: Idle,
		devices: []Info{
			{ID: "fake-0", Name: "Fake Capture Device", SampleRate: fakeNativeRate, Channels: fakeChannels},
		},
	}
}

func (f *Fake) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Fake) WireEventChannel(sender chan<- Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = sender
}

func (f *Fake) Enumerate(_ context.Context) ([]Info, error) {
	out := make([]Info, len(f.devices))
	copy(out, f.devices)
	return out, nil
}

func (f *Fake) CheckPermission(_ context.Context) error {
	return nil
}

// EmitDeviceGone lets a test force a DeviceGone event without waiting for
// a real disconnect.
func (f *Fake) EmitDeviceGone(deviceID string) {
	f.mu.Lock()
	events := f.events
	f.mu.Unlock()
	if events != nil {
		events <- Event{Kind: EventDeviceGone, DeviceID: deviceID}
	}
}

func (f *Fake) StartWithCallback(ctx context.Context, deviceID string, cb Callback) error {
	f.mu.Lock()
	if f.state == Running {
		f.mu.Unlock()
		return ErrAlreadyRunning
	}
	if deviceID != "" && deviceID != f.devices[0].ID {
		f.mu.Unlock()
		return ErrInvalidDevice
	}
	f.state = Running
	f.stopCh = make(chan struct{})
	f.done = make(chan struct{})
	stopCh := f.stopCh
	done := f.done
	f.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(fakeTickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				frame, err := f.generateDummyData()
				if err != nil {
					continue
				}
				cb(frame)
			}
		}
	}()

	return nil
}

func (f *Fake) Stop() error {
	f.mu.Lock()
	if f.state != Running {
		f.mu.Unlock()
		return nil
	}
	f.state = Idle
	close(f.stopCh)
	done := f.done
	f.mu.Unlock()

	if done != nil {
		<-done
	}
	return nil
}

// generateDummyData synthesizes one tick of 32kHz stereo audio and
// normalizes it to 16 bytes of 16kHz mono PCM via internal/resample.
func (f *Fake) generateDummyData() ([]byte, error) {
	const stereoFrames = 16 // -> 16 mono samples -> 8 downsampled (k=2) -> 16 bytes
	interleaved := make([]float32, stereoFrames*fakeChannels)
	for i := 0; i < stereoFrames; i++ {
		v := float32(0.25)
		if i%2 == 1 {
			v = -0.25
		}
		interleaved[i*fakeChannels] = v
		interleaved[i*fakeChannels+1] = v
	}
	return resample.Normalize(interleaved, fakeNativeRate, fakeChannels)
}
