// Package device presents a uniform capability set over the OS audio
// capture backend: enumerate, permission check, a single-consumer device
// event channel, and a non-blocking capture callback. Two variants are
// provided: a real PulseAudio backend and a Fake for deterministic tests.
package device

import (
	"context"
	"fmt"

	"github.com/rbright/sotto-core/internal/coreerr"
)

// Info describes one enumerable capture device.
type Info struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	IsLoopback bool   `json:"is_loopback"`
}

// State is the adapter's run state.
type State string

const (
	Idle    State = "idle"
	Running State = "running"
)

// EventKind tags the DeviceEvent sum type.
type EventKind string

const (
	EventStreamError EventKind = "stream_error"
	EventStalled     EventKind = "stalled"
	EventDeviceGone  EventKind = "device_gone"
)

// Event is the DeviceEvent sum: exactly one of Message/ElapsedMs/DeviceID
// is meaningful, selected by Kind. Produced by the adapter, consumed
// exactly once by SessionController.
type Event struct {
	Kind      EventKind
	Message   string
	ElapsedMs int64
	DeviceID  string
}

// Callback receives pre-normalized 16kHz mono 16-bit little-endian PCM
// frames. It MUST be non-blocking (a few microseconds) — it runs on the
// capture backend's real-time thread.
type Callback func(frame []byte)

// Adapter is the capability set every backend variant implements.
type Adapter interface {
	Enumerate(ctx context.Context) ([]Info, error)
	CheckPermission(ctx context.Context) error
	WireEventChannel(sender chan<- Event)
	StartWithCallback(ctx context.Context, deviceID string, cb Callback) error
	Stop() error
	State() State
}

// UnsupportedSampleRateError reports that the adapter cannot start because
// the device's native rate has no integer downsample ratio to 16kHz.
type UnsupportedSampleRateError struct {
	Rate  int
	Ratio float64
}

func (e *UnsupportedSampleRateError) Error() string {
	return fmt.Sprintf("device: unsupported sample rate %d (ratio %.4f)", e.Rate, e.Ratio)
}

// ErrAlreadyRunning is returned by StartWithCallback when capture is
// already running; StartWithCallback is otherwise idempotent-tolerant at
// the SessionController layer, not here.
var ErrAlreadyRunning = coreerr.New(coreerr.Resource, "device: capture already running")

// ErrInvalidDevice is returned when deviceID does not resolve to an
// enumerable device.
var ErrInvalidDevice = coreerr.New(coreerr.Configuration, "device: invalid device id")

// ErrPermissionDenied is returned by CheckPermission when the host OS has
// not granted microphone access.
var ErrPermissionDenied = coreerr.New(coreerr.Permission, "device: permission denied")
