package ipc

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rbright/sotto-core/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeController struct {
	running   bool
	startErr  error
	stopErr   error
	lastStart string
}

func (f *fakeController) Start(_ context.Context, deviceID string) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.lastStart = deviceID
	f.running = true
	return nil
}

func (f *fakeController) Stop() error {
	if f.stopErr != nil {
		return f.stopErr
	}
	f.running = false
	return nil
}

func (f *fakeController) IsRunning() bool { return f.running }

type fakeReconnect struct {
	reconnecting bool
	cancelled    bool
}

func (f *fakeReconnect) IsReconnecting() bool { return f.reconnecting }
func (f *fakeReconnect) Cancel()              { f.cancelled = true; f.reconnecting = false }

func TestListAudioDevicesReturnsFakeAdapterDevices(t *testing.T) {
	d := NewDispatcher(nil, device.NewFake(), &fakeController{}, &fakeReconnect{})

	resp := d.Handle(context.Background(), Request{Command: "list_audio_devices"})
	require.True(t, resp.OK)

	var devices []device.Info
	require.NoError(t, json.Unmarshal(resp.Result, &devices))
	require.Len(t, devices, 1)
	assert.Equal(t, "fake-0", devices[0].ID)
}

func TestStartRecordingDecodesDeviceIDAndDelegatesToController(t *testing.T) {
	ctrl := &fakeController{}
	d := NewDispatcher(nil, device.NewFake(), ctrl, &fakeReconnect{})

	params, err := json.Marshal(startRecordingParams{DeviceID: "fake-0"})
	require.NoError(t, err)

	resp := d.Handle(context.Background(), Request{Command: "start_recording", Params: params})
	assert.True(t, resp.OK)
	assert.Equal(t, "Recording started", resp.Message)
	assert.Equal(t, "fake-0", ctrl.lastStart)
	assert.True(t, ctrl.running)
}

func TestStartRecordingSurfacesControllerError(t *testing.T) {
	ctrl := &fakeController{startErr: assert.AnError}
	d := NewDispatcher(nil, device.NewFake(), ctrl, &fakeReconnect{})

	resp := d.Handle(context.Background(), Request{Command: "start_recording"})
	assert.False(t, resp.OK)
	assert.NotEmpty(t, resp.Error)
}

func TestStopRecordingErrorsWhenNotRecording(t *testing.T) {
	ctrl := &fakeController{running: false}
	d := NewDispatcher(nil, device.NewFake(), ctrl, &fakeReconnect{})

	resp := d.Handle(context.Background(), Request{Command: "stop_recording"})
	assert.False(t, resp.OK)
	assert.Equal(t, "Not recording", resp.Error)
}

func TestStopRecordingSucceedsWhenRecording(t *testing.T) {
	ctrl := &fakeController{running: true}
	d := NewDispatcher(nil, device.NewFake(), ctrl, &fakeReconnect{})

	resp := d.Handle(context.Background(), Request{Command: "stop_recording"})
	assert.True(t, resp.OK)
	assert.Equal(t, "Recording stopped", resp.Message)
	assert.False(t, ctrl.running)
}

func TestCancelReconnectionSucceedsWhenIdle(t *testing.T) {
	sup := &fakeReconnect{reconnecting: false}
	d := NewDispatcher(nil, device.NewFake(), &fakeController{}, sup)

	resp := d.Handle(context.Background(), Request{Command: "cancel_reconnection"})
	assert.True(t, resp.OK)
	assert.Equal(t, "No reconnection in progress", resp.Message)
	assert.False(t, sup.cancelled)
}

func TestCancelReconnectionCancelsActiveJob(t *testing.T) {
	sup := &fakeReconnect{reconnecting: true}
	d := NewDispatcher(nil, device.NewFake(), &fakeController{}, sup)

	resp := d.Handle(context.Background(), Request{Command: "cancel_reconnection"})
	assert.True(t, resp.OK)
	assert.True(t, sup.cancelled)
}

func TestGetWhisperModelsReturnsRecommendation(t *testing.T) {
	d := NewDispatcher(nil, device.NewFake(), &fakeController{}, &fakeReconnect{})

	resp := d.Handle(context.Background(), Request{Command: "get_whisper_models"})
	require.True(t, resp.OK)

	var payload struct {
		AvailableModels  []string `json:"available_models"`
		RecommendedModel string   `json:"recommended_model"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &payload))
	assert.Len(t, payload.AvailableModels, 5)
	assert.NotEmpty(t, payload.RecommendedModel)
}

func TestUnknownCommandReturnsError(t *testing.T) {
	d := NewDispatcher(nil, device.NewFake(), &fakeController{}, &fakeReconnect{})

	resp := d.Handle(context.Background(), Request{Command: "bogus"})
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "bogus")
}
