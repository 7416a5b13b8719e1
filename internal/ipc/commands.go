package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/rbright/sotto-core/internal/asrmodel"
	"github.com/rbright/sotto-core/internal/device"
	"github.com/rbright/sotto-core/internal/reconnect"
	"github.com/rbright/sotto-core/internal/session"
)

// SessionController is the subset of session.Controller the Dispatcher
// drives. Declared as an interface so tests can substitute a fake
// without spinning up a real sidecar.
type SessionController interface {
	Start(ctx context.Context, deviceID string) error
	Stop() error
	IsRunning() bool
}

// ReconnectSupervisor is the subset of reconnect.Supervisor the
// Dispatcher drives.
type ReconnectSupervisor interface {
	Cancel()
	IsReconnecting() bool
}

var (
	_ SessionController  = (*session.Controller)(nil)
	_ ReconnectSupervisor = (*reconnect.Supervisor)(nil)
)

// Dispatcher implements Handler for the host UI command surface:
// list_audio_devices, start_recording, stop_recording,
// cancel_reconnection, and get_whisper_models, plus the CLI's status
// query ("recording" or "idle").
type Dispatcher struct {
	log        *slog.Logger
	adapter    device.Adapter
	controller SessionController
	reconnect  ReconnectSupervisor
}

// NewDispatcher builds a Dispatcher wired to the session's live
// collaborators.
func NewDispatcher(logger *slog.Logger, adapter device.Adapter, controller SessionController, sup ReconnectSupervisor) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{log: logger, adapter: adapter, controller: controller, reconnect: sup}
}

func (d *Dispatcher) Handle(ctx context.Context, req Request) Response {
	switch req.Command {
	case "list_audio_devices":
		return d.listAudioDevices(ctx)
	case "start_recording":
		return d.startRecording(ctx, req)
	case "stop_recording":
		return d.stopRecording()
	case "cancel_reconnection":
		return d.cancelReconnection()
	case "get_whisper_models":
		return d.getWhisperModels(ctx)
	case "status":
		if d.controller.IsRunning() {
			return Response{OK: true, State: "recording"}
		}
		return Response{OK: true, State: "idle"}
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown command: %s", req.Command)}
	}
}

func (d *Dispatcher) listAudioDevices(ctx context.Context) Response {
	devices, err := d.adapter.Enumerate(ctx)
	if err != nil {
		d.log.Warn("list_audio_devices failed", "err", err)
		return Response{OK: false, Error: err.Error()}
	}
	return resultResponse(devices)
}

type startRecordingParams struct {
	DeviceID string `json:"device_id"`
}

func (d *Dispatcher) startRecording(ctx context.Context, req Request) Response {
	var params startRecordingParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return Response{OK: false, Error: fmt.Sprintf("decode params: %v", err)}
		}
	}

	if err := d.controller.Start(ctx, params.DeviceID); err != nil {
		d.log.Warn("start_recording failed", "device_id", params.DeviceID, "err", err)
		return Response{OK: false, Error: err.Error()}
	}
	return Response{OK: true, Message: "Recording started"}
}

// stopRecording is stricter than session.Controller.Stop, which is
// idempotent-silent: the public command errors if nothing was recording,
// matching the original Tauri command's contract.
func (d *Dispatcher) stopRecording() Response {
	if !d.controller.IsRunning() {
		return Response{OK: false, Error: "Not recording"}
	}
	if err := d.controller.Stop(); err != nil {
		d.log.Warn("stop_recording failed", "err", err)
		return Response{OK: false, Error: err.Error()}
	}
	return Response{OK: true, Message: "Recording stopped"}
}

// cancelReconnection succeeds even when idle, unlike stopRecording —
// the original command reports "no job to cancel" as success, not
// an error.
func (d *Dispatcher) cancelReconnection() Response {
	if d.reconnect == nil || !d.reconnect.IsReconnecting() {
		return Response{OK: true, Message: "No reconnection in progress"}
	}
	d.reconnect.Cancel()
	return Response{OK: true, Message: "Reconnection cancelled"}
}

func (d *Dispatcher) getWhisperModels(ctx context.Context) Response {
	return resultResponse(asrmodel.GetWhisperModels(ctx))
}

func resultResponse(v any) Response {
	raw, err := json.Marshal(v)
	if err != nil {
		return Response{OK: false, Error: fmt.Sprintf("encode result: %v", err)}
	}
	return Response{OK: true, Result: raw}
}
