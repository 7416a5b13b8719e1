// Package app wires together config, logging, audio capture, the sidecar,
// the websocket fan-out, and the IPC control surface into the commands
// cmd/sottocored exposes.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/rbright/sotto-core/internal/asrmodel"
	"github.com/rbright/sotto-core/internal/cli"
	"github.com/rbright/sotto-core/internal/config"
	"github.com/rbright/sotto-core/internal/device"
	"github.com/rbright/sotto-core/internal/doctor"
	"github.com/rbright/sotto-core/internal/ipc"
	"github.com/rbright/sotto-core/internal/logging"
	"github.com/rbright/sotto-core/internal/reconnect"
	"github.com/rbright/sotto-core/internal/session"
	"github.com/rbright/sotto-core/internal/sidecar"
	"github.com/rbright/sotto-core/internal/storage"
	"github.com/rbright/sotto-core/internal/version"
	"github.com/rbright/sotto-core/internal/wsfanout"
)

// Runner holds process-level dependencies used by command handlers.
type Runner struct {
	Stdout io.Writer
	Stderr io.Writer
	Logger *slog.Logger
}

// Execute is the package entrypoint used by cmd/sottocored/main.go.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	r := Runner{Stdout: stdout, Stderr: stderr}
	return r.Execute(ctx, args)
}

// Execute parses CLI arguments, loads config/logging, and dispatches a command.
func (r Runner) Execute(ctx context.Context, args []string) int {
	parsed, err := cli.Parse(args)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n\n", err)
		fmt.Fprint(r.Stderr, cli.HelpText("sottocored"))
		return 2
	}

	if parsed.ShowHelp {
		fmt.Fprint(r.Stdout, cli.HelpText("sottocored"))
		return 0
	}

	if parsed.Command == cli.CommandVersion {
		fmt.Fprintln(r.Stdout, version.String())
		return 0
	}

	logRuntime, err := logging.New()
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: setup logging: %v\n", err)
		return 1
	}
	defer func() { _ = logRuntime.Close() }()

	logger := r.Logger
	if logger == nil {
		logger = logRuntime.Logger
	}

	cfgLoaded, err := config.Load(parsed.ConfigPath)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		logger.Error("load config failed", "error", err.Error())
		return 1
	}
	cfgLoaded.Config = config.ApplyEnvOverrides(cfgLoaded.Config)
	for _, w := range cfgLoaded.Warnings {
		msg := w.Message
		if w.Line > 0 {
			msg = fmt.Sprintf("line %d: %s", w.Line, w.Message)
		}
		fmt.Fprintf(r.Stderr, "warning: %s\n", msg)
		logger.Warn("config warning", "line", w.Line, "message", w.Message)
	}

	logger.Info("command start",
		"command", parsed.Command,
		"config", cfgLoaded.Path,
		"log", logRuntime.Path,
	)

	switch parsed.Command {
	case cli.CommandDoctor:
		report := doctor.Run(ctx, cfgLoaded, newAdapter(cfgLoaded.Config))
		fmt.Fprintln(r.Stdout, report.String())
		if report.OK() {
			return 0
		}
		return 1
	case cli.CommandDevices:
		return r.commandDevices(ctx, cfgLoaded.Config)
	case cli.CommandStatus:
		return r.commandStatus(ctx)
	case cli.CommandStop:
		return r.commandStop(ctx)
	case cli.CommandStart:
		return r.commandStart(ctx, parsed, cfgLoaded.Config, logger)
	default:
		fmt.Fprintf(r.Stderr, "error: unsupported command %q\n", parsed.Command)
		return 2
	}
}

// newAdapter selects the real PulseAudio backend, or a deterministic Fake
// when TEST_FIXTURE_MODE is set (exercised by CI and local smoke tests that
// have no PulseAudio server).
func newAdapter(cfg config.Config) device.Adapter {
	if cfg.Logging.TestFixtureMode {
		return device.NewFake()
	}
	return device.NewPulseAdapter()
}

// commandDevices prints discovered input devices.
func (r Runner) commandDevices(ctx context.Context, cfg config.Config) int {
	adapter := newAdapter(cfg)
	devices, err := adapter.Enumerate(ctx)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	if len(devices) == 0 {
		fmt.Fprintln(r.Stdout, "no audio devices found")
		return 1
	}

	for _, d := range devices {
		loopback := ""
		if d.IsLoopback {
			loopback = " loopback"
		}
		fmt.Fprintf(
			r.Stdout,
			"id=%s | name=%q | sample_rate=%d | channels=%d%s\n",
			d.ID, d.Name, d.SampleRate, d.Channels, loopback,
		)
	}

	return 0
}

// commandStatus queries the active owner (if any) and prints session state.
func (r Runner) commandStatus(ctx context.Context) int {
	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		fmt.Fprintln(r.Stdout, "idle")
		return 0
	}

	resp, handled, err := tryForward(ctx, socketPath, ipc.Request{Command: "status"})
	if handled {
		if err != nil {
			fmt.Fprintf(r.Stderr, "error: %v\n", err)
			return 1
		}
		if resp.State == "" {
			resp.State = "idle"
		}
		fmt.Fprintln(r.Stdout, resp.State)
		return 0
	}

	fmt.Fprintln(r.Stdout, "idle")
	return 0
}

// commandStop forwards stop_recording to the active owner and fails when
// no owner exists.
func (r Runner) commandStop(ctx context.Context) int {
	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	resp, handled, err := tryForward(ctx, socketPath, ipc.Request{Command: "stop_recording"})
	if !handled {
		fmt.Fprintf(r.Stderr, "error: no active sottocored session\n")
		return 1
	}
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	if resp.Message != "" {
		fmt.Fprintln(r.Stdout, resp.Message)
	}
	return 0
}

// commandStart becomes the owner session if none exists, or forwards
// start_recording to the existing owner.
func (r Runner) commandStart(ctx context.Context, parsed cli.Parsed, cfg config.Config, logger *slog.Logger) int {
	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	startReq := startRequest(parsed.DeviceID)

	resp, handled, err := tryForward(ctx, socketPath, startReq)
	if handled {
		if err != nil {
			fmt.Fprintf(r.Stderr, "error: %v\n", err)
			return 1
		}
		if resp.Message != "" {
			fmt.Fprintln(r.Stdout, resp.Message)
		}
		return 0
	}

	listener, err := ipc.Acquire(ctx, socketPath, 180*time.Millisecond, 8, nil)
	if err != nil {
		if errors.Is(err, ipc.ErrAlreadyRunning) {
			resp, _, forwardErr := tryForward(ctx, socketPath, startReq)
			if forwardErr != nil {
				fmt.Fprintf(r.Stderr, "error: %v\n", forwardErr)
				return 1
			}
			if resp.Message != "" {
				fmt.Fprintln(r.Stdout, resp.Message)
			}
			return 0
		}
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	defer func() {
		_ = listener.Close()
		_ = os.Remove(socketPath)
	}()

	return r.runOwner(ctx, listener, cfg, logger, parsed.DeviceID)
}

// runOwner wires the full session stack (device capture, sidecar, reconnect
// supervisor, websocket fan-out, IPC dispatcher) and blocks serving IPC
// requests until ctx is cancelled.
func (r Runner) runOwner(ctx context.Context, listener net.Listener, cfg config.Config, logger *slog.Logger, deviceID string) int {
	adapter := newAdapter(cfg)
	store := storage.New(cfg.Storage.Root, logger)
	hub := wsfanout.New(logger)

	if _, err := hub.Start(ctx); err != nil {
		fmt.Fprintf(r.Stderr, "error: start websocket fan-out: %v\n", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = hub.Stop(shutdownCtx)
	}()

	spawnSidecar := func(spawnCtx context.Context) (*sidecar.Sidecar, error) {
		cmd, err := sidecarCmd(spawnCtx, cfg)
		if err != nil {
			return nil, err
		}
		return sidecar.Spawn(spawnCtx, cmd, logger)
	}

	enumerable := func(deviceID string) bool {
		infos, err := adapter.Enumerate(context.Background())
		if err != nil {
			return false
		}
		for _, info := range infos {
			if info.ID == deviceID {
				return true
			}
		}
		return false
	}

	var controller *session.Controller
	sup := reconnect.NewWithPolicy(
		func() bool { return controller.IsRunning() },
		func(attemptCtx context.Context, id string) error { return controller.AttemptStart(attemptCtx, id) },
		enumerable,
		nil,
		cfg.Reconnect.MaxAttempts,
		time.Duration(cfg.Reconnect.RetryDelayMS)*time.Millisecond,
	)
	controller = session.New(logger, adapter, store, spawnSidecar, sup, nil, hub)

	dispatcher := ipc.NewDispatcher(logger, adapter, controller, sup)

	serverCtx, serverCancel := context.WithCancel(ctx)
	defer serverCancel()

	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- ipc.Serve(serverCtx, listener, dispatcher)
	}()

	if deviceID != "" {
		if err := controller.Start(ctx, deviceID); err != nil {
			logger.Error("initial start_recording failed", "error", err.Error())
		}
	}

	<-ctx.Done()
	serverCancel()
	_ = controller.Stop()
	if serverErr := <-serverErrCh; serverErr != nil {
		fmt.Fprintf(r.Stderr, "error: ipc server failed: %v\n", serverErr)
		return 1
	}

	return 0
}

// sidecarCmd resolves the child interpreter and combines it with the
// configured script path and extra args, or builds the scripted
// TEST_FIXTURE_MODE stand-in when fixture mode is enabled.
func sidecarCmd(ctx context.Context, cfg config.Config) (sidecar.Cmd, error) {
	if cfg.Logging.TestFixtureMode {
		return sidecar.FixtureCmd(sidecar.ScriptedEvents())
	}

	python, err := sidecar.Discover(ctx)
	if err != nil {
		return sidecar.Cmd{}, err
	}

	args := append([]string{cfg.Sidecar.ScriptPath}, cfg.Sidecar.ExtraArgs...)
	return sidecar.Cmd{Program: python, Args: args}, nil
}

// startRequest builds the start_recording IPC request, optionally carrying
// a device id.
func startRequest(deviceID string) ipc.Request {
	if deviceID == "" {
		return ipc.Request{Command: "start_recording"}
	}
	params, _ := json.Marshal(struct {
		DeviceID string `json:"device_id"`
	}{DeviceID: deviceID})
	return ipc.Request{Command: "start_recording", Params: params}
}

// recommendModels is a thin wrapper kept for command handlers that need the
// hardware-aware Whisper model recommendation outside the IPC surface
// (e.g. a future `sottocored devices --models` flag); unused today beyond
// documenting the available entrypoint used by ipc.Dispatcher.
func recommendModels(ctx context.Context) (asrmodel.Report, error) {
	return asrmodel.GetWhisperModels(ctx), nil
}

// tryForward attempts to send a command to an existing owner and classifies outcome.
//
// handled=false means there was no active owner to handle the request.
func tryForward(ctx context.Context, socketPath string, req ipc.Request) (ipc.Response, bool, error) {
	resp, err := ipc.Send(ctx, socketPath, req, 220*time.Millisecond)
	if err == nil {
		if resp.OK {
			return resp, true, nil
		}
		return resp, true, errors.New(resp.Error)
	}

	if isSocketMissing(err) {
		return ipc.Response{}, false, nil
	}
	if isConnectionRefused(err) {
		return ipc.Response{}, false, nil
	}

	return ipc.Response{}, true, fmt.Errorf("forward command %q: %w", req.Command, err)
}

// isSocketMissing reports whether forwarding failed because the owner socket is absent.
func isSocketMissing(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, os.ErrNotExist) ||
		strings.Contains(err.Error(), "no such file or directory")
}

// isConnectionRefused reports whether forwarding failed because no owner is listening.
func isConnectionRefused(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, syscall.ECONNREFUSED)
}
