package sandbox

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/dop251/goja"
)

// sandboxEnvKey marks a process as a sandbox child; its value is the file
// descriptor carrying the launch configuration.
const sandboxEnvKey = "_STREAMPLUG_SANDBOX"

// Child-side descriptor numbers, fixed by ExtraFiles ordering.
const (
	configFD  = 3
	commandFD = 4
	capFD     = 5
)

// launchConfig is what the parent serializes onto the config pipe for the
// child to apply before any plugin code runs.
type launchConfig struct {
	ModulePath string `json:"module_path"`
	Limits     Limits `json:"limits"`
}

// MaybeRunChild detects the sandbox environment marker and, when present,
// takes over the process as a sandbox child. It never returns in that case.
// Call it before any other startup work.
func MaybeRunChild() {
	val := os.Getenv(sandboxEnvKey)
	if val == "" {
		return
	}
	fd, err := strconv.Atoi(val)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sandbox: bad config descriptor %q\n", val)
		os.Exit(2)
	}
	if err := runChild(fd); err != nil {
		fmt.Fprintf(os.Stderr, "sandbox: %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}

func runChild(cfgFD int) error {
	// Thread-level hardening must stick to the thread running plugin code.
	runtime.LockOSThread()

	cfgFile := os.NewFile(uintptr(cfgFD), "sandbox-config")
	if cfgFile == nil {
		return fmt.Errorf("config descriptor %d not open", cfgFD)
	}
	var cfg launchConfig
	if err := json.NewDecoder(cfgFile).Decode(&cfg); err != nil {
		return fmt.Errorf("read launch config: %w", err)
	}
	cfgFile.Close()

	// The module source is read before hardening so privilege drop cannot
	// cut off access to it.
	source, err := os.ReadFile(cfg.ModulePath)
	if err != nil {
		return fmt.Errorf("read module: %w", err)
	}

	if err := harden(cfg.Limits); err != nil {
		return err
	}

	cmdFile := os.NewFile(uintptr(commandFD), "sandbox-command")
	capFile := os.NewFile(uintptr(capFD), "sandbox-capability")
	if cmdFile == nil || capFile == nil {
		return fmt.Errorf("channel descriptors not open")
	}

	r := &runner{
		cmdCodec: newCodec(cmdFile),
		caps:     &capClient{codec: newCodec(capFile)},
		source:   string(source),
		path:     cfg.ModulePath,
	}
	return r.run()
}

// runner hosts the interpreted module for the lifetime of the child
// process: one evaluation, one handshake, then the command loop.
type runner struct {
	cmdCodec *codec
	caps     *capClient
	source   string
	path     string

	vm  *goja.Runtime
	reg *registration
}

func (r *runner) run() error {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.UncapFieldNameMapper())
	r.vm = vm

	bridge := &bridge{vm: vm, caps: r.caps}
	if err := bridge.install(); err != nil {
		return err
	}

	// Top-level evaluation is bounded; a module that spins during load is
	// interrupted rather than wedging the handshake.
	stop := interruptAfter(vm, handshakeTimeout)
	_, err := vm.RunScript(r.path, r.source)
	stop()
	if err != nil {
		return fmt.Errorf("module evaluation: %w", err)
	}
	if bridge.reg == nil {
		return fmt.Errorf("module never called plugin.register")
	}
	r.reg = bridge.reg

	if err := r.cmdCodec.write(&envelope{Type: typeLoaded, Metadata: r.reg.metadata()}); err != nil {
		return fmt.Errorf("handshake write: %w", err)
	}

	return r.commandLoop()
}

func (r *runner) commandLoop() error {
	for {
		msg, err := r.cmdCodec.read()
		if err != nil {
			// Parent gone; nothing left to serve.
			return nil
		}

		resp := &envelope{Type: typeResponse, ID: msg.ID}
		switch msg.Type {
		case typeExecuteCommand:
			result, err := r.invokeCommand(msg)
			resp.Result = result
			resp.Error = toWireError(err)
		case typeSetEnabled:
			resp.Error = toWireError(r.invokeEnabled(msg.Enabled != nil && *msg.Enabled))
		case typeEvent:
			resp.Error = toWireError(r.invokeEvent(msg.Event, msg.Payload))
		case typeShutdown:
			err := r.invokeHook("unload")
			resp.Error = toWireError(err)
			_ = r.cmdCodec.write(resp)
			return nil
		default:
			resp.Error = toWireError(&ProtocolError{Reason: fmt.Sprintf("unknown message type %q", msg.Type)})
		}

		if err := r.cmdCodec.write(resp); err != nil {
			return nil
		}
	}
}

func (r *runner) invokeCommand(msg *envelope) (any, error) {
	fn, ok := r.reg.commands[msg.Command]
	if !ok {
		return nil, fmt.Errorf("no handler for command %q", msg.Command)
	}
	args := r.vm.ToValue(msg.Args)
	kwargs := r.vm.ToValue(msg.Kwargs)
	v, err := r.callBounded(fn, r.vm.ToValue(msg.Caller), args, kwargs)
	if err != nil {
		return nil, err
	}
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	return v.Export(), nil
}

func (r *runner) invokeEvent(event string, payload map[string]any) error {
	fn, ok := r.reg.events[event]
	if !ok {
		return nil
	}
	_, err := r.callBounded(fn, r.vm.ToValue(payload))
	return err
}

func (r *runner) invokeEnabled(enabled bool) error {
	if enabled {
		return r.invokeHook("enable")
	}
	return r.invokeHook("disable")
}

func (r *runner) invokeHook(name string) error {
	fn, ok := r.reg.hooks[name]
	if !ok {
		return nil
	}
	_, err := r.callBounded(fn)
	return err
}

// callBounded invokes plugin code with the command deadline armed so a
// runaway handler is interrupted instead of blocking the loop forever.
func (r *runner) callBounded(fn goja.Callable, args ...goja.Value) (v goja.Value, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler aborted: %v", p)
		}
	}()
	stop := interruptAfter(r.vm, commandTimeout)
	defer stop()
	return fn(goja.Undefined(), args...)
}

// interruptAfter arms a watchdog on the runtime; the returned func disarms
// it and clears any pending interrupt.
func interruptAfter(vm *goja.Runtime, d time.Duration) func() {
	timer := time.AfterFunc(d, func() {
		vm.Interrupt("execution deadline exceeded")
	})
	return func() {
		timer.Stop()
		vm.ClearInterrupt()
	}
}
