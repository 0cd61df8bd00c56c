package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/streamplug/streamplug/internal/domain/plugin"
)

const (
	// commandTimeout bounds every command-channel request. Exceeding it is
	// a failure, never a retry; the caller decides whether to try again.
	commandTimeout = 2 * time.Second

	// handshakeTimeout bounds the wait for the initial "loaded" message.
	handshakeTimeout = 5 * time.Second

	// shutdownGrace is how long the sandbox gets to run its teardown hook
	// before the process is force-killed.
	shutdownGrace = 2 * time.Second
)

// Dispatcher services capability requests arriving from one plugin's
// sandbox. The tenant is the transient value attached to the dispatch, not
// anything the plugin supplied.
type Dispatcher interface {
	Dispatch(ctx context.Context, tenant, method string, args []any) (any, error)
}

// Controller owns the lifecycle of one isolated plugin process: the two
// channel endpoints, the in-flight request table, and the transient
// current-tenant value used by capability dispatch.
type Controller struct {
	modulePath string
	limits     Limits
	dispatcher Dispatcher

	cmdCodec *codec
	capCodec *codec

	proc   *sandboxProcess // nil when attached to in-memory conns
	waitCh <-chan error

	seq     atomic.Uint64
	pending map[uint64]chan *envelope
	pmu     sync.Mutex

	// tenant is written immediately before and cleared immediately after
	// each dispatch by the host; dispatches on one controller are
	// serialized through the command path.
	tenantMu sync.Mutex
	tenant   string

	descriptor *plugin.Descriptor

	cmdTimeout time.Duration
	hsTimeout  time.Duration

	closed       atomic.Bool
	done         chan struct{}
	shutdownOnce sync.Once
	closers      []io.Closer
}

// NewController prepares a controller for the extension module at
// modulePath. Nothing is spawned until Start.
func NewController(modulePath string, limits Limits, dispatcher Dispatcher) *Controller {
	return &Controller{
		modulePath: modulePath,
		limits:     limits,
		dispatcher: dispatcher,
		pending:    make(map[uint64]chan *envelope),
		done:       make(chan struct{}),
		cmdTimeout: commandTimeout,
		hsTimeout:  handshakeTimeout,
	}
}

// Start spawns the isolated process, applies the configured limits inside
// it, and blocks for the handshake. Timeout or premature process exit is a
// load failure; the process is killed before returning.
func (c *Controller) Start(ctx context.Context) error {
	proc, cmdConn, capConn, err := spawn(ctx, c.modulePath, c.limits)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLifecycle, err)
	}
	c.proc = proc
	c.closers = append(c.closers, cmdConn, capConn)

	if err := c.attach(cmdConn, capConn, proc.waitCh); err != nil {
		proc.kill()
		return err
	}
	return nil
}

// attach wires the controller to established channel endpoints, performs
// the handshake, and starts the servicing goroutines. Split from Start so
// tests can drive a controller over in-memory pipes.
func (c *Controller) attach(cmdConn, capConn io.ReadWriter, waitCh <-chan error) error {
	c.cmdCodec = newCodec(cmdConn)
	c.capCodec = newCodec(capConn)
	c.waitCh = waitCh

	desc, err := c.awaitHandshake()
	if err != nil {
		// Start is the only caller that registers closers; a failed
		// handshake means Shutdown will never run, so release them here.
		c.closeClosers()
		return err
	}
	c.descriptor = desc

	go c.readLoop()
	go c.capabilityLoop()
	return nil
}

// awaitHandshake blocks for the single "loaded" message carrying the
// descriptor.
func (c *Controller) awaitHandshake() (*plugin.Descriptor, error) {
	type handshake struct {
		msg *envelope
		err error
	}
	ch := make(chan handshake, 1)
	go func() {
		msg, err := c.cmdCodec.read()
		ch <- handshake{msg: msg, err: err}
	}()

	timer := time.NewTimer(c.hsTimeout)
	defer timer.Stop()

	select {
	case hs := <-ch:
		if hs.err != nil {
			return nil, fmt.Errorf("%w: handshake read: %v", ErrLifecycle, hs.err)
		}
		if hs.msg.Type != typeLoaded {
			return nil, fmt.Errorf("%w: expected loaded handshake, got %q", ErrLifecycle, hs.msg.Type)
		}
		desc, err := plugin.ParseHandshake(hs.msg.Metadata)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrLifecycle, err)
		}
		return desc, nil
	case err := <-c.drainWait():
		return nil, fmt.Errorf("%w: sandbox exited before handshake: %v", ErrLifecycle, err)
	case <-timer.C:
		return nil, fmt.Errorf("%w: no handshake within %s", ErrLifecycle, c.hsTimeout)
	}
}

// drainWait adapts the optional process wait channel for select; a nil
// channel blocks forever, which is what in-memory test controllers want.
func (c *Controller) drainWait() <-chan error {
	if c.waitCh == nil {
		return nil
	}
	return c.waitCh
}

// Descriptor returns the handshake metadata. Valid after Start.
func (c *Controller) Descriptor() *plugin.Descriptor {
	return c.descriptor
}

// SetCurrentTenant stores the tenant used by subsequent capability
// dispatches. Callers pair every external entry point with a clearing
// SetCurrentTenant("") on all paths, including errors.
func (c *Controller) SetCurrentTenant(tenant string) {
	c.tenantMu.Lock()
	c.tenant = tenant
	c.tenantMu.Unlock()
}

func (c *Controller) currentTenant() string {
	c.tenantMu.Lock()
	defer c.tenantMu.Unlock()
	return c.tenant
}

// ExecuteCommand forwards a command invocation to the sandbox and blocks,
// bounded by the command timeout, for its result.
func (c *Controller) ExecuteCommand(command, caller string, args []string, kwargs map[string]any) (string, error) {
	result, err := c.request(&envelope{
		Type:    typeExecuteCommand,
		Command: command,
		Caller:  caller,
		Args:    args,
		Kwargs:  kwargs,
	})
	if err != nil {
		return "", err
	}
	return resultText(result), nil
}

// SetEnabled toggles the plugin's enabled state inside the sandbox, running
// its enable or disable hook.
func (c *Controller) SetEnabled(enabled bool) error {
	_, err := c.request(&envelope{Type: typeSetEnabled, Enabled: &enabled})
	return err
}

// DeliverEvent delivers a named event with its payload to the sandbox.
func (c *Controller) DeliverEvent(event string, payload map[string]any) error {
	_, err := c.request(&envelope{Type: typeEvent, Event: event, Payload: payload})
	return err
}

// Shutdown asks the sandboxed code to run its teardown hook, then
// terminates the process, killing it if it does not exit within the grace
// period. Safe to call more than once.
func (c *Controller) Shutdown() {
	c.shutdownOnce.Do(func() {
		if _, err := c.request(&envelope{Type: typeShutdown}); err != nil {
			slog.Debug("sandbox shutdown request failed", "error", err)
		}
		c.closed.Store(true)
		close(c.done)
		c.closeClosers()
		if c.proc != nil {
			c.proc.stop(shutdownGrace)
		}
	})
}

func (c *Controller) closeClosers() {
	for _, cl := range c.closers {
		_ = cl.Close()
	}
	c.closers = nil
}

// request sends one command-channel request and blocks for the matching
// response. Timeouts fail exactly once; the request is never reissued.
func (c *Controller) request(msg *envelope) (any, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	id := c.seq.Add(1)
	msg.ID = id

	ch := make(chan *envelope, 1)
	c.pmu.Lock()
	c.pending[id] = ch
	c.pmu.Unlock()

	if err := c.cmdCodec.write(msg); err != nil {
		c.forget(id)
		return nil, err
	}

	timer := time.NewTimer(c.cmdTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp == nil {
			return nil, &ProtocolError{Reason: "command channel failed"}
		}
		if resp.Error != nil {
			return nil, resp.Error.Err()
		}
		return resp.Result, nil
	case <-timer.C:
		c.forget(id)
		return nil, fmt.Errorf("%w: no response to %s within %s", ErrTimeout, msg.Type, c.cmdTimeout)
	case <-c.done:
		c.forget(id)
		return nil, ErrClosed
	}
}

func (c *Controller) forget(id uint64) {
	c.pmu.Lock()
	delete(c.pending, id)
	c.pmu.Unlock()
}

// readLoop routes command-channel responses to their waiting requests.
// Any read failure marks the channel unreliable and fails all in-flight
// requests.
func (c *Controller) readLoop() {
	for {
		msg, err := c.cmdCodec.read()
		if err != nil {
			if !errors.Is(err, io.EOF) && !c.closed.Load() {
				slog.Warn("command channel failed", "plugin", c.pluginName(), "error", err)
			}
			c.failPending()
			return
		}
		if msg.Type != typeResponse {
			slog.Warn("unexpected message on command channel",
				"plugin", c.pluginName(), "type", msg.Type)
			continue
		}

		c.pmu.Lock()
		ch, ok := c.pending[msg.ID]
		delete(c.pending, msg.ID)
		c.pmu.Unlock()

		if !ok {
			slog.Warn("response with unknown request id",
				"plugin", c.pluginName(), "id", msg.ID)
			continue
		}
		ch <- msg
	}
}

func (c *Controller) failPending() {
	c.pmu.Lock()
	defer c.pmu.Unlock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
}

// capabilityLoop services the sandbox's gated operation requests for the
// plugin's entire lifetime. Requests are short, bounded RPCs; the loop may
// block on channel reads but never on plugin logic.
func (c *Controller) capabilityLoop() {
	for {
		msg, err := c.capCodec.read()
		if err != nil {
			if !errors.Is(err, io.EOF) && !c.closed.Load() {
				slog.Debug("capability channel closed", "plugin", c.pluginName(), "error", err)
			}
			return
		}
		if msg.Type != typeCapRequest {
			slog.Warn("unexpected message on capability channel",
				"plugin", c.pluginName(), "type", msg.Type)
			continue
		}

		tenant := c.currentTenant()
		result, dispatchErr := c.dispatcher.Dispatch(context.Background(), tenant, msg.Method, msg.CallArgs)

		resp := &envelope{
			Type:   typeCapResponse,
			ID:     msg.ID,
			Result: result,
			Error:  toWireError(dispatchErr),
		}
		if err := c.capCodec.write(resp); err != nil {
			slog.Warn("capability response write failed",
				"plugin", c.pluginName(), "error", err)
			return
		}
	}
}

func (c *Controller) pluginName() string {
	if c.descriptor == nil {
		return c.modulePath
	}
	return c.descriptor.Name.String()
}

// resultText normalizes a wire result into the optional text a command
// handler returns.
func resultText(result any) string {
	switch v := result.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}
