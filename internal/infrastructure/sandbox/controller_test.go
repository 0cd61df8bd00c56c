package sandbox

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingDispatcher captures capability dispatches for assertions.
type recordingDispatcher struct {
	mu     sync.Mutex
	tenant string
	method string
	args   []any

	result any
	err    error
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, tenant, method string, args []any) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tenant = tenant
	d.method = method
	d.args = args
	return d.result, d.err
}

const testHandshake = `{"name":"greeter","version":"1.2.0","author":"someone","permissions":["core:log","chat:send"],"commands":["!hello"],"events":["stream_online"]}`

// newTestController attaches a controller to in-memory pipes and returns
// the plugin-side codecs for driving the fake sandbox.
func newTestController(t *testing.T, d Dispatcher) (*Controller, *codec, *codec) {
	t.Helper()

	cmdHost, cmdPlug := net.Pipe()
	capHost, capPlug := net.Pipe()
	t.Cleanup(func() {
		cmdHost.Close()
		cmdPlug.Close()
		capHost.Close()
		capPlug.Close()
	})

	c := NewController("testdata/greeter.js", DefaultLimits(), d)
	c.cmdTimeout = 150 * time.Millisecond
	c.hsTimeout = time.Second

	plugCmd := newCodec(cmdPlug)
	plugCap := newCodec(capPlug)

	go func() {
		_ = plugCmd.write(&envelope{Type: typeLoaded, Metadata: json.RawMessage(testHandshake)})
	}()
	require.NoError(t, c.attach(cmdHost, capHost, nil))
	return c, plugCmd, plugCap
}

func TestControllerHandshake(t *testing.T) {
	c, _, _ := newTestController(t, nil)

	desc := c.Descriptor()
	require.NotNil(t, desc)
	assert.Equal(t, "greeter", desc.Name.String())
	assert.Equal(t, "1.2.0", desc.Version.String())
	assert.True(t, desc.HasCommand("!hello"))
	assert.True(t, desc.HasEvent("stream_online"))
}

type closeRecorder struct {
	net.Conn
	closed atomic.Bool
}

func (c *closeRecorder) Close() error {
	c.closed.Store(true)
	return c.Conn.Close()
}

func TestControllerFailedHandshakeReleasesConns(t *testing.T) {
	cmdHost, cmdPlug := net.Pipe()
	capHost, capPlug := net.Pipe()
	defer cmdPlug.Close()
	defer capPlug.Close()

	cmdRec := &closeRecorder{Conn: cmdHost}
	capRec := &closeRecorder{Conn: capHost}

	c := NewController("testdata/silent.js", DefaultLimits(), nil)
	c.hsTimeout = 50 * time.Millisecond
	c.closers = []io.Closer{cmdRec, capRec}

	err := c.attach(cmdRec, capRec, nil)
	require.Error(t, err)
	assert.True(t, cmdRec.closed.Load(), "command conn must not leak")
	assert.True(t, capRec.closed.Load(), "capability conn must not leak")
}

func TestControllerHandshakeTimeout(t *testing.T) {
	cmdHost, cmdPlug := net.Pipe()
	capHost, capPlug := net.Pipe()
	defer cmdHost.Close()
	defer cmdPlug.Close()
	defer capHost.Close()
	defer capPlug.Close()

	c := NewController("testdata/silent.js", DefaultLimits(), nil)
	c.hsTimeout = 50 * time.Millisecond

	err := c.attach(cmdHost, capHost, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLifecycle)
}

func TestControllerRejectsInvalidHandshake(t *testing.T) {
	cmdHost, cmdPlug := net.Pipe()
	capHost, capPlug := net.Pipe()
	defer cmdHost.Close()
	defer cmdPlug.Close()
	defer capHost.Close()
	defer capPlug.Close()

	c := NewController("testdata/broken.js", DefaultLimits(), nil)
	c.hsTimeout = time.Second

	plugCmd := newCodec(cmdPlug)
	go func() {
		_ = plugCmd.write(&envelope{Type: typeLoaded, Metadata: json.RawMessage(`{"name":"broken"}`)})
	}()

	err := c.attach(cmdHost, capHost, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLifecycle)
}

func TestControllerExecuteCommand(t *testing.T) {
	c, plugCmd, _ := newTestController(t, nil)

	go func() {
		msg, err := plugCmd.read()
		if err != nil {
			return
		}
		_ = plugCmd.write(&envelope{Type: typeResponse, ID: msg.ID, Result: "hi caller"})
	}()

	result, err := c.ExecuteCommand("!hello", "caller", []string{"a"}, map[string]any{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, "hi caller", result)
}

func TestControllerTimeoutIsNotRetried(t *testing.T) {
	c, plugCmd, _ := newTestController(t, nil)

	var received atomic.Int64
	go func() {
		for {
			if _, err := plugCmd.read(); err != nil {
				return
			}
			received.Add(1)
			// Never respond.
		}
	}()

	_, err := c.ExecuteCommand("!hello", "caller", nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)

	// Give a hypothetical retry time to appear.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(1), received.Load(), "a timed-out request must not be reissued")
}

func TestControllerDropsMismatchedResponseID(t *testing.T) {
	c, plugCmd, _ := newTestController(t, nil)

	go func() {
		msg, err := plugCmd.read()
		if err != nil {
			return
		}
		_ = plugCmd.write(&envelope{Type: typeResponse, ID: msg.ID + 1000, Result: "stray"})
	}()

	_, err := c.ExecuteCommand("!hello", "caller", nil, nil)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestControllerRemoteErrorReconstructed(t *testing.T) {
	c, plugCmd, _ := newTestController(t, nil)

	go func() {
		msg, err := plugCmd.read()
		if err != nil {
			return
		}
		_ = plugCmd.write(&envelope{
			Type:  typeResponse,
			ID:    msg.ID,
			Error: &WireError{Type: "security", Message: "permission chat:send not granted"},
		})
	}()

	_, err := c.ExecuteCommand("!hello", "caller", nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSecurityViolation)
}

func TestControllerCapabilityDispatchCarriesTenant(t *testing.T) {
	d := &recordingDispatcher{result: float64(42)}
	c, _, plugCap := newTestController(t, d)

	c.SetCurrentTenant("tenant-1")
	defer c.SetCurrentTenant("")

	require.NoError(t, plugCap.write(&envelope{
		Type:     typeCapRequest,
		ID:       1,
		Method:   "get_points",
		CallArgs: []any{"viewer"},
	}))

	resp, err := plugCap.read()
	require.NoError(t, err)
	assert.Equal(t, typeCapResponse, resp.Type)
	assert.Equal(t, uint64(1), resp.ID)
	assert.Nil(t, resp.Error)
	assert.Equal(t, float64(42), resp.Result)

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Equal(t, "tenant-1", d.tenant)
	assert.Equal(t, "get_points", d.method)
	assert.Equal(t, []any{"viewer"}, d.args)
}

func TestControllerCapabilityErrorTagged(t *testing.T) {
	d := &recordingDispatcher{err: &SecurityViolationError{Op: "send_chat", Reason: "not granted"}}
	_, _, plugCap := newTestController(t, d)

	require.NoError(t, plugCap.write(&envelope{Type: typeCapRequest, ID: 9, Method: "send_chat"}))

	resp, err := plugCap.read()
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.ErrorIs(t, resp.Error.Err(), ErrSecurityViolation)
}

func TestControllerShutdownClosesRequests(t *testing.T) {
	c, plugCmd, _ := newTestController(t, nil)

	go func() {
		for {
			msg, err := plugCmd.read()
			if err != nil {
				return
			}
			_ = plugCmd.write(&envelope{Type: typeResponse, ID: msg.ID})
		}
	}()

	c.Shutdown()
	c.Shutdown() // idempotent

	_, err := c.ExecuteCommand("!hello", "caller", nil, nil)
	assert.ErrorIs(t, err, ErrClosed)
}
