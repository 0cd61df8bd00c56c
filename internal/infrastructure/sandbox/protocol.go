package sandbox

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// MaxMessageSize is the hard per-message ceiling on both channels. A line
// exceeding it is rejected before JSON parsing is attempted.
const MaxMessageSize = 64 * 1024

// Message types carried on the command channel (host → sandbox) and the
// capability channel (sandbox → host). Both channels share one envelope
// shape; unused fields are omitted on the wire.
const (
	typeLoaded         = "loaded"
	typeExecuteCommand = "execute_command"
	typeSetEnabled     = "set_enabled"
	typeEvent          = "event"
	typeShutdown       = "shutdown"
	typeResponse       = "response"
	typeCapRequest     = "capability_request"
	typeCapResponse    = "capability_response"
)

// envelope is one framed message: a single JSON object per line.
type envelope struct {
	Type string `json:"type"`
	ID   uint64 `json:"id,omitempty"`

	// Handshake.
	Metadata json.RawMessage `json:"metadata,omitempty"`

	// Command execution.
	Command string         `json:"command,omitempty"`
	Caller  string         `json:"caller,omitempty"`
	Args    []string       `json:"args,omitempty"`
	Kwargs  map[string]any `json:"kwargs,omitempty"`

	// Enable toggle.
	Enabled *bool `json:"enabled,omitempty"`

	// Event delivery.
	Event   string         `json:"event,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`

	// Capability dispatch.
	Method   string `json:"method,omitempty"`
	CallArgs []any  `json:"call_args,omitempty"`

	// Responses.
	Result any        `json:"result,omitempty"`
	Error  *WireError `json:"error,omitempty"`
}

// codec frames envelopes as newline-delimited JSON over a duplex stream.
// Writes are serialized; reads are expected from a single goroutine.
type codec struct {
	r  *bufio.Reader
	w  io.Writer
	mu sync.Mutex // guards w
}

func newCodec(rw io.ReadWriter) *codec {
	return &codec{
		// One extra byte so a line of exactly MaxMessageSize still fits.
		r: bufio.NewReaderSize(rw, MaxMessageSize+1),
		w: rw,
	}
}

// write frames and sends one envelope. Oversized payloads are refused
// locally rather than half-written onto the channel.
func (c *codec) write(msg *envelope) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return &ProtocolError{Reason: fmt.Sprintf("marshal message: %v", err)}
	}
	if len(raw)+1 > MaxMessageSize {
		return &ProtocolError{Reason: fmt.Sprintf("message size %d exceeds ceiling %d", len(raw)+1, MaxMessageSize)}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.w.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("write channel message: %w", err)
	}
	return nil
}

// read returns the next envelope. A line exceeding MaxMessageSize is a
// protocol violation and is never handed to the JSON parser.
func (c *codec) read() (*envelope, error) {
	line, err := c.r.ReadSlice('\n')
	if err == bufio.ErrBufferFull {
		return nil, &ProtocolError{Reason: fmt.Sprintf("message exceeds %d byte ceiling", MaxMessageSize)}
	}
	if err != nil {
		if err == io.EOF && len(line) == 0 {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read channel message: %w", err)
	}

	var msg envelope
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, &ProtocolError{Reason: fmt.Sprintf("unparseable message: %v", err)}
	}
	return &msg, nil
}
