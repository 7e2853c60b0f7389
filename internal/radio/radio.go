// Package radio implements the Meshtastic client-API TCP transport: a
// 4-byte framing header (0x94 0xc3 <len_hi> <len_lo>) wrapping a
// protobuf-encoded FromRadio/ToRadio message. It knows nothing about
// trace_key correlation or text-command dispatch — that is
// internal/correlator and internal/eventloop's job — it only turns
// bytes on the wire into typed messages and back.
//
// Grounded on the real Meshtastic companion architectures in
// skobkin/meshgo (separate radio/transport/codec packages) and
// rabarar/meshtool-go (direct use of the generated meshtastic protobuf
// package and an incrementing packet id for outbound packets).
package radio

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	meshtastic "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
	"google.golang.org/protobuf/proto"
)

const (
	magicByte1 = 0x94
	magicByte2 = 0xc3

	headerLen = 4

	// maxFrameLen bounds a single FromRadio/ToRadio payload. Meshtastic's
	// own client API caps frames well under this; anything larger means
	// we've lost frame sync on the stream.
	maxFrameLen = 1 << 16

	// pollInterval bounds how long a single Recv read blocks before
	// re-checking ctx, so Recv can be cancelled promptly without a
	// read-side goroutine leak.
	pollInterval = 500 * time.Millisecond

	// staleAfter is how long without a successful Recv before Probe
	// reports the connection unhealthy.
	staleAfter = 2 * time.Minute
)

// FrameError reports a malformed frame on the wire: a bad magic byte,
// an oversized length, or a payload that failed to protobuf-decode.
// The connection is left open — the caller decides whether to
// resynchronize or reconnect (spec: decode failures must not crash the
// loop).
type FrameError struct {
	Op  string
	Err error
}

func (e *FrameError) Error() string { return fmt.Sprintf("radio: %s: %v", e.Op, e.Err) }
func (e *FrameError) Unwrap() error { return e.Err }

// Client is one TCP connection to a Meshtastic node's client API.
type Client struct {
	addr string
	conn net.Conn
	r    *bufio.Reader

	writeMu sync.Mutex

	mu         sync.Mutex
	lastRecvAt time.Time
	lastErr    error

	packetID atomic.Uint32
}

// Connect dials addr (host:port, default Meshtastic client-API port is
// 4403) and returns a Client ready to Recv/Send. Dialing respects ctx
// so the event loop's reconnect attempt can be bounded by a timeout
// without blocking the loop itself.
func Connect(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	c := &Client{
		addr: addr,
		conn: conn,
		r:    bufio.NewReaderSize(conn, maxFrameLen),
	}
	c.mu.Lock()
	c.lastRecvAt = time.Now()
	c.mu.Unlock()
	return c, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Addr returns the address this client was connected to.
func (c *Client) Addr() string { return c.addr }

// Recv reads and decodes one FromRadio message. It blocks until a full
// frame arrives, ctx is cancelled, or the connection fails. A malformed
// frame is reported as a *FrameError without closing the connection —
// callers that want to drop the connection on repeated frame errors
// must do so themselves.
func (c *Client) Recv(ctx context.Context) (*meshtastic.FromRadio, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c.conn.SetReadDeadline(time.Now().Add(pollInterval))

		header := make([]byte, headerLen)
		if _, err := io.ReadFull(c.r, header); err != nil {
			if isTimeout(err) {
				continue
			}
			c.recordResult(err)
			return nil, fmt.Errorf("read header: %w", err)
		}
		if header[0] != magicByte1 || header[1] != magicByte2 {
			return nil, &FrameError{Op: "sync", Err: fmt.Errorf("bad magic bytes 0x%02x 0x%02x", header[0], header[1])}
		}
		length := int(header[2])<<8 | int(header[3])
		if length <= 0 || length > maxFrameLen {
			return nil, &FrameError{Op: "length", Err: fmt.Errorf("frame length %d out of range", length)}
		}

		payload := make([]byte, length)
		c.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
		if _, err := io.ReadFull(c.r, payload); err != nil {
			c.recordResult(err)
			return nil, fmt.Errorf("read payload: %w", err)
		}

		var msg meshtastic.FromRadio
		if err := proto.Unmarshal(payload, &msg); err != nil {
			return nil, &FrameError{Op: "decode", Err: err}
		}

		c.recordResult(nil)
		return &msg, nil
	}
}

// Send frames and writes one ToRadio message. NextPacketID supplies
// outbound MeshPacket ids if the caller needs one; Send itself does
// not mutate the message.
func (c *Client) Send(ctx context.Context, msg *meshtastic.ToRadio) error {
	payload, err := proto.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal ToRadio: %w", err)
	}
	if len(payload) > maxFrameLen {
		return fmt.Errorf("payload of %d bytes exceeds max frame length", len(payload))
	}

	frame := make([]byte, headerLen+len(payload))
	frame[0] = magicByte1
	frame[1] = magicByte2
	frame[2] = byte(len(payload) >> 8)
	frame[3] = byte(len(payload))
	copy(frame[headerLen:], payload)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(dl)
	} else {
		c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	}
	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// NextPacketID returns a locally-unique, monotonically incrementing
// packet id for an outbound MeshPacket, mirroring the counter
// rabarar/meshtool-go keeps on its emulated Radio.
func (c *Client) NextPacketID() uint32 {
	return c.packetID.Add(1)
}

func (c *Client) recordResult(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		c.lastRecvAt = time.Now()
		c.lastErr = nil
		return
	}
	c.lastErr = err
}

// Probe reports an error when no frame has been decoded successfully
// within staleAfter, or when the last read failed outright; a
// malformed frame updates neither. It is wired into a connwatch.Watcher as a diagnostic
// liveness signal, separate from the event loop's own reconnect logic.
func (c *Client) Probe(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastErr != nil {
		return c.lastErr
	}
	if time.Since(c.lastRecvAt) > staleAfter {
		return fmt.Errorf("no frame received in over %s", staleAfter)
	}
	return nil
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
