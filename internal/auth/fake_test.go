package auth

import (
	"context"
	"io"
	"sync"
)

// scriptedConn replays canned server replies and records what the prober
// sent.
type scriptedConn struct {
	mu       sync.Mutex
	replies  []scriptedReply
	written  [][]byte
	sigAlgs  []string
	writeErr error
}

type scriptedReply struct {
	packet []byte
	err    error
}

func script(replies ...scriptedReply) *scriptedConn {
	return &scriptedConn{replies: replies}
}

func packet(p []byte) scriptedReply { return scriptedReply{packet: p} }
func failWith(err error) scriptedReply { return scriptedReply{err: err} }

func (c *scriptedConn) ReadPacket(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(c.replies) == 0 {
		return nil, io.EOF
	}
	next := c.replies[0]
	c.replies = c.replies[1:]
	return next.packet, next.err
}

func (c *scriptedConn) WritePacket(_ context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, append([]byte(nil), payload...))
	return nil
}

func (c *scriptedConn) ServerSigAlgs() []string { return c.sigAlgs }

func (c *scriptedConn) sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.written
}
