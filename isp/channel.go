package isp

import (
	"context"
	"sync"

	"github.com/golang/glog"
	"periph.io/x/conn/v3/spi"
)

const frameSize = 4

// Channel performs instruction exchanges on an SPI connection. Every
// instruction is 4 bytes out and 4 bytes in, one exchange at a time.
type Channel struct {
	mu   sync.Mutex
	conn spi.Conn
}

func NewChannel(conn spi.Conn) *Channel {
	return &Channel{conn: conn}
}

// SendInstruction sends one frame and returns the bytes clocked in while it
// was sent.
func (c *Channel) SendInstruction(ctx context.Context, frame [4]byte) ([4]byte, error) {
	var resp [4]byte

	in, err := c.Exchange(ctx, [][4]byte{frame})
	if err != nil {
		return resp, err
	}

	return in[0], nil
}

// Exchange sends several frames in a single transfer. Responses are
// returned in the same order.
func (c *Channel) Exchange(ctx context.Context, frames [][4]byte) ([][4]byte, error) {
	out := make([]byte, 0, len(frames)*frameSize)
	for _, m := range frames {
		out = append(out, m[:]...)
	}
	in := make([]byte, len(out))

	if err := c.tx(ctx, out, in); err != nil {
		return nil, err
	}

	if glog.V(2) {
		glog.Infof("SPI %x -> %x", out, in)
	}

	result := make([][4]byte, len(frames))
	for i := range result {
		copy(result[i][:], in[i*frameSize:])
	}
	return result, nil
}

func (c *Channel) tx(ctx context.Context, out []byte, in []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	/* Nothing can cancel this, no need for a goroutine */
	if ctx.Done() == nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.wrap(c.conn.Tx(out, in))
	}

	/* The lock is held until the transfer really finishes, even if the
	 * caller gave up on it, so a later exchange cannot overlap it. */
	done := make(chan error, 1)
	go func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		done <- c.conn.Tx(out, in)
	}()

	select {
	case err := <-done:
		return c.wrap(err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) wrap(err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Op: "exchange", Err: err}
}
