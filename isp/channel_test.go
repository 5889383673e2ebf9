package isp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/spi"
)

/* testConn answers every byte with its complement, or fails */
type testConn struct {
	release chan struct{}
	err     error
	sizes   []int
}

func (c *testConn) String() string {
	return "test"
}

func (c *testConn) Duplex() conn.Duplex {
	return conn.Full
}

func (c *testConn) Tx(w, r []byte) error {
	if c.release != nil {
		<-c.release
	}
	if c.err != nil {
		return c.err
	}

	c.sizes = append(c.sizes, len(w))
	for i := range w {
		r[i] = ^w[i]
	}
	return nil
}

func (c *testConn) TxPackets(p []spi.Packet) error {
	return errors.New("not implemented")
}

func TestChannelExchange(t *testing.T) {
	c := &testConn{}
	ch := NewChannel(c)

	resp, err := ch.Exchange(context.Background(), [][4]byte{{1, 2, 3, 4}, {5, 6, 7, 8}})
	require.NoError(t, err)
	assert.Equal(t, [][4]byte{{0xfe, 0xfd, 0xfc, 0xfb}, {0xfa, 0xf9, 0xf8, 0xf7}}, resp)
	assert.Equal(t, []int{8}, c.sizes)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r, err := ch.SendInstruction(ctx, [4]byte{0xf0, 0, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, [4]byte{0x0f, 0xff, 0xff, 0xff}, r)
}

func TestChannelError(t *testing.T) {
	injected := errors.New("stall")
	ch := NewChannel(&testConn{err: injected})

	_, err := ch.SendInstruction(context.Background(), [4]byte{})
	var terr *TransportError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, injected, terr.Err)
}

func TestChannelCancel(t *testing.T) {
	c := &testConn{release: make(chan struct{})}
	ch := NewChannel(c)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := ch.SendInstruction(ctx, [4]byte{})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	/* The abandoned transfer still completes before the next one */
	close(c.release)
	_, err = ch.SendInstruction(context.Background(), [4]byte{})
	require.NoError(t, err)
	assert.Equal(t, []int{4, 4}, c.sizes)

	cancel()
	_, err = ch.SendInstruction(ctx, [4]byte{})
	assert.Error(t, err)
}
