// Package xnet holds small networking helpers: in-memory listeners for tests,
// free port discovery and bidirectional piping.
package xnet

import (
	"context"
	"net"

	"google.golang.org/grpc/test/bufconn"
)

// ListenerDialer combines a net.Listener with a Dial method.
type ListenerDialer interface {
	net.Listener
	Dial(ctx context.Context, network, addr string) (net.Conn, error)
}

type mem struct {
	*bufconn.Listener
}

// NewMem creates an in-memory ListenerDialer. Each direction of a connection
// buffers 64KB, so both ends of an SSH version exchange can write before
// reading.
func NewMem() ListenerDialer {
	return &mem{
		Listener: bufconn.Listen(64 * 1024),
	}
}

// Dial connects to the in-memory listener. network and addr are ignored.
func (m *mem) Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	return m.Listener.DialContext(ctx)
}

// Pair returns two connected in-memory conns.
func Pair(ctx context.Context) (client, server net.Conn, err error) {
	l := NewMem()
	defer l.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := l.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()
	client, err = l.Dial(ctx, "", "")
	if err != nil {
		return nil, nil, err
	}
	select {
	case server, ok := <-accepted:
		if !ok {
			client.Close()
			return nil, nil, net.ErrClosed
		}
		return client, server, nil
	case <-ctx.Done():
		client.Close()
		return nil, nil, ctx.Err()
	}
}
