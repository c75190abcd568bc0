package xssh

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"golang.org/x/crypto/ssh"
)

// Listener receives connections the server forwards from a remote port.
type Listener struct {
	s      *Session
	host   string
	port   uint32
	queue  []*Channel
	closed bool
	err    error
}

func (l *Listener) invalidate() {
	if l.err == nil {
		l.err = ErrSessionClosed
	}
	l.queue = nil
}

func (l *Listener) closeQueue() {
	for _, c := range l.queue {
		if err := c.close(); err != nil {
			l.s.debugf("closing queued forward: %v", err)
		}
	}
	l.queue = nil
}

// Port returns the port bound on the server.
func (l *Listener) Port() uint32 {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return l.port
}

// Addr returns the address bound on the server.
func (l *Listener) Addr() string {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return l.addr()
}

func (l *Listener) addr() string {
	return net.JoinHostPort(l.host, strconv.FormatUint(uint64(l.port), 10))
}

// Accept returns the next forwarded connection. In non-blocking mode it
// returns ErrWouldBlock when none is queued.
func (l *Listener) Accept() (*Channel, error) {
	return l.AcceptContext(context.Background())
}

// AcceptContext is Accept bounded by ctx.
func (l *Listener) AcceptContext(ctx context.Context) (*Channel, error) {
	s := l.s
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.wait(ctx, s.blocking, func() bool { return len(l.queue) > 0 || l.closed || l.err != nil })
	switch {
	case l.err != nil:
		return nil, l.err
	case l.closed:
		return nil, ErrListenerClosed
	case err != nil:
		return nil, err
	}
	c := l.queue[0]
	l.queue = l.queue[1:]
	return c, nil
}

// Cancel stops the remote listener. Queued connections are closed and
// Accept returns ErrListenerClosed from then on.
func (l *Listener) Cancel(ctx context.Context) error {
	s := l.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	if l.closed {
		return ErrListenerClosed
	}
	l.closed = true
	s.removeListener(l)
	l.closeQueue()
	s.broadcast()
	ok, _, err := s.globalRequest(ctx, "cancel-tcpip-forward", ssh.Marshal(&forwardRequest{Host: l.host, Port: l.port}))
	if err != nil {
		return err
	}
	if !ok {
		return &RequestError{Request: "cancel-tcpip-forward"}
	}
	s.infof("server stopped listening on %s", l.addr())
	return nil
}

func (l *Listener) String() string {
	return fmt.Sprintf("remote listener %s", l.Addr())
}
