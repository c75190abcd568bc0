package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/jpillora/sshc-lite/xnet"
	"github.com/jpillora/sshc-lite/xssh"
	"golang.org/x/sync/errgroup"
)

// Forward is a port forwarding rule in OpenSSH -L/-R syntax:
// [bind_address:]port:host:hostport. Dynamic rules (-D) have no target.
type Forward struct {
	BindHost   string
	BindPort   uint32
	TargetHost string
	TargetPort uint32
}

// ParseForward parses [bind_address:]port:host:hostport. IPv6 addresses
// are written in brackets.
func ParseForward(s string) (Forward, error) {
	parts := splitForward(s)
	var f Forward
	switch len(parts) {
	case 3:
		parts = append([]string{""}, parts...)
	case 4:
	default:
		return f, fmt.Errorf("invalid forward %q: want [bind_address:]port:host:hostport", s)
	}
	var err error
	f.BindHost = parts[0]
	if f.BindPort, err = parsePort(parts[1]); err != nil {
		return f, fmt.Errorf("invalid forward %q: %w", s, err)
	}
	f.TargetHost = parts[2]
	if f.TargetPort, err = parsePort(parts[3]); err != nil {
		return f, fmt.Errorf("invalid forward %q: %w", s, err)
	}
	if f.TargetHost == "" {
		return f, fmt.Errorf("invalid forward %q: missing host", s)
	}
	return f, nil
}

// ParseDynamic parses [bind_address:]port.
func ParseDynamic(s string) (Forward, error) {
	host, port, err := xnet.SplitHostPort(s)
	if err != nil {
		return Forward{}, fmt.Errorf("invalid dynamic forward %q: %w", s, err)
	}
	return Forward{BindHost: host, BindPort: port}, nil
}

func splitForward(s string) []string {
	var parts []string
	for s != "" {
		if s[0] == '[' {
			if end := strings.IndexByte(s, ']'); end > 0 {
				parts = append(parts, s[1:end])
				s = strings.TrimPrefix(s[end+1:], ":")
				continue
			}
		}
		part, rest, found := strings.Cut(s, ":")
		parts = append(parts, part)
		s = rest
		if found && s == "" {
			parts = append(parts, "")
		}
	}
	return parts
}

func parsePort(s string) (uint32, error) {
	p, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return uint32(p), nil
}

func (f Forward) bindAddr() string {
	host := f.BindHost
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(int(f.BindPort)))
}

func (f Forward) target() string {
	return net.JoinHostPort(f.TargetHost, strconv.Itoa(int(f.TargetPort)))
}

func (f Forward) String() string {
	if f.TargetHost == "" {
		return f.bindAddr()
	}
	return f.bindAddr() + " -> " + f.target()
}

// LocalForward listens on the local bind address and tunnels each accepted
// connection to the target through a direct-tcpip channel. It returns when
// ctx is done or the listener fails.
func (c *Client) LocalForward(ctx context.Context, f Forward) error {
	l, err := net.Listen("tcp", f.bindAddr())
	if err != nil {
		return fmt.Errorf("local forward %s: %w", f, err)
	}
	c.infof("forwarding %s", f)
	return c.ServeLocal(ctx, l, f.TargetHost, f.TargetPort)
}

// ServeLocal is LocalForward on an existing listener.
func (c *Client) ServeLocal(ctx context.Context, l net.Listener, host string, port uint32) error {
	return c.serveListener(ctx, l, func(conn net.Conn) {
		origin, oport := splitAddr(conn.RemoteAddr())
		ch, err := c.session.OpenDirectTCPIP(ctx, host, port, origin, oport)
		if err != nil {
			c.errorf("forward to %s:%d: %v", host, port, err)
			conn.Close()
			return
		}
		c.pipe(ch, conn)
	})
}

// DynamicForward runs a SOCKS5 proxy on the local bind address. CONNECT
// requests are tunnelled through direct-tcpip channels.
func (c *Client) DynamicForward(ctx context.Context, f Forward) error {
	l, err := net.Listen("tcp", f.bindAddr())
	if err != nil {
		return fmt.Errorf("dynamic forward %s: %w", f, err)
	}
	c.infof("socks5 proxy on %s", l.Addr())
	return c.ServeSOCKS(ctx, l)
}

// ServeSOCKS is DynamicForward on an existing listener.
func (c *Client) ServeSOCKS(ctx context.Context, l net.Listener) error {
	return c.serveListener(ctx, l, func(conn net.Conn) {
		c.serveSOCKS(ctx, conn)
	})
}

// RemoteForward asks the server to listen on the bind address and connects
// every forwarded connection to the local target.
func (c *Client) RemoteForward(ctx context.Context, f Forward) error {
	l, err := c.session.ForwardListen(ctx, f.BindHost, f.BindPort)
	if err != nil {
		return fmt.Errorf("remote forward %s: %w", f, err)
	}
	c.infof("remote %s forwarding to %s", l.Addr(), f.target())
	stop := context.AfterFunc(ctx, func() {
		if err := l.Cancel(context.Background()); err != nil {
			c.debugf("cancel %s: %v", l, err)
		}
	})
	defer stop()
	for {
		ch, err := l.AcceptContext(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, xssh.ErrListenerClosed) {
				return nil
			}
			return err
		}
		go func() {
			var d net.Dialer
			conn, err := d.DialContext(ctx, "tcp", f.target())
			if err != nil {
				c.errorf("remote forward from %s: %v", ch.Origin(), err)
				ch.Close()
				return
			}
			c.pipe(ch, conn)
		}()
	}
}

// Forwards runs local, remote and dynamic forwards together until ctx is
// done or one of them fails.
func (c *Client) Forwards(ctx context.Context, local, remote, dynamic []Forward) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, f := range local {
		g.Go(func() error { return c.LocalForward(ctx, f) })
	}
	for _, f := range remote {
		g.Go(func() error { return c.RemoteForward(ctx, f) })
	}
	for _, f := range dynamic {
		g.Go(func() error { return c.DynamicForward(ctx, f) })
	}
	return g.Wait()
}

func (c *Client) serveListener(ctx context.Context, l net.Listener, handle func(net.Conn)) error {
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()
	defer l.Close()
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go handle(conn)
	}
}

func (c *Client) pipe(ch *xssh.Channel, conn net.Conn) {
	if err := xnet.Pipe(ch, conn); err != nil {
		c.debugf("forward closed: %v", err)
	}
}

func splitAddr(a net.Addr) (string, uint32) {
	if ta, ok := a.(*net.TCPAddr); ok {
		return ta.IP.String(), uint32(ta.Port)
	}
	return "127.0.0.1", 0
}
