// Package client is a high level SSH client built on xssh. It dials,
// verifies host keys against known_hosts, authenticates and offers command
// execution, interactive shells, file transfer and port forwarding.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/jpillora/sshc-lite/transport"
	"github.com/jpillora/sshc-lite/xssh"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"
)

type Client struct {
	config   Config
	session  *xssh.Session
	agent    *xssh.Agent
	prompted bool

	sftpMu sync.Mutex
	sftp   *xssh.SFTP

	cancel context.CancelFunc
	done   chan struct{}
}

// Dial connects to config.Addr over TCP and returns an authenticated client.
func Dial(ctx context.Context, config *Config) (*Client, error) {
	c := *config
	if err := c.setDefaults(); err != nil {
		return nil, err
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", c.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", c.Addr, err)
	}
	return newClient(ctx, conn, c)
}

// NewClient runs the SSH handshake over an established connection and
// authenticates. The client owns conn from then on.
func NewClient(ctx context.Context, conn net.Conn, config *Config) (*Client, error) {
	c := *config
	if err := c.setDefaults(); err != nil {
		conn.Close()
		return nil, err
	}
	return newClient(ctx, conn, c)
}

func newClient(ctx context.Context, conn net.Conn, config Config) (*Client, error) {
	c := &Client{config: config}
	hostKeys, err := HostKeyCallback(config.KnownHostsFile, config.StrictHostKeyChecking, config.Logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	remote := conn.RemoteAddr()
	c.session = xssh.NewSession(transport.New(conn), &xssh.Config{
		Logger:  config.Logger,
		Timeout: config.Timeout,
		HostKeyCallback: func(k ssh.PublicKey) error {
			return hostKeys(config.Addr, remote, k)
		},
	})
	if config.UseAgent || config.ForwardAgent {
		if a, err := xssh.DialAgent(); err != nil {
			c.debugf("agent: %v", err)
		} else {
			c.agent = a
		}
	}
	if err := c.connect(ctx); err != nil {
		c.session.Close()
		if c.agent != nil {
			c.agent.Close()
		}
		return nil, err
	}
	// setup is bounded by Timeout, but interactive use waits indefinitely
	c.session.SetTimeout(0)
	if config.ForwardAgent && c.agent != nil {
		c.session.ForwardAgent(c.agent.Agent())
	}
	kctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.keepAlive(kctx)
	return c, nil
}

func (c *Client) connect(ctx context.Context) error {
	if err := c.session.Handshake(ctx); err != nil {
		return err
	}
	if banner := c.session.Banner(); banner != "" {
		c.infof("banner: %s", banner)
	}
	if err := c.authenticate(ctx); err != nil {
		return err
	}
	c.infof("connected to %s as %s", c.config.Addr, c.config.User)
	return nil
}

func (c *Client) keepAlive(ctx context.Context) {
	defer close(c.done)
	if c.config.KeepAlive <= 0 {
		return
	}
	t := time.NewTicker(c.config.KeepAlive)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		kctx, cancel := context.WithTimeout(ctx, c.config.KeepAlive)
		err := c.session.SendKeepAlive(kctx)
		cancel()
		if err != nil && ctx.Err() == nil {
			c.errorf("keepalive failed: %v", err)
			c.session.Disconnect(xssh.DisconnectConnectionLost, "keepalive timeout")
			return
		}
	}
}

// Session returns the underlying SSH session.
func (c *Client) Session() *xssh.Session { return c.session }

// Config returns the effective configuration.
func (c *Client) Config() Config { return c.config }

// Run executes command remotely, copying stdin to the command and its output
// to stdout and stderr. It returns the remote exit status; a command killed
// by a signal reports 128 plus the signal number where the name is known.
func (c *Client) Run(ctx context.Context, command string, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	ch, err := c.session.OpenSession(ctx)
	if err != nil {
		return -1, err
	}
	defer ch.Close()
	if c.config.ForwardAgent && c.agent != nil {
		if err := ch.RequestAgentForwarding(); err != nil {
			c.debugf("agent forwarding: %v", err)
		}
	}
	if err := ch.Exec(command); err != nil {
		return -1, err
	}
	return c.attach(ctx, ch, stdin, stdout, stderr)
}

// Output runs command and returns its standard output.
func (c *Client) Output(ctx context.Context, command string) ([]byte, int, error) {
	var out bytes.Buffer
	status, err := c.Run(ctx, command, nil, &out, io.Discard)
	return out.Bytes(), status, err
}

// attach copies the channel streams until the remote side closes.
func (c *Client) attach(ctx context.Context, ch *xssh.Channel, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	if stdin != nil {
		go func() {
			if _, err := io.Copy(ch, stdin); err != nil {
				c.debugf("stdin: %v", err)
			}
			ch.SendEOF()
		}()
	} else if err := ch.SendEOF(); err != nil {
		return -1, err
	}
	stop := context.AfterFunc(ctx, func() { ch.Close() })
	defer stop()
	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(stdout, ch)
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(stderr, ch.StderrPipe())
		return err
	})
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return -1, ctx.Err()
		}
		return -1, err
	}
	if err := ch.WaitClose(); err != nil && !errors.Is(err, xssh.ErrAlreadyClosed) {
		return -1, err
	}
	if status, ok := ch.ExitStatus(); ok {
		return status, nil
	}
	if sig := ch.ExitSignal(); sig != nil {
		return 128 + signalNumbers[ssh.Signal(sig.Signal)], fmt.Errorf("remote command killed by signal %s", sig.Signal)
	}
	return -1, errors.New("remote command exited without status")
}

var signalNumbers = map[ssh.Signal]int{
	ssh.SIGHUP: 1, ssh.SIGINT: 2, ssh.SIGQUIT: 3, ssh.SIGILL: 4, ssh.SIGABRT: 6,
	ssh.SIGFPE: 8, ssh.SIGKILL: 9, ssh.SIGSEGV: 11, ssh.SIGPIPE: 13,
	ssh.SIGALRM: 14, ssh.SIGTERM: 15, ssh.SIGUSR1: 10, ssh.SIGUSR2: 12,
}

// Close disconnects and releases the agent connection.
func (c *Client) Close() error {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	if c.agent != nil {
		c.agent.Close()
	}
	return c.session.Close()
}

func (c *Client) debugf(f string, args ...interface{}) {
	if c.config.Logger != nil {
		c.config.Logger.Debug(fmt.Sprintf(f, args...))
	}
}

func (c *Client) infof(f string, args ...interface{}) {
	if c.config.Logger != nil {
		c.config.Logger.Info(fmt.Sprintf(f, args...))
	}
}

func (c *Client) errorf(f string, args ...interface{}) {
	if c.config.Logger != nil {
		c.config.Logger.Error(fmt.Sprintf(f, args...))
	}
}
