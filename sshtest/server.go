// Package sshtest runs an in-process SSH server for exercising the client.
// It supports password, public key and keyboard-interactive authentication,
// exec and shell sessions with an optional pty, the sftp subsystem, TCP
// forwarding in both directions and agent forwarding, and reports what it
// observed on an EventBus.
package sshtest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/jpillora/sshc-lite/key"
	"github.com/jpillora/sshc-lite/xnet"
	"golang.org/x/crypto/ssh"
)

// ServerOption configures a Server.
type ServerOption func(*serverConfig)

type serverConfig struct {
	keySeed       string
	passwords     map[string]string
	answers       map[string]string
	authKeys      key.Map
	banner        string
	noAuth        bool
	sftp          bool
	tcpForwarding bool
	shell         string
	workDir       string
	logger        *slog.Logger
	events        *EventBus
}

func defaultServerConfig() *serverConfig {
	return &serverConfig{
		keySeed:       "sshtest-host-key",
		passwords:     map[string]string{},
		answers:       map[string]string{},
		authKeys:      key.Map{},
		sftp:          true,
		tcpForwarding: true,
		shell:         "sh",
	}
}

// WithKeySeed derives the host key from seed.
func WithKeySeed(seed string) ServerOption {
	return func(c *serverConfig) { c.keySeed = seed }
}

// WithPassword accepts password for user.
func WithPassword(user, password string) ServerOption {
	return func(c *serverConfig) { c.passwords[user] = password }
}

// WithKeyboardInteractive accepts user when the single prompt is answered
// with answer.
func WithKeyboardInteractive(user, answer string) ServerOption {
	return func(c *serverConfig) { c.answers[user] = answer }
}

// WithAuthorizedKey accepts public key authentication with k for any user.
func WithAuthorizedKey(k ssh.PublicKey) ServerOption {
	return func(c *serverConfig) { c.authKeys[string(k.Marshal())] = ssh.FingerprintSHA256(k) }
}

// WithBanner sends banner before authentication.
func WithBanner(banner string) ServerOption {
	return func(c *serverConfig) { c.banner = banner }
}

// WithNoAuth lets every client in without credentials.
func WithNoAuth() ServerOption {
	return func(c *serverConfig) { c.noAuth = true }
}

func WithSFTP(enabled bool) ServerOption {
	return func(c *serverConfig) { c.sftp = enabled }
}

func WithTCPForwarding(enabled bool) ServerOption {
	return func(c *serverConfig) { c.tcpForwarding = enabled }
}

// WithShell sets the shell used for shell and exec requests.
func WithShell(shell string) ServerOption {
	return func(c *serverConfig) { c.shell = shell }
}

// WithWorkDir sets the directory commands and sftp start in.
func WithWorkDir(dir string) ServerOption {
	return func(c *serverConfig) { c.workDir = dir }
}

func WithLogger(l *slog.Logger) ServerOption {
	return func(c *serverConfig) { c.logger = l }
}

func WithEvents(events *EventBus) ServerOption {
	return func(c *serverConfig) { c.events = events }
}

// Server is a test SSH server.
type Server struct {
	config   *serverConfig
	ssh      *ssh.ServerConfig
	hostKey  ssh.Signer
	events   *EventBus
	listener net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewServer builds a server. Call Start to listen on loopback TCP, or Pipe
// for an in-memory connection.
func NewServer(opts ...ServerOption) (*Server, error) {
	cfg := defaultServerConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	signer, err := key.SignerFromSeed(cfg.keySeed)
	if err != nil {
		return nil, fmt.Errorf("host key: %w", err)
	}
	s := &Server{
		config:  cfg,
		hostKey: signer,
		events:  cfg.events,
		conns:   map[net.Conn]struct{}{},
	}
	if s.events == nil {
		s.events = NewEventBus()
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.ssh = s.serverConfig()
	s.ssh.AddHostKey(signer)
	return s, nil
}

func (s *Server) serverConfig() *ssh.ServerConfig {
	cfg := s.config
	sc := &ssh.ServerConfig{NoClientAuth: cfg.noAuth}
	if len(cfg.passwords) > 0 {
		sc.PasswordCallback = func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if want, ok := cfg.passwords[conn.User()]; ok && want == string(password) {
				s.events.Emit("auth.accepted", "method", "password", "user", conn.User())
				return nil, nil
			}
			s.events.Emit("auth.rejected", "method", "password", "user", conn.User())
			return nil, errors.New("invalid password")
		}
	}
	if len(cfg.authKeys) > 0 {
		sc.PublicKeyCallback = func(conn ssh.ConnMetadata, k ssh.PublicKey) (*ssh.Permissions, error) {
			if cfg.authKeys.HasKey(k) {
				s.events.Emit("auth.accepted", "method", "publickey", "user", conn.User(), "key", ssh.FingerprintSHA256(k))
				return nil, nil
			}
			s.events.Emit("auth.rejected", "method", "publickey", "user", conn.User(), "key", ssh.FingerprintSHA256(k))
			return nil, errors.New("unknown key")
		}
	}
	if len(cfg.answers) > 0 {
		sc.KeyboardInteractiveCallback = func(conn ssh.ConnMetadata, client ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
			answers, err := client(conn.User(), "sshtest", []string{"Answer: "}, []bool{false})
			if err != nil {
				return nil, err
			}
			if want, ok := cfg.answers[conn.User()]; ok && len(answers) == 1 && answers[0] == want {
				s.events.Emit("auth.accepted", "method", "keyboard-interactive", "user", conn.User())
				return nil, nil
			}
			s.events.Emit("auth.rejected", "method", "keyboard-interactive", "user", conn.User())
			return nil, errors.New("wrong answer")
		}
	}
	if cfg.banner != "" {
		sc.BannerCallback = func(ssh.ConnMetadata) string { return cfg.banner }
	}
	return sc
}

func (s *Server) debugf(f string, args ...interface{}) {
	if s.config.logger != nil {
		s.config.logger.Debug(fmt.Sprintf(f, args...))
	}
}

// Start listens on a random loopback port.
func (s *Server) Start() error {
	l, addr, err := xnet.GetRandomListener()
	if err != nil {
		return err
	}
	s.listener = l
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			s.serve(conn)
		}
	}()
	s.events.Emit("server.started", "addr", addr)
	return nil
}

// Pipe serves one in-memory connection and returns the client end.
func (s *Server) Pipe(ctx context.Context) (net.Conn, error) {
	client, server, err := xnet.Pair(ctx)
	if err != nil {
		return nil, err
	}
	s.serve(server)
	return client, nil
}

func (s *Server) serve(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
			conn.Close()
		}()
		s.handleConn(conn)
	}()
}

// Stop closes the listener and every connection, then waits for handlers.
func (s *Server) Stop() error {
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.events.Emit("server.stopped")
	return nil
}

// Addr returns the listen address after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) HostKey() ssh.PublicKey { return s.hostKey.PublicKey() }

func (s *Server) Events() *EventBus { return s.events }

func (s *Server) handleConn(conn net.Conn) {
	sc, chans, reqs, err := ssh.NewServerConn(conn, s.ssh)
	if err != nil {
		s.debugf("handshake failed: %v", err)
		s.events.Emit("conn.failed", "error", err.Error())
		return
	}
	defer sc.Close()
	s.events.Emit("conn.open", "user", sc.User(), "client", string(sc.ClientVersion()))
	fwd := newForwards(s, sc)
	defer fwd.closeAll()
	go fwd.handleGlobal(reqs)
	for nc := range chans {
		switch nc.ChannelType() {
		case "session":
			go s.handleSession(sc, nc)
		case "direct-tcpip":
			go fwd.handleDirect(nc)
		default:
			nc.Reject(ssh.UnknownChannelType, "unsupported channel type "+nc.ChannelType())
		}
	}
	s.events.Emit("conn.closed", "user", sc.User())
}
