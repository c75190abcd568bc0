package xssh

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jpillora/sshc-lite/engine"
	"github.com/jpillora/sshc-lite/transport"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// Session is a client connection to one SSH server. All of its methods, and
// the methods of the channels, listeners and SFTP handles it creates, are safe
// for concurrent use. Only one of them touches the transport at a time.
type Session struct {
	config Config
	engine engine.Engine
	tc     *transport.Conn

	mu       sync.Mutex
	changed  chan struct{}
	phase    Phase
	closeErr error
	blocking bool
	timeout  time.Duration

	inbuf   []byte
	scratch []byte
	result  *engine.Result
	banner  string
	user    string

	authQueue   [][]byte
	// USERAUTH requests sent whose final reply has not been read
	authPending int

	nextID        uint32
	channels      map[uint32]*Channel
	pendingOpens  map[string]*Channel
	listeners     []*Listener
	globalReplies []*pendingReply
	agentKeyring  agent.Agent
}

// pendingReply tracks one request awaiting SUCCESS or FAILURE.
type pendingReply struct {
	key  string
	done bool
	ok   bool
	data []byte
}

// NewSession wraps a connected transport. The session starts in
// PhaseConnecting; call Handshake next.
func NewSession(tc *transport.Conn, config *Config) *Session {
	var c Config
	if config != nil {
		c = *config
	}
	c.setDefaults()
	if c.Timeout > 0 {
		tc.SetWriteTimeout(c.Timeout)
	}
	return &Session{
		config:       c,
		engine:       c.Engine,
		tc:           tc,
		changed:      make(chan struct{}),
		phase:        PhaseConnecting,
		blocking:     !c.NonBlocking,
		timeout:      c.Timeout,
		scratch:      make([]byte, 32*1024),
		channels:     map[uint32]*Channel{},
		pendingOpens: map[string]*Channel{},
	}
}

// Handshake runs version exchange, key exchange and the ssh-userauth service
// request. Success moves the session to PhaseAuthenticating. Any failure is
// fatal and returns a *HandshakeError.
//
// Handshake always blocks, bounded by the session timeout and ctx.
func (s *Session) Handshake(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transition("handshake", PhaseHandshaking); err != nil {
		return err
	}
	if err := s.handshake(ctx); err != nil {
		herr := &HandshakeError{Err: err}
		s.closeErr = herr
		s.errorf("handshake failed: %v", err)
		s.teardown()
		return herr
	}
	s.infof("connected to %s (%s, %s)", s.result.ServerVersion,
		s.result.Algorithms.KeyExchange, s.result.Algorithms.CipherClientToSrv)
	return s.transition("handshake", PhaseAuthenticating)
}

func (s *Session) handshake(ctx context.Context) error {
	w := s.newWire(ctx)
	res, err := s.engine.Handshake(ctx, w)
	if err != nil {
		return err
	}
	s.result = res
	if cb := s.config.HostKeyCallback; cb != nil {
		if err := cb(res.HostKey); err != nil {
			return fmt.Errorf("host key rejected: %w", err)
		}
	}
	if err := w.WritePacket(ssh.Marshal(&serviceRequestMsg{Service: serviceUserAuth})); err != nil {
		return err
	}
	for {
		p, err := w.ReadPacket()
		if err != nil {
			return err
		}
		switch p[0] {
		case msgServiceAccept:
			var m serviceAcceptMsg
			if err := ssh.Unmarshal(p, &m); err != nil {
				return err
			}
			if m.Service != serviceUserAuth {
				return fmt.Errorf("server accepted unexpected service %q", m.Service)
			}
			return nil
		case msgIgnore, msgDebug, msgExtInfo:
		case msgUserAuthBanner:
			s.recordBanner(p)
		case msgDisconnect:
			return parseDisconnect(p)
		default:
			return fmt.Errorf("unexpected message %d awaiting service accept", p[0])
		}
	}
}

func parseDisconnect(p []byte) error {
	var m disconnectMsg
	if err := ssh.Unmarshal(p, &m); err != nil {
		return &TransportError{Err: err}
	}
	return &DisconnectError{Reason: DisconnectReason(m.Reason), Message: m.Message}
}

func (s *Session) recordBanner(p []byte) {
	var m userAuthBannerMsg
	if err := ssh.Unmarshal(p, &m); err == nil {
		s.banner = m.Message
	}
}

// Phase returns the current lifecycle phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Authenticated reports whether user authentication has succeeded.
func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase == PhaseReady
}

// User returns the authenticated user name.
func (s *Session) User() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// Banner returns the last authentication banner sent by the server.
func (s *Session) Banner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.banner
}

// HostKey returns the server host key, or nil before the handshake.
func (s *Session) HostKey() ssh.PublicKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result == nil {
		return nil
	}
	return s.result.HostKey
}

// HostKeyFingerprint returns the SHA256 fingerprint of the host key.
func (s *Session) HostKeyFingerprint() string {
	if k := s.HostKey(); k != nil {
		return ssh.FingerprintSHA256(k)
	}
	return ""
}

// SessionID returns the exchange hash of the first key exchange.
func (s *Session) SessionID() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result == nil {
		return nil
	}
	return append([]byte(nil), s.result.SessionID...)
}

// Algorithms returns the algorithms negotiated by the latest key exchange.
func (s *Session) Algorithms() engine.Algorithms {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result == nil {
		return engine.Algorithms{}
	}
	return s.result.Algorithms
}

// ServerVersion returns the server identification string.
func (s *Session) ServerVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result == nil {
		return ""
	}
	return s.result.ServerVersion
}

// SetBlocking switches between blocking and non-blocking mode. In
// non-blocking mode channel, listener and SFTP operations return
// ErrWouldBlock instead of waiting.
func (s *Session) SetBlocking(blocking bool) {
	s.mu.Lock()
	s.blocking = blocking
	s.mu.Unlock()
}

func (s *Session) Blocking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocking
}

// SetTimeout bounds every subsequent wait. Zero waits indefinitely.
func (s *Session) SetTimeout(d time.Duration) {
	s.mu.Lock()
	s.timeout = d
	s.mu.Unlock()
	s.tc.SetWriteTimeout(d)
}

func (s *Session) Timeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeout
}

// Err returns the error that closed the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

// SendKeepAlive sends a keepalive@openssh.com global request and waits for
// the reply. Servers answer it with failure, which counts as alive.
func (s *Session) SendKeepAlive(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require("keepalive", PhaseReady); err != nil {
		return err
	}
	_, _, err := s.globalRequest(ctx, "keepalive@openssh.com", nil)
	return err
}

// ForwardAgent serves keyring to the server over auth-agent@openssh.com
// channels. Request forwarding per channel with RequestAgentForwarding.
func (s *Session) ForwardAgent(keyring agent.Agent) {
	s.mu.Lock()
	s.agentKeyring = keyring
	s.mu.Unlock()
}

// Disconnect sends a DISCONNECT if the transport is still writable and
// closes the session. Every channel, listener and SFTP handle becomes
// invalid. Calling it again is a no-op.
func (s *Session) Disconnect(reason DisconnectReason, description string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseClosed {
		return nil
	}
	if err := s.transition("disconnect", PhaseDisconnecting); err != nil {
		return err
	}
	if s.tc.Err() == nil && s.result != nil {
		msg := ssh.Marshal(&disconnectMsg{Reason: uint32(reason), Message: description})
		if err := s.writePacket(msg); err != nil {
			s.debugf("disconnect notification not sent: %v", err)
		}
	}
	if s.phase != PhaseClosed {
		s.closeErr = ErrSessionClosed
		s.teardown()
	}
	s.infof("disconnected: %s", description)
	return nil
}

// Close disconnects with DisconnectByApplication.
func (s *Session) Close() error {
	return s.Disconnect(DisconnectByApplication, "closed by client")
}

// closedErr is the error reported to operations on a closed session.
func (s *Session) closedErr() error {
	var de *DisconnectError
	if errors.As(s.closeErr, &de) {
		return de
	}
	return ErrSessionClosed
}

// fail records a fatal error and tears the session down.
func (s *Session) fail(err error) {
	if s.phase == PhaseClosed {
		return
	}
	s.errorf("session failed: %v", err)
	s.closeErr = err
	s.teardown()
}

// teardown invalidates every child and closes the transport.
func (s *Session) teardown() {
	s.phase = PhaseClosed
	for id, c := range s.channels {
		c.invalidate()
		delete(s.channels, id)
	}
	for _, l := range s.listeners {
		l.invalidate()
	}
	s.listeners = nil
	s.globalReplies = nil
	s.pendingOpens = map[string]*Channel{}
	s.authQueue = nil
	s.authPending = 0
	s.tc.Close()
	s.broadcast()
}

// globalRequest sends a global request with want_reply set and waits for the
// answer. Connection level requests always block. Caller holds s.mu.
func (s *Session) globalRequest(ctx context.Context, name string, data []byte) (bool, []byte, error) {
	if err := s.writePacket(ssh.Marshal(&globalRequestMsg{Type: name, WantReply: true, Data: data})); err != nil {
		return false, nil, err
	}
	r := &pendingReply{key: name}
	s.globalReplies = append(s.globalReplies, r)
	if err := s.wait(ctx, true, func() bool { return r.done }); err != nil {
		return false, nil, err
	}
	return r.ok, r.data, nil
}

func (s *Session) handleGlobalReply(p []byte) error {
	if len(s.globalReplies) == 0 {
		return &TransportError{Err: errors.New("unsolicited global request reply")}
	}
	r := s.globalReplies[0]
	s.globalReplies = s.globalReplies[1:]
	r.done = true
	r.ok = p[0] == msgRequestSuccess
	r.data = append([]byte(nil), p[1:]...)
	return nil
}

func (s *Session) handleGlobalRequest(p []byte) error {
	var m globalRequestMsg
	if err := ssh.Unmarshal(p, &m); err != nil {
		return &TransportError{Err: err}
	}
	s.debugf("refusing global request %q", m.Type)
	if !m.WantReply {
		return nil
	}
	return s.writePacket(ssh.Marshal(&globalRequestFailureMsg{}))
}

func (s *Session) newChannel(kind string) *Channel {
	for {
		id := s.nextID
		s.nextID++
		if _, used := s.channels[id]; used {
			continue
		}
		c := &Channel{
			s:          s,
			kind:       kind,
			localID:    id,
			windowSize: s.config.WindowSize,
			window:     s.config.WindowSize,
			maxPacket:  s.config.MaxPacket,
			ext:        map[uint32]*bytes.Buffer{},
		}
		s.channels[id] = c
		return c
	}
}

func (s *Session) unregister(c *Channel) {
	if s.channels[c.localID] == c {
		delete(s.channels, c.localID)
	}
}

// OpenChannel opens a channel of the given type with type specific data
// extra. In non-blocking mode it returns ErrWouldBlock until the server
// answers; calling it again with the same arguments resumes the open.
// Only non-blocking opens are resumed, so concurrent non-blocking callers
// opening identical channels must take turns. Blocking opens are always
// independent.
func (s *Session) OpenChannel(ctx context.Context, kind string, extra []byte) (*Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openChannel(ctx, kind, extra, s.blocking)
}

func (s *Session) openChannel(ctx context.Context, kind string, extra []byte, blocking bool) (*Channel, error) {
	if err := s.require("open channel", PhaseReady); err != nil {
		return nil, err
	}
	key := kind + "\x00" + string(extra)
	c := s.pendingOpens[key]
	if blocking && c != nil {
		// a blocking caller takes the open over, others open their own
		delete(s.pendingOpens, key)
	}
	if c == nil {
		c = s.newChannel(kind)
		msg := ssh.Marshal(&channelOpenMsg{
			ChanType:         kind,
			PeersID:          c.localID,
			PeersWindow:      c.window,
			MaxPacketSize:    c.maxPacket,
			TypeSpecificData: extra,
		})
		if err := s.writePacket(msg); err != nil {
			return nil, err
		}
		if !blocking {
			s.pendingOpens[key] = c
		}
	}
	err := s.wait(ctx, blocking, func() bool { return c.opened || c.openErr != nil || c.err != nil })
	if errors.Is(err, ErrWouldBlock) {
		return nil, err
	}
	if s.pendingOpens[key] == c {
		delete(s.pendingOpens, key)
	}
	switch {
	case c.err != nil:
		return nil, c.err
	case c.openErr != nil:
		return nil, c.openErr
	case err != nil:
		// the server may still confirm; close it then
		c.abandoned = true
		return nil, err
	}
	s.debugf("opened %s channel %d (remote %d)", kind, c.localID, c.remoteID)
	return c, nil
}

// OpenSession opens a "session" channel for exec, shell or a subsystem.
func (s *Session) OpenSession(ctx context.Context) (*Channel, error) {
	return s.OpenChannel(ctx, "session", nil)
}

// OpenDirectTCPIP asks the server to connect to host:port on the client's
// behalf. originHost and originPort describe the requesting side.
func (s *Session) OpenDirectTCPIP(ctx context.Context, host string, port uint32, originHost string, originPort uint32) (*Channel, error) {
	extra := ssh.Marshal(&directTCPPayload{
		Host:       host,
		Port:       port,
		OriginHost: originHost,
		OriginPort: originPort,
	})
	return s.OpenChannel(ctx, "direct-tcpip", extra)
}

// handleOpen answers a channel open initiated by the server.
func (s *Session) handleOpen(p []byte) error {
	var m channelOpenMsg
	if err := ssh.Unmarshal(p, &m); err != nil {
		return &TransportError{Err: err}
	}
	switch m.ChanType {
	case "forwarded-tcpip":
		var fwd forwardedTCPPayload
		if err := ssh.Unmarshal(m.TypeSpecificData, &fwd); err != nil {
			return s.rejectOpen(m.PeersID, ConnectionFailed, "malformed forwarded-tcpip payload")
		}
		l := s.findListener(fwd.Host, fwd.Port)
		if l == nil {
			return s.rejectOpen(m.PeersID, Prohibited, "no forward registered")
		}
		c, err := s.acceptOpen(&m)
		if err != nil {
			return err
		}
		c.origin = fmt.Sprintf("%s:%d", fwd.OriginHost, fwd.OriginPort)
		l.queue = append(l.queue, c)
		s.debugf("queued forwarded connection from %s on port %d", c.origin, l.port)
		return nil
	case "auth-agent@openssh.com":
		keyring := s.agentKeyring
		if keyring == nil {
			return s.rejectOpen(m.PeersID, Prohibited, "agent forwarding disabled")
		}
		c, err := s.acceptOpen(&m)
		if err != nil {
			return err
		}
		go s.serveAgent(keyring, c)
		return nil
	}
	return s.rejectOpen(m.PeersID, UnknownChannelType, "unknown channel type "+m.ChanType)
}

func (s *Session) acceptOpen(m *channelOpenMsg) (*Channel, error) {
	c := s.newChannel(m.ChanType)
	c.remoteID = m.PeersID
	c.remoteWindow = m.PeersWindow
	c.remoteMaxPacket = m.MaxPacketSize
	c.opened = true
	err := s.writePacket(ssh.Marshal(&channelOpenConfirmMsg{
		PeersID:       m.PeersID,
		MyID:          c.localID,
		MyWindow:      c.window,
		MaxPacketSize: c.maxPacket,
	}))
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Session) rejectOpen(peer uint32, reason ChannelOpenReason, msg string) error {
	s.debugf("rejecting channel open: %s", msg)
	return s.writePacket(ssh.Marshal(&channelOpenFailureMsg{
		PeersID: peer,
		Reason:  uint32(reason),
		Message: msg,
	}))
}

// findListener matches a forwarded connection to a listener, first by exact
// address then by port alone.
func (s *Session) findListener(host string, port uint32) *Listener {
	for _, l := range s.listeners {
		if l.host == host && l.port == port {
			return l
		}
	}
	for _, l := range s.listeners {
		if l.port == port {
			return l
		}
	}
	// a port zero request still waiting on its reply
	for _, l := range s.listeners {
		if l.port == 0 {
			l.port = port
			return l
		}
	}
	return nil
}

// ForwardListen asks the server to listen on host:port and forward each
// connection back as a channel. Port zero lets the server pick one; the
// Listener reports the bound port.
func (s *Session) ForwardListen(ctx context.Context, host string, port uint32) (*Listener, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require("forward listen", PhaseReady); err != nil {
		return nil, err
	}
	// registered before the request, connections may be forwarded ahead
	// of the reply
	l := &Listener{s: s, host: host, port: port}
	s.listeners = append(s.listeners, l)
	ok, data, err := s.globalRequest(ctx, "tcpip-forward", ssh.Marshal(&forwardRequest{Host: host, Port: port}))
	if err == nil && !ok {
		err = &RequestError{Request: "tcpip-forward"}
	}
	if err != nil {
		s.removeListener(l)
		l.closeQueue()
		return nil, err
	}
	if port == 0 && len(data) >= 4 {
		l.port = binary.BigEndian.Uint32(data)
	}
	s.infof("server listening on %s", l.addr())
	return l, nil
}

func (s *Session) removeListener(l *Listener) {
	for i, other := range s.listeners {
		if other == l {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}
