package sshtest

import (
	"encoding/binary"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/jpillora/sshc-lite/xnet"
	"golang.org/x/crypto/ssh"
)

type forwardAddr struct {
	Host string
	Port uint32
}

type channelAddrs struct {
	Host       string
	Port       uint32
	OriginHost string
	OriginPort uint32
}

// forwards serves the forwarding requests of one connection.
type forwards struct {
	server    *Server
	conn      *ssh.ServerConn
	mu        sync.Mutex
	listeners map[string]net.Listener
}

func newForwards(s *Server, conn *ssh.ServerConn) *forwards {
	return &forwards{server: s, conn: conn, listeners: map[string]net.Listener{}}
}

func (f *forwards) handleGlobal(reqs <-chan *ssh.Request) {
	for req := range reqs {
		var ok bool
		var reply []byte
		switch req.Type {
		case "tcpip-forward":
			reply, ok = f.listen(req.Payload)
		case "cancel-tcpip-forward":
			ok = f.cancel(req.Payload)
		case "keepalive@openssh.com":
			f.server.events.Emit("keepalive")
		default:
			f.server.events.Emit("global.unknown", "type", req.Type)
		}
		if req.WantReply {
			req.Reply(ok, reply)
		}
	}
}

func (f *forwards) listen(payload []byte) ([]byte, bool) {
	var fa forwardAddr
	if !f.server.config.tcpForwarding || ssh.Unmarshal(payload, &fa) != nil {
		return nil, false
	}
	host := fa.Host
	if host == "" || host == "localhost" {
		host = "127.0.0.1"
	}
	l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(int(fa.Port))))
	if err != nil {
		f.server.debugf("tcpip-forward %s:%d: %v", fa.Host, fa.Port, err)
		return nil, false
	}
	port := uint32(l.Addr().(*net.TCPAddr).Port)
	f.mu.Lock()
	f.listeners[net.JoinHostPort(fa.Host, strconv.Itoa(int(port)))] = l
	f.mu.Unlock()
	f.server.events.Emit("forward.listen", "host", fa.Host, "port", strconv.Itoa(int(port)), "addr", l.Addr().String())
	go f.accept(l, fa.Host, port)
	var reply []byte
	if fa.Port == 0 {
		reply = binary.BigEndian.AppendUint32(nil, port)
	}
	return reply, true
}

func (f *forwards) cancel(payload []byte) bool {
	var fa forwardAddr
	if ssh.Unmarshal(payload, &fa) != nil {
		return false
	}
	addr := net.JoinHostPort(fa.Host, strconv.Itoa(int(fa.Port)))
	f.mu.Lock()
	l, ok := f.listeners[addr]
	delete(f.listeners, addr)
	f.mu.Unlock()
	if !ok {
		return false
	}
	l.Close()
	f.server.events.Emit("forward.cancel", "host", fa.Host, "port", strconv.Itoa(int(fa.Port)))
	return true
}

func (f *forwards) accept(l net.Listener, host string, port uint32) {
	defer l.Close()
	for {
		c, err := l.Accept()
		if err != nil {
			return
		}
		go f.forward(c, host, port)
	}
}

func (f *forwards) forward(c net.Conn, host string, port uint32) {
	origin := c.RemoteAddr().(*net.TCPAddr)
	payload := ssh.Marshal(&channelAddrs{
		Host:       host,
		Port:       port,
		OriginHost: origin.IP.String(),
		OriginPort: uint32(origin.Port),
	})
	ch, reqs, err := f.conn.OpenChannel("forwarded-tcpip", payload)
	if err != nil {
		f.server.debugf("forwarded-tcpip open: %v", err)
		f.server.events.Emit("forward.rejected", "error", err.Error())
		c.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	xnet.Pipe(ch, c)
}

func (f *forwards) handleDirect(nc ssh.NewChannel) {
	var addrs channelAddrs
	if err := ssh.Unmarshal(nc.ExtraData(), &addrs); err != nil {
		nc.Reject(ssh.ConnectionFailed, "invalid payload")
		return
	}
	if !f.server.config.tcpForwarding {
		nc.Reject(ssh.Prohibited, "forwarding disabled")
		return
	}
	dest := net.JoinHostPort(addrs.Host, strconv.Itoa(int(addrs.Port)))
	c, err := net.DialTimeout("tcp", dest, 5*time.Second)
	if err != nil {
		f.server.events.Emit("direct.failed", "dest", dest)
		nc.Reject(ssh.ConnectionFailed, "failed to connect to "+dest)
		return
	}
	ch, reqs, err := nc.Accept()
	if err != nil {
		c.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	f.server.events.Emit("direct.open", "dest", dest, "origin", net.JoinHostPort(addrs.OriginHost, strconv.Itoa(int(addrs.OriginPort))))
	xnet.Pipe(ch, c)
}

func (f *forwards) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for addr, l := range f.listeners {
		l.Close()
		delete(f.listeners, addr)
	}
}
