package xssh

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jpillora/sshc-lite/engine/enginetest"
	"github.com/jpillora/sshc-lite/key"
	"github.com/jpillora/sshc-lite/transport"
	"github.com/jpillora/sshc-lite/xnet"
	"golang.org/x/crypto/ssh"
)

// testPeer is the scripted server end of a session using enginetest framing.
type testPeer struct {
	t *testing.T
	*enginetest.Peer
}

// newTestSession returns an authenticated session and its peer.
func newTestSession(t *testing.T, cfg *Config) (*Session, *testPeer) {
	t.Helper()
	s, peer := newUnauthenticatedSession(t, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	errc := make(chan error, 1)
	go func() {
		errc <- func() error {
			if _, err := peer.next(msgUserAuthRequest); err != nil {
				return err
			}
			return peer.WritePacket([]byte{msgUserAuthSuccess})
		}()
	}()
	if err := s.AuthenticatePassword(ctx, "tester", "secret"); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("peer: %v", err)
	}
	return s, peer
}

// newUnauthenticatedSession returns a session that finished key exchange
// and is waiting to authenticate.
func newUnauthenticatedSession(t *testing.T, cfg *Config) (*Session, *testPeer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, server, err := xnet.Pair(ctx)
	if err != nil {
		t.Fatalf("pair: %v", err)
	}
	peer := &testPeer{t: t, Peer: enginetest.NewPeer(server)}
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.Engine = &enginetest.Engine{}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	s := NewSession(transport.New(client), cfg)
	t.Cleanup(func() {
		s.Close()
		peer.Close()
	})

	hostKey, err := key.PublicKeyFromSeed("peer-host")
	if err != nil {
		t.Fatalf("host key: %v", err)
	}
	errc := make(chan error, 1)
	go func() {
		errc <- func() error {
			if err := peer.Handshake(hostKey); err != nil {
				return err
			}
			if _, err := peer.next(msgServiceRequest); err != nil {
				return err
			}
			return peer.WritePacket(ssh.Marshal(&serviceAcceptMsg{Service: serviceUserAuth}))
		}()
	}()
	if err := s.Handshake(ctx); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("peer: %v", err)
	}
	return s, peer
}

// next reads the next packet and checks its type.
func (p *testPeer) next(typ byte) ([]byte, error) {
	pkt, err := p.ReadPacket()
	if err != nil {
		return nil, err
	}
	if pkt[0] != typ {
		return nil, fmt.Errorf("expected message %d, got %d", typ, pkt[0])
	}
	return pkt, nil
}

// expect is next for the test goroutine.
func (p *testPeer) expect(typ byte) []byte {
	p.t.Helper()
	pkt, err := p.next(typ)
	if err != nil {
		p.t.Fatal(err)
	}
	return pkt
}

func (p *testPeer) send(msg any) {
	p.t.Helper()
	if err := p.WritePacket(ssh.Marshal(msg)); err != nil {
		p.t.Fatalf("peer write: %v", err)
	}
}

// open opens a session channel, confirming it as remoteID with the given
// send window.
func (p *testPeer) open(s *Session, remoteID, window uint32) *Channel {
	p.t.Helper()
	type result struct {
		c   *Channel
		err error
	}
	done := make(chan result, 1)
	go func() {
		c, err := s.OpenSession(context.Background())
		done <- result{c, err}
	}()
	var m channelOpenMsg
	if err := ssh.Unmarshal(p.expect(msgChannelOpen), &m); err != nil {
		p.t.Fatalf("channel open: %v", err)
	}
	p.send(&channelOpenConfirmMsg{PeersID: m.PeersID, MyID: remoteID, MyWindow: window, MaxPacketSize: 32 * 1024})
	r := <-done
	if r.err != nil {
		p.t.Fatalf("open session: %v", r.err)
	}
	return r.c
}

func (p *testPeer) data(c *Channel, s string) {
	p.t.Helper()
	p.send(&channelDataMsg{PeersID: c.localID, Data: []byte(s)})
}
