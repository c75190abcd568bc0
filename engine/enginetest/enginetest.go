// Package enginetest provides an unencrypted engine and a scripted peer that
// speaks the same framing, for deterministic tests of the session layer.
package enginetest

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/jpillora/sshc-lite/engine"
	"golang.org/x/crypto/ssh"
)

const maxFrame = 1 << 20

type hostKeyMsg struct {
	HostKey []byte `sshtype:"31"`
}

// Engine frames payloads as a four byte length followed by the payload. The
// handshake is a version exchange followed by one packet carrying the peer's
// host key.
type Engine struct{}

var _ engine.Engine = (*Engine)(nil)

func (e *Engine) Handshake(ctx context.Context, w engine.Wire) (*engine.Result, error) {
	if err := w.WriteRaw([]byte("SSH-2.0-enginetest\r\n")); err != nil {
		return nil, err
	}
	line, err := w.ReadLine()
	if err != nil {
		return nil, err
	}
	p, err := w.ReadPacket()
	if err != nil {
		return nil, err
	}
	var msg hostKeyMsg
	if err := ssh.Unmarshal(p, &msg); err != nil {
		return nil, fmt.Errorf("enginetest: %w", err)
	}
	pub, err := ssh.ParsePublicKey(msg.HostKey)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(msg.HostKey)
	return &engine.Result{
		SessionID:     sum[:],
		ExchangeHash:  sum[:],
		HostKey:       pub,
		Algorithms:    engine.Algorithms{KeyExchange: "none", HostKey: pub.Type(), Compression: "none"},
		ClientVersion: "SSH-2.0-enginetest",
		ServerVersion: string(trimCRLF(line)),
	}, nil
}

func (e *Engine) Rekey(ctx context.Context, w engine.Wire, peerKexInit []byte) (*engine.Result, error) {
	return nil, errors.New("enginetest: rekey not supported")
}

func (e *Engine) Encode(payload []byte) ([]byte, error) {
	return frame(payload), nil
}

func (e *Engine) Decode(buf []byte) ([]byte, int, error) {
	if len(buf) < 4 {
		return nil, 0, engine.ErrIncomplete
	}
	n := binary.BigEndian.Uint32(buf)
	if n == 0 || n > maxFrame {
		return nil, 0, fmt.Errorf("enginetest: bad frame length %d", n)
	}
	if len(buf) < 4+int(n) {
		return nil, 0, engine.ErrIncomplete
	}
	return append([]byte(nil), buf[4:4+n]...), 4 + int(n), nil
}

func frame(payload []byte) []byte {
	b := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(b, uint32(len(payload)))
	copy(b[4:], payload)
	return b
}

func trimCRLF(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

// Peer is the remote end of a connection using Engine framing.
type Peer struct {
	conn net.Conn
	r    *bufio.Reader
	wmu  sync.Mutex
}

func NewPeer(conn net.Conn) *Peer {
	return &Peer{conn: conn, r: bufio.NewReader(conn)}
}

// Handshake answers Engine.Handshake, announcing hostKey.
func (p *Peer) Handshake(hostKey ssh.PublicKey) error {
	if _, err := p.conn.Write([]byte("SSH-2.0-enginetest-peer\r\n")); err != nil {
		return err
	}
	if _, err := p.r.ReadBytes('\n'); err != nil {
		return err
	}
	return p.WritePacket(ssh.Marshal(&hostKeyMsg{HostKey: hostKey.Marshal()}))
}

// ReadPacket returns the next payload sent by the session.
func (p *Peer) ReadPacket() ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(p.r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 || n > maxFrame {
		return nil, fmt.Errorf("enginetest: bad frame length %d", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(p.r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// WritePacket sends one payload to the session. It is safe for concurrent use.
func (p *Peer) WritePacket(payload []byte) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	_, err := p.conn.Write(frame(payload))
	return err
}

// WriteRaw sends bytes without framing.
func (p *Peer) WriteRaw(b []byte) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	_, err := p.conn.Write(b)
	return err
}

func (p *Peer) Close() error {
	return p.conn.Close()
}
