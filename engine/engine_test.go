package engine

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/jpillora/sshc-lite/key"
	"github.com/jpillora/sshc-lite/xnet"
	"golang.org/x/crypto/ssh"
)

func TestCipherRoundTrip(t *testing.T) {
	for name, mode := range cipherModes {
		t.Run(name, func(t *testing.T) {
			k := make([]byte, mode.keySize)
			iv := make([]byte, mode.ivSize)
			rand.Read(k)
			rand.Read(iv)
			sealer, err := mode.create(k, iv)
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			opener, err := mode.create(k, iv)
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			var stream []byte
			payloads := [][]byte{[]byte("a"), bytes.Repeat([]byte("x"), 1000), []byte{94, 0, 0, 0, 1}}
			for i, p := range payloads {
				packet, err := sealer.seal(uint32(i), p, rand.Reader)
				if err != nil {
					t.Fatalf("seal: %v", err)
				}
				stream = append(stream, packet...)
			}
			for i, want := range payloads {
				if _, _, err := opener.open(uint32(i), stream[:3]); !errors.Is(err, ErrIncomplete) {
					t.Fatalf("expected ErrIncomplete for a short buffer, got %v", err)
				}
				got, n, err := opener.open(uint32(i), stream)
				if err != nil {
					t.Fatalf("open packet %d: %v", i, err)
				}
				if !bytes.Equal(got, want) {
					t.Fatalf("packet %d: expected %q, got %q", i, want, got)
				}
				stream = stream[n:]
			}
			if len(stream) != 0 {
				t.Fatalf("expected all bytes consumed, %d left", len(stream))
			}
		})
	}
}

func TestCipherRejectsTampering(t *testing.T) {
	k := make([]byte, 64)
	rand.Read(k)
	c, _ := newChaChaCipher(k, nil)
	packet, err := c.seal(7, []byte("payload"), rand.Reader)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	packet[len(packet)-1] ^= 0xff
	if _, _, err := c.open(7, packet); !errors.Is(err, errMACMismatch) {
		t.Fatalf("expected MAC mismatch, got %v", err)
	}
}

func TestPlainAlignment(t *testing.T) {
	for n := 1; n < 40; n++ {
		packet, err := plainCipher{}.seal(0, bytes.Repeat([]byte{1}, n), rand.Reader)
		if err != nil {
			t.Fatalf("seal: %v", err)
		}
		if len(packet)%8 != 0 {
			t.Fatalf("payload %d: packet length %d not aligned", n, len(packet))
		}
		if packet[4] < 4 {
			t.Fatalf("payload %d: padding %d too short", n, packet[4])
		}
	}
}

func TestNegotiate(t *testing.T) {
	client := &kexInitMsg{
		KexAlgos:                []string{kexCurve25519},
		ServerHostKeyAlgos:      []string{ssh.KeyAlgoED25519},
		CiphersClientServer:     []string{cipherChaCha20Poly1305},
		CiphersServerClient:     []string{cipherAES128GCM},
		CompressionClientServer: []string{"none"},
		CompressionServerClient: []string{"none"},
	}
	server := &kexInitMsg{
		KexAlgos:                []string{"ecdh-sha2-nistp256", kexCurve25519, kexStrictServer},
		ServerHostKeyAlgos:      []string{ssh.KeyAlgoRSASHA256, ssh.KeyAlgoED25519},
		CiphersClientServer:     []string{cipherAES128GCM, cipherChaCha20Poly1305},
		CiphersServerClient:     []string{cipherAES128GCM},
		CompressionClientServer: []string{"none", "zlib@openssh.com"},
		CompressionServerClient: []string{"none"},
	}
	algs, err := negotiate(client, server)
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if algs.KeyExchange != kexCurve25519 || algs.HostKey != ssh.KeyAlgoED25519 ||
		algs.CipherClientToSrv != cipherChaCha20Poly1305 || algs.CipherSrvToClient != cipherAES128GCM {
		t.Fatalf("unexpected algorithms %+v", algs)
	}
	server.KexAlgos = []string{"diffie-hellman-group14-sha1"}
	if _, err := negotiate(client, server); err == nil {
		t.Fatal("expected error with no common key exchange")
	}
}

// connWire is a minimal Wire over a buffered connection.
type connWire struct {
	e   *Client
	r   *bufio.Reader
	w   io.Writer
	buf []byte
}

func (c *connWire) WriteRaw(p []byte) error {
	_, err := c.w.Write(p)
	return err
}

func (c *connWire) ReadLine() ([]byte, error) {
	return c.r.ReadBytes('\n')
}

func (c *connWire) ReadPacket() ([]byte, error) {
	chunk := make([]byte, 4096)
	for {
		if len(c.buf) > 0 {
			p, n, err := c.e.Decode(c.buf)
			if err == nil {
				c.buf = c.buf[n:]
				return p, nil
			}
			if !errors.Is(err, ErrIncomplete) {
				return nil, err
			}
		}
		n, err := c.r.Read(chunk)
		if err != nil {
			return nil, err
		}
		c.buf = append(c.buf, chunk[:n]...)
	}
}

func (c *connWire) WritePacket(p []byte) error {
	b, err := c.e.Encode(p)
	if err != nil {
		return err
	}
	_, err = c.w.Write(b)
	return err
}

func handshakeWithServer(t *testing.T, ciphers []string) (*Result, *connWire) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	clientConn, serverConn, err := xnet.Pair(ctx)
	if err != nil {
		t.Fatalf("pair: %v", err)
	}
	t.Cleanup(func() { clientConn.Close(); serverConn.Close() })

	hostKey, err := key.SignerFromSeed("engine-host")
	if err != nil {
		t.Fatalf("host key: %v", err)
	}
	cfg := &ssh.ServerConfig{NoClientAuth: true}
	cfg.AddHostKey(hostKey)
	go func() {
		conn, chans, reqs, err := ssh.NewServerConn(serverConn, cfg)
		if err != nil {
			return
		}
		go ssh.DiscardRequests(reqs)
		for ch := range chans {
			ch.Reject(ssh.Prohibited, "test")
		}
		conn.Close()
	}()

	e := New(&Config{Ciphers: ciphers})
	w := &connWire{e: e, r: bufio.NewReader(clientConn), w: clientConn}
	res, err := e.Handshake(ctx, w)
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if !bytes.Equal(res.HostKey.Marshal(), hostKey.PublicKey().Marshal()) {
		t.Fatal("host key does not match server key")
	}
	return res, w
}

func TestHandshakeAgainstServer(t *testing.T) {
	for _, cipher := range SupportedCiphers() {
		t.Run(cipher, func(t *testing.T) {
			res, w := handshakeWithServer(t, []string{cipher})
			if res.Algorithms.CipherClientToSrv != cipher {
				t.Fatalf("expected %s, got %s", cipher, res.Algorithms.CipherClientToSrv)
			}
			if len(res.SessionID) != 32 {
				t.Fatalf("expected 32 byte session id, got %d", len(res.SessionID))
			}
			// the encrypted transport must carry a service request
			if err := w.WritePacket(ssh.Marshal(struct {
				Service string `sshtype:"5"`
			}{"ssh-userauth"})); err != nil {
				t.Fatalf("write service request: %v", err)
			}
			p, err := w.ReadPacket()
			if err != nil {
				t.Fatalf("read service accept: %v", err)
			}
			if p[0] != 6 {
				t.Fatalf("expected service accept, got message %d", p[0])
			}
		})
	}
}

func TestHandshakeBadServer(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	go io.Copy(io.Discard, b)
	go b.Write([]byte("SSH-1.5-ancient\r\n"))
	e := New(nil)
	r := bufio.NewReader(a)
	done := make(chan error, 1)
	go func() {
		_, err := e.Handshake(context.Background(), &connWire{e: e, r: r, w: a})
		done <- err
	}()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected version error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handshake did not fail")
	}
}
