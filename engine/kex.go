package engine

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"math/big"
	"slices"
	"strings"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/ssh"
)

const (
	kexCurve25519       = "curve25519-sha256"
	kexCurve25519LibSSH = "curve25519-sha256@libssh.org"
	kexStrictClient     = "kex-strict-c-v00@openssh.com"
	kexStrictServer     = "kex-strict-s-v00@openssh.com"

	msgDisconnect = 1
	msgIgnore     = 2
	msgDebug      = 4
	msgKexInit    = 20
	msgNewKeys    = 21
	msgKexReply   = 31
)

type kexInitMsg struct {
	Cookie                  [16]byte `sshtype:"20"`
	KexAlgos                []string
	ServerHostKeyAlgos      []string
	CiphersClientServer     []string
	CiphersServerClient     []string
	MACsClientServer        []string
	MACsServerClient        []string
	CompressionClientServer []string
	CompressionServerClient []string
	LanguagesClientServer   []string
	LanguagesServerClient   []string
	FirstKexFollows         bool
	Reserved                uint32
}

type kexECDHInitMsg struct {
	ClientPubKey []byte `sshtype:"30"`
}

type kexECDHReplyMsg struct {
	HostKey         []byte `sshtype:"31"`
	EphemeralPubKey []byte
	Signature       []byte
}

type disconnectMsg struct {
	Reason   uint32 `sshtype:"1"`
	Message  string
	Language string
}

// hostKeyTypes maps a host key algorithm to the key type it signs with.
var hostKeyTypes = map[string]string{
	ssh.KeyAlgoED25519:   ssh.KeyAlgoED25519,
	ssh.KeyAlgoECDSA256:  ssh.KeyAlgoECDSA256,
	ssh.KeyAlgoECDSA384:  ssh.KeyAlgoECDSA384,
	ssh.KeyAlgoECDSA521:  ssh.KeyAlgoECDSA521,
	ssh.KeyAlgoRSASHA256: ssh.KeyAlgoRSA,
	ssh.KeyAlgoRSASHA512: ssh.KeyAlgoRSA,
}

// macPlaceholder is offered so MAC lists are never empty; every supported
// cipher is an AEAD and ignores the negotiated MAC.
var macPlaceholder = []string{"hmac-sha2-256-etm@openssh.com", "hmac-sha2-256"}

// direction is one half of the packet stream.
type direction struct {
	cipher packetCipher
	seq    uint32
}

// Client is the client side of the SSH transport protocol.
type Client struct {
	config Config

	in, out direction

	clientVersion []byte
	serverVersion []byte
	sessionID     []byte
	strict        bool
	result        *Result
}

// New returns an engine ready for Handshake.
func New(config *Config) *Client {
	c := &Client{}
	if config != nil {
		c.config = *config
	}
	c.config.setDefaults()
	c.in.cipher = plainCipher{}
	c.out.cipher = plainCipher{}
	return c
}

// Encode seals payload with the current outbound keys.
func (c *Client) Encode(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("engine: empty payload")
	}
	packet, err := c.out.cipher.seal(c.out.seq, payload, c.config.Rand)
	if err != nil {
		return nil, err
	}
	c.out.seq++
	return packet, nil
}

// Decode opens the first packet in buf with the current inbound keys.
func (c *Client) Decode(buf []byte) ([]byte, int, error) {
	payload, n, err := c.in.cipher.open(c.in.seq, buf)
	if err != nil {
		return nil, 0, err
	}
	c.in.seq++
	return payload, n, nil
}

// Handshake implements Engine.
func (c *Client) Handshake(ctx context.Context, w Wire) (*Result, error) {
	if c.sessionID != nil {
		return nil, fmt.Errorf("engine: handshake already completed")
	}
	if err := c.exchangeVersions(w); err != nil {
		return nil, err
	}
	return c.kex(ctx, w, nil)
}

// Rekey implements Engine.
func (c *Client) Rekey(ctx context.Context, w Wire, peerKexInit []byte) (*Result, error) {
	if c.sessionID == nil {
		return nil, fmt.Errorf("engine: rekey before handshake")
	}
	return c.kex(ctx, w, peerKexInit)
}

func (c *Client) exchangeVersions(w Wire) error {
	c.clientVersion = []byte(c.config.ClientVersion)
	if err := w.WriteRaw(append(append([]byte(nil), c.clientVersion...), '\r', '\n')); err != nil {
		return fmt.Errorf("write version: %w", err)
	}
	// servers may send other lines before the version string
	for i := 0; i < 64; i++ {
		line, err := w.ReadLine()
		if err != nil {
			return fmt.Errorf("read version: %w", err)
		}
		line = bytes.TrimRight(line, "\r\n")
		if !bytes.HasPrefix(line, []byte("SSH-")) {
			continue
		}
		if !bytes.HasPrefix(line, []byte("SSH-2.0-")) && !bytes.HasPrefix(line, []byte("SSH-1.99-")) {
			return fmt.Errorf("unsupported protocol version %q", line)
		}
		c.serverVersion = append([]byte(nil), line...)
		return nil
	}
	return fmt.Errorf("no version string from server")
}

func (c *Client) kexInit() (*kexInitMsg, error) {
	msg := &kexInitMsg{
		KexAlgos:                slices.Clone(c.config.KeyExchanges),
		ServerHostKeyAlgos:      c.config.HostKeyAlgorithms,
		CiphersClientServer:     c.config.Ciphers,
		CiphersServerClient:     c.config.Ciphers,
		MACsClientServer:        macPlaceholder,
		MACsServerClient:        macPlaceholder,
		CompressionClientServer: []string{"none"},
		CompressionServerClient: []string{"none"},
	}
	if c.sessionID == nil {
		msg.KexAlgos = append(msg.KexAlgos, kexStrictClient)
	}
	if _, err := io.ReadFull(c.config.Rand, msg.Cookie[:]); err != nil {
		return nil, err
	}
	return msg, nil
}

// readKex returns the next key exchange packet. Outside strict mode, IGNORE and
// DEBUG packets are skipped.
func (c *Client) readKex(w Wire) ([]byte, error) {
	for {
		p, err := w.ReadPacket()
		if err != nil {
			return nil, err
		}
		switch p[0] {
		case msgIgnore, msgDebug:
			if c.strict && c.sessionID == nil {
				return nil, fmt.Errorf("unexpected message %d during strict key exchange", p[0])
			}
			continue
		case msgDisconnect:
			var d disconnectMsg
			if err := ssh.Unmarshal(p, &d); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("server disconnected: %s (reason %d)", d.Message, d.Reason)
		}
		return p, nil
	}
}

func (c *Client) kex(ctx context.Context, w Wire, peerInit []byte) (*Result, error) {
	ours, err := c.kexInit()
	if err != nil {
		return nil, err
	}
	ourPayload := ssh.Marshal(ours)
	if err := w.WritePacket(ourPayload); err != nil {
		return nil, fmt.Errorf("write kexinit: %w", err)
	}
	if peerInit == nil {
		if peerInit, err = c.readKex(w); err != nil {
			return nil, fmt.Errorf("read kexinit: %w", err)
		}
	}
	var theirs kexInitMsg
	if err := ssh.Unmarshal(peerInit, &theirs); err != nil {
		return nil, fmt.Errorf("parse kexinit: %w", err)
	}
	if c.sessionID == nil && slices.Contains(theirs.KexAlgos, kexStrictServer) {
		c.strict = true
	}
	algs, err := negotiate(ours, &theirs)
	if err != nil {
		return nil, err
	}
	if theirs.FirstKexFollows && (theirs.KexAlgos[0] != algs.KeyExchange || theirs.ServerHostKeyAlgos[0] != algs.HostKey) {
		// wrong guess, the server's speculative packet is discarded
		if _, err := c.readKex(w); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var priv [32]byte
	if _, err := io.ReadFull(c.config.Rand, priv[:]); err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	if err := w.WritePacket(ssh.Marshal(&kexECDHInitMsg{ClientPubKey: pub})); err != nil {
		return nil, fmt.Errorf("write ecdh init: %w", err)
	}
	p, err := c.readKex(w)
	if err != nil {
		return nil, fmt.Errorf("read ecdh reply: %w", err)
	}
	if p[0] != msgKexReply {
		return nil, fmt.Errorf("expected ecdh reply, got message %d", p[0])
	}
	var reply kexECDHReplyMsg
	if err := ssh.Unmarshal(p, &reply); err != nil {
		return nil, fmt.Errorf("parse ecdh reply: %w", err)
	}
	if len(reply.EphemeralPubKey) != 32 {
		return nil, fmt.Errorf("invalid server ephemeral key length %d", len(reply.EphemeralPubKey))
	}
	secret, err := curve25519.X25519(priv[:], reply.EphemeralPubKey)
	if err != nil {
		return nil, fmt.Errorf("shared secret: %w", err)
	}
	K := ssh.Marshal(struct{ K *big.Int }{new(big.Int).SetBytes(secret)})

	h := sha256.New()
	h.Write(ssh.Marshal(struct {
		ClientVersion, ServerVersion []byte
		ClientInit, ServerInit       []byte
		HostKey, ClientPub, ServerEC []byte
	}{c.clientVersion, c.serverVersion, ourPayload, peerInit, reply.HostKey, pub, reply.EphemeralPubKey}))
	h.Write(K)
	H := h.Sum(nil)

	hostKey, err := verifyHostKey(algs.HostKey, reply.HostKey, reply.Signature, H)
	if err != nil {
		return nil, err
	}
	if c.sessionID == nil {
		c.sessionID = H
	}

	inMode, outMode := cipherModes[algs.CipherSrvToClient], cipherModes[algs.CipherClientToSrv]
	outCipher, err := outMode.create(c.derive(K, H, 'C', outMode.keySize), c.derive(K, H, 'A', outMode.ivSize))
	if err != nil {
		return nil, err
	}
	inCipher, err := inMode.create(c.derive(K, H, 'D', inMode.keySize), c.derive(K, H, 'B', inMode.ivSize))
	if err != nil {
		return nil, err
	}

	if err := w.WritePacket([]byte{msgNewKeys}); err != nil {
		return nil, fmt.Errorf("write newkeys: %w", err)
	}
	c.out.cipher = outCipher
	if c.strict {
		c.out.seq = 0
	}
	p, err = c.readKex(w)
	if err != nil {
		return nil, fmt.Errorf("read newkeys: %w", err)
	}
	if p[0] != msgNewKeys || len(p) != 1 {
		return nil, fmt.Errorf("expected newkeys, got message %d", p[0])
	}
	c.in.cipher = inCipher
	if c.strict {
		c.in.seq = 0
	}

	c.result = &Result{
		SessionID:     c.sessionID,
		ExchangeHash:  H,
		HostKey:       hostKey,
		Algorithms:    algs,
		ClientVersion: string(c.clientVersion),
		ServerVersion: string(c.serverVersion),
		StrictKex:     c.strict,
	}
	return c.result, nil
}

// derive computes key material for tag per RFC 4253 section 7.2.
func (c *Client) derive(K, H []byte, tag byte, size int) []byte {
	out := make([]byte, 0, size)
	var sofar []byte
	for len(out) < size {
		h := sha256.New()
		h.Write(K)
		h.Write(H)
		if len(sofar) == 0 {
			h.Write([]byte{tag})
			h.Write(c.sessionID)
		} else {
			h.Write(sofar)
		}
		digest := h.Sum(nil)
		sofar = append(sofar, digest...)
		out = append(out, digest...)
	}
	return out[:size]
}

func verifyHostKey(algo string, blob, sigBlob, H []byte) (ssh.PublicKey, error) {
	key, err := ssh.ParsePublicKey(blob)
	if err != nil {
		return nil, fmt.Errorf("parse host key: %w", err)
	}
	if want := hostKeyTypes[algo]; key.Type() != want {
		return nil, fmt.Errorf("host key type %s does not match algorithm %s", key.Type(), algo)
	}
	var sig ssh.Signature
	if err := ssh.Unmarshal(sigBlob, &sig); err != nil {
		return nil, fmt.Errorf("parse host signature: %w", err)
	}
	if sig.Format != algo {
		return nil, fmt.Errorf("host signature format %s does not match algorithm %s", sig.Format, algo)
	}
	if err := key.Verify(H, &sig); err != nil {
		return nil, fmt.Errorf("host key signature: %w", err)
	}
	return key, nil
}

func findCommon(what string, client, server []string) (string, error) {
	for _, c := range client {
		if slices.Contains(server, c) {
			return c, nil
		}
	}
	return "", fmt.Errorf("no common algorithm for %s; client offered: [%s], server offered: [%s]",
		what, strings.Join(client, ","), strings.Join(server, ","))
}

func negotiate(client, server *kexInitMsg) (algs Algorithms, err error) {
	if algs.KeyExchange, err = findCommon("key exchange", client.KexAlgos, server.KexAlgos); err != nil {
		return
	}
	if algs.HostKey, err = findCommon("host key", client.ServerHostKeyAlgos, server.ServerHostKeyAlgos); err != nil {
		return
	}
	if algs.CipherClientToSrv, err = findCommon("client to server cipher", client.CiphersClientServer, server.CiphersClientServer); err != nil {
		return
	}
	if algs.CipherSrvToClient, err = findCommon("server to client cipher", client.CiphersServerClient, server.CiphersServerClient); err != nil {
		return
	}
	if algs.Compression, err = findCommon("compression", client.CompressionClientServer, server.CompressionClientServer); err != nil {
		return
	}
	if _, err = findCommon("compression", client.CompressionServerClient, server.CompressionServerClient); err != nil {
		return
	}
	return algs, nil
}
