// Package engine implements the SSH transport layer (RFC 4253) used underneath
// a session: version exchange, key exchange, and binary packet framing.
package engine

import (
	"context"
	"crypto/rand"
	"errors"
	"io"

	"golang.org/x/crypto/ssh"
)

// ErrIncomplete is returned by Decode when buf does not yet hold a whole packet.
var ErrIncomplete = errors.New("engine: incomplete packet")

// Engine is the opaque handshake and framing capability a session drives.
// Implementations are not safe for concurrent use; the session serializes
// every call.
type Engine interface {
	// Handshake runs the version exchange and the initial key exchange.
	Handshake(ctx context.Context, w Wire) (*Result, error)
	// Rekey answers a key exchange started by the peer. peerKexInit is the
	// KEXINIT payload already read by the session.
	Rekey(ctx context.Context, w Wire, peerKexInit []byte) (*Result, error)
	// Encode frames and seals one payload.
	Encode(payload []byte) ([]byte, error)
	// Decode opens the first packet in buf and reports how many bytes it
	// consumed.
	Decode(buf []byte) (payload []byte, n int, err error)
}

// Wire is the byte level view of the transport that the session lends to an
// engine for the duration of a key exchange.
type Wire interface {
	WriteRaw(p []byte) error
	ReadLine() ([]byte, error)
	ReadPacket() ([]byte, error)
	WritePacket(payload []byte) error
}

// Algorithms lists the negotiated algorithm names.
type Algorithms struct {
	KeyExchange       string
	HostKey           string
	CipherClientToSrv string
	CipherSrvToClient string
	MACClientToSrv    string
	MACSrvToClient    string
	Compression       string
}

// Result describes a completed key exchange.
type Result struct {
	SessionID     []byte
	ExchangeHash  []byte
	HostKey       ssh.PublicKey
	Algorithms    Algorithms
	ClientVersion string
	ServerVersion string
	StrictKex     bool
}

// Config tunes the client engine.
type Config struct {
	// ClientVersion is sent during version exchange, without trailing CRLF.
	ClientVersion string
	KeyExchanges  []string
	// HostKeyAlgorithms in order of preference.
	HostKeyAlgorithms []string
	Ciphers           []string
	// Rand defaults to crypto/rand.
	Rand io.Reader
}

const DefaultClientVersion = "SSH-2.0-sshc-lite"

var (
	defaultKeyExchanges = []string{
		kexCurve25519,
		kexCurve25519LibSSH,
	}
	defaultHostKeyAlgorithms = []string{
		ssh.KeyAlgoED25519,
		ssh.KeyAlgoECDSA256,
		ssh.KeyAlgoECDSA384,
		ssh.KeyAlgoECDSA521,
		ssh.KeyAlgoRSASHA512,
		ssh.KeyAlgoRSASHA256,
	}
	defaultCiphers = []string{
		cipherChaCha20Poly1305,
		cipherAES128GCM,
		cipherAES256GCM,
	}
)

func (c *Config) setDefaults() {
	if c.ClientVersion == "" {
		c.ClientVersion = DefaultClientVersion
	}
	if len(c.KeyExchanges) == 0 {
		c.KeyExchanges = defaultKeyExchanges
	}
	if len(c.HostKeyAlgorithms) == 0 {
		c.HostKeyAlgorithms = defaultHostKeyAlgorithms
	}
	if len(c.Ciphers) == 0 {
		c.Ciphers = defaultCiphers
	}
	if c.Rand == nil {
		c.Rand = rand.Reader
	}
}

// SupportedCiphers returns the cipher names New accepts.
func SupportedCiphers() []string {
	names := make([]string, 0, len(cipherModes))
	for _, name := range defaultCiphers {
		if _, ok := cipherModes[name]; ok {
			names = append(names, name)
		}
	}
	return names
}
