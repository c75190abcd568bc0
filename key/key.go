// Package key generates, parses and loads SSH keys.
package key

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha512"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

// Map holds authorized public keys keyed by their wire encoding, with the
// comment as value.
type Map map[string]string

func (m Map) HasKey(k ssh.PublicKey) bool {
	_, ok := m[string(k.Marshal())]
	return ok
}

// GenerateKey returns a PEM encoded private key. A non-empty seed makes an
// ed25519 key deterministic.
func GenerateKey(seed string, ec bool) ([]byte, error) {
	var r io.Reader
	if seed == "" {
		r = rand.Reader
	} else {
		r = NewDetermRand([]byte(seed))
	}
	if ec {
		pri, err := ed25519Key(r)
		if err != nil {
			return nil, err
		}
		pemBlock, err := ssh.MarshalPrivateKey(pri, "")
		if err != nil {
			return nil, err
		}
		return pem.EncodeToMemory(pemBlock), nil
	}
	priv, err := rsa.GenerateKey(r, 2048)
	if err != nil {
		return nil, err
	}
	if err := priv.Validate(); err != nil {
		return nil, err
	}
	b := x509.MarshalPKCS1PrivateKey(priv)
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: b}), nil
}

func ed25519Key(r io.Reader) (ed25519.PrivateKey, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, err
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// SignerFromSeed returns a deterministic ed25519 signer.
func SignerFromSeed(seed string) (ssh.Signer, error) {
	pri, err := ed25519Key(NewDetermRand([]byte(seed)))
	if err != nil {
		return nil, err
	}
	return ssh.NewSignerFromKey(pri)
}

// PublicKeyFromSeed returns the public half of SignerFromSeed(seed).
func PublicKeyFromSeed(seed string) (ssh.PublicKey, error) {
	s, err := SignerFromSeed(seed)
	if err != nil {
		return nil, err
	}
	return s.PublicKey(), nil
}

// AuthorizedKeyEntry returns an authorized_keys line for the seeded key.
func AuthorizedKeyEntry(seed string) (string, error) {
	pub, err := PublicKeyFromSeed(seed)
	if err != nil {
		return "", err
	}
	return string(bytes.TrimSpace(ssh.MarshalAuthorizedKey(pub))), nil
}

// ParseKeys parses authorized_keys formatted data.
func ParseKeys(b []byte) (Map, error) {
	lines := bytes.Split(b, []byte("\n"))
	m := Map{}
	for _, l := range lines {
		if key, cmt, _, _, err := ssh.ParseAuthorizedKey(l); err == nil {
			m[string(key.Marshal())] = cmt
		}
	}
	if len(m) == 0 {
		return nil, fmt.Errorf("no keys found")
	}
	return m, nil
}

// Fingerprint returns the OpenSSH style SHA256 fingerprint of k.
func Fingerprint(k ssh.PublicKey) string {
	return ssh.FingerprintSHA256(k)
}

// LoadPrivateKey reads an OpenSSH or PEM private key file. The passphrase is
// only used when the key is encrypted.
func LoadPrivateKey(path string, passphrase []byte) (ssh.Signer, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(b)
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) {
		if len(passphrase) == 0 {
			return nil, fmt.Errorf("key %s is encrypted: %w", path, err)
		}
		signer, err = ssh.ParsePrivateKeyWithPassphrase(b, passphrase)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing key file %s: %w", path, err)
	}
	return signer, nil
}

// DefaultIdentityFiles lists the usual identity files in ~/.ssh.
func DefaultIdentityFiles() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	var paths []string
	for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
		paths = append(paths, filepath.Join(home, ".ssh", name))
	}
	return paths
}

// LoadSigners loads every readable key in paths. Missing files are skipped.
func LoadSigners(paths []string, passphrase []byte) ([]ssh.Signer, error) {
	var signers []ssh.Signer
	for _, p := range paths {
		s, err := LoadPrivateKey(p, passphrase)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		signers = append(signers, s)
	}
	return signers, nil
}

const DetermRandIter = 2048

// NewDetermRand returns a reader producing a deterministic byte stream
// derived from seed.
func NewDetermRand(seed []byte) io.Reader {
	var out []byte
	var next = seed
	for i := 0; i < DetermRandIter; i++ {
		next, out = hash(next)
	}
	return &DetermRand{
		next: next,
		out:  out,
	}
}

type DetermRand struct {
	next, out []byte
}

func (d *DetermRand) Read(b []byte) (int, error) {
	l := len(b)
	if l == 1 {
		// rsa.GenerateKey probes with single byte reads
		return 1, nil
	}
	n := 0
	for n < l {
		next, out := hash(d.next)
		n += copy(b[n:], out)
		d.next = next
	}
	return n, nil
}

func hash(input []byte) (next []byte, output []byte) {
	nextout := sha512.Sum512(input)
	return nextout[:sha512.Size/2], nextout[sha512.Size/2:]
}
