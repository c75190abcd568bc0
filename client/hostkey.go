package client

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ErrHostKeyMismatch is returned when a known host presents a different key.
var ErrHostKeyMismatch = errors.New("host key mismatch")

// ErrUnknownHost is returned by the strict policy for hosts missing from
// the known hosts file.
var ErrUnknownHost = errors.New("unknown host")

// HostKeyCallback returns an ssh.HostKeyCallback that checks keys against
// the known hosts file at path under policy. With HostKeyAcceptNew, keys of
// unknown hosts are appended to the file (trust on first use).
func HostKeyCallback(path, policy string, logger *slog.Logger) (ssh.HostKeyCallback, error) {
	if policy == HostKeyOff || path == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating known_hosts directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("creating known_hosts file: %w", err)
	}
	f.Close()
	check, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("loading known_hosts: %w", err)
	}
	var mu sync.Mutex
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		mu.Lock()
		defer mu.Unlock()
		err := check(hostname, remote, key)
		if err == nil {
			return nil
		}
		var keyErr *knownhosts.KeyError
		if !errors.As(err, &keyErr) {
			return err
		}
		if len(keyErr.Want) > 0 {
			return fmt.Errorf("%w for %s (%s): %v", ErrHostKeyMismatch, hostname, ssh.FingerprintSHA256(key), err)
		}
		if policy == HostKeyStrict {
			return fmt.Errorf("%w %s (%s)", ErrUnknownHost, hostname, ssh.FingerprintSHA256(key))
		}
		f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("opening known_hosts for writing: %w", err)
		}
		defer f.Close()
		line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
		if _, err := f.WriteString(line + "\n"); err != nil {
			return fmt.Errorf("writing to known_hosts: %w", err)
		}
		// later connections in this process must see the new entry
		if updated, err := knownhosts.New(path); err == nil {
			check = updated
		}
		if logger != nil {
			logger.Info(fmt.Sprintf("added host key for %s to %s", hostname, path))
		}
		return nil
	}, nil
}
