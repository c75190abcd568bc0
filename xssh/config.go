// Package xssh is an SSH client runtime. A Session owns one transport
// connection and multiplexes it into channels, an SFTP subsystem, remote port
// forwards and an agent relay. The Session serializes every use of the shared
// transport, so its children may be used from several goroutines.
package xssh

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/jpillora/sshc-lite/engine"
	"golang.org/x/crypto/ssh"
)

const (
	// DefaultWindowSize is the initial receive window of each channel.
	DefaultWindowSize = 2 * 1024 * 1024
	// DefaultMaxPacket is the largest channel data payload accepted.
	DefaultMaxPacket = 32 * 1024
)

// Config is the configuration for a Session.
type Config struct {
	// Engine performs key exchange and packet framing. Defaults to engine.New(nil).
	Engine engine.Engine
	// Logger for debug and error messages. If nil, logging is disabled.
	Logger *slog.Logger
	// NonBlocking starts the session in non-blocking mode.
	NonBlocking bool
	// Timeout bounds every wait. Zero waits indefinitely.
	Timeout time.Duration
	// HostKeyCallback is called with the server host key once key exchange
	// completes. Returning an error aborts the handshake.
	HostKeyCallback func(key ssh.PublicKey) error
	// WindowSize is the initial receive window granted to the peer per channel.
	WindowSize uint32
	// MaxPacket is the largest data payload the peer may send per packet.
	MaxPacket uint32
}

func (c *Config) setDefaults() {
	if c.Engine == nil {
		c.Engine = engine.New(nil)
	}
	if c.WindowSize == 0 {
		c.WindowSize = DefaultWindowSize
	}
	if c.MaxPacket == 0 {
		c.MaxPacket = DefaultMaxPacket
	}
}

func (s *Session) debugf(f string, args ...interface{}) {
	if s.config.Logger != nil {
		s.config.Logger.Debug(fmt.Sprintf(f, args...))
	}
}

func (s *Session) infof(f string, args ...interface{}) {
	if s.config.Logger != nil {
		s.config.Logger.Info(fmt.Sprintf(f, args...))
	}
}

func (s *Session) errorf(f string, args ...interface{}) {
	if s.config.Logger != nil {
		s.config.Logger.Error(fmt.Sprintf(f, args...))
	}
}
