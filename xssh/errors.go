package xssh

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jpillora/sshc-lite/transport"
)

var (
	// ErrWouldBlock is returned in non-blocking mode when an operation cannot
	// make progress yet. Retrying the same call later is safe.
	ErrWouldBlock = transport.ErrWouldBlock
	// ErrWindowExhausted is returned by non-blocking writes once the remote
	// window is used up. It matches ErrWouldBlock.
	ErrWindowExhausted error = &wouldBlockError{"send window exhausted"}
	// ErrTimedOut is returned when the session timeout elapses during a wait.
	ErrTimedOut = errors.New("xssh: timed out")
	// ErrAlreadyClosed is returned by operations on a closed channel, file or
	// subsystem.
	ErrAlreadyClosed = errors.New("xssh: already closed")
	// ErrSessionClosed is returned by every operation once the session has
	// disconnected.
	ErrSessionClosed = errors.New("xssh: session closed")
	// ErrListenerClosed is returned by Accept after Cancel.
	ErrListenerClosed = errors.New("xssh: listener closed")
)

type wouldBlockError struct{ msg string }

func (e *wouldBlockError) Error() string        { return "xssh: " + e.msg }
func (e *wouldBlockError) Is(target error) bool { return target == ErrWouldBlock }

// TransportError is an I/O or framing failure. It is fatal to the session.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "xssh: transport: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// HandshakeError is a key exchange or negotiation failure. It is fatal to the
// session.
type HandshakeError struct {
	Err error
}

func (e *HandshakeError) Error() string { return "xssh: handshake: " + e.Err.Error() }
func (e *HandshakeError) Unwrap() error { return e.Err }

// DisconnectError reports a DISCONNECT sent by the server.
type DisconnectError struct {
	Reason  DisconnectReason
	Message string
}

func (e *DisconnectError) Error() string {
	return fmt.Sprintf("xssh: disconnected by server: %s (%s)", e.Message, e.Reason)
}

func (e *DisconnectError) Is(target error) bool { return target == ErrSessionClosed }

// AuthenticationRejectedError is returned when the server rejects an
// authentication attempt. The session stays in PhaseAuthenticating.
type AuthenticationRejectedError struct {
	Method         string
	Remaining      []string
	PartialSuccess bool
}

func (e *AuthenticationRejectedError) Error() string {
	return fmt.Sprintf("xssh: %s authentication rejected, remaining methods: [%s]",
		e.Method, strings.Join(e.Remaining, ","))
}

// ProtocolStateError is returned when an operation is invalid in the current
// phase.
type ProtocolStateError struct {
	Op    string
	Phase Phase
}

func (e *ProtocolStateError) Error() string {
	return fmt.Sprintf("xssh: %s is not allowed while %s", e.Op, e.Phase)
}

// ChannelOpenError is the server's refusal to open a channel.
type ChannelOpenError struct {
	Reason  ChannelOpenReason
	Message string
}

func (e *ChannelOpenError) Error() string {
	return fmt.Sprintf("xssh: channel open rejected: %s (%s)", e.Message, e.Reason)
}

// RequestError is returned when the server answers a request with failure.
type RequestError struct {
	Request string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("xssh: %s request rejected", e.Request)
}

// ChannelOpenReason is a channel open failure reason code. Codes outside the
// known set are preserved as is.
type ChannelOpenReason uint32

const (
	Prohibited         ChannelOpenReason = 1
	ConnectionFailed   ChannelOpenReason = 2
	UnknownChannelType ChannelOpenReason = 3
	ResourceShortage   ChannelOpenReason = 4
)

func (r ChannelOpenReason) String() string {
	switch r {
	case Prohibited:
		return "administratively prohibited"
	case ConnectionFailed:
		return "connect failed"
	case UnknownChannelType:
		return "unknown channel type"
	case ResourceShortage:
		return "resource shortage"
	}
	return fmt.Sprintf("unknown reason %d", uint32(r))
}

// DisconnectReason is an RFC 4253 disconnect reason code.
type DisconnectReason uint32

const (
	DisconnectHostNotAllowed       DisconnectReason = 1
	DisconnectProtocolError        DisconnectReason = 2
	DisconnectKeyExchangeFailed    DisconnectReason = 3
	DisconnectReserved             DisconnectReason = 4
	DisconnectMACError             DisconnectReason = 5
	DisconnectCompressionError     DisconnectReason = 6
	DisconnectServiceNotAvailable  DisconnectReason = 7
	DisconnectVersionNotSupported  DisconnectReason = 8
	DisconnectHostKeyNotVerifiable DisconnectReason = 9
	DisconnectConnectionLost       DisconnectReason = 10
	DisconnectByApplication        DisconnectReason = 11
	DisconnectTooManyConnections   DisconnectReason = 12
	DisconnectAuthCancelledByUser  DisconnectReason = 13
	DisconnectNoMoreAuthMethods    DisconnectReason = 14
	DisconnectIllegalUserName      DisconnectReason = 15
)

var disconnectNames = map[DisconnectReason]string{
	DisconnectHostNotAllowed:       "host not allowed to connect",
	DisconnectProtocolError:        "protocol error",
	DisconnectKeyExchangeFailed:    "key exchange failed",
	DisconnectReserved:             "reserved",
	DisconnectMACError:             "mac error",
	DisconnectCompressionError:     "compression error",
	DisconnectServiceNotAvailable:  "service not available",
	DisconnectVersionNotSupported:  "protocol version not supported",
	DisconnectHostKeyNotVerifiable: "host key not verifiable",
	DisconnectConnectionLost:       "connection lost",
	DisconnectByApplication:        "by application",
	DisconnectTooManyConnections:   "too many connections",
	DisconnectAuthCancelledByUser:  "auth cancelled by user",
	DisconnectNoMoreAuthMethods:    "no more auth methods available",
	DisconnectIllegalUserName:      "illegal user name",
}

func (r DisconnectReason) String() string {
	if name, ok := disconnectNames[r]; ok {
		return name
	}
	return fmt.Sprintf("unknown reason %d", uint32(r))
}
