package xssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/ssh"
)

// ExtendedData selects what happens to extended data (stderr) arriving on a
// channel.
type ExtendedData int

const (
	// ExtendedNormal buffers each extended stream separately.
	ExtendedNormal ExtendedData = iota
	// ExtendedMerge appends extended data to the primary stream.
	ExtendedMerge
	// ExtendedIgnore discards extended data.
	ExtendedIgnore
)

// Stderr is the extended data stream id used for standard error.
const Stderr uint32 = 1

// ExitSignal describes a remote process killed by a signal.
type ExitSignal struct {
	Signal     string
	CoreDumped bool
	Message    string
	Lang       string
}

// Window reports one direction of a channel's flow control state.
type Window struct {
	// Remaining is the credit left in this direction.
	Remaining uint32
	// Available is the number of received bytes buffered for reading.
	Available int
	// Initial is the window size the direction started with.
	Initial uint32
}

// Channel is one logical stream multiplexed over a Session.
type Channel struct {
	s      *Session
	kind   string
	origin string

	localID  uint32
	remoteID uint32

	// receive side flow control
	windowSize uint32
	window     uint32
	unacked    uint32
	maxPacket  uint32

	// send side flow control
	remoteWindow    uint32
	remoteInitial   uint32
	remoteMaxPacket uint32

	stdout  bytes.Buffer
	ext     map[uint32]*bytes.Buffer
	extMode ExtendedData

	opened    bool
	openErr   error
	abandoned bool

	eofSent   bool
	eofRecv   bool
	closeSent bool
	closeRecv bool
	err       error

	replies    []*pendingReply
	resume     *pendingReply
	exitStatus *int
	exitSignal *ExitSignal
}

// Type returns the channel type, such as "session".
func (c *Channel) Type() string { return c.kind }

// Origin returns the originator address of a forwarded channel.
func (c *Channel) Origin() string { return c.origin }

// invalidate marks the channel unusable after the session closed.
func (c *Channel) invalidate() {
	if c.err == nil {
		c.err = ErrSessionClosed
	}
}

// handle applies one channel message addressed to c. Caller holds s.mu.
func (c *Channel) handle(p []byte) error {
	s := c.s
	switch p[0] {
	case msgChannelOpenConfirm:
		var m channelOpenConfirmMsg
		if err := ssh.Unmarshal(p, &m); err != nil {
			return &TransportError{Err: err}
		}
		c.remoteID = m.MyID
		c.remoteWindow = m.MyWindow
		c.remoteInitial = m.MyWindow
		c.remoteMaxPacket = m.MaxPacketSize
		c.opened = true
		if c.abandoned {
			s.debugf("closing abandoned channel %d", c.localID)
			c.closeSent = true
			return s.writePacket(ssh.Marshal(&channelCloseMsg{PeersID: c.remoteID}))
		}
	case msgChannelOpenFailure:
		var m channelOpenFailureMsg
		if err := ssh.Unmarshal(p, &m); err != nil {
			return &TransportError{Err: err}
		}
		c.openErr = &ChannelOpenError{Reason: ChannelOpenReason(m.Reason), Message: m.Message}
		s.unregister(c)
	case msgChannelWindowAdjust:
		var m windowAdjustMsg
		if err := ssh.Unmarshal(p, &m); err != nil {
			return &TransportError{Err: err}
		}
		if uint64(c.remoteWindow)+uint64(m.AdditionalBytes) > 1<<32-1 {
			return &TransportError{Err: fmt.Errorf("channel %d: window overflow", c.localID)}
		}
		c.remoteWindow += m.AdditionalBytes
	case msgChannelData:
		var m channelDataMsg
		if err := ssh.Unmarshal(p, &m); err != nil {
			return &TransportError{Err: err}
		}
		return c.deliver(0, m.Data)
	case msgChannelExtendedData:
		var m channelExtendedDataMsg
		if err := ssh.Unmarshal(p, &m); err != nil {
			return &TransportError{Err: err}
		}
		return c.deliver(m.DataType, m.Data)
	case msgChannelEOF:
		c.eofRecv = true
	case msgChannelClose:
		c.closeRecv = true
		c.eofRecv = true
		if c.closeSent {
			s.unregister(c)
		}
	case msgChannelRequest:
		var m channelRequestMsg
		if err := ssh.Unmarshal(p, &m); err != nil {
			return &TransportError{Err: err}
		}
		return c.handleRequest(&m)
	case msgChannelSuccess, msgChannelFailure:
		if len(c.replies) == 0 {
			return &TransportError{Err: fmt.Errorf("channel %d: unsolicited request reply", c.localID)}
		}
		r := c.replies[0]
		c.replies = c.replies[1:]
		r.done = true
		r.ok = p[0] == msgChannelSuccess
	}
	return nil
}

// deliver buffers incoming data, enforcing the receive window.
func (c *Channel) deliver(stream uint32, data []byte) error {
	n := uint32(len(data))
	if n > c.window {
		return &TransportError{Err: fmt.Errorf("channel %d: peer sent %d bytes with %d bytes of window", c.localID, n, c.window)}
	}
	c.window -= n
	if c.closeSent {
		return nil
	}
	switch {
	case stream == 0:
		c.stdout.Write(data)
	case c.extMode == ExtendedMerge:
		c.stdout.Write(data)
	case c.extMode == ExtendedIgnore:
		return c.consumed(int(n))
	default:
		c.buffer(stream).Write(data)
	}
	return nil
}

func (c *Channel) buffer(stream uint32) *bytes.Buffer {
	if stream == 0 {
		return &c.stdout
	}
	b, ok := c.ext[stream]
	if !ok {
		b = &bytes.Buffer{}
		c.ext[stream] = b
	}
	return b
}

// consumed credits n read bytes back to the peer once half the window has
// been used.
func (c *Channel) consumed(n int) error {
	c.unacked += uint32(n)
	if c.unacked < c.windowSize/2 || c.eofRecv || c.closeSent || c.err != nil {
		return nil
	}
	adjust := c.unacked
	c.unacked = 0
	c.window += adjust
	return c.s.writePacket(ssh.Marshal(&windowAdjustMsg{PeersID: c.remoteID, AdditionalBytes: adjust}))
}

func (c *Channel) usable() error {
	if c.err != nil {
		return c.err
	}
	if c.closeSent {
		return ErrAlreadyClosed
	}
	return nil
}

// Read reads the primary stream. It returns io.EOF once the peer has sent EOF
// or closed the channel and the buffer is drained.
func (c *Channel) Read(p []byte) (int, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.read(0, p, c.s.blocking)
}

// ReadExtended reads extended data stream id.
func (c *Channel) ReadExtended(stream uint32, p []byte) (int, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.read(stream, p, c.s.blocking)
}

func (c *Channel) read(stream uint32, p []byte, blocking bool) (int, error) {
	if err := c.usable(); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}
	buf := c.buffer(stream)
	err := c.s.wait(context.Background(), blocking, func() bool {
		return buf.Len() > 0 || c.eofRecv || c.err != nil
	})
	if c.err != nil {
		return 0, c.err
	}
	if buf.Len() > 0 {
		n, _ := buf.Read(p)
		return n, c.consumed(n)
	}
	if err != nil {
		return 0, err
	}
	return 0, io.EOF
}

// Write sends all of p on the primary stream. In non-blocking mode it returns
// the bytes sent so far with ErrWindowExhausted once the remote window is
// used up.
func (c *Channel) Write(p []byte) (int, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.write(0, p, true, c.s.blocking)
}

// WriteSome sends as much of p as the remote window allows, waiting only
// while the window is empty.
func (c *Channel) WriteSome(p []byte) (int, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.write(0, p, false, c.s.blocking)
}

// WriteExtended sends all of p on extended data stream id.
func (c *Channel) WriteExtended(stream uint32, p []byte) (int, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.write(stream, p, true, c.s.blocking)
}

func (c *Channel) write(stream uint32, p []byte, all, blocking bool) (int, error) {
	if err := c.usable(); err != nil {
		return 0, err
	}
	if c.eofSent {
		return 0, fmt.Errorf("%w: eof already sent", ErrAlreadyClosed)
	}
	written := 0
	for len(p) > 0 {
		err := c.s.wait(context.Background(), blocking, func() bool {
			return c.remoteWindow > 0 || c.closeRecv || c.err != nil
		})
		if err == nil {
			err = c.usable()
		}
		if err == nil && c.closeRecv {
			err = fmt.Errorf("%w: closed by peer", ErrAlreadyClosed)
		}
		if err != nil {
			if errors.Is(err, ErrWouldBlock) {
				err = ErrWindowExhausted
			}
			return written, err
		}
		for len(p) > 0 && c.remoteWindow > 0 {
			n := c.chunk(len(p))
			var msg []byte
			if stream == 0 {
				msg = ssh.Marshal(&channelDataMsg{PeersID: c.remoteID, Data: p[:n]})
			} else {
				msg = ssh.Marshal(&channelExtendedDataMsg{PeersID: c.remoteID, DataType: stream, Data: p[:n]})
			}
			if err := c.s.writePacket(msg); err != nil {
				return written, err
			}
			c.remoteWindow -= uint32(n)
			written += n
			p = p[n:]
		}
		if !all {
			break
		}
	}
	return written, nil
}

// chunk limits a write to the remote window and packet size.
func (c *Channel) chunk(n int) int {
	limit := c.remoteMaxPacket
	if limit == 0 || limit > DefaultMaxPacket {
		limit = DefaultMaxPacket
	}
	if uint32(n) > limit {
		n = int(limit)
	}
	if uint32(n) > c.remoteWindow {
		n = int(c.remoteWindow)
	}
	return n
}

// SendEOF tells the peer no more data will be written. It is idempotent.
func (c *Channel) SendEOF() error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.sendEOF()
}

// CloseWrite is SendEOF, so a Channel can be half closed like a TCP conn.
func (c *Channel) CloseWrite() error { return c.SendEOF() }

func (c *Channel) sendEOF() error {
	if err := c.usable(); err != nil {
		return err
	}
	if c.eofSent {
		return nil
	}
	if err := c.s.writePacket(ssh.Marshal(&channelEOFMsg{PeersID: c.remoteID})); err != nil {
		return err
	}
	c.eofSent = true
	return nil
}

// EOF reports whether the peer has sent EOF.
func (c *Channel) EOF() bool {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.eofRecv
}

// WaitEOF waits until the peer sends EOF. Buffered data stays readable.
func (c *Channel) WaitEOF() error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	err := c.s.wait(context.Background(), c.s.blocking, func() bool { return c.eofRecv || c.err != nil })
	if c.err != nil {
		return c.err
	}
	return err
}

// Close sends CLOSE without waiting for the peer's. A second call returns
// ErrAlreadyClosed. Use WaitClose to wait for the peer.
func (c *Channel) Close() error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.close()
}

func (c *Channel) close() error {
	if err := c.usable(); err != nil {
		return err
	}
	if err := c.s.writePacket(ssh.Marshal(&channelCloseMsg{PeersID: c.remoteID})); err != nil {
		return err
	}
	c.closeSent = true
	if c.closeRecv {
		c.s.unregister(c)
	}
	c.s.broadcast()
	return nil
}

// WaitClose waits for the peer's CLOSE, after which ExitStatus and
// ExitSignal are final.
func (c *Channel) WaitClose() error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	err := c.s.wait(context.Background(), c.s.blocking, func() bool { return c.closeRecv || c.err != nil })
	if c.err != nil {
		return c.err
	}
	if err != nil {
		return err
	}
	if c.closeSent {
		c.s.unregister(c)
	}
	return nil
}

// ExitStatus returns the remote exit status. ok is false until the peer has
// closed the channel or if no status was sent.
func (c *Channel) ExitStatus() (status int, ok bool) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if !c.closeRecv || c.exitStatus == nil {
		return 0, false
	}
	return *c.exitStatus, true
}

// ExitSignal returns the signal that killed the remote process, if any, once
// the peer has closed the channel.
func (c *Channel) ExitSignal() *ExitSignal {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if !c.closeRecv || c.exitSignal == nil {
		return nil
	}
	sig := *c.exitSignal
	return &sig
}

// SetExtendedData changes how extended data is handled from now on.
func (c *Channel) SetExtendedData(mode ExtendedData) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	c.extMode = mode
	if mode == ExtendedIgnore {
		for _, b := range c.ext {
			n := b.Len()
			b.Reset()
			c.consumed(n)
		}
	}
}

// ReadWindow reports the receive window.
func (c *Channel) ReadWindow() Window {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return Window{Remaining: c.window, Available: c.stdout.Len(), Initial: c.windowSize}
}

// WriteWindow reports the send window.
func (c *Channel) WriteWindow() Window {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return Window{Remaining: c.remoteWindow, Initial: c.remoteInitial}
}

// Stream returns an io.ReadWriter over extended data stream id.
func (c *Channel) Stream(id uint32) io.ReadWriter {
	return &extendedStream{c: c, id: id}
}

// StderrPipe is Stream(Stderr).
func (c *Channel) StderrPipe() io.ReadWriter {
	return c.Stream(Stderr)
}

type extendedStream struct {
	c  *Channel
	id uint32
}

func (e *extendedStream) Read(p []byte) (int, error)  { return e.c.ReadExtended(e.id, p) }
func (e *extendedStream) Write(p []byte) (int, error) { return e.c.WriteExtended(e.id, p) }

// blockingStream reads and writes the primary stream in blocking mode
// regardless of the session mode.
type blockingStream struct {
	c *Channel
}

func (b *blockingStream) Read(p []byte) (int, error) {
	b.c.s.mu.Lock()
	defer b.c.s.mu.Unlock()
	return b.c.read(0, p, true)
}

func (b *blockingStream) Write(p []byte) (int, error) {
	b.c.s.mu.Lock()
	defer b.c.s.mu.Unlock()
	return b.c.write(0, p, true, true)
}
