package xssh

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/sshc-lite/engine"
	"github.com/jpillora/sshc-lite/transport"
)

const maxVersionLine = 8 * 1024

// broadcast wakes every goroutine parked in wait. Caller holds s.mu.
func (s *Session) broadcast() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// wait runs the transport until cond holds. Whichever caller is waiting
// drives the transport for everyone: it decodes and dispatches every packet
// that has arrived, so progress on one channel never depends on another
// channel being read. Caller holds s.mu; it is released only while parked.
//
// Non-blocking waits return ErrWouldBlock once nothing more can be done.
// Blocking waits end with ErrTimedOut after the session timeout, or with the
// context's error.
func (s *Session) wait(ctx context.Context, blocking bool, cond func() bool) error {
	var timeout <-chan time.Time
	if blocking && s.timeout > 0 {
		t := time.NewTimer(s.timeout)
		defer t.Stop()
		timeout = t.C
	}
	for {
		if cond() {
			return nil
		}
		if s.phase == PhaseClosed {
			return s.closedErr()
		}
		progressed, err := s.pump()
		if err != nil {
			return err
		}
		if progressed {
			continue
		}
		if cond() {
			return nil
		}
		if !blocking {
			return ErrWouldBlock
		}
		ready, changed := s.tc.Ready(), s.changed
		s.mu.Unlock()
		select {
		case <-ready:
		case <-changed:
		case <-timeout:
			err = ErrTimedOut
		case <-ctx.Done():
			err = ctx.Err()
		}
		s.mu.Lock()
		if err != nil {
			if cond() {
				return nil
			}
			return err
		}
	}
}

// pump dispatches every packet currently available without blocking.
// Fatal errors tear the session down and are returned.
func (s *Session) pump() (bool, error) {
	progressed := false
	defer func() {
		if progressed {
			s.broadcast()
		}
	}()
	for s.phase != PhaseClosed {
		p, err := s.readPacket()
		if err != nil {
			s.fail(err)
			return progressed, err
		}
		if p == nil {
			break
		}
		progressed = true
		if err := s.dispatch(p); err != nil {
			s.fail(err)
			return progressed, err
		}
	}
	return progressed, nil
}

// readPacket returns the next whole packet, or nil when none is available.
func (s *Session) readPacket() ([]byte, error) {
	for {
		if len(s.inbuf) > 0 {
			p, n, err := s.engine.Decode(s.inbuf)
			if err == nil {
				s.consume(n)
				return p, nil
			}
			if !errors.Is(err, engine.ErrIncomplete) {
				return nil, &TransportError{Err: err}
			}
		}
		n, err := s.tc.TryRead(s.scratch)
		if errors.Is(err, transport.ErrWouldBlock) {
			return nil, nil
		}
		if err != nil {
			return nil, &TransportError{Err: err}
		}
		s.inbuf = append(s.inbuf, s.scratch[:n]...)
	}
}

func (s *Session) consume(n int) {
	s.inbuf = s.inbuf[n:]
	if len(s.inbuf) == 0 {
		s.inbuf = nil
	}
}

// writePacket encodes and sends one payload. A write failure is fatal.
func (s *Session) writePacket(payload []byte) error {
	if s.phase == PhaseClosed {
		return s.closedErr()
	}
	b, err := s.engine.Encode(payload)
	if err != nil {
		terr := &TransportError{Err: err}
		s.fail(terr)
		return terr
	}
	if _, err := s.tc.Write(b); err != nil {
		terr := &TransportError{Err: err}
		s.fail(terr)
		return terr
	}
	return nil
}

func (s *Session) dispatch(p []byte) error {
	switch p[0] {
	case msgDisconnect:
		return parseDisconnect(p)
	case msgIgnore, msgDebug, msgExtInfo:
		return nil
	case msgUnimplemented:
		s.debugf("server reported an unimplemented message")
		return nil
	case msgKexInit:
		return s.rekey(p)
	case msgUserAuthFailure, msgUserAuthSuccess, msgUserAuthInfoRequest:
		if s.phase == PhaseAuthenticating {
			s.authQueue = append(s.authQueue, p)
		}
		return nil
	case msgUserAuthBanner:
		s.recordBanner(p)
		return nil
	case msgGlobalRequest:
		return s.handleGlobalRequest(p)
	case msgRequestSuccess, msgRequestFailure:
		return s.handleGlobalReply(p)
	case msgChannelOpen:
		return s.handleOpen(p)
	}
	if p[0] >= msgChannelOpenConfirm && p[0] <= msgChannelFailure {
		if len(p) < 5 {
			return &TransportError{Err: fmt.Errorf("short channel message %d", p[0])}
		}
		id := binary.BigEndian.Uint32(p[1:5])
		c, ok := s.channels[id]
		if !ok {
			s.debugf("discarding message %d for unknown channel %d", p[0], id)
			return nil
		}
		return c.handle(p)
	}
	s.debugf("ignoring unexpected message %d", p[0])
	return nil
}

// rekey answers a key exchange started by the server. The lock is held for
// the whole exchange so no other packet interleaves with it.
func (s *Session) rekey(p []byte) error {
	if s.result == nil {
		return &TransportError{Err: errors.New("key exchange before handshake")}
	}
	ctx := context.Background()
	res, err := s.engine.Rekey(ctx, s.newWire(ctx), p)
	if err != nil {
		return &TransportError{Err: fmt.Errorf("rekey: %w", err)}
	}
	res.SessionID = s.result.SessionID
	s.result = res
	s.debugf("re-keyed with %s", res.Algorithms.KeyExchange)
	return nil
}

// wire is the blocking view of the transport lent to the engine during key
// exchange. It waits without releasing s.mu.
type wire struct {
	s       *Session
	ctx     context.Context
	timeout <-chan time.Time
}

var _ engine.Wire = (*wire)(nil)

func (s *Session) newWire(ctx context.Context) *wire {
	w := &wire{s: s, ctx: ctx}
	if s.timeout > 0 {
		w.timeout = time.After(s.timeout)
	}
	return w
}

func (w *wire) fill() error {
	s := w.s
	n, err := s.tc.TryRead(s.scratch)
	if err == nil {
		s.inbuf = append(s.inbuf, s.scratch[:n]...)
		return nil
	}
	if !errors.Is(err, transport.ErrWouldBlock) {
		return err
	}
	select {
	case <-s.tc.Ready():
		return nil
	case <-w.timeout:
		return ErrTimedOut
	case <-w.ctx.Done():
		return w.ctx.Err()
	}
}

func (w *wire) WriteRaw(p []byte) error {
	_, err := w.s.tc.Write(p)
	return err
}

func (w *wire) ReadLine() ([]byte, error) {
	s := w.s
	for {
		if i := bytes.IndexByte(s.inbuf, '\n'); i >= 0 {
			line := append([]byte(nil), s.inbuf[:i+1]...)
			s.consume(i + 1)
			return line, nil
		}
		if len(s.inbuf) > maxVersionLine {
			return nil, errors.New("version line too long")
		}
		if err := w.fill(); err != nil {
			return nil, err
		}
	}
}

func (w *wire) ReadPacket() ([]byte, error) {
	s := w.s
	for {
		p, n, err := s.engine.Decode(s.inbuf)
		if err == nil {
			s.consume(n)
			return p, nil
		}
		if !errors.Is(err, engine.ErrIncomplete) {
			return nil, err
		}
		if err := w.fill(); err != nil {
			return nil, err
		}
	}
}

func (w *wire) WritePacket(payload []byte) error {
	b, err := w.s.engine.Encode(payload)
	if err != nil {
		return err
	}
	_, err = w.s.tc.Write(b)
	return err
}
