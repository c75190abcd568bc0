package xssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

func TestPhaseTransitions(t *testing.T) {
	tests := []struct {
		from, to Phase
		ok       bool
	}{
		{PhaseConnecting, PhaseHandshaking, true},
		{PhaseConnecting, PhaseReady, false},
		{PhaseHandshaking, PhaseAuthenticating, true},
		{PhaseHandshaking, PhaseReady, false},
		{PhaseAuthenticating, PhaseReady, true},
		{PhaseAuthenticating, PhaseHandshaking, false},
		{PhaseReady, PhaseAuthenticating, false},
		{PhaseReady, PhaseDisconnecting, true},
		{PhaseDisconnecting, PhaseClosed, true},
		{PhaseDisconnecting, PhaseReady, false},
		{PhaseClosed, PhaseConnecting, false},
		{PhaseClosed, PhaseDisconnecting, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			if got := tt.from.canTransition(tt.to); got != tt.ok {
				t.Fatalf("expected %v, got %v", tt.ok, got)
			}
		})
	}
	if s := Phase(42).String(); s != "unknown" {
		t.Errorf("expected unknown, got %q", s)
	}
}

func TestChannelsKeepTheirOwnOrder(t *testing.T) {
	s, peer := newTestSession(t, nil)
	chans := make([]*Channel, 3)
	for i := range chans {
		chans[i] = peer.open(s, uint32(100+i), 1<<20)
	}
	want := make([]string, len(chans))
	for round := 0; round < 10; round++ {
		for i, c := range chans {
			msg := fmt.Sprintf("c%d-%d;", i, round)
			peer.data(c, msg)
			want[i] += msg
		}
	}
	for _, c := range chans {
		peer.send(&channelEOFMsg{PeersID: c.localID})
	}
	// the last channel is drained first, so the others must buffer
	for i := len(chans) - 1; i >= 0; i-- {
		got, err := io.ReadAll(chans[i])
		if err != nil {
			t.Fatalf("channel %d: %v", i, err)
		}
		if string(got) != want[i] {
			t.Fatalf("channel %d: expected %q, got %q", i, want[i], got)
		}
	}
}

func TestReceiveWindow(t *testing.T) {
	s, peer := newTestSession(t, &Config{WindowSize: 1024})
	c := peer.open(s, 7, 1<<20)
	peer.data(c, strings.Repeat("a", 1024))

	buf := make([]byte, 600)
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	var adj windowAdjustMsg
	if err := ssh.Unmarshal(peer.expect(msgChannelWindowAdjust), &adj); err != nil {
		t.Fatal(err)
	}
	if adj.PeersID != 7 || adj.AdditionalBytes != 600 {
		t.Fatalf("unexpected adjust %+v", adj)
	}
	w := c.ReadWindow()
	if w.Remaining != 600 || w.Available != 424 || w.Initial != 1024 {
		t.Fatalf("unexpected read window %+v", w)
	}
	rest := make([]byte, 424)
	if _, err := io.ReadFull(c, rest); err != nil {
		t.Fatalf("read rest: %v", err)
	}

	// exceeding the granted window is fatal
	peer.data(c, strings.Repeat("b", 700))
	if _, err := c.Read(buf); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	var terr *TransportError
	if !errors.As(s.Err(), &terr) {
		t.Fatalf("expected TransportError, got %v", s.Err())
	}
	if s.Phase() != PhaseClosed {
		t.Fatalf("expected closed, got %s", s.Phase())
	}
}

func TestWriteWindowExhausted(t *testing.T) {
	s, peer := newTestSession(t, nil)
	c := peer.open(s, 3, 10)
	s.SetBlocking(false)

	payload := []byte("0123456789abcdefghij")
	n, err := c.Write(payload)
	if n != 10 {
		t.Fatalf("expected 10 bytes written, got %d", n)
	}
	if !errors.Is(err, ErrWindowExhausted) || !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("expected ErrWindowExhausted, got %v", err)
	}
	var m channelDataMsg
	if err := ssh.Unmarshal(peer.expect(msgChannelData), &m); err != nil {
		t.Fatal(err)
	}
	if string(m.Data) != "0123456789" {
		t.Fatalf("unexpected data %q", m.Data)
	}
	if w := c.WriteWindow(); w.Remaining != 0 || w.Initial != 10 {
		t.Fatalf("unexpected write window %+v", w)
	}

	peer.send(&windowAdjustMsg{PeersID: c.localID, AdditionalBytes: 10})
	s.SetBlocking(true)
	if n, err := c.Write(payload[10:]); err != nil || n != 10 {
		t.Fatalf("write after adjust: n=%d err=%v", n, err)
	}
	if err := ssh.Unmarshal(peer.expect(msgChannelData), &m); err != nil {
		t.Fatal(err)
	}
	if string(m.Data) != "abcdefghij" {
		t.Fatalf("unexpected data %q", m.Data)
	}
}

func TestNonBlockingRead(t *testing.T) {
	s, peer := newTestSession(t, nil)
	c := peer.open(s, 1, 1<<20)
	s.SetBlocking(false)
	if s.Blocking() {
		t.Fatal("expected non-blocking session")
	}
	buf := make([]byte, 16)
	if n, err := c.Read(buf); n != 0 || !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("expected ErrWouldBlock, got n=%d err=%v", n, err)
	}
	peer.data(c, "abc")
	deadline := time.Now().Add(5 * time.Second)
	for {
		n, err := c.Read(buf)
		if err == nil {
			if string(buf[:n]) != "abc" {
				t.Fatalf("expected abc, got %q", buf[:n])
			}
			break
		}
		if !errors.Is(err, ErrWouldBlock) {
			t.Fatalf("read: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatal("data never arrived")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTimeoutKeepsData(t *testing.T) {
	s, peer := newTestSession(t, nil)
	c := peer.open(s, 1, 1<<20)
	s.SetTimeout(50 * time.Millisecond)
	buf := make([]byte, 16)
	if _, err := c.Read(buf); !errors.Is(err, ErrTimedOut) {
		t.Fatalf("expected ErrTimedOut, got %v", err)
	}
	s.SetTimeout(5 * time.Second)
	peer.data(c, "late")
	n, err := c.Read(buf)
	if err != nil || string(buf[:n]) != "late" {
		t.Fatalf("expected late, got %q err=%v", buf[:n], err)
	}
	if s.Phase() != PhaseReady {
		t.Fatalf("timeout must not close the session, phase %s", s.Phase())
	}
}

func TestChannelRequests(t *testing.T) {
	s, peer := newTestSession(t, nil)
	c := peer.open(s, 9, 1<<20)

	done := make(chan error, 1)
	go func() { done <- c.Exec("true") }()
	var req channelRequestMsg
	if err := ssh.Unmarshal(peer.expect(msgChannelRequest), &req); err != nil {
		t.Fatal(err)
	}
	if req.Request != "exec" || !req.WantReply || req.PeersID != 9 {
		t.Fatalf("unexpected request %+v", req)
	}
	peer.send(&channelRequestFailureMsg{PeersID: c.localID})
	var rerr *RequestError
	if err := <-done; !errors.As(err, &rerr) || rerr.Request != "exec" {
		t.Fatalf("expected RequestError, got %v", err)
	}

	go func() { done <- c.Shell() }()
	peer.expect(msgChannelRequest)
	peer.send(&channelRequestSuccessMsg{PeersID: c.localID})
	if err := <-done; err != nil {
		t.Fatalf("shell: %v", err)
	}

	// requests from the server asking for a reply are refused
	peer.send(&channelRequestMsg{PeersID: c.localID, Request: "keepalive@openssh.com", WantReply: true})
	peer.data(c, "x")
	buf := make([]byte, 1)
	if _, err := c.Read(buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	var fail channelRequestFailureMsg
	if err := ssh.Unmarshal(peer.expect(msgChannelFailure), &fail); err != nil {
		t.Fatal(err)
	}
	if fail.PeersID != 9 {
		t.Fatalf("failure sent to channel %d", fail.PeersID)
	}
}

func TestGlobalRequestRefused(t *testing.T) {
	s, peer := newTestSession(t, nil)
	c := peer.open(s, 2, 1<<20)
	peer.send(&globalRequestMsg{Type: "hostkeys-00@openssh.com", WantReply: true})
	peer.data(c, "x")
	if _, err := c.Read(make([]byte, 1)); err != nil {
		t.Fatalf("read: %v", err)
	}
	peer.expect(msgRequestFailure)
}

func TestExitStatusAfterClose(t *testing.T) {
	s, peer := newTestSession(t, nil)
	c := peer.open(s, 4, 1<<20)
	if _, ok := c.ExitStatus(); ok {
		t.Fatal("exit status reported before close")
	}
	peer.send(&channelRequestMsg{PeersID: c.localID, Request: "exit-status", RequestSpecificData: ssh.Marshal(&exitStatusMsg{Status: 7})})
	peer.send(&channelEOFMsg{PeersID: c.localID})
	peer.send(&channelCloseMsg{PeersID: c.localID})
	if err := c.WaitClose(); err != nil {
		t.Fatalf("wait close: %v", err)
	}
	status, ok := c.ExitStatus()
	if !ok || status != 7 {
		t.Fatalf("expected status 7, got %d %v", status, ok)
	}
	if c.ExitSignal() != nil {
		t.Fatal("unexpected exit signal")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	peer.expect(msgChannelClose)
	if err := c.Close(); !errors.Is(err, ErrAlreadyClosed) {
		t.Fatalf("expected ErrAlreadyClosed, got %v", err)
	}
	if _, err := c.Write([]byte("x")); !errors.Is(err, ErrAlreadyClosed) {
		t.Fatalf("expected ErrAlreadyClosed, got %v", err)
	}
	s.mu.Lock()
	_, registered := s.channels[c.localID]
	s.mu.Unlock()
	if registered {
		t.Fatal("fully closed channel is still registered")
	}
}

func TestExitSignal(t *testing.T) {
	s, peer := newTestSession(t, nil)
	c := peer.open(s, 4, 1<<20)
	peer.send(&channelRequestMsg{PeersID: c.localID, Request: "exit-signal", RequestSpecificData: ssh.Marshal(&exitSignalMsg{Signal: "TERM", Error: "terminated"})})
	peer.send(&channelCloseMsg{PeersID: c.localID})
	if err := c.WaitClose(); err != nil {
		t.Fatalf("wait close: %v", err)
	}
	sig := c.ExitSignal()
	if sig == nil || sig.Signal != "TERM" || sig.Message != "terminated" {
		t.Fatalf("unexpected exit signal %+v", sig)
	}
	if _, ok := c.ExitStatus(); ok {
		t.Fatal("unexpected exit status")
	}
}

func TestExtendedData(t *testing.T) {
	s, peer := newTestSession(t, nil)
	c := peer.open(s, 5, 1<<20)
	peer.send(&channelExtendedDataMsg{PeersID: c.localID, DataType: Stderr, Data: []byte("oops")})
	peer.data(c, "out")
	peer.send(&channelEOFMsg{PeersID: c.localID})
	out, err := io.ReadAll(c)
	if err != nil || string(out) != "out" {
		t.Fatalf("stdout: %q %v", out, err)
	}
	errOut, err := io.ReadAll(c.StderrPipe())
	if err != nil || string(errOut) != "oops" {
		t.Fatalf("stderr: %q %v", errOut, err)
	}

	merged := peer.open(s, 6, 1<<20)
	merged.SetExtendedData(ExtendedMerge)
	peer.data(merged, "a")
	peer.send(&channelExtendedDataMsg{PeersID: merged.localID, DataType: Stderr, Data: []byte("b")})
	peer.send(&channelEOFMsg{PeersID: merged.localID})
	out, err = io.ReadAll(merged)
	if err != nil || string(out) != "ab" {
		t.Fatalf("merged: %q %v", out, err)
	}
}

func TestChannelOpenRejected(t *testing.T) {
	s, peer := newTestSession(t, nil)
	done := make(chan error, 1)
	go func() {
		_, err := s.OpenDirectTCPIP(context.Background(), "example.com", 80, "127.0.0.1", 1234)
		done <- err
	}()
	var m channelOpenMsg
	if err := ssh.Unmarshal(peer.expect(msgChannelOpen), &m); err != nil {
		t.Fatal(err)
	}
	var payload directTCPPayload
	if err := ssh.Unmarshal(m.TypeSpecificData, &payload); err != nil {
		t.Fatal(err)
	}
	if m.ChanType != "direct-tcpip" || payload.Host != "example.com" || payload.Port != 80 {
		t.Fatalf("unexpected open %+v %+v", m, payload)
	}
	peer.send(&channelOpenFailureMsg{PeersID: m.PeersID, Reason: uint32(ConnectionFailed), Message: "no route"})
	var oerr *ChannelOpenError
	if err := <-done; !errors.As(err, &oerr) || oerr.Reason != ConnectionFailed || oerr.Message != "no route" {
		t.Fatalf("expected ChannelOpenError, got %v", err)
	}
}

func TestAbandonedOpenIsClosed(t *testing.T) {
	s, peer := newTestSession(t, nil)
	s.SetTimeout(50 * time.Millisecond)
	if _, err := s.OpenSession(context.Background()); !errors.Is(err, ErrTimedOut) {
		t.Fatalf("expected ErrTimedOut, got %v", err)
	}
	var first channelOpenMsg
	if err := ssh.Unmarshal(peer.expect(msgChannelOpen), &first); err != nil {
		t.Fatal(err)
	}
	s.SetTimeout(5 * time.Second)
	peer.send(&channelOpenConfirmMsg{PeersID: first.PeersID, MyID: 50, MyWindow: 1024, MaxPacketSize: 1024})

	done := make(chan error, 1)
	go func() {
		_, err := s.OpenSession(context.Background())
		done <- err
	}()
	var second channelOpenMsg
	if err := ssh.Unmarshal(peer.expect(msgChannelOpen), &second); err != nil {
		t.Fatal(err)
	}
	if second.PeersID == first.PeersID {
		t.Fatal("abandoned channel id reused while open")
	}
	// the late confirmation is answered with a close
	var cl channelCloseMsg
	if err := ssh.Unmarshal(peer.expect(msgChannelClose), &cl); err != nil {
		t.Fatal(err)
	}
	if cl.PeersID != 50 {
		t.Fatalf("close sent to %d, expected 50", cl.PeersID)
	}
	peer.send(&channelOpenConfirmMsg{PeersID: second.PeersID, MyID: 51, MyWindow: 1024, MaxPacketSize: 1024})
	if err := <-done; err != nil {
		t.Fatalf("second open: %v", err)
	}
}

func TestServerDisconnect(t *testing.T) {
	s, peer := newTestSession(t, nil)
	c := peer.open(s, 1, 1<<20)
	peer.send(&disconnectMsg{Reason: uint32(DisconnectByApplication), Message: "bye"})
	if _, err := c.Read(make([]byte, 1)); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	var de *DisconnectError
	if !errors.As(s.Err(), &de) || de.Reason != DisconnectByApplication || de.Message != "bye" {
		t.Fatalf("expected DisconnectError, got %v", s.Err())
	}
	if _, err := s.OpenSession(context.Background()); !errors.As(err, &de) {
		t.Fatalf("expected DisconnectError from open, got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close after disconnect: %v", err)
	}
}

func TestDisconnectInvalidatesChildren(t *testing.T) {
	s, peer := newTestSession(t, nil)
	c := peer.open(s, 1, 1<<20)
	l := &Listener{s: s, host: "127.0.0.1", port: 8022}
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()

	if err := s.Disconnect(DisconnectByApplication, "done"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	var m disconnectMsg
	if err := ssh.Unmarshal(peer.expect(msgDisconnect), &m); err != nil {
		t.Fatal(err)
	}
	if m.Reason != uint32(DisconnectByApplication) || m.Message != "done" {
		t.Fatalf("unexpected disconnect %+v", m)
	}
	if _, err := c.Read(make([]byte, 1)); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("read: expected ErrSessionClosed, got %v", err)
	}
	if _, err := c.Write([]byte("x")); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("write: expected ErrSessionClosed, got %v", err)
	}
	if _, err := l.Accept(); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("accept: expected ErrSessionClosed, got %v", err)
	}
	if err := s.SendKeepAlive(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("keepalive: expected ErrSessionClosed, got %v", err)
	}
	if err := s.Disconnect(DisconnectByApplication, "again"); err != nil {
		t.Fatalf("second disconnect: %v", err)
	}
	if s.Phase() != PhaseClosed {
		t.Fatalf("expected closed, got %s", s.Phase())
	}
}

func TestProtocolState(t *testing.T) {
	s, _ := newTestSession(t, nil)
	var perr *ProtocolStateError
	if err := s.AuthenticatePassword(context.Background(), "u", "p"); !errors.As(err, &perr) || perr.Phase != PhaseReady {
		t.Fatalf("expected ProtocolStateError in ready, got %v", err)
	}
	if err := s.Handshake(context.Background()); !errors.As(err, &perr) {
		t.Fatalf("expected ProtocolStateError for second handshake, got %v", err)
	}
}

func TestForwardedOpenWithoutListener(t *testing.T) {
	s, peer := newTestSession(t, nil)
	c := peer.open(s, 1, 1<<20)
	peer.send(&channelOpenMsg{
		ChanType:         "forwarded-tcpip",
		PeersID:          77,
		PeersWindow:      1024,
		MaxPacketSize:    1024,
		TypeSpecificData: ssh.Marshal(&forwardedTCPPayload{Host: "0.0.0.0", Port: 9000, OriginHost: "10.0.0.1", OriginPort: 5555}),
	})
	peer.send(&channelOpenMsg{ChanType: "x11", PeersID: 78, PeersWindow: 1024, MaxPacketSize: 1024})
	peer.data(c, "x")
	if _, err := c.Read(make([]byte, 1)); err != nil {
		t.Fatalf("read: %v", err)
	}
	for _, want := range []struct {
		id     uint32
		reason ChannelOpenReason
	}{{77, Prohibited}, {78, UnknownChannelType}} {
		var m channelOpenFailureMsg
		if err := ssh.Unmarshal(peer.expect(msgChannelOpenFailure), &m); err != nil {
			t.Fatal(err)
		}
		if m.PeersID != want.id || ChannelOpenReason(m.Reason) != want.reason {
			t.Fatalf("unexpected failure %+v", m)
		}
	}
}

func TestForwardedOpenQueued(t *testing.T) {
	s, peer := newTestSession(t, nil)
	l := &Listener{s: s, host: "127.0.0.1", port: 9000}
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()

	peer.send(&channelOpenMsg{
		ChanType:         "forwarded-tcpip",
		PeersID:          80,
		PeersWindow:      1 << 20,
		MaxPacketSize:    32 * 1024,
		TypeSpecificData: ssh.Marshal(&forwardedTCPPayload{Host: "localhost", Port: 9000, OriginHost: "10.0.0.1", OriginPort: 5555}),
	})
	c, err := l.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if c.Origin() != "10.0.0.1:5555" || c.Type() != "forwarded-tcpip" {
		t.Fatalf("unexpected channel %s from %s", c.Type(), c.Origin())
	}
	var confirm channelOpenConfirmMsg
	if err := ssh.Unmarshal(peer.expect(msgChannelOpenConfirm), &confirm); err != nil {
		t.Fatal(err)
	}
	if confirm.PeersID != 80 || confirm.MyID != c.localID {
		t.Fatalf("unexpected confirm %+v", confirm)
	}
	if _, err := c.Write([]byte("hi")); err != nil {
		t.Fatalf("write: %v", err)
	}
	var m channelDataMsg
	if err := ssh.Unmarshal(peer.expect(msgChannelData), &m); err != nil {
		t.Fatal(err)
	}
	if m.PeersID != 80 || !bytes.Equal(m.Data, []byte("hi")) {
		t.Fatalf("unexpected data %+v", m)
	}
}

func TestConcurrentOpensGetDistinctChannels(t *testing.T) {
	s, peer := newTestSession(t, nil)
	type result struct {
		c   *Channel
		err error
	}
	done := make(chan result, 2)
	open := func() {
		c, err := s.OpenSession(context.Background())
		done <- result{c, err}
	}
	var first, second channelOpenMsg
	go open()
	if err := ssh.Unmarshal(peer.expect(msgChannelOpen), &first); err != nil {
		t.Fatal(err)
	}
	go open()
	if err := ssh.Unmarshal(peer.expect(msgChannelOpen), &second); err != nil {
		t.Fatal(err)
	}
	if first.PeersID == second.PeersID {
		t.Fatalf("both opens used channel %d", first.PeersID)
	}
	peer.send(&channelOpenConfirmMsg{PeersID: second.PeersID, MyID: 2, MyWindow: 1 << 20, MaxPacketSize: 32 * 1024})
	peer.send(&channelOpenConfirmMsg{PeersID: first.PeersID, MyID: 1, MyWindow: 1 << 20, MaxPacketSize: 32 * 1024})
	remote := map[uint32]uint32{first.PeersID: 1, second.PeersID: 2}
	var got []*Channel
	for range 2 {
		r := <-done
		if r.err != nil {
			t.Fatalf("open: %v", r.err)
		}
		if want := remote[r.c.localID]; r.c.remoteID != want {
			t.Fatalf("channel %d: expected remote %d, got %d", r.c.localID, want, r.c.remoteID)
		}
		got = append(got, r.c)
	}
	if got[0] == got[1] {
		t.Fatal("both callers got the same channel")
	}
	if len(s.pendingOpens) != 0 {
		t.Fatalf("expected no pending opens, got %d", len(s.pendingOpens))
	}
}

func TestForwardedOpenBeforeReply(t *testing.T) {
	tests := []struct {
		name   string
		reply  []byte
		listed bool
	}{
		{"accepted", []byte{msgRequestSuccess, 0, 0, 0x23, 0x8c}, true},
		{"refused", []byte{msgRequestFailure}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, peer := newTestSession(t, nil)
			type result struct {
				l   *Listener
				err error
			}
			done := make(chan result, 1)
			go func() {
				l, err := s.ForwardListen(context.Background(), "127.0.0.1", 0)
				done <- result{l, err}
			}()
			peer.expect(msgGlobalRequest)
			peer.send(&channelOpenMsg{
				ChanType:         "forwarded-tcpip",
				PeersID:          90,
				PeersWindow:      1 << 20,
				MaxPacketSize:    32 * 1024,
				TypeSpecificData: ssh.Marshal(&forwardedTCPPayload{Host: "127.0.0.1", Port: 9100, OriginHost: "10.0.0.2", OriginPort: 6000}),
			})
			var confirm channelOpenConfirmMsg
			if err := ssh.Unmarshal(peer.expect(msgChannelOpenConfirm), &confirm); err != nil {
				t.Fatal(err)
			}
			if err := peer.WritePacket(tt.reply); err != nil {
				t.Fatal(err)
			}
			r := <-done
			if !tt.listed {
				var reqErr *RequestError
				if !errors.As(r.err, &reqErr) {
					t.Fatalf("expected a request error, got %v", r.err)
				}
				var m channelCloseMsg
				if err := ssh.Unmarshal(peer.expect(msgChannelClose), &m); err != nil {
					t.Fatal(err)
				}
				if m.PeersID != 90 {
					t.Fatalf("expected close of remote channel 90, got %d", m.PeersID)
				}
				if len(s.listeners) != 0 {
					t.Fatalf("expected no listeners, got %d", len(s.listeners))
				}
				return
			}
			if r.err != nil {
				t.Fatalf("forward listen: %v", r.err)
			}
			if r.l.Port() != 9100 {
				t.Fatalf("expected port 9100, got %d", r.l.Port())
			}
			c, err := r.l.Accept()
			if err != nil {
				t.Fatalf("accept: %v", err)
			}
			if c.Origin() != "10.0.0.2:6000" || c.localID != confirm.MyID {
				t.Fatalf("unexpected channel %d from %s", c.localID, c.Origin())
			}
		})
	}
}

func TestLateAuthReplyIsNotReused(t *testing.T) {
	s, peer := newUnauthenticatedSession(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.AuthenticatePassword(ctx, "tester", "slow"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected a deadline error, got %v", err)
	}
	peer.expect(msgUserAuthRequest)

	done := make(chan error, 1)
	go func() {
		done <- s.AuthenticatePassword(context.Background(), "tester", "secret")
	}()
	peer.expect(msgUserAuthRequest)
	// the first attempt's answer arrives only now
	peer.send(&userAuthFailureMsg{Methods: []string{"password"}})
	if err := peer.WritePacket([]byte{msgUserAuthSuccess}); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatalf("expected the second attempt to succeed, got %v", err)
	}
	if !s.Authenticated() {
		t.Fatal("expected an authenticated session")
	}
}

func TestEncodeModes(t *testing.T) {
	got := encodeModes(ssh.TerminalModes{ssh.TTY_OP_OSPEED: 14400, ssh.ECHO: 1})
	want := []byte{ssh.ECHO, 0, 0, 0, 1, ssh.TTY_OP_OSPEED, 0, 0, 0x38, 0x40, 0}
	if !bytes.Equal([]byte(got), want) {
		t.Fatalf("expected %v, got %v", want, []byte(got))
	}
	if encodeModes(nil) != "\x00" {
		t.Fatal("empty modes must be a lone terminator")
	}
}
