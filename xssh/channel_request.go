package xssh

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/crypto/ssh"
)

func (c *Channel) handleRequest(m *channelRequestMsg) error {
	switch m.Request {
	case "exit-status":
		var st exitStatusMsg
		if err := ssh.Unmarshal(m.RequestSpecificData, &st); err == nil {
			status := int(st.Status)
			c.exitStatus = &status
		}
	case "exit-signal":
		var sig exitSignalMsg
		if err := ssh.Unmarshal(m.RequestSpecificData, &sig); err == nil {
			c.exitSignal = &ExitSignal{
				Signal:     sig.Signal,
				CoreDumped: sig.CoreDumped,
				Message:    sig.Error,
				Lang:       sig.Lang,
			}
		}
	case "eow@openssh.com":
		c.s.debugf("channel %d: peer will not write", c.localID)
	default:
		c.s.debugf("channel %d: ignoring %q request", c.localID, m.Request)
	}
	if !m.WantReply {
		return nil
	}
	return c.s.writePacket(ssh.Marshal(&channelRequestFailureMsg{PeersID: c.remoteID}))
}

// SendRequest sends a channel request. With wantReply set it waits for the
// answer and returns a *RequestError on failure. In non-blocking mode a
// request awaiting its reply returns ErrWouldBlock; repeat the same call to
// resume it.
func (c *Channel) SendRequest(name string, wantReply bool, payload []byte) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.request(context.Background(), name, wantReply, payload, c.s.blocking)
}

func (c *Channel) request(ctx context.Context, name string, wantReply bool, payload []byte, blocking bool) error {
	if err := c.usable(); err != nil {
		return err
	}
	if c.closeRecv {
		return fmt.Errorf("%w: closed by peer", ErrAlreadyClosed)
	}
	key := name + "\x00" + string(payload)
	r := c.resume
	if r == nil || r.key != key {
		msg := ssh.Marshal(&channelRequestMsg{
			PeersID:             c.remoteID,
			Request:             name,
			WantReply:           wantReply,
			RequestSpecificData: payload,
		})
		if err := c.s.writePacket(msg); err != nil {
			return err
		}
		if !wantReply {
			return nil
		}
		r = &pendingReply{key: key}
		c.replies = append(c.replies, r)
		c.resume = r
	}
	err := c.s.wait(ctx, blocking, func() bool { return r.done || c.closeRecv || c.err != nil })
	if errors.Is(err, ErrWouldBlock) {
		return err
	}
	c.resume = nil
	switch {
	case c.err != nil:
		return c.err
	case r.done && !r.ok:
		return &RequestError{Request: name}
	case r.done:
		return nil
	case err != nil:
		return err
	}
	return fmt.Errorf("%w: closed by peer awaiting %s reply", ErrAlreadyClosed, name)
}

// RequestPty asks for a pseudo terminal. modes may be nil.
func (c *Channel) RequestPty(term string, cols, rows uint32, modes ssh.TerminalModes) error {
	payload := ssh.Marshal(&ptyRequestMsg{
		Term:     term,
		Columns:  cols,
		Rows:     rows,
		Modelist: encodeModes(modes),
	})
	return c.SendRequest("pty-req", true, payload)
}

func encodeModes(modes ssh.TerminalModes) string {
	ops := make([]int, 0, len(modes))
	for op := range modes {
		ops = append(ops, int(op))
	}
	sort.Ints(ops)
	var b []byte
	for _, op := range ops {
		b = append(b, byte(op))
		b = binary.BigEndian.AppendUint32(b, modes[uint8(op)])
	}
	return string(append(b, 0))
}

// WindowChange reports a new terminal size. It does not wait for a reply.
func (c *Channel) WindowChange(cols, rows uint32) error {
	return c.SendRequest("window-change", false, ssh.Marshal(&windowChangeMsg{Columns: cols, Rows: rows}))
}

// Setenv asks the server to set an environment variable for the next
// process. Servers commonly refuse names they do not allow.
func (c *Channel) Setenv(name, value string) error {
	return c.SendRequest("env", true, ssh.Marshal(&setenvMsg{Name: name, Value: value}))
}

// Exec starts command on the server.
func (c *Channel) Exec(command string) error {
	return c.SendRequest("exec", true, ssh.Marshal(&execMsg{Command: command}))
}

// Shell starts the user's login shell.
func (c *Channel) Shell() error {
	return c.SendRequest("shell", true, nil)
}

// Subsystem starts a named subsystem such as "sftp".
func (c *Channel) Subsystem(name string) error {
	return c.SendRequest("subsystem", true, ssh.Marshal(&subsystemMsg{Name: name}))
}

// ProcessStartup sends a process start request ("shell", "exec" or
// "subsystem") with an optional argument.
func (c *Channel) ProcessStartup(request, message string) error {
	var payload []byte
	if message != "" {
		payload = ssh.Marshal(&execMsg{Command: message})
	}
	return c.SendRequest(request, true, payload)
}

// RequestAgentForwarding asks the server to forward agent connections for
// this channel. The session must be serving an agent, see
// Session.ForwardAgent.
func (c *Channel) RequestAgentForwarding() error {
	return c.SendRequest("auth-agent-req@openssh.com", true, nil)
}

// Signal delivers sig to the remote process.
func (c *Channel) Signal(sig ssh.Signal) error {
	return c.SendRequest("signal", false, ssh.Marshal(&signalMsg{Signal: string(sig)}))
}
