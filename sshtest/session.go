package sshtest

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

type ptyRequest struct {
	Term   string
	Cols   uint32
	Rows   uint32
	Width  uint32
	Height uint32
	Modes  string
}

type windowChange struct {
	Cols   uint32
	Rows   uint32
	Width  uint32
	Height uint32
}

type envRequest struct {
	Name  string
	Value string
}

type commandRequest struct {
	Command string
}

type signalRequest struct {
	Signal string
}

// session serves one "session" channel.
type session struct {
	server *Server
	conn   *ssh.ServerConn
	ch     ssh.Channel

	mu      sync.Mutex
	env     []string
	pty     *ptyRequest
	tty     *os.File
	cmd     *exec.Cmd
	started bool
	exited  bool
}

func (s *Server) handleSession(conn *ssh.ServerConn, nc ssh.NewChannel) {
	ch, reqs, err := nc.Accept()
	if err != nil {
		s.debugf("accept session: %v", err)
		return
	}
	sess := &session{server: s, conn: conn, ch: ch}
	s.events.Emit("session.open", "user", conn.User())
	for req := range reqs {
		ok := sess.handle(req)
		if req.WantReply {
			req.Reply(ok, nil)
		}
	}
	sess.mu.Lock()
	if sess.cmd != nil && !sess.exited {
		sess.cmd.Process.Kill()
	}
	sess.mu.Unlock()
}

func (sess *session) handle(req *ssh.Request) bool {
	events := sess.server.events
	switch req.Type {
	case "pty-req":
		var p ptyRequest
		if ssh.Unmarshal(req.Payload, &p) != nil {
			return false
		}
		sess.mu.Lock()
		sess.pty = &p
		sess.mu.Unlock()
		events.Emit("pty", "term", p.Term, "cols", strconv.Itoa(int(p.Cols)), "rows", strconv.Itoa(int(p.Rows)))
		return true
	case "window-change":
		var w windowChange
		if ssh.Unmarshal(req.Payload, &w) != nil {
			return false
		}
		sess.mu.Lock()
		switch {
		case sess.tty != nil:
			pty.Setsize(sess.tty, &pty.Winsize{Rows: uint16(w.Rows), Cols: uint16(w.Cols)})
		case sess.pty != nil:
			// not started yet, the size is applied when the pty is opened
			sess.pty.Cols, sess.pty.Rows = w.Cols, w.Rows
		}
		sess.mu.Unlock()
		events.Emit("window-change", "cols", strconv.Itoa(int(w.Cols)), "rows", strconv.Itoa(int(w.Rows)))
		return true
	case "env":
		var e envRequest
		if ssh.Unmarshal(req.Payload, &e) != nil {
			return false
		}
		// Like sshd AcceptEnv LC_*, only a prefix is allowed through.
		if !strings.HasPrefix(e.Name, "LC_") && !strings.HasPrefix(e.Name, "SSHC_") {
			events.Emit("env.rejected", "name", e.Name)
			return false
		}
		sess.mu.Lock()
		sess.env = append(sess.env, e.Name+"="+e.Value)
		sess.mu.Unlock()
		events.Emit("env", "name", e.Name, "value", e.Value)
		return true
	case "exec":
		var c commandRequest
		if ssh.Unmarshal(req.Payload, &c) != nil {
			return false
		}
		return sess.start(c.Command)
	case "shell":
		return sess.start("")
	case "subsystem":
		var c commandRequest
		if ssh.Unmarshal(req.Payload, &c) != nil || c.Command != "sftp" || !sess.server.config.sftp {
			return false
		}
		go sess.serveSFTP()
		return true
	case "auth-agent-req@openssh.com":
		return sess.checkAgent()
	case "signal":
		var sig signalRequest
		if ssh.Unmarshal(req.Payload, &sig) != nil {
			return false
		}
		events.Emit("signal", "signal", sig.Signal)
		sess.mu.Lock()
		defer sess.mu.Unlock()
		if sess.cmd == nil || sess.exited {
			return false
		}
		if s, ok := signals[ssh.Signal(sig.Signal)]; ok {
			sess.cmd.Process.Signal(s)
		}
		return true
	default:
		events.Emit("request.unknown", "type", req.Type)
		return false
	}
}

var signals = map[ssh.Signal]os.Signal{
	ssh.SIGINT:  os.Interrupt,
	ssh.SIGKILL: os.Kill,
	ssh.SIGTERM: syscall.SIGTERM,
	ssh.SIGHUP:  syscall.SIGHUP,
}

func (sess *session) start(command string) bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.started {
		return false
	}
	cfg := sess.server.config
	var cmd *exec.Cmd
	if command == "" {
		cmd = exec.Command(cfg.shell)
	} else {
		cmd = exec.Command(cfg.shell, "-c", command)
	}
	cmd.Dir = cfg.workDir
	cmd.Env = append(os.Environ(), sess.env...)
	if sess.pty != nil {
		cmd.Env = append(cmd.Env, "TERM="+sess.pty.Term)
		tty, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(sess.pty.Rows), Cols: uint16(sess.pty.Cols)})
		if err != nil {
			sess.server.debugf("pty start: %v", err)
			return false
		}
		sess.tty = tty
		go io.Copy(tty, sess.ch)
		go sess.waitPty(cmd, tty, command)
	} else {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return false
		}
		cmd.Stdout = sess.ch
		cmd.Stderr = sess.ch.Stderr()
		if err := cmd.Start(); err != nil {
			sess.server.debugf("exec start: %v", err)
			return false
		}
		go func() {
			io.Copy(stdin, sess.ch)
			stdin.Close()
		}()
		go sess.wait(cmd, command)
	}
	sess.cmd = cmd
	sess.started = true
	sess.server.events.Emit("exec.start", "command", command, "pty", strconv.FormatBool(sess.pty != nil))
	return true
}

func (sess *session) waitPty(cmd *exec.Cmd, tty *os.File, command string) {
	// Reading the master fails with EIO once the child side is gone.
	io.Copy(sess.ch, tty)
	sess.wait(cmd, command)
	tty.Close()
}

func (sess *session) wait(cmd *exec.Cmd, command string) {
	err := cmd.Wait()
	sess.mu.Lock()
	sess.exited = true
	sess.mu.Unlock()
	status := 0
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		status = exitErr.ExitCode()
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			sess.sendSignal(ws.Signal())
			sess.server.events.Emit("exec.exit", "command", command, "signal", ws.Signal().String())
			sess.ch.Close()
			return
		}
	} else if err != nil {
		status = 255
	}
	sess.ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(status)}))
	sess.server.events.Emit("exec.exit", "command", command, "status", strconv.Itoa(status))
	sess.ch.Close()
}

func (sess *session) sendSignal(sig syscall.Signal) {
	name := "KILL"
	for k, v := range signals {
		if v == sig {
			name = string(k)
		}
	}
	sess.ch.SendRequest("exit-signal", false, ssh.Marshal(struct {
		Signal     string
		CoreDumped bool
		Error      string
		Lang       string
	}{Signal: name, Error: sig.String()}))
}

func (sess *session) serveSFTP() {
	defer sess.ch.Close()
	var opts []sftp.ServerOption
	if dir := sess.server.config.workDir; dir != "" {
		opts = append(opts, sftp.WithServerWorkingDirectory(dir))
	}
	srv, err := sftp.NewServer(sess.ch, opts...)
	if err != nil {
		sess.server.debugf("sftp server: %v", err)
		return
	}
	sess.server.events.Emit("sftp.open")
	if err := srv.Serve(); err != nil && err != io.EOF {
		sess.server.debugf("sftp serve: %v", err)
	}
	sess.server.events.Emit("sftp.closed")
}

// checkAgent opens an agent channel back to the client and lists its keys
// before the request is answered.
func (sess *session) checkAgent() bool {
	ch, reqs, err := sess.conn.OpenChannel("auth-agent@openssh.com", nil)
	if err != nil {
		sess.server.events.Emit("agent.failed", "error", err.Error())
		return false
	}
	go ssh.DiscardRequests(reqs)
	defer ch.Close()
	keys, err := agent.NewClient(ch).List()
	if err != nil {
		sess.server.events.Emit("agent.failed", "error", err.Error())
		return false
	}
	fps := make([]string, len(keys))
	for i, k := range keys {
		fps[i] = ssh.FingerprintSHA256(k)
	}
	sess.server.events.Emit("agent.keys", "count", strconv.Itoa(len(keys)), "fingerprints", strings.Join(fps, ","))
	return true
}
