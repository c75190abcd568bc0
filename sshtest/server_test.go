package sshtest

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

func dial(t *testing.T, s *Server, user, password string) *ssh.Client {
	t.Helper()
	conn, err := s.Pipe(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	cc, chans, reqs, err := ssh.NewClientConn(conn, "pipe", &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.Password(password)},
		HostKeyCallback: ssh.FixedHostKey(s.HostKey()),
		Timeout:         5 * time.Second,
	})
	if err != nil {
		t.Fatalf("client conn: %v", err)
	}
	c := ssh.NewClient(cc, chans, reqs)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestServerExec(t *testing.T) {
	s, err := NewServer(WithPassword("bob", "pw"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Stop()
	c := dial(t, s, "bob", "pw")
	sess, err := c.NewSession()
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	sess.Stdout = &out
	if err := sess.Run("echo hi"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.String() != "hi\n" {
		t.Fatalf("expected hi, got %q", out.String())
	}
	events := s.Events()
	if _, ok := events.Find("auth.accepted", "user", "bob"); !ok {
		t.Error("missing auth event")
	}
	if _, err := events.Wait("exec.exit", "command", "echo hi", "status", "0"); err != nil {
		t.Error(err)
	}
}

func TestServerExitStatus(t *testing.T) {
	s, err := NewServer(WithPassword("bob", "pw"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Stop()
	c := dial(t, s, "bob", "pw")
	sess, err := c.NewSession()
	if err != nil {
		t.Fatal(err)
	}
	err = sess.Run("exit 4")
	exitErr, ok := err.(*ssh.ExitError)
	if !ok || exitErr.ExitStatus() != 4 {
		t.Fatalf("expected exit status 4, got %v", err)
	}
}

func TestServerRejectsPassword(t *testing.T) {
	s, err := NewServer(WithPassword("bob", "pw"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Stop()
	conn, err := s.Pipe(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	_, _, _, err = ssh.NewClientConn(conn, "pipe", &ssh.ClientConfig{
		User:            "bob",
		Auth:            []ssh.AuthMethod{ssh.Password("nope")},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	})
	if err == nil {
		t.Fatal("expected authentication failure")
	}
	if _, ok := s.Events().Find("auth.rejected", "method", "password", "user", "bob"); !ok {
		t.Fatalf("missing rejection event: %v", s.Events().All())
	}
}

func TestServerStart(t *testing.T) {
	s, err := NewServer(WithNoAuth())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()
	if _, ok := s.Events().Find("server.started", "addr", s.Addr()); !ok {
		t.Fatal("missing start event")
	}
	c, err := ssh.Dial("tcp", s.Addr(), &ssh.ClientConfig{
		User:            "anyone",
		HostKeyCallback: ssh.FixedHostKey(s.HostKey()),
		Timeout:         5 * time.Second,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	ok, _, err := c.SendRequest("keepalive@openssh.com", true, nil)
	if err != nil || ok {
		t.Fatalf("expected refused keepalive, got %v %v", ok, err)
	}
	if _, err := s.Events().Wait("keepalive"); err != nil {
		t.Fatal(err)
	}
}

func TestServerWindowChangeBeforeStart(t *testing.T) {
	s, err := NewServer(WithPassword("bob", "pw"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Stop()
	c := dial(t, s, "bob", "pw")
	sess, err := c.NewSession()
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()
	if err := sess.RequestPty("xterm", 24, 80, ssh.TerminalModes{}); err != nil {
		t.Fatal(err)
	}
	if err := sess.WindowChange(40, 100); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Events().Wait("window-change", "cols", "100", "rows", "40"); err != nil {
		t.Fatal(err)
	}
	out, err := sess.Output("stty size")
	if err != nil {
		t.Fatalf("stty: %v", err)
	}
	if got := strings.TrimSpace(string(out)); got != "40 100" {
		t.Fatalf("expected 40 100, got %q", got)
	}
}
