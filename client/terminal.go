package client

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/jpillora/sshc-lite/xssh"
	"golang.org/x/crypto/ssh"
	"golang.org/x/term"
)

// Terminal is the local end of an interactive session.
type Terminal struct {
	In  io.Reader
	Out io.Writer
	Err io.Writer

	// Term is the TERM value sent with the pty request. Defaults to $TERM,
	// then xterm.
	Term string

	// Pty requests a pty even when In is not a terminal, sized Cols x Rows.
	Pty        bool
	Cols, Rows uint32
}

// StdTerminal returns a Terminal on the process's standard streams.
func StdTerminal() *Terminal {
	return &Terminal{In: os.Stdin, Out: os.Stdout, Err: os.Stderr}
}

func (t *Terminal) fd() (int, bool) {
	if f, ok := t.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return int(f.Fd()), true
	}
	return 0, false
}

func (t *Terminal) termName() string {
	if t.Term != "" {
		return t.Term
	}
	if env := os.Getenv("TERM"); env != "" {
		return env
	}
	return "xterm"
}

// Shell starts the remote login shell attached to t. When t.In is a terminal
// it is switched to raw mode for the duration, a pty of the same size is
// requested and local window changes are forwarded. It returns the remote
// exit status.
func (c *Client) Shell(ctx context.Context, t *Terminal) (int, error) {
	ch, err := c.session.OpenSession(ctx)
	if err != nil {
		return -1, err
	}
	defer ch.Close()
	if c.config.ForwardAgent && c.agent != nil {
		if err := ch.RequestAgentForwarding(); err != nil {
			c.debugf("agent forwarding: %v", err)
		}
	}
	fd, isTerm := t.fd()
	switch {
	case isTerm:
		w, h, err := term.GetSize(fd)
		if err != nil {
			return -1, fmt.Errorf("terminal size: %w", err)
		}
		if err := ch.RequestPty(t.termName(), uint32(w), uint32(h), ssh.TerminalModes{}); err != nil {
			return -1, err
		}
		state, err := term.MakeRaw(fd)
		if err != nil {
			return -1, err
		}
		defer term.Restore(fd, state)
		stop := watchResize(fd, ch)
		defer stop()
	case t.Pty:
		cols, rows := t.Cols, t.Rows
		if cols == 0 || rows == 0 {
			cols, rows = 80, 24
		}
		if err := ch.RequestPty(t.termName(), cols, rows, ssh.TerminalModes{}); err != nil {
			return -1, err
		}
	}
	if err := ch.Shell(); err != nil {
		return -1, err
	}
	out, errOut := t.Out, t.Err
	if errOut == nil {
		errOut = io.Discard
	}
	return c.attach(ctx, ch, t.In, out, errOut)
}

// resize sends the current size of fd to ch.
func resize(fd int, ch *xssh.Channel) {
	w, h, err := term.GetSize(fd)
	if err == nil {
		ch.WindowChange(uint32(w), uint32(h))
	}
}

// PromptPassword asks for a password on the controlling terminal without
// echo. It fails when stdin is not a terminal.
func PromptPassword(user, addr string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("cannot prompt for a password: stdin is not a terminal")
	}
	fmt.Fprintf(os.Stderr, "%s@%s's password: ", user, addr)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// PromptChallenge answers keyboard-interactive prompts on the terminal.
func PromptChallenge(name, instruction string, questions []string, echos []bool) ([]string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("cannot answer %d prompts: stdin is not a terminal", len(questions))
	}
	if name != "" {
		fmt.Fprintln(os.Stderr, name)
	}
	if instruction != "" {
		fmt.Fprintln(os.Stderr, instruction)
	}
	answers := make([]string, len(questions))
	for i, q := range questions {
		fmt.Fprint(os.Stderr, q)
		if echos[i] {
			t := term.NewTerminal(struct {
				io.Reader
				io.Writer
			}{os.Stdin, os.Stderr}, "")
			line, err := t.ReadLine()
			if err != nil {
				return nil, err
			}
			answers[i] = line
			continue
		}
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, err
		}
		answers[i] = string(b)
	}
	return answers, nil
}
