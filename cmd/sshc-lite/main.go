//go:generate go tool md-tmpl -w ../../README.md

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jpillora/jplog"
	"github.com/jpillora/opts"
	"github.com/jpillora/sshc-lite/client"
)

var version string = "0.0.0-src" //set via ldflags

type config struct {
	Profiles     string        `opts:"help=YAML file of connection profiles,env=SSHC_PROFILES"`
	User         string        `opts:"short=l,help=login user (defaults to the profile user then the current user)"`
	Port         int           `opts:"short=p,help=remote port (defaults to the profile port then 22)"`
	Password     string        `opts:"env=SSHC_PASSWORD,help=login password (prompted for when required)"`
	Identity     []string      `opts:"short=i,help=private key file (repeatable; defaults to ~/.ssh/id_*)"`
	NoAgent      bool          `opts:"name=no-agent,help=do not authenticate with the local ssh agent"`
	ForwardAgent bool          `opts:"name=forward-agent,short=a,help=forward the local ssh agent to the remote"`
	KnownHosts   string        `opts:"name=known-hosts,help=known hosts file (defaults to ~/.ssh/known_hosts)"`
	HostKeys     string        `opts:"name=host-key-checking,help=host key policy: accept-new or yes or no"`
	Timeout      time.Duration `opts:"help=connect and authentication timeout"`
	KeepAlive    time.Duration `opts:"name=keepalive,help=keepalive interval (0 to disable)"`
	Verbose      bool          `opts:"short=v,help=verbose logs"`

	Shell   shellCmd   `opts:"mode=cmd,help=Start an interactive shell"`
	Exec    execCmd    `opts:"mode=cmd,help=Run a command and exit with its status"`
	Ls      lsCmd      `opts:"mode=cmd,help=List a remote directory"`
	Get     getCmd     `opts:"mode=cmd,help=Download a remote file"`
	Put     putCmd     `opts:"mode=cmd,help=Upload a local file"`
	Forward forwardCmd `opts:"mode=cmd,help=Forward ports until interrupted"`
}

var cli = config{Profiles: "~/.ssh/sshc.yaml"}

// exitStatus carries the remote exit status out of Run.
type exitStatus int

func (e exitStatus) Error() string { return "exit status " + strconv.Itoa(int(e)) }

func (c *config) logger() *slog.Logger {
	h := jplog.Handler(os.Stderr)
	if c.Verbose {
		h = h.Verbose()
	}
	return slog.New(h)
}

// connect resolves target against the profiles and the flags and dials it.
// The returned context is cancelled on interrupt.
func (c *config) connect(target string) (context.Context, *client.Client, func(), error) {
	profiles, err := client.LoadProfiles(c.Profiles)
	if err != nil {
		return nil, nil, nil, err
	}
	cfg := profiles.Resolve(target, &client.Config{
		User:                  c.User,
		Password:              c.Password,
		IdentityFiles:         c.Identity,
		UseAgent:              !c.NoAgent,
		ForwardAgent:          c.ForwardAgent,
		KnownHostsFile:        c.KnownHosts,
		StrictHostKeyChecking: c.HostKeys,
		Timeout:               c.Timeout,
		KeepAlive:             c.KeepAlive,
		Logger:                c.logger(),
		PasswordPrompt:        client.PromptPassword,
		Challenge:             client.PromptChallenge,
	})
	if c.Port != 0 {
		host := cfg.Addr
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		cfg.Addr = net.JoinHostPort(host, strconv.Itoa(c.Port))
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	cl, err := client.Dial(ctx, cfg)
	if err != nil {
		stop()
		return nil, nil, nil, err
	}
	return ctx, cl, func() {
		cl.Close()
		stop()
	}, nil
}

func status(code int, err error) error {
	if err != nil {
		return err
	}
	if code != 0 {
		return exitStatus(code)
	}
	return nil
}

type shellCmd struct {
	Target string `opts:"mode=arg,help=profile name or [user@]host[:port]"`
	Pty    bool   `opts:"short=t,help=request a pty even when stdin is not a terminal"`
}

func (s *shellCmd) Run() error {
	ctx, c, done, err := cli.connect(s.Target)
	if err != nil {
		return err
	}
	defer done()
	t := client.StdTerminal()
	t.Pty = s.Pty
	return status(c.Shell(ctx, t))
}

type execCmd struct {
	Target  string   `opts:"mode=arg,help=profile name or [user@]host[:port]"`
	Command []string `opts:"mode=arg,help=command to run"`
}

func (e *execCmd) Run() error {
	ctx, c, done, err := cli.connect(e.Target)
	if err != nil {
		return err
	}
	defer done()
	return status(c.Run(ctx, strings.Join(e.Command, " "), os.Stdin, os.Stdout, os.Stderr))
}

type lsCmd struct {
	Target string `opts:"mode=arg,help=profile name or [user@]host[:port]"`
	Dir    string `opts:"short=d,help=remote directory"`
	Long   bool   `opts:"help=print ls -l style lines"`
}

func (l *lsCmd) Run() error {
	ctx, c, done, err := cli.connect(l.Target)
	if err != nil {
		return err
	}
	defer done()
	dir := l.Dir
	if dir == "" {
		dir = "."
	}
	entries, err := c.List(ctx, dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		if l.Long && e.LongName != "" {
			fmt.Println(e.LongName)
		} else {
			fmt.Println(e.Name)
		}
	}
	return nil
}

type getCmd struct {
	Target string `opts:"mode=arg,help=profile name or [user@]host[:port]"`
	Remote string `opts:"mode=arg,help=remote file"`
	Local  string `opts:"mode=arg,help=local file or directory"`
}

func (g *getCmd) Run() error {
	ctx, c, done, err := cli.connect(g.Target)
	if err != nil {
		return err
	}
	defer done()
	n, err := c.Download(ctx, g.Remote, g.Local)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "%s: %d bytes\n", g.Remote, n)
	return nil
}

type putCmd struct {
	Target string `opts:"mode=arg,help=profile name or [user@]host[:port]"`
	Local  string `opts:"mode=arg,help=local file"`
	Remote string `opts:"mode=arg,help=remote file or directory"`
}

func (p *putCmd) Run() error {
	ctx, c, done, err := cli.connect(p.Target)
	if err != nil {
		return err
	}
	defer done()
	n, err := c.Upload(ctx, p.Local, p.Remote)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "%s: %d bytes\n", p.Local, n)
	return nil
}

type forwardCmd struct {
	Target  string   `opts:"mode=arg,help=profile name or [user@]host[:port]"`
	Local   []string `opts:"short=L,help=local forward [bind_address:]port:host:hostport"`
	Remote  []string `opts:"short=R,help=remote forward [bind_address:]port:host:hostport"`
	Dynamic []string `opts:"short=D,help=socks5 proxy on [bind_address:]port"`
}

func (f *forwardCmd) Run() error {
	var local, remote, dynamic []client.Forward
	for _, s := range f.Local {
		fw, err := client.ParseForward(s)
		if err != nil {
			return err
		}
		local = append(local, fw)
	}
	for _, s := range f.Remote {
		fw, err := client.ParseForward(s)
		if err != nil {
			return err
		}
		remote = append(remote, fw)
	}
	for _, s := range f.Dynamic {
		fw, err := client.ParseDynamic(s)
		if err != nil {
			return err
		}
		dynamic = append(dynamic, fw)
	}
	if len(local)+len(remote)+len(dynamic) == 0 {
		return errors.New("no forwards given (use -L, -R or -D)")
	}
	ctx, c, done, err := cli.connect(f.Target)
	if err != nil {
		return err
	}
	defer done()
	return c.Forwards(ctx, local, remote, dynamic)
}

func main() {
	err := opts.New(&cli).
		Name("sshc-lite").
		Version(version).
		Repo("github.com/jpillora/sshc-lite").
		Parse().
		Run()
	var code exitStatus
	switch {
	case errors.As(err, &code):
		os.Exit(int(code))
	case err != nil:
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
