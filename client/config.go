package client

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"
)

// Host key policies for Config.StrictHostKeyChecking.
const (
	// HostKeyAcceptNew records unknown hosts and rejects changed keys.
	HostKeyAcceptNew = "accept-new"
	// HostKeyStrict rejects hosts missing from the known hosts file.
	HostKeyStrict = "yes"
	// HostKeyOff accepts any host key.
	HostKeyOff = "no"
)

// Config is the configuration for a client connection
type Config struct {
	Addr                  string        `yaml:"addr"`
	User                  string        `yaml:"user"`
	Password              string        `yaml:"password,omitempty"`
	IdentityFiles         []string      `yaml:"identity_files,omitempty"`
	UseAgent              bool          `yaml:"use_agent"`
	ForwardAgent          bool          `yaml:"forward_agent"`
	KnownHostsFile        string        `yaml:"known_hosts_file,omitempty"`
	StrictHostKeyChecking string        `yaml:"strict_host_key_checking,omitempty"`
	Timeout               time.Duration `yaml:"timeout,omitempty"`
	KeepAlive             time.Duration `yaml:"keepalive,omitempty"`
	// programmatic options
	Logger *slog.Logger `yaml:"-"`
	// PasswordPrompt is asked for a password when none is configured.
	PasswordPrompt func(user, addr string) (string, error) `yaml:"-"`
	// Challenge answers keyboard-interactive prompts. When nil, every prompt
	// is answered with Password.
	Challenge ssh.KeyboardInteractiveChallenge `yaml:"-"`
}

// Profiles maps a host alias to its connection settings, as read from a
// YAML file:
//
//	web:
//	  addr: web.example.com:22
//	  user: deploy
//	  identity_files: [~/.ssh/deploy]
type Profiles map[string]*Config

// LoadProfiles reads a profiles file. A missing file yields no profiles.
func LoadProfiles(path string) (Profiles, error) {
	b, err := os.ReadFile(expandHome(path))
	if errors.Is(err, os.ErrNotExist) {
		return Profiles{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading profiles: %w", err)
	}
	var p Profiles
	if err := yaml.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	for name, c := range p {
		if c == nil {
			return nil, fmt.Errorf("profile %q is empty", name)
		}
	}
	return p, nil
}

// Resolve returns the configuration for target, which is either a profile
// name or a [user@]host[:port] address. Fields set in override win over the
// profile.
func (p Profiles) Resolve(target string, override *Config) *Config {
	c := &Config{}
	if prof, ok := p[target]; ok {
		*c = *prof
	} else {
		if u, host, ok := strings.Cut(target, "@"); ok {
			c.User = u
			target = host
		}
		c.Addr = target
	}
	if override != nil {
		c.merge(override)
	}
	return c
}

func (c *Config) merge(o *Config) {
	if o.Addr != "" {
		c.Addr = o.Addr
	}
	if o.User != "" {
		c.User = o.User
	}
	if o.Password != "" {
		c.Password = o.Password
	}
	if len(o.IdentityFiles) > 0 {
		c.IdentityFiles = o.IdentityFiles
	}
	c.UseAgent = c.UseAgent || o.UseAgent
	c.ForwardAgent = c.ForwardAgent || o.ForwardAgent
	if o.KnownHostsFile != "" {
		c.KnownHostsFile = o.KnownHostsFile
	}
	if o.StrictHostKeyChecking != "" {
		c.StrictHostKeyChecking = o.StrictHostKeyChecking
	}
	if o.Timeout != 0 {
		c.Timeout = o.Timeout
	}
	if o.KeepAlive != 0 {
		c.KeepAlive = o.KeepAlive
	}
	if o.Logger != nil {
		c.Logger = o.Logger
	}
	if o.PasswordPrompt != nil {
		c.PasswordPrompt = o.PasswordPrompt
	}
	if o.Challenge != nil {
		c.Challenge = o.Challenge
	}
}

// setDefaults fills in the port, user, known hosts file and policy.
func (c *Config) setDefaults() error {
	if c.Addr == "" {
		return errors.New("no address")
	}
	if _, _, err := net.SplitHostPort(c.Addr); err != nil {
		c.Addr = net.JoinHostPort(c.Addr, "22")
	}
	if c.User == "" {
		u, err := user.Current()
		if err != nil {
			return fmt.Errorf("no user: %w", err)
		}
		c.User = u.Username
	}
	if c.KnownHostsFile == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.KnownHostsFile = filepath.Join(home, ".ssh", "known_hosts")
		}
	}
	c.KnownHostsFile = expandHome(c.KnownHostsFile)
	files := make([]string, len(c.IdentityFiles))
	for i, f := range c.IdentityFiles {
		files[i] = expandHome(f)
	}
	c.IdentityFiles = files
	switch c.StrictHostKeyChecking {
	case "":
		c.StrictHostKeyChecking = HostKeyAcceptNew
	case HostKeyAcceptNew, HostKeyStrict, HostKeyOff:
	default:
		return fmt.Errorf("invalid host key policy %q", c.StrictHostKeyChecking)
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	return nil
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
