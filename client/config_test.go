package client

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jpillora/sshc-lite/key"
)

const profilesYAML = `
web:
  addr: web.example.com:2222
  user: deploy
  identity_files: [/keys/deploy]
  forward_agent: true
  timeout: 5s
  keepalive: 30s
db:
  addr: db.internal
`

func TestLoadProfiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	if err := os.WriteFile(path, []byte(profilesYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	p, err := LoadProfiles(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	web := p["web"]
	if web == nil {
		t.Fatal("missing web profile")
	}
	if web.Addr != "web.example.com:2222" || web.User != "deploy" || !web.ForwardAgent {
		t.Fatalf("unexpected profile %+v", web)
	}
	if web.Timeout != 5*time.Second || web.KeepAlive != 30*time.Second {
		t.Fatalf("unexpected durations %v %v", web.Timeout, web.KeepAlive)
	}
	if len(web.IdentityFiles) != 1 || web.IdentityFiles[0] != "/keys/deploy" {
		t.Fatalf("unexpected identity files %v", web.IdentityFiles)
	}

	missing, err := LoadProfiles(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil || len(missing) != 0 {
		t.Fatalf("missing file: %v %v", missing, err)
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(bad, []byte("web: [1, 2"), 0o600)
	if _, err := LoadProfiles(bad); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestResolve(t *testing.T) {
	p := Profiles{"web": {Addr: "web.example.com:2222", User: "deploy", Timeout: 5 * time.Second}}
	tests := []struct {
		name     string
		target   string
		override *Config
		addr     string
		user     string
	}{
		{"profile", "web", nil, "web.example.com:2222", "deploy"},
		{"profile override", "web", &Config{User: "root"}, "web.example.com:2222", "root"},
		{"address", "example.org", nil, "example.org", ""},
		{"user at address", "bob@example.org:2200", nil, "example.org:2200", "bob"},
		{"override wins", "bob@example.org", &Config{User: "alice"}, "example.org", "alice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := p.Resolve(tt.target, tt.override)
			if c.Addr != tt.addr || c.User != tt.user {
				t.Fatalf("expected %s@%s, got %s@%s", tt.user, tt.addr, c.User, c.Addr)
			}
		})
	}
	if p["web"].User != "deploy" {
		t.Fatal("resolve modified the profile")
	}
}

func TestSetDefaults(t *testing.T) {
	c := &Config{Addr: "example.org", User: "bob", IdentityFiles: []string{"~/.ssh/id_test"}}
	if err := c.setDefaults(); err != nil {
		t.Fatal(err)
	}
	if c.Addr != "example.org:22" {
		t.Fatalf("expected default port, got %s", c.Addr)
	}
	if c.StrictHostKeyChecking != HostKeyAcceptNew {
		t.Fatalf("expected accept-new, got %s", c.StrictHostKeyChecking)
	}
	if strings.HasPrefix(c.IdentityFiles[0], "~") {
		t.Fatalf("identity file not expanded: %s", c.IdentityFiles[0])
	}
	if c.Timeout == 0 {
		t.Fatal("expected a default timeout")
	}
	for _, bad := range []*Config{{}, {Addr: "x", User: "y", StrictHostKeyChecking: "maybe"}} {
		if err := bad.setDefaults(); err == nil {
			t.Errorf("expected error for %+v", bad)
		}
	}
}

func TestParseForward(t *testing.T) {
	tests := []struct {
		in   string
		want Forward
		err  bool
	}{
		{in: "8080:localhost:80", want: Forward{BindPort: 8080, TargetHost: "localhost", TargetPort: 80}},
		{in: "0.0.0.0:8080:web:80", want: Forward{BindHost: "0.0.0.0", BindPort: 8080, TargetHost: "web", TargetPort: 80}},
		{in: "[::1]:8080:[::1]:80", want: Forward{BindHost: "::1", BindPort: 8080, TargetHost: "::1", TargetPort: 80}},
		{in: ":9000:db:5432", want: Forward{BindPort: 9000, TargetHost: "db", TargetPort: 5432}},
		{in: "8080:80", err: true},
		{in: "x:web:80", err: true},
		{in: "8080::80", err: true},
		{in: "8080:web:99999", err: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseForward(tt.in)
			if tt.err {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Fatalf("expected %+v, got %+v", tt.want, got)
			}
		})
	}
	d, err := ParseDynamic("1080")
	if err != nil || d.BindPort != 1080 || d.bindAddr() != "127.0.0.1:1080" {
		t.Fatalf("dynamic: %+v %v", d, err)
	}
}

func TestHostKeyCallback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ssh", "known_hosts")
	first, err := key.PublicKeyFromSeed("host-a")
	if err != nil {
		t.Fatal(err)
	}
	second, err := key.PublicKeyFromSeed("host-b")
	if err != nil {
		t.Fatal(err)
	}
	remote := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 2222}

	cb, err := HostKeyCallback(path, HostKeyAcceptNew, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := cb("127.0.0.1:2222", remote, first); err != nil {
		t.Fatalf("first use: %v", err)
	}
	if err := cb("127.0.0.1:2222", remote, first); err != nil {
		t.Fatalf("known key: %v", err)
	}
	if err := cb("127.0.0.1:2222", remote, second); !errors.Is(err, ErrHostKeyMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(b), "[127.0.0.1]:2222 ") || strings.Count(string(b), "\n") != 1 {
		t.Fatalf("unexpected known_hosts %q", b)
	}

	strict, err := HostKeyCallback(path, HostKeyStrict, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := strict("127.0.0.1:2222", remote, first); err != nil {
		t.Fatalf("strict known key: %v", err)
	}
	other := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 2223}
	if err := strict("127.0.0.1:2223", other, first); !errors.Is(err, ErrUnknownHost) {
		t.Fatalf("expected unknown host, got %v", err)
	}

	off, err := HostKeyCallback(path, HostKeyOff, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := off("127.0.0.1:2222", remote, second); err != nil {
		t.Fatalf("off: %v", err)
	}
}
