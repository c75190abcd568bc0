package xssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// ErrNoAgentIdentities is returned when agent authentication has nothing to
// offer.
var ErrNoAgentIdentities = errors.New("xssh: agent has no identities")

// Agent is a client of an SSH authentication agent.
type Agent struct {
	conn       net.Conn
	client     agent.Agent
	identities []*agent.Key
}

// DialAgent connects to the agent listening on $SSH_AUTH_SOCK.
func DialAgent() (*Agent, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, errors.New("xssh: SSH_AUTH_SOCK is not set")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, fmt.Errorf("xssh: dial agent: %w", err)
	}
	return &Agent{conn: conn, client: agent.NewClient(conn)}, nil
}

// NewAgent wraps an in-process agent such as agent.NewKeyring().
func NewAgent(a agent.Agent) *Agent {
	return &Agent{client: a}
}

// ListIdentities refreshes the identity list from the agent.
func (a *Agent) ListIdentities() error {
	keys, err := a.client.List()
	if err != nil {
		return fmt.Errorf("xssh: list agent identities: %w", err)
	}
	a.identities = keys
	return nil
}

// Identities returns the identities fetched by the last ListIdentities.
func (a *Agent) Identities() []*agent.Key {
	return append([]*agent.Key(nil), a.identities...)
}

// Signers returns a signer for every identity the agent holds.
func (a *Agent) Signers() ([]ssh.Signer, error) {
	return a.client.Signers()
}

// Agent returns the underlying agent, for example to pass to
// Session.ForwardAgent.
func (a *Agent) Agent() agent.Agent { return a.client }

func (a *Agent) Close() error {
	if a.conn == nil {
		return nil
	}
	return a.conn.Close()
}

// AuthenticateAgent tries each agent identity in turn until one is accepted.
// It returns the last rejection when none is.
func (s *Session) AuthenticateAgent(ctx context.Context, user string, a *Agent) error {
	signers, err := a.Signers()
	if err != nil {
		return fmt.Errorf("xssh: agent signers: %w", err)
	}
	if len(signers) == 0 {
		return ErrNoAgentIdentities
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require("agent authentication", PhaseAuthenticating); err != nil {
		return err
	}
	for _, signer := range signers {
		err = s.authPublicKey(ctx, user, signer)
		var rej *AuthenticationRejectedError
		if err == nil || !errors.As(err, &rej) {
			return err
		}
		if !contains(rej.Remaining, "publickey") {
			return err
		}
	}
	return err
}

// AuthenticateAgentIdentity authenticates with one identity from
// a.Identities.
func (s *Session) AuthenticateAgentIdentity(ctx context.Context, user string, a *Agent, id *agent.Key) error {
	signers, err := a.Signers()
	if err != nil {
		return fmt.Errorf("xssh: agent signers: %w", err)
	}
	for _, signer := range signers {
		if !bytes.Equal(signer.PublicKey().Marshal(), id.Marshal()) {
			continue
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := s.require("agent authentication", PhaseAuthenticating); err != nil {
			return err
		}
		return s.authPublicKey(ctx, user, signer)
	}
	return fmt.Errorf("xssh: agent does not hold %s", ssh.FingerprintSHA256(id))
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// serveAgent relays one auth-agent@openssh.com channel to keyring. It runs on
// its own goroutine so agent traffic never waits on the application.
func (s *Session) serveAgent(keyring agent.Agent, c *Channel) {
	s.debugf("serving agent on channel %d", c.localID)
	if err := agent.ServeAgent(keyring, &blockingStream{c: c}); err != nil && !errors.Is(err, ErrSessionClosed) {
		s.debugf("agent channel %d: %v", c.localID, err)
	}
	c.Close()
}
