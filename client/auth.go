package client

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/jpillora/sshc-lite/key"
	"github.com/jpillora/sshc-lite/xssh"
	"golang.org/x/crypto/ssh"
)

// authenticate walks the configured methods in the usual OpenSSH order:
// agent and identity files, then password, then keyboard-interactive. The
// server's remaining method list is refreshed after every rejection.
func (c *Client) authenticate(ctx context.Context) error {
	s := c.session
	user := c.config.User
	methods, err := s.AuthMethods(ctx, user)
	if err != nil {
		return err
	}
	if s.Authenticated() {
		c.infof("server accepted %s without authentication", user)
		return nil
	}
	c.debugf("server offers %s", strings.Join(methods, ","))

	var tried []string
	attempt := func(method string, fn func() error) (bool, error) {
		if !slices.Contains(methods, method) {
			return false, nil
		}
		tried = append(tried, method)
		err := fn()
		if err == nil {
			return true, nil
		}
		var rej *xssh.AuthenticationRejectedError
		if errors.As(err, &rej) {
			c.debugf("%s rejected, remaining %v", method, rej.Remaining)
			methods = rej.Remaining
			return false, nil
		}
		if errors.Is(err, xssh.ErrNoAgentIdentities) {
			return false, nil
		}
		return false, err
	}

	if c.config.UseAgent && c.agent != nil {
		ok, err := attempt("publickey", func() error {
			return s.AuthenticateAgent(ctx, user, c.agent)
		})
		if ok || err != nil {
			return err
		}
	}
	for _, signer := range c.signers() {
		ok, err := attempt("publickey", func() error {
			return s.AuthenticatePublicKey(ctx, user, signer)
		})
		if ok || err != nil {
			return err
		}
	}
	if password := c.password(); password != "" {
		ok, err := attempt("password", func() error {
			return s.AuthenticatePassword(ctx, user, password)
		})
		if ok || err != nil {
			return err
		}
	}
	if challenge := c.challenge(); challenge != nil {
		ok, err := attempt("keyboard-interactive", func() error {
			return s.AuthenticateKeyboardInteractive(ctx, user, challenge)
		})
		if ok || err != nil {
			return err
		}
	}
	return fmt.Errorf("unable to authenticate as %s (tried %v, server allows %v)", user, tried, methods)
}

// signers loads the configured identity files, or the default ones when none
// are configured. Unreadable or encrypted keys are skipped.
func (c *Client) signers() []ssh.Signer {
	paths := c.config.IdentityFiles
	explicit := len(paths) > 0
	if !explicit {
		paths = key.DefaultIdentityFiles()
	}
	var signers []ssh.Signer
	for _, p := range paths {
		s, err := key.LoadPrivateKey(p, nil)
		if err != nil {
			if explicit {
				c.errorf("identity %s: %v", p, err)
			} else {
				c.debugf("identity %s: %v", p, err)
			}
			continue
		}
		signers = append(signers, s)
	}
	return signers
}

// password returns the configured password, asking PasswordPrompt at most
// once.
func (c *Client) password() string {
	if c.config.Password == "" && c.config.PasswordPrompt != nil && !c.prompted {
		c.prompted = true
		pw, err := c.config.PasswordPrompt(c.config.User, c.config.Addr)
		if err != nil {
			c.debugf("password prompt: %v", err)
			return ""
		}
		c.config.Password = pw
	}
	return c.config.Password
}

func (c *Client) challenge() ssh.KeyboardInteractiveChallenge {
	if c.config.Challenge != nil {
		return c.config.Challenge
	}
	password := c.password()
	if password == "" {
		return nil
	}
	return func(name, instruction string, questions []string, echos []bool) ([]string, error) {
		answers := make([]string, len(questions))
		for i := range answers {
			answers[i] = password
		}
		return answers, nil
	}
}
