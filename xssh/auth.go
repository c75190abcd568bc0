package xssh

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/ssh"
)

// AuthMethods sends a "none" request for user and returns the methods the
// server will accept. A nil slice with a nil error means the server let the
// user in without credentials; the session is then Ready.
func (s *Session) AuthMethods(ctx context.Context, user string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require("list auth methods", PhaseAuthenticating); err != nil {
		return nil, err
	}
	err := s.userAuth(ctx, user, "none", nil, nil)
	if err == nil {
		return nil, nil
	}
	var rej *AuthenticationRejectedError
	if errors.As(err, &rej) {
		return rej.Remaining, nil
	}
	return nil, err
}

// AuthenticatePassword tries password authentication.
func (s *Session) AuthenticatePassword(ctx context.Context, user, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require("password authentication", PhaseAuthenticating); err != nil {
		return err
	}
	payload := ssh.Marshal(struct {
		Change   bool
		Password string
	}{false, password})
	return s.userAuth(ctx, user, "password", payload, nil)
}

// AuthenticatePublicKey signs the session identifier with signer. RSA keys
// sign with rsa-sha2-256 when the signer supports it.
func (s *Session) AuthenticatePublicKey(ctx context.Context, user string, signer ssh.Signer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require("publickey authentication", PhaseAuthenticating); err != nil {
		return err
	}
	return s.authPublicKey(ctx, user, signer)
}

func (s *Session) authPublicKey(ctx context.Context, user string, signer ssh.Signer) error {
	pub := signer.PublicKey()
	algo, sign := signatureAlgorithm(signer)
	blob := pub.Marshal()
	data := ssh.Marshal(struct {
		SessionID []byte
		Type      byte
		User      string
		Service   string
		Method    string
		Sign      bool
		Algo      string
		PubKey    []byte
	}{s.result.SessionID, msgUserAuthRequest, user, serviceConnection, "publickey", true, algo, blob})
	sig, err := sign(data)
	if err != nil {
		return fmt.Errorf("xssh: sign: %w", err)
	}
	payload := ssh.Marshal(struct {
		Sign   bool
		Algo   string
		PubKey []byte
		Sig    []byte
	}{true, algo, blob, ssh.Marshal(sig)})
	return s.userAuth(ctx, user, "publickey", payload, nil)
}

// signatureAlgorithm picks the public key algorithm to announce and the
// matching signing function.
func signatureAlgorithm(signer ssh.Signer) (string, func([]byte) (*ssh.Signature, error)) {
	keyType := signer.PublicKey().Type()
	plain := func(data []byte) (*ssh.Signature, error) { return signer.Sign(rand.Reader, data) }
	as, ok := signer.(ssh.AlgorithmSigner)
	if !ok {
		return keyType, plain
	}
	withAlgo := func(algo string) func([]byte) (*ssh.Signature, error) {
		return func(data []byte) (*ssh.Signature, error) { return as.SignWithAlgorithm(rand.Reader, data, algo) }
	}
	switch keyType {
	case ssh.KeyAlgoRSA:
		return ssh.KeyAlgoRSASHA256, withAlgo(ssh.KeyAlgoRSASHA256)
	case ssh.CertAlgoRSAv01:
		return ssh.CertAlgoRSASHA256v01, withAlgo(ssh.KeyAlgoRSASHA256)
	}
	return keyType, plain
}

// AuthenticateKeyboardInteractive runs keyboard-interactive authentication,
// answering each round of prompts with challenge.
func (s *Session) AuthenticateKeyboardInteractive(ctx context.Context, user string, challenge ssh.KeyboardInteractiveChallenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require("keyboard-interactive authentication", PhaseAuthenticating); err != nil {
		return err
	}
	payload := ssh.Marshal(struct {
		Language   string
		Submethods string
	}{})
	interact := func(p []byte) error {
		var m userAuthInfoRequestMsg
		if err := ssh.Unmarshal(p, &m); err != nil {
			return &TransportError{Err: err}
		}
		prompts, echos, err := parsePrompts(m.Prompts, m.NumPrompts)
		if err != nil {
			return &TransportError{Err: err}
		}
		answers, err := challenge(m.Name, m.Instruction, prompts, echos)
		if err != nil {
			return err
		}
		if len(answers) != len(prompts) {
			return fmt.Errorf("xssh: %d answers for %d prompts", len(answers), len(prompts))
		}
		resp := []byte{msgUserAuthInfoResp}
		resp = binary.BigEndian.AppendUint32(resp, uint32(len(answers)))
		for _, a := range answers {
			resp = appendString(resp, a)
		}
		return s.writePacket(resp)
	}
	return s.userAuth(ctx, user, "keyboard-interactive", payload, interact)
}

func parsePrompts(b []byte, n uint32) ([]string, []bool, error) {
	var prompts []string
	var echos []bool
	for i := uint32(0); i < n; i++ {
		prompt, rest, ok := parseString(b)
		if !ok || len(rest) < 1 {
			return nil, nil, errors.New("malformed keyboard-interactive prompt")
		}
		prompts = append(prompts, string(prompt))
		echos = append(echos, rest[0] != 0)
		b = rest[1:]
	}
	return prompts, echos, nil
}

func parseString(b []byte) ([]byte, []byte, bool) {
	if len(b) < 4 {
		return nil, nil, false
	}
	n := binary.BigEndian.Uint32(b)
	if uint32(len(b)-4) < n {
		return nil, nil, false
	}
	return b[4 : 4+n], b[4+n:], true
}

func appendString(b []byte, s string) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(len(s)))
	return append(b, s...)
}

// userAuth sends one USERAUTH_REQUEST and waits for its outcome. interact
// handles INFO_REQUEST rounds. Authentication always blocks, bounded by the
// session timeout and ctx. Caller holds s.mu.
func (s *Session) userAuth(ctx context.Context, user, method string, payload []byte, interact func([]byte) error) error {
	req := ssh.Marshal(&userAuthRequestMsg{
		User:    user,
		Service: serviceConnection,
		Method:  method,
		Payload: payload,
	})
	if err := s.writePacket(req); err != nil {
		return err
	}
	// replies arrive in request order; an attempt that gave up early still
	// has its outcome on the way and it must not be taken for this one
	s.authPending++
	for {
		if err := s.wait(ctx, true, func() bool { return len(s.authQueue) > 0 }); err != nil {
			return err
		}
		p := s.authQueue[0]
		s.authQueue = s.authQueue[1:]
		final := p[0] == msgUserAuthSuccess || p[0] == msgUserAuthFailure
		if final {
			s.authPending--
		}
		// an older attempt's reply while this one is still owed its own
		stale := s.authPending > 0
		if !final {
			stale = s.authPending > 1
		}
		if stale && p[0] != msgUserAuthSuccess {
			s.debugf("dropping reply %d to an abandoned authentication attempt", p[0])
			continue
		}
		switch p[0] {
		case msgUserAuthSuccess:
			// the server ignores requests after success, nothing else is owed
			s.authPending = 0
			s.user = user
			s.authQueue = nil
			s.infof("authenticated as %s with %s", user, method)
			return s.transition("authenticate", PhaseReady)
		case msgUserAuthFailure:
			var m userAuthFailureMsg
			if err := ssh.Unmarshal(p, &m); err != nil {
				err = &TransportError{Err: err}
				s.fail(err)
				return err
			}
			s.debugf("%s authentication rejected, remaining %v", method, m.Methods)
			return &AuthenticationRejectedError{
				Method:         method,
				Remaining:      m.Methods,
				PartialSuccess: m.PartialSuccess,
			}
		case msgUserAuthInfoRequest:
			if interact == nil {
				err := &TransportError{Err: fmt.Errorf("unexpected info request during %s authentication", method)}
				s.fail(err)
				return err
			}
			if err := interact(p); err != nil {
				return err
			}
		}
	}
}
