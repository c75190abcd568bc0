package xssh

// Phase is the lifecycle state of a Session.
type Phase int

const (
	PhaseConnecting Phase = iota
	PhaseHandshaking
	PhaseAuthenticating
	PhaseReady
	PhaseDisconnecting
	PhaseClosed
)

var phaseNames = [...]string{
	PhaseConnecting:     "connecting",
	PhaseHandshaking:    "handshaking",
	PhaseAuthenticating: "authenticating",
	PhaseReady:          "ready",
	PhaseDisconnecting:  "disconnecting",
	PhaseClosed:         "closed",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "unknown"
	}
	return phaseNames[p]
}

// transitions lists the legal successors of each phase. Anything not listed
// is refused.
var transitions = map[Phase][]Phase{
	PhaseConnecting:     {PhaseHandshaking, PhaseDisconnecting, PhaseClosed},
	PhaseHandshaking:    {PhaseAuthenticating, PhaseDisconnecting, PhaseClosed},
	PhaseAuthenticating: {PhaseReady, PhaseDisconnecting, PhaseClosed},
	PhaseReady:          {PhaseDisconnecting, PhaseClosed},
	PhaseDisconnecting:  {PhaseClosed},
}

func (p Phase) canTransition(to Phase) bool {
	for _, next := range transitions[p] {
		if next == to {
			return true
		}
	}
	return false
}

// transition moves the session to phase to, or reports why op may not run.
// Caller holds s.mu.
func (s *Session) transition(op string, to Phase) error {
	if !s.phase.canTransition(to) {
		return &ProtocolStateError{Op: op, Phase: s.phase}
	}
	s.debugf("phase %s -> %s", s.phase, to)
	s.phase = to
	s.broadcast()
	return nil
}

// require reports a ProtocolStateError unless the session is in phase want.
func (s *Session) require(op string, want Phase) error {
	if s.phase == PhaseClosed {
		return s.closedErr()
	}
	if s.phase != want {
		return &ProtocolStateError{Op: op, Phase: s.phase}
	}
	return nil
}
