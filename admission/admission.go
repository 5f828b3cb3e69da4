// Package admission implements the admission state machine: whether incoming
// connections and local submissions may become sessions, and when accepting is
// paused and resumed.
//
// Accepting is paused for one of two independent reasons. An administrative
// pause is only lifted by an explicit resume. An exhaustion pause is entered
// when the descriptor budget is used up, and lifted automatically when a
// session ends and headroom is available again. An administrative pause always
// wins over automatic resumption.
//
// State does no locking and no I/O, the caller serializes all calls.
package admission

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/mjl-/smtpfront/metrics"
)

var (
	ErrAdminPaused   = errors.New("readiness while administratively paused")
	ErrPaused        = errors.New("smtp is paused")
	ErrNoBudget      = errors.New("no descriptors available for session")
	ErrNotPaused     = errors.New("smtp is not paused")
	ErrAlreadyPaused = errors.New("smtp is already paused")
)

// Action tells the accept loop how to proceed.
type Action int

const (
	ActionAccept Action = iota // Proceed with accept, or with handoff after accept.
	ActionRetry                // Nothing to do, wait for the next readiness event.
	ActionPause                // Accepting was paused for exhaustion, disarm all listeners.
	ActionFatal                // Unrecoverable, terminate the process.
)

func (a Action) String() string {
	switch a {
	case ActionAccept:
		return "accept"
	case ActionRetry:
		return "retry"
	case ActionPause:
		return "pause"
	case ActionFatal:
		return "fatal"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// Address families of sessions.
const (
	FamilyLocal = "local"
	FamilyInet4 = "inet4"
	FamilyInet6 = "inet6"
)

// Budget decides if another session fits in the descriptor budget.
// Implemented by *fdbudget.Budget.
type Budget interface {
	CanAccept(active int) bool
}

// State is the process-wide session accounting and pause state.
type State struct {
	Budget Budget

	// Live sessions, plus accepted connections not yet handed off.
	Active int
	// Live sessions per address family, after handoff.
	Families map[string]int

	Disabled           bool // SMTP disabled in the config. Nothing is accepted.
	PausedByPolicy     bool // Administrative pause.
	PausedByExhaustion bool // No descriptor budget left.
}

// New returns a state using the budget. Without budget for even a single
// session, the state starts out paused for exhaustion.
func New(budget Budget, disabled bool) *State {
	s := &State{Budget: budget, Families: map[string]int{}, Disabled: disabled}
	if !s.CanAccept() {
		s.Exhausted()
	}
	return s
}

// Accepting returns whether listeners should be armed.
func (s *State) Accepting() bool {
	return !s.Disabled && !s.PausedByPolicy && !s.PausedByExhaustion
}

// CanAccept returns whether another session fits in the budget.
func (s *State) CanAccept() bool {
	return s.Budget.CanAccept(s.Active)
}

// Exhausted pauses accepting for lack of descriptors. It returns whether the
// state changed.
func (s *State) Exhausted() bool {
	if s.PausedByExhaustion {
		return false
	}
	s.PausedByExhaustion = true
	metrics.Pause("exhaustion")
	return true
}

// Ready is called on a readiness event for an armed listener, before accept.
// An armed listener while administratively paused means disarming failed, and
// is fatal.
func (s *State) Ready() (Action, error) {
	if s.PausedByPolicy {
		return ActionFatal, ErrAdminPaused
	}
	if s.Disabled {
		return ActionFatal, fmt.Errorf("readiness while smtp is disabled")
	}
	if !s.CanAccept() {
		s.Exhausted()
		return ActionPause, nil
	}
	return ActionAccept, nil
}

// AcceptFailed classifies an error from accept.
func (s *State) AcceptFailed(err error) (Action, error) {
	switch {
	case errors.Is(err, unix.EINTR), errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EWOULDBLOCK), errors.Is(err, unix.ECONNABORTED):
		metrics.AcceptError("transient")
		return ActionRetry, nil
	case errors.Is(err, unix.EMFILE), errors.Is(err, unix.ENFILE):
		metrics.AcceptError("exhausted")
		s.Exhausted()
		return ActionPause, nil
	}
	return ActionFatal, fmt.Errorf("accept: %w", err)
}

// Reserve accounts for an accepted connection, before handoff.
func (s *State) Reserve() {
	s.Active++
}

// Release undoes a Reserve for a connection that did not become a session. It
// returns whether accepting should be resumed.
func (s *State) Release() bool {
	if s.Active > 0 {
		s.Active--
	}
	return s.recovered()
}

// Commit turns a reserved connection into a session of the address family.
func (s *State) Commit(family string) {
	s.Families[family]++
}

// Local admits a local session, not from a listener. Local sessions are refused
// like network connections when smtp is disabled or paused, and when there is
// no budget.
func (s *State) Local() error {
	if s.Disabled || s.PausedByPolicy {
		return ErrPaused
	}
	if !s.CanAccept() {
		return ErrNoBudget
	}
	s.Active++
	s.Families[FamilyLocal]++
	return nil
}

// End accounts for a session that ended. It returns whether accepting should
// be resumed.
func (s *State) End(family string) bool {
	if s.Active > 0 {
		s.Active--
	}
	if s.Families[family] > 0 {
		s.Families[family]--
	}
	return s.recovered()
}

// recovered clears an exhaustion pause if headroom is available again. An
// administrative pause is left alone, and no resume is signaled while it is
// in effect.
func (s *State) recovered() bool {
	if !s.PausedByExhaustion || !s.CanAccept() {
		return false
	}
	s.PausedByExhaustion = false
	return s.Accepting()
}

// Pause pauses accepting on administrative request.
func (s *State) Pause() error {
	if s.PausedByPolicy {
		return ErrAlreadyPaused
	}
	s.PausedByPolicy = true
	metrics.Pause("admin")
	return nil
}

// Resume lifts an administrative pause. A pending exhaustion pause is
// re-evaluated. It returns whether listeners should be armed.
func (s *State) Resume() (bool, error) {
	if !s.PausedByPolicy {
		return false, ErrNotPaused
	}
	s.PausedByPolicy = false
	if s.PausedByExhaustion && s.CanAccept() {
		s.PausedByExhaustion = false
	}
	return s.Accepting(), nil
}
