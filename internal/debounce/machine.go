// Package debounce implements the recording debounce state machine.
//
// The [Machine] consumes classifier verdicts, grace-timer expiries and
// session-manager outcomes and answers with the [Action] list the caller must
// carry out: start or stop a recording, arm or cancel the grace timer. It owns
// no goroutines, timers or locks; the caller serializes every call and executes
// the returned actions in order.
//
// Grace timers are tagged with a monotonically increasing generation. Arming
// or cancelling bumps the generation, and an expiry is honoured only when its
// generation matches the currently armed timer, so a timer that was replaced
// in the meantime can never stop a session.
package debounce

import (
	"fmt"
	"time"
)

// State is the recording state owned by the machine.
type State int

const (
	// Idle means no session is open and no timer is pending.
	Idle State = iota

	// Recording means a session has been requested or is open. The grace
	// timer may or may not be armed.
	Recording

	// Draining means a stop was requested and the session is being closed.
	Draining
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case Draining:
		return "draining"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ActionKind identifies what an [Action] asks the caller to do.
type ActionKind int

const (
	// StartRecording asks the caller to open a recording session.
	StartRecording ActionKind = iota + 1

	// StopRecording asks the caller to drain and close the open session.
	// The caller must report completion with [Machine.DrainComplete].
	StopRecording

	// ArmTimer asks the caller to replace any pending grace timer with one
	// that fires after [Action.After] and reports [Action.Generation].
	ArmTimer

	// CancelTimer asks the caller to drop the pending grace timer.
	CancelTimer
)

// String returns the action name.
func (k ActionKind) String() string {
	switch k {
	case StartRecording:
		return "start_recording"
	case StopRecording:
		return "stop_recording"
	case ArmTimer:
		return "arm_timer"
	case CancelTimer:
		return "cancel_timer"
	default:
		return fmt.Sprintf("action(%d)", int(k))
	}
}

// Action is one instruction emitted by the machine.
type Action struct {
	Kind ActionKind

	// Generation tags ArmTimer and CancelTimer actions.
	Generation uint64

	// After is the grace period for ArmTimer.
	After time.Duration
}

// Machine is the debounce state machine. The zero value is an idle machine
// with a zero grace period. A Machine is not safe for concurrent use.
type Machine struct {
	state   State
	grace   time.Duration
	gen     uint64
	armed   bool
	restart bool
	closed  bool
}

// New returns an idle machine using grace as its grace period. Negative values
// are treated as zero.
func New(grace time.Duration) *Machine {
	m := &Machine{}
	m.SetGracePeriod(grace)
	return m
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// TimerArmed reports whether a grace timer is outstanding.
func (m *Machine) TimerArmed() bool { return m.armed }

// Generation returns the generation of the most recent timer arm or cancel.
func (m *Machine) Generation() uint64 { return m.gen }

// GracePeriod returns the grace period used for new timers.
func (m *Machine) GracePeriod() time.Duration { return m.grace }

// RestartPending reports whether a match arrived while draining.
func (m *Machine) RestartPending() bool { return m.restart }

// Closed reports whether [Machine.Shutdown] has been called.
func (m *Machine) Closed() bool { return m.closed }

// SetGracePeriod changes the grace period. An already armed timer keeps its
// deadline; the new value applies from the next arm.
func (m *Machine) SetGracePeriod(d time.Duration) {
	if d < 0 {
		d = 0
	}
	m.grace = d
}

// Verdict feeds one classifier verdict into the machine.
func (m *Machine) Verdict(match bool) []Action {
	if m.closed {
		return nil
	}
	switch m.state {
	case Idle:
		if !match {
			return nil
		}
		m.state = Recording
		return []Action{{Kind: StartRecording}}

	case Recording:
		if match {
			if m.grace > 0 {
				return []Action{m.arm()}
			}
			if m.armed {
				return []Action{m.cancel()}
			}
			return nil
		}
		if m.grace > 0 {
			if m.armed {
				return nil
			}
			return []Action{m.arm()}
		}
		return m.stop()

	case Draining:
		if match {
			m.restart = true
		}
	}
	return nil
}

// TimerExpired reports the expiry of the timer armed with generation gen.
// Expiries that do not match the currently armed timer are ignored and yield
// no actions.
func (m *Machine) TimerExpired(gen uint64) []Action {
	if !m.armed || gen != m.gen || m.state != Recording {
		return nil
	}
	m.armed = false
	m.state = Draining
	return []Action{{Kind: StopRecording}}
}

// StartFailed reports that the session manager could not open the session
// requested by the last StartRecording. The machine returns to Idle so the
// next matching verdict retries.
func (m *Machine) StartFailed() []Action {
	if m.state != Recording {
		// A stop is already queued behind the failed start and will
		// complete through DrainComplete.
		return nil
	}
	m.state = Idle
	if m.armed {
		return []Action{m.cancel()}
	}
	return nil
}

// DrainComplete reports that the session requested closed by StopRecording
// has been drained. If a match arrived while draining, recording restarts.
func (m *Machine) DrainComplete() []Action {
	if m.state != Draining {
		return nil
	}
	if m.restart && !m.closed {
		m.restart = false
		m.state = Recording
		return []Action{{Kind: StartRecording}}
	}
	m.restart = false
	m.state = Idle
	return nil
}

// Shutdown closes the machine. Any armed timer is cancelled and, unless a
// drain is already under way, a StopRecording is emitted regardless of the
// current state so the caller always ends with exactly one stop. After
// Shutdown the machine ignores verdicts and never restarts.
func (m *Machine) Shutdown() []Action {
	if m.closed {
		return nil
	}
	m.closed = true
	m.restart = false
	if m.state == Draining {
		if m.armed {
			return []Action{m.cancel()}
		}
		return nil
	}
	return m.stop()
}

func (m *Machine) arm() Action {
	m.gen++
	m.armed = true
	return Action{Kind: ArmTimer, Generation: m.gen, After: m.grace}
}

func (m *Machine) cancel() Action {
	m.gen++
	m.armed = false
	return Action{Kind: CancelTimer, Generation: m.gen}
}

func (m *Machine) stop() []Action {
	var acts []Action
	if m.armed {
		acts = append(acts, m.cancel())
	}
	m.state = Draining
	return append(acts, Action{Kind: StopRecording})
}
