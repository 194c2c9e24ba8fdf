// Package media defines the ports through which the recorder talks to the
// media pipeline engine.
//
// The two primary abstractions are:
//
//   - [Engine] owns the live capture/inference/display pipelines, delivers
//     inference payloads and pipeline faults, and attaches recording branches.
//   - [Branch] is one recording output attached to the live stream. A branch
//     is created per recording session and released when the session closes.
//
// Implementations live in sub-packages (media/gstreamer). Core packages only
// depend on these interfaces and never see the textual pipeline description.
//
// Engines outside this module may implement [Engine] and [Branch] as well.
package media

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrEngineClosed is returned by [Engine] methods called after Close.
var ErrEngineClosed = errors.New("media: engine closed")

// State is a pipeline operating state.
type State int

const (
	// StateNull is the inert state. All resources are released.
	StateNull State = iota

	// StateReady means resources are allocated but no data flows.
	StateReady

	// StatePaused means the pipeline is prerolled but the clock is stopped.
	StatePaused

	// StatePlaying means data is flowing.
	StatePlaying
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateNull:
		return "null"
	case StateReady:
		return "ready"
	case StatePaused:
		return "paused"
	case StatePlaying:
		return "playing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Inference is one raw inference metadata payload delivered by the engine.
type Inference struct {
	// Payload is the inference metadata document as emitted by the inference
	// element.
	Payload []byte

	// At is when the engine received the payload.
	At time.Time
}

// FaultKind classifies unrecoverable pipeline conditions.
type FaultKind int

const (
	// FaultEndOfStream means a live pipeline reached end of stream.
	FaultEndOfStream FaultKind = iota + 1

	// FaultError means a live pipeline posted an error.
	FaultError
)

// String returns the fault name.
func (k FaultKind) String() string {
	switch k {
	case FaultEndOfStream:
		return "eos"
	case FaultError:
		return "error"
	default:
		return "unknown"
	}
}

// Fault reports an unrecoverable condition on a live pipeline.
type Fault struct {
	Kind FaultKind

	// Source names the pipeline or element that posted the fault.
	Source string

	// Err carries the engine error for FaultError. Nil for FaultEndOfStream.
	Err error
}

// Error implements error so a Fault can be returned and wrapped directly.
func (f Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("media: %s fault from %s: %v", f.Kind, f.Source, f.Err)
	}
	return fmt.Sprintf("media: %s fault from %s", f.Kind, f.Source)
}

// Unwrap returns the underlying engine error.
func (f Fault) Unwrap() error { return f.Err }

// Branch is a recording output attached to the live stream.
//
// Branch methods are called from a single goroutine (the recorder's session
// worker); implementations need not be safe for concurrent use.
type Branch interface {
	// Name identifies the branch in logs and spans.
	Name() string

	// TransitionTo requests state and waits up to timeout for the branch to
	// report it. It returns false when the state was not reached in time or
	// the change failed.
	TransitionTo(state State, timeout time.Duration) bool

	// SendEndOfStream asks the branch to finish its output. The branch keeps
	// running until the end of stream has travelled through every element.
	SendEndOfStream() error

	// AwaitEndOfStream waits up to timeout for the branch to acknowledge
	// end of stream, meaning the output file has been finalised.
	AwaitEndOfStream(timeout time.Duration) bool

	// Release frees every engine resource held by the branch. It is safe to
	// call more than once.
	Release() error
}

// Engine is the media pipeline engine.
//
// Implementations must be safe for concurrent use.
type Engine interface {
	// Start builds the live pipelines and sets them playing. The supplied ctx
	// bounds the startup only.
	Start(ctx context.Context) error

	// Inferences returns the channel of inference payloads in delivery order.
	// It is closed by Close.
	Inferences() <-chan Inference

	// Faults returns the channel of live pipeline faults. It is closed by
	// Close.
	Faults() <-chan Fault

	// AttachRecordingBranch creates a recording branch that listens to the
	// live stream and writes to filePath. The branch is returned in
	// [StateNull]; callers transition it themselves.
	AttachRecordingBranch(ctx context.Context, filePath string) (Branch, error)

	// Playing reports whether the live pipelines are currently playing.
	Playing() bool

	// Close stops the live pipelines and closes the output channels. It is
	// safe to call more than once.
	Close() error
}
