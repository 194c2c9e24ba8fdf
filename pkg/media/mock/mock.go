// Package mock provides in-memory mock implementations of [media.Engine] and
// [media.Branch] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	eng := mock.NewEngine()
//	eng.AttachError = errors.New("no interpipesink")
//	b, err := eng.AttachRecordingBranch(ctx, "/tmp/a.mp4")
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/ivrec/pkg/media"
)

// ─── Branch ───────────────────────────────────────────────────────────────────

// TransitionCall records the arguments of a single [Branch.TransitionTo] call.
type TransitionCall struct {
	State   media.State
	Timeout time.Duration
}

// Branch is a mock implementation of [media.Branch].
// Set the exported Result fields before use; inspect the Call* fields after.
type Branch struct {
	mu sync.Mutex

	// NameResult is returned by [Branch.Name].
	NameResult string

	// TransitionResult is returned by TransitionTo for every state except
	// [media.StateNull], which always succeeds. Defaults to true via
	// [NewBranch].
	TransitionResult bool

	// TransitionDelay is slept inside TransitionTo before returning.
	TransitionDelay time.Duration

	// SendEndOfStreamError is returned by [Branch.SendEndOfStream].
	SendEndOfStreamError error

	// AwaitResult is returned by [Branch.AwaitEndOfStream]. Defaults to true
	// via [NewBranch].
	AwaitResult bool

	// AwaitDelay is slept inside AwaitEndOfStream before returning.
	AwaitDelay time.Duration

	// ReleaseError is returned by [Branch.Release].
	ReleaseError error

	// TransitionCalls records all TransitionTo invocations.
	TransitionCalls []TransitionCall

	// AwaitCalls records the timeout of every AwaitEndOfStream invocation.
	AwaitCalls []time.Duration

	// CallCountSendEndOfStream records how many times SendEndOfStream was called.
	CallCountSendEndOfStream int

	// CallCountRelease records how many times Release was called.
	CallCountRelease int

	// Log records every call name in order, e.g. "transition:playing", "eos",
	// "await", "release".
	Log []string
}

// NewBranch returns a Branch that reaches every state and acknowledges end
// of stream.
func NewBranch(name string) *Branch {
	return &Branch{NameResult: name, TransitionResult: true, AwaitResult: true}
}

// Name implements [media.Branch].
func (b *Branch) Name() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.NameResult
}

// TransitionTo implements [media.Branch].
func (b *Branch) TransitionTo(state media.State, timeout time.Duration) bool {
	b.mu.Lock()
	b.TransitionCalls = append(b.TransitionCalls, TransitionCall{State: state, Timeout: timeout})
	b.Log = append(b.Log, "transition:"+state.String())
	delay, result := b.TransitionDelay, b.TransitionResult
	b.mu.Unlock()
	if state == media.StateNull {
		return true
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	return result
}

// SendEndOfStream implements [media.Branch]. Returns SendEndOfStreamError.
func (b *Branch) SendEndOfStream() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.CallCountSendEndOfStream++
	b.Log = append(b.Log, "eos")
	return b.SendEndOfStreamError
}

// AwaitEndOfStream implements [media.Branch]. Returns AwaitResult.
func (b *Branch) AwaitEndOfStream(timeout time.Duration) bool {
	b.mu.Lock()
	b.AwaitCalls = append(b.AwaitCalls, timeout)
	b.Log = append(b.Log, "await")
	delay, result := b.AwaitDelay, b.AwaitResult
	b.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	return result
}

// Release implements [media.Branch]. Returns ReleaseError.
func (b *Branch) Release() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.CallCountRelease++
	b.Log = append(b.Log, "release")
	return b.ReleaseError
}

// Calls returns a copy of Log.
func (b *Branch) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.Log))
	copy(out, b.Log)
	return out
}

// Released reports whether Release was called at least once.
func (b *Branch) Released() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.CallCountRelease > 0
}

// ─── Engine ───────────────────────────────────────────────────────────────────

// AttachCall records the arguments of a single [Engine.AttachRecordingBranch]
// invocation.
type AttachCall struct {
	FilePath string
}

// Engine is a mock implementation of [media.Engine].
type Engine struct {
	mu sync.Mutex

	// StartError is returned by [Engine.Start].
	StartError error

	// AttachError, when non-nil, is returned by AttachRecordingBranch.
	AttachError error

	// NewBranchFunc builds the branch returned by AttachRecordingBranch.
	// Defaults to [NewBranch] with the file path as name.
	NewBranchFunc func(filePath string) *Branch

	// PlayingResult is returned by [Engine.Playing] once Start succeeded.
	PlayingResult bool

	// CloseError is returned by [Engine.Close].
	CloseError error

	// AttachCalls records all AttachRecordingBranch invocations.
	AttachCalls []AttachCall

	// Branches holds every branch handed out, in order.
	Branches []*Branch

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	inferences chan media.Inference
	faults     chan media.Fault
	closeOnce  sync.Once
}

// NewEngine returns an Engine with buffered output channels.
func NewEngine() *Engine {
	return &Engine{
		PlayingResult: true,
		inferences:    make(chan media.Inference, 64),
		faults:        make(chan media.Fault, 4),
	}
}

// Start implements [media.Engine]. Returns StartError.
func (e *Engine) Start(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CallCountStart++
	return e.StartError
}

// Inferences implements [media.Engine].
func (e *Engine) Inferences() <-chan media.Inference { return e.inferences }

// Faults implements [media.Engine].
func (e *Engine) Faults() <-chan media.Fault { return e.faults }

// AttachRecordingBranch implements [media.Engine]. Records the call and
// returns a new [Branch] or AttachError.
func (e *Engine) AttachRecordingBranch(_ context.Context, filePath string) (media.Branch, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.AttachCalls = append(e.AttachCalls, AttachCall{FilePath: filePath})
	if e.AttachError != nil {
		return nil, e.AttachError
	}
	newBranch := e.NewBranchFunc
	if newBranch == nil {
		newBranch = NewBranch
	}
	b := newBranch(filePath)
	e.Branches = append(e.Branches, b)
	return b, nil
}

// Playing implements [media.Engine].
func (e *Engine) Playing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.CallCountStart > 0 && e.StartError == nil && e.PlayingResult
}

// Close implements [media.Engine]. Closes the output channels once.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.CallCountClose++
	err := e.CloseError
	e.mu.Unlock()
	e.closeOnce.Do(func() {
		close(e.inferences)
		close(e.faults)
	})
	return err
}

// EmitInference delivers payload on the inference channel.
func (e *Engine) EmitInference(payload string) {
	e.inferences <- media.Inference{Payload: []byte(payload), At: time.Now()}
}

// EmitFault delivers f on the fault channel.
func (e *Engine) EmitFault(f media.Fault) {
	e.faults <- f
}

// SetAttachError changes AttachError under the mock's lock.
func (e *Engine) SetAttachError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.AttachError = err
}

// BranchCount returns the number of branches handed out so far.
func (e *Engine) BranchCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.Branches)
}

// Branch returns the i-th branch handed out.
func (e *Engine) Branch(i int) *Branch {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Branches[i]
}

// AttachCount returns the number of AttachRecordingBranch calls so far.
func (e *Engine) AttachCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.AttachCalls)
}
