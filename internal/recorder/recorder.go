// Package recorder owns the lifecycle of at most one recording session.
//
// A [Manager] moves through Closed → Opening → Open → Draining → Closed.
// [Manager.Start] attaches a recording branch to the live stream and waits
// (bounded) for it to start playing. [Manager.Stop] drains the branch: it
// sends end of stream, waits (bounded) for the acknowledgement that the file
// has been finalised, sets the branch inert and releases it. Engine resources
// are released on every path, including failures.
//
// Start and Stop serialise on each other: a Stop issued while a Start is in
// flight waits for the Start to finish and then drains whatever it opened.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/ivrec/internal/observe"
	"github.com/MrWong99/ivrec/internal/resilience"
	"github.com/MrWong99/ivrec/pkg/media"
)

// Sentinel errors. Callers test with errors.Is.
var (
	// ErrAlreadyRecording is returned by Start when a session is open or
	// being opened or drained.
	ErrAlreadyRecording = errors.New("recorder: already recording")

	// ErrPipelineAttachFailed is returned by Start when the engine could not
	// attach a recording branch. The breaker rejection
	// [resilience.ErrCircuitOpen] is reported wrapped in it.
	ErrPipelineAttachFailed = errors.New("recorder: pipeline attach failed")

	// ErrPipelineStateTimeout is returned by Start when the attached branch
	// did not reach the playing state in time. The branch has been torn down.
	ErrPipelineStateTimeout = errors.New("recorder: pipeline state change timed out")

	// ErrDrainTimeout is returned by Stop when the branch did not acknowledge
	// end of stream in time. The branch has been torn down but the output
	// file may be truncated.
	ErrDrainTimeout = errors.New("recorder: drain timed out, recording may be incomplete")
)

// Stop status values reported on [observe.Metrics.RecordingsStopped].
const (
	StopStatusOK           = "ok"
	StopStatusDrainTimeout = "drain_timeout"
	StopStatusError        = "error"
)

// Start failure reasons reported on [observe.Metrics.RecordingsFailed].
const (
	FailureAttach       = "attach_failed"
	FailureStateTimeout = "state_timeout"
	FailureCircuitOpen  = "circuit_open"
	FailureAlready      = "already_recording"
	FailureOther        = "other"
)

const (
	defaultStateChangeTimeout = time.Second
	defaultDrainTimeout       = 5 * time.Second
	defaultTemplate           = "intelligent_recording_02-01-2006_15_04_05.000"
	defaultExtension          = ".mp4"
)

// State is the manager's lifecycle state.
type State int

const (
	StateClosed State = iota
	StateOpening
	StateOpen
	StateDraining
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// Session describes one open recording.
type Session struct {
	// ID is a random identifier used in logs, spans and the status endpoint.
	ID string

	// FilePath is the output file the branch writes to.
	FilePath string

	// StartedAt is the timestamp the session was requested at. The file name
	// is derived from it.
	StartedAt time.Time
}

// Config holds the dependencies and tuning of a [Manager].
type Config struct {
	// Engine attaches recording branches. Required.
	Engine media.Engine

	// Directory receives the output files. Default: ".".
	Directory string

	// FilenameTemplate is a Go time layout applied to the session start time.
	FilenameTemplate string

	// Extension is appended to every file name. Default: ".mp4".
	Extension string

	// StateChangeTimeout bounds the wait for a branch to start playing.
	// Default: 1s.
	StateChangeTimeout time.Duration

	// DrainTimeout bounds the wait for the end-of-stream acknowledgement.
	// Default: 5s.
	DrainTimeout time.Duration

	// Breaker guards branch attachment. When nil a breaker with default
	// settings named "recording-branch" is created.
	Breaker *resilience.CircuitBreaker

	// Metrics receives session metrics. Default: [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Now overrides the clock used for durations. Default: time.Now.
	Now func() time.Time

	// NewID overrides session id generation. Default: uuid.NewString.
	NewID func() string
}

// Manager executes start and stop intents against the media engine.
// All exported methods are safe for concurrent use.
type Manager struct {
	engine       media.Engine
	dir          string
	template     string
	ext          string
	stateTimeout time.Duration
	drainTimeout time.Duration
	breaker      *resilience.CircuitBreaker
	metrics      *observe.Metrics
	now          func() time.Time
	newID        func() string

	// op serialises Start and Stop, including their blocking phases.
	op sync.Mutex

	mu       sync.Mutex
	state    State
	session  Session
	branch   media.Branch
	openedAt time.Time
	lastPath string
}

// New creates a Manager. It returns an error when cfg.Engine is nil.
func New(cfg Config) (*Manager, error) {
	if cfg.Engine == nil {
		return nil, errors.New("recorder: engine is required")
	}
	if cfg.Directory == "" {
		cfg.Directory = "."
	}
	if cfg.FilenameTemplate == "" {
		cfg.FilenameTemplate = defaultTemplate
	}
	if cfg.Extension == "" {
		cfg.Extension = defaultExtension
	}
	if cfg.StateChangeTimeout <= 0 {
		cfg.StateChangeTimeout = defaultStateChangeTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Breaker == nil {
		m := cfg.Metrics
		cfg.Breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name: "recording-branch",
			OnStateChange: func(name string, _, to resilience.State) {
				m.RecordBreakerTransition(context.Background(), name, to.String())
			},
		})
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Manager{
		engine:       cfg.Engine,
		dir:          cfg.Directory,
		template:     cfg.FilenameTemplate,
		ext:          cfg.Extension,
		stateTimeout: cfg.StateChangeTimeout,
		drainTimeout: cfg.DrainTimeout,
		breaker:      cfg.Breaker,
		metrics:      cfg.Metrics,
		now:          cfg.Now,
		newID:        cfg.NewID,
	}, nil
}

// Start opens a new session whose file name derives from now.
//
// It fails with [ErrAlreadyRecording] when a session exists,
// [ErrPipelineAttachFailed] when no branch could be attached and
// [ErrPipelineStateTimeout] when the branch did not start playing within the
// state-change timeout. On failure no branch is left attached.
func (m *Manager) Start(ctx context.Context, now time.Time) (Session, error) {
	m.op.Lock()
	defer m.op.Unlock()

	m.mu.Lock()
	if m.state != StateClosed {
		id := m.session.ID
		m.mu.Unlock()
		m.metrics.RecordStartFailure(ctx, FailureAlready)
		return Session{}, fmt.Errorf("%w (session %s)", ErrAlreadyRecording, id)
	}
	path, err := m.nextPathLocked(now)
	if err != nil {
		m.mu.Unlock()
		m.metrics.RecordStartFailure(ctx, FailureAttach)
		return Session{}, fmt.Errorf("recorder: start: %w: %w", ErrPipelineAttachFailed, err)
	}
	m.state = StateOpening
	m.mu.Unlock()

	sess := Session{ID: m.newID(), FilePath: path, StartedAt: now}

	ctx, span := observe.StartSpan(ctx, "recorder.start",
		trace.WithAttributes(
			attribute.String("session.id", sess.ID),
			attribute.String("recording.path", path),
		),
	)
	began := m.now()

	branch, err := resilience.Call(m.breaker, func() (media.Branch, error) {
		return m.open(ctx, path)
	})
	m.metrics.StartDuration.Record(ctx, m.now().Sub(began).Seconds())
	if err != nil {
		m.mu.Lock()
		m.state = StateClosed
		m.mu.Unlock()

		m.metrics.RecordStartFailure(ctx, failureReason(err))
		if errors.Is(err, resilience.ErrCircuitOpen) {
			err = fmt.Errorf("%w: %w", ErrPipelineAttachFailed, err)
		}
		err = fmt.Errorf("recorder: start %s: %w", path, err)
		observe.EndSpan(span, err)
		return Session{}, err
	}

	m.mu.Lock()
	m.state = StateOpen
	m.session = sess
	m.branch = branch
	m.openedAt = m.now()
	m.mu.Unlock()

	m.metrics.RecordingsStarted.Add(ctx, 1)
	m.metrics.ActiveRecordings.Add(ctx, 1)
	observe.EndSpan(span, nil)

	observe.Logger(ctx).Info("recording started",
		"session_id", sess.ID,
		"path", path,
		"branch", branch.Name(),
	)
	return sess, nil
}

// open attaches a branch for path and sets it playing. A branch that fails
// to reach the playing state is torn down before returning.
func (m *Manager) open(ctx context.Context, path string) (media.Branch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	branch, err := m.engine.AttachRecordingBranch(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPipelineAttachFailed, err)
	}
	if branch.TransitionTo(media.StatePlaying, m.stateTimeout) {
		return branch, nil
	}
	errs := []error{fmt.Errorf("%w: %s did not reach %s within %s",
		ErrPipelineStateTimeout, branch.Name(), media.StatePlaying, m.stateTimeout)}
	if err := m.teardown(branch); err != nil {
		errs = append(errs, err)
	}
	return nil, errors.Join(errs...)
}

// Stop drains and closes the open session. It is a no-op when no session is
// open. A Stop that races an in-flight Start waits for it.
//
// The branch is always released. When the end-of-stream acknowledgement
// times out the returned error wraps [ErrDrainTimeout]; other teardown
// failures are joined into the error.
func (m *Manager) Stop(ctx context.Context) error {
	m.op.Lock()
	defer m.op.Unlock()

	m.mu.Lock()
	if m.state != StateOpen {
		m.mu.Unlock()
		return nil
	}
	m.state = StateDraining
	sess, branch, openedAt := m.session, m.branch, m.openedAt
	m.mu.Unlock()

	ctx, span := observe.StartSpan(ctx, "recorder.stop",
		trace.WithAttributes(
			attribute.String("session.id", sess.ID),
			attribute.String("recording.path", sess.FilePath),
		),
	)
	began := m.now()

	var errs []error
	if err := branch.SendEndOfStream(); err != nil {
		errs = append(errs, fmt.Errorf("send end of stream: %w", err))
	} else if timeout := bounded(ctx, m.drainTimeout); !branch.AwaitEndOfStream(timeout) {
		errs = append(errs, fmt.Errorf("%w: no acknowledgement from %s within %s", ErrDrainTimeout, branch.Name(), timeout))
	}
	if err := m.teardown(branch); err != nil {
		errs = append(errs, err)
	}

	end := m.now()
	m.mu.Lock()
	m.state = StateClosed
	m.session = Session{}
	m.branch = nil
	m.mu.Unlock()

	err := errors.Join(errs...)
	status := StopStatusOK
	switch {
	case errors.Is(err, ErrDrainTimeout):
		status = StopStatusDrainTimeout
	case err != nil:
		status = StopStatusError
	}
	m.metrics.DrainDuration.Record(ctx, end.Sub(began).Seconds())
	m.metrics.RecordStop(ctx, status, end.Sub(openedAt).Seconds())
	m.metrics.ActiveRecordings.Add(ctx, -1)

	log := observe.Logger(ctx)
	if err != nil {
		err = fmt.Errorf("recorder: stop session %s: %w", sess.ID, err)
		observe.EndSpan(span, err)
		log.Warn("recording stopped with errors", "session_id", sess.ID, "path", sess.FilePath, "err", err)
		return err
	}
	observe.EndSpan(span, nil)
	log.Info("recording stopped",
		"session_id", sess.ID,
		"path", sess.FilePath,
		"duration", end.Sub(openedAt),
	)
	return nil
}

// teardown sets branch inert and releases it. Release runs even when the
// state change fails.
func (m *Manager) teardown(branch media.Branch) error {
	var errs []error
	if !branch.TransitionTo(media.StateNull, m.stateTimeout) {
		errs = append(errs, fmt.Errorf("set %s to %s failed", branch.Name(), media.StateNull))
	}
	if err := branch.Release(); err != nil {
		errs = append(errs, fmt.Errorf("release %s: %w", branch.Name(), err))
	}
	return errors.Join(errs...)
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Active returns the open session, if any.
func (m *Manager) Active() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session, m.state == StateOpen
}

// Directory returns the output directory.
func (m *Manager) Directory() string { return m.dir }

// nextPathLocked derives the output path for now. When the name was used by
// the previous session or already exists on disk a "-N" suffix is added.
// A candidate that cannot be probed (the directory vanished, became a file
// or lost search permission) is an error. Must be called with m.mu held.
func (m *Manager) nextPathLocked(now time.Time) (string, error) {
	base := filepath.Join(m.dir, now.Format(m.template))
	path := base + m.ext
	for n := 1; ; n++ {
		if path != m.lastPath {
			taken, err := exists(path)
			if err != nil {
				return "", fmt.Errorf("probe %s: %w", path, err)
			}
			if !taken {
				break
			}
		}
		path = base + "-" + strconv.Itoa(n) + m.ext
	}
	m.lastPath = path
	return path, nil
}

func exists(path string) (bool, error) {
	_, err := os.Lstat(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

// bounded shortens d to the time left before ctx's deadline.
func bounded(ctx context.Context, d time.Duration) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < d {
			return max(left, 0)
		}
	}
	return d
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		return FailureCircuitOpen
	case errors.Is(err, ErrPipelineStateTimeout):
		return FailureStateTimeout
	case errors.Is(err, ErrPipelineAttachFailed):
		return FailureAttach
	default:
		return FailureOther
	}
}
