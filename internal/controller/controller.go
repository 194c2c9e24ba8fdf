// Package controller turns inference results into recording sessions.
//
// A [Controller] owns the debounce state machine, the single outstanding
// grace timer and the link to the recording session manager. Every input
// (inference results, grace-timer expiries, session outcomes, pipeline faults
// and shutdown requests) becomes an event on one queue consumed by a single
// goroutine, so state transitions never interleave. Session starts and stops
// block for up to their timeouts and therefore run on a separate FIFO worker;
// their outcomes return to the loop as events.
//
// Typical lifecycle:
//
//	ctrl, err := controller.New(controller.Config{WatchList: wl, Recorder: rec, GracePeriod: 5 * time.Second})
//	go ctrl.Run(ctx)
//	for inf := range engine.Inferences() {
//	    if ctrl.OnInference(inf) != nil {
//	        break
//	    }
//	}
//	ctrl.Shutdown(ctx) // drains the open session, if any
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/ivrec/internal/debounce"
	"github.com/MrWong99/ivrec/internal/observe"
	"github.com/MrWong99/ivrec/internal/recorder"
	"github.com/MrWong99/ivrec/pkg/detection"
	"github.com/MrWong99/ivrec/pkg/media"
)

var (
	// ErrClosed is returned by the input methods once the controller has
	// shut down.
	ErrClosed = errors.New("controller: closed")

	// ErrPipelineFault is returned by [Controller.Run] when a live pipeline
	// reported end of stream or an error. It wraps the [media.Fault].
	ErrPipelineFault = errors.New("controller: pipeline fault")

	// ErrAlreadyRunning is returned by a second call to [Controller.Run].
	ErrAlreadyRunning = errors.New("controller: already running")
)

const defaultQueueSize = 256

// Recorder opens and drains recording sessions. [recorder.Manager]
// implements it.
type Recorder interface {
	Start(ctx context.Context, now time.Time) (recorder.Session, error)
	Stop(ctx context.Context) error
}

// Listener observes recording state changes. It is called from the event
// loop and must not block.
type Listener interface {
	StateChanged(from, to debounce.State, reason string)
}

// ListenerFunc adapts a function to [Listener].
type ListenerFunc func(from, to debounce.State, reason string)

// StateChanged calls f.
func (f ListenerFunc) StateChanged(from, to debounce.State, reason string) { f(from, to, reason) }

// Config holds the dependencies of a [Controller].
type Config struct {
	// WatchList selects the classes that trigger recording. Required.
	WatchList detection.WatchList

	// Recorder executes start and stop intents. Required.
	Recorder Recorder

	// GracePeriod is how long detection may be lost before a recording
	// stops. Zero stops on the first non-matching result.
	GracePeriod time.Duration

	// Clock defaults to [SystemClock].
	Clock Clock

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Listener, if set, receives every state change.
	Listener Listener

	// QueueSize is the event queue capacity. Default: 256.
	QueueSize int
}

// Status is a point-in-time snapshot of the controller.
type Status struct {
	State       debounce.State
	TimerArmed  bool
	GracePeriod time.Duration

	// Session is the open recording. Valid when Recording is true.
	Session   recorder.Session
	Recording bool

	// LastError is the most recent start or stop failure, if any.
	LastError string

	Started int
	Failed  int
	Stopped int

	Running bool
	Closed  bool
}

type eventKind int

const (
	evDetection eventKind = iota + 1
	evTimer
	evStartSucceeded
	evStartFailed
	evDrainComplete
	evFault
	evSetGrace
	evFlush
)

// event is one input to the loop. Only the fields of its kind are set.
type event struct {
	kind    eventKind
	result  detection.Result
	err     error
	gen     uint64
	session recorder.Session
	fault   media.Fault
	grace   time.Duration
	reply   chan struct{}
}

type jobKind int

const (
	jobStart jobKind = iota + 1
	jobStop
)

type job struct {
	kind jobKind
	now  time.Time
}

// maxPendingJobs bounds the worker queue. At most a start and the stop
// queued behind it are outstanding at once.
const maxPendingJobs = 4

// malformedWarnEvery is the number of malformed detections per warn log.
// The ones in between are logged at debug.
const malformedWarnEvery = 500

// Controller is the serialized owner of the recording state.
type Controller struct {
	watch    detection.WatchList
	rec      Recorder
	clock    Clock
	metrics  *observe.Metrics
	listener Listener

	events   chan event
	jobs     chan job
	shutdown chan struct{}
	done     chan struct{}

	shutdownOnce sync.Once
	running      atomic.Bool
	finished     atomic.Bool

	// Owned by the loop goroutine.
	machine   *debounce.Machine
	timer     Timer
	pending   int
	closing   bool
	exitErr   error
	malformed int

	mu     sync.Mutex
	status Status
}

// New creates a Controller. Call [Controller.Run] to start processing.
func New(cfg Config) (*Controller, error) {
	if cfg.Recorder == nil {
		return nil, errors.New("controller: recorder is required")
	}
	if cfg.WatchList.Len() == 0 {
		return nil, errors.New("controller: watch list is empty")
	}
	if cfg.GracePeriod < 0 {
		return nil, fmt.Errorf("controller: negative grace period %s", cfg.GracePeriod)
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	c := &Controller{
		watch:    cfg.WatchList,
		rec:      cfg.Recorder,
		clock:    cfg.Clock,
		metrics:  cfg.Metrics,
		listener: cfg.Listener,
		events:   make(chan event, cfg.QueueSize),
		jobs:     make(chan job, maxPendingJobs),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
		machine:  debounce.New(cfg.GracePeriod),
	}
	c.status.State = debounce.Idle
	c.status.GracePeriod = cfg.GracePeriod
	return c, nil
}

// Run processes events until the controller has shut down and the last
// session has been drained. Cancelling ctx requests a shutdown; Run still
// waits for the drain, which is bounded by the recorder's timeouts.
//
// Run returns nil after a requested shutdown and an error wrapping
// [ErrPipelineFault] when a pipeline fault ended it.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	c.setStatus(func(s *Status) { s.Running = true })

	workCtx := context.WithoutCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.work(workCtx)
	}()

	defer func() {
		close(c.jobs)
		wg.Wait()
		c.finished.Store(true)
		c.setStatus(func(s *Status) { s.Running = false })
		close(c.done)
	}()

	ctxDone := ctx.Done()
	shutdown := c.shutdown
	for {
		select {
		case <-ctxDone:
			ctxDone = nil
			c.beginShutdown("context cancelled")
		case <-shutdown:
			shutdown = nil
			c.beginShutdown("shutdown requested")
		case ev := <-c.events:
			c.handle(ev)
		}
		if c.closing && c.pending == 0 {
			c.drainQueue()
			return c.exitErr
		}
	}
}

// OnInference parses and enqueues one inference payload. Payloads that cannot
// be parsed are enqueued as malformed detections and count as no match.
// It returns [ErrClosed] once the controller has stopped.
func (c *Controller) OnInference(inf media.Inference) error {
	result, err := detection.ParseInference(inf.Payload, inf.At)
	return c.enqueueDetection(result, err)
}

// OnDetection enqueues an already parsed detection result.
func (c *Controller) OnDetection(result detection.Result) error {
	return c.enqueueDetection(result, nil)
}

func (c *Controller) enqueueDetection(result detection.Result, err error) error {
	if !c.send(event{kind: evDetection, result: result, err: err}) {
		c.metrics.InferencesDropped.Add(context.Background(), 1)
		return ErrClosed
	}
	return nil
}

// OnFault reports an unrecoverable pipeline fault. The open session is
// stopped and [Controller.Run] returns an error wrapping [ErrPipelineFault].
func (c *Controller) OnFault(f media.Fault) error {
	if !c.send(event{kind: evFault, fault: f}) {
		return ErrClosed
	}
	return nil
}

// SetGracePeriod changes the grace period used for the next armed timer.
func (c *Controller) SetGracePeriod(d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("controller: negative grace period %s", d)
	}
	if !c.send(event{kind: evSetGrace, grace: d}) {
		return ErrClosed
	}
	return nil
}

// Shutdown cancels the grace timer, forces a stop of the open session and
// waits until the drain has finished or ctx is done. A start that is in
// flight completes first and is then stopped. Shutdown is safe to call more
// than once and before Run.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.shutdownOnce.Do(func() { close(c.shutdown) })
	if !c.running.Load() {
		return nil
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("controller: shutdown: %w", ctx.Err())
	}
}

// Done is closed after Run has returned.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Running reports whether the event loop is processing events.
func (c *Controller) Running() bool {
	return c.running.Load() && !c.finished.Load()
}

// Status returns a snapshot of the controller state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// send enqueues ev. It reports false once the loop has exited.
func (c *Controller) send(ev event) bool {
	if c.finished.Load() {
		return false
	}
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

// flush waits until every event enqueued before the call has been handled.
func (c *Controller) flush(ctx context.Context) error {
	reply := make(chan struct{})
	if !c.send(event{kind: evFlush, reply: reply}) {
		return ErrClosed
	}
	select {
	case <-reply:
		return nil
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) handle(ev event) {
	from := c.machine.State()
	var reason string

	switch ev.kind {
	case evDetection:
		reason = "detection"
		c.apply(c.machine.Verdict(c.classify(ev.result, ev.err)))

	case evTimer:
		reason = "grace period elapsed"
		acts := c.machine.TimerExpired(ev.gen)
		c.metrics.RecordTimerExpiry(context.Background(), len(acts) == 0)
		if len(acts) > 0 {
			c.timer = nil
			slog.Debug("grace period elapsed", "generation", ev.gen)
		}
		c.apply(acts)

	case evStartSucceeded:
		c.pending--
		c.setStatus(func(s *Status) {
			s.Session = ev.session
			s.Recording = true
			s.Started++
		})

	case evStartFailed:
		c.pending--
		reason = "start failed"
		if errors.Is(ev.err, recorder.ErrAlreadyRecording) {
			slog.Debug("recording start skipped", "err", ev.err)
		} else {
			slog.Warn("recording start failed", "err", ev.err)
		}
		c.setStatus(func(s *Status) {
			s.Failed++
			s.LastError = ev.err.Error()
		})
		c.apply(c.machine.StartFailed())

	case evDrainComplete:
		c.pending--
		reason = "drain complete"
		if ev.err != nil {
			if errors.Is(ev.err, recorder.ErrDrainTimeout) {
				slog.Warn("recording may be incomplete", "err", ev.err)
			} else {
				slog.Warn("recording stop failed", "err", ev.err)
			}
		}
		c.setStatus(func(s *Status) {
			if s.Recording {
				s.Stopped++
			}
			s.Session = recorder.Session{}
			s.Recording = false
			if ev.err != nil {
				s.LastError = ev.err.Error()
			}
		})
		c.apply(c.machine.DrainComplete())

	case evFault:
		reason = "pipeline fault"
		slog.Error("pipeline fault, stopping", "kind", ev.fault.Kind, "source", ev.fault.Source, "err", ev.fault.Err)
		if c.exitErr == nil {
			c.exitErr = fmt.Errorf("%w: %w", ErrPipelineFault, ev.fault)
		}
		c.beginShutdown(reason)
		return

	case evSetGrace:
		c.machine.SetGracePeriod(ev.grace)
		slog.Info("grace period updated", "grace_period", ev.grace)

	case evFlush:
		close(ev.reply)
	}

	c.publish(from, reason)
}

// classify returns whether the detection matches. Malformed detections are
// counted and treated as no match.
func (c *Controller) classify(result detection.Result, parseErr error) bool {
	ctx := context.Background()
	v, err := detection.Classify(result, c.watch)
	if parseErr != nil {
		err = parseErr
	}
	if err != nil {
		c.malformed++
		c.metrics.RecordDetection(ctx, observe.VerdictMalformed)
		if warnMalformed(c.malformed) {
			slog.Warn("malformed detection treated as no match", "err", err, "count", c.malformed)
		} else {
			slog.Debug("malformed detection treated as no match", "err", err, "count", c.malformed)
		}
		return false
	}
	if v.Match {
		c.metrics.RecordDetection(ctx, observe.VerdictMatch)
	} else {
		c.metrics.RecordDetection(ctx, observe.VerdictNoMatch)
	}
	return v.Match
}

// warnMalformed reports whether the n-th malformed detection is logged at
// warn: the first one and then one per [malformedWarnEvery].
func warnMalformed(n int) bool {
	return n%malformedWarnEvery == 1
}

func (c *Controller) apply(acts []debounce.Action) {
	for _, a := range acts {
		switch a.Kind {
		case debounce.StartRecording:
			c.dispatch(job{kind: jobStart, now: c.clock.Now()})
		case debounce.StopRecording:
			c.dispatch(job{kind: jobStop})
		case debounce.ArmTimer:
			c.arm(a.Generation, a.After)
		case debounce.CancelTimer:
			c.stopTimer()
		}
	}
}

func (c *Controller) dispatch(j job) {
	c.pending++
	c.jobs <- j
}

func (c *Controller) arm(gen uint64, after time.Duration) {
	c.stopTimer()
	c.timer = c.clock.AfterFunc(after, func() {
		c.send(event{kind: evTimer, gen: gen})
	})
}

func (c *Controller) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller) beginShutdown(reason string) {
	if c.closing {
		return
	}
	c.closing = true
	from := c.machine.State()
	c.apply(c.machine.Shutdown())
	c.stopTimer()
	slog.Info("controller shutting down", "reason", reason, "state", from)
	c.setStatus(func(s *Status) { s.Closed = true })
	c.publish(from, reason)
}

// drainQueue discards events left behind after shutdown completed.
func (c *Controller) drainQueue() {
	for {
		select {
		case ev := <-c.events:
			switch ev.kind {
			case evDetection:
				c.metrics.InferencesDropped.Add(context.Background(), 1)
			case evFlush:
				close(ev.reply)
			}
		default:
			return
		}
	}
}

// publish refreshes the status snapshot and notifies the listener when the
// state changed.
func (c *Controller) publish(from debounce.State, reason string) {
	to := c.machine.State()
	c.setStatus(func(s *Status) {
		s.State = to
		s.TimerArmed = c.machine.TimerArmed()
		s.GracePeriod = c.machine.GracePeriod()
	})
	if from != to && c.listener != nil {
		c.listener.StateChanged(from, to, reason)
	}
}

func (c *Controller) setStatus(f func(*Status)) {
	c.mu.Lock()
	f(&c.status)
	c.mu.Unlock()
}

// work executes session jobs in order and reports their outcomes.
func (c *Controller) work(ctx context.Context) {
	for j := range c.jobs {
		switch j.kind {
		case jobStart:
			sess, err := c.rec.Start(ctx, j.now)
			if err != nil {
				c.send(event{kind: evStartFailed, err: err})
				continue
			}
			c.send(event{kind: evStartSucceeded, session: sess})
		case jobStop:
			c.send(event{kind: evDrainComplete, err: c.rec.Stop(ctx)})
		}
	}
}
