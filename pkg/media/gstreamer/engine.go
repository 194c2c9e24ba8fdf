// Package gstreamer provides a [media.Engine] backed by GStreamer.
//
// The engine runs two always-on pipelines built from [graph.Live]: the
// capture/inference pipeline and the display pipeline. Each recording
// session gets its own short-lived pipeline ([graph.Recording]) that listens
// to the inference pipeline's interpipesink, so attaching and draining a
// recording never disturbs the live stream.
//
// Inference metadata arrives on the inference element's
// "new-inference-string" signal, which fires on a GStreamer streaming thread.
// The callback never blocks: when the consumer falls behind, payloads are
// dropped and counted.
//
// Requires the GStreamer runtime plus the GstInference and GstInterpipe
// plugins at run time.
package gstreamer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"

	"github.com/MrWong99/ivrec/pkg/media"
	"github.com/MrWong99/ivrec/pkg/media/graph"
)

const (
	defaultStateChangeTimeout = time.Second
	defaultInferenceBuffer    = 64
	busPollInterval           = 50 * time.Millisecond
)

// Compile-time interface assertions.
var (
	_ media.Engine = (*Engine)(nil)
	_ media.Branch = (*branch)(nil)
)

// Option configures an [Engine].
type Option func(*Engine)

// WithStateChangeTimeout bounds how long Start waits for the live pipelines
// to report PLAYING. Defaults to 1s.
func WithStateChangeTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.stateTimeout = d
		}
	}
}

// WithInferenceBuffer sets the capacity of the inference channel. Defaults
// to 64.
func WithInferenceBuffer(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.bufSize = n
		}
	}
}

// Engine is the GStreamer implementation of [media.Engine].
type Engine struct {
	live         graph.Live
	stateTimeout time.Duration
	bufSize      int

	// mu guards the pipelines, the closed flag and sends on the output
	// channels.
	mu        sync.RWMutex
	inference *gst.Pipeline
	display   *gst.Pipeline
	closed    bool

	inferences chan media.Inference
	faults     chan media.Fault

	playing     atomic.Bool
	playingOnce sync.Once
	playingCh   chan struct{}
	dropped     atomic.Uint64
	branchSeq   atomic.Uint64

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New validates live and returns an engine that has not been started.
func New(live graph.Live, opts ...Option) (*Engine, error) {
	if err := live.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		live:         live,
		stateTimeout: defaultStateChangeTimeout,
		bufSize:      defaultInferenceBuffer,
		playingCh:    make(chan struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	e.inferences = make(chan media.Inference, e.bufSize)
	e.faults = make(chan media.Fault, 4)
	return e, nil
}

// Start implements [media.Engine]. It parses and plays the live pipelines,
// connects the inference signal and starts bus supervision. If the
// inference pipeline has not reached PLAYING within the state-change timeout
// Start logs a warning and returns; supervision keeps tracking the state.
func (e *Engine) Start(ctx context.Context) error {
	gst.Init(nil)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return media.ErrEngineClosed
	}
	if e.inference != nil {
		e.mu.Unlock()
		return errors.New("gstreamer: engine already started")
	}

	inference, err := gst.NewPipelineFromString(e.live.Inference())
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("gstreamer: parse inference pipeline: %w", err)
	}
	display, err := gst.NewPipelineFromString(e.live.Display())
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("gstreamer: parse display pipeline: %w", err)
	}

	net, err := inference.GetElementByName(graph.InferenceElement)
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("gstreamer: find inference element %q: %w", graph.InferenceElement, err)
	}
	net.Connect(graph.InferenceSignal, func(_ *gst.Element, meta string) {
		e.onInference(meta)
	})

	e.inference, e.display = inference, display
	monCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.mu.Unlock()

	e.wg.Add(2)
	go e.monitor(monCtx, inference, true)
	go e.monitor(monCtx, display, false)

	if err := inference.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("gstreamer: start inference pipeline: %w", err)
	}
	if err := display.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("gstreamer: start display pipeline: %w", err)
	}

	select {
	case <-e.playingCh:
		slog.Info("gstreamer: live pipelines playing",
			"camera", e.live.CameraDevice,
			"arch", e.live.Arch,
			"backend", e.live.Backend,
		)
	case <-time.After(e.stateTimeout):
		slog.Warn("gstreamer: inference pipeline not playing yet", "timeout", e.stateTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Inferences implements [media.Engine].
func (e *Engine) Inferences() <-chan media.Inference { return e.inferences }

// Faults implements [media.Engine].
func (e *Engine) Faults() <-chan media.Fault { return e.faults }

// Playing implements [media.Engine].
func (e *Engine) Playing() bool { return e.playing.Load() }

// Dropped returns how many inference payloads were discarded because the
// consumer was not keeping up.
func (e *Engine) Dropped() uint64 { return e.dropped.Load() }

// AttachRecordingBranch implements [media.Engine]. The branch pipeline is
// parsed but left in NULL.
func (e *Engine) AttachRecordingBranch(ctx context.Context, filePath string) (media.Branch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, media.ErrEngineClosed
	}
	if !e.playing.Load() {
		return nil, errors.New("gstreamer: live pipeline is not playing")
	}

	p, err := gst.NewPipelineFromString(graph.Recording(filePath))
	if err != nil {
		return nil, fmt.Errorf("gstreamer: parse recording branch: %w", err)
	}
	b := &branch{
		name:     fmt.Sprintf("record-%d", e.branchSeq.Add(1)),
		pipeline: p,
	}
	slog.Debug("gstreamer: recording branch attached", "branch", b.name, "location", filePath)
	return b, nil
}

// Close implements [media.Engine]. It stops supervision, sets the live
// pipelines to NULL and closes the output channels.
func (e *Engine) Close() error {
	var errs []error
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		cancel := e.cancel
		inference, display := e.inference, e.display
		e.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		e.wg.Wait()

		if display != nil {
			if err := display.SetState(gst.StateNull); err != nil {
				errs = append(errs, fmt.Errorf("gstreamer: stop display pipeline: %w", err))
			}
		}
		if inference != nil {
			if err := inference.SetState(gst.StateNull); err != nil {
				errs = append(errs, fmt.Errorf("gstreamer: stop inference pipeline: %w", err))
			}
		}
		e.playing.Store(false)

		e.mu.Lock()
		close(e.inferences)
		close(e.faults)
		e.mu.Unlock()

		if n := e.dropped.Load(); n > 0 {
			slog.Info("gstreamer: engine closed", "dropped_inferences", n)
		}
	})
	return errors.Join(errs...)
}

// onInference runs on a GStreamer streaming thread.
func (e *Engine) onInference(meta string) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	select {
	case e.inferences <- media.Inference{Payload: []byte(meta), At: time.Now()}:
	default:
		n := e.dropped.Add(1)
		slog.Debug("gstreamer: dropping inference, consumer behind", "dropped_total", n)
	}
}

func (e *Engine) emitFault(f media.Fault) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	select {
	case e.faults <- f:
	default:
		slog.Debug("gstreamer: fault channel full, dropping fault", "kind", f.Kind, "source", f.Source)
	}
}

// monitor polls the pipeline bus until ctx is cancelled or the pipeline
// reports EOS or an error.
func (e *Engine) monitor(ctx context.Context, p *gst.Pipeline, tracksPlaying bool) {
	defer e.wg.Done()

	bus := p.GetPipelineBus()
	name := p.GetName()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg := bus.TimedPop(busPollInterval)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			slog.Warn("gstreamer: live pipeline reached end of stream", "pipeline", name)
			e.playing.Store(false)
			e.emitFault(media.Fault{Kind: media.FaultEndOfStream, Source: name})
			return

		case gst.MessageError:
			gerr := msg.ParseError()
			slog.Error("gstreamer: live pipeline error",
				"pipeline", name,
				"source", msg.Source(),
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
			)
			e.playing.Store(false)
			e.emitFault(media.Fault{
				Kind:   media.FaultError,
				Source: msg.Source(),
				Err:    errors.New(gerr.Error()),
			})
			return

		case gst.MessageStateChanged:
			if !tracksPlaying || msg.Source() != name {
				continue
			}
			old, next := msg.ParseStateChanged()
			slog.Debug("gstreamer: pipeline state changed", "pipeline", name, "from", old, "to", next)
			switch {
			case next == gst.StatePlaying:
				e.playing.Store(true)
				e.playingOnce.Do(func() { close(e.playingCh) })
			case old == gst.StatePlaying:
				e.playing.Store(false)
			}
		}
	}
}
