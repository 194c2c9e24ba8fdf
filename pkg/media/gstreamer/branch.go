package gstreamer

import (
	"errors"
	"fmt"
	"time"

	"github.com/tinyzimmer/go-gst/gst"

	"github.com/MrWong99/ivrec/pkg/media"
)

// branch is one recording pipeline. Methods are called from a single
// goroutine.
type branch struct {
	name     string
	pipeline *gst.Pipeline
	released bool
}

func (b *branch) Name() string { return b.name }

// TransitionTo sets the pipeline state and waits for the matching
// state-changed message from the pipeline itself. NULL is reached
// synchronously and posts nothing on the bus.
func (b *branch) TransitionTo(state media.State, timeout time.Duration) bool {
	if b.released {
		return state == media.StateNull
	}
	target := gstState(state)
	if err := b.pipeline.SetState(target); err != nil {
		return false
	}
	if target == gst.StateNull {
		return true
	}

	name := b.pipeline.GetName()
	found := false
	b.pop(timeout, func(msg *gst.Message) bool {
		switch msg.Type() {
		case gst.MessageError:
			return true
		case gst.MessageStateChanged:
			if msg.Source() != name {
				return false
			}
			if _, next := msg.ParseStateChanged(); next == target {
				found = true
				return true
			}
		}
		return false
	})
	return found
}

func (b *branch) SendEndOfStream() error {
	if b.released {
		return errors.New("gstreamer: branch released")
	}
	if !b.pipeline.SendEvent(gst.NewEOSEvent()) {
		return fmt.Errorf("gstreamer: %s: end-of-stream event not handled", b.name)
	}
	return nil
}

// AwaitEndOfStream waits for the EOS message, which the pipeline posts once
// every sink (the filesink behind qtmux) has received end of stream.
func (b *branch) AwaitEndOfStream(timeout time.Duration) bool {
	if b.released {
		return false
	}
	acked := false
	b.pop(timeout, func(msg *gst.Message) bool {
		switch msg.Type() {
		case gst.MessageEOS:
			acked = true
			return true
		case gst.MessageError:
			return true
		}
		return false
	})
	return acked
}

func (b *branch) Release() error {
	if b.released {
		return nil
	}
	b.released = true
	if err := b.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("gstreamer: release %s: %w", b.name, err)
	}
	return nil
}

// pop feeds bus messages to done until it returns true or timeout elapses.
func (b *branch) pop(timeout time.Duration, done func(*gst.Message) bool) {
	bus := b.pipeline.GetPipelineBus()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		msg := bus.TimedPop(remaining)
		if msg == nil {
			return
		}
		if done(msg) {
			return
		}
	}
}

func gstState(s media.State) gst.State {
	switch s {
	case media.StateReady:
		return gst.StateReady
	case media.StatePaused:
		return gst.StatePaused
	case media.StatePlaying:
		return gst.StatePlaying
	default:
		return gst.StateNull
	}
}
