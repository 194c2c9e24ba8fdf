package health

import (
	"context"
	"errors"
)

// Checker names used by the recording service.
const (
	CheckPipeline      = "pipeline"
	CheckRecordingsDir = "recordings_dir"
	CheckEventLoop     = "event_loop"
)

var (
	errNotPlaying  = errors.New("pipeline is not playing")
	errLoopStopped   = errors.New("controller event loop is not running")
)

// Pipeline reports ready while playing returns true.
func Pipeline(playing func() bool) Checker {
	return Checker{Name: CheckPipeline, Check: func(context.Context) error {
		if !playing() {
			return errNotPlaying
		}
		return nil
	}}
}

// RecordingsDir reports ready while probe succeeds for dir. probe is
// usually config.CheckWritableDir.
func RecordingsDir(dir string, probe func(string) error) Checker {
	return Checker{Name: CheckRecordingsDir, Check: func(context.Context) error {
		return probe(dir)
	}}
}

// EventLoop reports ready while running returns true.
func EventLoop(running func() bool) Checker {
	return Checker{Name: CheckEventLoop, Check: func(context.Context) error {
		if !running() {
			return errLoopStopped
		}
		return nil
	}}
}
