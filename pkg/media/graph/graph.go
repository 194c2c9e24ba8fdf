// Package graph builds the declarative pipeline descriptions used by the
// GStreamer engine.
//
// The live topology is three pipelines joined by inter-pipeline elements:
//
//	inference:  camera → scale/convert → inferencebin (overlay) → interpipesink "inference_src"
//	display:    interpipesrc → convert → video sink
//	recording:  interpipesrc → x264enc → h264parse → qtmux → filesink   (one per session)
//
// The recording branch listens to the same interpipesink as the display, so
// it can be attached and detached while the live pipelines keep playing.
package graph

import (
	"errors"
	"fmt"
	"strings"
)

// Element and pipeline names shared between the descriptions and the engine.
const (
	// InferenceElement is the name of the inferencebin element whose
	// "new-inference-string" signal carries the metadata payloads.
	InferenceElement = "net"

	// InferenceSink is the interpipesink every consumer listens to.
	InferenceSink = "inference_src"

	// DisplaySource is the display pipeline's interpipesrc.
	DisplaySource = "display_sink"

	// RecordSource is the recording branch's interpipesrc.
	RecordSource = "record_sink"

	// VideoSink is the name given to the display video sink.
	VideoSink = "videosink"
)

// InferenceSignal is the signal emitted by [InferenceElement] with one JSON
// metadata document per processed frame.
const InferenceSignal = "new-inference-string"

// Live describes the inputs of the always-on pipelines.
type Live struct {
	CameraDevice  string
	Arch          string
	Backend       string
	ModelLocation string

	// Labels is the ';'-terminated label list for the inference element.
	Labels string

	// VideoSink is the display sink element factory (e.g. autovideosink).
	VideoSink string

	// Width and Height of the frames fed to the model. Zero selects 640x480.
	Width  int
	Height int
}

// Validate reports missing required fields.
func (l Live) Validate() error {
	var errs []error
	if l.CameraDevice == "" {
		errs = append(errs, errors.New("graph: camera device is required"))
	}
	if l.Arch == "" {
		errs = append(errs, errors.New("graph: arch is required"))
	}
	if l.Backend == "" {
		errs = append(errs, errors.New("graph: backend is required"))
	}
	if l.ModelLocation == "" {
		errs = append(errs, errors.New("graph: model location is required"))
	}
	if l.VideoSink == "" {
		errs = append(errs, errors.New("graph: video sink is required"))
	}
	return errors.Join(errs...)
}

// Inference returns the launch description of the capture and inference
// pipeline.
func (l Live) Inference() string {
	w, h := l.Width, l.Height
	if w <= 0 || h <= 0 {
		w, h = 640, 480
	}
	return join(
		fmt.Sprintf("v4l2src device=%s", quote(l.CameraDevice)),
		"videoscale",
		"videoconvert",
		fmt.Sprintf("video/x-raw,width=%d,height=%d,format=I420", w, h),
		"videoconvert",
		fmt.Sprintf("inferencebin arch=%s backend=%s model-location=%s labels=%s overlay=true name=%s",
			l.Arch, l.Backend, quote(l.ModelLocation), quote(l.Labels), InferenceElement),
		"videoconvert",
		fmt.Sprintf("interpipesink forward-events=true forward-eos=true name=%s sync=false", InferenceSink),
	)
}

// Display returns the launch description of the display pipeline.
func (l Live) Display() string {
	return join(
		fmt.Sprintf("interpipesrc name=%s listen-to=%s", DisplaySource, InferenceSink),
		"videoconvert",
		fmt.Sprintf("%s name=%s sync=false", l.VideoSink, VideoSink),
	)
}

// Recording returns the launch description of a recording branch writing an
// H.264 MP4 file to location.
func Recording(location string) string {
	return join(
		fmt.Sprintf("interpipesrc name=%s listen-to=%s format=3", RecordSource, InferenceSink),
		"videoconvert",
		"x264enc tune=zerolatency speed-preset=ultrafast",
		"h264parse",
		"qtmux",
		fmt.Sprintf("filesink location=%s sync=false", quote(location)),
	)
}

func join(elems ...string) string {
	return strings.Join(elems, " ! ")
}

// quote wraps v in double quotes when it contains characters the launch
// syntax would otherwise split on.
func quote(v string) string {
	if v != "" && !strings.ContainsAny(v, " \t!;\"'=,") {
		return v
	}
	return `"` + strings.ReplaceAll(v, `"`, `\"`) + `"`
}
