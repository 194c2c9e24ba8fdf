package graph_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/ivrec/pkg/media/graph"
)

func testLive() graph.Live {
	return graph.Live{
		CameraDevice:  "/dev/video0",
		Arch:          "mobilenetv2",
		Backend:       "coral",
		ModelLocation: "/models/ssd.tflite",
		Labels:        "background;person;bicycle;",
		VideoSink:     "autovideosink",
	}
}

func TestLive_Inference(t *testing.T) {
	t.Parallel()

	got := testLive().Inference()
	want := `v4l2src device=/dev/video0 ! videoscale ! videoconvert ! ` +
		`video/x-raw,width=640,height=480,format=I420 ! videoconvert ! ` +
		`inferencebin arch=mobilenetv2 backend=coral model-location=/models/ssd.tflite ` +
		`labels="background;person;bicycle;" overlay=true name=net ! videoconvert ! ` +
		`interpipesink forward-events=true forward-eos=true name=inference_src sync=false`
	if got != want {
		t.Errorf("Inference() =\n%s\nwant\n%s", got, want)
	}
}

func TestLive_InferenceCustomSize(t *testing.T) {
	t.Parallel()

	l := testLive()
	l.Width, l.Height = 300, 300
	if got := l.Inference(); !strings.Contains(got, "width=300,height=300") {
		t.Errorf("Inference() = %q, want 300x300 caps", got)
	}
}

func TestLive_Display(t *testing.T) {
	t.Parallel()

	got := testLive().Display()
	want := "interpipesrc name=display_sink listen-to=inference_src ! videoconvert ! autovideosink name=videosink sync=false"
	if got != want {
		t.Errorf("Display() = %q, want %q", got, want)
	}
}

func TestRecording(t *testing.T) {
	t.Parallel()

	tests := []struct {
		location string
		wantSink string
	}{
		{"/rec/a.mp4", "filesink location=/rec/a.mp4 sync=false"},
		{"/my recs/a.mp4", `filesink location="/my recs/a.mp4" sync=false`},
	}
	for _, tc := range tests {
		got := graph.Recording(tc.location)
		if !strings.HasPrefix(got, "interpipesrc name=record_sink listen-to=inference_src format=3 ! ") {
			t.Errorf("Recording(%q) has wrong source: %q", tc.location, got)
		}
		if !strings.Contains(got, "x264enc tune=zerolatency speed-preset=ultrafast ! h264parse ! qtmux") {
			t.Errorf("Recording(%q) has wrong encoder chain: %q", tc.location, got)
		}
		if !strings.HasSuffix(got, tc.wantSink) {
			t.Errorf("Recording(%q) = %q, want suffix %q", tc.location, got, tc.wantSink)
		}
	}
}

func TestLive_Validate(t *testing.T) {
	t.Parallel()

	if err := testLive().Validate(); err != nil {
		t.Fatalf("Validate() on complete config: %v", err)
	}

	err := graph.Live{}.Validate()
	if err == nil {
		t.Fatal("Validate() on empty config: want error")
	}
	for _, field := range []string{"camera device", "arch", "backend", "model location", "video sink"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("Validate() error %q does not mention %q", err, field)
		}
	}
}
