package detection_test

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/MrWong99/ivrec/pkg/detection"
)

const detectionPayload = `{
  "id": 1,
  "enabled": true,
  "classes": [],
  "predictions": [
    {"id": 2, "classes": [{"Id": 10, "Class": 17, "Label": "cat", "Probability": "0,87"}], "predictions": []},
    {"id": 3, "classes": [{"Id": 11, "Class": 15, "Label": "person", "Probability": 0.42}], "predictions": []},
    {"id": 4, "classes": [], "predictions": []}
  ]
}`

const classificationPayload = `{
  "classes": [{"Class": "3", "Probability": "0.5"}, {"Class": 8, "Probability": "1,0"}],
  "predictions": []
}`

func TestParseInference_Detection(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	res, err := detection.ParseInference([]byte(detectionPayload), at)
	if err != nil {
		t.Fatalf("ParseInference: %v", err)
	}
	want := []detection.Candidate{{17, 0.87}, {15, 0.42}}
	if !reflect.DeepEqual(res.Candidates, want) {
		t.Errorf("Candidates = %v, want %v", res.Candidates, want)
	}
	if !res.At.Equal(at) {
		t.Errorf("At = %v, want %v", res.At, at)
	}
}

func TestParseInference_Classification(t *testing.T) {
	t.Parallel()

	res, err := detection.ParseInference([]byte(classificationPayload), time.Time{})
	if err != nil {
		t.Fatalf("ParseInference: %v", err)
	}
	want := []detection.Candidate{{3, 0.5}, {8, 1.0}}
	if !reflect.DeepEqual(res.Candidates, want) {
		t.Errorf("Candidates = %v, want %v", res.Candidates, want)
	}
}

func TestParseInference_EmptyIsNotAnError(t *testing.T) {
	t.Parallel()

	res, err := detection.ParseInference([]byte(`{"classes": [], "predictions": []}`), time.Time{})
	if err != nil {
		t.Fatalf("ParseInference: %v", err)
	}
	if len(res.Candidates) != 0 {
		t.Fatalf("Candidates = %v, want none", res.Candidates)
	}

	wl, _ := detection.NewWatchList(detection.Threshold{Class: 1, MinProbability: 0.1})
	if _, err := detection.Classify(res, wl); !errors.Is(err, detection.ErrEmptyDetection) {
		t.Errorf("Classify(empty) err = %v, want ErrEmptyDetection", err)
	}
}

func TestParseInference_Malformed(t *testing.T) {
	t.Parallel()

	payloads := map[string]string{
		"not json":          `nope`,
		"bad probability":   `{"classes": [{"Class": 1, "Probability": "high"}]}`,
		"probability > 1":   `{"classes": [{"Class": 1, "Probability": "1,5"}]}`,
		"negative number":   `{"classes": [{"Class": 1, "Probability": -0.2}]}`,
		"non-integer class": `{"classes": [{"Class": "cat", "Probability": 0.2}]}`,
	}
	for name, p := range payloads {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := detection.ParseInference([]byte(p), time.Time{})
			if !errors.Is(err, detection.ErrMalformedDetection) {
				t.Errorf("err = %v, want ErrMalformedDetection", err)
			}
		})
	}
}

func TestParseProbability(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    float64
		wantErr bool
	}{
		{"0.75", 0.75, false},
		{"0,75", 0.75, false},
		{" 1 ", 1, false},
		{"0", 0, false},
		{"1,01", 0, true},
		{"", 0, true},
		{"abc", 0, true},
	}
	for _, tc := range tests {
		got, err := detection.ParseProbability(tc.in)
		if tc.wantErr {
			if !errors.Is(err, detection.ErrMalformedDetection) {
				t.Errorf("ParseProbability(%q) err = %v, want ErrMalformedDetection", tc.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseProbability(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseProbability(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
