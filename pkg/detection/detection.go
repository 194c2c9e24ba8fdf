// Package detection turns raw inference output into recording verdicts.
//
// A [Result] is one inference outcome for a single processed frame. It is
// matched against a [WatchList] by [Classify], which reports a [Verdict]: a
// frame is interesting when any of its candidates belongs to a watched class
// with a probability at or above that class's threshold.
//
// Everything in this package is pure and safe for concurrent use.
package detection

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrMalformedDetection is returned when a detection payload cannot be
// interpreted: unparsable metadata, a probability outside [0, 1], or a result
// with no candidates at all.
var ErrMalformedDetection = errors.New("detection: malformed detection")

// ErrEmptyDetection is the [ErrMalformedDetection] variant for a result that
// carries no candidates. It matches ErrMalformedDetection under [errors.Is].
var ErrEmptyDetection = fmt.Errorf("%w: no candidates", ErrMalformedDetection)

// ClassID identifies a model output class (the numeric class index emitted by
// the inference element).
type ClassID int

// Candidate is a single (class, probability) pair from one inference.
type Candidate struct {
	Class       ClassID
	Probability float64
}

// Result is one inference outcome for a processed frame.
type Result struct {
	// Candidates is the ordered list of candidates reported by the model.
	Candidates []Candidate

	// At is when the media engine delivered the inference. Zero if unknown.
	At time.Time
}

// Verdict is the classification of a [Result] against a [WatchList].
type Verdict struct {
	// Match is true when at least one candidate crossed its class threshold.
	Match bool

	// Class and Probability describe the first matching candidate. They are
	// zero when Match is false.
	Class       ClassID
	Probability float64
}

// Classify reports whether result contains a candidate whose class is in wl
// and whose probability is at or above the configured threshold.
//
// Every candidate is considered; the first match in candidate order is
// reported in the verdict. An empty result or a probability that is NaN or
// outside [0, 1] yields [ErrMalformedDetection].
func Classify(result Result, wl WatchList) (Verdict, error) {
	if len(result.Candidates) == 0 {
		return Verdict{}, ErrEmptyDetection
	}
	for i, c := range result.Candidates {
		if err := checkProbability(c.Probability); err != nil {
			return Verdict{}, fmt.Errorf("%w: candidate %d: %v", ErrMalformedDetection, i, err)
		}
	}

	for _, c := range result.Candidates {
		threshold, ok := wl.Threshold(c.Class)
		if ok && c.Probability >= threshold {
			return Verdict{Match: true, Class: c.Class, Probability: c.Probability}, nil
		}
	}
	return Verdict{}, nil
}

func checkProbability(p float64) error {
	if math.IsNaN(p) || p < 0 || p > 1 {
		return fmt.Errorf("probability %v is outside [0, 1]", p)
	}
	return nil
}
