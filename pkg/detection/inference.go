package detection

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// inferenceMeta mirrors the parts of the inference metadata JSON that carry
// class predictions. Detection models report one prediction per detected
// object, each with its top class first; classification models report
// classes at the top level.
type inferenceMeta struct {
	Classes     []inferenceClass      `json:"classes"`
	Predictions []inferencePrediction `json:"predictions"`
}

type inferencePrediction struct {
	Classes []inferenceClass `json:"classes"`
}

type inferenceClass struct {
	Class       flexClass       `json:"Class"`
	Probability flexProbability `json:"Probability"`
}

// ParseInference decodes an inference metadata payload into a [Result].
//
// Candidates from per-object predictions come first (top class of each
// object), followed by top-level classification classes. Probabilities may be
// JSON numbers or strings using either '.' or ',' as decimal separator.
//
// Any decoding failure wraps [ErrMalformedDetection]. A payload that decodes
// but carries no candidates returns an empty Result and no error; [Classify]
// is responsible for rejecting it.
func ParseInference(payload []byte, at time.Time) (Result, error) {
	var meta inferenceMeta
	if err := json.Unmarshal(payload, &meta); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformedDetection, err)
	}

	res := Result{At: at}
	for _, p := range meta.Predictions {
		if len(p.Classes) == 0 {
			continue
		}
		top := p.Classes[0]
		res.Candidates = append(res.Candidates, Candidate{
			Class:       ClassID(top.Class),
			Probability: float64(top.Probability),
		})
	}
	for _, c := range meta.Classes {
		res.Candidates = append(res.Candidates, Candidate{
			Class:       ClassID(c.Class),
			Probability: float64(c.Probability),
		})
	}
	return res, nil
}

// ParseProbability parses a probability written with either '.' or ',' as the
// decimal separator and checks that it lies in [0, 1].
func ParseProbability(s string) (float64, error) {
	s = strings.TrimSpace(s)
	v, err := strconv.ParseFloat(strings.Replace(s, ",", ".", 1), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: probability %q is not a number", ErrMalformedDetection, s)
	}
	if err := checkProbability(v); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedDetection, err)
	}
	return v, nil
}

// flexProbability accepts a JSON number or a locale-formatted string.
type flexProbability float64

func (p *flexProbability) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v, err := ParseProbability(s)
		if err != nil {
			return err
		}
		*p = flexProbability(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("probability: %w", err)
	}
	if err := checkProbability(v); err != nil {
		return err
	}
	*p = flexProbability(v)
	return nil
}

// flexClass accepts a class id as a JSON number or a numeric string.
type flexClass int

func (c *flexClass) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return fmt.Errorf("class %q is not an integer", s)
		}
		*c = flexClass(v)
		return nil
	}
	var v int
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("class: %w", err)
	}
	*c = flexClass(v)
	return nil
}
