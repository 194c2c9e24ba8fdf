package detection

import (
	"fmt"
	"math"
)

// Threshold is the minimum probability required for a watched class.
type Threshold struct {
	Class          ClassID
	MinProbability float64
}

// WatchList is the ordered set of watched classes and their thresholds.
// Each class appears exactly once. A WatchList is immutable after
// construction; the zero value watches nothing.
type WatchList struct {
	entries []Threshold
	index   map[ClassID]float64
}

// NewWatchList builds a [WatchList] from entries, preserving their order.
// It fails on duplicate classes and on thresholds outside [0, 1].
func NewWatchList(entries ...Threshold) (WatchList, error) {
	wl := WatchList{
		entries: make([]Threshold, 0, len(entries)),
		index:   make(map[ClassID]float64, len(entries)),
	}
	for i, e := range entries {
		if math.IsNaN(e.MinProbability) || e.MinProbability < 0 || e.MinProbability > 1 {
			return WatchList{}, fmt.Errorf("detection: watch list entry %d: min probability %v is outside [0, 1]", i, e.MinProbability)
		}
		if _, dup := wl.index[e.Class]; dup {
			return WatchList{}, fmt.Errorf("detection: watch list entry %d: class %d listed more than once", i, e.Class)
		}
		wl.index[e.Class] = e.MinProbability
		wl.entries = append(wl.entries, e)
	}
	return wl, nil
}

// WatchListFromLists pairs classes[i] with minProbabilities[i]. The two
// slices must have the same length.
func WatchListFromLists(classes []ClassID, minProbabilities []float64) (WatchList, error) {
	if len(classes) != len(minProbabilities) {
		return WatchList{}, fmt.Errorf("detection: %d class ids but %d min probabilities", len(classes), len(minProbabilities))
	}
	entries := make([]Threshold, len(classes))
	for i := range classes {
		entries[i] = Threshold{Class: classes[i], MinProbability: minProbabilities[i]}
	}
	return NewWatchList(entries...)
}

// Threshold returns the minimum probability configured for class.
func (w WatchList) Threshold(class ClassID) (float64, bool) {
	threshold, ok := w.index[class]
	return threshold, ok
}

// Len returns the number of watched classes.
func (w WatchList) Len() int { return len(w.entries) }

// Entries returns a copy of the watch list in configuration order.
func (w WatchList) Entries() []Threshold {
	out := make([]Threshold, len(w.entries))
	copy(out, w.entries)
	return out
}
