package poller

import (
	"errors"
	"time"
)

// ErrNoSample marks the placeholder shown before the first read completes.
var ErrNoSample = errors.New("no sample yet")

const startingDisplay = "Starting"

// Sample is one value or error for a tag. Display is what a UI shows: the
// formatted value, or the error text in its place.
type Sample struct {
	Tag     string
	Raw     float32
	Value   float64
	Display string
	Err     error
	Time    time.Time
}

// StartingSample is the state of a tag before any read finished.
func StartingSample(tag string) Sample {
	return Sample{Tag: tag, Display: startingDisplay, Err: ErrNoSample}
}

// OK reports whether the sample carries a value.
func (s Sample) OK() bool {
	return s.Err == nil
}

func (s Sample) String() string {
	return s.Display
}

func errorSample(tag string, err error, now time.Time) Sample {
	return Sample{Tag: tag, Display: err.Error(), Err: err, Time: now}
}
