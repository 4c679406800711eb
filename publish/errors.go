package publish

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Class splits publish failures into the two things a caller can do about
// them: retry with backoff, or fix the input.
type Class int

const (
	// Fatal failures (bad event, encode failure) will fail identically on
	// every retry.
	Fatal Class = iota
	// Retryable failures come from the transport and may clear on their
	// own (broker unavailable, handoff timeout).
	Retryable
)

func (c Class) String() string {
	if c == Retryable {
		return "retryable"
	}
	return "fatal"
}

// Failure pins one failed event inside a batch to its caller-side index.
type Failure struct {
	Index   int
	EventID string
	Class   Class
	Err     error
}

// Error reports which events of a publish call did not reach the
// transport. Successfully sent events are not listed and must not be
// resubmitted.
type Error struct {
	Failures []Failure
}

func (e *Error) Error() string {
	if len(e.Failures) == 1 {
		f := e.Failures[0]
		return fmt.Sprintf("publish: event %s at index %d failed (%s): %v", f.EventID, f.Index, f.Class, f.Err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "publish: %d events failed:", len(e.Failures))
	for _, f := range e.Failures {
		fmt.Fprintf(&b, " [%d %s %s: %v]", f.Index, f.EventID, f.Class, f.Err)
	}
	return b.String()
}

// FailedIndices returns the caller-side indices of the failed events, in
// ascending order.
func (e *Error) FailedIndices() []int {
	indices := make([]int, 0, len(e.Failures))
	for _, f := range e.Failures {
		indices = append(indices, f.Index)
	}
	return indices
}

// Retryable reports whether every failure in the batch is transient. A
// single fatal failure means blind resubmission of the whole batch would
// fail again.
func (e *Error) Retryable() bool {
	for _, f := range e.Failures {
		if f.Class != Retryable {
			return false
		}
	}
	return len(e.Failures) > 0
}

// classifySendErr buckets a transport error. Sends are transient unless
// the caller itself gave up: a canceled context will cancel the retry too.
func classifySendErr(err error) Class {
	if errors.Is(err, context.Canceled) {
		return Fatal
	}
	return Retryable
}
