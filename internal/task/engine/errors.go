package engine

import (
	"errors"
	"fmt"
	"time"

	"comparium/internal/maint"
)

var (
	ErrDisabled    = errors.New("task engine disabled")
	ErrStopped     = errors.New("task engine stopped")
	ErrStopping    = errors.New("task engine stopping")
	ErrQueueFull   = errors.New("task engine queue full")
	ErrOverlapSkip = errors.New("task skipped: previous run still pending")
)

// taskError carries retry advice from a task back to the worker.
type taskError struct {
	err       error
	permanent bool
	wait      time.Duration // 0 means use the backoff curve
}

func (e *taskError) Error() string {
	switch {
	case e.permanent:
		return "permanent: " + e.err.Error()
	case e.wait > 0:
		return fmt.Sprintf("retry in %s: %v", e.wait, e.err)
	}
	return e.err.Error()
}

func (e *taskError) Unwrap() error { return e.err }

// Permanent stops the attempt loop after this failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &taskError{err: err, permanent: true}
}

// RetryIn asks for the next attempt after d instead of the backoff curve. The
// worker still caps it at RetryMaxDelay and adds jitter.
func RetryIn(err error, d time.Duration) error {
	if err == nil {
		return nil
	}
	return &taskError{err: err, wait: max(d, 0)}
}

// IsPermanent reports whether retrying err is pointless. Configuration and
// validation failures count even without Permanent.
func IsPermanent(err error) bool {
	var te *taskError
	if errors.As(err, &te) && te.permanent {
		return true
	}
	return errors.Is(err, maint.ErrConfiguration) || errors.Is(err, maint.ErrValidation)
}

func retryHint(err error) (time.Duration, bool) {
	var te *taskError
	if errors.As(err, &te) && te.wait > 0 {
		return te.wait, true
	}
	return 0, false
}

// cause strips the retry advice for history and events.
func cause(err error) error {
	var te *taskError
	if errors.As(err, &te) {
		return te.err
	}
	return err
}
