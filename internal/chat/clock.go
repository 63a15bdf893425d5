package chat

import "time"

// Task is a cancellable scheduled callback.
type Task interface {
	// Stop prevents the callback from running. It reports false if the callback already ran or was stopped.
	Stop() bool
}

// Clock schedules callbacks. Sessions use it for the reconnect delay and the Thinking animation so
// that tests can drive time by hand.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Task
}

type systemClock struct{}

func (systemClock) AfterFunc(d time.Duration, f func()) Task {
	return time.AfterFunc(d, f)
}

// SystemClock is the wall-clock implementation backed by time.AfterFunc.
var SystemClock Clock = systemClock{}

// scheduled tracks at most one pending task and stops it on replacement or cancel.
type scheduled struct {
	task Task
}

func (s *scheduled) set(t Task) {
	s.cancel()
	s.task = t
}

func (s *scheduled) cancel() {
	if s.task != nil {
		s.task.Stop()
		s.task = nil
	}
}

func (s *scheduled) pending() bool {
	return s.task != nil
}
