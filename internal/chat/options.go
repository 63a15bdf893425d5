package chat

import (
	"io"
	"log/slog"
)

type options struct {
	clock    Clock
	recorder Recorder
	logger   *slog.Logger
	onStatus func(Status)
}

// Option customizes a Session or an Assembler.
type Option func(*options)

// WithClock replaces the wall clock used for the reconnect delay and the Thinking animation.
func WithClock(c Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithRecorder sets the Recorder that receives sent and finalized messages.
func WithRecorder(r Recorder) Option {
	return func(o *options) {
		o.recorder = r
	}
}

// WithLogger sets the logger. Without it, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithStatusHandler registers a callback invoked, on the event loop, for every status change in
// addition to Renderer.ShowStatus.
func WithStatusHandler(f func(Status)) Option {
	return func(o *options) {
		o.onStatus = f
	}
}

func buildOptions(opts []Option) options {
	o := options{
		clock:  SystemClock,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
