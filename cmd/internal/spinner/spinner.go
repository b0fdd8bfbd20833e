// Package spinner renders a single-line progress meter on standard
// error while a long decode runs.
package spinner

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// Option configures the spinner.
type Option func(cfg *config)

// Format sets the line printed on every refresh. The string must
// contain exactly one floating-point verb, which receives the
// sampled progress as a percentage.
func Format(ft string) Option {
	return func(cfg *config) {
		cfg.format = ft
	}
}

// Period sets the delay between refreshes.
func Period(p time.Duration) Option {
	return func(cfg *config) {
		cfg.period = p
	}
}

type config struct {
	period time.Duration
	format string
}

var state struct {
	mu      sync.Mutex
	running bool
	done    chan struct{}
}

// Start launches the global spinner. sample is polled once per
// refresh and must return progress in [0, 1]. The meter writes to
// standard error and erases itself when stopped, so callers should
// start one only when stderr is a terminal.
//
// Only one spinner can run at a time. Start panics if the previous
// one was not stopped.
func Start(sample func() float64, options ...Option) {
	cfg := config{
		period: 250 * time.Millisecond,
		format: "working... %.1f%%",
	}
	for _, opt := range options {
		opt(&cfg)
	}
	state.mu.Lock()
	defer state.mu.Unlock()

	if state.running {
		panic("spinner already running")
	}
	state.running = true
	state.done = make(chan struct{})
	go func() {
		for {
			fmt.Fprintf(os.Stderr, "\r\x1b[2K"+cfg.format, sample()*100)
			select {
			case <-state.done:
				fmt.Fprint(os.Stderr, "\r\x1b[2K")
				close(state.done)
				return
			case <-time.After(cfg.period):
			}
		}
	}()
}

// Stop halts the spinner and erases its line. Stopping a spinner
// that is not running is a no-op.
func Stop() {
	state.mu.Lock()
	if !state.running {
		state.mu.Unlock()
		return
	}
	done := state.done
	state.mu.Unlock()

	done <- struct{}{}
	<-done

	state.mu.Lock()
	state.running = false
	state.mu.Unlock()
}
