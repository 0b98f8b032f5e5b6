package mobile

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// ErrCatalogUnavailable is the terminal failure after the gate exhausted its
// attempts waiting for reference data.
var ErrCatalogUnavailable = errors.New("failed to load catalog")

// ErrSuperseded means a newer scan arrived while this one was waiting; the
// stale attempt is dropped instead of resolving against old data.
var ErrSuperseded = errors.New("scan superseded by a newer scan")

const (
	defaultGateInterval = 500 * time.Millisecond
	defaultGateAttempts = 10
)

// Gate defers scan resolution until dependent reference data is ready,
// retrying on a fixed interval with a bounded attempt count (500ms x 10 by
// default, about five seconds of patience).
//
// Every scan takes a generation token before entering the gate; a newer scan
// bumps the generation, so retries scheduled for superseded scans terminate
// with ErrSuperseded rather than firing against stale state. All waits also
// select on the context, so tearing the scanner down cancels pending timers.
type Gate struct {
	interval    time.Duration
	maxAttempts int
	generation  atomic.Uint64
}

func NewGate(interval time.Duration, maxAttempts int) *Gate {
	if interval <= 0 {
		interval = defaultGateInterval
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultGateAttempts
	}
	return &Gate{interval: interval, maxAttempts: maxAttempts}
}

// Next registers a new scan and returns its generation token, superseding
// every scan still waiting in the gate.
func (g *Gate) Next() uint64 {
	return g.generation.Add(1)
}

// Run invokes attempt until it reports done, waiting the gate interval
// between deferred attempts. It stops early when the context is cancelled or
// when gen has been superseded by a newer scan.
func (g *Gate) Run(ctx context.Context, gen uint64, attempt func() (done bool, err error)) error {
	for n := 1; ; n++ {
		if g.generation.Load() != gen {
			return ErrSuperseded
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		done, err := attempt()
		if err != nil || done {
			return err
		}

		if n >= g.maxAttempts {
			return ErrCatalogUnavailable
		}

		timer := time.NewTimer(g.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
