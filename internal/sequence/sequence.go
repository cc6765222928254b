// Package sequence hands out wrapping integer identifiers per named counter.
//
// Numbers are unique among callers between two rotations but not strictly
// consecutive: when several writers cross the limit together, each may burn
// an increment on either side of the reset.
package sequence

import (
	"context"
	"strings"

	"github.com/go-faster/errors"
	log "github.com/sirupsen/logrus"

	"github.com/ukydev/fleet-assistance/internal/apperr"
	"github.com/ukydev/fleet-assistance/internal/metrics"
)

// Counter is the storage primitive behind a generator. Both operations must be
// atomic in the store; callers never read-modify-write the value themselves.
type Counter interface {
	// Increment adds one to the named counter, creating it at zero first,
	// and returns the new value.
	Increment(ctx context.Context, name string) (int64, error)
	// ResetIfAbove sets the counter to zero only while it is still above max.
	ResetIfAbove(ctx context.Context, name string, max int64) (bool, error)
}

type Generator struct {
	counter Counter
	metrics *metrics.Recorder
	log     *log.Entry
}

func NewGenerator(counter Counter, rec *metrics.Recorder, logger *log.Entry) *Generator {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Generator{counter: counter, metrics: rec, log: logger}
}

// Next returns the next value of name in [1, max].
func (g *Generator) Next(ctx context.Context, name string, max int64) (int64, error) {
	if strings.TrimSpace(name) == "" || max < 1 {
		return 0, apperr.ErrSequenceInvalid
	}

	id, err := g.counter.Increment(ctx, name)
	if err != nil {
		return 0, errors.Wrapf(err, "increment %s", name)
	}
	if id <= max {
		return id, nil
	}

	reset, err := g.counter.ResetIfAbove(ctx, name, max)
	if err != nil {
		return 0, errors.Wrapf(err, "reset %s", name)
	}
	if reset {
		g.metrics.SequenceRotation(name)
		g.log.WithFields(log.Fields{"counter": name, "max": max}).Info("Sequence rotated")
	}

	id, err = g.counter.Increment(ctx, name)
	if err != nil {
		return 0, errors.Wrapf(err, "increment %s after reset", name)
	}
	if id > max {
		// a burst of writers pushed past max again before this increment landed
		return g.Next(ctx, name, max)
	}
	return id, nil
}
