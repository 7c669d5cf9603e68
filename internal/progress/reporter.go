// Package progress carries transfer progress from the engine to whoever hosts it.
package progress

import (
	"context"
	"fmt"
	"math"
	"runtime/debug"

	"github.com/italolelis/sftp_sync/internal/logctx"
)

// Reporter receives overall progress as a fraction in [0,1] with a short human label.
// Report is called synchronously from the session's control flow.
type Reporter interface {
	Report(fraction float64, label string)
}

// ReporterFunc adapts a plain function to Reporter.
type ReporterFunc func(fraction float64, label string)

func (f ReporterFunc) Report(fraction float64, label string) {
	f(fraction, label)
}

// Nop discards every report.
type Nop struct{}

func (Nop) Report(float64, string) {}

type safeReporter struct {
	ctx   context.Context
	inner Reporter
}

// Safe wraps r so a misbehaving sink can never break a transfer: fractions are clamped to [0,1] and
// panics raised by r are recovered and logged. A nil r yields Nop.
func Safe(ctx context.Context, r Reporter) Reporter {
	if r == nil {
		return Nop{}
	}

	if s, ok := r.(*safeReporter); ok {
		return s
	}

	return &safeReporter{ctx: ctx, inner: r}
}

func (s *safeReporter) Report(fraction float64, label string) {
	defer func() {
		if rec := recover(); rec != nil {
			logctx.LoggerFromContext(s.ctx).WarnContext(s.ctx, "progress reporter failed",
				"label", label,
				"panic", fmt.Sprint(rec),
				"stack", string(debug.Stack()))
		}
	}()

	s.inner.Report(Clamp(fraction), label)
}

// Clamp bounds f to [0,1].
func Clamp(f float64) float64 {
	switch {
	case math.IsNaN(f):
		return 0
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}

// Stage is a window of the overall progress bar owned by one step of a pipeline.
type Stage struct {
	From float64
	To   float64
}

// At maps a stage-local fraction into the overall window.
func (s Stage) At(f float64) float64 {
	return s.From + (s.To-s.From)*Clamp(f)
}
