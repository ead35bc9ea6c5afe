package repository

import (
	"log/slog"
	"time"
)

// Status is the outcome of a single mirror cycle.
type Status int

const (
	// Synced means every branch head was pushed to the mirror.
	Synced Status = iota
	// Skipped means there was nothing to push.
	Skipped
	// Failed means the cycle was aborted. The mirror may be partially
	// updated and will be repaired by the next successful cycle.
	Failed
)

func (s Status) String() string {
	switch s {
	case Synced:
		return "synced"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is the outcome of one mirror cycle for one repository.
type Result struct {
	Name   string
	Source string
	Mirror string
	Status Status
	// Refs are the branch heads pushed to the mirror
	Refs []string
	// Reason is set for skipped results
	Reason string
	// Err is set for failed results
	Err      error
	Duration time.Duration
}

// Skip returns a skipped result for the given target.
func Skip(name, source, mirror, reason string) Result {
	return Result{Name: name, Source: source, Mirror: mirror, Status: Skipped, Reason: reason}
}

// Fail returns a failed result for the given target.
func Fail(name, source, mirror string, err error) Result {
	return Result{Name: name, Source: source, Mirror: mirror, Status: Failed, Err: err}
}

// LogValue implements slog.LogValuer.
func (r Result) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("status", r.Status.String()),
		slog.Duration("time", r.Duration),
	}
	switch r.Status {
	case Synced:
		attrs = append(attrs, slog.Any("refs", r.Refs))
	case Skipped:
		attrs = append(attrs, slog.String("reason", r.Reason))
	case Failed:
		attrs = append(attrs, slog.Any("err", r.Err))
	}
	return slog.GroupValue(attrs...)
}
