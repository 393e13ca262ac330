// Package health runs the store and issuer probes and aggregates them into
// liveness, readiness and detailed reports.
package health

import (
	"context"
	"encoding/json"
	"time"
)

// Status is a check outcome. Higher values are worse.
type Status int

const (
	StatusHealthy Status = iota
	StatusDegraded
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "Healthy"
	case StatusDegraded:
		return "Degraded"
	case StatusUnhealthy:
		return "Unhealthy"
	default:
		return "Unknown"
	}
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s Status) valid() bool {
	return s >= StatusHealthy && s <= StatusUnhealthy
}

// Result is the outcome of one check.
type Result struct {
	Status      Status
	Description string
	Data        map[string]any
	Duration    time.Duration
	Err         error
}

func Healthy(description string, data map[string]any) Result {
	return Result{Status: StatusHealthy, Description: description, Data: data}
}

func Degraded(description string, data map[string]any) Result {
	return Result{Status: StatusDegraded, Description: description, Data: data}
}

func Unhealthy(description string, err error, data map[string]any) Result {
	return Result{Status: StatusUnhealthy, Description: description, Err: err, Data: data}
}

// Checker is a named health probe. Check must honour ctx.
type Checker interface {
	Name() string
	Check(ctx context.Context) Result
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc struct {
	name string
	fn   func(context.Context) Result
}

func NewCheckerFunc(name string, fn func(context.Context) Result) *CheckerFunc {
	return &CheckerFunc{name: name, fn: fn}
}

func (f *CheckerFunc) Name() string { return f.name }

func (f *CheckerFunc) Check(ctx context.Context) Result { return f.fn(ctx) }
