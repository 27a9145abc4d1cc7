// Package availability decides whether a connection attempt may start,
// based on the upstream service's reported health.
package availability

import (
	"context"
)

// Checker reports the upstream service's health.
type Checker interface {
	Check(ctx context.Context) (Status, error)
}

// Recorder receives the status of every check.
type Recorder interface {
	RecordHealthCheck(status string, err error)
}

// LogWriter provides logging capabilities.
type LogWriter interface {
	Debug(format string, args ...interface{})
	Error(format string, args ...interface{})
}
