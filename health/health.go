// Package health defines the readiness contract shared by the stores.
package health

import "context"

// ReadinessCheck is implemented by every dependency the service cannot
// run without. IsReady should answer quickly; callers bound it with a
// timeout.
type ReadinessCheck interface {
	IsReady(ctx context.Context) error
	Name() string
}
