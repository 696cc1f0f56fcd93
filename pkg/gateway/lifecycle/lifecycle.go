// Package lifecycle holds process state shared by the readiness endpoint and the
// upgrade handler.
package lifecycle

import (
	"sync/atomic"
	"time"
)

type Lifecycle struct {
	draining  atomic.Bool
	startedAt time.Time
}

func New() *Lifecycle {
	return &Lifecycle{startedAt: time.Now()}
}

// SetDraining marks the process as shutting down. New connections are
// refused while draining.
func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	l.draining.Store(draining)
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}

// Uptime is the time since New. It is zero for a nil or zero Lifecycle.
func (l *Lifecycle) Uptime() time.Duration {
	if l == nil || l.startedAt.IsZero() {
		return 0
	}
	return time.Since(l.startedAt)
}
