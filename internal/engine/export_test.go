package engine

import "time"

// SetClock replaces the orchestrator's time source.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
}
