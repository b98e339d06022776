package distributed

import "sync/atomic"

// Counters are process-lifetime outcome counters. They are for
// observability only.
type Counters struct {
	ProactiveReplicationSucceeded  atomic.Int64
	ProactiveReplicationFailed     atomic.Int64
	ProactiveReplicationSkipped    atomic.Int64
	ProactiveReplicationRejected   atomic.Int64
	ProactiveReplicationIterations atomic.Int64
	RejectedPushOlderThanEvicted   atomic.Int64
}

// Snapshot returns the counters keyed by name.
func (c *Counters) Snapshot() map[string]int64 {
	return map[string]int64{
		"ProactiveReplication.Succeeded":   c.ProactiveReplicationSucceeded.Load(),
		"ProactiveReplication.Failed":      c.ProactiveReplicationFailed.Load(),
		"ProactiveReplication.Skipped":     c.ProactiveReplicationSkipped.Load(),
		"ProactiveReplication.Rejected":    c.ProactiveReplicationRejected.Load(),
		"ProactiveReplication.Iterations":  c.ProactiveReplicationIterations.Load(),
		"RejectedPushCopyOlderThanEvicted": c.RejectedPushOlderThanEvicted.Load(),
	}
}
