package metrics

import "testing"

func TestCollectorSettersDoNotPanic(t *testing.T) {
	c := New(nil)
	c.SetQueueDepth(5)
	c.SetStorage(3, 1024)
	c.SetElderCount(7)
	c.SetDysfunctionalCount(1)
	c.IncReplicationOp()
	c.IncAERetry()
	c.IncAERedirect()
	c.recordRuntimeStats()
}
