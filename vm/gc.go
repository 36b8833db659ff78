package vm

import (
	"time"

	"github.com/tliron/commonlog"

	"github.com/chazu/regvm/object"
)

var gcLog = commonlog.GetLogger("regvm.gc")

// ---------------------------------------------------------------------------
// Collector
// ---------------------------------------------------------------------------

// GCStats describes the most recent collection.
type GCStats struct {
	Collections int
	Roots       int
	Marked      int
	Freed       int
	Duration    time.Duration
	Timestamp   time.Time
}

// GCStats returns the statistics of the last collection.
func (ctx *Context) GCStats() GCStats {
	return ctx.gcStats
}

// GCLock holds off collections until the matching GCUnlock. Locks nest.
func (ctx *Context) GCLock() {
	ctx.gcLockCount++
}

// GCUnlock releases one GCLock. A collection requested while locked stays
// pending until the next Safepoint.
func (ctx *Context) GCUnlock() {
	if ctx.gcLockCount == 0 {
		panic("vm: GCUnlock without GCLock")
	}
	ctx.gcLockCount--
}

// Safepoint collects if enough has been allocated since the last
// collection. Every live value must be reachable from the record chain.
func (ctx *Context) Safepoint() {
	threshold := ctx.config.GCThreshold
	if ctx.gcRequested || (threshold > 0 && ctx.Heap.AllocatedSinceCollection() >= threshold) {
		ctx.Collect()
	}
}

// Collect marks everything reachable from the record chain and the heap's
// own roots, then sweeps the rest.
func (ctx *Context) Collect() GCStats {
	if ctx.gcLockCount > 0 {
		ctx.gcRequested = true
		return ctx.gcStats
	}
	ctx.gcRequested = false

	start := time.Now()
	var roots []object.Value
	ctx.WalkRoots(func(v *object.Value) {
		if v.IsObject() && *v != object.Null {
			roots = append(roots, *v)
		}
	})

	marked := ctx.Heap.Mark(roots)
	freed := ctx.Heap.Sweep()

	ctx.gcStats = GCStats{
		Collections: ctx.gcStats.Collections + 1,
		Roots:       len(roots),
		Marked:      marked,
		Freed:       freed,
		Duration:    time.Since(start),
		Timestamp:   start,
	}
	gcLog.Debug("collection finished",
		"roots", len(roots),
		"marked", marked,
		"freed", freed,
		"duration", ctx.gcStats.Duration.String())
	return ctx.gcStats
}
