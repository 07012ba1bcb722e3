package main

import (
	"sync/atomic"
	"time"
)

// maxDelay is the largest lag, in nanoseconds, between now and the newest
// datapoint of any metric fetched since the last reset.
var maxDelay int64 = 0

// updateMaxDelay records how stale the newest of ts is.
func updateMaxDelay(now time.Time, ts []time.Time) {
	var newest time.Time
	for _, t := range ts {
		if t.After(newest) {
			newest = t
		}
	}
	if newest.IsZero() {
		return
	}
	lag := int64(now.Sub(newest))
	for {
		cur := atomic.LoadInt64(&maxDelay)
		if lag <= cur || atomic.CompareAndSwapInt64(&maxDelay, cur, lag) {
			return
		}
	}
}

func isRecent(now, t time.Time, allowedDelay time.Duration) bool {
	return now.Sub(t) <= allowedDelay
}

func logMaxDelayThenReset() {
	lg.GaugeFloat("max-datapoint-delay", time.Duration(atomic.SwapInt64(&maxDelay, 0)).Seconds())
}
