package coreipc

import (
	"sync"
	"sync/atomic"
	"time"
)

var (
	coarseSeconds   atomic.Int64
	coarseClockOnce sync.Once
)

// coarseUnix returns the Unix time in seconds, refreshed twice a second by
// a ticker started on first use. Socket adapters compare it against the
// last deadline they set so a deadline is refreshed at most every couple of
// seconds instead of once per frame.
func coarseUnix() int64 {
	coarseClockOnce.Do(func() {
		coarseSeconds.Store(time.Now().Unix())
		go func() {
			t := time.NewTicker(500 * time.Millisecond)
			for now := range t.C {
				coarseSeconds.Store(now.Unix())
			}
		}()
	})
	return coarseSeconds.Load()
}
