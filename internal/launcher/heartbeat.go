package launcher

import (
	"context"
	"time"
)

const defaultHeartbeatInterval = 30 * time.Second

// startHeartbeat calls fn every interval until the returned stop function is
// called. stop blocks until the heartbeat goroutine has exited, so no
// heartbeat fires after it returns.
func startHeartbeat(ctx context.Context, interval time.Duration, fn HeartbeatFunc) func() {
	if fn == nil {
		return func() {}
	}
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}

	ctx, cancel := context.WithCancel(ctx)
	t := time.NewTicker(interval)
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				fn(ctx)
			}
		}
	}()

	return func() {
		t.Stop()
		cancel()
		<-stopped
	}
}
