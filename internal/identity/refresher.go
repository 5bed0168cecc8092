package identity

import (
	"context"
	"time"
)

// refresher periodically renews ID tokens for signed-in clients.
type refresher struct {
	fn       func(ctx context.Context)
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// startRefresher calls fn every interval. A zero interval disables it.
func startRefresher(fn func(ctx context.Context), interval time.Duration) *refresher {
	r := &refresher{
		fn:       fn,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if interval > 0 {
		go r.run()
	} else {
		close(r.done)
	}
	return r
}

func (r *refresher) run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	defer close(r.done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-r.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-ticker.C:
			r.fn(ctx)
		case <-r.stop:
			return
		}
	}
}

func (r *refresher) shutdown() {
	close(r.stop)
	<-r.done
}

// dueForRefresh reports whether a token expiring at expiry with lifetime ttl
// has passed half its life.
func dueForRefresh(now, expiry time.Time, ttl time.Duration) bool {
	if expiry.IsZero() {
		return false
	}
	return expiry.Sub(now) < ttl/2
}
