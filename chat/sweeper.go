package chat

import (
	"context"
	"time"

	"github.com/golang/glog"
)

// RunSweeper deletes presence entries older than the presence TTL every interval, until ctx
// is done. Presence reads already filter stale entries; the sweep only bounds storage.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration, stopDoneNotifyC chan<- struct{}) {
	glog.Info("sweeper: loop enter")

	ticker := time.NewTicker(interval)
	defer func() {
		ticker.Stop()
		glog.Info("sweeper: loop exit")
		stopDoneNotifyC <- struct{}{}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.sweep(ctx, now)
		}
	}
}

func (s *Service) sweep(ctx context.Context, now time.Time) int {
	start := time.Now()
	n, err := s.store.PrunePresence(ctx, now.Add(-s.presenceTTL))
	if err != nil {
		glog.Errorf("sweeper: prune presence error: %v", err)
		return 0
	}
	s.metrics.swept.Add(float64(n))
	glog.V(5).Infof("sweeper: deleted %d stale presence entries, took %s", n, time.Since(start))
	return n
}
