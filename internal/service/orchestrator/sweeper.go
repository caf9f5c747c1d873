package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduleSweep runs Sweep on a cron schedule such as "@every 10m". The
// returned func stops the schedule and waits for a running sweep.
func (s *Service) ScheduleSweep(schedule string, maxAge time.Duration) (func(), error) {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(s.baseCtx, s.cfg.TeardownTimeout)
		defer cancel()
		if n := s.Sweep(ctx, maxAge); n > 0 {
			s.logger.Info("expired runs swept", "count", n, "max_age", maxAge.String())
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule sweep %q: %w", schedule, err)
	}
	c.Start()
	return func() {
		<-c.Stop().Done()
	}, nil
}
