package redisbroker

import (
	"context"
	"time"

	"github.com/UniQw/taskbus/internal/keys"
)

// maintenanceLoop moves due delayed messages back to ready and reclaims
// unacked messages whose consumer deadline passed. Any consuming channel of a
// queue runs one; the scripts make concurrent runners safe.
func (c *Channel) maintenanceLoop(ctx context.Context, q keys.Queue) {
	ticker := time.NewTicker(c.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// drain up to N per tick to avoid long loops
			if n, err := drainScript(ctx, c.rdb, scheduleOneScript, []string{q.Delayed, q.Ready}, 256); err != nil {
				if ctx.Err() == nil {
					c.log.Warnf("redisbroker: scheduler failed queue=%s err=%v", q.Name, err)
				}
			} else if n > 0 {
				c.log.Debugf("redisbroker: scheduler moved=%d queue=%s", n, q.Name)
			}
			if n, err := drainScript(ctx, c.rdb, reclaimOneScript, []string{q.Unacked, q.Ready}, 256); err != nil {
				if ctx.Err() == nil {
					c.log.Warnf("redisbroker: reclaimer failed queue=%s err=%v", q.Name, err)
				}
			} else if n > 0 {
				c.log.Warnf("redisbroker: reclaimed=%d deliveries past consumer timeout queue=%s", n, q.Name)
			}
		}
	}
}
