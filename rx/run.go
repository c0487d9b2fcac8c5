package rx

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/romshark/rxpath/hal"
)

// Run services every engine on its own goroutine bound to an OS thread
// until ctx is canceled, then returns context.Canceled. An engine whose
// ring implements hal.Waiter blocks in Wait for up to idle after an empty
// invocation; otherwise it sleeps for idle.
// If a Wait fails, Run stops all engines and returns the error.
func Run(ctx context.Context, idle time.Duration, engines ...*Engine) error {
	if len(engines) == 0 {
		return nil
	}
	if idle <= 0 {
		idle = time.Millisecond
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, e := range engines {
		g.Go(func() error {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()

			w, _ := e.ring.(hal.Waiter)
			idleMS := max(int(idle.Milliseconds()), 1)
			timer := time.NewTimer(idle)
			defer timer.Stop()

			for gctx.Err() == nil {
				if e.Process(e.conf.Quota) > 0 {
					continue
				}
				if w != nil {
					if err := w.Wait(idleMS); err != nil {
						return fmt.Errorf("ring %s: waiting: %w", e.name, err)
					}
					continue
				}
				timer.Reset(idle)
				select {
				case <-gctx.Done():
				case <-timer.C:
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return context.Canceled
}
