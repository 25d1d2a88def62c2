package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/bnema/caravel/internal/usecase/progress"
)

// watchJob prints stage transitions for a running job until done is closed.
func watchJob(tracker *progress.Tracker, container string, done <-chan struct{}) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	lastStage := ""
	lastPercent := -1
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			entry, ok := tracker.Get(container)
			if !ok || entry.Terminal {
				continue
			}
			if entry.Stage == lastStage && entry.Percent == lastPercent {
				continue
			}
			lastStage, lastPercent = entry.Stage, entry.Percent
			color.Cyan("  [%3d%%] %s: %s", entry.Percent, entry.Stage, entry.Message)
		}
	}
}

// cancelOnInterrupt requests cooperative cancellation of the container's job
// on SIGINT/SIGTERM. The pipeline keeps its own context so an interrupt never
// kills a runtime call mid-flight; it stops at the next checkpoint instead.
// The returned stop func must be deferred.
func cancelOnInterrupt(ctx context.Context, tracker *progress.Tracker, container string) func() {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCtx.Done()
		tracker.Cancel(container)
	}()
	return stop
}
