package logical

import (
	"context"
	"time"

	"github.com/sijms/go-drda/network"
)

// stopWait bounds how long stop waits for a cancel in progress.
var stopWait = 5 * time.Second

// cancelWatcher cancels a running statement when the query timeout passes
// or the context is done. It never returns errors, failures are attached
// to the statement as warnings.
type cancelWatcher struct {
	ps       PhysicalStatement
	done     chan struct{}
	finished chan struct{}
}

func startCancelWatcher(ctx context.Context, ps PhysicalStatement, timeout time.Duration) *cancelWatcher {
	if timeout <= 0 && ctx.Done() == nil {
		return nil
	}
	var timer *time.Timer
	var expired <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		expired = timer.C
	}
	w := &cancelWatcher{
		ps:       ps,
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	go func() {
		defer close(w.finished)
		if timer != nil {
			defer timer.Stop()
		}
		select {
		case <-w.done:
			return
		case <-expired:
		case <-ctx.Done():
		}
		select {
		case <-w.done:
			return
		default:
			if err := ps.Cancel(); err != nil {
				ps.AddWarning(network.NewSqlWarning("statement cancel failed", err))
			}
		}
	}()
	return w
}

func (w *cancelWatcher) stop() {
	if w == nil {
		return
	}
	close(w.done)
	select {
	case <-w.finished:
	case <-time.After(stopWait):
		w.ps.AddWarning(network.NewSqlWarning("cancel task could not be stopped", nil))
	}
}
