package processes

import (
	"context"
	"time"

	"github.com/rgesrger/jdmodeltests/junctiond/history"
)

type exitNotice struct {
	name   string
	pid    int
	status ExitStatus
}

// monitorLoop polls every live instance until Close.
func (o *Orchestrator) monitorLoop() {
	defer o.wg.Done()
	o.logger.Info("Lifecycle monitor started.", "interval", o.monitorInterval)

	ticker := time.NewTicker(o.monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopChan:
			o.logger.Info("Lifecycle monitor stopping.")
			return
		case <-ticker.C:
			o.sweep()
		}
	}
}

// sweep flips exited instances to not running. Entries are never deleted
// here; their exit is kept until Remove.
func (o *Orchestrator) sweep() {
	var notices []exitNotice

	o.mu.Lock()
	for _, inst := range o.table {
		if !inst.running {
			continue
		}
		if status, exited := inst.handle.TryWait(); exited {
			notices = append(notices, o.markExitedLocked(inst, status))
		}
	}
	running, exited := o.countsLocked()
	o.mu.Unlock()

	o.publishExits(notices)
	o.metrics.setInstances(running, exited)
}

// markExitedLocked records the terminal state of inst. It must only be
// called while inst.running is true, so each exit is reported once.
func (o *Orchestrator) markExitedLocked(inst *instance, status ExitStatus) exitNotice {
	if status.ExitedAt.IsZero() {
		status.ExitedAt = time.Now()
	}
	inst.running = false
	inst.exit = status
	return exitNotice{name: inst.spec.Name, pid: inst.pid, status: status}
}

func (o *Orchestrator) publishExits(notices []exitNotice) {
	for _, n := range notices {
		attrs := []any{"instance", n.name, "pid", n.pid, "exit_code", n.status.Code}
		if n.status.Signal != "" {
			attrs = append(attrs, "signal", n.status.Signal)
		}
		if n.status.Err != nil {
			attrs = append(attrs, "error", n.status.Err)
		}
		o.logger.Info("Instance exited", attrs...)

		o.record(context.Background(), history.NewEvent(history.EventExit, n.name, n.pid).
			WithExitCode(n.status.Code).
			WithDetail(n.status.Signal))
	}
	o.metrics.exited(len(notices))
}
