package powerctl

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"schedcore/cpumap"
	"schedcore/debug"
)

// Applier installs targets. The scheduler implements it.
type Applier interface {
	UpdatePoweredCores(online, tempDown cpumap.Map) error
	SetPowerRecommended(m cpumap.Map)
	Sleep()
	Wake()
}

// Worker converges the applier to the controller's targets. Kick wakes it
// after a request; Sync applies in the caller's goroutine instead.
type Worker struct {
	ctl *Controller
	app Applier

	kick chan struct{}

	mu      sync.Mutex
	applied uint64
	last    Targets
	started bool
	lastErr error
	notify  chan struct{}
}

// NewWorker ties ctl to app.
func NewWorker(ctl *Controller, app Applier) *Worker {
	return &Worker{ctl: ctl, app: app, kick: make(chan struct{}, 1), notify: make(chan struct{})}
}

// Kick asks the worker to converge. It never blocks.
func (w *Worker) Kick() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// Run converges on every kick until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.kick:
			if err := w.Sync(); err != nil {
				debug.DropError("powerctl", err)
			}
		}
	}
}

// Sync applies the current targets if they changed since the last apply.
func (w *Worker) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	gen := w.ctl.Generation()
	tg := w.ctl.Targets()
	var err error
	if !w.started || tg != w.last {
		err = w.applyLocked(tg)
	}
	if err == nil {
		w.last = tg
		w.started = true
	}
	w.lastErr = err
	if gen > w.applied {
		w.applied = gen
	}
	close(w.notify)
	w.notify = make(chan struct{})
	return err
}

// applyLocked brings cores up before recommending them and withdraws the
// recommendation before powering cores down. Sleep is entered last and
// left first.
func (w *Worker) applyLocked(tg Targets) error {
	if w.started && w.last.Sleeping && !tg.Sleeping {
		w.app.Wake()
	}
	if err := w.app.UpdatePoweredCores(tg.Online, tg.TempDown); err != nil {
		return errors.Wrapf(err, "apply online %s", tg.Online)
	}
	w.app.SetPowerRecommended(tg.Recommended)
	if tg.Sleeping && (!w.started || !w.last.Sleeping) {
		w.app.Sleep()
	}
	debug.NoteFields("powerctl", "power targets applied", logrus.Fields{
		"online":      tg.Online.String(),
		"tempdown":    tg.TempDown.String(),
		"recommended": tg.Recommended.String(),
		"sleeping":    tg.Sleeping,
	})
	return nil
}

// Drain waits until every request made before the call has been applied.
func (w *Worker) Drain(ctx context.Context) error {
	want := w.ctl.Generation()
	for {
		w.mu.Lock()
		if w.applied >= want {
			err := w.lastErr
			w.mu.Unlock()
			return err
		}
		ch := w.notify
		w.mu.Unlock()
		w.Kick()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Applied returns the last targets installed.
func (w *Worker) Applied() Targets {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}
