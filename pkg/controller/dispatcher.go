package controller

import (
	"context"
	"log/slog"
	"sync"
)

// Dispatcher serializes reconcile passes per actor. At most one pass is
// in flight for an actor at a time, and at most one more is queued: a
// newer trigger replaces the queued one, since the newest turns subsume
// the older view of the conversation.
type Dispatcher struct {
	ctrl *Controller

	mu      sync.Mutex
	pending map[string]*Request
	running map[string]bool
	wg      sync.WaitGroup
}

func NewDispatcher(ctrl *Controller) *Dispatcher {
	return &Dispatcher{
		ctrl:    ctrl,
		pending: make(map[string]*Request),
		running: make(map[string]bool),
	}
}

// Enqueue schedules a reconcile. Returns immediately; the pass runs on
// its own goroutine, serialized with other passes for the same actor.
func (d *Dispatcher) Enqueue(ctx context.Context, req Request) {
	actor := req.Key.ActorID

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running[actor] {
		d.pending[actor] = &req
		return
	}
	d.running[actor] = true
	d.wg.Add(1)
	go d.work(ctx, actor, req)
}

func (d *Dispatcher) work(ctx context.Context, actor string, req Request) {
	defer d.wg.Done()
	for {
		res, err := d.ctrl.Reconcile(ctx, req)
		if err != nil {
			slog.Warn("controller: reconcile failed", "actor", actor, "err", err)
		} else if res.Applied > 0 || res.Skipped > 0 {
			slog.Info("controller: reconciled", "actor", actor, "applied", res.Applied, "skipped", res.Skipped)
		}

		d.mu.Lock()
		next, ok := d.pending[actor]
		if !ok {
			d.running[actor] = false
			d.mu.Unlock()
			return
		}
		delete(d.pending, actor)
		d.mu.Unlock()
		req = *next
	}
}

// Wait blocks until all in-flight passes drain. Call on shutdown and in
// tests.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
