// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package charmreconciler runs one reconciliation pass per delivered
// event. The pass re-derives the full desired state every time, so the
// worker never needs to know what kind of event woke it.
package charmreconciler

import (
	"context"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/worker/v4/catacomb"
)

var logger = loggo.GetLogger("grafana.charmreconciler")

// Event is a notification from the hosting framework that something may
// have changed. Kind is informational only; every event triggers the
// same full pass.
type Event struct {
	Kind string
}

// WorkerConfig holds the worker's dependencies.
type WorkerConfig struct {
	// Events delivers framework notifications. Closing it stops the
	// worker with an error.
	Events <-chan Event

	// Handle runs one reconciliation pass.
	Handle func(ctx context.Context) error
}

// Validate returns an error if the config is not usable.
func (c WorkerConfig) Validate() error {
	if c.Events == nil {
		return errors.NotValidf("nil Events")
	}
	if c.Handle == nil {
		return errors.NotValidf("nil Handle")
	}
	return nil
}

// Worker consumes events and reconciles. A failed pass is logged and the
// worker keeps running; the next event redrives the whole loop.
type Worker struct {
	catacomb catacomb.Catacomb
	config   WorkerConfig
}

// NewWorker starts a reconciliation worker.
func NewWorker(config WorkerConfig) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	w := &Worker{config: config}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

// Kill implements worker.Worker.
func (w *Worker) Kill() {
	w.catacomb.Kill(nil)
}

// Wait implements worker.Worker.
func (w *Worker) Wait() error {
	return w.catacomb.Wait()
}

func (w *Worker) loop() error {
	ctx, cancel := w.scopedContext()
	defer cancel()

	for {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case event, ok := <-w.config.Events:
			if !ok {
				return errors.New("event stream closed unexpectedly")
			}
			logger.Debugf("reconciling after %q event", event.Kind)
			if err := w.config.Handle(ctx); err != nil {
				logger.Errorf("reconciliation pass failed: %v", err)
			}
		}
	}
}

// scopedContext returns a context that is cancelled when the worker is
// dying.
func (w *Worker) scopedContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-w.catacomb.Dying():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
