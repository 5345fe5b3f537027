// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// grafana-operator is the charm's dispatch entrypoint. The hosting
// framework execs it once per event; it runs a single reconciliation
// pass through the worker and exits.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/juju/clock"
	"github.com/juju/loggo/v2"

	"github.com/canonical/grafana-k8s-operator/internal/charm"
	"github.com/canonical/grafana-k8s-operator/internal/container"
	"github.com/canonical/grafana-k8s-operator/internal/hash"
	"github.com/canonical/grafana-k8s-operator/internal/hooktool"
	"github.com/canonical/grafana-k8s-operator/internal/worker/charmreconciler"
)

var logger = loggo.GetLogger("grafana")

const (
	workloadSocket = "/charm/containers/grafana/pebble.socket"
	sidecarSocket  = "/charm/containers/litestream/pebble.socket"
)

func main() {
	if spec := os.Getenv("GRAFANA_OPERATOR_LOGGING"); spec != "" {
		if err := loggo.ConfigureLoggers(spec); err != nil {
			fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		}
	}
	if err := run(); err != nil {
		logger.Errorf("dispatch failed: %v", err)
		os.Exit(1)
	}
}

func run() error {
	workload, err := container.NewPebble(workloadSocket)
	if err != nil {
		return err
	}
	sidecar, err := container.NewPebble(sidecarSocket)
	if err != nil {
		return err
	}

	backend := hooktool.NewBackend(hooktool.ExecRunner{})
	operator, err := charm.NewCharm(charm.CharmConfig{
		Backend:       backend,
		Workload:      workload,
		Sidecar:       sidecar,
		Hashes:        hash.NewTracker(),
		Clock:         clock.WallClock,
		SelfDashboard: readCharmFile("src/self_dashboard.json"),
		SQLiteBinary: func() ([]byte, error) {
			return os.ReadFile(charmPath("sqlite-static"))
		},
	})
	if err != nil {
		return err
	}

	// One dispatch, one event, one pass.
	events := make(chan charmreconciler.Event, 1)
	events <- charmreconciler.Event{Kind: eventKind()}

	handled := make(chan struct{})
	var passErr error
	w, err := charmreconciler.NewWorker(charmreconciler.WorkerConfig{
		Events: events,
		Handle: func(ctx context.Context) error {
			defer close(handled)
			passErr = operator.HandleEvent(ctx)
			return passErr
		},
	})
	if err != nil {
		return err
	}
	<-handled
	w.Kill()
	if err := w.Wait(); err != nil {
		return err
	}
	return passErr
}

func eventKind() string {
	if hook := os.Getenv("JUJU_HOOK_NAME"); hook != "" {
		return hook
	}
	return filepath.Base(os.Getenv("JUJU_DISPATCH_PATH"))
}

func charmPath(name string) string {
	return filepath.Join(os.Getenv("JUJU_CHARM_DIR"), name)
}

func readCharmFile(name string) []byte {
	content, err := os.ReadFile(charmPath(name))
	if err != nil {
		logger.Debugf("cannot read %q: %v", name, err)
		return nil
	}
	return content
}
