// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package litestream reconciles the database replication sidecar. The
// leader serves the database over the replication port; followers stream
// from the address the leader publishes in peer data. Role is
// re-evaluated on every pass, so a unit flips between serving and
// streaming as leadership moves.
package litestream

import (
	"fmt"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	yaml "gopkg.in/yaml.v2"

	"github.com/canonical/grafana-k8s-operator/core/relation"
	"github.com/canonical/grafana-k8s-operator/internal/config"
	"github.com/canonical/grafana-k8s-operator/internal/container"
)

var logger = loggo.GetLogger("grafana.litestream")

// ServiceName is the pebble service name of the sidecar.
const ServiceName = "litestream"

// ReplicationPort is the port the leader serves replication on.
const ReplicationPort = 9876

const (
	configPath = "/etc/litestream.yml"

	// primaryAddressKey is the peer app-data key under which the leader
	// publishes its replication address.
	primaryAddressKey = "replica_primary"
)

// Reconciler drives the sidecar's configuration and service plan.
type Reconciler struct {
	container container.Container
	adapter   *relation.Adapter
	peerID    relation.ID

	// unitAddress resolves this unit's reachable address.
	unitAddress func() (string, error)
}

// NewReconciler returns a sidecar Reconciler. unitAddress resolves the
// unit's own reachable address; the leader publishes it for followers.
func NewReconciler(workload container.Container, adapter *relation.Adapter, peerID relation.ID, unitAddress func() (string, error)) *Reconciler {
	return &Reconciler{
		container:   workload,
		adapter:     adapter,
		peerID:      peerID,
		unitAddress: unitAddress,
	}
}

// Reconcile runs one pass: publish or discover the primary address,
// write the sidecar configuration, and restart the sidecar only when its
// plan or configuration diverged.
func (r *Reconciler) Reconcile(isLeader bool) error {
	if !r.container.CanConnect() {
		logger.Debugf("sidecar container not ready, deferring")
		return nil
	}

	primary, err := r.resolvePrimary(isLeader)
	if err != nil {
		return errors.Trace(err)
	}

	changed, err := r.reconcileConfig(isLeader)
	if err != nil {
		return errors.Trace(err)
	}
	planChanged, err := r.planDiverged(isLeader, primary)
	if err != nil {
		return errors.Trace(err)
	}

	if changed || planChanged {
		r.restart(isLeader, primary)
	}
	return nil
}

// resolvePrimary returns the primary's replication address. The leader
// publishes its own address; followers read whatever the leader last
// published, which may be empty before the first leader pass.
func (r *Reconciler) resolvePrimary(isLeader bool) (string, error) {
	if isLeader {
		addr, err := r.unitAddress()
		if err != nil {
			return "", errors.Annotate(err, "resolving own address")
		}
		if err := r.adapter.SetString(r.peerID, relation.OwnerApplication, primaryAddressKey, addr); err != nil {
			return "", errors.Trace(err)
		}
		return addr, nil
	}
	data := r.adapter.Read(r.peerID, relation.OwnerApplication)
	return data[primaryAddressKey], nil
}

func (r *Reconciler) reconcileConfig(isLeader bool) (bool, error) {
	content, err := generateConfig(isLeader)
	if err != nil {
		return false, errors.Trace(err)
	}

	current, err := r.container.Pull(configPath)
	if err == nil && string(current) == content {
		return false, nil
	}
	if err != nil && !errors.Is(err, errors.NotFound) {
		return false, errors.Annotate(err, "reading sidecar config")
	}
	if err := r.container.Push(configPath, []byte(content)); err != nil {
		return false, errors.Annotate(err, "writing sidecar config")
	}
	return true, nil
}

func (r *Reconciler) planDiverged(isLeader bool, primary string) (bool, error) {
	current, err := r.container.PlanServices()
	if err != nil {
		return false, errors.Trace(err)
	}
	desired := sidecarLayer(isLeader, primary).Services[ServiceName]
	got := current[ServiceName]
	if got.Command != desired.Command || got.Override != desired.Override {
		return true, nil
	}
	if len(got.Environment) != len(desired.Environment) {
		return true, nil
	}
	for k, v := range desired.Environment {
		if got.Environment[k] != v {
			return true, nil
		}
	}
	return false, nil
}

func (r *Reconciler) restart(isLeader bool, primary string) {
	if err := r.container.AddLayer(ServiceName, sidecarLayer(isLeader, primary)); err != nil {
		logger.Errorf("cannot apply sidecar layer: %v", err)
		return
	}
	if err := r.container.Restart(ServiceName); err != nil {
		logger.Errorf("cannot restart replication: %v", err)
		return
	}
	logger.Infof("replication restarted")
}

// generateConfig renders /etc/litestream.yml. The leader serves the
// database; followers add an upstream block pointing at the primary,
// resolved from the environment at sidecar startup.
func generateConfig(isLeader bool) (string, error) {
	db := map[string]interface{}{
		"path": config.DatabasePath,
	}
	if !isLeader {
		db["upstream"] = map[string]interface{}{
			"url": "http://${LITESTREAM_UPSTREAM_URL}",
		}
	}
	doc := map[string]interface{}{
		"addr": fmt.Sprintf(":%d", ReplicationPort),
		"dbs":  []interface{}{db},
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return "", errors.Trace(err)
	}
	return string(out), nil
}

func sidecarLayer(isLeader bool, primary string) container.Layer {
	env := make(map[string]string)
	if isLeader {
		env["LITESTREAM_ADDR"] = fmt.Sprintf("%s:%d", primary, ReplicationPort)
	} else {
		env["LITESTREAM_UPSTREAM_URL"] = fmt.Sprintf("%s:%d", primary, ReplicationPort)
	}
	return container.Layer{
		Summary:     "litestream layer",
		Description: "pebble layer for the replication sidecar",
		Services: map[string]container.ServiceSpec{
			ServiceName: {
				Override:    "replace",
				Summary:     "litestream service",
				Command:     "litestream replicate -config " + configPath,
				Startup:     "enabled",
				Environment: env,
			},
		},
	}
}
