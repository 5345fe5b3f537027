// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package grafana reconciles the desired workload state into the running
// container: provisioning files, certificates, configuration and the
// service plan. Every step is written to be re-run any number of times;
// the restart at the end is the only state transition that is coalesced
// across steps.
package grafana

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/retry"

	"github.com/canonical/grafana-k8s-operator/core/dashboard"
	"github.com/canonical/grafana-k8s-operator/core/source"
	"github.com/canonical/grafana-k8s-operator/internal/config"
	"github.com/canonical/grafana-k8s-operator/internal/container"
	"github.com/canonical/grafana-k8s-operator/internal/hash"
)

var logger = loggo.GetLogger("grafana.reconciler")

// WorkloadName is the pebble service name of the workload.
const WorkloadName = "grafana"

const (
	sqliteBinaryPath  = "/usr/local/bin/sqlite3"
	selfDashboardFile = "self_dashboard.json"
	providerFile      = "default.yaml"

	configSlot      = "grafana-config-ini"
	datasourcesSlot = "grafana-datasources"
)

// State is the desired-state snapshot a single reconciliation pass works
// from. It is assembled fresh for every pass; the reconciler itself keeps
// only content digests between passes.
type State struct {
	Config config.Inputs

	// Dashboards are the active rendered dashboards to provision.
	Dashboards []dashboard.Record

	// Sources and SourcesToDelete drive the datasource provisioning
	// file.
	Sources         []source.Record
	SourcesToDelete []string

	// TrustedCA is the concatenated PEM bundle received over the
	// certificate transfer relation, empty when none.
	TrustedCA string

	// ProvisionSelfDashboard is true when this deployment is scraped by
	// a metrics backend it also uses as a datasource.
	ProvisionSelfDashboard bool
}

// ReconcilerConfig holds the reconciler's collaborators.
type ReconcilerConfig struct {
	Container container.Container
	Hashes    *hash.Tracker
	Clock     clock.Clock

	// SelfDashboard is the bundled self-monitoring dashboard JSON.
	SelfDashboard []byte

	// SQLiteBinary reads the statically linked sqlite3 binary shipped
	// alongside the operator, used to flip the database into WAL mode
	// for replication.
	SQLiteBinary func() ([]byte, error)
}

// Validate returns an error if the config is not usable.
func (c ReconcilerConfig) Validate() error {
	if c.Container == nil {
		return errors.NotValidf("nil Container")
	}
	if c.Hashes == nil {
		return errors.NotValidf("nil Hashes")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// Reconciler drives the workload container towards a State.
type Reconciler struct {
	config ReconcilerConfig
}

// NewReconciler returns a Reconciler with the given collaborators.
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Reconciler{config: cfg}, nil
}

// Reconcile runs one pass. Steps run in a fixed order and fail soft:
// a step that cannot complete logs and reports no change, and the next
// pass retries it. The workload is restarted at most once per pass.
func (r *Reconciler) Reconcile(ctx context.Context, st State) error {
	workload := r.config.Container
	if !workload.CanConnect() {
		logger.Debugf("workload container not ready, deferring")
		return nil
	}

	r.reconcileProvisioningDirs()
	// Dashboard files are picked up by the workload's file watcher, so
	// changes to them never require a restart.
	r.reconcileDashboards(st)

	changed := false
	for _, step := range []func(State) bool{
		r.reconcileTLS,
		r.reconcileTrustedCA,
		r.reconcileBaseConfig,
		r.reconcileDatasources,
		r.reconcileDashboardProvider,
		r.reconcilePlan,
	} {
		if step(st) {
			changed = true
		}
	}
	if changed {
		r.restart(ctx, st)
	}
	return nil
}

func (r *Reconciler) reconcileProvisioningDirs() {
	for _, d := range []string{"plugins", "notifiers", "alerting", "dashboards"} {
		dir := path.Join(config.ProvisioningPath, d)
		ok, err := r.config.Container.Exists(dir)
		if err != nil {
			logger.Warningf("cannot check %q: %v", dir, err)
			continue
		}
		if !ok {
			if err := r.config.Container.MakeDir(dir); err != nil {
				logger.Warningf("cannot create %q: %v", dir, err)
			}
		}
	}
}

// reconcileDashboards diffs the dashboards present in the provisioning
// directory against the desired set. File names are content addressed, so
// an updated dashboard appears as one file to write and one to remove.
func (r *Reconciler) reconcileDashboards(st State) {
	workload := r.config.Container

	present, err := workload.List(config.DashboardsDirPath, "juju_*.json")
	if err != nil {
		logger.Warningf("cannot list dashboards: %v", err)
		return
	}
	keep := set.NewStrings()

	for _, d := range st.Dashboards {
		content := []byte(d.RenderedContent)
		name := fmt.Sprintf("juju_%s_%s.json", d.Charm, hash.ShortSum(content))
		keep.Add(name)

		target := path.Join(config.DashboardsDirPath, name)
		if err := workload.Push(target, content); err != nil {
			logger.Warningf("cannot write dashboard %q: %v", name, err)
		}
	}

	for _, name := range present {
		if keep.Contains(name) {
			continue
		}
		target := path.Join(config.DashboardsDirPath, name)
		if err := workload.Remove(target); err != nil {
			logger.Warningf("cannot remove dashboard %q: %v", name, err)
			continue
		}
		logger.Debugf("removed dashboard %q", name)
	}

	r.reconcileSelfDashboard(st)
}

func (r *Reconciler) reconcileSelfDashboard(st State) {
	workload := r.config.Container
	target := path.Join(config.DashboardsDirPath, selfDashboardFile)

	if st.ProvisionSelfDashboard && st.Config.IsLeader {
		if len(r.config.SelfDashboard) == 0 {
			return
		}
		if err := workload.Push(target, r.config.SelfDashboard); err != nil {
			logger.Warningf("cannot provision self-monitoring dashboard: %v", err)
		}
		return
	}
	if !st.ProvisionSelfDashboard {
		ok, err := workload.Exists(target)
		if err != nil || !ok {
			return
		}
		if err := workload.Remove(target); err != nil {
			logger.Warningf("cannot remove self-monitoring dashboard: %v", err)
		}
	}
}

// reconcileTLS pushes or removes the server certificate material. The
// system CA bundle is refreshed only when something actually changed.
func (r *Reconciler) reconcileTLS(st State) bool {
	var cert, key, ca string
	if st.Config.TLS != nil {
		cert = st.Config.TLS.Certificate
		key = st.Config.TLS.Key
		ca = st.Config.TLS.CA
	}

	changed := false
	for _, pair := range []struct {
		content string
		path    string
	}{
		{cert, config.CertPath},
		{key, config.KeyPath},
		{ca, config.CACertPath},
	} {
		if r.syncFile(pair.path, pair.content) {
			changed = true
		}
	}
	if changed {
		r.refreshCACertificates()
	}
	return changed
}

func (r *Reconciler) reconcileTrustedCA(st State) bool {
	changed := r.syncFile(config.TrustedCACertPath, st.TrustedCA)
	if changed {
		r.refreshCACertificates()
	}
	return changed
}

// syncFile makes the file at path hold content, removing it when content
// is empty. It reports whether anything changed on disk.
func (r *Reconciler) syncFile(target, content string) bool {
	workload := r.config.Container

	if content == "" {
		ok, err := workload.Exists(target)
		if err != nil {
			logger.Warningf("cannot check %q: %v", target, err)
			return false
		}
		if !ok {
			return false
		}
		if err := workload.Remove(target); err != nil {
			logger.Warningf("cannot remove %q: %v", target, err)
			return false
		}
		return true
	}

	current, err := workload.Pull(target)
	if err == nil && string(current) == content {
		return false
	}
	if err != nil && !errors.Is(err, errors.NotFound) {
		logger.Warningf("cannot read %q: %v", target, err)
		return false
	}
	if err := workload.Push(target, []byte(content)); err != nil {
		logger.Warningf("cannot write %q: %v", target, err)
		return false
	}
	return true
}

func (r *Reconciler) refreshCACertificates() {
	if _, err := r.config.Container.Exec([]string{"update-ca-certificates", "--fresh"}); err != nil {
		logger.Warningf("cannot refresh CA certificates: %v", err)
	}
}

func (r *Reconciler) reconcileBaseConfig(st State) bool {
	content, err := config.GenerateGrafanaINI(st.Config)
	if err != nil {
		logger.Errorf("cannot generate base configuration: %v", err)
		return false
	}
	return r.pushTracked(configSlot, config.ConfigPath, []byte(content))
}

// reconcileDatasources writes the datasource provisioning file on every
// unit, but only the leader reports a change: followers receive the
// resulting state through database replication and must not restart for
// it.
func (r *Reconciler) reconcileDatasources(st State) bool {
	content, err := config.GenerateDatasourcesYAML(
		st.Sources, st.SourcesToDelete, st.Config.Options.DatasourceQueryTimeout)
	if err != nil {
		logger.Errorf("cannot generate datasource configuration: %v", err)
		return false
	}
	changed := r.pushTracked(datasourcesSlot, config.DatasourcesPath, []byte(content))
	return changed && st.Config.IsLeader
}

// DatasourcesApplied reports whether the datasource provisioning file
// last confirmed on the workload matches the given state, deletion
// directives included. The caller must not acknowledge pending deletions
// until it does; a failed push leaves the confirmed digest behind the
// desired content and the next pass re-emits the directives.
func (r *Reconciler) DatasourcesApplied(st State) bool {
	content, err := config.GenerateDatasourcesYAML(
		st.Sources, st.SourcesToDelete, st.Config.Options.DatasourceQueryTimeout)
	if err != nil {
		return false
	}
	return r.config.Hashes.Matches(datasourcesSlot, []byte(content))
}

// pushTracked writes content to target only when its digest differs from
// the last confirmed write. The digest is confirmed only after the push
// succeeds, so a failed push is retried on the next pass.
func (r *Reconciler) pushTracked(slot, target string, content []byte) bool {
	tracker := r.config.Hashes
	tracker.SeedFrom(slot, func() ([]byte, error) {
		return r.config.Container.Pull(target)
	})
	if !tracker.HasChanged(slot, content) {
		return false
	}
	if err := r.config.Container.Push(target, content); err != nil {
		logger.Errorf("cannot push %q: %v", target, err)
		return false
	}
	tracker.Confirm(slot, content)
	logger.Infof("updated %q", target)
	return true
}

func (r *Reconciler) reconcileDashboardProvider(st State) bool {
	target := path.Join(config.DashboardsDirPath, providerFile)
	ok, err := r.config.Container.Exists(target)
	if err != nil {
		logger.Warningf("cannot check dashboard provider config: %v", err)
		return false
	}
	if ok {
		return false
	}
	content, err := config.GenerateDashboardProviderYAML(config.DashboardsDirPath)
	if err != nil {
		logger.Errorf("cannot generate dashboard provider config: %v", err)
		return false
	}
	if err := r.config.Container.Push(target, []byte(content)); err != nil {
		logger.Warningf("cannot push dashboard provider config: %v", err)
		return false
	}
	return true
}

// reconcilePlan reports whether the desired service definition diverges
// from the current plan.
func (r *Reconciler) reconcilePlan(st State) bool {
	desired := workloadLayer(st.Config)
	current, err := r.config.Container.PlanServices()
	if err != nil {
		logger.Warningf("cannot fetch current plan: %v", err)
		return false
	}
	return !serviceEqual(current[WorkloadName], desired.Services[WorkloadName])
}

// restart applies the desired layer and bounces the workload once. A full
// restart is required; the workload does not reload provisioning files on
// SIGHUP. After the restart the database is nudged into WAL journal mode
// so the replication sidecar can stream it.
func (r *Reconciler) restart(ctx context.Context, st State) {
	workload := r.config.Container

	if err := workload.AddLayer(WorkloadName, workloadLayer(st.Config)); err != nil {
		logger.Errorf("cannot apply workload layer: %v", err)
		return
	}
	if err := workload.Restart(WorkloadName); err != nil {
		logger.Errorf("cannot restart workload: %v", err)
		return
	}
	logger.Infof("restarted %s", WorkloadName)

	if err := r.waitReady(ctx); err != nil {
		logger.Warningf("workload not reachable after restart: %v", err)
		return
	}
	r.ensureWALMode()
}

func (r *Reconciler) waitReady(ctx context.Context) error {
	return retry.Call(retry.CallArgs{
		Func: func() error {
			if r.config.Container.CanConnect() {
				return nil
			}
			return errors.New("workload container not reachable")
		},
		Attempts: 20,
		Delay:    100 * time.Millisecond,
		Clock:    r.config.Clock,
		Stop:     ctx.Done(),
	})
}

func (r *Reconciler) ensureWALMode() {
	workload := r.config.Container

	if r.config.SQLiteBinary != nil {
		binary, err := r.config.SQLiteBinary()
		if err != nil {
			logger.Warningf("cannot read sqlite binary: %v", err)
			return
		}
		if err := workload.Push(sqliteBinaryPath, binary); err != nil {
			logger.Warningf("cannot push sqlite binary: %v", err)
			return
		}
		if _, err := workload.Exec([]string{"chmod", "0755", sqliteBinaryPath}); err != nil {
			logger.Warningf("cannot mark sqlite binary executable: %v", err)
			return
		}
	}

	// On initial startup the workload holds a lock while populating the
	// database and the pragma fails with a busy error. Harmless; a later
	// pass gets it.
	_, err := workload.Exec([]string{sqliteBinaryPath, config.DatabasePath, "pragma journal_mode=wal;"})
	if err != nil {
		logger.Debugf("cannot apply journal_mode pragma: %v", err)
	}
}

// workloadLayer builds the pebble layer for the workload service from the
// generated environment.
func workloadLayer(in config.Inputs) container.Layer {
	return container.Layer{
		Summary:     "grafana layer",
		Description: "pebble layer for the grafana workload",
		Services: map[string]container.ServiceSpec{
			WorkloadName: {
				Override:    "replace",
				Summary:     "grafana service",
				Command:     fmt.Sprintf("grafana-server -config %s", config.ConfigPath),
				Startup:     "enabled",
				Environment: config.GenerateEnvironment(in),
			},
		},
	}
}

func serviceEqual(a, b container.ServiceSpec) bool {
	if a.Command != b.Command || a.Override != b.Override || a.Startup != b.Startup {
		return false
	}
	if len(a.Environment) != len(b.Environment) {
		return false
	}
	for k, v := range a.Environment {
		if b.Environment[k] != v {
			return false
		}
	}
	return true
}
