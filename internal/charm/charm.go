// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package charm is the event-handling boundary. One HandleEvent call runs
// one full reconciliation pass: it re-reads all relation state, updates
// the registries, derives the desired workload state and drives both
// reconcilers. It never branches on what kind of event woke it up.
package charm

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/canonical/grafana-k8s-operator/core/relation"
	"github.com/canonical/grafana-k8s-operator/internal/config"
	"github.com/canonical/grafana-k8s-operator/internal/container"
	"github.com/canonical/grafana-k8s-operator/internal/grafana"
	"github.com/canonical/grafana-k8s-operator/internal/hash"
	"github.com/canonical/grafana-k8s-operator/internal/litestream"
	"github.com/canonical/grafana-k8s-operator/internal/registry"
	"github.com/canonical/grafana-k8s-operator/internal/secretstore"
)

var logger = loggo.GetLogger("grafana.charm")

// Relation endpoint names.
const (
	PeerRelation      = "replicas"
	SourceRelation    = "grafana-source"
	DashboardRelation = "grafana-dashboard"
	DatabaseRelation  = "database"
)

// dashboardsKey is the remote app-data key dashboard submissions arrive
// under; eventKey is where validation feedback is written back.
const (
	dashboardsKey = "dashboards"
	eventKey      = "event"
)

var requiredDatabaseFields = []string{"type", "host", "name", "user", "password"}

// Backend is everything the charm needs from the hosting framework. The
// hook-tool implementation lives in internal/hooktool; tests use a fake.
type Backend interface {
	relation.Bucket

	// IsLeader reports whether this unit leads the application.
	IsLeader() bool

	// GetSecret and CreateSecret back the admin credential store.
	GetSecret(label string) (map[string]string, error)
	CreateSecret(label string, content map[string]string) error

	// PeerRelationID returns the peer relation, false before it exists.
	PeerRelationID() (relation.ID, bool)

	// RelationIDs lists current relations on the named endpoint.
	RelationIDs(name string) []relation.ID

	// RemoteAppName returns the application on the far side of a
	// relation.
	RemoteAppName(id relation.ID) string

	// RemoteAppData reads the far side's application data bucket.
	RemoteAppData(id relation.ID) map[string]string

	// Options are the current charm configuration values.
	Options() config.Options

	// UnitAddress is this unit's reachable address.
	UnitAddress() (string, error)

	// InternalURL and ExternalURL locate the workload; ExternalURL is
	// empty without ingress.
	InternalURL() string
	ExternalURL() string

	// TLSConfig, OAuthConfig and TracingConfig return relation-derived
	// configuration, nil while the relation is absent or incomplete.
	TLSConfig() *config.TLSConfig
	OAuthConfig() *config.OAuthConfig
	TracingConfig() *config.TracingConfig

	// TrustedCACertificates are PEM certificates received over the
	// certificate transfer relation.
	TrustedCACertificates() []string

	// AuthEnvVars are auth-proxy environment variables to pass through.
	AuthEnvVars() map[string]string

	// ProxySettings returns the model's egress proxy configuration.
	ProxySettings() (httpProxy, httpsProxy, noProxy string)

	// EnableProfiling reports whether a profiling relation is present.
	EnableProfiling() bool

	// ProvisionSelfDashboard reports whether this deployment is scraped
	// by a metrics backend it also uses as a datasource.
	ProvisionSelfDashboard() bool
}

// CharmConfig holds the charm's collaborators.
type CharmConfig struct {
	Backend  Backend
	Workload container.Container
	Sidecar  container.Container
	Hashes   *hash.Tracker
	Clock    clock.Clock

	SelfDashboard []byte
	SQLiteBinary  func() ([]byte, error)
}

// Validate returns an error if the config is not usable.
func (c CharmConfig) Validate() error {
	if c.Backend == nil {
		return errors.NotValidf("nil Backend")
	}
	if c.Workload == nil {
		return errors.NotValidf("nil Workload")
	}
	if c.Sidecar == nil {
		return errors.NotValidf("nil Sidecar")
	}
	if c.Hashes == nil {
		return errors.NotValidf("nil Hashes")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// Charm runs reconciliation passes against a Backend.
type Charm struct {
	config CharmConfig
}

// NewCharm returns a Charm with the given collaborators.
func NewCharm(cfg CharmConfig) (*Charm, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Charm{config: cfg}, nil
}

// dashboardSubmission is the wire form of one dashboard submission.
type dashboardSubmission struct {
	Charm   string `json:"charm"`
	Content string `json:"content"`
	UID     string `json:"uid"`
	Version int    `json:"version"`
	Target  string `json:"target"`
	Query   string `json:"query"`
}

// dashboardFeedback is written back into our side of a dashboard
// relation so the submitter learns about template problems.
type dashboardFeedback struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// HandleEvent runs one reconciliation pass. It always re-derives the full
// desired state; the kind of event that triggered it is irrelevant.
func (c *Charm) HandleEvent(ctx context.Context) error {
	backend := c.config.Backend

	peerID, ok := backend.PeerRelationID()
	if !ok {
		logger.Debugf("peer relation not established yet, deferring")
		return nil
	}
	adapter := relation.NewAdapter(backend, backend)

	sources := c.reconcileSources(adapter, peerID)
	dashboards := c.reconcileDashboardSubmissions(adapter, peerID, sources)

	creds, err := secretstore.NewStore(backend, backend).AdminCredentials(backend.Options().AdminUser)
	if err != nil {
		return errors.Trace(err)
	}

	inputs := c.assembleInputs(creds, sources)
	state := grafana.State{
		Config:                 inputs,
		Dashboards:             dashboards.Active(),
		Sources:                sources.Active(),
		SourcesToDelete:        sources.ToDelete(),
		TrustedCA:              strings.Join(backend.TrustedCACertificates(), "\n"),
		ProvisionSelfDashboard: backend.ProvisionSelfDashboard(),
	}

	reconciler, err := grafana.NewReconciler(grafana.ReconcilerConfig{
		Container:     c.config.Workload,
		Hashes:        c.config.Hashes,
		Clock:         c.config.Clock,
		SelfDashboard: c.config.SelfDashboard,
		SQLiteBinary:  c.config.SQLiteBinary,
	})
	if err != nil {
		return errors.Trace(err)
	}
	if err := reconciler.Reconcile(ctx, state); err != nil {
		return errors.Trace(err)
	}

	// Deletion directives stay pending until the datasource file carrying
	// them has actually landed on the workload; a failed push leaves them
	// queued for the next pass.
	if reconciler.DatasourcesApplied(state) {
		sources.AckDeletions(state.SourcesToDelete)
	}
	if err := sources.Save(); err != nil {
		return errors.Trace(err)
	}
	if err := dashboards.Save(); err != nil {
		return errors.Trace(err)
	}

	sidecar := litestream.NewReconciler(c.config.Sidecar, adapter, peerID, backend.UnitAddress)
	if err := sidecar.Reconcile(backend.IsLeader()); err != nil {
		return errors.Trace(err)
	}
	return nil
}

// reconcileSources brings the datasource registry in line with the
// current set of source relations. Malformed peers are logged, their
// prior records cleared, and the pass continues.
func (c *Charm) reconcileSources(adapter *relation.Adapter, peerID relation.ID) *registry.SourceRegistry {
	backend := c.config.Backend

	sources := registry.NewSourceRegistry(adapter, peerID)
	sources.Load()

	present := set.NewInts()
	for _, id := range backend.RelationIDs(SourceRelation) {
		present.Add(int(id))
		raw := backend.RemoteAppData(id)
		if len(raw) == 0 {
			continue
		}
		if _, err := sources.Register(id, backend.RemoteAppName(id), raw); err != nil {
			logger.Warningf("rejecting datasource on relation %d: %v", id, err)
		}
	}
	for _, id := range sources.KnownRelations() {
		if !present.Contains(int(id)) {
			sources.Deregister(id)
		}
	}
	return sources
}

// reconcileDashboardSubmissions brings the dashboard registry in line
// with the current dashboard relations and writes validation feedback
// back to each submitter.
func (c *Charm) reconcileDashboardSubmissions(adapter *relation.Adapter, peerID relation.ID, sources *registry.SourceRegistry) *registry.DashboardRegistry {
	backend := c.config.Backend

	dashboards := registry.NewDashboardRegistry(adapter, peerID)
	dashboards.Load()
	dashboards.Datasource = defaultSourceName(sources)
	prerequisite := len(sources.Active()) > 0
	if prerequisite {
		dashboards.RestoreAll()
	} else {
		dashboards.InvalidateAll("waiting for a metrics relation to be established")
	}

	present := set.NewInts()
	for _, id := range backend.RelationIDs(DashboardRelation) {
		present.Add(int(id))
		raw := backend.RemoteAppData(id)
		encoded, ok := raw[dashboardsKey]
		if !ok {
			continue
		}
		var sub dashboardSubmission
		if err := json.Unmarshal([]byte(encoded), &sub); err != nil {
			logger.Warningf("malformed dashboard submission on relation %d: %v", id, err)
			continue
		}
		err := dashboards.Register(id, registry.Submission{
			Charm:    sub.Charm,
			Template: sub.Content,
			UID:      sub.UID,
			Version:  sub.Version,
			Target:   sub.Target,
			Query:    sub.Query,
		}, prerequisite)
		if err != nil {
			logger.Warningf("cannot register dashboard on relation %d: %v", id, err)
		}
	}

	for _, rec := range dashboards.Invalidated() {
		if !present.Contains(int(rec.RelationID)) {
			continue
		}
		feedback := dashboardFeedback{Errors: []string{rec.InvalidatedReason}}
		if err := adapter.SetJSON(rec.RelationID, relation.OwnerApplication, eventKey, feedback); err != nil {
			logger.Warningf("cannot report dashboard errors on relation %d: %v", rec.RelationID, err)
		}
	}
	for _, rec := range dashboards.Active() {
		if !present.Contains(int(rec.RelationID)) {
			continue
		}
		if err := adapter.SetJSON(rec.RelationID, relation.OwnerApplication, eventKey, dashboardFeedback{Valid: true}); err != nil {
			logger.Warningf("cannot acknowledge dashboard on relation %d: %v", rec.RelationID, err)
		}
	}

	// A departed relation's dashboard is gone for good; the file diff
	// removes it from disk on the next reconcile step.
	for _, id := range knownDashboardRelations(dashboards) {
		if !present.Contains(int(id)) {
			dashboards.Remove(id)
		}
	}
	return dashboards
}

func knownDashboardRelations(dashboards *registry.DashboardRegistry) []relation.ID {
	seen := set.NewInts()
	var out []relation.ID
	for _, rec := range dashboards.Active() {
		if !seen.Contains(int(rec.RelationID)) {
			seen.Add(int(rec.RelationID))
			out = append(out, rec.RelationID)
		}
	}
	for _, rec := range dashboards.Invalidated() {
		if !seen.Contains(int(rec.RelationID)) {
			seen.Add(int(rec.RelationID))
			out = append(out, rec.RelationID)
		}
	}
	return out
}

func (c *Charm) assembleInputs(creds *secretstore.Credentials, sources *registry.SourceRegistry) config.Inputs {
	backend := c.config.Backend
	httpProxy, httpsProxy, noProxy := backend.ProxySettings()

	inputs := config.Inputs{
		Options:         backend.Options(),
		IsLeader:        backend.IsLeader(),
		InternalURL:     backend.InternalURL(),
		ExternalURL:     backend.ExternalURL(),
		TLS:             backend.TLSConfig(),
		OAuth:           backend.OAuthConfig(),
		Tracing:         backend.TracingConfig(),
		ExternalDB:      c.externalDatabase(),
		EnableProfiling: backend.EnableProfiling(),
		AuthEnvVars:     backend.AuthEnvVars(),
		HTTPProxy:       httpProxy,
		HTTPSProxy:      httpsProxy,
		NoProxy:         noProxy,
	}
	if creds != nil {
		inputs.AdminUser = creds.Username
		inputs.AdminPassword = creds.Password
	}
	return inputs
}

// externalDatabase returns the first complete database relation's
// configuration, or nil. Incomplete relation data is ignored until the
// provider fills it in.
func (c *Charm) externalDatabase() *config.DBConfig {
	backend := c.config.Backend
	for _, id := range backend.RelationIDs(DatabaseRelation) {
		raw := backend.RemoteAppData(id)
		complete := true
		for _, field := range requiredDatabaseFields {
			if raw[field] == "" {
				complete = false
				break
			}
		}
		if !complete {
			continue
		}
		return &config.DBConfig{
			Type:     raw["type"],
			Host:     raw["host"],
			Name:     raw["name"],
			User:     raw["user"],
			Password: raw["password"],
		}
	}
	return nil
}

func defaultSourceName(sources *registry.SourceRegistry) string {
	active := sources.Active()
	for _, rec := range active {
		if rec.IsDefault {
			return rec.SourceName
		}
	}
	if len(active) > 0 {
		return active[0].SourceName
	}
	return ""
}
