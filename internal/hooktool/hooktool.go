// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package hooktool implements the charm backend by shelling out to the
// hook tools the hosting framework puts on PATH during event dispatch.
// All output parsing goes through --format=json.
package hooktool

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/canonical/grafana-k8s-operator/core/relation"
	"github.com/canonical/grafana-k8s-operator/internal/config"
)

var logger = loggo.GetLogger("grafana.hooktool")

// Runner executes a hook tool and returns its stdout.
type Runner interface {
	Run(tool string, args ...string) ([]byte, error)
}

// Relation endpoint names beyond the charm package's own, read directly
// by this backend.
const (
	certificatesRelation = "certificates"
	oauthRelation        = "oauth"
	tracingRelation      = "tracing"
	trustedCertRelation  = "receive-ca-cert"
	metricsRelation      = "metrics-endpoint"
	ingressRelation      = "ingress"
	profilingRelation    = "profiling-endpoint"
	authProxyRelation    = "auth-proxy"
)

// Backend talks to the hosting framework through hook tools.
type Backend struct {
	runner   Runner
	unitName string
	appName  string
}

// NewBackend returns a Backend using the given Runner. The unit name is
// taken from the dispatch environment.
func NewBackend(runner Runner) *Backend {
	unitName := os.Getenv("JUJU_UNIT_NAME")
	return &Backend{
		runner:   runner,
		unitName: unitName,
		appName:  strings.SplitN(unitName, "/", 2)[0],
	}
}

func (b *Backend) runJSON(out interface{}, tool string, args ...string) error {
	args = append(args, "--format=json")
	raw, err := b.runner.Run(tool, args...)
	if err != nil {
		return errors.Annotatef(err, "running %s", tool)
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.Annotatef(err, "parsing %s output", tool)
	}
	return nil
}

// IsLeader implements charm.Backend.
func (b *Backend) IsLeader() bool {
	var leader bool
	if err := b.runJSON(&leader, "is-leader"); err != nil {
		logger.Warningf("cannot determine leadership, assuming follower: %v", err)
		return false
	}
	return leader
}

// RelationIDs implements charm.Backend.
func (b *Backend) RelationIDs(name string) []relation.ID {
	var raw []string
	if err := b.runJSON(&raw, "relation-ids", name); err != nil {
		logger.Warningf("cannot list %q relations: %v", name, err)
		return nil
	}
	var ids []relation.ID
	for _, entry := range raw {
		// Entries are "<endpoint>:<id>".
		idx := strings.LastIndex(entry, ":")
		if idx < 0 {
			continue
		}
		n, err := strconv.Atoi(entry[idx+1:])
		if err != nil {
			logger.Warningf("unparseable relation id %q", entry)
			continue
		}
		ids = append(ids, relation.ID(n))
	}
	return ids
}

// PeerRelationID implements charm.Backend.
func (b *Backend) PeerRelationID() (relation.ID, bool) {
	ids := b.RelationIDs("replicas")
	if len(ids) == 0 {
		return 0, false
	}
	return ids[0], true
}

// RemoteAppName implements charm.Backend.
func (b *Backend) RemoteAppName(id relation.ID) string {
	var app string
	if err := b.runJSON(&app, "relation-list", "-r", strconv.Itoa(int(id)), "--app"); err != nil {
		logger.Warningf("cannot resolve remote application for relation %d: %v", id, err)
		return ""
	}
	return app
}

// RemoteAppData implements charm.Backend.
func (b *Backend) RemoteAppData(id relation.ID) map[string]string {
	app := b.RemoteAppName(id)
	if app == "" {
		return nil
	}
	data := make(map[string]string)
	err := b.runJSON(&data, "relation-get", "-r", strconv.Itoa(int(id)), "-", app, "--app")
	if err != nil {
		logger.Warningf("cannot read relation %d data: %v", id, err)
		return nil
	}
	return data
}

// ReadData implements relation.Bucket for our own side of a relation.
func (b *Backend) ReadData(id relation.ID, owner relation.Owner) (map[string]string, error) {
	args := []string{"-r", strconv.Itoa(int(id)), "-", b.unitName}
	if owner == relation.OwnerApplication {
		args = append(args, "--app")
	}
	data := make(map[string]string)
	if err := b.runJSON(&data, "relation-get", args...); err != nil {
		return nil, errors.Trace(err)
	}
	return data, nil
}

// WriteData implements relation.Bucket.
func (b *Backend) WriteData(id relation.ID, owner relation.Owner, key, value string) error {
	args := []string{"-r", strconv.Itoa(int(id))}
	if owner == relation.OwnerApplication {
		args = append(args, "--app")
	}
	args = append(args, fmt.Sprintf("%s=%s", key, value))
	if _, err := b.runner.Run("relation-set", args...); err != nil {
		return errors.Annotatef(err, "writing relation %d data", id)
	}
	return nil
}

// GetSecret implements charm.Backend.
func (b *Backend) GetSecret(label string) (map[string]string, error) {
	content := make(map[string]string)
	err := b.runJSON(&content, "secret-get", "--label", label, "--refresh")
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return nil, errors.NotFoundf("secret %q", label)
		}
		return nil, errors.Trace(err)
	}
	return content, nil
}

// CreateSecret implements charm.Backend.
func (b *Backend) CreateSecret(label string, content map[string]string) error {
	args := []string{"--label", label, "--owner", "application"}
	for k, v := range content {
		args = append(args, fmt.Sprintf("%s=%s", k, v))
	}
	if _, err := b.runner.Run("secret-add", args...); err != nil {
		return errors.Annotatef(err, "creating secret %q", label)
	}
	return nil
}

// Options implements charm.Backend. Unknown or missing keys fall back to
// defaults.
func (b *Backend) Options() config.Options {
	options := config.DefaultOptions()
	raw, err := b.runner.Run("config-get", "--format=json")
	if err != nil {
		logger.Warningf("cannot read configuration, using defaults: %v", err)
		return options
	}
	if err := json.Unmarshal(raw, &options); err != nil {
		logger.Warningf("malformed configuration, using defaults: %v", err)
		return config.DefaultOptions()
	}
	return options
}

// UnitAddress implements charm.Backend.
func (b *Backend) UnitAddress() (string, error) {
	var addr string
	if err := b.runJSON(&addr, "unit-get", "private-address"); err != nil {
		return "", errors.Trace(err)
	}
	return addr, nil
}

// InternalURL implements charm.Backend.
func (b *Backend) InternalURL() string {
	addr, err := b.UnitAddress()
	if err != nil {
		logger.Warningf("cannot resolve unit address: %v", err)
		return ""
	}
	scheme := "http"
	if b.TLSConfig() != nil {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, addr, config.WorkloadPort)
}

// ExternalURL implements charm.Backend: the ingress-published URL, empty
// without ingress.
func (b *Backend) ExternalURL() string {
	for _, id := range b.RelationIDs(ingressRelation) {
		if url := b.RemoteAppData(id)["url"]; url != "" {
			return url
		}
	}
	return ""
}

// TLSConfig implements charm.Backend. The certificates relation is
// considered incomplete until all three parts are present.
func (b *Backend) TLSConfig() *config.TLSConfig {
	for _, id := range b.RelationIDs(certificatesRelation) {
		data := b.RemoteAppData(id)
		tls := &config.TLSConfig{
			Certificate: data["certificate"],
			Key:         data["key"],
			CA:          data["ca"],
		}
		if tls.Certificate != "" && tls.Key != "" {
			return tls
		}
	}
	return nil
}

// OAuthConfig implements charm.Backend.
func (b *Backend) OAuthConfig() *config.OAuthConfig {
	for _, id := range b.RelationIDs(oauthRelation) {
		data := b.RemoteAppData(id)
		oauth := &config.OAuthConfig{
			ClientID:              data["client-id"],
			ClientSecret:          data["client-secret"],
			AuthorizationEndpoint: data["authorization-endpoint"],
			TokenEndpoint:         data["token-endpoint"],
			UserinfoEndpoint:      data["userinfo-endpoint"],
		}
		if oauth.ClientID != "" && oauth.ClientSecret != "" {
			return oauth
		}
	}
	return nil
}

// TracingConfig implements charm.Backend.
func (b *Backend) TracingConfig() *config.TracingConfig {
	for _, id := range b.RelationIDs(tracingRelation) {
		endpoint := b.RemoteAppData(id)["otlp-grpc-endpoint"]
		if endpoint == "" {
			continue
		}
		return &config.TracingConfig{
			Endpoint: endpoint,
			Topology: config.Topology{
				Model:       os.Getenv("JUJU_MODEL_NAME"),
				ModelUUID:   os.Getenv("JUJU_MODEL_UUID"),
				Application: b.appName,
				Unit:        b.unitName,
				Charm:       "grafana-k8s",
			},
		}
	}
	return nil
}

// TrustedCACertificates implements charm.Backend.
func (b *Backend) TrustedCACertificates() []string {
	var certs []string
	for _, id := range b.RelationIDs(trustedCertRelation) {
		if ca := b.RemoteAppData(id)["ca"]; ca != "" {
			certs = append(certs, ca)
		}
	}
	return certs
}

// AuthEnvVars implements charm.Backend.
func (b *Backend) AuthEnvVars() map[string]string {
	for _, id := range b.RelationIDs(authProxyRelation) {
		raw := b.RemoteAppData(id)["env-vars"]
		if raw == "" {
			continue
		}
		vars := make(map[string]string)
		if err := json.Unmarshal([]byte(raw), &vars); err != nil {
			logger.Warningf("malformed auth proxy environment: %v", err)
			continue
		}
		return vars
	}
	return nil
}

// ProxySettings implements charm.Backend, read from the dispatch
// environment.
func (b *Backend) ProxySettings() (string, string, string) {
	return os.Getenv("JUJU_CHARM_HTTP_PROXY"),
		os.Getenv("JUJU_CHARM_HTTPS_PROXY"),
		os.Getenv("JUJU_CHARM_NO_PROXY")
}

// EnableProfiling implements charm.Backend.
func (b *Backend) EnableProfiling() bool {
	return len(b.RelationIDs(profilingRelation)) > 0
}

// ProvisionSelfDashboard implements charm.Backend: true when the same
// metrics backend both scrapes this deployment and serves as one of its
// datasources.
func (b *Backend) ProvisionSelfDashboard() bool {
	scrapers := make(map[string]bool)
	for _, id := range b.RelationIDs(metricsRelation) {
		if app := b.RemoteAppName(id); app != "" {
			scrapers[app] = true
		}
	}
	for _, id := range b.RelationIDs("grafana-source") {
		if scrapers[b.RemoteAppName(id)] {
			return true
		}
	}
	return false
}
