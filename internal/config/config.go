// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package config generates the workload's configuration artifacts: the
// grafana.ini base config, the provisioning YAML files and the process
// environment. Every generator here is a pure function of its inputs so
// that content hashing downstream is meaningful.
package config

// TLSConfig is the server certificate material received over the
// certificates relation.
type TLSConfig struct {
	Certificate string
	Key         string
	CA          string
}

// OAuthConfig is the provider configuration received over the oauth
// relation.
type OAuthConfig struct {
	ClientID              string
	ClientSecret          string
	AuthorizationEndpoint string
	TokenEndpoint         string
	UserinfoEndpoint      string
}

// DBConfig is an external database received over the database relation.
// When present it replaces the embedded single-file database.
type DBConfig struct {
	Type     string
	Host     string
	Name     string
	User     string
	Password string
}

// Topology identifies this deployment for tracing resource attributes.
type Topology struct {
	Model       string
	ModelUUID   string
	Application string
	Unit        string
	Charm       string
}

// TracingConfig points the workload's own traces at a collector.
type TracingConfig struct {
	Endpoint string
	Topology Topology
}

// Options are the charm's user-facing configuration options.
type Options struct {
	LogLevel               string `json:"log_level"`
	AdminUser              string `json:"admin_user"`
	AllowEmbedding         bool   `json:"allow_embedding"`
	AllowAnonymousAccess   bool   `json:"allow_anonymous_access"`
	AutoAssignOrg          bool   `json:"enable_auto_assign_org"`
	ReportingEnabled       bool   `json:"reporting_enabled"`
	DatasourceQueryTimeout int    `json:"datasource_query_timeout"`
}

// DefaultOptions returns the option values used when the model supplies
// none.
func DefaultOptions() Options {
	return Options{
		LogLevel:               "info",
		AdminUser:              "admin",
		AutoAssignOrg:          true,
		ReportingEnabled:       true,
		DatasourceQueryTimeout: 300,
	}
}

// Inputs is the aggregate state snapshot the generators transform. It is
// assembled once per reconciliation pass.
type Inputs struct {
	Options Options

	IsLeader    bool
	InternalURL string
	ExternalURL string

	AdminUser     string
	AdminPassword string

	TLS        *TLSConfig
	OAuth      *OAuthConfig
	ExternalDB *DBConfig
	Tracing    *TracingConfig

	EnableProfiling bool

	// AuthEnvVars are environment variables contributed by an auth
	// proxy relation, passed through verbatim.
	AuthEnvVars map[string]string

	// Proxy settings inherited from the model.
	HTTPProxy  string
	HTTPSProxy string
	NoProxy    string
}
