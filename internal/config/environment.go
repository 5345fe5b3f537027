// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package config

import (
	"fmt"
	"strconv"
)

// Workload paths and ports. These are fixed by the container image and by
// the replication sidecar, which mirrors DatabasePath.
const (
	ConfigPath        = "/etc/grafana/grafana-config.ini"
	ProvisioningPath  = "/etc/grafana/provisioning"
	DatasourcesPath   = "/etc/grafana/provisioning/datasources/datasources.yaml"
	DashboardsDirPath = "/etc/grafana/provisioning/dashboards"

	CertPath          = "/etc/grafana/grafana.crt"
	KeyPath           = "/etc/grafana/grafana.key"
	CACertPath        = "/usr/local/share/ca-certificates/cos-ca.crt"
	TrustedCACertPath = "/usr/local/share/ca-certificates/trusted-ca-cert.crt"

	WorkloadPort  = 3000
	ProfilingPort = 8080
)

// OAuthScopes are the scopes requested from a generic OAuth provider.
// offline_access is required for refresh tokens.
const OAuthScopes = "openid email offline_access"

// Scheme returns the URL scheme the workload serves on, decided solely by
// whether server certificates are available.
func Scheme(in Inputs) string {
	if in.TLS != nil {
		return "https"
	}
	return "http"
}

// GenerateEnvironment produces the process environment for the workload
// service. Admin credentials are set only on the leader; followers inherit
// them through database replication.
func GenerateEnvironment(in Inputs) map[string]string {
	env := map[string]string{
		"GF_SERVER_HTTP_PORT":         strconv.Itoa(WorkloadPort),
		"GF_LOG_LEVEL":                in.Options.LogLevel,
		"GF_PLUGINS_ENABLE_ALPHA":     "true",
		"GF_PATHS_PROVISIONING":       ProvisioningPath,
		"GF_SECURITY_ALLOW_EMBEDDING": strconv.FormatBool(in.Options.AllowEmbedding),
		"GF_AUTH_ANONYMOUS_ENABLED":   strconv.FormatBool(in.Options.AllowAnonymousAccess),
		"GF_USERS_AUTO_ASSIGN_ORG":    strconv.FormatBool(in.Options.AutoAssignOrg),
		"GF_DATABASE_TYPE":            "sqlite3",

		"http_proxy":  in.HTTPProxy,
		"https_proxy": in.HTTPSProxy,
		"no_proxy":    in.NoProxy,
	}

	for k, v := range in.AuthEnvVars {
		env[k] = v
	}

	// An ingress strips the path prefix before proxying, so the workload
	// must serve from the sub path named in its root URL.
	env["GF_SERVER_SERVE_FROM_SUB_PATH"] = "True"
	env["GF_SERVER_ROOT_URL"] = externalURL(in)
	env["GF_SERVER_ENFORCE_DOMAIN"] = "false"
	env["GF_SERVER_PROTOCOL"] = Scheme(in)

	if in.TLS != nil {
		env["GF_SERVER_CERT_KEY"] = KeyPath
		env["GF_SERVER_CERT_FILE"] = CertPath
	}

	if in.OAuth != nil {
		env["GF_AUTH_GENERIC_OAUTH_ENABLED"] = "True"
		env["GF_AUTH_GENERIC_OAUTH_NAME"] = "external identity provider"
		env["GF_AUTH_GENERIC_OAUTH_CLIENT_ID"] = in.OAuth.ClientID
		env["GF_AUTH_GENERIC_OAUTH_CLIENT_SECRET"] = in.OAuth.ClientSecret
		env["GF_AUTH_GENERIC_OAUTH_SCOPES"] = OAuthScopes
		env["GF_AUTH_GENERIC_OAUTH_AUTH_URL"] = in.OAuth.AuthorizationEndpoint
		env["GF_AUTH_GENERIC_OAUTH_TOKEN_URL"] = in.OAuth.TokenEndpoint
		env["GF_AUTH_GENERIC_OAUTH_API_URL"] = in.OAuth.UserinfoEndpoint
		env["GF_AUTH_GENERIC_OAUTH_USE_REFRESH_TOKEN"] = "True"
		env["GF_FEATURE_TOGGLES_ENABLE"] = "accessTokenExpirationCheck"
	}

	if in.Tracing != nil {
		t := in.Tracing.Topology
		env["OTEL_RESOURCE_ATTRIBUTES"] = fmt.Sprintf(
			"juju_application=%s,juju_model=%s,juju_model_uuid=%s,juju_unit=%s,juju_charm=%s",
			t.Application, t.Model, t.ModelUUID, t.Unit, t.Charm)
	}

	if in.EnableProfiling {
		env["GF_DIAGNOSTICS_PROFILING_ENABLED"] = "true"
		env["GF_DIAGNOSTICS_PROFILING_ADDR"] = "0.0.0.0"
		env["GF_DIAGNOSTICS_PROFILING_PORT"] = strconv.Itoa(ProfilingPort)
	}

	if in.IsLeader {
		env["GF_SECURITY_ADMIN_USER"] = in.AdminUser
		env["GF_SECURITY_ADMIN_PASSWORD"] = in.AdminPassword
	}

	return env
}

func externalURL(in Inputs) string {
	if in.ExternalURL != "" {
		return in.ExternalURL
	}
	return in.InternalURL
}
