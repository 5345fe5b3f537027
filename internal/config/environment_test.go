// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package config_test

import (
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/canonical/grafana-k8s-operator/internal/config"
)

type environmentSuite struct{}

var _ = gc.Suite(&environmentSuite{})

func (s *environmentSuite) baseInputs() config.Inputs {
	return config.Inputs{
		Options:     config.DefaultOptions(),
		InternalURL: "http://grafana-0.grafana-endpoints.cos.svc.cluster.local:3000",
	}
}

func (s *environmentSuite) TestBaseEnvironment(c *gc.C) {
	env := config.GenerateEnvironment(s.baseInputs())
	c.Check(env["GF_SERVER_HTTP_PORT"], gc.Equals, "3000")
	c.Check(env["GF_LOG_LEVEL"], gc.Equals, "info")
	c.Check(env["GF_PATHS_PROVISIONING"], gc.Equals, config.ProvisioningPath)
	c.Check(env["GF_SECURITY_ALLOW_EMBEDDING"], gc.Equals, "false")
	c.Check(env["GF_AUTH_ANONYMOUS_ENABLED"], gc.Equals, "false")
	c.Check(env["GF_USERS_AUTO_ASSIGN_ORG"], gc.Equals, "true")
	c.Check(env["GF_DATABASE_TYPE"], gc.Equals, "sqlite3")
	c.Check(env["GF_SERVER_PROTOCOL"], gc.Equals, "http")
	c.Check(env["GF_SERVER_ROOT_URL"], gc.Equals, s.baseInputs().InternalURL)
	c.Check(env["GF_SERVER_SERVE_FROM_SUB_PATH"], gc.Equals, "True")
}

func (s *environmentSuite) TestExternalURLPreferred(c *gc.C) {
	in := s.baseInputs()
	in.ExternalURL = "https://ingress.example.com/cos-grafana"
	env := config.GenerateEnvironment(in)
	c.Check(env["GF_SERVER_ROOT_URL"], gc.Equals, in.ExternalURL)
}

func (s *environmentSuite) TestLeaderGetsCredentials(c *gc.C) {
	in := s.baseInputs()
	in.IsLeader = true
	in.AdminUser = "admin"
	in.AdminPassword = "swordfish"

	env := config.GenerateEnvironment(in)
	c.Check(env["GF_SECURITY_ADMIN_USER"], gc.Equals, "admin")
	c.Check(env["GF_SECURITY_ADMIN_PASSWORD"], gc.Equals, "swordfish")
}

func (s *environmentSuite) TestFollowerGetsNoCredentials(c *gc.C) {
	in := s.baseInputs()
	in.AdminUser = "admin"
	in.AdminPassword = "swordfish"

	env := config.GenerateEnvironment(in)
	_, ok := env["GF_SECURITY_ADMIN_USER"]
	c.Check(ok, jc.IsFalse)
	_, ok = env["GF_SECURITY_ADMIN_PASSWORD"]
	c.Check(ok, jc.IsFalse)
}

func (s *environmentSuite) TestTLSSwitchesToHTTPS(c *gc.C) {
	in := s.baseInputs()
	in.TLS = &config.TLSConfig{Certificate: "cert", Key: "key"}

	env := config.GenerateEnvironment(in)
	c.Check(env["GF_SERVER_PROTOCOL"], gc.Equals, "https")
	c.Check(env["GF_SERVER_CERT_FILE"], gc.Equals, config.CertPath)
	c.Check(env["GF_SERVER_CERT_KEY"], gc.Equals, config.KeyPath)
}

func (s *environmentSuite) TestOAuthEnvironment(c *gc.C) {
	in := s.baseInputs()
	in.OAuth = &config.OAuthConfig{
		ClientID:              "grafana-client",
		ClientSecret:          "oauth-secret",
		AuthorizationEndpoint: "https://idp/auth",
		TokenEndpoint:         "https://idp/token",
		UserinfoEndpoint:      "https://idp/userinfo",
	}

	env := config.GenerateEnvironment(in)
	c.Check(env["GF_AUTH_GENERIC_OAUTH_ENABLED"], gc.Equals, "True")
	c.Check(env["GF_AUTH_GENERIC_OAUTH_CLIENT_ID"], gc.Equals, "grafana-client")
	c.Check(env["GF_AUTH_GENERIC_OAUTH_SCOPES"], gc.Equals, config.OAuthScopes)
	c.Check(env["GF_AUTH_GENERIC_OAUTH_AUTH_URL"], gc.Equals, "https://idp/auth")
	c.Check(env["GF_FEATURE_TOGGLES_ENABLE"], gc.Equals, "accessTokenExpirationCheck")
}

func (s *environmentSuite) TestProfiling(c *gc.C) {
	in := s.baseInputs()
	in.EnableProfiling = true

	env := config.GenerateEnvironment(in)
	c.Check(env["GF_DIAGNOSTICS_PROFILING_ENABLED"], gc.Equals, "true")
	c.Check(env["GF_DIAGNOSTICS_PROFILING_ADDR"], gc.Equals, "0.0.0.0")
	c.Check(env["GF_DIAGNOSTICS_PROFILING_PORT"], gc.Equals, "8080")
}

func (s *environmentSuite) TestAuthProxyVarsPassThrough(c *gc.C) {
	in := s.baseInputs()
	in.AuthEnvVars = map[string]string{
		"GF_AUTH_PROXY_ENABLED":     "True",
		"GF_AUTH_PROXY_HEADER_NAME": "X-WEBAUTH-USER",
	}

	env := config.GenerateEnvironment(in)
	c.Check(env["GF_AUTH_PROXY_ENABLED"], gc.Equals, "True")
	c.Check(env["GF_AUTH_PROXY_HEADER_NAME"], gc.Equals, "X-WEBAUTH-USER")
}

func (s *environmentSuite) TestTracingResourceAttributes(c *gc.C) {
	in := s.baseInputs()
	in.Tracing = &config.TracingConfig{
		Endpoint: "collector:4317",
		Topology: config.Topology{
			Model:       "cos",
			ModelUUID:   "11111111-2222-3333-4444-555555555555",
			Application: "grafana",
			Unit:        "grafana/0",
			Charm:       "grafana-k8s",
		},
	}

	env := config.GenerateEnvironment(in)
	c.Check(env["OTEL_RESOURCE_ATTRIBUTES"], gc.Equals,
		"juju_application=grafana,juju_model=cos,"+
			"juju_model_uuid=11111111-2222-3333-4444-555555555555,"+
			"juju_unit=grafana/0,juju_charm=grafana-k8s")
}
