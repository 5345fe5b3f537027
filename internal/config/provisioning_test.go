// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package config_test

import (
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"
	yaml "gopkg.in/yaml.v2"

	"github.com/canonical/grafana-k8s-operator/core/source"
	"github.com/canonical/grafana-k8s-operator/internal/config"
)

type provisioningSuite struct{}

var _ = gc.Suite(&provisioningSuite{})

type parsedDatasources struct {
	APIVersion  int `yaml:"apiVersion"`
	Datasources []struct {
		OrgID     int                    `yaml:"orgId"`
		Access    string                 `yaml:"access"`
		IsDefault bool                   `yaml:"isDefault"`
		Name      string                 `yaml:"name"`
		Type      string                 `yaml:"type"`
		URL       string                 `yaml:"url"`
		JSONData  map[string]interface{} `yaml:"jsonData"`
	} `yaml:"datasources"`
	DeleteDatasources []struct {
		OrgID int    `yaml:"orgId"`
		Name  string `yaml:"name"`
	} `yaml:"deleteDatasources"`
}

func (s *provisioningSuite) parse(c *gc.C, raw string) parsedDatasources {
	var out parsedDatasources
	err := yaml.Unmarshal([]byte(raw), &out)
	c.Assert(err, jc.ErrorIsNil)
	return out
}

func (s *provisioningSuite) TestDatasourceEntries(c *gc.C) {
	active := []source.Record{{
		RelationID: 7,
		SourceType: "prometheus",
		Address:    "10.1.2.3",
		Port:       "9090",
		SourceName: "prometheus_7",
		IsDefault:  true,
	}, {
		RelationID: 9,
		SourceType: "loki",
		Address:    "10.1.2.4",
		Port:       "3100",
		SourceName: "loki_9",
	}}

	raw, err := config.GenerateDatasourcesYAML(active, nil, 0)
	c.Assert(err, jc.ErrorIsNil)

	parsed := s.parse(c, raw)
	c.Assert(parsed.APIVersion, gc.Equals, 1)
	c.Assert(parsed.Datasources, gc.HasLen, 2)

	first := parsed.Datasources[0]
	c.Check(first.OrgID, gc.Equals, 1)
	c.Check(first.Access, gc.Equals, "proxy")
	c.Check(first.IsDefault, jc.IsTrue)
	c.Check(first.Name, gc.Equals, "prometheus_7")
	c.Check(first.Type, gc.Equals, "prometheus")
	c.Check(first.URL, gc.Equals, "http://10.1.2.3:9090")

	second := parsed.Datasources[1]
	c.Check(second.IsDefault, jc.IsFalse)
	c.Check(second.Name, gc.Equals, "loki_9")
}

func (s *provisioningSuite) TestTimeoutFloorRaisesLowTimeout(c *gc.C) {
	active := []source.Record{{
		RelationID: 1,
		SourceType: "prometheus",
		Address:    "10.0.0.1",
		Port:       "9090",
		SourceName: "prom",
		ExtraFields: map[string]interface{}{
			"timeout": 60,
		},
	}}

	raw, err := config.GenerateDatasourcesYAML(active, nil, 300)
	c.Assert(err, jc.ErrorIsNil)

	parsed := s.parse(c, raw)
	c.Assert(parsed.Datasources[0].JSONData["timeout"], gc.Equals, 300)
}

func (s *provisioningSuite) TestTimeoutFloorPreservesHigherTimeout(c *gc.C) {
	active := []source.Record{{
		RelationID: 1,
		SourceType: "prometheus",
		Address:    "10.0.0.1",
		Port:       "9090",
		SourceName: "prom",
		ExtraFields: map[string]interface{}{
			"timeout": 900,
		},
	}}

	raw, err := config.GenerateDatasourcesYAML(active, nil, 300)
	c.Assert(err, jc.ErrorIsNil)

	parsed := s.parse(c, raw)
	c.Assert(parsed.Datasources[0].JSONData["timeout"], gc.Equals, 900)
}

func (s *provisioningSuite) TestTimeoutFloorAppliedWhenUndeclared(c *gc.C) {
	active := []source.Record{{
		RelationID: 1,
		SourceType: "prometheus",
		Address:    "10.0.0.1",
		Port:       "9090",
		SourceName: "prom",
	}}

	raw, err := config.GenerateDatasourcesYAML(active, nil, 300)
	c.Assert(err, jc.ErrorIsNil)

	parsed := s.parse(c, raw)
	c.Assert(parsed.Datasources[0].JSONData["timeout"], gc.Equals, 300)
}

func (s *provisioningSuite) TestTimeoutFloorToleratesStringTimeout(c *gc.C) {
	active := []source.Record{{
		RelationID: 1,
		SourceType: "prometheus",
		Address:    "10.0.0.1",
		Port:       "9090",
		SourceName: "prom",
		ExtraFields: map[string]interface{}{
			"timeout": "120",
		},
	}}

	raw, err := config.GenerateDatasourcesYAML(active, nil, 300)
	c.Assert(err, jc.ErrorIsNil)

	parsed := s.parse(c, raw)
	c.Assert(parsed.Datasources[0].JSONData["timeout"], gc.Equals, 300)
}

func (s *provisioningSuite) TestDeleteDirectives(c *gc.C) {
	raw, err := config.GenerateDatasourcesYAML(nil, []string{"old_3", "stale_5"}, 0)
	c.Assert(err, jc.ErrorIsNil)

	parsed := s.parse(c, raw)
	c.Assert(parsed.Datasources, gc.HasLen, 0)
	c.Assert(parsed.DeleteDatasources, gc.HasLen, 2)
	c.Check(parsed.DeleteDatasources[0].OrgID, gc.Equals, 1)
	c.Check(parsed.DeleteDatasources[0].Name, gc.Equals, "old_3")
	c.Check(parsed.DeleteDatasources[1].Name, gc.Equals, "stale_5")
}

func (s *provisioningSuite) TestSecureFieldsNotInPlainData(c *gc.C) {
	active := []source.Record{{
		RelationID: 1,
		SourceType: "prometheus",
		Address:    "10.0.0.1",
		Port:       "9090",
		SourceName: "prom",
		SecureExtraFields: map[string]string{
			"basicAuthPassword": "s3cret",
		},
	}}

	raw, err := config.GenerateDatasourcesYAML(active, nil, 0)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(raw, jc.Contains, "secureJsonData")
	c.Check(raw, jc.Contains, "basicAuthPassword: s3cret")
}

func (s *provisioningSuite) TestDashboardProvider(c *gc.C) {
	raw, err := config.GenerateDashboardProviderYAML(config.DashboardsDirPath)
	c.Assert(err, jc.ErrorIsNil)

	var parsed struct {
		APIVersion int `yaml:"apiVersion"`
		Providers  []struct {
			Name                  string            `yaml:"name"`
			Type                  string            `yaml:"type"`
			UpdateIntervalSeconds string            `yaml:"updateIntervalSeconds"`
			Options               map[string]string `yaml:"options"`
		} `yaml:"providers"`
	}
	err = yaml.Unmarshal([]byte(raw), &parsed)
	c.Assert(err, jc.ErrorIsNil)

	c.Assert(parsed.APIVersion, gc.Equals, 1)
	c.Assert(parsed.Providers, gc.HasLen, 1)
	c.Check(parsed.Providers[0].Type, gc.Equals, "file")
	c.Check(parsed.Providers[0].UpdateIntervalSeconds, gc.Equals, "5")
	c.Check(parsed.Providers[0].Options["path"], gc.Equals, config.DashboardsDirPath)
}
