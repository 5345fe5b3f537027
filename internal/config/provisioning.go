// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package config

import (
	"strconv"

	"github.com/juju/errors"
	yaml "gopkg.in/yaml.v2"

	"github.com/canonical/grafana-k8s-operator/core/source"
)

type datasourceEntry struct {
	OrgID     int    `yaml:"orgId"`
	Access    string `yaml:"access"`
	IsDefault bool   `yaml:"isDefault"`
	Name      string `yaml:"name"`
	Type      string `yaml:"type"`
	URL       string `yaml:"url"`

	JSONData       map[string]interface{} `yaml:"jsonData,omitempty"`
	SecureJSONData map[string]string      `yaml:"secureJsonData,omitempty"`
}

type deleteEntry struct {
	OrgID int    `yaml:"orgId"`
	Name  string `yaml:"name"`
}

type datasourcesFile struct {
	APIVersion        int               `yaml:"apiVersion"`
	Datasources       []datasourceEntry `yaml:"datasources"`
	DeleteDatasources []deleteEntry     `yaml:"deleteDatasources"`
}

// GenerateDatasourcesYAML produces the datasource provisioning file: one
// entry per active datasource and one delete directive per pending
// deletion. A query-timeout floor is applied; a higher timeout explicitly
// requested by the datasource is preserved.
func GenerateDatasourcesYAML(active []source.Record, deleted []string, timeoutFloor int) (string, error) {
	file := datasourcesFile{
		APIVersion:        1,
		Datasources:       []datasourceEntry{},
		DeleteDatasources: []deleteEntry{},
	}

	for _, rec := range active {
		entry := datasourceEntry{
			OrgID:     1,
			Access:    "proxy",
			IsDefault: rec.IsDefault,
			Name:      rec.SourceName,
			Type:      rec.SourceType,
			URL:       rec.URL(),
		}
		if len(rec.ExtraFields) > 0 {
			entry.JSONData = copyFields(rec.ExtraFields)
		}
		if len(rec.SecureExtraFields) > 0 {
			entry.SecureJSONData = rec.SecureExtraFields
		}
		if timeoutFloor > 0 && declaredTimeout(entry.JSONData) < timeoutFloor {
			if entry.JSONData == nil {
				entry.JSONData = make(map[string]interface{})
			}
			entry.JSONData["timeout"] = timeoutFloor
		}
		file.Datasources = append(file.Datasources, entry)
	}

	for _, name := range deleted {
		file.DeleteDatasources = append(file.DeleteDatasources, deleteEntry{OrgID: 1, Name: name})
	}

	out, err := yaml.Marshal(file)
	if err != nil {
		return "", errors.Trace(err)
	}
	return string(out), nil
}

type dashboardProvider struct {
	Name                  string                 `yaml:"name"`
	Type                  string                 `yaml:"type"`
	UpdateIntervalSeconds string                 `yaml:"updateIntervalSeconds"`
	Options               map[string]interface{} `yaml:"options"`
}

type dashboardProvidersFile struct {
	APIVersion int                 `yaml:"apiVersion"`
	Providers  []dashboardProvider `yaml:"providers"`
}

// GenerateDashboardProviderYAML produces the dashboard provisioning file:
// a single file-watch directive over the dashboards directory, which is
// how dashboard updates avoid workload restarts.
func GenerateDashboardProviderYAML(dashboardsDir string) (string, error) {
	file := dashboardProvidersFile{
		APIVersion: 1,
		Providers: []dashboardProvider{{
			Name:                  "Default",
			Type:                  "file",
			UpdateIntervalSeconds: "5",
			Options:               map[string]interface{}{"path": dashboardsDir},
		}},
	}
	out, err := yaml.Marshal(file)
	if err != nil {
		return "", errors.Trace(err)
	}
	return string(out), nil
}

func copyFields(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// declaredTimeout digs the datasource's own timeout out of its jsonData,
// tolerating the number arriving as any JSON scalar type.
func declaredTimeout(jsonData map[string]interface{}) int {
	raw, ok := jsonData["timeout"]
	if !ok {
		return 0
	}
	switch v := raw.(type) {
	case int:
		return v
	case float64:
		return int(v)
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0
		}
		return n
	}
	return 0
}
