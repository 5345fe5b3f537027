// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package config

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/juju/errors"
	"gopkg.in/ini.v1"
)

// DatabasePath is the embedded database file inside the workload
// container. Replication follows this path, so it must match the sidecar's
// configuration.
const DatabasePath = "/var/lib/grafana/grafana.db"

func init() {
	// Emit "key = value" rather than the library's aligned padding, so
	// regenerating an unchanged configuration is byte stable.
	ini.PrettyFormat = false
	ini.PrettyEqual = true
}

// GenerateGrafanaINI produces the base configuration file. Section order is
// significant for override semantics: tracing first, then analytics, then
// the database; a later section never overrides an earlier one but the
// workload reads them in file order.
//
// The analytics section is emitted only when reporting is disabled;
// absence is the "reporting on" signal.
func GenerateGrafanaINI(in Inputs) (string, error) {
	var parts []string

	if in.Tracing != nil {
		section, err := tracingSection(in.Tracing)
		if err != nil {
			return "", errors.Trace(err)
		}
		parts = append(parts, section)
	}

	if !in.Options.ReportingEnabled {
		section, err := analyticsSection()
		if err != nil {
			return "", errors.Trace(err)
		}
		parts = append(parts, section)
	}

	section, err := databaseSection(in.ExternalDB)
	if err != nil {
		return "", errors.Trace(err)
	}
	parts = append(parts, section)

	return strings.Join(parts, "\n"), nil
}

func tracingSection(tracing *TracingConfig) (string, error) {
	f := ini.Empty()
	sec, err := f.NewSection("tracing.opentelemetry")
	if err != nil {
		return "", errors.Trace(err)
	}
	if _, err := sec.NewKey("sampler_type", "probabilistic"); err != nil {
		return "", errors.Trace(err)
	}
	if _, err := sec.NewKey("sampler_param", "0.01"); err != nil {
		return "", errors.Trace(err)
	}
	otlp, err := f.NewSection("tracing.opentelemetry.otlp")
	if err != nil {
		return "", errors.Trace(err)
	}
	if _, err := otlp.NewKey("address", tracing.Endpoint); err != nil {
		return "", errors.Trace(err)
	}
	return renderINI(f)
}

func analyticsSection() (string, error) {
	f := ini.Empty()
	sec, err := f.NewSection("analytics")
	if err != nil {
		return "", errors.Trace(err)
	}
	for _, kv := range [][2]string{
		{"reporting_enabled", "false"},
		{"check_for_updates", "false"},
		{"check_for_plugin_updates", "false"},
	} {
		if _, err := sec.NewKey(kv[0], kv[1]); err != nil {
			return "", errors.Trace(err)
		}
	}
	return renderINI(f)
}

func databaseSection(db *DBConfig) (string, error) {
	f := ini.Empty()
	sec, err := f.NewSection("database")
	if err != nil {
		return "", errors.Trace(err)
	}
	if db == nil {
		// The embedded single-file database; replication handles HA.
		if _, err := sec.NewKey("type", "sqlite3"); err != nil {
			return "", errors.Trace(err)
		}
		if _, err := sec.NewKey("path", DatabasePath); err != nil {
			return "", errors.Trace(err)
		}
		return renderINI(f)
	}

	url := fmt.Sprintf("%s://%s:%s@%s/%s", db.Type, db.User, db.Password, db.Host, db.Name)
	for _, kv := range [][2]string{
		{"type", db.Type},
		{"host", db.Host},
		{"name", db.Name},
		{"user", db.User},
		{"password", db.Password},
		{"url", url},
	} {
		if _, err := sec.NewKey(kv[0], kv[1]); err != nil {
			return "", errors.Trace(err)
		}
	}
	return renderINI(f)
}

func renderINI(f *ini.File) (string, error) {
	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return "", errors.Trace(err)
	}
	return buf.String(), nil
}
