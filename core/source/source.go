// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package source defines the datasource record exchanged over the
// grafana-source relation, and its fail-closed validation.
package source

import (
	"fmt"

	"github.com/juju/errors"

	"github.com/canonical/grafana-k8s-operator/core/relation"
)

// Field names used on the wire. Related charms populate these keys in
// their application data bucket; the names must not change.
const (
	FieldSourceType     = "source-type"
	FieldAddress        = "address"
	FieldPrivateAddress = "private-address"
	FieldPort           = "port"
	FieldSourceName     = "source-name"
)

// Record is one validated datasource, owned by the registry.
type Record struct {
	RelationID relation.ID `json:"relation_id"`

	SourceType string `json:"source-type"`
	Address    string `json:"address"`
	Port       string `json:"port"`

	// SourceName is unique within the registry. When the remote
	// application omits it, or supplies a name already taken, the
	// registry synthesizes "<app>_<relation id>".
	SourceName string `json:"source-name"`

	// IsDefault is true for at most one record in the registry. It is
	// assigned at registration time and never rewritten on removal of
	// other records.
	IsDefault bool `json:"isDefault"`

	// ExtraFields is passed through to the provisioning file as jsonData.
	ExtraFields map[string]interface{} `json:"extra_fields,omitempty"`

	// SecureExtraFields is passed through as secureJsonData.
	SecureExtraFields map[string]string `json:"secure_extra_fields,omitempty"`
}

// URL returns the datasource URL as provisioned into the workload.
func (r Record) URL() string {
	return fmt.Sprintf("http://%s:%s", r.Address, r.Port)
}

// SynthesizeName returns the deterministic fallback name for a datasource
// provided by appName over the given relation.
func SynthesizeName(appName string, id relation.ID) string {
	return fmt.Sprintf("%s_%d", appName, id)
}

// NewRecord validates the raw relation data for one datasource and returns
// the normalized record. It fails closed: a record is returned only when
// every required field is present.
//
// Name uniqueness and default election are registry-wide concerns and are
// not decided here.
func NewRecord(id relation.ID, raw map[string]string) (Record, error) {
	rec := Record{
		RelationID: id,
		SourceType: raw[FieldSourceType],
		Address:    raw[FieldAddress],
		Port:       raw[FieldPort],
		SourceName: raw[FieldSourceName],
	}
	if rec.Address == "" {
		rec.Address = raw[FieldPrivateAddress]
	}

	var missing []string
	if rec.Address == "" {
		missing = append(missing, FieldAddress)
	}
	if rec.Port == "" {
		missing = append(missing, FieldPort)
	}
	if rec.SourceType == "" {
		missing = append(missing, FieldSourceType)
	}
	if len(missing) > 0 {
		return Record{}, errors.NotValidf("grafana source data missing required fields %v", missing)
	}
	return rec, nil
}
