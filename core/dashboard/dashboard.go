// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package dashboard defines the dashboard record exchanged over the
// grafana-dashboard relation: its lifecycle states, the transport codec
// used to squeeze templates through relation data, and placeholder
// rendering.
package dashboard

import (
	"github.com/google/uuid"

	"github.com/canonical/grafana-k8s-operator/core/relation"
)

// State is the lifecycle state of a dashboard relation entry.
// The states are mutually exclusive.
type State int

const (
	// StateActive means the dashboard rendered successfully and is
	// provisioned on disk.
	StateActive State = iota

	// StateInvalidated means a prerequisite is unsatisfied or the
	// template failed to render. The submission is retained so the
	// dashboard can be restored without re-transmission.
	StateInvalidated

	// StateRemoved is terminal for the relation id.
	StateRemoved
)

// String is used in logs and status reporting.
func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateInvalidated:
		return "invalidated"
	case StateRemoved:
		return "removed"
	}
	return "unknown"
}

// Record is one dashboard submission, owned by the registry.
type Record struct {
	RelationID relation.ID `json:"relation_id"`

	// Charm is the name of the submitting charm, used to derive the
	// content-addressed filename on disk.
	Charm string `json:"charm"`

	// UID and Version deduplicate competing submissions of the same
	// dashboard.
	UID     string `json:"uid,omitempty"`
	Version int    `json:"version,omitempty"`

	// TemplateContent is the submitted template in transport encoding.
	TemplateContent string `json:"template"`

	// RenderedContent is the post-substitution dashboard JSON, set only
	// in StateActive.
	RenderedContent string `json:"content,omitempty"`

	// MonitoringTarget and MonitoringQuery are the topology strings
	// substituted into the template.
	MonitoringTarget string `json:"target,omitempty"`
	MonitoringQuery  string `json:"query,omitempty"`

	// UUID is a per-update nonce. It defeats the transport layer's
	// suppression of idempotent writes and appears nowhere in generated
	// artifacts.
	UUID string `json:"uuid"`

	State             State  `json:"state"`
	InvalidatedReason string `json:"reason,omitempty"`
}

// NewNonce returns a fresh anti-dedup nonce.
func NewNonce() string {
	return uuid.New().String()
}
