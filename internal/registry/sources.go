// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package registry tracks the datasources and dashboards submitted by
// related applications. It owns all validation, deduplication and lifecycle
// decisions; the config generators only ever see its snapshots.
package registry

import (
	"fmt"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/canonical/grafana-k8s-operator/core/relation"
	"github.com/canonical/grafana-k8s-operator/core/source"
)

var logger = loggo.GetLogger("grafana.registry")

const (
	sourcesKey         = "grafana_source_data"
	sourcesToDeleteKey = "grafana_sources_to_delete"
	dashboardsStateKey = "grafana_dashboard_data"
)

// SourceRegistry validates and normalizes datasources arriving over
// grafana-source relations. Its state is persisted in the peer relation's
// application bucket so any unit that becomes leader can continue from the
// same view.
type SourceRegistry struct {
	adapter *relation.Adapter
	peerID  relation.ID

	// sources is insertion-ordered; the order decides default election
	// and keeps generated artifacts stable.
	sources  []source.Record
	toDelete set.Strings
}

// NewSourceRegistry returns an empty registry persisting through the given
// peer relation.
func NewSourceRegistry(adapter *relation.Adapter, peerID relation.ID) *SourceRegistry {
	return &SourceRegistry{
		adapter:  adapter,
		peerID:   peerID,
		toDelete: set.NewStrings(),
	}
}

// Load restores registry state from the peer bucket. Malformed or absent
// state yields an empty registry, never an error.
func (r *SourceRegistry) Load() {
	var records []source.Record
	if r.adapter.GetJSON(r.peerID, relation.OwnerApplication, sourcesKey, &records) {
		r.sources = records
	}
	var names []string
	if r.adapter.GetJSON(r.peerID, relation.OwnerApplication, sourcesToDeleteKey, &names) {
		r.toDelete = set.NewStrings(names...)
	}
}

// Save persists registry state to the peer bucket. On followers the write
// is skipped by the adapter.
func (r *SourceRegistry) Save() error {
	if err := r.adapter.SetJSON(r.peerID, relation.OwnerApplication, sourcesKey, r.sources); err != nil {
		return errors.Trace(err)
	}
	err := r.adapter.SetJSON(r.peerID, relation.OwnerApplication, sourcesToDeleteKey, r.toDelete.SortedValues())
	return errors.Trace(err)
}

// Register validates raw relation data for the given relation and stores
// the normalized record. On validation failure any previously stored record
// for that relation is dropped into the pending-deletion set and the error
// is returned for the caller to log; a malformed peer must not break the
// pass.
func (r *SourceRegistry) Register(id relation.ID, appName string, raw map[string]string) (source.Record, error) {
	rec, err := source.NewRecord(id, raw)
	if err != nil {
		r.Deregister(id)
		return source.Record{}, errors.Trace(err)
	}

	if rec.SourceName == "" || r.nameInUse(rec.SourceName, id) {
		name := r.uniqueName(source.SynthesizeName(appName, id), id)
		if rec.SourceName != "" {
			logger.Warningf("source name %q already in use, using %q", rec.SourceName, name)
		}
		rec.SourceName = name
	}

	if prev, ok := r.lookup(id); ok {
		// An update keeps its position and its default flag.
		rec.IsDefault = prev.IsDefault
		if prev.SourceName != rec.SourceName {
			r.toDelete.Add(prev.SourceName)
		}
		r.replace(id, rec)
	} else {
		rec.IsDefault = !r.hasDefault()
		r.sources = append(r.sources, rec)
	}

	// A re-registered name is live again.
	r.toDelete.Remove(rec.SourceName)

	r.ensureSingleDefault()
	return rec, nil
}

// Deregister moves the record for the given relation into the
// pending-deletion set, keyed by source name since the relation id may no
// longer be resolvable downstream. Removing an absent relation is a no-op.
func (r *SourceRegistry) Deregister(id relation.ID) {
	rec, ok := r.lookup(id)
	if !ok {
		return
	}
	r.toDelete.Add(rec.SourceName)
	filtered := r.sources[:0]
	for _, s := range r.sources {
		if s.RelationID != id {
			filtered = append(filtered, s)
		}
	}
	r.sources = filtered
	// Removal never promotes a new default; the next registration into a
	// defaultless set becomes the default.
}

// Active returns the insertion-ordered snapshot of live datasources.
func (r *SourceRegistry) Active() []source.Record {
	out := make([]source.Record, len(r.sources))
	copy(out, r.sources)
	return out
}

// ToDelete returns the names awaiting a delete directive, sorted for
// deterministic artifact generation.
func (r *SourceRegistry) ToDelete() []string {
	return r.toDelete.SortedValues()
}

// AckDeletions drops names whose delete directive has been emitted and
// applied by the workload's provisioning subsystem.
func (r *SourceRegistry) AckDeletions(names []string) {
	for _, name := range names {
		r.toDelete.Remove(name)
	}
}

// KnownRelations returns the relation ids currently holding records, used
// by the orchestrator to detect relations that disappeared without a
// broken event.
func (r *SourceRegistry) KnownRelations() []relation.ID {
	ids := make([]relation.ID, 0, len(r.sources))
	for _, s := range r.sources {
		ids = append(ids, s.RelationID)
	}
	return ids
}

func (r *SourceRegistry) lookup(id relation.ID) (source.Record, bool) {
	for _, s := range r.sources {
		if s.RelationID == id {
			return s, true
		}
	}
	return source.Record{}, false
}

func (r *SourceRegistry) replace(id relation.ID, rec source.Record) {
	for i, s := range r.sources {
		if s.RelationID == id {
			r.sources[i] = rec
			return
		}
	}
}

// uniqueName disambiguates a synthesized name that itself collides with a
// live record, which happens when a remote application is named like a
// previous synthesis. A numeric suffix is counted up until free, keeping
// the result deterministic for a given registry state.
func (r *SourceRegistry) uniqueName(base string, exclude relation.ID) string {
	name := base
	for n := 1; r.nameInUse(name, exclude); n++ {
		name = fmt.Sprintf("%s_%d", base, n)
	}
	return name
}

func (r *SourceRegistry) nameInUse(name string, exclude relation.ID) bool {
	for _, s := range r.sources {
		if s.RelationID != exclude && s.SourceName == name {
			return true
		}
	}
	return false
}

func (r *SourceRegistry) hasDefault() bool {
	for _, s := range r.sources {
		if s.IsDefault {
			return true
		}
	}
	return false
}

// ensureSingleDefault keeps the earliest default and clears any others.
// Two defaults would be a registry bug; this recomputation is what the
// invariant relies on after every mutation.
func (r *SourceRegistry) ensureSingleDefault() {
	seen := false
	for i := range r.sources {
		if r.sources[i].IsDefault {
			if seen {
				r.sources[i].IsDefault = false
			}
			seen = true
		}
	}
}
