// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package registry

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/juju/errors"

	"github.com/canonical/grafana-k8s-operator/core/dashboard"
	"github.com/canonical/grafana-k8s-operator/core/relation"
)

// Submission is one dashboard template arriving over a relation, already
// transport-decoded by the caller.
type Submission struct {
	Charm    string
	Template string
	UID      string
	Version  int

	// Target and Query are the monitoring-topology strings substituted
	// into the template alongside the datasource name.
	Target string
	Query  string
}

// DashboardRegistry tracks dashboard submissions per relation through the
// UNSEEN -> ACTIVE <-> INVALIDATED -> REMOVED lifecycle.
type DashboardRegistry struct {
	adapter *relation.Adapter
	peerID  relation.ID

	// PreferHigherVersion selects the dedup policy for competing
	// submissions sharing a uid: when true the higher version wins, with
	// a stable content-digest tie-break on equal versions.
	PreferHigherVersion bool

	// Datasource is the datasource name substituted for the
	// ${datasource} placeholder when rendering templates.
	Datasource string

	order   []relation.ID
	records map[relation.ID]*dashboard.Record
	removed map[relation.ID]bool
}

// NewDashboardRegistry returns an empty dashboard registry persisting
// through the given peer relation.
func NewDashboardRegistry(adapter *relation.Adapter, peerID relation.ID) *DashboardRegistry {
	return &DashboardRegistry{
		adapter:             adapter,
		peerID:              peerID,
		PreferHigherVersion: true,
		records:             make(map[relation.ID]*dashboard.Record),
		removed:             make(map[relation.ID]bool),
	}
}

type dashboardState struct {
	Order   []relation.ID                     `json:"order"`
	Records map[relation.ID]*dashboard.Record `json:"records"`
	Removed []relation.ID                     `json:"removed"`
}

// Load restores registry state from the peer bucket.
func (r *DashboardRegistry) Load() {
	var state dashboardState
	if !r.adapter.GetJSON(r.peerID, relation.OwnerApplication, dashboardsStateKey, &state) {
		return
	}
	r.order = state.Order
	if state.Records != nil {
		r.records = state.Records
	}
	for _, id := range state.Removed {
		r.removed[id] = true
	}
}

// Save persists registry state to the peer bucket.
func (r *DashboardRegistry) Save() error {
	state := dashboardState{Order: r.order, Records: r.records}
	for id := range r.removed {
		state.Removed = append(state.Removed, id)
	}
	err := r.adapter.SetJSON(r.peerID, relation.OwnerApplication, dashboardsStateKey, state)
	return errors.Trace(err)
}

// Register stores a dashboard submission for the given relation. When
// prerequisiteSatisfied is false the dashboard is stored invalidated with a
// reason, so it can be restored later without re-submission. Template
// errors likewise invalidate rather than fail.
func (r *DashboardRegistry) Register(id relation.ID, sub Submission, prerequisiteSatisfied bool) error {
	if r.removed[id] {
		return errors.NotValidf("dashboard relation %d already removed", id)
	}

	rec := &dashboard.Record{
		RelationID:       id,
		Charm:            sub.Charm,
		UID:              sub.UID,
		Version:          sub.Version,
		TemplateContent:  sub.Template,
		MonitoringTarget: sub.Target,
		MonitoringQuery:  sub.Query,
		UUID:             r.submissionNonce(id, sub),
	}

	if !prerequisiteSatisfied {
		rec.State = dashboard.StateInvalidated
		rec.InvalidatedReason = "waiting for a metrics relation to be established"
	} else {
		r.render(rec)
	}

	if _, known := r.records[id]; !known {
		r.order = append(r.order, id)
	}
	r.records[id] = rec
	return nil
}

// InvalidateAll marks every non-removed dashboard invalidated with the
// given reason. Used when the prerequisite relation disappears.
func (r *DashboardRegistry) InvalidateAll(reason string) {
	for _, rec := range r.records {
		if rec.State == dashboard.StateActive {
			rec.State = dashboard.StateInvalidated
			rec.InvalidatedReason = reason
			rec.RenderedContent = ""
		}
	}
}

// RestoreAll re-renders every invalidated dashboard from its retained
// template. Used when the prerequisite relation reappears.
func (r *DashboardRegistry) RestoreAll() {
	for _, rec := range r.records {
		if rec.State == dashboard.StateInvalidated {
			r.render(rec)
		}
	}
}

// Remove permanently removes the dashboard for the given relation.
// Removal is terminal for that relation id, whether or not a submission
// ever arrived, and idempotent.
func (r *DashboardRegistry) Remove(id relation.ID) {
	delete(r.records, id)
	filtered := r.order[:0]
	for _, known := range r.order {
		if known != id {
			filtered = append(filtered, known)
		}
	}
	r.order = filtered
	r.removed[id] = true
}

// Active returns the insertion-ordered snapshot of renderable dashboards,
// deduplicated by uid.
func (r *DashboardRegistry) Active() []dashboard.Record {
	winners := make(map[string]relation.ID)
	for _, id := range r.order {
		rec := r.records[id]
		if rec == nil || rec.State != dashboard.StateActive || rec.UID == "" {
			continue
		}
		prevID, ok := winners[rec.UID]
		if !ok || r.prefer(*rec, *r.records[prevID]) {
			winners[rec.UID] = id
		}
	}
	var out []dashboard.Record
	for _, id := range r.order {
		rec := r.records[id]
		if rec == nil || rec.State != dashboard.StateActive {
			continue
		}
		if rec.UID != "" && winners[rec.UID] != id {
			continue
		}
		out = append(out, *rec)
	}
	return out
}

// Invalidated returns the records currently invalidated, with reasons, so
// the orchestrator can report them back to the submitting relations.
func (r *DashboardRegistry) Invalidated() []dashboard.Record {
	var out []dashboard.Record
	for _, id := range r.order {
		rec := r.records[id]
		if rec != nil && rec.State == dashboard.StateInvalidated {
			out = append(out, *rec)
		}
	}
	return out
}

// submissionNonce returns the stored record's nonce when the incoming
// submission is identical to it, so re-registering unchanged data on every
// pass does not churn the persisted state. A fresh nonce is stamped only
// when the submission actually changed.
func (r *DashboardRegistry) submissionNonce(id relation.ID, sub Submission) string {
	prev, ok := r.records[id]
	if ok && prev.Charm == sub.Charm && prev.UID == sub.UID &&
		prev.Version == sub.Version && prev.TemplateContent == sub.Template &&
		prev.MonitoringTarget == sub.Target && prev.MonitoringQuery == sub.Query {
		return prev.UUID
	}
	return dashboard.NewNonce()
}

func (r *DashboardRegistry) render(rec *dashboard.Record) {
	decoded, err := dashboard.Decode(rec.TemplateContent)
	if err != nil {
		rec.State = dashboard.StateInvalidated
		rec.InvalidatedReason = err.Error()
		rec.RenderedContent = ""
		return
	}
	rendered, err := dashboard.Render(decoded, dashboard.RenderContext{
		Datasource: r.Datasource,
		Target:     rec.MonitoringTarget,
		Query:      rec.MonitoringQuery,
	})
	if err != nil {
		rec.State = dashboard.StateInvalidated
		rec.InvalidatedReason = err.Error()
		rec.RenderedContent = ""
		return
	}
	rec.State = dashboard.StateActive
	rec.InvalidatedReason = ""
	rec.RenderedContent = rendered
}

// prefer reports whether a should win over b under the dedup policy.
func (r *DashboardRegistry) prefer(a, b dashboard.Record) bool {
	if a.Version != b.Version {
		higher := a.Version > b.Version
		if r.PreferHigherVersion {
			return higher
		}
		return !higher
	}
	return contentDigest(a.RenderedContent) < contentDigest(b.RenderedContent)
}

func contentDigest(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
