// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package relation provides typed access to the key/value data
// buckets the controller attaches to every relation. All application-scoped
// writes in the charm funnel through the Adapter defined here, which is the
// single place leadership is checked.
package relation

import (
	"encoding/json"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
)

var logger = loggo.GetLogger("grafana.core.relation")

// ID identifies a relation for the lifetime of the model. IDs are never
// reused, which is what makes pending-deletion tracking by name safe after
// the relation itself is gone.
type ID int

// Owner selects which bucket of a relation to address.
type Owner string

const (
	// OwnerApplication is the bucket shared by all units of the
	// application. Only the leader may write it.
	OwnerApplication Owner = "application"

	// OwnerUnit is this unit's own bucket.
	OwnerUnit Owner = "unit"
)

// Bucket is the controller-side storage for relation data, as exposed by
// the hook tools.
type Bucket interface {
	// ReadData returns the content of the addressed bucket. Implementations
	// return a NotFound error if the relation does not exist.
	ReadData(id ID, owner Owner) (map[string]string, error)

	// WriteData sets a single key in the addressed bucket.
	WriteData(id ID, owner Owner, key, value string) error
}

// Leadership reports whether this unit currently holds leadership.
// Leadership can change between any two invocations, so implementations
// must not cache the answer.
type Leadership interface {
	IsLeader() bool
}

// Adapter wraps a Bucket with JSON (de)serialization, fault tolerance and
// the leader write gate.
type Adapter struct {
	bucket     Bucket
	leadership Leadership
}

// NewAdapter returns an Adapter over the given bucket.
func NewAdapter(bucket Bucket, leadership Leadership) *Adapter {
	return &Adapter{bucket: bucket, leadership: leadership}
}

// Read returns the addressed bucket's content. An absent relation or a
// transport fault yields an empty map: one unreachable peer must never
// break a reconciliation pass.
func (a *Adapter) Read(id ID, owner Owner) map[string]string {
	data, err := a.bucket.ReadData(id, owner)
	if err != nil {
		if !errors.Is(err, errors.NotFound) {
			logger.Warningf("reading relation %d %s data: %v", id, owner, err)
		}
		return map[string]string{}
	}
	if data == nil {
		return map[string]string{}
	}
	return data
}

// GetJSON decodes the JSON value stored under key into out. It reports
// whether a value was found. Malformed JSON is logged and treated as
// absent.
func (a *Adapter) GetJSON(id ID, owner Owner, key string, out interface{}) bool {
	raw, ok := a.Read(id, owner)[key]
	if !ok || raw == "" {
		return false
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		logger.Warningf("malformed JSON in relation %d %s data key %q: %v", id, owner, key, err)
		return false
	}
	return true
}

// SetString writes a single key. Application-scoped writes from a
// non-leader are skipped silently: callers write unconditionally and
// correctness is enforced here.
func (a *Adapter) SetString(id ID, owner Owner, key, value string) error {
	if owner == OwnerApplication && !a.leadership.IsLeader() {
		logger.Debugf("skipping app data write of %q on relation %d: not the leader", key, id)
		return nil
	}
	return errors.Trace(a.bucket.WriteData(id, owner, key, value))
}

// SetJSON JSON-encodes value and writes it under key, with the same
// leadership gate as SetString.
func (a *Adapter) SetJSON(id ID, owner Owner, key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return errors.Annotatef(err, "encoding relation data key %q", key)
	}
	return errors.Trace(a.SetString(id, owner, key, string(raw)))
}
