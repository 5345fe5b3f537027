// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package hash tracks content digests of pushed configuration artifacts
// so the reconciler can tell a real change from a no-op regeneration.
package hash

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
)

var logger = loggo.GetLogger("grafana.hash")

// Sum returns the hex digest of content.
func Sum(content []byte) string {
	digest := sha256.Sum256(content)
	return hex.EncodeToString(digest[:])
}

// ShortSum returns the first seven hex characters of the digest, used in
// content-addressed file names.
func ShortSum(content []byte) string {
	return Sum(content)[:7]
}

// Tracker remembers the last confirmed digest per named slot. A slot with
// no recorded digest always reports changed, which makes the first pass
// after process start write everything once. Reconciliation is single
// threaded, so no locking.
type Tracker struct {
	slots map[string]string
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{slots: make(map[string]string)}
}

// HasChanged reports whether content differs from the last digest
// confirmed for name. It records nothing; call Confirm after the write
// lands.
func (t *Tracker) HasChanged(name string, content []byte) bool {
	last, ok := t.slots[name]
	if !ok {
		return true
	}
	return last != Sum(content)
}

// Confirm records content's digest for name. Call it only after the
// corresponding write has succeeded, so that a failed push is retried on
// the next pass.
func (t *Tracker) Confirm(name string, content []byte) {
	t.slots[name] = Sum(content)
}

// Matches reports whether the last confirmed digest for name is the
// digest of content. An empty slot never matches.
func (t *Tracker) Matches(name string, content []byte) bool {
	last, ok := t.slots[name]
	return ok && last == Sum(content)
}

// Forget drops the digest for name, forcing the next HasChanged to report
// true.
func (t *Tracker) Forget(name string) {
	delete(t.slots, name)
}

// SeedFrom primes an empty slot from the current on-disk content, read
// lazily. It avoids a spurious rewrite on the first pass after a process
// restart when the artifact is already in place. A read failure is not an
// error; the slot stays empty and the artifact gets rewritten.
func (t *Tracker) SeedFrom(name string, read func() ([]byte, error)) {
	if _, ok := t.slots[name]; ok {
		return
	}
	content, err := read()
	if err != nil {
		if !errors.Is(err, errors.NotFound) {
			logger.Debugf("cannot seed digest for %q: %v", name, err)
		}
		return
	}
	t.slots[name] = Sum(content)
}
