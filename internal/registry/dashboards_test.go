// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package registry_test

import (
	"github.com/juju/errors"
	jujutesting "github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/canonical/grafana-k8s-operator/core/dashboard"
	"github.com/canonical/grafana-k8s-operator/core/relation"
	"github.com/canonical/grafana-k8s-operator/internal/registry"
)

type dashboardRegistrySuite struct {
	jujutesting.IsolationSuite

	adapter  *relation.Adapter
	registry *registry.DashboardRegistry
}

var _ = gc.Suite(&dashboardRegistrySuite{})

func (s *dashboardRegistrySuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.adapter = relation.NewAdapter(newMemoryBucket(), leaderAlways{})
	s.registry = registry.NewDashboardRegistry(s.adapter, peerID)
	s.registry.Datasource = "prometheus_7"
}

func encoded(c *gc.C, content string) string {
	enc, err := dashboard.Encode(content)
	c.Assert(err, jc.ErrorIsNil)
	return enc
}

func (s *dashboardRegistrySuite) submission(c *gc.C, content string) registry.Submission {
	return registry.Submission{Charm: "node-exporter", Template: encoded(c, content)}
}

func (s *dashboardRegistrySuite) TestRegisterRendersTemplate(c *gc.C) {
	sub := s.submission(c, `{"ds": "${datasource}"}`)
	c.Assert(s.registry.Register(3, sub, true), jc.ErrorIsNil)

	active := s.registry.Active()
	c.Assert(active, gc.HasLen, 1)
	c.Assert(active[0].State, gc.Equals, dashboard.StateActive)
	c.Assert(active[0].RenderedContent, gc.Equals, `{"ds": "prometheus_7"}`)
	c.Assert(active[0].UUID, gc.Not(gc.Equals), "")
}

func (s *dashboardRegistrySuite) TestPrerequisiteUnsatisfiedInvalidates(c *gc.C) {
	sub := s.submission(c, `{}`)
	c.Assert(s.registry.Register(3, sub, false), jc.ErrorIsNil)

	c.Assert(s.registry.Active(), gc.HasLen, 0)
	invalid := s.registry.Invalidated()
	c.Assert(invalid, gc.HasLen, 1)
	c.Assert(invalid[0].InvalidatedReason, gc.Matches, ".*metrics relation.*")
}

func (s *dashboardRegistrySuite) TestBadTemplateInvalidatesWithReason(c *gc.C) {
	sub := s.submission(c, `{"ds": "${datasource`)
	c.Assert(s.registry.Register(3, sub, true), jc.ErrorIsNil)

	invalid := s.registry.Invalidated()
	c.Assert(invalid, gc.HasLen, 1)
	c.Assert(invalid[0].InvalidatedReason, gc.Matches, ".*unterminated placeholder.*")
}

func (s *dashboardRegistrySuite) TestBadPayloadInvalidatesWithReason(c *gc.C) {
	sub := registry.Submission{Charm: "node-exporter", Template: "%%%not transportable%%%"}
	c.Assert(s.registry.Register(3, sub, true), jc.ErrorIsNil)

	invalid := s.registry.Invalidated()
	c.Assert(invalid, gc.HasLen, 1)
	c.Assert(invalid[0].InvalidatedReason, gc.Matches, ".*base64.*")
}

func (s *dashboardRegistrySuite) TestInvalidateAllAndRestoreAll(c *gc.C) {
	c.Assert(s.registry.Register(3, s.submission(c, `{"a": 1}`), true), jc.ErrorIsNil)
	c.Assert(s.registry.Register(4, s.submission(c, `{"b": 2}`), true), jc.ErrorIsNil)

	s.registry.InvalidateAll("metrics relation went away")
	c.Assert(s.registry.Active(), gc.HasLen, 0)
	c.Assert(s.registry.Invalidated(), gc.HasLen, 2)

	s.registry.RestoreAll()
	c.Assert(s.registry.Active(), gc.HasLen, 2)
	c.Assert(s.registry.Invalidated(), gc.HasLen, 0)
}

func (s *dashboardRegistrySuite) TestRemoveIsTerminal(c *gc.C) {
	c.Assert(s.registry.Register(3, s.submission(c, `{}`), true), jc.ErrorIsNil)
	s.registry.Remove(3)
	c.Assert(s.registry.Active(), gc.HasLen, 0)

	err := s.registry.Register(3, s.submission(c, `{}`), true)
	c.Assert(err, jc.Satisfies, errors.IsNotValid)
}

func (s *dashboardRegistrySuite) TestRemoveIdempotent(c *gc.C) {
	s.registry.Remove(3)
	s.registry.Remove(3)
	c.Assert(s.registry.Active(), gc.HasLen, 0)
}

func (s *dashboardRegistrySuite) TestDedupPrefersHigherVersion(c *gc.C) {
	older := s.submission(c, `{"rev": 1}`)
	older.UID = "node-dash"
	older.Version = 1
	newer := s.submission(c, `{"rev": 2}`)
	newer.UID = "node-dash"
	newer.Version = 2

	c.Assert(s.registry.Register(3, older, true), jc.ErrorIsNil)
	c.Assert(s.registry.Register(4, newer, true), jc.ErrorIsNil)

	active := s.registry.Active()
	c.Assert(active, gc.HasLen, 1)
	c.Assert(active[0].Version, gc.Equals, 2)
}

func (s *dashboardRegistrySuite) TestDedupEqualVersionsStableTieBreak(c *gc.C) {
	a := s.submission(c, `{"rev": "a"}`)
	a.UID = "node-dash"
	a.Version = 1
	b := s.submission(c, `{"rev": "b"}`)
	b.UID = "node-dash"
	b.Version = 1

	c.Assert(s.registry.Register(3, a, true), jc.ErrorIsNil)
	c.Assert(s.registry.Register(4, b, true), jc.ErrorIsNil)
	first := s.registry.Active()

	// Same submissions in the opposite order pick the same winner.
	other := registry.NewDashboardRegistry(s.adapter, peerID)
	other.Datasource = "prometheus_7"
	c.Assert(other.Register(4, b, true), jc.ErrorIsNil)
	c.Assert(other.Register(3, a, true), jc.ErrorIsNil)
	second := other.Active()

	c.Assert(first, gc.HasLen, 1)
	c.Assert(second, gc.HasLen, 1)
	c.Assert(first[0].RenderedContent, gc.Equals, second[0].RenderedContent)
}

func (s *dashboardRegistrySuite) TestSaveLoadRoundTrip(c *gc.C) {
	c.Assert(s.registry.Register(3, s.submission(c, `{"a": 1}`), true), jc.ErrorIsNil)
	s.registry.Remove(9)
	c.Assert(s.registry.Save(), jc.ErrorIsNil)

	restored := registry.NewDashboardRegistry(s.adapter, peerID)
	restored.Datasource = "prometheus_7"
	restored.Load()
	c.Assert(restored.Active(), jc.DeepEquals, s.registry.Active())
	err := restored.Register(9, s.submission(c, `{}`), true)
	c.Assert(err, jc.Satisfies, errors.IsNotValid)
}

func (s *dashboardRegistrySuite) TestUUIDChangesPerUpdateOnly(c *gc.C) {
	c.Assert(s.registry.Register(3, s.submission(c, `{"a": 1}`), true), jc.ErrorIsNil)
	first := s.registry.Active()[0].UUID

	// Re-registering identical data every pass must not churn the record.
	c.Assert(s.registry.Register(3, s.submission(c, `{"a": 1}`), true), jc.ErrorIsNil)
	c.Assert(s.registry.Active()[0].UUID, gc.Equals, first)

	c.Assert(s.registry.Register(3, s.submission(c, `{"a": 2}`), true), jc.ErrorIsNil)
	c.Assert(s.registry.Active()[0].UUID, gc.Not(gc.Equals), first)
}

func (s *dashboardRegistrySuite) TestIdenticalReRegistrationPersistsIdentically(c *gc.C) {
	c.Assert(s.registry.Register(3, s.submission(c, `{"a": 1}`), true), jc.ErrorIsNil)
	c.Assert(s.registry.Save(), jc.ErrorIsNil)
	first := s.adapter.Read(peerID, relation.OwnerApplication)

	c.Assert(s.registry.Register(3, s.submission(c, `{"a": 1}`), true), jc.ErrorIsNil)
	c.Assert(s.registry.Save(), jc.ErrorIsNil)
	second := s.adapter.Read(peerID, relation.OwnerApplication)

	c.Assert(second, jc.DeepEquals, first)
}

func (s *dashboardRegistrySuite) TestRemoveBeforeSubmissionIsTerminal(c *gc.C) {
	s.registry.Remove(3)

	err := s.registry.Register(3, s.submission(c, `{}`), true)
	c.Assert(err, jc.Satisfies, errors.IsNotValid)
	c.Assert(s.registry.Active(), gc.HasLen, 0)
}
