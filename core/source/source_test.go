// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package source_test

import (
	stdtesting "testing"

	"github.com/juju/errors"
	jujutesting "github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/canonical/grafana-k8s-operator/core/source"
)

func Test(t *stdtesting.T) {
	gc.TestingT(t)
}

type recordSuite struct {
	jujutesting.IsolationSuite
}

var _ = gc.Suite(&recordSuite{})

func (s *recordSuite) TestNewRecord(c *gc.C) {
	rec, err := source.NewRecord(7, map[string]string{
		"address":     "192.0.2.1",
		"port":        "1234",
		"source-type": "prometheus",
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(rec.SourceType, gc.Equals, "prometheus")
	c.Assert(rec.URL(), gc.Equals, "http://192.0.2.1:1234")
	c.Assert(rec.SourceName, gc.Equals, "")
}

func (s *recordSuite) TestPrivateAddressFallback(c *gc.C) {
	rec, err := source.NewRecord(7, map[string]string{
		"private-address": "10.0.0.4",
		"port":            "9090",
		"source-type":     "prometheus",
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(rec.Address, gc.Equals, "10.0.0.4")
}

func (s *recordSuite) TestMissingFieldsFailClosed(c *gc.C) {
	_, err := source.NewRecord(7, map[string]string{"port": "1234"})
	c.Assert(err, jc.Satisfies, errors.IsNotValid)
	c.Assert(err, gc.ErrorMatches, `.*\[address source-type\].*`)
}

func (s *recordSuite) TestSynthesizeName(c *gc.C) {
	c.Assert(source.SynthesizeName("prometheus", 7), gc.Equals, "prometheus_7")
}
