// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package grafana_test

import (
	"context"
	"net/http"
	"net/http/httptest"

	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/canonical/grafana-k8s-operator/internal/grafana"
)

type apiSuite struct{}

var _ = gc.Suite(&apiSuite{})

func (s *apiSuite) TestIsReady(c *gc.C) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.Check(r.URL.Path, gc.Equals, "/api/health")
		_, _ = w.Write([]byte(`{"database": "ok", "version": "9.5.3"}`))
	}))
	defer srv.Close()

	client := grafana.NewAPIClient(srv.URL, nil)
	c.Check(client.IsReady(context.Background()), jc.IsTrue)
}

func (s *apiSuite) TestIsReadyDatabaseNotOK(c *gc.C) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"database": "failing"}`))
	}))
	defer srv.Close()

	client := grafana.NewAPIClient(srv.URL, nil)
	c.Check(client.IsReady(context.Background()), jc.IsFalse)
}

func (s *apiSuite) TestIsReadyEmptyBody(c *gc.C) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	client := grafana.NewAPIClient(srv.URL, nil)
	c.Check(client.IsReady(context.Background()), jc.IsFalse)
}

func (s *apiSuite) TestIsReadyUnreachable(c *gc.C) {
	client := grafana.NewAPIClient("http://127.0.0.1:1", nil)
	c.Check(client.IsReady(context.Background()), jc.IsFalse)
}

func (s *apiSuite) TestPasswordUnchanged(c *gc.C) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		c.Check(ok, jc.IsTrue)
		c.Check(user, gc.Equals, "admin")
		c.Check(pass, gc.Equals, "swordfish")
		_, _ = w.Write([]byte(`{"id": 1, "name": "Main Org."}`))
	}))
	defer srv.Close()

	client := grafana.NewAPIClient(srv.URL, nil)
	changed, err := client.PasswordHasBeenChanged(context.Background(), "admin", "swordfish")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(changed, jc.IsFalse)
}

func (s *apiSuite) TestPasswordChanged(c *gc.C) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message": "invalid username or password"}`))
	}))
	defer srv.Close()

	client := grafana.NewAPIClient(srv.URL, nil)
	changed, err := client.PasswordHasBeenChanged(context.Background(), "admin", "stale")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(changed, jc.IsTrue)
}

func (s *apiSuite) TestPasswordProbeUnreachable(c *gc.C) {
	client := grafana.NewAPIClient("http://127.0.0.1:1", nil)
	_, err := client.PasswordHasBeenChanged(context.Background(), "admin", "x")
	c.Assert(err, gc.ErrorMatches, "cannot determine if password has been changed.*")
}
