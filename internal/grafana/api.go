// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package grafana

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/juju/errors"
)

// Doer is the slice of http.Client the API client needs.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// APIClient talks to the workload's own HTTP API for health and
// credential probes.
type APIClient struct {
	baseURL string
	client  Doer
}

// NewAPIClient returns an APIClient for the workload at baseURL. A nil
// doer gets a default client with a short timeout.
func NewAPIClient(baseURL string, doer Doer) *APIClient {
	if doer == nil {
		doer = &http.Client{Timeout: 2 * time.Second}
	}
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  doer,
	}
}

// IsReady reports whether the workload is up with a healthy database.
// The health endpoint requires no authentication. Unreachable or
// half-started workloads report not ready, never an error.
func (c *APIClient) IsReady(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false
	}
	var health struct {
		Database string `json:"database"`
	}
	// An empty body mid-startup is expected.
	if err := json.Unmarshal(body, &health); err != nil {
		return false
	}
	return health.Database == "ok"
}

// PasswordHasBeenChanged reports whether the given credentials have been
// invalidated by an administrator changing the password out of band.
func (c *APIClient) PasswordHasBeenChanged(ctx context.Context, username, password string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/org", nil)
	if err != nil {
		return false, errors.Trace(err)
	}
	req.SetBasicAuth(username, password)

	resp, err := c.client.Do(req)
	if err != nil {
		return false, errors.Annotate(err, "cannot determine if password has been changed")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, errors.Trace(err)
	}
	return strings.Contains(string(body), "invalid username"), nil
}
