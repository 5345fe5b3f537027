// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package dashboard

import (
	"bytes"
	"encoding/base64"
	"io"

	"github.com/juju/errors"
	"github.com/klauspost/compress/gzip"
)

// Dashboards are far too large for relation data, which ultimately travels
// through the controller as command arguments. Templates are therefore
// compressed and base64-encoded for transport.

// Encode compresses content and wraps it in base64 for relation data.
func Encode(content string) (string, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write([]byte(content)); err != nil {
		return "", errors.Trace(err)
	}
	if err := w.Close(); err != nil {
		return "", errors.Trace(err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Decode reverses Encode. Any corruption in the transported payload is
// reported as a NotValid error so callers can invalidate the dashboard
// rather than fail the pass.
func Decode(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", errors.NotValidf("dashboard payload base64: %v", err)
	}
	r, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return "", errors.NotValidf("dashboard payload compression: %v", err)
	}
	defer func() { _ = r.Close() }()
	content, err := io.ReadAll(r)
	if err != nil {
		return "", errors.NotValidf("dashboard payload: %v", err)
	}
	return string(content), nil
}
