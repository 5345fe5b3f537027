// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package hooktool

import (
	"bytes"
	"os/exec"

	"github.com/juju/errors"
)

// ExecRunner runs hook tools from PATH.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(tool string, args ...string) ([]byte, error) {
	cmd := exec.Command(tool, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, errors.Annotatef(err, "%s: %s", tool, bytes.TrimSpace(stderr.Bytes()))
	}
	return stdout.Bytes(), nil
}
