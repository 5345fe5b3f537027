// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package container

import (
	"bytes"
	"path/filepath"
	"time"

	"github.com/canonical/pebble/client"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	yaml "gopkg.in/yaml.v2"
)

var logger = loggo.GetLogger("grafana.container")

const changeTimeout = 2 * time.Minute

type pebbleContainer struct {
	client *client.Client
}

// NewPebble returns a Container backed by the pebble daemon listening on
// socketPath.
func NewPebble(socketPath string) (Container, error) {
	pc, err := client.New(&client.Config{Socket: socketPath})
	if err != nil {
		return nil, errors.Annotate(err, "connecting to pebble")
	}
	return &pebbleContainer{client: pc}, nil
}

func (c *pebbleContainer) CanConnect() bool {
	if _, err := c.client.SysInfo(); err != nil {
		logger.Debugf("pebble not ready: %v", err)
		return false
	}
	return true
}

func (c *pebbleContainer) Push(path string, content []byte) error {
	err := c.client.Push(&client.PushOptions{
		Source:   bytes.NewReader(content),
		Path:     path,
		MakeDirs: true,
	})
	return errors.Annotatef(err, "pushing %q", path)
}

func (c *pebbleContainer) Pull(path string) ([]byte, error) {
	var buf bytes.Buffer
	err := c.client.Pull(&client.PullOptions{
		Path:   path,
		Target: &buf,
	})
	if err != nil {
		if isNotFound(err) {
			return nil, errors.NotFoundf("file %q", path)
		}
		return nil, errors.Annotatef(err, "pulling %q", path)
	}
	return buf.Bytes(), nil
}

func (c *pebbleContainer) Exists(path string) (bool, error) {
	_, err := c.client.ListFiles(&client.ListFilesOptions{
		Path:   path,
		Itself: true,
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, errors.Trace(err)
	}
	return true, nil
}

func (c *pebbleContainer) List(dir, pattern string) ([]string, error) {
	files, err := c.client.ListFiles(&client.ListFilesOptions{
		Path:    dir,
		Pattern: pattern,
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, errors.Annotatef(err, "listing %q", dir)
	}
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, filepath.Base(f.Path()))
	}
	return names, nil
}

func (c *pebbleContainer) Remove(path string) error {
	err := c.client.RemovePath(&client.RemovePathOptions{Path: path})
	if err != nil && !isNotFound(err) {
		return errors.Annotatef(err, "removing %q", path)
	}
	return nil
}

func (c *pebbleContainer) MakeDir(dir string) error {
	err := c.client.MakeDir(&client.MakeDirOptions{
		Path:        dir,
		MakeParents: true,
	})
	return errors.Annotatef(err, "creating %q", dir)
}

func (c *pebbleContainer) AddLayer(label string, layer Layer) error {
	data, err := yaml.Marshal(layer)
	if err != nil {
		return errors.Trace(err)
	}
	err = c.client.AddLayer(&client.AddLayerOptions{
		Combine:   true,
		Label:     label,
		LayerData: data,
	})
	return errors.Annotatef(err, "adding layer %q", label)
}

func (c *pebbleContainer) PlanServices() (map[string]ServiceSpec, error) {
	data, err := c.client.PlanBytes(&client.PlanOptions{})
	if err != nil {
		return nil, errors.Annotate(err, "fetching plan")
	}
	var plan struct {
		Services map[string]ServiceSpec `yaml:"services"`
	}
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, errors.Annotate(err, "parsing plan")
	}
	return plan.Services, nil
}

func (c *pebbleContainer) Restart(service string) error {
	changeID, err := c.client.Restart(&client.ServiceOptions{
		Names: []string{service},
	})
	if err != nil {
		return errors.Annotatef(err, "restarting %q", service)
	}
	return errors.Trace(c.waitChange(changeID))
}

func (c *pebbleContainer) Exec(argv []string) (string, error) {
	var out bytes.Buffer
	proc, err := c.client.Exec(&client.ExecOptions{
		Command: argv,
		Stdout:  &out,
		Stderr:  &out,
	})
	if err != nil {
		return "", errors.Annotatef(err, "executing %q", argv[0])
	}
	if err := proc.Wait(); err != nil {
		return out.String(), errors.Annotatef(err, "running %q", argv[0])
	}
	return out.String(), nil
}

func (c *pebbleContainer) waitChange(changeID string) error {
	change, err := c.client.WaitChange(changeID, &client.WaitChangeOptions{
		Timeout: changeTimeout,
	})
	if err != nil {
		return errors.Trace(err)
	}
	if change.Err != "" {
		return errors.New(change.Err)
	}
	return nil
}

func isNotFound(err error) bool {
	clientErr, ok := errors.Cause(err).(*client.Error)
	if !ok {
		return false
	}
	return clientErr.Kind == "not-found"
}
