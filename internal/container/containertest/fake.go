// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package containertest provides an in-memory Container for reconciler
// tests.
package containertest

import (
	"path"
	"sort"
	"strings"

	"github.com/juju/errors"

	"github.com/canonical/grafana-k8s-operator/internal/container"
)

// Fake is an in-memory Container. The zero value is not usable; call
// NewFake.
type Fake struct {
	Connected bool

	files  map[string][]byte
	dirs   map[string]bool
	layers map[string]container.Layer

	// Restarts records restarted service names in order.
	Restarts []string

	// Commands records every Exec argv.
	Commands [][]string

	// ExecResults maps a command's first argument to canned output.
	ExecResults map[string]string

	// PushErr, when set, fails every Push with this error.
	PushErr error
}

// NewFake returns a connected empty Fake.
func NewFake() *Fake {
	return &Fake{
		Connected:   true,
		files:       make(map[string][]byte),
		dirs:        make(map[string]bool),
		layers:      make(map[string]container.Layer),
		ExecResults: make(map[string]string),
	}
}

func (f *Fake) CanConnect() bool {
	return f.Connected
}

func (f *Fake) Push(p string, content []byte) error {
	if f.PushErr != nil {
		return f.PushErr
	}
	f.files[p] = append([]byte(nil), content...)
	f.dirs[path.Dir(p)] = true
	return nil
}

func (f *Fake) Pull(p string) ([]byte, error) {
	content, ok := f.files[p]
	if !ok {
		return nil, errors.NotFoundf("file %q", p)
	}
	return append([]byte(nil), content...), nil
}

func (f *Fake) Exists(p string) (bool, error) {
	if _, ok := f.files[p]; ok {
		return true, nil
	}
	return f.dirs[p], nil
}

func (f *Fake) List(dir, pattern string) ([]string, error) {
	var names []string
	for p := range f.files {
		if path.Dir(p) != strings.TrimRight(dir, "/") {
			continue
		}
		name := path.Base(p)
		if pattern != "" {
			ok, err := path.Match(pattern, name)
			if err != nil {
				return nil, errors.Trace(err)
			}
			if !ok {
				continue
			}
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (f *Fake) Remove(p string) error {
	delete(f.files, p)
	return nil
}

func (f *Fake) MakeDir(dir string) error {
	f.dirs[dir] = true
	return nil
}

func (f *Fake) AddLayer(label string, layer container.Layer) error {
	f.layers[label] = layer
	return nil
}

func (f *Fake) PlanServices() (map[string]container.ServiceSpec, error) {
	merged := make(map[string]container.ServiceSpec)
	for _, layer := range f.layers {
		for name, svc := range layer.Services {
			merged[name] = svc
		}
	}
	return merged, nil
}

func (f *Fake) Restart(service string) error {
	f.Restarts = append(f.Restarts, service)
	return nil
}

func (f *Fake) Exec(argv []string) (string, error) {
	f.Commands = append(f.Commands, argv)
	if out, ok := f.ExecResults[argv[0]]; ok {
		return out, nil
	}
	return "", nil
}

// File returns the stored content for path, or nil.
func (f *Fake) File(p string) []byte {
	return f.files[p]
}

// HasFile reports whether path holds content.
func (f *Fake) HasFile(p string) bool {
	_, ok := f.files[p]
	return ok
}

// Layer returns the layer stored under label.
func (f *Fake) Layer(label string) (container.Layer, bool) {
	layer, ok := f.layers[label]
	return layer, ok
}
