// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package container abstracts the workload container's filesystem and
// service manager. The reconcilers talk to this interface only; the one
// concrete implementation speaks the pebble API over the container's
// local socket.
package container

// ServiceSpec describes one service in a pebble layer.
type ServiceSpec struct {
	Override    string            `yaml:"override,omitempty"`
	Summary     string            `yaml:"summary,omitempty"`
	Command     string            `yaml:"command,omitempty"`
	Startup     string            `yaml:"startup,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty"`
}

// Layer is a pebble configuration layer.
type Layer struct {
	Summary     string                 `yaml:"summary,omitempty"`
	Description string                 `yaml:"description,omitempty"`
	Services    map[string]ServiceSpec `yaml:"services,omitempty"`
}

// Container is the surface the reconcilers need from a workload
// container. Paths are absolute paths inside the container.
type Container interface {
	// CanConnect reports whether the container's service manager is
	// reachable. Reconciliation is deferred while it is not.
	CanConnect() bool

	// Push writes content to path, creating parent directories.
	Push(path string, content []byte) error

	// Pull reads the file at path. It returns an error satisfying
	// errors.NotFound when the file does not exist.
	Pull(path string) ([]byte, error)

	// Exists reports whether path exists.
	Exists(path string) (bool, error)

	// List returns the base names of files in dir matching pattern.
	// A missing directory is not an error; it lists as empty.
	List(dir, pattern string) ([]string, error)

	// Remove deletes the file at path.
	Remove(path string) error

	// MakeDir creates dir and any missing parents.
	MakeDir(dir string) error

	// AddLayer combines layer into the plan under label.
	AddLayer(label string, layer Layer) error

	// PlanServices returns the services of the current combined plan.
	PlanServices() (map[string]ServiceSpec, error)

	// Restart restarts the named service, starting it if inactive, and
	// waits for the change to complete.
	Restart(service string) error

	// Exec runs argv to completion and returns its combined output.
	Exec(argv []string) (string, error)
}
