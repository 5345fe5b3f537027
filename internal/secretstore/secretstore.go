// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package secretstore manages the shared admin credential. The leader
// creates it exactly once; followers read it, or wait until it exists.
// The credential is never rotated from here, only an administrator can
// change it afterwards.
package secretstore

import (
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/utils/v4"
)

var logger = loggo.GetLogger("grafana.secretstore")

// AdminLabel is the label of the shared admin credential secret.
const AdminLabel = "admin-credentials"

// Secrets is the hosting framework's secret store.
type Secrets interface {
	// GetSecret returns the content of the secret with the given label,
	// or an error satisfying errors.NotFound.
	GetSecret(label string) (map[string]string, error)

	// CreateSecret creates an application-owned secret. Only the leader
	// may call it.
	CreateSecret(label string, content map[string]string) error
}

// Leadership reports whether this unit leads the application.
type Leadership interface {
	IsLeader() bool
}

// Credentials is the admin username and password pair.
type Credentials struct {
	Username string
	Password string
}

// Store mediates access to the admin credential.
type Store struct {
	secrets    Secrets
	leadership Leadership
}

// NewStore returns a Store over the given secret backend.
func NewStore(secrets Secrets, leadership Leadership) *Store {
	return &Store{secrets: secrets, leadership: leadership}
}

// AdminCredentials returns the shared admin credential, creating it with
// a random password if this unit is the leader and none exists yet. A
// nil credential with nil error means a follower must wait for the
// leader to create it.
func (s *Store) AdminCredentials(username string) (*Credentials, error) {
	content, err := s.secrets.GetSecret(AdminLabel)
	if err == nil {
		return &Credentials{
			Username: content["username"],
			Password: content["password"],
		}, nil
	}
	if !errors.Is(err, errors.NotFound) {
		return nil, errors.Annotate(err, "reading admin credential")
	}

	if !s.leadership.IsLeader() {
		logger.Debugf("admin credential not created yet, waiting for leader")
		return nil, nil
	}

	password, err := utils.RandomPassword()
	if err != nil {
		return nil, errors.Trace(err)
	}
	content = map[string]string{
		"username": username,
		"password": password,
	}
	if err := s.secrets.CreateSecret(AdminLabel, content); err != nil {
		return nil, errors.Annotate(err, "creating admin credential")
	}
	logger.Infof("created admin credential secret")
	return &Credentials{Username: username, Password: password}, nil
}
