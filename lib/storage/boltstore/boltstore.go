/*
Copyright 2018 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package boltstore is the agent's durable persistence layer. It stores
// exactly two keys in a single BoltDB bucket: "credentials" (CA, leaf cert,
// invite token, known peers) and "state" (local apps, settings, pending
// approvals). Every mutation is a create-or-patch of one of these two keys.
package boltstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/porpulsion/porpulsion/lib/defaults"
	"github.com/porpulsion/porpulsion/lib/identity"
	"github.com/porpulsion/porpulsion/lib/registry"

	"github.com/boltdb/bolt"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

const bucketName = "porpulsion"

// Store is a BoltDB-backed implementation of the persistence layer. It
// satisfies identity.Persister and the peer/state persistence contracts
// used by the registry and workload controller.
type Store struct {
	mu    sync.Mutex
	db    *bolt.DB
	clock clockwork.Clock
	log   logrus.FieldLogger
	path  string
}

// Config configures a Store.
type Config struct {
	// Path is the filesystem location of the BoltDB file.
	Path string
	// Clock defaults to the real clock. The Store keeps it but does not
	// read it.
	Clock clockwork.Clock
	// Timeout bounds how long Open waits for the file lock.
	Timeout time.Duration
}

// CheckAndSetDefaults validates the configuration and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Path == "" {
		return trace.BadParameter("missing Path parameter")
	}
	path, err := filepath.Abs(c.Path)
	if err != nil {
		return trace.Wrap(err, "expected a valid path")
	}
	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); err != nil {
		return trace.Wrap(err)
	}
	c.Path = path
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Timeout == 0 {
		c.Timeout = defaults.DBOpenTimeout
	}
	return nil
}

// Open opens (creating if necessary) the BoltDB file at cfg.Path.
func Open(cfg Config) (*Store, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	db, err := bolt.Open(cfg.Path, defaults.PrivateFileMask, &bolt.Options{
		Timeout: cfg.Timeout,
	})
	if err != nil {
		if err == bolt.ErrTimeout {
			return nil, trace.ConnectionProblem(err, "database %v is locked, is another instance running?", cfg.Path)
		}
		return nil, trace.Wrap(err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return trace.Wrap(err)
	})
	if err != nil {
		db.Close()
		return nil, trace.Wrap(err)
	}
	return &Store{
		db:    db,
		clock: cfg.Clock,
		path:  cfg.Path,
		log: logrus.WithFields(logrus.Fields{
			trace.Component: "boltstore",
			"path":          cfg.Path,
		}),
	}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return trace.Wrap(s.db.Close())
}

func (s *Store) getVal(key string, out interface{}) error {
	return s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(bucketName))
		data := bkt.Get([]byte(key))
		if data == nil {
			return trace.NotFound("%v not found", key)
		}
		return trace.Wrap(json.Unmarshal(data, out))
	})
}

func (s *Store) putVal(key string, val interface{}) error {
	data, err := json.Marshal(val)
	if err != nil {
		return trace.Wrap(err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(bucketName))
		return trace.Wrap(bkt.Put([]byte(key), data))
	})
}

// SaveCredentials patches the CA/cert/token fields of the credentials
// blob, leaving any previously-saved peers (set via SaveCredentialsWithPeers
// or SavePeers) untouched. Implements identity.Persister.
func (s *Store) SaveCredentials(creds identity.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var c CredentialsWithPeers
	err := s.getVal(defaults.CredentialsKey, &c)
	if err != nil && !trace.IsNotFound(err) {
		return trace.Wrap(err)
	}
	c.Credentials = creds
	return trace.Wrap(s.putVal(defaults.CredentialsKey, c))
}

// LoadCredentials loads the identity credentials bundle. Implements
// identity.Persister.
func (s *Store) LoadCredentials() (identity.Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var creds identity.Credentials
	if err := s.getVal(defaults.CredentialsKey, &creds); err != nil {
		return identity.Credentials{}, trace.Wrap(err)
	}
	return creds, nil
}

// PersistedPeer is the durable representation of a peer registry entry,
// stored inline in the credentials blob alongside CA material.
type PersistedPeer struct {
	Name        string    `json:"name"`
	URL         string    `json:"url"`
	CAPem       []byte    `json:"ca_pem"`
	ConnectedAt time.Time `json:"connected_at"`
}

// CredentialsWithPeers extends identity.Credentials with the list of known
// peers, matching the §6.4 "credentials" key layout: {ca.crt, ca.key,
// tls.crt, tls.key, invite-token, self-ip, peers}.
type CredentialsWithPeers struct {
	identity.Credentials
	SelfURL string          `json:"self-ip"`
	Peers   []PersistedPeer `json:"peers"`
}

// SaveCredentialsWithPeers persists the full credentials+peers blob in one
// write, keeping the patched key as the only field per the §6.4 contract.
func (s *Store) SaveCredentialsWithPeers(c CredentialsWithPeers) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return trace.Wrap(s.putVal(defaults.CredentialsKey, c))
}

// LoadCredentialsWithPeers loads the full credentials+peers blob.
func (s *Store) LoadCredentialsWithPeers() (CredentialsWithPeers, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var c CredentialsWithPeers
	if err := s.getVal(defaults.CredentialsKey, &c); err != nil {
		return CredentialsWithPeers{}, trace.Wrap(err)
	}
	return c, nil
}

// SavePeers patches the peers field of the credentials blob, leaving CA,
// leaf cert, invite token and self-url untouched. Implements
// registry.Persister.
func (s *Store) SavePeers(peers []registry.Peer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var c CredentialsWithPeers
	err := s.getVal(defaults.CredentialsKey, &c)
	if err != nil && !trace.IsNotFound(err) {
		return trace.Wrap(err)
	}
	c.Peers = make([]PersistedPeer, 0, len(peers))
	for _, p := range peers {
		c.Peers = append(c.Peers, PersistedPeer{
			Name:        p.Name,
			URL:         p.URL,
			CAPem:       p.CAPem,
			ConnectedAt: p.ConnectedAt,
		})
	}
	return trace.Wrap(s.putVal(defaults.CredentialsKey, c))
}

// LoadPeers returns the persisted peer list. Implements registry.Persister.
func (s *Store) LoadPeers() ([]registry.Peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var c CredentialsWithPeers
	if err := s.getVal(defaults.CredentialsKey, &c); err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]registry.Peer, 0, len(c.Peers))
	for _, p := range c.Peers {
		out = append(out, registry.Peer{
			Name:        p.Name,
			URL:         p.URL,
			CAPem:       p.CAPem,
			ConnectedAt: p.ConnectedAt,
		})
	}
	return out, nil
}

// State is the durable representation of the "state" key: local apps,
// settings, and pending approvals. The fields are raw JSON so this package
// never needs to import the workload/admission domain types (avoiding an
// import cycle); callers marshal/unmarshal their own typed values into
// these slots.
type State struct {
	LocalApps        json.RawMessage `json:"local_apps"`
	Settings         json.RawMessage `json:"settings"`
	PendingApprovals json.RawMessage `json:"pending_approval"`
}

// SaveState persists the state blob.
func (s *Store) SaveState(st State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return trace.Wrap(s.putVal(defaults.StateKey, st))
}

// LoadState loads the state blob. Returns a zero State, not an error, when
// nothing has been persisted yet so first-boot callers don't need a special
// case.
func (s *Store) LoadState() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st State
	err := s.getVal(defaults.StateKey, &st)
	if err != nil {
		if trace.IsNotFound(err) {
			return State{}, nil
		}
		return State{}, trace.Wrap(err)
	}
	return st, nil
}
