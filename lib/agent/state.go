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

package agent

import (
	"encoding/json"
	"sync"

	"github.com/porpulsion/porpulsion/lib/admission"
	"github.com/porpulsion/porpulsion/lib/storage/boltstore"
	"github.com/porpulsion/porpulsion/lib/workload"

	"github.com/gravitational/trace"
)

// stateStore adapts boltstore.Store's single "state" blob to the three
// narrower persistence interfaces the workload controller, the executor
// and the admission settings each expect. A load-modify-save cycle is
// serialized behind one mutex so the controller's local_apps writes and
// the executor's pending-approval writes never clobber each other's half
// of the blob.
type stateStore struct {
	mu sync.Mutex
	db *boltstore.Store
}

func newStateStore(db *boltstore.Store) *stateStore {
	return &stateStore{db: db}
}

func (s *stateStore) SaveLocalApps(apps []workload.RemoteApp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.db.LoadState()
	if err != nil {
		return trace.Wrap(err)
	}
	raw, err := json.Marshal(apps)
	if err != nil {
		return trace.Wrap(err)
	}
	st.LocalApps = raw
	return trace.Wrap(s.db.SaveState(st))
}

func (s *stateStore) LoadLocalApps() ([]workload.RemoteApp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.db.LoadState()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(st.LocalApps) == 0 {
		return nil, nil
	}
	var apps []workload.RemoteApp
	if err := json.Unmarshal(st.LocalApps, &apps); err != nil {
		return nil, trace.Wrap(err)
	}
	return apps, nil
}

func (s *stateStore) SavePendingApprovals(approvals []workload.PendingApproval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.db.LoadState()
	if err != nil {
		return trace.Wrap(err)
	}
	raw, err := json.Marshal(approvals)
	if err != nil {
		return trace.Wrap(err)
	}
	st.PendingApprovals = raw
	return trace.Wrap(s.db.SaveState(st))
}

func (s *stateStore) LoadPendingApprovals() ([]workload.PendingApproval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.db.LoadState()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(st.PendingApprovals) == 0 {
		return nil, nil
	}
	var approvals []workload.PendingApproval
	if err := json.Unmarshal(st.PendingApprovals, &approvals); err != nil {
		return nil, trace.Wrap(err)
	}
	return approvals, nil
}

// SaveSettings persists the operator-controlled admission.Settings.
func (s *stateStore) SaveSettings(settings admission.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.db.LoadState()
	if err != nil {
		return trace.Wrap(err)
	}
	raw, err := json.Marshal(settings)
	if err != nil {
		return trace.Wrap(err)
	}
	st.Settings = raw
	return trace.Wrap(s.db.SaveState(st))
}

// LoadSettings returns the persisted settings, or admission.DefaultSettings
// when nothing has been saved yet.
func (s *stateStore) LoadSettings() (admission.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.db.LoadState()
	if err != nil {
		return admission.Settings{}, trace.Wrap(err)
	}
	if len(st.Settings) == 0 {
		return admission.DefaultSettings(), nil
	}
	var settings admission.Settings
	if err := json.Unmarshal(st.Settings, &settings); err != nil {
		return admission.Settings{}, trace.Wrap(err)
	}
	return settings, nil
}
