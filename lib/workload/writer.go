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

package workload

import (
	"time"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

// Persister durably stores the submitter's local_apps table. Implementations
// live in the persistence layer (lib/storage/boltstore in production, via
// an adapter that (un)marshals into its opaque state blob).
type Persister interface {
	SaveLocalApps([]RemoteApp) error
	LoadLocalApps() ([]RemoteApp, error)
}

// appWriter serialises durable writes of local_apps behind a single
// goroutine, same policy as the peer registry's writer: fire-and-forget
// with retry, one outstanding write at a time, always the latest snapshot.
type appWriter struct {
	log     logrus.FieldLogger
	persist Persister
	work    chan []RemoteApp
	done    chan struct{}
}

func newAppWriter(log logrus.FieldLogger, persist Persister) *appWriter {
	w := &appWriter{
		log:     log,
		persist: persist,
		work:    make(chan []RemoteApp, 1),
		done:    make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *appWriter) enqueue(apps []RemoteApp) {
	select {
	case <-w.work:
	default:
	}
	select {
	case w.work <- apps:
	case <-w.done:
	}
}

func (w *appWriter) stop() {
	close(w.done)
}

func (w *appWriter) loop() {
	for {
		select {
		case apps := <-w.work:
			w.writeWithRetry(apps)
		case <-w.done:
			return
		}
	}
}

func (w *appWriter) writeWithRetry(apps []RemoteApp) {
	const maxAttempts = 5
	interval := 500 * time.Millisecond
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := w.persist.SaveLocalApps(apps); err != nil {
			w.log.WithError(trace.Wrap(err)).Warnf("Failed to persist local apps, attempt %v/%v.", attempt, maxAttempts)
			select {
			case <-time.After(interval):
			case <-w.done:
				return
			}
			continue
		}
		return
	}
	w.log.Error("Giving up persisting local apps after repeated failures; last-known value stays in memory.")
}
