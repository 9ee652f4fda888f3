package registry

import (
	"time"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

// writer serialises durable writes of the peer table behind a single
// goroutine so concurrent mutations never race on the persisted value, and
// retries a failed write with the newest snapshot rather than failing the
// caller synchronously.
type writer struct {
	log     logrus.FieldLogger
	persist Persister
	work    chan []Peer
	done    chan struct{}
}

func newWriter(log logrus.FieldLogger, persist Persister) *writer {
	w := &writer{
		log:     log,
		persist: persist,
		work:    make(chan []Peer, 1),
		done:    make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *writer) enqueue(peers []Peer) {
	// Drain any stale pending snapshot so only the latest write is ever
	// attempted; persistence is fire-and-forget, not a queue.
	select {
	case <-w.work:
	default:
	}
	select {
	case w.work <- peers:
	case <-w.done:
	}
}

func (w *writer) stop() {
	close(w.done)
}

func (w *writer) loop() {
	for {
		select {
		case peers := <-w.work:
			w.writeWithRetry(peers)
		case <-w.done:
			return
		}
	}
}

func (w *writer) writeWithRetry(peers []Peer) {
	const maxAttempts = 5
	interval := 500 * time.Millisecond
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := w.persist.SavePeers(peers); err != nil {
			w.log.WithError(trace.Wrap(err)).Warnf("Failed to persist peer table, attempt %v/%v.", attempt, maxAttempts)
			select {
			case <-time.After(interval):
			case <-w.done:
				return
			}
			continue
		}
		return
	}
	w.log.Error("Giving up persisting peer table after repeated failures; last-known value stays in memory.")
}
