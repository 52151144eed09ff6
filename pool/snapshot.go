package pool

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.rotor.dev/core/metrics"
)

// LoadSnapshot reads a durable usage snapshot from |path|, returning a
// mapping of item to allocation count. A missing or unparseable snapshot is
// recovered by returning an empty mapping: the snapshot exists only to carry
// counts across restarts, and discarding a corrupt one merely restarts all
// items at usage zero.
func LoadSnapshot(fs afero.Fs, path string) map[string]int {
	var counts = make(map[string]int)

	var data, err = afero.ReadFile(fs, path)
	if os.IsNotExist(err) {
		return counts
	} else if err != nil {
		log.WithFields(log.Fields{"path": path, "err": err}).
			Warn("failed to read usage snapshot; starting all items at zero")
		return counts
	}

	if err = json.Unmarshal(data, &counts); err != nil {
		log.WithFields(log.Fields{"path": path, "err": err}).
			Warn("failed to parse usage snapshot; starting all items at zero")
		return make(map[string]int)
	}
	return counts
}

// Persister asynchronously writes ledger snapshots to a local file. Writes
// are best-effort and coalesced: Queue retains only the most recent ledger
// contents, which Serve flushes on an interval and at shutdown. A write
// failure is logged as a durability warning and never surfaced to
// allocation callers, as Etcd remains authoritative for all counts.
type Persister struct {
	fs       afero.Fs
	path     string
	interval time.Duration

	mu     sync.Mutex
	next   map[string]int
	doneCh chan struct{}
}

// NewPersister returns an empty, initialized Persister writing to |path|.
func NewPersister(fs afero.Fs, path string, interval time.Duration) *Persister {
	return &Persister{
		fs:       fs,
		path:     path,
		interval: interval,
		doneCh:   make(chan struct{}),
	}
}

// Queue ledger contents for an eventual snapshot write, replacing any
// previously queued contents not yet flushed.
func (p *Persister) Queue(counts map[string]int) {
	defer p.mu.Unlock()
	p.mu.Lock()

	p.next = counts
}

// Serve flushes queued snapshots on the Persister interval until Finish is
// called, at which point it performs a final flush and exits.
func (p *Persister) Serve() {
	var ticker = time.NewTicker(p.interval)

	for exiting := false; !exiting; {
		select {
		case <-ticker.C:
		case <-p.doneCh:
			exiting = true
			ticker.Stop()
		}

		p.mu.Lock()
		var counts = p.next
		p.next = nil
		p.mu.Unlock()

		if counts == nil {
			continue // Nothing queued since the last flush.
		}
		if err := p.persist(counts); err != nil {
			log.WithFields(log.Fields{"path": p.path, "err": err}).
				Warn("failed to write usage snapshot (will retry with next update)")
			metrics.SnapshotFailuresTotal.Inc()
		}
	}
	close(p.doneCh)
}

// Finish signals Serve to flush any queued snapshot and exit, and blocks
// until it has.
func (p *Persister) Finish() {
	p.doneCh <- struct{}{}
	<-p.doneCh
}

// persist writes |counts| to a temporary file which is atomically renamed
// into place, so a crashed process never leaves a torn snapshot behind.
func (p *Persister) persist(counts map[string]int) error {
	var next = p.path + ".next"

	var f, err = p.fs.OpenFile(next, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return errors.WithMessage(err, "creating snapshot file")
	}

	if err = json.NewEncoder(f).Encode(counts); err != nil {
		_ = f.Close()
		return errors.WithMessage(err, "encoding snapshot")
	} else if err = f.Close(); err != nil {
		return errors.WithMessage(err, "closing snapshot file")
	} else if err = p.fs.Rename(next, p.path); err != nil {
		return errors.WithMessage(err, "renaming next => current")
	}
	return nil
}
