// Package pool implements a rotating allocator of a finite set of opaque
// items, coordinated through Etcd. Items are arranged in a FIFO rotation:
// the current head item is handed to callers until it reaches a configured
// usage limit, at which point it's retired and rotation advances to the next
// entry. When every entry has been retired the pool is reseeded from its
// canonical item list and rotation restarts.
//
// Pool state lives entirely in Etcd so that any number of allocator
// processes observe and mutate one consistent rotation. The multi-step
// allocation sequence runs under a distributed mutex, and every mutation
// is additionally guarded by a transaction compare over mutex ownership,
// so a process whose lease expires mid-sequence cannot commit stale writes.
package pool

import (
	"context"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.rotor.dev/core/metrics"
)

// ErrLockLost is returned when a mutation is rejected because this process
// no longer holds the allocation mutex (eg, its lease expired mid-sequence).
// The operation left no partial mutation and may be retried.
var ErrLockLost = errors.New("allocation lock was lost (lease expired?)")

// Assignment is a single allocation of an item to a caller.
type Assignment struct {
	// Item is the assigned item identifier.
	Item string `json:"assigned_item"`
	// Usage is the item's allocation count, inclusive of this Assignment.
	Usage int `json:"current_usage"`
}

// Status is a point-in-time view of pool rotation state.
type Status struct {
	// Epoch is the current rotation cycle, incremented with each full reset.
	Epoch int `json:"epoch"`
	// Remaining is the number of pool entries not yet retired this cycle.
	Remaining int `json:"remaining"`
	// Usage maps each tracked item to its allocation count.
	Usage map[string]int `json:"usage"`
}

// Config configures a Pool.
type Config struct {
	// Prefix is the Etcd key prefix rooting all Pool state. It must be a
	// "Clean" path as defined by path.Clean.
	Prefix string
	// Limit is the maximum number of allocations a single item serves before
	// it's retired from the current rotation cycle. It must be at least one.
	Limit int
	// Items is the canonical, ordered item list from which the pool is
	// seeded. It must be non-empty. Items are opaque, non-empty strings;
	// duplicates are treated as independent rotation entries which share a
	// single ledger count.
	Items []string
	// LeaseTTL bounds how long a crashed process may hold the allocation
	// mutex before its lease expires and peers proceed.
	LeaseTTL time.Duration
	// OnLedgerUpdate, if non-nil, is invoked with full ledger contents after
	// each successful allocation, outside of any Pool locks. It's the hook
	// through which ledger snapshots are queued for durable persistence.
	OnLedgerUpdate func(map[string]int)
}

// Validate returns an error if the Config is malformed.
func (cfg Config) Validate() error {
	if c := path.Clean(cfg.Prefix); c != cfg.Prefix || cfg.Prefix == "" || cfg.Prefix[0] != '/' {
		return errors.Errorf("prefix is not an absolute, clean path (%s)", cfg.Prefix)
	}
	if cfg.Limit < 1 {
		return errors.Errorf("limit must be at least one (%d)", cfg.Limit)
	}
	if len(cfg.Items) == 0 {
		return errors.New("canonical item list is empty")
	}
	for _, item := range cfg.Items {
		if item == "" {
			return errors.New("canonical item list contains an empty item")
		}
	}
	return nil
}

// Pool is a rotating item allocator backed by Etcd.
type Pool struct {
	cfg     Config
	etcd    *clientv3.Client
	session *concurrency.Session
	dMu     *concurrency.Mutex

	// localMu serializes in-process callers over the shared |dMu| instance,
	// which is not safe for concurrent use. Cross-process exclusion is
	// provided by |dMu| itself.
	localMu sync.Mutex
}

// NewPool validates the Config, establishes an Etcd lease session, and
// returns an initialized Pool. The caller must Close the Pool when done.
func NewPool(etcd *clientv3.Client, cfg Config) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessage(err, "validating Config")
	}
	var session, err = concurrency.NewSession(etcd,
		concurrency.WithTTL(int(cfg.LeaseTTL.Seconds())))
	if err != nil {
		return nil, errors.WithMessage(err, "establishing Etcd lease")
	}
	return &Pool{
		cfg:     cfg,
		etcd:    etcd,
		session: session,
		dMu:     concurrency.NewMutex(session, LockKey(cfg.Prefix)),
	}, nil
}

// Close revokes the Pool's Etcd lease, releasing the allocation mutex if held.
func (p *Pool) Close() error { return p.session.Close() }

// Allocate assigns the current rotation head to the caller and returns it
// with its post-increment usage count. If the head has reached the usage
// limit it's retired and the next entry is evaluated; if the pool is
// exhausted it's reset from the canonical list and rotation restarts.
// Errors reflect failed communication with Etcd and leave no partial
// mutation; callers may retry.
func (p *Pool) Allocate(ctx context.Context) (Assignment, error) {
	var started = time.Now()
	var asn, err = p.allocate(ctx)

	metrics.AllocateDurationSeconds.Observe(time.Since(started).Seconds())
	if err != nil {
		metrics.AllocationsTotal.WithLabelValues(metrics.Fail).Inc()
		return Assignment{}, err
	}
	metrics.AllocationsTotal.WithLabelValues(metrics.Ok).Inc()

	if p.cfg.OnLedgerUpdate != nil {
		if counts, err := p.ledger(ctx); err != nil {
			log.WithField("err", err).Warn("failed to read ledger for snapshot")
		} else {
			p.cfg.OnLedgerUpdate(counts)
		}
	}
	return asn, nil
}

func (p *Pool) allocate(ctx context.Context) (Assignment, error) {
	p.localMu.Lock()
	defer p.localMu.Unlock()

	if err := p.dMu.Lock(ctx); err != nil {
		return Assignment{}, errors.WithMessage(err, "acquiring allocation lock")
	}
	defer func() {
		if err := p.dMu.Unlock(context.Background()); err != nil {
			log.WithField("err", err).Warn("failed to release allocation lock")
		}
	}()

	for didReset := false; ; {
		var head, ok, err = p.peekHead(ctx)
		if err != nil {
			return Assignment{}, errors.WithMessage(err, "reading pool head")
		}

		if !ok {
			// The pool is exhausted. Reseed it and zero the ledger, then
			// re-evaluate with the fresh rotation.
			if didReset {
				// A reset seeds at least one entry, so a second empty read
				// means the pool was mutated out from under our lock.
				return Assignment{}, ErrLockLost
			}
			if err = p.reset(ctx); err != nil {
				return Assignment{}, errors.WithMessage(err, "resetting exhausted pool")
			}
			metrics.ResetsTotal.Inc()
			didReset = true
			continue
		}

		usage, usageCmp, err := p.usage(ctx, head.item)
		if err != nil {
			return Assignment{}, errors.WithMessage(err, "reading item usage")
		}

		if usage < p.cfg.Limit {
			// The head item has remaining capacity. Increment its ledger
			// entry and return it, leaving it at the head so that subsequent
			// calls continue to allocate it until it reaches the limit.
			err = p.mutate(ctx, []clientv3.Cmp{usageCmp},
				clientv3.OpPut(UsageKey(p.cfg.Prefix, head.item), strconv.Itoa(usage+1)))
			if err != nil {
				return Assignment{}, errors.WithMessage(err, "incrementing item usage")
			}
			return Assignment{Item: head.item, Usage: usage + 1}, nil
		}

		// The head item is saturated. Retire it and re-evaluate.
		err = p.mutate(ctx,
			[]clientv3.Cmp{clientv3.Compare(clientv3.ModRevision(head.key), "=", head.rev)},
			clientv3.OpDelete(head.key))
		if err != nil {
			return Assignment{}, errors.WithMessage(err, "retiring saturated item")
		}
		metrics.EvictionsTotal.Inc()
	}
}

// Reseed the pool from the canonical item list. If |force|, any existing pool
// and ledger state is cleared first. If pool entries still exist thereafter
// Reseed is a no-op, preserving in-flight rotation state of a prior process.
// Otherwise entries are seeded in canonical order and the ledger is
// initialized from |savedUsage| counts, defaulting to zero.
func (p *Pool) Reseed(ctx context.Context, force bool, savedUsage map[string]int) error {
	p.localMu.Lock()
	defer p.localMu.Unlock()

	if err := p.dMu.Lock(ctx); err != nil {
		return errors.WithMessage(err, "acquiring allocation lock")
	}
	defer func() {
		if err := p.dMu.Unlock(context.Background()); err != nil {
			log.WithField("err", err).Warn("failed to release allocation lock")
		}
	}()

	if force {
		if err := p.clear(ctx); err != nil {
			return errors.WithMessage(err, "clearing pool state")
		}
	}

	var resp, err = p.etcd.Get(ctx, EntryPrefix(p.cfg.Prefix),
		clientv3.WithPrefix(), clientv3.WithCountOnly())
	if err != nil {
		return errors.WithMessage(err, "counting pool entries")
	} else if resp.Count != 0 {
		return nil // Prior rotation state is preserved.
	}

	if err = p.seed(ctx, savedUsage); err != nil {
		return errors.WithMessage(err, "seeding pool")
	}
	log.WithFields(log.Fields{
		"prefix": p.cfg.Prefix,
		"items":  len(p.cfg.Items),
	}).Info("seeded pool from canonical item list")
	return nil
}

// Status returns a point-in-time view of rotation state.
func (p *Pool) Status(ctx context.Context) (Status, error) {
	var status = Status{}

	var resp, err = p.etcd.Get(ctx, EpochKey(p.cfg.Prefix))
	if err != nil {
		return Status{}, errors.WithMessage(err, "reading epoch")
	}
	if len(resp.Kvs) != 0 {
		if status.Epoch, err = strconv.Atoi(string(resp.Kvs[0].Value)); err != nil {
			return Status{}, errors.WithMessage(err, "parsing epoch")
		}
	}

	if resp, err = p.etcd.Get(ctx, EntryPrefix(p.cfg.Prefix),
		clientv3.WithPrefix(), clientv3.WithCountOnly()); err != nil {
		return Status{}, errors.WithMessage(err, "counting pool entries")
	}
	status.Remaining = int(resp.Count)

	if status.Usage, err = p.ledger(ctx); err != nil {
		return Status{}, errors.WithMessage(err, "reading ledger")
	}
	return status, nil
}

// head is a decoded pool entry.
type head struct {
	key  string // Etcd key of the entry.
	rev  int64  // ModRevision at which the entry was read.
	item string // Item identifier.
}

// peekHead reads the first pool entry in FIFO order.
func (p *Pool) peekHead(ctx context.Context) (head, bool, error) {
	var resp, err = p.etcd.Get(ctx, EntryPrefix(p.cfg.Prefix),
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend),
		clientv3.WithLimit(1))
	if err != nil {
		return head{}, false, err
	} else if len(resp.Kvs) == 0 {
		return head{}, false, nil
	}
	var kv = resp.Kvs[0]
	return head{key: string(kv.Key), rev: kv.ModRevision, item: string(kv.Value)}, true, nil
}

// usage reads the ledger count of |item|, defaulting to zero if absent, and
// returns a transaction compare asserting the entry is unchanged.
func (p *Pool) usage(ctx context.Context, item string) (int, clientv3.Cmp, error) {
	var key = UsageKey(p.cfg.Prefix, item)

	var resp, err = p.etcd.Get(ctx, key)
	if err != nil {
		return 0, clientv3.Cmp{}, err
	} else if len(resp.Kvs) == 0 {
		return 0, clientv3.Compare(clientv3.CreateRevision(key), "=", 0), nil
	}
	var count int
	if count, err = strconv.Atoi(string(resp.Kvs[0].Value)); err != nil {
		return 0, clientv3.Cmp{}, errors.Wrapf(err, "parsing usage of item %q", item)
	}
	return count, clientv3.Compare(clientv3.ModRevision(key), "=", resp.Kvs[0].ModRevision), nil
}

// ledger reads full ledger contents.
func (p *Pool) ledger(ctx context.Context) (map[string]int, error) {
	var resp, err = p.etcd.Get(ctx, UsagePrefix(p.cfg.Prefix), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	var counts = make(map[string]int, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var count int
		if count, err = strconv.Atoi(string(kv.Value)); err != nil {
			return nil, errors.Wrapf(err, "parsing ledger key %q", string(kv.Key))
		}
		counts[itemOfUsageKey(p.cfg.Prefix, string(kv.Key))] = count
	}
	return counts, nil
}

// mutate commits |ops| in a transaction guarded by ownership of the
// allocation mutex and any additional |cmps|. A rejected transaction means
// the lock was lost or state moved under us, and surfaces as ErrLockLost.
func (p *Pool) mutate(ctx context.Context, cmps []clientv3.Cmp, ops ...clientv3.Op) error {
	var resp, err = p.etcd.Txn(ctx).
		If(append(cmps, p.dMu.IsOwner())...).
		Then(ops...).
		Commit()
	if err != nil {
		return err
	} else if !resp.Succeeded {
		return ErrLockLost
	}
	return nil
}

// clear removes all pool entries and ledger counts.
func (p *Pool) clear(ctx context.Context) error {
	return p.mutate(ctx, nil,
		clientv3.OpDelete(EntryPrefix(p.cfg.Prefix), clientv3.WithPrefix()),
		clientv3.OpDelete(UsagePrefix(p.cfg.Prefix), clientv3.WithPrefix()),
	)
}

// reset clears and then reseeds the pool, bumping the rotation epoch.
// Clear and seed are separate transactions, as Etcd rejects a transaction
// which both deletes a key range and puts keys within it. A crash between
// the two leaves an empty pool and ledger, which the next allocation
// self-heals by resetting again.
func (p *Pool) reset(ctx context.Context) error {
	if err := p.clear(ctx); err != nil {
		return err
	}
	if err := p.seed(ctx, nil); err != nil {
		return err
	}
	log.WithField("prefix", p.cfg.Prefix).Info("pool exhausted; reset from canonical item list")
	return nil
}

// seed populates pool entries in canonical order, initializes ledger counts
// from |savedUsage| (defaulting to zero), and bumps the rotation epoch,
// all in one guarded transaction.
func (p *Pool) seed(ctx context.Context, savedUsage map[string]int) error {
	var epoch int

	var resp, err = p.etcd.Get(ctx, EpochKey(p.cfg.Prefix))
	if err != nil {
		return errors.WithMessage(err, "reading epoch")
	}
	if len(resp.Kvs) != 0 {
		if epoch, err = strconv.Atoi(string(resp.Kvs[0].Value)); err != nil {
			return errors.WithMessage(err, "parsing epoch")
		}
	}

	var ops = []clientv3.Op{
		clientv3.OpPut(EpochKey(p.cfg.Prefix), strconv.Itoa(epoch+1)),
	}
	var seen = make(map[string]struct{}, len(p.cfg.Items))

	for seq, item := range p.cfg.Items {
		ops = append(ops, clientv3.OpPut(EntryKey(p.cfg.Prefix, seq), item))

		// A duplicated item is an independent pool entry, but holds a single
		// ledger count (and may be seeded only once within this transaction).
		if _, dup := seen[item]; dup {
			continue
		}
		seen[item] = struct{}{}
		ops = append(ops, clientv3.OpPut(
			UsageKey(p.cfg.Prefix, item), strconv.Itoa(savedUsage[item])))
	}
	return p.mutate(ctx, nil, ops...)
}
