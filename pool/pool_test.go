package pool

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.rotor.dev/core/etcdtest"
)

func TestConfigValidationCases(t *testing.T) {
	var model = func() Config {
		return Config{
			Prefix:   "/rotor/test",
			Limit:    2,
			Items:    []string{"one", "two"},
			LeaseTTL: time.Minute,
		}
	}

	require.NoError(t, model().Validate())

	var cfg = model()
	cfg.Prefix = "relative/prefix"
	require.EqualError(t, cfg.Validate(), "prefix is not an absolute, clean path (relative/prefix)")

	cfg = model()
	cfg.Prefix = "/trailing/slash/"
	require.Error(t, cfg.Validate())

	cfg = model()
	cfg.Limit = 0
	require.EqualError(t, cfg.Validate(), "limit must be at least one (0)")

	cfg = model()
	cfg.Items = nil
	require.EqualError(t, cfg.Validate(), "canonical item list is empty")

	cfg = model()
	cfg.Items = []string{"one", ""}
	require.EqualError(t, cfg.Validate(), "canonical item list contains an empty item")
}

func TestSaturateThenAdvance(t *testing.T) {
	var client, ctx = etcdtest.TestClient(), context.Background()
	defer etcdtest.Cleanup()

	var p = newTestPool(t, client, Config{
		Prefix:   "/rotor/test",
		Limit:    2,
		Items:    []string{"A", "B"},
		LeaseTTL: time.Minute,
	})
	defer p.Close()
	require.NoError(t, p.Reseed(ctx, false, nil))

	// The head item serves consecutive callers until it reaches the usage
	// limit, and only then does rotation advance.
	var expect = []Assignment{
		{Item: "A", Usage: 1},
		{Item: "A", Usage: 2},
		{Item: "B", Usage: 1},
		{Item: "B", Usage: 2},
	}
	for _, e := range expect {
		var asn, err = p.Allocate(ctx)
		require.NoError(t, err)
		require.Equal(t, e, asn)
	}

	// A fifth call triggers a full reset, and rotation restarts at A with a
	// ledger reflecting only the post-reset allocation.
	var asn, err = p.Allocate(ctx)
	require.NoError(t, err)
	require.Equal(t, Assignment{Item: "A", Usage: 1}, asn)

	var status Status
	status, err = p.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, status.Epoch)
	require.Equal(t, map[string]int{"A": 1, "B": 0}, status.Usage)
}

func TestSingleItemResetLoop(t *testing.T) {
	var client, ctx = etcdtest.TestClient(), context.Background()
	defer etcdtest.Cleanup()

	var p = newTestPool(t, client, Config{
		Prefix:   "/rotor/test",
		Limit:    1,
		Items:    []string{"only"},
		LeaseTTL: time.Minute,
	})
	defer p.Close()
	require.NoError(t, p.Reseed(ctx, true, nil))

	// Each allocation saturates the single item, and the next one resets the
	// pool and allocates it again. No call ever errors.
	for i := 0; i != 4; i++ {
		var asn, err = p.Allocate(ctx)
		require.NoError(t, err)
		require.Equal(t, Assignment{Item: "only", Usage: 1}, asn)
	}

	var status, err = p.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, status.Epoch) // Initial seed plus three resets.
}

func TestDuplicateItemsAreIndependentEntries(t *testing.T) {
	var client, ctx = etcdtest.TestClient(), context.Background()
	defer etcdtest.Cleanup()

	var p = newTestPool(t, client, Config{
		Prefix:   "/rotor/test",
		Limit:    1,
		Items:    []string{"dup", "other", "dup"},
		LeaseTTL: time.Minute,
	})
	defer p.Close()
	require.NoError(t, p.Reseed(ctx, false, nil))

	// The first "dup" entry saturates at usage one and retires. The second
	// "dup" entry is then immediately saturated as well (the entries share
	// one ledger count), so rotation skips to a reset after "other".
	var expect = []Assignment{
		{Item: "dup", Usage: 1},
		{Item: "other", Usage: 1},
		{Item: "dup", Usage: 1}, // Reset occurred; second entry never served.
	}
	for _, e := range expect {
		var asn, err = p.Allocate(ctx)
		require.NoError(t, err)
		require.Equal(t, e, asn)
	}
}

func TestReseedPreservesPriorRotation(t *testing.T) {
	var client, ctx = etcdtest.TestClient(), context.Background()
	defer etcdtest.Cleanup()

	var cfg = Config{
		Prefix:   "/rotor/test",
		Limit:    3,
		Items:    []string{"A", "B"},
		LeaseTTL: time.Minute,
	}
	var p = newTestPool(t, client, cfg)
	require.NoError(t, p.Reseed(ctx, false, nil))

	for i := 0; i != 2; i++ {
		var _, err = p.Allocate(ctx)
		require.NoError(t, err)
	}
	require.NoError(t, p.Close())

	// A second process bootstraps without force-reset: Etcd state is
	// preserved, and its snapshot counts are not applied.
	var p2 = newTestPool(t, client, cfg)
	defer p2.Close()
	require.NoError(t, p2.Reseed(ctx, false, map[string]int{"A": 99}))

	var asn, err = p2.Allocate(ctx)
	require.NoError(t, err)
	require.Equal(t, Assignment{Item: "A", Usage: 3}, asn)
}

func TestReseedAppliesSavedUsage(t *testing.T) {
	var client, ctx = etcdtest.TestClient(), context.Background()
	defer etcdtest.Cleanup()

	var p = newTestPool(t, client, Config{
		Prefix:   "/rotor/test",
		Limit:    2,
		Items:    []string{"A", "B"},
		LeaseTTL: time.Minute,
	})
	defer p.Close()

	// Counts of a restored snapshot seed the ledger. Counts of items no
	// longer in the canonical list are dropped.
	require.NoError(t, p.Reseed(ctx, false, map[string]int{"A": 2, "gone": 7}))

	var asn, err = p.Allocate(ctx)
	require.NoError(t, err)
	require.Equal(t, Assignment{Item: "B", Usage: 1}, asn)

	var status Status
	status, err = p.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]int{"A": 2, "B": 1}, status.Usage)
	require.Equal(t, 1, status.Remaining) // "A" was retired in passing.
}

func TestForceReseedClearsPriorState(t *testing.T) {
	var client, ctx = etcdtest.TestClient(), context.Background()
	defer etcdtest.Cleanup()

	var cfg = Config{
		Prefix:   "/rotor/test",
		Limit:    2,
		Items:    []string{"A", "B"},
		LeaseTTL: time.Minute,
	}
	var p = newTestPool(t, client, cfg)
	defer p.Close()

	require.NoError(t, p.Reseed(ctx, false, nil))
	for i := 0; i != 3; i++ {
		var _, err = p.Allocate(ctx)
		require.NoError(t, err)
	}

	require.NoError(t, p.Reseed(ctx, true, nil))

	var asn, err = p.Allocate(ctx)
	require.NoError(t, err)
	require.Equal(t, Assignment{Item: "A", Usage: 1}, asn)
}

func TestConcurrentAllocationAcrossProcesses(t *testing.T) {
	var client, ctx = etcdtest.TestClient(), context.Background()
	defer etcdtest.Cleanup()

	var cfg = Config{
		Prefix:   "/rotor/test",
		Limit:    2,
		Items:    []string{"A", "B"},
		LeaseTTL: time.Minute,
	}
	// Two Pool instances with independent sessions model two allocator
	// processes racing on the shared rotation.
	var p1 = newTestPool(t, client, cfg)
	defer p1.Close()
	var p2 = newTestPool(t, client, cfg)
	defer p2.Close()

	require.NoError(t, p1.Reseed(ctx, false, nil))

	// Eight racing allocations are exactly two full rotation cycles. The
	// distributed critical section totally orders them, so each (item, usage)
	// pair is observed exactly twice and usage never exceeds the limit.
	var mu sync.Mutex
	var observed = make(map[string]int)
	var wg sync.WaitGroup

	for i := 0; i != 8; i++ {
		var p = p1
		if i%2 == 1 {
			p = p2
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			var asn, err = p.Allocate(ctx)
			require.NoError(t, err)
			require.LessOrEqual(t, asn.Usage, cfg.Limit)

			mu.Lock()
			observed[fmt.Sprintf("%s:%d", asn.Item, asn.Usage)]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Equal(t, map[string]int{
		"A:1": 2, "A:2": 2,
		"B:1": 2, "B:2": 2,
	}, observed)
}

func TestLedgerUpdateHookObservesAllocation(t *testing.T) {
	var client, ctx = etcdtest.TestClient(), context.Background()
	defer etcdtest.Cleanup()

	var updates []map[string]int
	var p = newTestPool(t, client, Config{
		Prefix:         "/rotor/test",
		Limit:          2,
		Items:          []string{"A", "B"},
		LeaseTTL:       time.Minute,
		OnLedgerUpdate: func(counts map[string]int) { updates = append(updates, counts) },
	})
	defer p.Close()
	require.NoError(t, p.Reseed(ctx, false, nil))

	for i := 0; i != 3; i++ {
		var _, err = p.Allocate(ctx)
		require.NoError(t, err)
	}
	require.Equal(t, []map[string]int{
		{"A": 1, "B": 0},
		{"A": 2, "B": 0},
		{"A": 2, "B": 1},
	}, updates)
}

func TestAllocateFailsFastOnStoreError(t *testing.T) {
	var client, _ = etcdtest.TestClient(), context.Background()
	defer etcdtest.Cleanup()

	var p = newTestPool(t, client, Config{
		Prefix:   "/rotor/test",
		Limit:    2,
		Items:    []string{"A"},
		LeaseTTL: time.Minute,
	})
	defer p.Close()

	var ctx, cancel = context.WithCancel(context.Background())
	cancel()

	var _, err = p.Allocate(ctx)
	require.Error(t, err)
}

func newTestPool(t *testing.T, client *clientv3.Client, cfg Config) *Pool {
	var p, err = NewPool(client, cfg)
	require.NoError(t, err)
	return p
}

func TestMain(m *testing.M) { etcdtest.TestMainWithEtcd(m) }
