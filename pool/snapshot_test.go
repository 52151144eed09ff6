package pool

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func TestSnapshotLoadOfMissingFile(t *testing.T) {
	var fs = afero.NewMemMapFs()
	require.Equal(t, map[string]int{}, LoadSnapshot(fs, "item_usage.json"))
}

func TestSnapshotLoadOfMalformedFile(t *testing.T) {
	var fs = afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "item_usage.json", []byte("{not json"), 0600))

	// A corrupt snapshot is discarded, not fatal: all items restart at zero.
	require.Equal(t, map[string]int{}, LoadSnapshot(fs, "item_usage.json"))
}

func TestSnapshotRoundTrip(t *testing.T) {
	var fs = afero.NewMemMapFs()
	var persister = NewPersister(fs, "item_usage.json", time.Hour)

	go persister.Serve()

	persister.Queue(map[string]int{"A": 2, "B": 1})
	persister.Finish() // Flushes the queued snapshot.

	require.Equal(t, map[string]int{"A": 2, "B": 1}, LoadSnapshot(fs, "item_usage.json"))
}

func TestSnapshotWritesAreCoalesced(t *testing.T) {
	var fs = afero.NewMemMapFs()
	var persister = NewPersister(fs, "item_usage.json", time.Hour)

	go persister.Serve()

	// Only the most recent queued contents are written.
	persister.Queue(map[string]int{"A": 1})
	persister.Queue(map[string]int{"A": 2})
	persister.Finish()

	require.Equal(t, map[string]int{"A": 2}, LoadSnapshot(fs, "item_usage.json"))
}

func TestSnapshotWriteFailureIsNotFatal(t *testing.T) {
	var fs = afero.NewReadOnlyFs(afero.NewMemMapFs())
	var persister = NewPersister(fs, "item_usage.json", time.Hour)

	go persister.Serve()

	// The write fails (read-only filesystem), and Serve logs and carries on.
	persister.Queue(map[string]int{"A": 1})
	persister.Finish()

	require.Equal(t, map[string]int{}, LoadSnapshot(fs, "item_usage.json"))
}
