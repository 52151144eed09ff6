package pool

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func TestItemListLoadCases(t *testing.T) {
	var fs = afero.NewMemMapFs()

	// Case: items are trimmed, and blank lines are skipped.
	require.NoError(t, afero.WriteFile(fs, "links.txt",
		[]byte("one\n\n  two  \n\nthree\n"), 0600))

	var items, err = LoadItemList(fs, "links.txt")
	require.NoError(t, err)
	require.Equal(t, []string{"one", "two", "three"}, items)

	// Case: a file with no items is an error.
	require.NoError(t, afero.WriteFile(fs, "empty.txt", []byte("\n  \n"), 0600))

	_, err = LoadItemList(fs, "empty.txt")
	require.EqualError(t, err, "item list empty.txt contains no items")

	// Case: a missing file is an error.
	_, err = LoadItemList(fs, "does-not-exist.txt")
	require.Error(t, err)
}
