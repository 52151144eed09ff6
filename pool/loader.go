package pool

import (
	"bufio"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// LoadItemList reads the canonical item list from |path|: one item per line,
// with surrounding whitespace trimmed and blank lines skipped. A missing
// file or a file yielding no items is an error, as an allocator with no
// items has no recovery path and must not begin serving.
func LoadItemList(fs afero.Fs, path string) ([]string, error) {
	var f, err = fs.Open(path)
	if err != nil {
		return nil, errors.WithMessage(err, "opening item list")
	}
	defer f.Close()

	var items []string
	var scanner = bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			items = append(items, line)
		}
	}
	if err = scanner.Err(); err != nil {
		return nil, errors.WithMessage(err, "reading item list")
	}
	if len(items) == 0 {
		return nil, errors.Errorf("item list %s contains no items", path)
	}
	return items, nil
}
