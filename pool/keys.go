package pool

import (
	"fmt"
	"strings"
)

// Etcd key layout of a Pool, rooted at its configured prefix:
//
//	<prefix>/pool/<seq>   => item identifier, in FIFO rotation order
//	<prefix>/usage/<item> => decimal allocation count of the item
//	<prefix>/epoch        => decimal rotation-cycle counter
//	<prefix>/alloc-lock   => distributed mutex of the allocation loop
//
// Pool entry keys order by their zero-padded load ordinal, so a prefixed
// range read in ascending key order walks entries in FIFO order and the
// first key of the range is the rotation head.

// EntryKey returns the pool entry key of load ordinal |seq|.
func EntryKey(prefix string, seq int) string {
	return fmt.Sprintf("%s/pool/%08d", prefix, seq)
}

// EntryPrefix returns the key prefix under which all pool entries live.
func EntryPrefix(prefix string) string { return prefix + "/pool/" }

// UsageKey returns the ledger key of |item|.
func UsageKey(prefix, item string) string { return prefix + "/usage/" + item }

// UsagePrefix returns the key prefix under which all ledger entries live.
func UsagePrefix(prefix string) string { return prefix + "/usage/" }

// EpochKey returns the key of the rotation-cycle counter.
func EpochKey(prefix string) string { return prefix + "/epoch" }

// LockKey returns the key of the allocation mutex.
func LockKey(prefix string) string { return prefix + "/alloc-lock" }

// itemOfUsageKey recovers the item identifier of a ledger key.
func itemOfUsageKey(prefix, key string) string {
	return strings.TrimPrefix(key, UsagePrefix(prefix))
}
