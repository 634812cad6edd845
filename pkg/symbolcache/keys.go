package symbolcache

import (
	"crypto/md5" //nolint:gosec // used as a non-cryptographic content hash for cache keys, not for security
	"encoding/hex"
	"sort"
	"strings"
)

// normalizeProvider lower-cases a provider name before any key
// construction. This is intentionally strings.ToLower only; full Unicode
// case folding is not applied.
func normalizeProvider(provider string) string {
	return strings.ToLower(provider)
}

func rulesKey(provider string) string {
	return "rules:" + normalizeProvider(provider)
}

func symbolKey(provider string, d Direction, input string) string {
	return "symbol:" + normalizeProvider(provider) + ":" + string(d) + ":" + input
}

func batchKey(provider string, d Direction, symbols []string) string {
	return "batch:" + normalizeProvider(provider) + ":" + string(d) + ":" + sortedHash(symbols)
}

func pendingKey(provider string, d Direction, symbols []string) string {
	return "pending:" + normalizeProvider(provider) + ":" + string(d) + ":" + sortedHash(symbols)
}

// sortedHash implements the shared batch/pending key discipline: sorted
// symbol list -> csv -> MD5 -> hex. Identical sets of symbols (in any
// order) always hash the same, so a batch stored under one key can be
// coalesced with a concurrent pending request for the same set.
func sortedHash(symbols []string) string {
	sorted := append([]string(nil), symbols...)
	sort.Strings(sorted)
	csv := strings.Join(sorted, ",")
	sum := md5.Sum([]byte(csv)) //nolint:gosec
	return hex.EncodeToString(sum[:])
}
