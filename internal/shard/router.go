package shard

import (
	"math/big"
	"strings"
)

// router.go decides which server index owns a key.
// the client and the server both call into this package, so
// every function here has to stay pure and deterministic,
// otherwise ownership checks on the server will reject
// everything the clerk sends.

// Of returns the primary shard index for key in a cluster of n servers.
// Numeric keys map to key mod n. Anything that doesn't parse as an
// integer falls back to the sum of its code points mod n.
// n must be positive.
func Of(key string, n int) int {
	mod := big.NewInt(int64(n))

	if k, ok := parseInt(key); ok {
		// big.Int.Mod is euclidean so negative keys still land in [0, n)
		return int(k.Mod(k, mod).Int64())
	}

	sum := 0
	for _, c := range key {
		sum = (sum + int(c)) % n
	}
	return sum
}

// parseInt accepts surrounding whitespace, one optional sign and
// decimal digits, which may be grouped by single underscores ("1_000").
// numeric keys can be arbitrarily long, so we parse with big.Int
func parseInt(key string) (*big.Int, bool) {
	s := strings.TrimSpace(key)
	sign := ""
	if s != "" && (s[0] == '+' || s[0] == '-') {
		sign, s = s[:1], s[1:]
	}
	if strings.HasPrefix(s, "_") || strings.HasSuffix(s, "_") || strings.Contains(s, "__") {
		return nil, false
	}
	return new(big.Int).SetString(sign+strings.ReplaceAll(s, "_", ""), 10)
}

// Distance is how many positions server sits after primary,
// walking forward and wrapping around the cluster.
func Distance(server, primary, n int) int {
	d := (server - primary) % n
	if d < 0 {
		d += n
	}
	return d
}

// OwnerSet lists the primary and the r-1 servers that follow it.
// r is clamped to [1, n] so no index is listed twice.
func OwnerSet(primary, r, n int) []int {
	r = clampReplicas(r, n)
	owners := make([]int, 0, r)
	for i := 0; i < r; i++ {
		owners = append(owners, (primary+i)%n)
	}
	return owners
}

// IsOwner reports whether server holds a replica of key.
// distance 0 is the primary, 0 < distance < r is a follower.
func IsOwner(server int, key string, r, n int) bool {
	return Distance(server, Of(key, n), n) < clampReplicas(r, n)
}

func clampReplicas(r, n int) int {
	if r < 1 {
		return 1
	}
	if r > n {
		return n
	}
	return r
}
