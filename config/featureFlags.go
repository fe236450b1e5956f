package config

import (
	"os"
	"strings"
)

// StrictDuplicateDates narrows duplicate detection to receipts with the same
// total AND transaction dates within one day of each other.
//
// Set via env:
// - DUPLICATE_STRICT_DATES=true
func StrictDuplicateDates() bool {
	return envBoolDefault("DUPLICATE_STRICT_DATES", false)
}

// RequireSession rejects requests that carry no resolvable actor.
//
// Set via env:
// - REQUIRE_SESSION=true
func RequireSession() bool {
	return envBoolDefault("REQUIRE_SESSION", false)
}

// LineItemRedisLock serializes edits of one line item across instances (best effort).
//
// Set via env:
// - LINE_ITEM_REDIS_LOCK=false to disable
func LineItemRedisLock() bool {
	return envBoolDefault("LINE_ITEM_REDIS_LOCK", true)
}

func envBoolDefault(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return def
	}
	return v == "1" || v == "true" || v == "yes" || v == "y"
}
