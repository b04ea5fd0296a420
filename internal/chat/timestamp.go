package chat

import (
	"strings"
	"time"
)

// NormalizeTimestamp rewrites a naive "YYYY-MM-DD HH:MM:SS" timestamp,
// which the server stores in UTC, into ISO-8601 UTC. Anything that
// already carries a "T" separator or a trailing "Z" is returned
// unchanged, so applying it twice is the same as applying it once.
func NormalizeTimestamp(ts string) string {
	if ts == "" {
		return ts
	}

	if strings.Contains(ts, "T") || strings.HasSuffix(ts, "Z") {
		return ts
	}

	return strings.Replace(ts, " ", "T", 1) + "Z"
}

// nowTimestamp formats t as an ISO-8601 UTC timestamp.
func nowTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
