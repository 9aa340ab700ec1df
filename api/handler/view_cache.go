package handler

import (
	"encoding/json"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// defaultViewCacheTTL bounds how long a merged-library view snapshot is
// served from cache before the next request re-runs the federation fan-out.
// The Merged-Library Engine's interleave/dedup pass touches every mapped
// backend, so a short TTL absorbs the burst of views requests a client
// issues on login/page-load without going stale for long.
const defaultViewCacheTTL = 30 * time.Second

// newViewCache builds the per-user merged-views cache, keyed by user ID.
// Grounded on the same jellydator/ttlcache/v3 idiom idmap and playsession
// already use for bounded, self-evicting state, rather than a hand-rolled
// mutex+map.
func newViewCache() *ttlcache.Cache[string, []json.RawMessage] {
	c := ttlcache.New[string, []json.RawMessage](
		ttlcache.WithTTL[string, []json.RawMessage](defaultViewCacheTTL),
	)
	go c.Start()
	return c
}
