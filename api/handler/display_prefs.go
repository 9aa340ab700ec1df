package handler

import (
	"encoding/json"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// displayPrefsTTL bounds how long a saved display-preferences blob is kept.
// Clients re-send their preferences on every login, so eviction only means a
// client sees the defaults once after a long absence rather than its last
// saved layout — preferable to an unbounded map growing for every
// (user, prefs ID, client) combination ever seen.
const displayPrefsTTL = 30 * 24 * time.Hour

// newDisplayPrefsStore builds the per-(user, prefsId, client) display
// preferences cache. Grounded on the same jellydator/ttlcache/v3 idiom used
// for the other bounded, self-evicting stores (idmap, playsession,
// viewCache) rather than a hand-rolled mutex+map with no eviction.
//
// Key format: "<userId>:<prefsId>:<client>" where client comes from the
// query parameter.
func newDisplayPrefsStore() *ttlcache.Cache[string, json.RawMessage] {
	c := ttlcache.New[string, json.RawMessage](
		ttlcache.WithTTL[string, json.RawMessage](displayPrefsTTL),
	)
	go c.Start()
	return c
}
