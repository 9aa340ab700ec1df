// Package playsession implements the Play-Session Tracker: an in-memory,
// idle-evicting map from a media/transcode stream ID to the server that
// originated it, so chunked streaming requests can bypass ID resolution
// entirely. Modeled on backend/health.go's ticker-based sweep idiom,
// applied here to a ttlcache.Cache instead of a hand-rolled map.
package playsession

import (
	"regexp"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// idleTTL is the bounded idle window before a play session is evicted.
// The spec requires "≥10 min"; 15 minutes gives headroom for slow seeks.
const idleTTL = 15 * time.Minute

// uuidSegment matches the first UUID-shaped path segment in a stream URL,
// used to extract the stream ID from a TranscodingUrl like
// "/videos/3f29.../master.m3u8" or "/videos/3f29.../stream.mp4".
var uuidSegment = regexp.MustCompile(`(?i)[0-9a-f]{8}-?[0-9a-f]{4}-?[0-9a-f]{4}-?[0-9a-f]{4}-?[0-9a-f]{12}`)

// Tracker is the Play-Session Tracker.
type Tracker struct {
	cache *ttlcache.Cache[string, string] // streamID -> serverID
}

// New constructs a Tracker and starts its idle-eviction janitor.
func New() *Tracker {
	t := &Tracker{
		cache: ttlcache.New[string, string](
			ttlcache.WithTTL[string, string](idleTTL),
		),
	}
	go t.cache.Start()
	return t
}

// Stop halts the janitor. Call during graceful shutdown.
func (t *Tracker) Stop() {
	t.cache.Stop()
}

// Record associates a stream ID with the server that produced it. Touching
// an existing entry resets its idle window (ttlcache's default GetItem
// behavior does this on lookup; Record always resets on write too).
func (t *Tracker) Record(streamID, serverID string) {
	t.cache.Set(streamID, serverID, ttlcache.DefaultTTL)
}

// Len returns the number of play sessions currently tracked, for the
// active-streams gauge.
func (t *Tracker) Len() int {
	return t.cache.Len()
}

// Lookup returns the server that owns streamID, resetting its idle window.
// Returns ok=false if no session is tracked for this ID — callers must
// treat this as a 404, never falling back to ID resolution, since that
// could route a stream to the wrong server on a stale URL.
func (t *Tracker) Lookup(streamID string) (serverID string, ok bool) {
	item := t.cache.Get(streamID)
	if item == nil {
		return "", false
	}
	return item.Value(), true
}

// ExtractStreamID pulls the first UUID-shaped path segment out of a
// TranscodingUrl, which is how Jellyfin embeds the stream/transcode ID in
// its playback info responses.
func ExtractStreamID(transcodingURL string) (string, bool) {
	m := uuidSegment.FindString(transcodingURL)
	return m, m != ""
}
