package federation

import "strings"

const mergedSep = "_"
const mergedPrefix = "merged"

// EncodeMergedID returns a virtual item ID for a merged-library view keyed
// by Jellyfin CollectionType (e.g. "movies", "tvshows"). These IDs are never
// sent to any backend; Fan/Interleave resolve them by querying every backend
// that exposes a library of that type and merging the results.
//
// Format: "merged_movies", "merged_tvshows", etc.
func EncodeMergedID(collectionType string) string {
	return mergedPrefix + mergedSep + collectionType
}

// DecodeMergedID returns the CollectionType from a merged virtual ID, and
// whether the ID is a merged ID at all.
func DecodeMergedID(id string) (collectionType string, ok bool) {
	if !strings.HasPrefix(id, mergedPrefix+mergedSep) {
		return "", false
	}
	return id[len(mergedPrefix)+len(mergedSep):], true
}
