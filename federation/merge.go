package federation

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// DedupStrategy selects how items collected from a merged library's source
// libraries are grouped into a single displayed entry.
type DedupStrategy string

const (
	DedupProviderIDs DedupStrategy = "provider_ids"
	DedupNameYear    DedupStrategy = "name_year"
	DedupNone        DedupStrategy = "none"
)

// providerIDPriority is the key priority order used by DedupProviderIDs.
var providerIDPriority = []string{"tmdb", "imdb", "tvdb", "thetvdb", "themoviedb"}

// item mirrors just the fields dedup logic needs out of a Jellyfin item.
type item struct {
	raw         json.RawMessage
	name        string
	year        int
	providerIDs map[string]string
	sourcePrio  int // priority of the source library this item came from
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]`)

func normalizeName(name string) string {
	return nonAlnum.ReplaceAllString(strings.ToLower(name), "")
}

// Group is one deduplicated result: the representative item to display
// plus every source item that was merged into it.
type Group struct {
	Representative json.RawMessage
	Sources        []json.RawMessage
}

// Dedup groups raw items collected across a merged library's sources
// according to strategy. items must be pre-sorted so that, within any
// group, the item from the highest-priority source appears first — that
// item becomes the Representative.
func Dedup(strategy DedupStrategy, rawItems []json.RawMessage) []Group {
	if strategy == DedupNone {
		groups := make([]Group, len(rawItems))
		for i, r := range rawItems {
			groups[i] = Group{Representative: r, Sources: []json.RawMessage{r}}
		}
		return groups
	}

	items := make([]item, 0, len(rawItems))
	for _, r := range rawItems {
		items = append(items, parseItem(r))
	}

	keyed := make(map[string][]int) // key -> indices into items, in encounter order
	order := make([]string, 0, len(items))
	ungrouped := make([]int, 0)

	for i, it := range items {
		key, ok := groupKey(strategy, it)
		if !ok {
			ungrouped = append(ungrouped, i)
			continue
		}
		if _, seen := keyed[key]; !seen {
			order = append(order, key)
		}
		keyed[key] = append(keyed[key], i)
	}

	groups := make([]Group, 0, len(order)+len(ungrouped))
	for _, key := range order {
		indices := keyed[key]
		sources := make([]json.RawMessage, len(indices))
		for j, idx := range indices {
			sources[j] = items[idx].raw
		}
		groups = append(groups, Group{Representative: sources[0], Sources: sources})
	}
	for _, idx := range ungrouped {
		groups = append(groups, Group{Representative: items[idx].raw, Sources: []json.RawMessage{items[idx].raw}})
	}
	return groups
}

// groupKey returns the grouping key for an item under strategy, and
// whether the item participates in grouping at all (provider_ids leaves
// items with no provider id ungrouped, per the spec).
func groupKey(strategy DedupStrategy, it item) (string, bool) {
	switch strategy {
	case DedupProviderIDs:
		for _, k := range providerIDPriority {
			if v, ok := it.providerIDs[k]; ok && v != "" {
				return k + ":" + v, true
			}
		}
		for k, v := range it.providerIDs {
			if v != "" {
				return k + ":" + v, true
			}
		}
		return "", false
	case DedupNameYear:
		return normalizeName(it.name) + "|" + strconv.Itoa(it.year), true
	default:
		return "", false
	}
}

func parseItem(raw json.RawMessage) item {
	var decoded struct {
		Name          string            `json:"Name"`
		ProductionYear int              `json:"ProductionYear"`
		ProviderIds   map[string]string `json:"ProviderIds"`
	}
	_ = json.Unmarshal(raw, &decoded)
	return item{
		raw:         raw,
		name:        decoded.Name,
		year:        decoded.ProductionYear,
		providerIDs: decoded.ProviderIds,
	}
}
