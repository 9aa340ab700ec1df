package idmap

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jellyswarrm/jellyswarrm/jsonwalk"
)

// BackendInfo carries metadata about the backend server that sourced a
// response. When non-nil, its fields are injected into every JSON object
// that contains an "Id" key (i.e. Jellyfin item objects), so a federated
// client can tell which upstream a given item came from.
type BackendInfo struct {
	ID   string
	Name string
	URL  string
}

// idFields is the set of JSON object keys whose string values are single
// item IDs that must be virtualized or resolved when crossing the proxy
// boundary. Keep this list in sync with the Jellyfin API surface as new
// endpoints are added.
var idFields = map[string]bool{
	"Id":                       true,
	"ParentId":                 true,
	"SeriesId":                 true,
	"SeasonId":                 true,
	"AlbumId":                  true,
	"ItemId":                   true, // present in UserData objects
	"ChannelId":                true,
	"PlaylistItemId":           true,
	"ParentBackdropItemId":     true,
	"ParentThumbItemId":        true,
	"ParentLogoItemId":         true,
	"ParentArtItemId":          true,
	"ParentPrimaryImageItemId": true,
	"EpisodeId":                true,
	"MovieId":                  true,
	"MediaSourceId":            true, // appears in PlaybackInfo request bodies
}

// serverIDFields are keys whose string values identify a Jellyfin server.
// In responses these are replaced with the proxy's own server ID so that
// clients never learn the addresses of the backend servers.
var serverIDFields = map[string]bool{
	"ServerId": true,
}

// RewriteResponse virtualizes every item ID field in a backend JSON
// response through store (minting a bijective virtual ID for each original
// one it has not seen before) and replaces server ID fields with
// proxyServerID. When backend is non-nil, BackendId/BackendName/BackendUrl
// are added alongside every object's "Id" field.
//
// The returned bytes are a freshly marshalled JSON document. serverID is
// the originating backend's own UUID, used as the virtualization
// namespace — the same original ID from two different backends must
// virtualize to two different IDs.
func RewriteResponse(ctx context.Context, b []byte, store *Store, serverID, proxyServerID string, backend *BackendInfo) ([]byte, error) {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("idmap: unmarshal response: %w", err)
	}

	var firstErr error
	visit := func(fctx jsonwalk.Context, value interface{}) jsonwalk.Visit {
		switch {
		case idFields[fctx.Key]:
			s, ok := value.(string)
			if !ok || s == "" {
				return jsonwalk.KeepVisit()
			}
			virtualID, err := store.Virtualize(ctx, serverID, s)
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("idmap: virtualize %s=%q: %w", fctx.Key, s, err)
				}
				return jsonwalk.KeepVisit()
			}
			visit := jsonwalk.ReplaceVisit(virtualID)
			if backend != nil && fctx.Key == "Id" {
				visit.Siblings = map[string]interface{}{
					"BackendId":   backend.ID,
					"BackendName": backend.Name,
					"BackendUrl":  backend.URL,
				}
			}
			return visit
		case serverIDFields[fctx.Key] && proxyServerID != "":
			return jsonwalk.ReplaceVisit(proxyServerID)
		default:
			return jsonwalk.KeepVisit()
		}
	}

	jsonwalk.Process(v, visit)
	if firstErr != nil {
		return nil, firstErr
	}
	return json.Marshal(v)
}

// RewriteRequest resolves every virtual item ID field in a JSON request
// body back to its original backend ID before it is forwarded upstream.
// Fields that are not recognized virtual IDs (e.g. already-raw IDs typed
// directly by a legacy client) are passed through unchanged. Server ID
// fields are left untouched — a request body never needs to address a
// specific upstream server by ID.
func RewriteRequest(ctx context.Context, b []byte, store *Store) ([]byte, error) {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("idmap: unmarshal request: %w", err)
	}

	visit := func(fctx jsonwalk.Context, value interface{}) jsonwalk.Visit {
		if !idFields[fctx.Key] {
			return jsonwalk.KeepVisit()
		}
		s, ok := value.(string)
		if !ok || s == "" {
			return jsonwalk.KeepVisit()
		}
		originalID, _, ok := store.Resolve(ctx, s)
		if !ok {
			return jsonwalk.KeepVisit()
		}
		return jsonwalk.ReplaceVisit(originalID)
	}

	jsonwalk.Process(v, visit)
	return json.Marshal(v)
}

// Encode virtualizes a single original ID for serverID. It is the
// single-field counterpart of RewriteResponse, used by handlers that build
// a proxy ID outside of a full JSON body (e.g. from a URL path segment).
func Encode(ctx context.Context, store *Store, serverID, originalID string) (string, error) {
	if originalID == "" {
		return "", nil
	}
	return store.Virtualize(ctx, serverID, originalID)
}

// Decode resolves a single virtual ID back to its original backend ID and
// the UUID of the server that minted it. It is the single-field
// counterpart of RewriteRequest.
func Decode(ctx context.Context, store *Store, virtualID string) (originalID, serverID string, err error) {
	originalID, serverID, ok := store.Resolve(ctx, virtualID)
	if !ok {
		return "", "", fmt.Errorf("idmap: %q is not a known virtual ID", virtualID)
	}
	return originalID, serverID, nil
}
