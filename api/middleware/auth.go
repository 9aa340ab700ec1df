package middleware

import (
	"net/http"
	"regexp"
	"sort"
	"time"

	"github.com/jellyswarrm/jellyswarrm/config"
	"github.com/jellyswarrm/jellyswarrm/ent"
	entbackenduser "github.com/jellyswarrm/jellyswarrm/ent/backenduser"
	entuser "github.com/jellyswarrm/jellyswarrm/ent/user"
	"github.com/gin-gonic/gin"
)

const (
	ContextKeyUser = "user"
	// ContextKeySession holds the *ent.Session chosen as this request's best
	// match: the one whose device fingerprint matches the caller, or else
	// the one bound to the highest-priority server.
	ContextKeySession = "session"
	// ContextKeySessions holds every *ent.Session belonging to the
	// authenticated user, for handlers that fan a request out across all of
	// a user's bound servers (the Federation Orchestrator).
	ContextKeySessions = "sessions"
)

// mediaBrowserParamRe matches key="value" pairs in a MediaBrowser auth header.
var mediaBrowserParamRe = regexp.MustCompile(`(\w+)="([^"]*)"`)

// ParseMediaBrowserAuth parses the Jellyfin Authorization header into a map.
// Header format: MediaBrowser Client="...", Device="...", DeviceId="...", Version="...", Token="...".
func ParseMediaBrowserAuth(header string) map[string]string {
	result := make(map[string]string)
	for _, match := range mediaBrowserParamRe.FindAllStringSubmatch(header, -1) {
		result[match[1]] = match[2]
	}
	return result
}

// ExtractToken retrieves the bearer token from the request using Jellyfin's
// supported auth mechanisms, in priority order:
//  1. X-Emby-Token / X-MediaBrowser-Token headers
//  2. Token field in the MediaBrowser Authorization header
//  3. api_key query parameter
//
// Under federation this token is always the caller's virtual_key: the
// proxy never hands a real upstream token to a client.
func ExtractToken(c *gin.Context) string {
	if token := c.GetHeader("X-Emby-Token"); token != "" {
		return token
	}
	if token := c.GetHeader("X-MediaBrowser-Token"); token != "" {
		return token
	}
	if auth := c.GetHeader("Authorization"); auth != "" {
		if token := ParseMediaBrowserAuth(auth)["Token"]; token != "" {
			return token
		}
	}
	// Jellyfin clients use both "api_key" and "ApiKey" in query strings.
	if token := c.Query("api_key"); token != "" {
		return token
	}
	return c.Query("ApiKey")
}

// ExtractAllTokens returns every candidate auth token from the request.
// Headers are returned first (highest priority), followed by all api_key and
// ApiKey query parameter values. This is needed on public streaming routes
// where HLS URLs may carry both a leaked backend token and the injected proxy
// session token — the caller tries each until one matches a valid session.
func ExtractAllTokens(c *gin.Context) []string {
	var tokens []string
	if t := c.GetHeader("X-Emby-Token"); t != "" {
		tokens = append(tokens, t)
	}
	if t := c.GetHeader("X-MediaBrowser-Token"); t != "" {
		tokens = append(tokens, t)
	}
	if auth := c.GetHeader("Authorization"); auth != "" {
		if t := ParseMediaBrowserAuth(auth)["Token"]; t != "" {
			tokens = append(tokens, t)
		}
	}
	tokens = append(tokens, c.QueryArray("api_key")...)
	tokens = append(tokens, c.QueryArray("ApiKey")...)
	return tokens
}

// Auth validates the caller's virtual_key, loads the user and every
// AuthorizationSession bound to them, resolves the best session for this
// specific request (device-fingerprint match first, else the
// highest-priority server), and stores all three in the gin context.
// If cfg.SessionTTL > 0, sessions idle longer than the TTL are dropped from
// consideration and deleted.
func Auth(db *ent.Client, cfg config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ExtractToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}

		user, err := db.User.Query().
			Where(entuser.VirtualKey(token)).
			Only(c.Request.Context())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}

		sessions := liveSessions(c, db, cfg, user)

		authParams := ParseMediaBrowserAuth(c.GetHeader("Authorization"))
		best := resolveBestSession(sessions, authParams["DeviceId"], authParams["Client"])
		if best != nil && time.Since(best.LastActivity) > 5*time.Minute {
			_ = best.Update().SetLastActivity(time.Now()).Exec(c.Request.Context())
		}

		c.Set(ContextKeyUser, user)
		c.Set(ContextKeySession, best)
		c.Set(ContextKeySessions, sessions)
		c.Next()
	}
}

// liveSessions loads every non-expired AuthorizationSession for user, with
// its mapping and backend eager-loaded for priority-based resolution.
// Expired sessions are deleted as they're found rather than just filtered,
// so they don't accumulate.
func liveSessions(c *gin.Context, db *ent.Client, cfg config.Config, user *ent.User) []*ent.Session {
	all, err := user.QuerySessions().
		WithMapping(func(q *ent.BackendUserQuery) {
			q.Where(entbackenduser.Enabled(true)).WithBackend()
		}).
		All(c.Request.Context())
	if err != nil {
		return nil
	}

	live := make([]*ent.Session, 0, len(all))
	for _, s := range all {
		if s.Edges.Mapping == nil || s.Edges.Mapping.Edges.Backend == nil {
			continue // backend or mapping disabled/deleted
		}
		if cfg.SessionTTL > 0 && time.Since(s.LastActivity) > cfg.SessionTTL {
			_ = db.Session.DeleteOne(s).Exec(c.Request.Context())
			continue
		}
		live = append(live, s)
	}
	return live
}

// resolveBestSession implements the proxy's "get_best()" fallback chain:
// prefer the session whose device fingerprint matches the caller, else the
// session bound to the highest-priority server, with a stable ordering
// (ties broken by server name) so the choice doesn't flap across requests.
func resolveBestSession(sessions []*ent.Session, deviceID, appName string) *ent.Session {
	if len(sessions) == 0 {
		return nil
	}

	if deviceID != "" {
		for _, s := range sessions {
			if s.DeviceID == deviceID && (appName == "" || s.AppName == appName) {
				return s
			}
		}
	}

	sorted := append([]*ent.Session(nil), sessions...)
	sort.Slice(sorted, func(i, j int) bool {
		bi, bj := sorted[i].Edges.Mapping.Edges.Backend, sorted[j].Edges.Mapping.Edges.Backend
		if bi.Priority != bj.Priority {
			return bi.Priority > bj.Priority
		}
		return bi.Name < bj.Name
	})
	return sorted[0]
}
