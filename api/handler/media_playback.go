package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/jellyswarrm/jellyswarrm/api/middleware"
	"github.com/jellyswarrm/jellyswarrm/backend"
	"github.com/jellyswarrm/jellyswarrm/idmap"
	"github.com/jellyswarrm/jellyswarrm/playsession"
	"github.com/gin-gonic/gin"
)

// GetPlaybackInfo handles GET and POST /Items/:itemId/playbackinfo.
// After the standard JSON rewrite, rewrites any URL fields so that stream
// URLs point to the proxy rather than directly to the backend server.
func (h *MediaHandler) GetPlaybackInfo(c *gin.Context) {
	sc, backendID, err := h.routeByID(c, c.Param("itemId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	method := c.Request.Method
	var body []byte
	if method == http.MethodPost {
		body, err = io.ReadAll(io.LimitReader(c.Request.Body, maxBodySize))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "could not read body"})
			return
		}
	}

	query := h.forwardQuery(c.Request.Context(), c.Request.URL.Query(), sc.BackendUserID())
	respBody, status, err := sc.ProxyJSON(c.Request.Context(), method,
		"/items/"+backendID+"/playbackinfo", query, body)
	if err != nil {
		gatewayError(c, err)
		return
	}

	// Rewrite all backend URLs in the response to go through the proxy:
	// - replace backend host with proxy ExternalURL
	// - replace bare item IDs (hex + UUID form) with proxy-prefixed IDs
	// - strip backend ApiKey (proxy handles auth)
	proxyID, err := idmap.Encode(c.Request.Context(), h.pool.IDMap(), sc.ServerID(), backendID)
	if err != nil {
		gatewayError(c, err)
		return
	}
	respBody = rewritePlaybackInfoURLs(respBody, backendID, proxyID, sc.ServerURL(), h.cfg.ExternalURL)

	// Record every transcoding/stream session this response hands out, so
	// later chunked requests (HLS segments) can find their origin server by
	// play session ID alone, without re-resolving the item ID.
	h.recordPlaySessions(respBody, sc.ServerID())

	// Inject the proxy session token into streaming URLs. Browsers' <video>
	// elements don't send custom headers (X-Emby-Token), so the only way to
	// identify the user on subsequent HLS / stream requests is via the ApiKey
	// query parameter embedded in the URL.
	proxyToken := middleware.ExtractToken(c)
	if proxyToken != "" {
		respBody = injectProxyToken(respBody, proxyToken)
	}

	writeJSON(c, respBody, status)
}

// transcodingURLField matches every "TranscodingUrl":"..." occurrence in a
// PlaybackInfo response body, one per MediaSource.
var transcodingURLField = regexp.MustCompile(`"TranscodingUrl"\s*:\s*"([^"]*)"`)

// recordPlaySessions scans a PlaybackInfo response for TranscodingUrl fields
// and records each stream ID it finds against serverID in the Play-Session
// Tracker, so the streaming routes can look up origin-server affinity later.
func (h *MediaHandler) recordPlaySessions(body []byte, serverID string) {
	if h.tracker == nil {
		return
	}
	for _, m := range transcodingURLField.FindAllSubmatch(body, -1) {
		raw := string(m[1])
		unescaped := strings.ReplaceAll(raw, `\/`, "/")
		if streamID, ok := playsession.ExtractStreamID(unescaped); ok {
			h.tracker.Record(streamID, serverID)
		}
	}
}

// GetImage handles GET /Items/:itemId/images/:imageType[/:imageIndex].
// A single handler covers both routes; imageIndex is "" when not present.
func (h *MediaHandler) GetImage(c *gin.Context) {
	proxyID := c.Param("itemId")
	backendID, serverID, err := idmap.Decode(c.Request.Context(), h.pool.IDMap(), proxyID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Images are served unauthenticated. Use a user-scoped client when a user
	// is present (better token), otherwise fall back to the server service account.
	var sc *backend.ServerClient
	user := h.tryResolveUser(c)
	if user != nil {
		sc, err = h.pool.ForUser(c.Request.Context(), serverID, user)
	} else {
		sc, err = h.pool.ForBackend(c.Request.Context(), serverID)
	}
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "server not found"})
		return
	}

	path := "/items/" + backendID + "/images/" + c.Param("imageType")
	if idx := c.Param("imageIndex"); idx != "" {
		path += "/" + idx
	}

	query := h.forwardQuery(c.Request.Context(), c.Request.URL.Query(), sc.BackendUserID())
	if h.cfg.StreamRedirect() {
		redirectStream(c, sc, path, query)
		return
	}
	if err := sc.ProxyStream(c.Request.Context(), "GET", path, query,
		c.Request.Header, c.Writer); err != nil {
		_ = err // headers may already be written; nothing more we can do
	}
}

// StreamAudio handles GET /Audio/:itemId/stream and /Audio/:itemId/stream.:container.
func (h *MediaHandler) StreamAudio(c *gin.Context) {
	sc, backendID, err := h.routeByIDPublic(c, c.Param("itemId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	path := "/audio/" + backendID + "/stream"
	if container := c.Param("container"); container != "" {
		path += "." + container
	}
	query := h.forwardQuery(c.Request.Context(), c.Request.URL.Query(), sc.BackendUserID())

	if h.cfg.StreamRedirect() {
		redirectStream(c, sc, path, query)
		return
	}
	if err := sc.ProxyStream(c.Request.Context(), "GET", path, query,
		c.Request.Header, c.Writer); err != nil {
		_ = err
	}
}

// UniversalAudio handles GET /Audio/:itemId/universal.
func (h *MediaHandler) UniversalAudio(c *gin.Context) {
	sc, backendID, err := h.routeByIDPublic(c, c.Param("itemId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	query := h.forwardQuery(c.Request.Context(), c.Request.URL.Query(), sc.BackendUserID())

	if h.cfg.StreamRedirect() {
		redirectStream(c, sc, "/audio/"+backendID+"/universal", query)
		return
	}
	if err := sc.ProxyStream(c.Request.Context(), "GET",
		"/audio/"+backendID+"/universal", query, c.Request.Header, c.Writer); err != nil {
		_ = err
	}
}

// VideoSubpath handles all GET /Videos/:itemId/* requests in one wildcard route
// to avoid Gin parameter-name conflicts. Dispatches based on the subpath:
//
//	/stream[.container]              → direct stream
//	/master.m3u8 | /main.m3u8       → HLS master playlist (re-injects ApiKey)
//	/{session}/hls1/{segId}/{file}   → HLS segment (re-injects ApiKey)
//	/{mediaSourceId}/Subtitles/...   → subtitle stream
//	(anything else)                  → generic proxy stream
func (h *MediaHandler) VideoSubpath(c *gin.Context) {
	sc, backendID, err := h.routeByIDPublic(c, c.Param("itemId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	subpath := c.Param("subpath") // always starts with "/"
	trimmed := strings.TrimPrefix(subpath, "/")
	parts := strings.Split(trimmed, "/")

	// isHLSSegment returns true for paths like /hls1/main/0.mp4 or
	// /{sessionId}/hls1/{segmentId}/{file}.
	isHLSSegment := func() bool {
		if len(parts) >= 2 && parts[0] == "hls1" {
			return true
		}
		if len(parts) >= 4 && parts[1] == "hls1" {
			return true
		}
		return false
	}

	// Chunked segment requests carry a play-session ID as the first path
	// segment. These bypass item-ID based routing entirely: the origin
	// server is whichever one produced the session in GetPlaybackInfo. A
	// session the Tracker doesn't know about is treated as a 404 rather
	// than falling back to the item's ID-resolved server, since that could
	// serve bytes from the wrong backend on a stale or forged URL.
	if len(parts) >= 4 && parts[1] == "hls1" && h.tracker != nil {
		serverID, ok := h.tracker.Lookup(parts[0])
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no active play session for this stream"})
			return
		}
		if affSC, affErr := h.routeStreamToServer(c, serverID); affErr == nil {
			sc = affSC
		}
	}

	query := h.forwardQuery(c.Request.Context(), c.Request.URL.Query(), sc.BackendUserID())

	// In direct-stream mode, redirect all video sub-requests straight to the
	// backend. The client (on the same network, e.g. Tailscale) fetches bytes
	// directly without the proxy acting as a middleman.
	if h.cfg.StreamRedirect() {
		// HLS and segments need the ApiKey in the redirect URL.
		if strings.HasSuffix(parts[0], ".m3u8") || isHLSSegment() {
			setApiKey(query, sc)
		}
		// Decode mediaSourceId prefix for subtitle paths.
		if len(parts) >= 4 && strings.EqualFold(parts[1], "subtitles") {
			msBackendID, _, _ := idmap.Decode(c.Request.Context(), h.pool.IDMap(), parts[0])
			path := "/videos/" + backendID + "/" + msBackendID + "/" + strings.Join(parts[1:], "/")
			redirectStream(c, sc, path, query)
			return
		}
		redirectStream(c, sc, "/videos/"+backendID+subpath, query)
		return
	}

	// Extract the proxy session token from the incoming request so we can
	// inject it into HLS playlist URLs. The browser doesn't send custom
	// headers on <video> sub-requests, so every URL in the playlist must
	// carry the token as a query parameter.
	proxyToken := middleware.ExtractToken(c)

	switch {
	// Direct stream: /stream or /stream.mkv etc.
	case parts[0] == "stream" || strings.HasPrefix(parts[0], "stream."):
		path := "/videos/" + backendID + subpath
		_ = sc.ProxyStream(c.Request.Context(), "GET", path, query, c.Request.Header, c.Writer)

	// HLS master/variant playlist — buffer, rewrite backend URLs, then send.
	case parts[0] == "master.m3u8" || parts[0] == "main.m3u8" ||
		strings.HasSuffix(parts[0], ".m3u8"):
		setApiKey(query, sc)
		path := "/videos/" + backendID + subpath
		body, status, err := sc.ProxyRaw(c.Request.Context(), "GET", path, query)
		if err != nil {
			gatewayError(c, err)
			return
		}
		// Rewrite any absolute backend URLs in the playlist to the proxy URL.
		body = rewriteBaseURL(body, sc.ServerURL(), h.cfg.ExternalURL)
		// Inject the proxy token into every URL in the playlist so that
		// follow-up requests (main.m3u8, segments) can be authenticated.
		if proxyToken != "" {
			body = injectTokenIntoHLSPlaylist(body, proxyToken)
		}
		c.Data(status, "application/vnd.apple.mpegurl", body)

	// HLS segment: /hls1/{segmentId}/{file} or /{session}/hls1/{segmentId}/{file}
	case isHLSSegment():
		setApiKey(query, sc)
		path := "/videos/" + backendID + subpath
		_ = sc.ProxyStream(c.Request.Context(), "GET", path, query, c.Request.Header, c.Writer)

	// Subtitle stream: /{mediaSourceId}/Subtitles/{index}/stream.{format}
	case len(parts) >= 4 && strings.EqualFold(parts[1], "subtitles"):
		msBackendID, _, _ := idmap.Decode(c.Request.Context(), h.pool.IDMap(), parts[0])
		path := "/videos/" + backendID + "/" + msBackendID + "/" + strings.Join(parts[1:], "/")
		_ = sc.ProxyStream(c.Request.Context(), "GET", path, query, c.Request.Header, c.Writer)

	// Fallback: proxy as-is
	default:
		path := "/videos/" + backendID + subpath
		_ = sc.ProxyStream(c.Request.Context(), "GET", path, query, c.Request.Header, c.Writer)
	}
}

// injectTokenIntoHLSPlaylist appends &ApiKey=<token> (or ?ApiKey=<token>) to
// every URL line in an HLS playlist. Non-comment, non-empty lines that are not
// #EXT tags are treated as URLs. Any existing ApiKey param (from the backend)
// is stripped first to avoid duplicate/conflicting tokens.
func injectTokenIntoHLSPlaylist(body []byte, token string) []byte {
	lines := strings.Split(string(body), "\n")
	param := "ApiKey=" + url.QueryEscape(token)
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			// Also handle #EXT-X-MAP:URI="..." and similar tags with embedded URIs.
			if strings.Contains(trimmed, "URI=\"") {
				lines[i] = injectTokenIntoTagURI(line, param)
			}
			continue
		}
		// Strip any existing ApiKey from the URL (backend token leak).
		line = stripApiKeyFromURL(line)
		// Append the proxy session token.
		if strings.Contains(line, "?") {
			lines[i] = line + "&" + param
		} else {
			lines[i] = line + "?" + param
		}
	}
	return []byte(strings.Join(lines, "\n"))
}

// stripApiKeyFromURL removes ApiKey=... from a URL string, handling both
// &ApiKey=value and ?ApiKey=value positions.
func stripApiKeyFromURL(u string) string {
	// Remove &ApiKey=value
	for {
		idx := strings.Index(u, "&ApiKey=")
		if idx == -1 {
			break
		}
		end := strings.IndexAny(u[idx+7:], "&")
		if end == -1 {
			u = u[:idx]
		} else {
			u = u[:idx] + u[idx+7+end:]
		}
	}
	// Remove ?ApiKey=value (when it's the first param)
	idx := strings.Index(u, "?ApiKey=")
	if idx != -1 {
		end := strings.IndexByte(u[idx+7:], '&')
		if end == -1 {
			u = u[:idx] // no other params
		} else {
			u = u[:idx] + "?" + u[idx+7+end+1:] // keep remaining params
		}
	}
	return u
}

// injectTokenIntoTagURI handles #EXT-X-MAP:URI="init.mp4?query" style tags.
func injectTokenIntoTagURI(line, param string) string {
	const marker = "URI=\""
	idx := strings.Index(line, marker)
	if idx == -1 {
		return line
	}
	uriStart := idx + len(marker)
	closeQuote := strings.IndexByte(line[uriStart:], '"')
	if closeQuote == -1 {
		return line
	}
	uri := line[uriStart : uriStart+closeQuote]
	sep := "?"
	if strings.Contains(uri, "?") {
		sep = "&"
	}
	return line[:uriStart] + uri + sep + param + line[uriStart+closeQuote:]
}

// Download handles GET /Items/:itemId/Download.
// Public endpoint — clients pass their token via the api_key query param.
func (h *MediaHandler) Download(c *gin.Context) {
	sc, backendID, err := h.routeByIDPublic(c, c.Param("itemId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	path := "/items/" + backendID + "/download"
	query := h.forwardQuery(c.Request.Context(), c.Request.URL.Query(), sc.BackendUserID())
	if h.cfg.StreamRedirect() {
		redirectStream(c, sc, path, query)
		return
	}
	if err := sc.ProxyStream(c.Request.Context(), "GET", path, query,
		c.Request.Header, c.Writer); err != nil {
		_ = err
	}
}

// Lyrics handles GET /Audio/:itemId/Lyrics.
func (h *MediaHandler) Lyrics(c *gin.Context) {
	sc, backendID, err := h.routeByID(c, c.Param("itemId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	query := h.forwardQuery(c.Request.Context(), c.Request.URL.Query(), sc.BackendUserID())
	body, status, err := sc.ProxyJSON(c.Request.Context(), "GET",
		"/audio/"+backendID+"/lyrics", query, nil)
	if err != nil {
		gatewayError(c, err)
		return
	}
	writeJSON(c, body, status)
}

// ReportPlaybackStart handles POST /Sessions/Playing.
func (h *MediaHandler) ReportPlaybackStart(c *gin.Context) {
	h.forwardPlaybackReport(c, "Playing")
}

// ReportPlaybackProgress handles POST /Sessions/Playing/Progress.
func (h *MediaHandler) ReportPlaybackProgress(c *gin.Context) {
	h.forwardPlaybackReport(c, "Playing/Progress")
}

// ReportPlaybackStopped handles POST /Sessions/Playing/Stopped.
func (h *MediaHandler) ReportPlaybackStopped(c *gin.Context) {
	h.forwardPlaybackReport(c, "Playing/Stopped")
}

// forwardPlaybackReport reads the request body, extracts ItemId to determine
// which backend to route to, and forwards the report.
func (h *MediaHandler) forwardPlaybackReport(c *gin.Context, endpoint string) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodySize))
	if err != nil || len(body) == 0 {
		c.Status(http.StatusNoContent)
		return
	}

	var payload struct {
		ItemId string `json:"ItemId"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.ItemId == "" {
		c.Status(http.StatusNoContent)
		return
	}

	_, serverID, err := idmap.Decode(c.Request.Context(), h.pool.IDMap(), payload.ItemId)
	if err != nil {
		c.Status(http.StatusNoContent)
		return
	}

	sc, err := h.pool.ForUser(c.Request.Context(), serverID, userFromCtx(c))
	if err != nil {
		c.Status(http.StatusNoContent)
		return
	}

	// ProxyJSON calls RewriteRequest internally to resolve virtual IDs in the body.
	_, status, err := sc.ProxyJSON(c.Request.Context(), "POST",
		"/sessions/"+endpoint, nil, body)
	if err != nil {
		gatewayError(c, err)
		return
	}
	c.Status(status)
}
