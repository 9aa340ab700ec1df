package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jellyswarrm/jellyswarrm/ent"
	"github.com/jellyswarrm/jellyswarrm/idmap"
)

// ServerClient is a ready-to-use HTTP client for one backend Jellyfin server
// with user credentials already resolved. Obtain one via Pool.ForUser or
// Pool.ForBackend — do not construct directly.
type ServerClient struct {
	backend       *ent.Backend
	token         string
	backendUserID string // the user's ID on this specific backend server
	pool          *Pool
}

// Prefix returns the backend's short prefix string (e.g. "s1"). Kept as
// registry display metadata; routing uses ServerID, not this value.
func (sc *ServerClient) Prefix() string { return sc.backend.Prefix }

// ServerID returns the backend's UUID, the namespace idmap virtualizes IDs
// under.
func (sc *ServerClient) ServerID() string { return sc.backend.ID.String() }

// BackendUserID returns the user's ID on the backend server.
func (sc *ServerClient) BackendUserID() string { return sc.backendUserID }

// ServerURL returns the backend server's base URL (e.g. "http://nas:8096").
func (sc *ServerClient) ServerURL() string { return strings.TrimRight(sc.backend.URL, "/") }

// Token returns the authentication token used for this backend connection.
// Used to re-inject ApiKey into HLS playlist/segment URLs after stripping it
// from PlaybackInfo responses.
func (sc *ServerClient) Token() string { return sc.token }

// DirectURL builds a fully-qualified URL pointing directly at the backend,
// with query params encoded and ApiKey injected. Used for direct-stream
// redirects so the client fetches bytes from the backend without going through
// the proxy.
func (sc *ServerClient) DirectURL(path string, query url.Values) string {
	q := make(url.Values, len(query)+1)
	for k, v := range query {
		q[k] = v
	}
	if sc.token != "" {
		q.Set("ApiKey", sc.token)
	}
	return strings.TrimRight(sc.backend.URL, "/") + path + "?" + q.Encode()
}

// recordOutcome feeds one call's result into the Server Registry's live
// failure tracking and the Metrics fan-out collectors, when attached. Safe
// to call when either is nil (most tests never configure them).
func (sc *ServerClient) recordOutcome(ok bool, elapsed time.Duration) {
	if reg := sc.pool.registry; reg != nil {
		if ok {
			reg.RecordRequestSuccess(sc.ServerID())
		} else {
			reg.RecordRequestFailure(sc.ServerID(), sc.backend.Name)
		}
	}
	if m := sc.pool.metrics; m != nil {
		result := "ok"
		if !ok {
			result = "error"
		}
		m.RecordServerCall(sc.backend.Name, result, elapsed.Seconds())
	}
}

// ProxyJSON forwards a request to the backend, buffers the full response,
// rewrites all item IDs and server references, and returns the translated body
// with the backend's HTTP status code.
//
// Non-2xx responses are returned as-is without ID rewriting — they contain
// error messages, not item data.
//
// A network-level failure is returned as a non-nil error; HTTP-level failures
// (4xx, 5xx) are signalled only via the returned status code.
func (sc *ServerClient) ProxyJSON(ctx context.Context, method, path string, query url.Values, body []byte) ([]byte, int, error) {
	req, err := sc.newRequest(ctx, method, path, query, body)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := sc.pool.jsonClient.Do(req)
	if err != nil {
		sc.recordOutcome(false, time.Since(start))
		return nil, 0, fmt.Errorf("backend request to %s failed: %w", sc.backend.Name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		sc.recordOutcome(false, time.Since(start))
		return nil, resp.StatusCode, fmt.Errorf("reading backend response: %w", err)
	}
	sc.recordOutcome(resp.StatusCode < 500, time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 || len(raw) == 0 {
		return raw, resp.StatusCode, nil
	}

	bi := &idmap.BackendInfo{
		ID:   sc.backend.ID.String(),
		Name: sc.backend.Name,
		URL:  sc.backend.URL,
	}
	translated, err := idmap.RewriteResponse(ctx, raw, sc.pool.idm, sc.ServerID(), sc.pool.cfg.ServerID, bi)
	if err != nil {
		// Non-JSON body (e.g. an image accidentally routed here): pass through.
		return raw, resp.StatusCode, nil
	}
	return translated, resp.StatusCode, nil
}

// ProxyRaw forwards a request to the backend and returns the raw response body
// without any ID rewriting. Used for HLS playlists and other text content that
// needs URL rewriting but not JSON field rewriting.
func (sc *ServerClient) ProxyRaw(ctx context.Context, method, path string, query url.Values) ([]byte, int, error) {
	req, err := sc.newRequest(ctx, method, path, query, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := sc.pool.streamClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("backend request to %s failed: %w", sc.backend.Name, err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

// ProxyStream forwards a streaming request (video/audio) to the backend and
// pipes the response body directly to w without buffering or ID rewriting.
//
// The Range header is forwarded so clients can seek into the stream.
// Flushes after every write so transcoding segments reach the client
// immediately rather than buffering inside the proxy.
func (sc *ServerClient) ProxyStream(ctx context.Context, method, path string, query url.Values, inHeader http.Header, w http.ResponseWriter) error {
	req, err := sc.newRequest(ctx, method, path, query, nil)
	if err != nil {
		return err
	}

	if r := inHeader.Get("Range"); r != "" {
		req.Header.Set("Range", r)
	}
	// Ask the backend not to buffer either.
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := sc.pool.streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("backend stream request to %s failed: %w", sc.backend.Name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	copyStreamHeaders(resp.Header, w.Header())
	// Force chunked transfer so the client receives bytes as they arrive
	// rather than waiting for Content-Length to be known.
	if resp.Header.Get("Content-Length") == "" {
		w.Header().Set("Transfer-Encoding", "chunked")
	}
	w.WriteHeader(resp.StatusCode)

	// Flush-on-write: get the flusher once, then copy in chunks and flush.
	flusher, canFlush := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return writeErr
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return readErr
		}
	}
}

// AuthenticateByName logs in to the backend server directly with a username
// and password, bypassing ID rewriting and any stored token entirely — this
// is the call the Auth Multiplexer uses to resolve a fresh backend identity
// for a proxy user's credentials. It satisfies authmux.Authenticator.
func (sc *ServerClient) AuthenticateByName(ctx context.Context, username, password string) (backendUserID, token string, err error) {
	reqBody, err := json.Marshal(struct {
		Username string `json:"Username"`
		Pw       string `json:"Pw"`
	}{Username: username, Pw: password})
	if err != nil {
		return "", "", fmt.Errorf("encoding backend login request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		sc.buildURL("/Users/AuthenticateByName", nil), bytes.NewReader(reqBody))
	if err != nil {
		return "", "", fmt.Errorf("building backend login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := sc.pool.jsonClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("backend login to %s failed: %w", sc.backend.Name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", fmt.Errorf("reading backend login response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", "", fmt.Errorf("backend %s rejected login: status %d", sc.backend.Name, resp.StatusCode)
	}

	var parsed struct {
		User struct {
			ID string `json:"Id"`
		} `json:"User"`
		AccessToken string `json:"AccessToken"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", "", fmt.Errorf("parsing backend login response: %w", err)
	}
	if parsed.AccessToken == "" {
		return "", "", fmt.Errorf("backend %s login returned no access token", sc.backend.Name)
	}
	return parsed.User.ID, parsed.AccessToken, nil
}

// newRequest builds an authenticated HTTP request for the backend server.
// If body is non-nil its virtual item IDs are resolved back to the backend's
// original IDs before sending, and any UserId field is replaced with the
// backend user ID.
func (sc *ServerClient) newRequest(ctx context.Context, method, path string, query url.Values, body []byte) (*http.Request, error) {
	var reqBody io.Reader
	if len(body) > 0 {
		translated, err := idmap.RewriteRequest(ctx, body, sc.pool.idm)
		if err != nil {
			translated = body // best-effort: send original on parse failure
		}
		// Replace proxy UserId with the backend user ID in the request body.
		if sc.backendUserID != "" {
			translated = rewriteBodyUserID(translated, sc.backendUserID)
		}
		reqBody = bytes.NewReader(translated)
	}

	u := sc.buildURL(path, query)
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, fmt.Errorf("building backend request: %w", err)
	}
	if sc.token != "" {
		req.Header.Set("X-Emby-Token", sc.token)
	}
	return req, nil
}

// rewriteBodyUserID replaces the value of any "UserId" key in a JSON object
// with backendUserID. Handles both "UserId" and "userId" casings.
func rewriteBodyUserID(body []byte, backendUserID string) []byte {
	var m map[string]interface{}
	if err := json.Unmarshal(body, &m); err != nil {
		return body // not a JSON object — pass through
	}
	changed := false
	for k := range m {
		if strings.EqualFold(k, "userid") {
			m[k] = backendUserID
			changed = true
		}
	}
	if !changed {
		return body
	}
	out, err := json.Marshal(m)
	if err != nil {
		return body
	}
	return out
}

func (sc *ServerClient) buildURL(path string, query url.Values) string {
	u := strings.TrimRight(sc.backend.URL, "/") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// copyStreamHeaders selectively copies backend response headers that are
// required for media playback, discarding anything that would reveal the
// backend's identity or interfere with the proxy.
func copyStreamHeaders(src, dst http.Header) {
	for _, h := range []string{
		"Content-Type",
		"Content-Length",
		"Content-Range",
		"Content-Disposition",
		"Accept-Ranges",
		"X-Content-Duration",
		"Cache-Control",
	} {
		if v := src.Get(h); v != "" {
			dst.Set(h, v)
		}
	}
}
