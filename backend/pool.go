// Package backend provides an HTTP client for forwarding requests to backend
// Jellyfin servers with per-user credential resolution and ID rewriting.
package backend

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jellyswarrm/jellyswarrm/config"
	"github.com/jellyswarrm/jellyswarrm/ent"
	entbackend "github.com/jellyswarrm/jellyswarrm/ent/backend"
	entbackenduser "github.com/jellyswarrm/jellyswarrm/ent/backenduser"
	entuser "github.com/jellyswarrm/jellyswarrm/ent/user"
	"github.com/jellyswarrm/jellyswarrm/idmap"
	"github.com/jellyswarrm/jellyswarrm/metrics"
	"github.com/jellyswarrm/jellyswarrm/registry"
)

// Pool manages HTTP connections to all registered backend Jellyfin servers.
// A single Pool is created at startup and shared across all request handlers.
type Pool struct {
	db           *ent.Client
	cfg          config.Config
	jsonClient   *http.Client // bounded timeout — for JSON API calls
	streamClient *http.Client // no total timeout — for binary media streams
	health       *HealthChecker
	idm          *idmap.Store
	registry     *registry.Registry
	metrics      *metrics.Metrics
}

func NewPool(db *ent.Client, cfg config.Config) *Pool {
	// JSON transport: short timeouts for API calls.
	jsonTransport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
		MaxIdleConnsPerHost:   10,
	}
	// Stream transport: longer header timeout to handle slow-starting transcoding.
	// The backend may take many seconds to produce the first bytes of a segment
	// while ffmpeg encodes. No total timeout — streams run indefinitely.
	streamTransport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 60 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 5 * time.Minute, // segments can take time to start
		MaxIdleConnsPerHost:   20,
		DisableCompression:    true, // avoid buffering compressed streams
	}
	return &Pool{
		db:  db,
		cfg: cfg,
		jsonClient: &http.Client{
			Transport: jsonTransport,
			Timeout:   10 * time.Second,
		},
		streamClient: &http.Client{
			Transport: streamTransport,
			Timeout:   0, // streams can run indefinitely
		},
		idm: idmap.New(db),
	}
}

// IDMap returns the pool's ID-virtualization store, shared by every
// ServerClient it creates and by handlers that need to translate a single
// virtual ID outside of a full response/request body.
func (p *Pool) IDMap() *idmap.Store {
	return p.idm
}

// Stop releases resources held by the pool's ID-mapping cache. Call during
// graceful shutdown.
func (p *Pool) Stop() {
	p.idm.Stop()
}

// SetHealthChecker attaches a health checker to the pool. Must be called
// before the pool is used to serve requests.
func (p *Pool) SetHealthChecker(hc *HealthChecker) {
	p.health = hc
}

// GetHealthChecker returns the attached health checker, or nil if none is set.
func (p *Pool) GetHealthChecker() *HealthChecker {
	return p.health
}

// SetRegistry attaches the Server Registry to the pool so request outcomes
// feed its live failure/success tracking alongside the periodic health
// sweep it runs on its own.
func (p *Pool) SetRegistry(reg *registry.Registry) {
	p.registry = reg
}

// GetRegistry returns the attached Server Registry, or nil if none is set.
func (p *Pool) GetRegistry() *registry.Registry {
	return p.registry
}

// SetMetrics attaches the Metrics collectors to the pool and to its ID
// Mapping Store, so per-server call outcomes and virtualization counts are
// observable. Must be called before the pool serves requests.
func (p *Pool) SetMetrics(m *metrics.Metrics) {
	p.metrics = m
	p.idm.SetMintHook(m.RecordVirtualization)
}

// isAvailable returns true if the backend is considered reachable.
// If no health checker is configured, all backends are assumed available.
func (p *Pool) isAvailable(backendID string) bool {
	if p.health == nil {
		return true
	}
	return p.health.IsAvailable(backendID)
}

// ForUser returns a ServerClient configured with the per-user authentication
// token for the given proxy user on the backend identified by serverID (its
// UUID, the same identifier idmap uses to namespace virtual IDs).
// When no mapping or token exists the token will be empty.
func (p *Pool) ForUser(ctx context.Context, serverID string, user *ent.User) (*ServerClient, error) {
	backendUUID, err := uuid.Parse(serverID)
	if err != nil {
		return nil, fmt.Errorf("backend: invalid server id %q: %w", serverID, err)
	}
	b, err := p.db.Backend.Query().
		Where(entbackend.ID(backendUUID), entbackend.Enabled(true)).
		Only(ctx)
	if err != nil {
		return nil, fmt.Errorf("backend: server %q not found: %w", serverID, err)
	}

	var token string
	var backendUserID string

	bu, err := p.db.BackendUser.Query().
		Where(
			entbackenduser.HasUserWith(entuser.ID(user.ID)),
			entbackenduser.HasBackendWith(entbackend.ID(b.ID)),
			entbackenduser.Enabled(true),
		).
		Only(ctx)
	if err == nil {
		backendUserID = bu.BackendUserID
		if bu.BackendToken != nil {
			token = *bu.BackendToken
		}
	}

	return &ServerClient{
		backend:       b,
		token:         token,
		backendUserID: backendUserID,
		pool:          p,
	}, nil
}

// AllForUser returns a ServerClient for every backend the user is mapped to
// (enabled backends only). Used for aggregating results across all backends
// (e.g. library views).
func (p *Pool) AllForUser(ctx context.Context, user *ent.User) ([]*ServerClient, error) {
	backendUsers, err := p.db.BackendUser.Query().
		Where(
			entbackenduser.HasUserWith(entuser.ID(user.ID)),
			entbackenduser.Enabled(true),
		).
		WithBackend(func(q *ent.BackendQuery) {
			q.Where(entbackend.Enabled(true))
		}).
		All(ctx)
	if err != nil {
		return nil, fmt.Errorf("backend: querying user backends: %w", err)
	}

	clients := make([]*ServerClient, 0, len(backendUsers))
	for _, bu := range backendUsers {
		b := bu.Edges.Backend
		if b == nil {
			continue // backend disabled
		}
		if !p.isAvailable(b.ID.String()) {
			continue // backend offline — skip to avoid timeout
		}
		var token string
		if bu.BackendToken != nil {
			token = *bu.BackendToken
		}
		clients = append(clients, &ServerClient{
			backend:       b,
			token:         token,
			backendUserID: bu.BackendUserID,
			pool:          p,
		})
	}
	return clients, nil
}

// ForBackend returns a ServerClient without user-specific credentials, for
// the backend identified by serverID (its UUID). Used for unauthenticated
// public requests (e.g. images) where no user session is available. The
// token will be empty.
func (p *Pool) ForBackend(ctx context.Context, serverID string) (*ServerClient, error) {
	backendUUID, err := uuid.Parse(serverID)
	if err != nil {
		return nil, fmt.Errorf("backend: invalid server id %q: %w", serverID, err)
	}
	b, err := p.db.Backend.Query().
		Where(entbackend.ID(backendUUID), entbackend.Enabled(true)).
		Only(ctx)
	if err != nil {
		return nil, fmt.Errorf("backend: server %q not found: %w", serverID, err)
	}
	return &ServerClient{
		backend: b,
		pool:    p,
	}, nil
}

// ForBackendEntity returns a credential-less ServerClient for an already
// loaded Backend. Used by the Auth Multiplexer, which has its own backend
// list from the user's mappings and only needs a client to call
// AuthenticateByName against — there's no per-user token to resolve yet,
// that's the whole point of the call.
func (p *Pool) ForBackendEntity(b *ent.Backend) *ServerClient {
	return &ServerClient{
		backend: b,
		pool:    p,
	}
}
