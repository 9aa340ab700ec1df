// Package idmap implements the ID Mapping Store: a bijection between
// opaque virtual IDs handed to clients and the (server, original-id)
// pairs they stand for. A TTL/bounded-capacity cache fronts the
// persistent ent-backed store, the same jellydator/ttlcache/v3 primitive
// used elsewhere for the view cache.
package idmap

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	mathrand "math/rand/v2"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/jellyswarrm/jellyswarrm/ent"
	entbackend "github.com/jellyswarrm/jellyswarrm/ent/backend"
	entmediamapping "github.com/jellyswarrm/jellyswarrm/ent/mediamapping"
	"github.com/google/uuid"
)

const (
	// cacheTTL matches the 30-minute hot-cache window.
	cacheTTL = 30 * time.Minute
	// forwardCapacity bounds the original→virtual cache (≈100k entries).
	forwardCapacity = 100_000
	// resolveCapacity bounds the resolve-with-server cache (≈10k entries).
	resolveCapacity = 10_000

	maxRetries   = 3
	retryBaseDur = 50 * time.Millisecond
)

// ErrTransient is returned when storage contention exhausts all retries.
// Callers map this to a 500 with a transient-error marker.
var ErrTransient = errors.New("idmap: storage contention, retries exhausted")

// Resolution is the result of resolve_with_server: the original ID plus the
// Server Registry entry that owns it.
type Resolution struct {
	OriginalID string
	Server     *ent.Backend
}

// Store is the ID Mapping Store.
type Store struct {
	db      *ent.Client
	forward *ttlcache.Cache[string, string] // "serverID:originalID" -> virtualID
	reverse *ttlcache.Cache[string, Resolution]

	onMint func(serverID string)
}

// SetMintHook registers a callback invoked once per newly-minted virtual ID
// (not on cache hits or idempotent re-virtualization of an existing
// mapping). Used to feed the Metrics virtualization counter.
func (s *Store) SetMintHook(fn func(serverID string)) {
	s.onMint = fn
}

// New constructs a Store backed by db, starting its cache janitors.
func New(db *ent.Client) *Store {
	forward := ttlcache.New[string, string](
		ttlcache.WithTTL[string, string](cacheTTL),
		ttlcache.WithCapacity[string, string](forwardCapacity),
	)
	reverse := ttlcache.New[string, Resolution](
		ttlcache.WithTTL[string, Resolution](cacheTTL),
		ttlcache.WithCapacity[string, Resolution](resolveCapacity),
	)
	go forward.Start()
	go reverse.Start()
	return &Store{db: db, forward: forward, reverse: reverse}
}

// Stop halts the cache janitors. Call during graceful shutdown.
func (s *Store) Stop() {
	s.forward.Stop()
	s.reverse.Stop()
}

func forwardKey(serverID, originalID string) string {
	return serverID + ":" + originalID
}

// Virtualize is idempotent: concurrent calls for the same (server,
// original_id) always converge on the same virtual ID, implemented as an
// upsert-returning operation against the unique (server, original_id)
// index.
func (s *Store) Virtualize(ctx context.Context, serverID, originalID string) (string, error) {
	key := forwardKey(serverID, originalID)
	if cached, ok := s.forward.GetItem(key); ok {
		return cached.Value(), nil
	}

	backendUUID, err := uuid.Parse(serverID)
	if err != nil {
		return "", fmt.Errorf("idmap: invalid server id %q: %w", serverID, err)
	}

	var (
		mapping *ent.MediaMapping
		minted  bool
	)
	for attempt := 0; attempt < maxRetries; attempt++ {
		mapping, minted, err = s.virtualizeOnce(ctx, backendUUID, originalID)
		if err == nil {
			break
		}
		if !ent.IsConstraintError(err) {
			return "", fmt.Errorf("idmap: virtualize: %w", err)
		}
		time.Sleep(backoff(attempt))
	}
	if err != nil {
		return "", ErrTransient
	}

	if minted && s.onMint != nil {
		s.onMint(serverID)
	}

	s.forward.Set(key, mapping.VirtualID, ttlcache.DefaultTTL)
	return mapping.VirtualID, nil
}

// virtualizeOnce does a read-then-create attempt. A unique-constraint error
// on Create means a concurrent caller won the race; the retry loop in
// Virtualize re-reads on the next attempt. minted reports whether this call
// actually created a new mapping, as opposed to finding an existing one.
func (s *Store) virtualizeOnce(ctx context.Context, backendUUID uuid.UUID, originalID string) (mapping *ent.MediaMapping, minted bool, err error) {
	existing, err := s.db.MediaMapping.Query().
		Where(
			entmediamapping.OriginalID(originalID),
			entmediamapping.HasServerWith(entbackend.ID(backendUUID)),
		).
		Only(ctx)
	if err == nil {
		return existing, false, nil
	}
	if !ent.IsNotFound(err) {
		return nil, false, err
	}

	virtualID, err := newVirtualID()
	if err != nil {
		return nil, false, err
	}

	created, err := s.db.MediaMapping.Create().
		SetVirtualID(virtualID).
		SetOriginalID(originalID).
		SetServerID(backendUUID).
		Save(ctx)
	if err != nil {
		return nil, false, err
	}
	return created, true, nil
}

// Resolve returns the (original_id, server_id) pair a virtual ID stands
// for. Malformed IDs are never rejected — clients round-trip opaque
// strings unchanged, so an unresolvable virtual ID simply yields ok=false
// rather than an error.
func (s *Store) Resolve(ctx context.Context, virtualID string) (originalID string, serverID string, ok bool) {
	res, found := s.ResolveWithServer(ctx, virtualID)
	if !found {
		return "", "", false
	}
	return res.OriginalID, res.Server.ID.String(), true
}

// ResolveWithServer joins the mapping with its owning Server Registry entry.
func (s *Store) ResolveWithServer(ctx context.Context, virtualID string) (*Resolution, bool) {
	virtualID = Normalize(virtualID)
	if item, found := s.reverse.GetItem(virtualID); found {
		r := item.Value()
		return &r, true
	}

	m, err := s.db.MediaMapping.Query().
		Where(entmediamapping.VirtualID(virtualID)).
		WithServer().
		Only(ctx)
	if err != nil || m.Edges.Server == nil {
		return nil, false
	}
	res := Resolution{OriginalID: m.OriginalID, Server: m.Edges.Server}
	s.reverse.Set(virtualID, res, ttlcache.DefaultTTL)
	return &res, true
}

// PrewarmBatch populates the forward cache for a batch of original IDs in
// one round-trip, before processing a large response. Mappings that don't
// exist yet are left for lazy Virtualize creation.
func (s *Store) PrewarmBatch(ctx context.Context, serverID string, originalIDs []string) error {
	if len(originalIDs) == 0 {
		return nil
	}
	backendUUID, err := uuid.Parse(serverID)
	if err != nil {
		return fmt.Errorf("idmap: prewarm: invalid server id %q: %w", serverID, err)
	}
	mappings, err := s.db.MediaMapping.Query().
		Where(
			entmediamapping.OriginalIDIn(originalIDs...),
			entmediamapping.HasServerWith(entbackend.ID(backendUUID)),
		).
		All(ctx)
	if err != nil {
		return fmt.Errorf("idmap: prewarm: %w", err)
	}
	for _, m := range mappings {
		s.forward.Set(forwardKey(serverID, m.OriginalID), m.VirtualID, ttlcache.DefaultTTL)
	}
	return nil
}

// PurgeServer deletes every mapping for a server (called when the server
// itself is removed from the registry) and invalidates the caches.
func (s *Store) PurgeServer(ctx context.Context, serverID string) (int, error) {
	backendUUID, err := uuid.Parse(serverID)
	if err != nil {
		return 0, fmt.Errorf("idmap: purge: invalid server id %q: %w", serverID, err)
	}
	n, err := s.db.MediaMapping.Delete().
		Where(entmediamapping.HasServerWith(entbackend.ID(backendUUID))).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("idmap: purge: %w", err)
	}
	s.forward.DeleteAll()
	s.reverse.DeleteAll()
	return n, nil
}

// Normalize reduces a virtual ID to its canonical (hyphen-less) form, the
// sole form compared and stored, so UUID-shaped virtual IDs compare equal
// regardless of how a client formats them.
func Normalize(id string) string {
	return strings.ReplaceAll(id, "-", "")
}

func newVirtualID() (string, error) {
	buf := make([]byte, 16) // 128 bits
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("idmap: generate id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func backoff(attempt int) time.Duration {
	// Bounded exponential backoff with jitter: base 50ms, up to 3 tries.
	d := retryBaseDur * time.Duration(1<<attempt)
	jitter := time.Duration(mathrand.Int64N(int64(d/2) + 1))
	return d + jitter
}
