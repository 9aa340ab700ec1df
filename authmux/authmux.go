// Package authmux implements the Auth Multiplexer: on a proxy login it
// authenticates the caller against every backend server they're mapped to,
// concurrently, so a single username/password unlocks every federated
// Jellyfin server at once. Grounded on api/handler/auth.go's
// AuthenticateByName (single-backend login) and backend/pool.go's
// AllForUser fan-out shape, generalized across servers with
// golang.org/x/sync/errgroup instead of a single bcrypt check.
package authmux

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"

	"github.com/jellyswarrm/jellyswarrm/cryptox"
	"github.com/jellyswarrm/jellyswarrm/ent"
	entbackenduser "github.com/jellyswarrm/jellyswarrm/ent/backenduser"
	entuser "github.com/jellyswarrm/jellyswarrm/ent/user"
)

// Authenticator performs a real login against one backend server and
// returns the upstream user ID and access token on success. Implemented by
// backend.ServerClient in production; swapped for a stub in tests.
type Authenticator interface {
	AuthenticateByName(ctx context.Context, username, password string) (backendUserID, token string, err error)
}

// Dialer resolves a Backend into an Authenticator for it. Kept separate
// from Authenticator so callers can build clients lazily, only for the
// backends a user is actually mapped to.
type Dialer func(b *ent.Backend) Authenticator

// Result is the outcome of authenticating against a single mapped backend.
type Result struct {
	Server  *ent.Backend
	Mapping *ent.BackendUser
	Err     error
}

// Multiplexer is the Auth Multiplexer.
type Multiplexer struct {
	db   *ent.Client
	dial Dialer
}

// New constructs a Multiplexer. dial builds a per-backend Authenticator;
// see Dialer.
func New(db *ent.Client, dial Dialer) *Multiplexer {
	return &Multiplexer{db: db, dial: dial}
}

// Login verifies the proxy account's own password, then fans out a real
// login to every enabled backend mapping concurrently. A mapping whose
// backend rejects the credentials, or is unreachable, is reported in the
// returned results but never aborts its siblings — per-backend failures
// degrade that one server's mapping, not the whole login.
func (m *Multiplexer) Login(ctx context.Context, username, password string) (*ent.User, []Result, error) {
	user, err := m.db.User.Query().
		Where(entuser.Username(username)).
		Only(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("authmux: lookup user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.HashedPassword), []byte(password)); err != nil {
		return nil, nil, fmt.Errorf("authmux: invalid credentials: %w", err)
	}

	mappings, err := user.QueryBackendUsers().
		Where(entbackenduser.Enabled(true)).
		WithBackend().
		All(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("authmux: loading backend mappings: %w", err)
	}

	results := make([]Result, len(mappings))
	key := cryptox.DeriveKey(password)

	var g errgroup.Group
	for i, bu := range mappings {
		i, bu := i, bu
		g.Go(func() error {
			results[i] = m.authenticateOne(ctx, bu, username, password, key)
			return nil // per-backend failures never abort the group
		})
	}
	_ = g.Wait() // authenticateOne never returns a non-nil error to the group

	return user, results, nil
}

func (m *Multiplexer) authenticateOne(ctx context.Context, bu *ent.BackendUser, proxyUsername, proxyPassword string, key [32]byte) Result {
	b := bu.Edges.Backend
	if b == nil {
		return Result{Mapping: bu, Err: fmt.Errorf("authmux: mapping %s has no backend loaded", bu.ID)}
	}

	loginUsername := proxyUsername
	if bu.MappedUsername != "" {
		loginUsername = bu.MappedUsername
	}
	loginPassword := proxyPassword
	if bu.EncryptedPassword != nil {
		if decrypted, err := cryptox.Decrypt(bu.EncryptedPassword, key); err == nil {
			loginPassword = decrypted
		}
	}

	auth := m.dial(b)
	backendUserID, token, err := auth.AuthenticateByName(ctx, loginUsername, loginPassword)
	if err != nil {
		slog.Warn("authmux: backend login failed", "server", b.Name, "user", proxyUsername, "error", err)
		return Result{Server: b, Mapping: bu, Err: err}
	}

	sealed, sealErr := cryptox.Encrypt(loginPassword, key)
	update := m.db.BackendUser.UpdateOne(bu).
		SetBackendUserID(backendUserID).
		SetBackendToken(token)
	if sealErr == nil {
		update = update.SetEncryptedPassword(sealed)
	}
	updated, err := update.Save(ctx)
	if err != nil {
		return Result{Server: b, Mapping: bu, Err: fmt.Errorf("authmux: persisting resolved identity: %w", err)}
	}

	return Result{Server: b, Mapping: updated}
}
