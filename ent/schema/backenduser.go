package schema

import (
	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
	"github.com/google/uuid"
)

// BackendUser maps a proxy User to their credentials on a specific Backend.
// A user can have at most one entry per backend. This is the ServerMapping
// entity of the federation model: it carries both the resolved upstream
// identity (backend_user_id, backend_token — populated by the auth
// multiplexer on successful login) and the encrypted upstream password
// needed to re-authenticate after the cached token expires.
type BackendUser struct {
	ent.Schema
}

func (BackendUser) Fields() []ent.Field {
	return []ent.Field{
		field.UUID("id", uuid.UUID{}).
			Default(uuid.New),
		// The username presented to the backend server; may differ from the
		// proxy username if the upstream account uses a different one.
		field.String("mapped_username").
			Optional(),
		// The user's ID on the backend Jellyfin server.
		field.String("backend_user_id").
			Optional(),
		// Per-user auth token obtained from the backend server.
		// Optional: when absent, authenticated requests are sent without credentials.
		field.String("backend_token").
			Sensitive().
			Optional().
			Nillable(),
		// encrypted_password is the upstream password sealed under a key
		// derived from the user's own proxy password (cryptox.DeriveKey).
		// Required for re-authenticating against the backend without
		// prompting the client again.
		field.Bytes("encrypted_password").
			Sensitive().
			Optional().
			Nillable(),
		// encrypted_password_master additionally seals the same plaintext
		// under the admin-configured master key, so an operator can recover
		// mappings even if the user forgets their proxy password.
		field.Bytes("encrypted_password_master").
			Sensitive().
			Optional().
			Nillable(),
		field.Bool("enabled").
			Default(true),
	}
}

func (BackendUser) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("user", User.Type).
			Ref("backend_users").
			Unique().
			Required(),
		edge.From("backend", Backend.Type).
			Ref("backend_users").
			Unique().
			Required(),
		edge.To("sessions", Session.Type),
	}
}

func (BackendUser) Indexes() []ent.Index {
	return []ent.Index{
		// Enforce one mapping per (user, backend) pair.
		index.Edges("user", "backend").
			Unique(),
	}
}
