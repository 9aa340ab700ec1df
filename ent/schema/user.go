package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"github.com/google/uuid"
)

// User holds federated virtual user accounts. A User is the proxy's own
// identity; it is distinct from any upstream Jellyfin account and outlives
// any single login.
type User struct {
	ent.Schema
}

func (User) Fields() []ent.Field {
	return []ent.Field{
		field.UUID("id", uuid.UUID{}).
			Default(uuid.New),
		field.String("username").
			Unique().
			NotEmpty(),
		field.String("display_name").
			NotEmpty(),
		field.String("hashed_password").
			Sensitive().
			NotEmpty(),
		// virtual_key is the long-lived bearer token identifying this user to
		// the proxy, independent of any per-device session token. Minted once
		// at user creation and never rotated, so it survives logout/re-login.
		field.String("virtual_key").
			Unique().
			NotEmpty().
			Sensitive().
			Immutable(),
		field.Bool("is_admin").
			Default(false),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
		field.Time("updated_at").
			Default(time.Now).
			UpdateDefault(time.Now),
		field.Bytes("avatar").
			Optional().
			Nillable(),
		field.String("avatar_content_type").
			Optional().
			Nillable(),
	}
}

func (User) Edges() []ent.Edge {
	return []ent.Edge{
		edge.To("sessions", Session.Type),
		edge.To("backend_users", BackendUser.Type),
	}
}
