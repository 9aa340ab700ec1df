package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
	"github.com/google/uuid"
)

// Session is an AuthorizationSession: the record of one successful upstream
// login for a (user, mapping, device) triple. The client never sees this
// token directly — it authenticates with the user's virtual_key and the
// proxy resolves the right Session (and thus the right upstream token) per
// request. Replaced wholesale on re-authentication with the same device
// fingerprint; cascades away when its mapping is deleted.
type Session struct {
	ent.Schema
}

func (Session) Fields() []ent.Field {
	return []ent.Field{
		field.UUID("id", uuid.UUID{}).
			Default(uuid.New),
		// The real upstream access token returned by the backend server.
		field.String("token").
			Unique().
			NotEmpty().
			Sensitive(),
		// The user's ID on the upstream server, as returned by its own login
		// response — distinct from BackendUser.backend_user_id only in that
		// this is the value actually substituted into outbound Users/{id}
		// path segments for this specific session.
		field.String("original_user_id").
			NotEmpty(),
		// Jellyfin client identity fields — passed by clients during authentication.
		field.String("device_id").
			NotEmpty(),
		field.String("device_name").
			NotEmpty(),
		field.String("app_name").
			NotEmpty(),
		field.String("app_version").
			Optional(),
		field.Time("expires_at").
			Optional().
			Nillable(),
		field.Time("last_activity").
			Default(time.Now),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
	}
}

func (Session) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("user", User.Type).
			Ref("sessions").
			Unique().
			Required(),
		edge.From("mapping", BackendUser.Type).
			Ref("sessions").
			Unique().
			Required(),
	}
}

func (Session) Indexes() []ent.Index {
	return []ent.Index{
		// Fast token lookups on every authenticated request.
		index.Fields("token"),
		// Replace-on-refresh: one session per (mapping, device, client).
		index.Fields("device_id", "app_name").
			Edges("mapping").
			Unique(),
	}
}
