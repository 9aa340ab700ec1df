package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/field"
	"github.com/google/uuid"
)

// AuditLog records admin-initiated mutations (server add/remove, mapping
// delete, password reset) for operator review.
type AuditLog struct {
	ent.Schema
}

func (AuditLog) Fields() []ent.Field {
	return []ent.Field{
		field.UUID("id", uuid.UUID{}).
			Default(uuid.New),
		field.UUID("actor_id", uuid.UUID{}).
			Optional().
			Nillable(),
		field.String("action").
			NotEmpty(),
		field.String("target").
			Optional(),
		field.String("detail").
			Optional(),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
	}
}
