package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"github.com/google/uuid"
)

// ServerHealthHistory persists periodic snapshots of a server's availability
// as observed by the health checker, so operators can see availability
// trends rather than only current state.
type ServerHealthHistory struct {
	ent.Schema
}

func (ServerHealthHistory) Fields() []ent.Field {
	return []ent.Field{
		field.UUID("id", uuid.UUID{}).
			Default(uuid.New),
		field.Bool("available").
			Default(true),
		field.Int64("latency_ms").
			Default(0),
		field.String("error").
			Optional(),
		field.Time("checked_at").
			Default(time.Now).
			Immutable(),
	}
}

func (ServerHealthHistory) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("server", Backend.Type).
			Ref("health_history").
			Unique().
			Required(),
	}
}
