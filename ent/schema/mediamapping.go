package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
	"github.com/google/uuid"
)

// MediaMapping is the persisted half of the ID Mapping Store: a bijection
// between an opaque virtual_id handed to clients and the (server,
// original_id) pair it stands for. Created lazily on first sighting of an
// original ID; never modified; destroyed only when its server is removed.
type MediaMapping struct {
	ent.Schema
}

func (MediaMapping) Fields() []ent.Field {
	return []ent.Field{
		field.UUID("id", uuid.UUID{}).
			Default(uuid.New),
		// virtual_id is 128 bits of random hex, the sole canonical form
		// (hyphen-less) stored and compared.
		field.String("virtual_id").
			Unique().
			NotEmpty().
			MaxLen(32),
		field.String("original_id").
			NotEmpty(),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
	}
}

func (MediaMapping) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("server", Backend.Type).
			Ref("media_mappings").
			Unique().
			Required(),
	}
}

func (MediaMapping) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("original_id").
			Edges("server").
			Unique(),
	}
}
