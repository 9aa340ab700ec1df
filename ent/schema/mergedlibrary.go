package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"github.com/google/uuid"
)

// MergedLibrary is a virtual CollectionFolder composed of source libraries
// drawn from one or more upstream servers, injected into /Users/{id}/Views
// and deduplicated according to its dedup_strategy.
type MergedLibrary struct {
	ent.Schema
}

func (MergedLibrary) Fields() []ent.Field {
	return []ent.Field{
		field.UUID("id", uuid.UUID{}).
			Default(uuid.New),
		field.String("name").
			NotEmpty(),
		field.Enum("collection_type").
			Values("movies", "tvshows", "music", "books", "mixed").
			Default("mixed"),
		field.Enum("dedup_strategy").
			Values("provider_ids", "name_year", "none").
			Default("provider_ids"),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
	}
}

func (MergedLibrary) Edges() []ent.Edge {
	return []ent.Edge{
		edge.To("sources", MergedLibrarySource.Type),
	}
}

// MergedLibrarySource is one (server, source_library_id) contribution to a
// MergedLibrary, ordered by priority for dedup tie-breaking.
type MergedLibrarySource struct {
	ent.Schema
}

func (MergedLibrarySource) Fields() []ent.Field {
	return []ent.Field{
		field.UUID("id", uuid.UUID{}).
			Default(uuid.New),
		field.String("source_library_id").
			NotEmpty(),
		field.Int("priority").
			Default(0),
	}
}

func (MergedLibrarySource) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("merged_library", MergedLibrary.Type).
			Ref("sources").
			Unique().
			Required(),
		edge.From("server", Backend.Type).
			Ref("merged_library_sources").
			Unique().
			Required(),
	}
}
