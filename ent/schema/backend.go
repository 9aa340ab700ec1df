package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"github.com/google/uuid"
)

// Backend represents a backend Jellyfin server the proxy federates.
type Backend struct {
	ent.Schema
}

func (Backend) Fields() []ent.Field {
	return []ent.Field{
		field.UUID("id", uuid.UUID{}).
			Default(uuid.New),
		field.String("name").
			NotEmpty(),
		field.String("url").
			NotEmpty().
			Comment("Base URL of the backend Jellyfin server, e.g. https://media.example.com"),
		// The server ID reported by Jellyfin's /System/Info endpoint.
		field.String("jellyfin_server_id").
			Unique().
			NotEmpty(),
		// Short unique tag for this server, e.g. "s1", shown in the registry.
		// It is display metadata only and does not appear in item IDs.
		field.String("prefix").
			Unique().
			NotEmpty().
			MaxLen(8),
		field.Bool("enabled").
			Default(true),
		// priority orders servers within the registry, higher preferred.
		// Drives Server Registry listing order, federation tie-breaks, and
		// which server's session is "primary" after a multi-server login.
		field.Int("priority").
			Default(0),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
	}
}

func (Backend) Edges() []ent.Edge {
	return []ent.Edge{
		edge.To("backend_users", BackendUser.Type),
		edge.To("media_mappings", MediaMapping.Type),
		edge.To("health_history", ServerHealthHistory.Type),
		edge.To("merged_library_sources", MergedLibrarySource.Type),
	}
}
