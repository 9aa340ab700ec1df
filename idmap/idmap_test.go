package idmap_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jellyswarrm/jellyswarrm/ent"
	"github.com/jellyswarrm/jellyswarrm/idmap"
)

var _ = Describe("Store", func() {
	var (
		ctx    context.Context
		store  *idmap.Store
		server *ent.Backend
	)

	BeforeEach(func() {
		cleanDB()
		ctx = context.Background()
		store = idmap.New(db)
		server = createBackend("s1")
	})

	AfterEach(func() {
		store.Stop()
	})

	Describe("Virtualize", func() {
		It("returns distinct virtual IDs for distinct original IDs", func() {
			v1, err := store.Virtualize(ctx, server.ID.String(), "abc123")
			Expect(err).NotTo(HaveOccurred())
			v2, err := store.Virtualize(ctx, server.ID.String(), "def456")
			Expect(err).NotTo(HaveOccurred())
			Expect(v1).NotTo(Equal(v2))
		})

		It("is idempotent for the same (server, original_id)", func() {
			v1, err := store.Virtualize(ctx, server.ID.String(), "abc123")
			Expect(err).NotTo(HaveOccurred())
			v2, err := store.Virtualize(ctx, server.ID.String(), "abc123")
			Expect(err).NotTo(HaveOccurred())
			Expect(v1).To(Equal(v2))
		})

		It("produces a 32-character hex virtual ID", func() {
			v, err := store.Virtualize(ctx, server.ID.String(), "abc123")
			Expect(err).NotTo(HaveOccurred())
			Expect(v).To(HaveLen(32))
			Expect(v).To(MatchRegexp(`^[0-9a-f]{32}$`))
		})
	})

	Describe("Resolve", func() {
		It("round-trips immediately after Virtualize", func() {
			v, err := store.Virtualize(ctx, server.ID.String(), "abc123")
			Expect(err).NotTo(HaveOccurred())

			original, serverID, ok := store.Resolve(ctx, v)
			Expect(ok).To(BeTrue())
			Expect(original).To(Equal("abc123"))
			Expect(serverID).To(Equal(server.ID.String()))
		})

		It("returns ok=false for an unknown virtual ID, never an error", func() {
			_, _, ok := store.Resolve(ctx, "not-a-real-virtual-id")
			Expect(ok).To(BeFalse())
		})

		It("normalizes hyphens before comparing", func() {
			v, err := store.Virtualize(ctx, server.ID.String(), "abc123")
			Expect(err).NotTo(HaveOccurred())
			hyphenated := v[:8] + "-" + v[8:]

			original, _, ok := store.Resolve(ctx, hyphenated)
			Expect(ok).To(BeTrue())
			Expect(original).To(Equal("abc123"))
		})
	})

	Describe("ResolveWithServer", func() {
		It("joins the mapping with the Server Registry entry", func() {
			v, err := store.Virtualize(ctx, server.ID.String(), "abc123")
			Expect(err).NotTo(HaveOccurred())

			res, ok := store.ResolveWithServer(ctx, v)
			Expect(ok).To(BeTrue())
			Expect(res.OriginalID).To(Equal("abc123"))
			Expect(res.Server.ID).To(Equal(server.ID))
		})
	})

	Describe("PurgeServer", func() {
		It("deletes all mappings for the server and invalidates caches", func() {
			v, err := store.Virtualize(ctx, server.ID.String(), "abc123")
			Expect(err).NotTo(HaveOccurred())

			n, err := store.PurgeServer(ctx, server.ID.String())
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))

			_, _, ok := store.Resolve(ctx, v)
			Expect(ok).To(BeFalse())
		})
	})

	Describe("PrewarmBatch", func() {
		It("populates the cache for existing mappings without erroring on unknown IDs", func() {
			_, err := store.Virtualize(ctx, server.ID.String(), "abc123")
			Expect(err).NotTo(HaveOccurred())

			err = store.PrewarmBatch(ctx, server.ID.String(), []string{"abc123", "never-seen"})
			Expect(err).NotTo(HaveOccurred())
		})
	})
})
