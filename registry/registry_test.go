package registry_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jellyswarrm/jellyswarrm/registry"
)

var _ = Describe("Registry", func() {
	var (
		ctx context.Context
		reg *registry.Registry
	)

	BeforeEach(func() {
		cleanDB()
		ctx = context.Background()
		reg = registry.New(db, time.Hour) // interval irrelevant, sweeps driven manually via Start/Stop below
	})

	Describe("List", func() {
		It("orders enabled servers by priority, descending", func() {
			createBackend("low", "https://low.example.com", 1)
			createBackend("high", "https://high.example.com", 10)
			createBackend("mid", "https://mid.example.com", 5)

			servers, err := reg.List(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(servers).To(HaveLen(3))
			Expect(servers[0].Name).To(Equal("high"))
			Expect(servers[1].Name).To(Equal("mid"))
			Expect(servers[2].Name).To(Equal("low"))
		})

		It("excludes disabled servers", func() {
			createBackend("a", "https://a.example.com", 0)
			disabled := createBackend("b", "https://b.example.com", 0)
			_, err := disabled.Update().SetEnabled(false).Save(ctx)
			Expect(err).NotTo(HaveOccurred())

			servers, err := reg.List(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(servers).To(HaveLen(1))
			Expect(servers[0].Name).To(Equal("a"))
		})
	})

	Describe("Available", func() {
		It("assumes a never-checked server is available", func() {
			Expect(reg.Available("unchecked-id")).To(BeTrue())
		})
	})

	Describe("RecordRequestFailure", func() {
		It("trips a server unavailable after the failure threshold", func() {
			b := createBackend("a", "https://a.example.com", 0)
			id := b.ID.String()

			reg.RecordRequestFailure(id, "a")
			Expect(reg.Available(id)).To(BeTrue(), "one failure shouldn't trip the breaker")

			reg.RecordRequestFailure(id, "a")
			Expect(reg.Available(id)).To(BeFalse())
		})

		It("resets on RecordRequestSuccess while still available", func() {
			b := createBackend("a", "https://a.example.com", 0)
			id := b.ID.String()

			reg.RecordRequestFailure(id, "a")
			reg.RecordRequestSuccess(id)
			reg.RecordRequestFailure(id, "a")
			Expect(reg.Available(id)).To(BeTrue(), "success should have reset the counter")
		})
	})

	Describe("health sweep", func() {
		It("persists a ServerHealthHistory row and marks a reachable server available", func() {
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))
			defer upstream.Close()

			b := createBackend("a", upstream.URL, 0)

			sweepCtx, cancel := context.WithCancel(ctx)
			reg.Start(sweepCtx)
			Eventually(func() []registry.Status {
				return reg.Statuses()
			}).Should(HaveLen(1))
			cancel()
			reg.Stop()

			Expect(reg.Available(b.ID.String())).To(BeTrue())

			count, err := db.ServerHealthHistory.Query().Count(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(count).To(BeNumerically(">=", 1))
		})
	})
})
