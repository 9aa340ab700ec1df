package handler_test

import (
	"context"
	"encoding/json"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/gin-gonic/gin"

	"github.com/jellyswarrm/jellyswarrm/api/handler"
	"github.com/jellyswarrm/jellyswarrm/api/middleware"
	"github.com/jellyswarrm/jellyswarrm/authmux"
	"github.com/jellyswarrm/jellyswarrm/config"
	"github.com/jellyswarrm/jellyswarrm/ent"
	entbackenduser "github.com/jellyswarrm/jellyswarrm/ent/backenduser"
	entsession "github.com/jellyswarrm/jellyswarrm/ent/session"
	entuser "github.com/jellyswarrm/jellyswarrm/ent/user"
)

// stubBackendAuthenticator accepts any credentials and returns a token
// derived from the backend's own name, so AuthenticateByName tests can
// exercise the Auth Multiplexer fan-out without a real upstream server.
type stubBackendAuthenticator struct{ backendName string }

func (s stubBackendAuthenticator) AuthenticateByName(_ context.Context, _, _ string) (string, string, error) {
	return "upstream-" + s.backendName, s.backendName + "-token", nil
}

var _ = Describe("AuthHandler", func() {
	var router *gin.Engine

	testCfg := config.Config{
		ServerID:   "test-server-id",
		ServerName: "Test Proxy",
	}

	BeforeEach(func() {
		cleanDB()
		gin.SetMode(gin.TestMode)
		router = gin.New()
		mux := authmux.New(db, func(b *ent.Backend) authmux.Authenticator {
			return stubBackendAuthenticator{backendName: b.Name}
		})
		h := handler.NewAuthHandler(db, testCfg, mux, func(string) {}, func(string) {})
		router.POST("/Users/AuthenticateByName", h.AuthenticateByName)
		// Protected routes sit behind the Auth middleware so session validation
		// is exercised as part of the specs.
		auth := router.Group("/")
		auth.Use(middleware.Auth(db, testCfg))
		auth.POST("/Users/:userId/Password", h.UpdatePassword)
		auth.DELETE("/Sessions/Logout", h.Logout)
	})

	// ── AuthenticateByName ────────────────────────────────────────────────────

	Describe("AuthenticateByName", func() {
		Context("with valid credentials", func() {
			It("returns 200 with the user's stable virtual_key as the access token", func() {
				user := createUser("alice", "correctpass1", false)

				w := doPost(router, "/Users/AuthenticateByName", map[string]string{
					"Username": "alice",
					"Pw":       "correctpass1",
				})

				Expect(w.Code).To(Equal(http.StatusOK))
				var resp map[string]interface{}
				Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
				Expect(resp["AccessToken"]).To(Equal(user.VirtualKey))
				Expect(resp["ServerId"]).To(Equal("test-server-id"))
			})
		})

		Context("when the user has mappings on multiple backends", func() {
			It("fans the login out and creates a session per backend", func() {
				user := createUser("dana", "correctpass1", false)
				b1, err := db.Backend.Create().SetName("Alpha").SetURL("http://alpha.test").
					SetJellyfinServerID("srv-alpha").SetPrefix("alpha").Save(context.Background())
				Expect(err).NotTo(HaveOccurred())
				b2, err := db.Backend.Create().SetName("Beta").SetURL("http://beta.test").
					SetJellyfinServerID("srv-beta").SetPrefix("beta").Save(context.Background())
				Expect(err).NotTo(HaveOccurred())
				_, err = db.BackendUser.Create().SetBackend(b1).SetUser(user).SetBackendUserID("unused").Save(context.Background())
				Expect(err).NotTo(HaveOccurred())
				_, err = db.BackendUser.Create().SetBackend(b2).SetUser(user).SetBackendUserID("unused").Save(context.Background())
				Expect(err).NotTo(HaveOccurred())

				w := doPost(router, "/Users/AuthenticateByName", map[string]string{
					"Username": "dana",
					"Pw":       "correctpass1",
				})
				Expect(w.Code).To(Equal(http.StatusOK))

				count, err := db.Session.Query().Where(entsession.HasUserWith(entuser.ID(user.ID))).Count(context.Background())
				Expect(err).NotTo(HaveOccurred())
				Expect(count).To(Equal(2))
			})
		})

		Context("with wrong password", func() {
			It("returns 401", func() {
				createUser("alice", "correctpass1", false)

				w := doPost(router, "/Users/AuthenticateByName", map[string]string{
					"Username": "alice",
					"Pw":       "wrongpass",
				})

				Expect(w.Code).To(Equal(http.StatusUnauthorized))
			})
		})

		Context("with an unknown username", func() {
			It("returns 401", func() {
				w := doPost(router, "/Users/AuthenticateByName", map[string]string{
					"Username": "nobody",
					"Pw":       "whatever",
				})

				Expect(w.Code).To(Equal(http.StatusUnauthorized))
			})
		})

		Context("when the Username field is missing", func() {
			It("returns 400", func() {
				w := doPost(router, "/Users/AuthenticateByName", map[string]string{
					"Pw": "somepassword",
				})

				Expect(w.Code).To(Equal(http.StatusBadRequest))
			})
		})
	})

	// ── UpdatePassword ────────────────────────────────────────────────────────

	Describe("UpdatePassword", func() {
		var user *ent.User

		BeforeEach(func() {
			user = createUser("bob", "oldpassword1", false)
			createSession(user, "bob-token")
		})

		Context("when the user changes their own password", func() {
			It("returns 204", func() {
				w := doPost(router, "/Users/"+user.ID.String()+"/Password",
					map[string]string{"CurrentPw": "oldpassword1", "NewPw": "newpassword1"},
					map[string]string{"X-Emby-Token": "bob-token"},
				)

				Expect(w.Code).To(Equal(http.StatusNoContent))
			})
		})

		Context("when the current password is wrong", func() {
			It("returns 403", func() {
				w := doPost(router, "/Users/"+user.ID.String()+"/Password",
					map[string]string{"CurrentPw": "wrongoldpass", "NewPw": "newpassword1"},
					map[string]string{"X-Emby-Token": "bob-token"},
				)

				Expect(w.Code).To(Equal(http.StatusForbidden))
			})
		})

		Context("when an admin resets another user's password", func() {
			It("returns 204 without requiring CurrentPw", func() {
				admin := createUser("admin", "adminpassword1", true)
				createSession(admin, "admin-token")

				w := doPost(router, "/Users/"+user.ID.String()+"/Password",
					map[string]interface{}{"NewPw": "freshpassword1"},
					map[string]string{"X-Emby-Token": "admin-token"},
				)

				Expect(w.Code).To(Equal(http.StatusNoContent))
			})
		})

		Context("when the new password is too short", func() {
			It("returns 400", func() {
				w := doPost(router, "/Users/"+user.ID.String()+"/Password",
					map[string]string{"CurrentPw": "oldpassword1", "NewPw": "short"},
					map[string]string{"X-Emby-Token": "bob-token"},
				)

				Expect(w.Code).To(Equal(http.StatusBadRequest))
			})
		})

		Context("on success", func() {
			It("drops every AuthorizationSession and cached upstream password for the target user", func() {
				createSession(user, "bob-token-2")

				w := doPost(router, "/Users/"+user.ID.String()+"/Password",
					map[string]string{"CurrentPw": "oldpassword1", "NewPw": "newpassword1"},
					map[string]string{"X-Emby-Token": "bob-token"},
				)
				Expect(w.Code).To(Equal(http.StatusNoContent))

				sessionCount, err := db.Session.Query().
					Where(entsession.HasUserWith(entuser.ID(user.ID))).
					Count(context.Background())
				Expect(err).NotTo(HaveOccurred())
				Expect(sessionCount).To(Equal(0))

				mappings, err := db.BackendUser.Query().
					Where(entbackenduser.HasUserWith(entuser.ID(user.ID))).
					All(context.Background())
				Expect(err).NotTo(HaveOccurred())
				for _, m := range mappings {
					Expect(m.EncryptedPassword).To(BeNil())
				}
			})
		})

		Context("without a valid session token", func() {
			It("returns 401", func() {
				w := doPost(router, "/Users/"+user.ID.String()+"/Password",
					map[string]string{"CurrentPw": "oldpassword1", "NewPw": "newpassword1"},
				)

				Expect(w.Code).To(Equal(http.StatusUnauthorized))
			})
		})
	})

	// ── Logout ────────────────────────────────────────────────────────────────

	Describe("Logout", func() {
		It("returns 204 and removes the device's AuthorizationSessions, but the virtual_key keeps authenticating", func() {
			user := createUser("charlie", "password123", false)
			createSession(user, "charlie-token")

			w := doDelete(router, "/Sessions/Logout",
				map[string]string{"X-Emby-Token": "charlie-token"},
			)
			Expect(w.Code).To(Equal(http.StatusNoContent))

			count, err := db.Session.Query().
				Where(entsession.HasUserWith(entuser.ID(user.ID))).
				Count(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(count).To(Equal(0))

			// The virtual_key itself is never revoked by logout — the user can
			// still make authenticated requests, they simply have no bound
			// upstream session until they authenticate again.
			w2 := doDelete(router, "/Sessions/Logout",
				map[string]string{"X-Emby-Token": "charlie-token"},
			)
			Expect(w2.Code).To(Equal(http.StatusNoContent))
		})
	})
})
