//go:build e2e

package e2e

import (
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Authentication", func() {

	Describe("Login", func() {
		It("returns a token for valid credentials", func() {
			resp := post(proxyURL("/users/authenticatebyname"), map[string]string{
				"Username": "e2euser",
				"Pw":       "e2e-test-password!",
			}, "")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			body := parseJSONObject(resp)
			Expect(body).To(HaveKey("AccessToken"))
			Expect(body["AccessToken"]).NotTo(BeEmpty())
			Expect(body).To(HaveKey("User"))
		})

		It("returns 401 for wrong password", func() {
			resp := post(proxyURL("/users/authenticatebyname"), map[string]string{
				"Username": "e2euser",
				"Pw":       "wrong-password",
			}, "")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})

		It("returns 401 for non-existent user", func() {
			resp := post(proxyURL("/users/authenticatebyname"), map[string]string{
				"Username": "ghost",
				"Pw":       "password",
			}, "")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})
	})

	Describe("Authenticated requests", func() {
		It("succeeds with a valid token", func() {
			resp := get(proxyURL("/system/info"), userToken)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			body := parseJSONObject(resp)
			Expect(body["Id"]).To(Equal("e2e-proxy-server-id"))
			Expect(body["ServerName"]).To(Equal("E2E Proxy"))
		})

		It("returns 401 without a token", func() {
			resp := get(proxyURL("/system/info"), "")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})

		It("returns 401 with an invalid token", func() {
			resp := get(proxyURL("/system/info"), "invalid-token-123")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})
	})

	Describe("Logout", func() {
		It("drops backend sessions but keeps the stable virtual_key valid", func() {
			// A fresh login reuses the same virtual_key — it's minted once per
			// user, not once per login.
			token := login("e2euser", "e2e-test-password!")
			Expect(token).To(Equal(userToken), "virtual_key must be stable across logins")

			// Verify the token works.
			resp := get(proxyURL("/system/info"), token)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			// Logout — deletes this device's backend AuthorizationSessions.
			logoutResp := post(proxyURL("/sessions/logout"), nil, token)
			logoutResp.Body.Close()
			Expect(logoutResp.StatusCode).To(SatisfyAny(
				Equal(http.StatusOK),
				Equal(http.StatusNoContent),
			))

			// The virtual_key itself is never invalidated by logout: it
			// authenticates the user independent of any single backend session.
			resp2 := get(proxyURL("/system/info"), token)
			resp2.Body.Close()
			Expect(resp2.StatusCode).To(Equal(http.StatusOK))

			// Re-authenticating re-creates a session per backend mapping from
			// the user's already-stored encrypted backend password, so later
			// tests in the suite still see live backend sessions.
			login("e2euser", "e2e-test-password!")
		})
	})
})

