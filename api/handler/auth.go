package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/jellyswarrm/jellyswarrm/api/middleware"
	"github.com/jellyswarrm/jellyswarrm/authmux"
	"github.com/jellyswarrm/jellyswarrm/config"
	"github.com/jellyswarrm/jellyswarrm/ent"
	entbackenduser "github.com/jellyswarrm/jellyswarrm/ent/backenduser"
	entsession "github.com/jellyswarrm/jellyswarrm/ent/session"
	entuser "github.com/jellyswarrm/jellyswarrm/ent/user"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// BcryptCost is the bcrypt work factor used for all password hashing in the proxy.
const BcryptCost = 12

type AuthHandler struct {
	db             *ent.Client
	cfg            config.Config
	mux            *authmux.Multiplexer
	onLoginFail    func(string)
	onLoginSuccess func(string)
}

func NewAuthHandler(db *ent.Client, cfg config.Config, mux *authmux.Multiplexer, onFail, onSuccess func(string)) *AuthHandler {
	return &AuthHandler{
		db:             db,
		cfg:            cfg,
		mux:            mux,
		onLoginFail:    onFail,
		onLoginSuccess: onSuccess,
	}
}

type authenticateRequest struct {
	Username string `json:"Username" binding:"required"`
	Pw       string `json:"Pw"`
}

// AuthenticateByName handles POST /Users/AuthenticateByName. It validates the
// proxy account's own password, then fans the login out across every backend
// the user is mapped to via the Auth Multiplexer. Each backend that accepts
// the credentials gets its own AuthorizationSession; the client is handed
// back the user's stable virtual_key as its access token, never a real
// upstream token.
func (h *AuthHandler) AuthenticateByName(c *gin.Context) {
	var req authenticateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ip := middleware.ClientIP(c)

	user, results, err := h.mux.Login(c.Request.Context(), req.Username, req.Pw)
	if err != nil {
		h.onLoginFail(ip)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid username or password"})
		return
	}
	h.onLoginSuccess(ip)

	authParams := middleware.ParseMediaBrowserAuth(c.GetHeader("Authorization"))
	deviceID := fallback(authParams["DeviceId"], "unknown")
	deviceName := fallback(authParams["Device"], "Unknown Device")
	appName := fallback(authParams["Client"], "Unknown")
	appVersion := authParams["Version"]

	for _, res := range results {
		if res.Err != nil || res.Mapping == nil || res.Mapping.BackendToken == nil {
			continue
		}
		if err := h.replaceSession(c, user, res.Mapping, deviceID, deviceName, appName, appVersion); err != nil {
			slog.Warn("auth: failed to persist session", "error", err)
		}
	}

	now := time.Now().UTC()
	c.JSON(http.StatusOK, gin.H{
		"User": gin.H{
			"Name":                      user.Username,
			"ServerId":                  h.cfg.ServerID,
			"ServerName":                h.cfg.ServerName,
			"Id":                        user.ID,
			"HasPassword":               true,
			"HasConfiguredPassword":     true,
			"HasConfiguredEasyPassword": false,
			"EnableAutoLogin":           false,
			"LastLoginDate":             now,
			"LastActivityDate":          now,
			"Policy":                    buildUserPolicy(user.IsAdmin, h.cfg),
		},
		"SessionInfo": gin.H{
			"DeviceId":   deviceID,
			"DeviceName": deviceName,
			"Client":     appName,
		},
		"AccessToken": user.VirtualKey,
		"ServerId":    h.cfg.ServerID,
	})
}

// replaceSession implements the replace-on-refresh rule for a single mapping:
// any existing session for this (mapping, device, client) triple is deleted
// and a fresh one created with the newly resolved upstream token.
func (h *AuthHandler) replaceSession(c *gin.Context, user *ent.User, mapping *ent.BackendUser, deviceID, deviceName, appName, appVersion string) error {
	ctx := c.Request.Context()
	_, _ = h.db.Session.Delete().
		Where(
			entsession.HasMappingWith(entbackenduser.ID(mapping.ID)),
			entsession.DeviceID(deviceID),
			entsession.AppName(appName),
		).
		Exec(ctx)

	_, err := h.db.Session.Create().
		SetToken(*mapping.BackendToken).
		SetOriginalUserID(mapping.BackendUserID).
		SetDeviceID(deviceID).
		SetDeviceName(deviceName).
		SetAppName(appName).
		SetNillableAppVersion(nilIfEmpty(appVersion)).
		SetUser(user).
		SetMapping(mapping).
		Save(ctx)
	return err
}

// UpdatePassword handles POST /Users/:userId/Password.
// A user may change their own password (CurrentPw required).
// An admin may reset any user's password without providing CurrentPw.
func (h *AuthHandler) UpdatePassword(c *gin.Context) {
	caller := userFromCtx(c)
	if caller == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	targetID, err := uuid.Parse(c.Param("userId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user ID"})
		return
	}

	var req struct {
		CurrentPw     string `json:"CurrentPw"`
		NewPw         string `json:"NewPw"`
		ResetPassword bool   `json:"ResetPassword"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Only the user themselves or an admin can change the password.
	isSelf := caller.ID == targetID
	if !isSelf && !caller.IsAdmin {
		c.JSON(http.StatusForbidden, gin.H{"error": "Forbidden"})
		return
	}

	target, err := h.db.User.Get(c.Request.Context(), targetID)
	if err != nil {
		if ent.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get user"})
		return
	}

	// Non-admins must verify their current password.
	if !caller.IsAdmin {
		if err := bcrypt.CompareHashAndPassword([]byte(target.HashedPassword), []byte(req.CurrentPw)); err != nil {
			c.JSON(http.StatusForbidden, gin.H{"error": "Current password is incorrect"})
			return
		}
	}

	newPw := req.NewPw
	if req.ResetPassword {
		newPw = ""
	}
	if !req.ResetPassword && len(newPw) < 8 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "NewPw must be at least 8 characters"})
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPw), BcryptCost)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to hash password"})
		return
	}

	if err := h.db.User.UpdateOneID(targetID).SetHashedPassword(string(hash)).Exec(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update password"})
		return
	}

	// A changed proxy password invalidates every resolved backend identity —
	// the decrypted upstream passwords were sealed under a key derived from
	// the old password and can no longer be recovered for re-authentication.
	// Every AuthorizationSession for the target user is dropped; the next
	// request forces a fresh AuthenticateByName and a fresh Auth Multiplexer
	// fan-out under the new password.
	_, _ = h.db.Session.Delete().
		Where(entsession.HasUserWith(entuser.ID(targetID))).
		Exec(c.Request.Context())
	_, _ = h.db.BackendUser.Update().
		Where(entbackenduser.HasUserWith(entuser.ID(targetID))).
		ClearEncryptedPassword().
		Exec(c.Request.Context())

	c.Status(http.StatusNoContent)
}

// Logout handles DELETE /Sessions/Logout and POST /Sessions/Logout. It
// deletes every AuthorizationSession sharing the caller's device fingerprint,
// so all of the user's backend mappings are logged out together on this
// device — not just whichever session happened to resolve as "best".
func (h *AuthHandler) Logout(c *gin.Context) {
	user := userFromCtx(c)
	if user == nil {
		c.Status(http.StatusNoContent)
		return
	}

	authParams := middleware.ParseMediaBrowserAuth(c.GetHeader("Authorization"))
	deviceID := authParams["DeviceId"]
	if deviceID == "" {
		if raw, ok := c.Get(middleware.ContextKeySession); ok {
			if s, ok := raw.(*ent.Session); ok && s != nil {
				deviceID = s.DeviceID
			}
		}
	}
	if deviceID == "" {
		c.Status(http.StatusNoContent)
		return
	}

	_, _ = h.db.Session.Delete().
		Where(
			entsession.HasUserWith(entuser.ID(user.ID)),
			entsession.DeviceID(deviceID),
		).
		Exec(c.Request.Context())
	c.Status(http.StatusNoContent)
}
