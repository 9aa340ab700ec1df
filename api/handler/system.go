package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/jellyswarrm/jellyswarrm/backend"
	"github.com/jellyswarrm/jellyswarrm/config"
	"github.com/jellyswarrm/jellyswarrm/ent"
	"github.com/jellyswarrm/jellyswarrm/static"
	"github.com/gin-gonic/gin"
	"github.com/jellydator/ttlcache/v3"
)

type SystemHandler struct {
	cfg          config.Config
	db           *ent.Client
	pool         *backend.Pool
	displayPrefs *ttlcache.Cache[string, json.RawMessage]
}

// jellyfinVersion is the Jellyfin server version the proxy presents to clients.
const jellyfinVersion = "10.11.6"

func NewSystemHandler(cfg config.Config, db *ent.Client, pool *backend.Pool) *SystemHandler {
	return &SystemHandler{cfg: cfg, db: db, pool: pool, displayPrefs: newDisplayPrefsStore()}
}

// Stop halts the display-preferences cache's eviction janitor. Call during
// graceful shutdown.
func (h *SystemHandler) Stop() {
	h.displayPrefs.Stop()
}

// InfoPublic handles GET /System/Info/Public.
// Returns the minimal server info that unauthenticated clients need
// (e.g. to display the login screen).
func (h *SystemHandler) InfoPublic(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"LocalAddress":           h.cfg.ExternalURL,
		"ServerName":             h.cfg.ServerName,
		"Version":                jellyfinVersion,
		"ProductName":            "Jellyfin Server",
		"OperatingSystem":        "Linux",
		"Id":                     h.cfg.ServerID,
		"StartupWizardCompleted": true,
	})
}

// Info handles GET /System/Info (authenticated).
// Returns the full server info object. Capabilities that don't apply to a
// multi-backend proxy (restart, update, browser launch) are explicitly false
// so the web UI does not render the corresponding admin buttons.
func (h *SystemHandler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"LocalAddress":           h.cfg.ExternalURL,
		"ServerName":             h.cfg.ServerName,
		"Version":                jellyfinVersion,
		"ProductName":            "Jellyfin Server",
		"OperatingSystem":        "Linux",
		"Id":                     h.cfg.ServerID,
		"StartupWizardCompleted": true,
		"SupportsLibraryMonitor": false,
		"CanSelfRestart":         false,
		"CanLaunchWebBrowser":    false,
		"HasUpdateAvailable":     false,
		"HasPendingRestart":      false,
		"EncoderLocation":        "NotFound",
		"SystemArchitecture":     "X64",
	})
}

// GetSystemLogs handles GET /System/Logs — returns an empty log file list.
func (h *SystemHandler) GetSystemLogs(c *gin.Context) {
	c.JSON(http.StatusOK, []interface{}{})
}

// GetSystemLogFile handles GET /System/Logs/Log — returns empty log content.
func (h *SystemHandler) GetSystemLogFile(c *gin.Context) {
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte{})
}

// GetPackages handles GET /Packages — returns empty list (no plugin updates on proxy).
func (h *SystemHandler) GetPackages(c *gin.Context) {
	c.JSON(http.StatusOK, []interface{}{})
}

// GetRepositories handles GET /Repositories — returns empty list.
func (h *SystemHandler) GetRepositories(c *gin.Context) {
	c.JSON(http.StatusOK, []interface{}{})
}

// BrandingConfiguration handles GET /Branding/Configuration.
func (h *SystemHandler) BrandingConfiguration(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"LoginDisclaimer":     "",
		"CustomCss":           static.BrandingCSS,
		"SplashscreenEnabled": false,
	})
}

// BrandingCss handles GET /Branding/Css.
// The web UI fetches custom CSS from this dedicated endpoint and injects it
// into every page, making it the most reliable way to hide unsupported sections.
func (h *SystemHandler) BrandingCss(c *gin.Context) {
	c.Data(http.StatusOK, "text/css; charset=utf-8", []byte(static.BrandingCSS))
}

// UsersPublic handles GET /Users/Public.
// Returns the list of users visible on the login screen.
// An empty array means manual username entry is required.
func (h *SystemHandler) UsersPublic(c *gin.Context) {
	c.JSON(http.StatusOK, []interface{}{})
}

// QuickConnectEnabled handles GET /QuickConnect/Enabled.
// Returns whether QuickConnect is enabled on this server.
func (h *SystemHandler) QuickConnectEnabled(c *gin.Context) {
	c.JSON(http.StatusOK, false)
}

// SessionCapabilitiesFull handles POST /Sessions/Capabilities/Full.
// Clients call this after login to advertise what they can play/support.
// We acknowledge the request and discard the body.
func (h *SystemHandler) SessionCapabilitiesFull(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// DisplayPreferencesGet handles GET /DisplayPreferences/{id}.
// Returns stored display/UI preferences for the user, falling back to
// sensible defaults if nothing has been saved yet.
func (h *SystemHandler) DisplayPreferencesGet(c *gin.Context) {
	id := c.Param("id")
	client := c.Query("client")
	user := userFromCtx(c)
	key := ""
	if user != nil {
		key = user.ID.String() + ":" + id + ":" + client
	}

	if key != "" {
		if item := h.displayPrefs.Get(key); item != nil {
			c.Data(http.StatusOK, "application/json", item.Value())
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"Id":                 id,
		"SortBy":             "SortName",
		"RememberIndexing":   false,
		"PrimaryImageHeight": 250,
		"PrimaryImageWidth":  0,
		"CustomPrefs":        gin.H{},
		"ScrollDirection":    "Horizontal",
		"ShowBackdrop":       true,
		"RememberSorting":    false,
		"SortOrder":          "Ascending",
		"ShowSidebar":        false,
		"Client":             "emby",
		"IndexBy":            nil,
		"ViewType":           "",
	})
}

// DisplayPreferencesUpdate handles POST /DisplayPreferences/{id}.
// Stores the client's display preference payload so it survives across
// page reloads within the same proxy session.
func (h *SystemHandler) DisplayPreferencesUpdate(c *gin.Context) {
	id := c.Param("id")
	client := c.Query("client")
	user := userFromCtx(c)
	if user == nil {
		c.Status(http.StatusNoContent)
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodySize))
	if err != nil || len(body) == 0 {
		c.Status(http.StatusNoContent)
		return
	}

	key := user.ID.String() + ":" + id + ":" + client
	h.displayPrefs.Set(key, json.RawMessage(body), ttlcache.DefaultTTL)
	c.Status(http.StatusNoContent)
}

// GetEndpointInfo handles GET /System/Endpoint.
// Returns the client's IP address and whether the connection is on the local network.
// Used by the web UI to determine local vs remote access.
func (h *SystemHandler) GetEndpointInfo(c *gin.Context) {
	ip := c.ClientIP()
	c.JSON(http.StatusOK, gin.H{
		"RemoteEndPoint": ip,
		"IsLocal":        true,
	})
}

// ActivityLogEntries handles GET /System/ActivityLog/Entries.
// Returns an empty log — the proxy does not record activity.
func (h *SystemHandler) ActivityLogEntries(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"Items": []interface{}{}, "TotalRecordCount": 0, "StartIndex": 0})
}

// InfoStorage handles GET /System/Info/Storage.
// Returns an empty drives list — storage info is not meaningful cross-backend.
func (h *SystemHandler) InfoStorage(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"Drives": []interface{}{}})
}

// GetDevices handles GET /Devices.
// Returns an empty list — device management is not supported cross-backend.
func (h *SystemHandler) GetDevices(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"Items": []interface{}{}, "TotalRecordCount": 0, "StartIndex": 0})
}

// GetConfiguration handles GET /System/Configuration.
// Returns a minimal config object so the admin UI renders without errors.
// Flags that would expose unsupported multi-backend admin features are
// explicitly disabled so the web UI does not offer them.
func (h *SystemHandler) GetConfiguration(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"LogFileRetentionDays":             3,
		"IsStartupWizardCompleted":         true,
		"EnableMetrics":                    false,
		"EnableNormalizedItemByNameIds":    false,
		"IsPortAuthorized":                 true,
		"QuickConnectAvailable":            false,
		"EnableCaseSensitiveItemIds":       true,
		"DisableLiveTvChannelUserDataName": true,
		"MetadataPath":                     "",
		"PreferredMetadataLanguage":        "en",
		"MetadataCountryCode":              "US",
		"SortReplaceCharacters":            []string{".", "+", "%"},
		"SortRemoveCharacters":             []string{"'", "!", "", "?"},
		"SortRemoveWords":                  []string{"the", "a", "an"},
		"MinResumePct":                     5,
		"MaxResumePct":                     90,
		"MinResumeDurationSeconds":         300,
		"LibraryMonitorDelay":              60,
		"ImageSavingConvention":            "Legacy",
		// Disable UI sections the proxy cannot support across multiple backends.
		"EnableFolderView":              false,
		"EnableGroupingIntoCollections": false,
		"DisplaySpecialsWithinSeasons":  true,
		"CodecsUsed":                    []string{},
		// Empty plugin repository list — plugins cannot be managed on the proxy.
		"PluginRepositories":                 []interface{}{},
		"EnableExternalContentInSuggestions": true,
		"RequireHttps":                       false,
		"EnableJavascriptLog":                false,
		"DisplayAnyDisclaimer":               false,
		"EnableSlowResponseWarning":          false,
		"SlowResponseThresholdMs":            500,
		"CorsHosts":                          []string{"*"},
		"ActivityLogRetentionDays":           30,
		"LibraryScanFanoutConcurrency":       0,
		"LibraryMetadataRefreshConcurrency":  0,
		"RemoveOldPlugins":                   false,
		"AllowClientLogUpload":               false,
	})
}

// GetConfigurationNetwork handles GET /System/Configuration/network.
// Returns a minimal network config stub.
func (h *SystemHandler) GetConfigurationNetwork(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"RequireHttps":              false,
		"EnableIPV4":                true,
		"EnableIPV6":                false,
		"EnableHttps":               false,
		"PublicHttpsPort":           8920,
		"HttpServerPortNumber":      8096,
		"HttpsPortNumber":           8920,
		"IsRemoteIPFilterBlacklist": false,
		"EnableRemoteAccess":        true,
		"RemoteIPFilter":            []string{},
		"LocalNetworkSubnets":       []string{},
		"LocalNetworkAddresses":     []string{},
		"KnownProxies":              []string{},
		"PublicPort":                8096,
		"AutoDiscovery":             false,
		"BaseUrl":                   "",
	})
}

// GetParentalRatings handles GET /ParentalRatings.
// Returns an empty list — parental rating enforcement is handled by the backends.
func (h *SystemHandler) GetParentalRatings(c *gin.Context) {
	c.JSON(http.StatusOK, []interface{}{})
}

// GetLocalizationOptions handles GET /Localization/Options.
// Returns an empty list — the proxy does not support localization settings.
func (h *SystemHandler) GetLocalizationOptions(c *gin.Context) {
	c.JSON(http.StatusOK, []interface{}{})
}

// cultures is the static list of cultures returned by /Localization/Cultures.
var cultures = []gin.H{
	{"Name": "English", "DisplayName": "English", "TwoLetterISOLanguageName": "en", "ThreeLetterISOLanguageName": "eng"},
	{"Name": "Afrikaans", "DisplayName": "Afrikaans", "TwoLetterISOLanguageName": "af", "ThreeLetterISOLanguageName": "afr"},
	{"Name": "Arabic", "DisplayName": "Arabic", "TwoLetterISOLanguageName": "ar", "ThreeLetterISOLanguageName": "ara"},
	{"Name": "Bulgarian", "DisplayName": "Bulgarian", "TwoLetterISOLanguageName": "bg", "ThreeLetterISOLanguageName": "bul"},
	{"Name": "Catalan", "DisplayName": "Catalan", "TwoLetterISOLanguageName": "ca", "ThreeLetterISOLanguageName": "cat"},
	{"Name": "Chinese (Simplified)", "DisplayName": "Chinese (Simplified)", "TwoLetterISOLanguageName": "zh", "ThreeLetterISOLanguageName": "zho"},
	{"Name": "Chinese (Traditional)", "DisplayName": "Chinese (Traditional)", "TwoLetterISOLanguageName": "zh-TW", "ThreeLetterISOLanguageName": "zht"},
	{"Name": "Croatian", "DisplayName": "Croatian", "TwoLetterISOLanguageName": "hr", "ThreeLetterISOLanguageName": "hrv"},
	{"Name": "Czech", "DisplayName": "Czech", "TwoLetterISOLanguageName": "cs", "ThreeLetterISOLanguageName": "ces"},
	{"Name": "Danish", "DisplayName": "Danish", "TwoLetterISOLanguageName": "da", "ThreeLetterISOLanguageName": "dan"},
	{"Name": "Dutch", "DisplayName": "Dutch", "TwoLetterISOLanguageName": "nl", "ThreeLetterISOLanguageName": "nld"},
	{"Name": "Finnish", "DisplayName": "Finnish", "TwoLetterISOLanguageName": "fi", "ThreeLetterISOLanguageName": "fin"},
	{"Name": "French", "DisplayName": "French", "TwoLetterISOLanguageName": "fr", "ThreeLetterISOLanguageName": "fra"},
	{"Name": "German", "DisplayName": "German", "TwoLetterISOLanguageName": "de", "ThreeLetterISOLanguageName": "deu"},
	{"Name": "Greek", "DisplayName": "Greek", "TwoLetterISOLanguageName": "el", "ThreeLetterISOLanguageName": "ell"},
	{"Name": "Hebrew", "DisplayName": "Hebrew", "TwoLetterISOLanguageName": "he", "ThreeLetterISOLanguageName": "heb"},
	{"Name": "Hindi", "DisplayName": "Hindi", "TwoLetterISOLanguageName": "hi", "ThreeLetterISOLanguageName": "hin"},
	{"Name": "Hungarian", "DisplayName": "Hungarian", "TwoLetterISOLanguageName": "hu", "ThreeLetterISOLanguageName": "hun"},
	{"Name": "Icelandic", "DisplayName": "Icelandic", "TwoLetterISOLanguageName": "is", "ThreeLetterISOLanguageName": "isl"},
	{"Name": "Indonesian", "DisplayName": "Indonesian", "TwoLetterISOLanguageName": "id", "ThreeLetterISOLanguageName": "ind"},
	{"Name": "Italian", "DisplayName": "Italian", "TwoLetterISOLanguageName": "it", "ThreeLetterISOLanguageName": "ita"},
	{"Name": "Japanese", "DisplayName": "Japanese", "TwoLetterISOLanguageName": "ja", "ThreeLetterISOLanguageName": "jpn"},
	{"Name": "Korean", "DisplayName": "Korean", "TwoLetterISOLanguageName": "ko", "ThreeLetterISOLanguageName": "kor"},
	{"Name": "Latvian", "DisplayName": "Latvian", "TwoLetterISOLanguageName": "lv", "ThreeLetterISOLanguageName": "lav"},
	{"Name": "Lithuanian", "DisplayName": "Lithuanian", "TwoLetterISOLanguageName": "lt", "ThreeLetterISOLanguageName": "lit"},
	{"Name": "Malay", "DisplayName": "Malay", "TwoLetterISOLanguageName": "ms", "ThreeLetterISOLanguageName": "msa"},
	{"Name": "Norwegian", "DisplayName": "Norwegian", "TwoLetterISOLanguageName": "no", "ThreeLetterISOLanguageName": "nor"},
	{"Name": "Persian", "DisplayName": "Persian", "TwoLetterISOLanguageName": "fa", "ThreeLetterISOLanguageName": "fas"},
	{"Name": "Polish", "DisplayName": "Polish", "TwoLetterISOLanguageName": "pl", "ThreeLetterISOLanguageName": "pol"},
	{"Name": "Portuguese", "DisplayName": "Portuguese", "TwoLetterISOLanguageName": "pt", "ThreeLetterISOLanguageName": "por"},
	{"Name": "Romanian", "DisplayName": "Romanian", "TwoLetterISOLanguageName": "ro", "ThreeLetterISOLanguageName": "ron"},
	{"Name": "Russian", "DisplayName": "Russian", "TwoLetterISOLanguageName": "ru", "ThreeLetterISOLanguageName": "rus"},
	{"Name": "Serbian", "DisplayName": "Serbian", "TwoLetterISOLanguageName": "sr", "ThreeLetterISOLanguageName": "srp"},
	{"Name": "Slovak", "DisplayName": "Slovak", "TwoLetterISOLanguageName": "sk", "ThreeLetterISOLanguageName": "slk"},
	{"Name": "Slovenian", "DisplayName": "Slovenian", "TwoLetterISOLanguageName": "sl", "ThreeLetterISOLanguageName": "slv"},
	{"Name": "Spanish", "DisplayName": "Spanish", "TwoLetterISOLanguageName": "es", "ThreeLetterISOLanguageName": "spa"},
	{"Name": "Swedish", "DisplayName": "Swedish", "TwoLetterISOLanguageName": "sv", "ThreeLetterISOLanguageName": "swe"},
	{"Name": "Thai", "DisplayName": "Thai", "TwoLetterISOLanguageName": "th", "ThreeLetterISOLanguageName": "tha"},
	{"Name": "Turkish", "DisplayName": "Turkish", "TwoLetterISOLanguageName": "tr", "ThreeLetterISOLanguageName": "tur"},
	{"Name": "Ukrainian", "DisplayName": "Ukrainian", "TwoLetterISOLanguageName": "uk", "ThreeLetterISOLanguageName": "ukr"},
	{"Name": "Vietnamese", "DisplayName": "Vietnamese", "TwoLetterISOLanguageName": "vi", "ThreeLetterISOLanguageName": "vie"},
}

// countries is the static list of countries returned by /Localization/Countries.
var countries = []gin.H{
	{"Name": "AUS", "DisplayName": "Australia", "TwoLetterISORegionName": "AU", "ThreeLetterISORegionName": "AUS"},
	{"Name": "AUT", "DisplayName": "Austria", "TwoLetterISORegionName": "AT", "ThreeLetterISORegionName": "AUT"},
	{"Name": "BEL", "DisplayName": "Belgium", "TwoLetterISORegionName": "BE", "ThreeLetterISORegionName": "BEL"},
	{"Name": "BRA", "DisplayName": "Brazil", "TwoLetterISORegionName": "BR", "ThreeLetterISORegionName": "BRA"},
	{"Name": "CAN", "DisplayName": "Canada", "TwoLetterISORegionName": "CA", "ThreeLetterISORegionName": "CAN"},
	{"Name": "CHN", "DisplayName": "China", "TwoLetterISORegionName": "CN", "ThreeLetterISORegionName": "CHN"},
	{"Name": "CZE", "DisplayName": "Czech Republic", "TwoLetterISORegionName": "CZ", "ThreeLetterISORegionName": "CZE"},
	{"Name": "DNK", "DisplayName": "Denmark", "TwoLetterISORegionName": "DK", "ThreeLetterISORegionName": "DNK"},
	{"Name": "FIN", "DisplayName": "Finland", "TwoLetterISORegionName": "FI", "ThreeLetterISORegionName": "FIN"},
	{"Name": "FRA", "DisplayName": "France", "TwoLetterISORegionName": "FR", "ThreeLetterISORegionName": "FRA"},
	{"Name": "DEU", "DisplayName": "Germany", "TwoLetterISORegionName": "DE", "ThreeLetterISORegionName": "DEU"},
	{"Name": "GRC", "DisplayName": "Greece", "TwoLetterISORegionName": "GR", "ThreeLetterISORegionName": "GRC"},
	{"Name": "HUN", "DisplayName": "Hungary", "TwoLetterISORegionName": "HU", "ThreeLetterISORegionName": "HUN"},
	{"Name": "IND", "DisplayName": "India", "TwoLetterISORegionName": "IN", "ThreeLetterISORegionName": "IND"},
	{"Name": "IRL", "DisplayName": "Ireland", "TwoLetterISORegionName": "IE", "ThreeLetterISORegionName": "IRL"},
	{"Name": "ISR", "DisplayName": "Israel", "TwoLetterISORegionName": "IL", "ThreeLetterISORegionName": "ISR"},
	{"Name": "ITA", "DisplayName": "Italy", "TwoLetterISORegionName": "IT", "ThreeLetterISORegionName": "ITA"},
	{"Name": "JPN", "DisplayName": "Japan", "TwoLetterISORegionName": "JP", "ThreeLetterISORegionName": "JPN"},
	{"Name": "KOR", "DisplayName": "South Korea", "TwoLetterISORegionName": "KR", "ThreeLetterISORegionName": "KOR"},
	{"Name": "MEX", "DisplayName": "Mexico", "TwoLetterISORegionName": "MX", "ThreeLetterISORegionName": "MEX"},
	{"Name": "NLD", "DisplayName": "Netherlands", "TwoLetterISORegionName": "NL", "ThreeLetterISORegionName": "NLD"},
	{"Name": "NZL", "DisplayName": "New Zealand", "TwoLetterISORegionName": "NZ", "ThreeLetterISORegionName": "NZL"},
	{"Name": "NOR", "DisplayName": "Norway", "TwoLetterISORegionName": "NO", "ThreeLetterISORegionName": "NOR"},
	{"Name": "POL", "DisplayName": "Poland", "TwoLetterISORegionName": "PL", "ThreeLetterISORegionName": "POL"},
	{"Name": "PRT", "DisplayName": "Portugal", "TwoLetterISORegionName": "PT", "ThreeLetterISORegionName": "PRT"},
	{"Name": "RUS", "DisplayName": "Russia", "TwoLetterISORegionName": "RU", "ThreeLetterISORegionName": "RUS"},
	{"Name": "ZAF", "DisplayName": "South Africa", "TwoLetterISORegionName": "ZA", "ThreeLetterISORegionName": "ZAF"},
	{"Name": "ESP", "DisplayName": "Spain", "TwoLetterISORegionName": "ES", "ThreeLetterISORegionName": "ESP"},
	{"Name": "SWE", "DisplayName": "Sweden", "TwoLetterISORegionName": "SE", "ThreeLetterISORegionName": "SWE"},
	{"Name": "CHE", "DisplayName": "Switzerland", "TwoLetterISORegionName": "CH", "ThreeLetterISORegionName": "CHE"},
	{"Name": "TWN", "DisplayName": "Taiwan", "TwoLetterISORegionName": "TW", "ThreeLetterISORegionName": "TWN"},
	{"Name": "TUR", "DisplayName": "Turkey", "TwoLetterISORegionName": "TR", "ThreeLetterISORegionName": "TUR"},
	{"Name": "UKR", "DisplayName": "Ukraine", "TwoLetterISORegionName": "UA", "ThreeLetterISORegionName": "UKR"},
	{"Name": "GBR", "DisplayName": "United Kingdom", "TwoLetterISORegionName": "GB", "ThreeLetterISORegionName": "GBR"},
	{"Name": "USA", "DisplayName": "United States", "TwoLetterISORegionName": "US", "ThreeLetterISORegionName": "USA"},
}

// GetLocalizationCultures handles GET /Localization/Cultures.
// Returns a common set of cultures so the display-preferences language
// dropdowns populate correctly in the Jellyfin web UI.
func (h *SystemHandler) GetLocalizationCultures(c *gin.Context) {
	c.JSON(http.StatusOK, cultures)
}

// GetLocalizationCountries handles GET /Localization/Countries.
// Returns a common set of countries for region/metadata preference dropdowns.
func (h *SystemHandler) GetLocalizationCountries(c *gin.Context) {
	c.JSON(http.StatusOK, countries)
}

// BitrateTest handles GET /Playback/BitrateTest.
// Returns Size bytes of zero-value data so the client can measure available bandwidth.
// Streams in fixed-size chunks to avoid allocating the full buffer at once.
func (h *SystemHandler) BitrateTest(c *gin.Context) {
	size, err := strconv.ParseInt(c.Query("Size"), 10, 64)
	if err != nil || size <= 0 {
		size = 102400 // default 100 KB
	}
	// Cap at 10 MB to prevent abuse.
	const maxSize = 10 * 1024 * 1024
	if size > maxSize {
		size = maxSize
	}
	c.Header("Content-Type", "application/octet-stream")
	c.Header("Content-Length", strconv.FormatInt(size, 10))
	c.Status(http.StatusOK)

	// Stream zeroes in 32 KB chunks to limit per-request memory.
	const chunkSize = 32 * 1024
	chunk := make([]byte, chunkSize)
	remaining := size
	for remaining > 0 {
		n := int64(chunkSize)
		if remaining < n {
			n = remaining
		}
		if _, err := c.Writer.Write(chunk[:n]); err != nil {
			return
		}
		remaining -= n
	}
}

// HealthLive handles GET /health — always returns 200.
// Used as a liveness probe by container orchestrators.
func (h *SystemHandler) HealthLive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HealthReady handles GET /ready — checks DB connectivity.
// Used as a readiness probe: returns 503 if the DB is unreachable.
func (h *SystemHandler) HealthReady(c *gin.Context) {
	// Quick DB ping.
	if _, err := h.db.User.Query().Limit(1).Count(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "error": "database unreachable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
