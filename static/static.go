// Package static embeds the web UI customization assets the proxy serves
// directly, without a round trip to any backend.
package static

import _ "embed"

// BrandingCSS is injected into the Jellyfin web UI via
// GET /Branding/Configuration and GET /Branding/Css to hide dashboard
// sections and preference pages that only make sense against a single
// real server, not a federation of them.
//
//go:embed branding.css
var BrandingCSS string
