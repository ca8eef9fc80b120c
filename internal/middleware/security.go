// security.go provides Gin middleware that sets protective HTTP response
// headers. JSON routes get a deny-all policy; public media routes allow
// cross-origin embedding so the front end can preview uploads.
package middleware

import (
	"strconv"

	"github.com/gin-gonic/gin"
)

// SecurityHeadersConfig holds configuration for security headers
type SecurityHeadersConfig struct {
	EnableHSTS            bool
	HSTSMaxAge            int
	HSTSIncludeSubdomains bool
	// FrameOptions is DENY or SAMEORIGIN; empty omits the header.
	FrameOptions              string
	ContentSecurityPolicy     string
	ReferrerPolicy            string
	CrossOriginResourcePolicy string
}

// APISecurityHeadersConfig is applied to every JSON route.
func APISecurityHeadersConfig() SecurityHeadersConfig {
	return SecurityHeadersConfig{
		EnableHSTS:                true,
		HSTSMaxAge:                31536000,
		HSTSIncludeSubdomains:     true,
		FrameOptions:              "DENY",
		ContentSecurityPolicy:     "default-src 'none'; frame-ancestors 'none'",
		ReferrerPolicy:            "no-referrer",
		CrossOriginResourcePolicy: "same-origin",
	}
}

// MediaSecurityHeadersConfig is applied to publicly served media files.
func MediaSecurityHeadersConfig() SecurityHeadersConfig {
	cfg := APISecurityHeadersConfig()
	cfg.ContentSecurityPolicy = "default-src 'none'; sandbox"
	cfg.CrossOriginResourcePolicy = "cross-origin"
	return cfg
}

// SecurityHeadersMiddleware adds the configured headers to all responses.
func SecurityHeadersMiddleware(config SecurityHeadersConfig) gin.HandlerFunc {
	hsts := ""
	if config.EnableHSTS {
		hsts = "max-age=" + strconv.Itoa(config.HSTSMaxAge)
		if config.HSTSIncludeSubdomains {
			hsts += "; includeSubDomains"
		}
	}

	return func(c *gin.Context) {
		h := c.Writer.Header()
		if hsts != "" {
			h.Set("Strict-Transport-Security", hsts)
		}
		if config.FrameOptions != "" {
			h.Set("X-Frame-Options", config.FrameOptions)
		}
		if config.ContentSecurityPolicy != "" {
			h.Set("Content-Security-Policy", config.ContentSecurityPolicy)
		}
		if config.ReferrerPolicy != "" {
			h.Set("Referrer-Policy", config.ReferrerPolicy)
		}
		if config.CrossOriginResourcePolicy != "" {
			h.Set("Cross-Origin-Resource-Policy", config.CrossOriginResourcePolicy)
		}
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Permitted-Cross-Domain-Policies", "none")
		c.Next()
	}
}
