package cors

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// Options configures the CORS middleware.
type Options struct {
	// AllowedOrigins lists exact origins. Empty allows any origin.
	AllowedOrigins []string
	AllowedHeaders []string
	// ExposedHeaders are readable by browser scripts, e.g. the export filename.
	ExposedHeaders []string
	MaxAgeSeconds  int
}

// DefaultOptions returns the settings used by the API.
func DefaultOptions(origins []string) Options {
	return Options{
		AllowedOrigins: origins,
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Requested-With", "X-Request-ID"},
		ExposedHeaders: []string{"Content-Disposition", "X-Request-ID"},
		MaxAgeSeconds:  600,
	}
}

// New returns a CORS middleware for the given options.
func New(opts Options) gin.HandlerFunc {
	allowAll := len(opts.AllowedOrigins) == 0
	originSet := make(map[string]struct{}, len(opts.AllowedOrigins))
	for _, origin := range opts.AllowedOrigins {
		originSet[strings.TrimRight(origin, "/")] = struct{}{}
	}
	allowHeaders := strings.Join(opts.AllowedHeaders, ", ")
	exposeHeaders := strings.Join(opts.ExposedHeaders, ", ")
	maxAge := strconv.Itoa(opts.MaxAgeSeconds)

	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Add("Vary", "Origin")

		origin := c.GetHeader("Origin")
		allowed := false
		switch {
		case origin == "" && allowAll:
			h.Set("Access-Control-Allow-Origin", "*")
		case origin != "":
			_, listed := originSet[strings.TrimRight(origin, "/")]
			allowed = allowAll || listed
			if allowed {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Credentials", "true")
			}
		}
		if exposeHeaders != "" {
			h.Set("Access-Control-Expose-Headers", exposeHeaders)
		}

		if c.Request.Method == http.MethodOptions {
			if allowed || allowAll {
				h.Set("Access-Control-Allow-Headers", allowHeaders)
				h.Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
				h.Set("Access-Control-Max-Age", maxAge)
			}
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
