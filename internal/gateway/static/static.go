// Package static serves the health document reporting connection counts,
// and a traversal-safe static file server rooted at a configured
// directory with a fixed MIME table.
package static

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	v1 "github.com/relaypoint/supervisor/pkg/api/v1"
)

// ConnectionCounter reports live gateway connection counts for the health
// document, decoupling this package from the ws package's concrete types.
type ConnectionCounter interface {
	ConnectionCount() int
	MaxConnections() int
}

// Handler serves /health and the public/ static tree.
type Handler struct {
	root    string
	counter ConnectionCounter
}

// NewHandler creates a Handler rooted at root, reporting connection stats
// from counter.
func NewHandler(root string, counter ConnectionCounter) *Handler {
	return &Handler{root: root, counter: counter}
}

// Health implements GET /health.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, v1.HealthResponse{
		Status:         "ok",
		Connections:    h.counter.ConnectionCount(),
		MaxConnections: h.counter.MaxConnections(),
	})
}

// mimeTypes is the fixed extension-to-content-type table; anything not
// listed falls back to application/octet-stream rather than consulting
// the OS mime database.
var mimeTypes = map[string]string{
	".html": "text/html; charset=utf-8",
	".htm":  "text/html; charset=utf-8",
	".css":  "text/css; charset=utf-8",
	".js":   "application/javascript; charset=utf-8",
	".mjs":  "application/javascript; charset=utf-8",
	".json": "application/json; charset=utf-8",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".svg":  "image/svg+xml",
	".ico":  "image/x-icon",
	".txt":  "text/plain; charset=utf-8",
	".map":  "application/json; charset=utf-8",
	".woff": "font/woff",
	".woff2": "font/woff2",
}

// Static implements the "/*filepath" case, used directly by callers that
// route a literal wildcard segment to it.
func (h *Handler) Static(c *gin.Context) {
	h.serve(c, c.Param("filepath"))
}

// NoRoute is registered via router.NoRoute so static serving falls out of
// gin's route tree entirely, avoiding any ambiguity between literal routes
// (/health, /ws) and a catch-all at the same level.
func (h *Handler) NoRoute(c *gin.Context) {
	h.serve(c, c.Request.URL.Path)
}

func (h *Handler) serve(c *gin.Context, reqPath string) {
	if reqPath == "" || reqPath == "/" {
		reqPath = "/index.html"
	}

	for _, part := range strings.Split(reqPath, "/") {
		if part == ".." {
			c.Status(http.StatusForbidden)
			return
		}
	}

	full := filepath.Join(h.root, filepath.FromSlash(reqPath))
	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		c.Status(http.StatusNotFound)
		return
	}

	data, err := os.ReadFile(full)
	if err != nil {
		c.Status(http.StatusNotFound)
		return
	}

	contentType, ok := mimeTypes[strings.ToLower(filepath.Ext(full))]
	if !ok {
		contentType = "application/octet-stream"
	}

	c.Header("Content-Type", contentType)
	c.Data(http.StatusOK, contentType, data)
}
