package static

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

type fakeCounter struct{ conns, max int }

func (f fakeCounter) ConnectionCount() int { return f.conns }
func (f fakeCounter) MaxConnections() int  { return f.max }

func setupRouter(t *testing.T, root string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewHandler(root, fakeCounter{conns: 2, max: 10})
	r := gin.New()
	r.GET("/health", h.Health)
	r.NoRoute(h.NoRoute)
	return r
}

func TestHealth(t *testing.T) {
	r := setupRouter(t, t.TempDir())
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"status":"ok"`)
	require.Contains(t, w.Body.String(), `"connections":2`)
}

func TestStatic_IndexDefault(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "index.html"), []byte("<html>hi</html>"), 0644))
	r := setupRouter(t, root)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "text/html; charset=utf-8", w.Header().Get("Content-Type"))
	require.Equal(t, "<html>hi</html>", w.Body.String())
}

func TestStatic_UnknownExtension(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "data.bin"), []byte{1, 2, 3}, 0644))
	r := setupRouter(t, root)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/data.bin", nil)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "application/octet-stream", w.Header().Get("Content-Type"))
}

func TestStatic_Traversal(t *testing.T) {
	r := setupRouter(t, t.TempDir())
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/../etc/passwd", nil)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestStatic_Missing(t *testing.T) {
	r := setupRouter(t, t.TempDir())
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/nope.html", nil)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}
