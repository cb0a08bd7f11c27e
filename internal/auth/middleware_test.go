package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T, m *Manager) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware(m))

	r.GET("/public", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user": c.GetString(ContextKeyUserID)})
	})

	authed := r.Group("/", RequireAuth())
	authed.GET("/me", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user": c.GetString(ContextKeyUserID)})
	})

	admin := r.Group("/admin", RequireAdmin())
	admin.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	return r
}

func do(r *gin.Engine, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestPublicRouteAllowsAnonymous(t *testing.T) {
	m := NewManager("test-secret", time.Hour)
	r := newTestRouter(t, m)

	w := do(r, "/public", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequireAuth(t *testing.T) {
	m := NewManager("test-secret", time.Hour)
	r := newTestRouter(t, m)

	assert.Equal(t, http.StatusUnauthorized, do(r, "/me", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, "/me", "garbage").Code)

	token, err := m.Issue("user-1", RoleUser)
	require.NoError(t, err)
	w := do(r, "/me", token)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "user-1")
}

func TestRequireAdmin(t *testing.T) {
	m := NewManager("test-secret", time.Hour)
	r := newTestRouter(t, m)

	userToken, err := m.Issue("user-1", RoleUser)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, do(r, "/admin/stats", userToken).Code)

	adminToken, err := m.Issue("admin-1", RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, do(r, "/admin/stats", adminToken).Code)

	assert.Equal(t, http.StatusUnauthorized, do(r, "/admin/stats", "").Code)
}

func TestQueryTokenAccepted(t *testing.T) {
	m := NewManager("test-secret", time.Hour)
	r := newTestRouter(t, m)

	token, err := m.Issue("user-1", RoleUser)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/me?token="+token, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
