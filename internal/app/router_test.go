package app

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/telestackhq/db/internal/api/handlers"
	"github.com/telestackhq/db/internal/pkg/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
	_ = logger.Init("error", "json")
}

func TestNewRouter_RegistersSurface(t *testing.T) {
	router := NewRouter(handlers.NewServer(handlers.ServerDeps{}))

	want := map[string][]string{
		http.MethodPost:   {"/documents/auth/token", "/documents/batch", "/documents/internal/reset", "/documents/:collection"},
		http.MethodGet:    {"/healthz", "/documents/sync", "/documents/query", "/documents/:collection", "/documents/:collection/:id"},
		http.MethodPut:    {"/documents/:collection/:id"},
		http.MethodPatch:  {"/documents/:collection/:id"},
		http.MethodDelete: {"/documents/:collection/:id"},
	}

	registered := make(map[string]map[string]bool)
	for _, route := range router.Routes() {
		if registered[route.Method] == nil {
			registered[route.Method] = make(map[string]bool)
		}
		registered[route.Method][route.Path] = true
	}

	for method, paths := range want {
		for _, path := range paths {
			require.True(t, registered[method][path], "missing route %s %s", method, path)
		}
	}
}

func TestNewRouter_Health(t *testing.T) {
	router := NewRouter(handlers.NewServer(handlers.ServerDeps{}))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestNewRouter_CORSPreflight(t *testing.T) {
	router := NewRouter(handlers.NewServer(handlers.ServerDeps{}))

	req := httptest.NewRequest(http.MethodOptions, "/documents/items", nil)
	req.Header.Set("Origin", "http://example.test")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
