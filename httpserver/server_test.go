package httpserver

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ruteri/tee-admission-node/api"
	"github.com/ruteri/tee-admission-node/api/certifier"
	"github.com/ruteri/tee-admission-node/cryptoutils"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	ca, _, err := cryptoutils.GeneratePolicyCA("test-policy-authority")
	require.NoError(t, err)

	handler := certifier.NewHandler(ca, certifier.NewAllowlistPolicy(), slog.Default())

	srv, err := New(&api.HTTPServerConfig{
		ListenAddr:               "127.0.0.1:0",
		Log:                      slog.Default(),
		DrainDuration:            10 * time.Millisecond,
		GracefulShutdownDuration: time.Second,
	}, handler)
	require.NoError(t, err)
	return srv
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t)
	router := srv.getRouter()

	for _, path := range []string{"/livez", "/readyz"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestDrainUndrain(t *testing.T) {
	srv := newTestServer(t)
	router := srv.getRouter()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/drain", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/undrain", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestPolicyCertServedThroughRouter(t *testing.T) {
	srv := newTestServer(t)
	router := srv.getRouter()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/public/policy_cert", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	_, err := cryptoutils.NewPolicyCert(rec.Body.Bytes())
	require.NoError(t, err)
}
