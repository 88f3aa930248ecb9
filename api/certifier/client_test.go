package certifier

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/tee-admission-node/cryptoutils"
	"github.com/ruteri/tee-admission-node/interfaces"
	"github.com/stretchr/testify/require"
)

func newTestAuthority(t *testing.T) (*httptest.Server, *cryptoutils.PolicyCA) {
	t.Helper()

	ca, _, err := cryptoutils.GeneratePolicyCA("test-authority")
	require.NoError(t, err)

	handler := NewHandler(ca, NewAllowlistPolicy(approvedMeasurement), slog.Default())
	router := chi.NewRouter()
	handler.RegisterRoutes(router)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, ca
}

func TestClientCertify(t *testing.T) {
	srv, ca := newTestAuthority(t)
	client := NewClient(srv.URL, cryptoutils.DummyAttestation)

	req, pub := certifyRequest(t, approvedMeasurement)
	resp, err := client.Certify(context.Background(), req)
	require.NoError(t, err)

	cert, err := cryptoutils.NewAdmissionCert(resp.AdmissionCert)
	require.NoError(t, err)
	require.NoError(t, cryptoutils.VerifyAdmissionCert(ca.Cert(), cert, pub))
}

func TestClientCertifyDenied(t *testing.T) {
	srv, _ := newTestAuthority(t)
	client := NewClient(srv.URL, cryptoutils.DummyAttestation)

	req, _ := certifyRequest(t, cryptoutils.Measurement(make([]byte, cryptoutils.MeasurementSize)))
	_, err := client.Certify(context.Background(), req)
	require.ErrorIs(t, err, interfaces.ErrCertificationDenied)
}

func TestClientCertifyUnreachable(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", cryptoutils.DummyAttestation)

	req, _ := certifyRequest(t, approvedMeasurement)
	_, err := client.Certify(context.Background(), req)
	require.ErrorIs(t, err, interfaces.ErrNetwork)
}

func TestClientCertifyServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "temporary failure", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	client := NewClient(srv.URL, cryptoutils.DummyAttestation)
	req, _ := certifyRequest(t, approvedMeasurement)

	_, err := client.Certify(context.Background(), req)
	require.ErrorIs(t, err, interfaces.ErrNetwork)
	require.NotErrorIs(t, err, interfaces.ErrCertificationDenied)
}

func TestClientCertifyContextCancelled(t *testing.T) {
	srv, _ := newTestAuthority(t)
	client := NewClient(srv.URL, cryptoutils.DummyAttestation)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req, _ := certifyRequest(t, approvedMeasurement)
	_, err := client.Certify(ctx, req)
	require.ErrorIs(t, err, interfaces.ErrNetwork)
}

func TestClientPolicyCert(t *testing.T) {
	srv, ca := newTestAuthority(t)
	client := NewClient(srv.URL, cryptoutils.DummyAttestation)

	anchor, err := client.PolicyCert(context.Background())
	require.NoError(t, err)
	require.Equal(t, []byte(ca.Cert()), []byte(anchor))
}
