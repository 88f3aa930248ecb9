package certifier

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/tee-admission-node/api"
	"github.com/ruteri/tee-admission-node/cryptoutils"
	"github.com/stretchr/testify/require"
)

var approvedMeasurement = func() cryptoutils.Measurement {
	sum := sha256.Sum256([]byte("approved binary"))
	return cryptoutils.Measurement(sum[:])
}()

func newTestRouter(t *testing.T) (chi.Router, *cryptoutils.PolicyCA) {
	t.Helper()

	ca, _, err := cryptoutils.GeneratePolicyCA("test-authority")
	require.NoError(t, err)

	handler := NewHandler(ca, NewAllowlistPolicy(approvedMeasurement), slog.Default())

	router := chi.NewRouter()
	handler.RegisterRoutes(router)
	return router, ca
}

func certifyRequest(t *testing.T, measurement cryptoutils.Measurement) (*api.CertifyRequest, cryptoutils.IdentityPubkey) {
	t.Helper()

	pub, _, err := cryptoutils.GenerateIdentityKeypair(cryptoutils.AlgECDSAP256)
	require.NoError(t, err)

	evidence, err := cryptoutils.DummyAttestationProvider{Measurement: measurement}.Attest(api.ReportData(pub))
	require.NoError(t, err)

	return &api.CertifyRequest{
		Evidence:       evidence,
		IdentityPubkey: pub,
		PubkeyAlg:      cryptoutils.AlgECDSAP256,
		SymmetricAlg:   "aes-256-gcm",
		DomainName:     "datica-test",
	}, pub
}

func postCertify(t *testing.T, router chi.Router, req *api.CertifyRequest, attestationType string) *httptest.ResponseRecorder {
	t.Helper()

	body, err := json.Marshal(req)
	require.NoError(t, err)

	httpReq := httptest.NewRequest(http.MethodPost, "/api/attested/certify", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	if attestationType != "" {
		httpReq.Header.Set(cryptoutils.AttestationTypeHeader, attestationType)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httpReq)
	return rec
}

func TestHandleCertifyIssues(t *testing.T) {
	router, ca := newTestRouter(t)

	req, pub := certifyRequest(t, approvedMeasurement)
	rec := postCertify(t, router, req, "dummy")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp api.CertifyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	cert, err := cryptoutils.NewAdmissionCert(resp.AdmissionCert)
	require.NoError(t, err)
	require.NoError(t, cryptoutils.VerifyAdmissionCert(ca.Cert(), cert, pub))
}

func TestHandleCertifyDeniesUnapprovedMeasurement(t *testing.T) {
	router, _ := newTestRouter(t)

	sum := sha256.Sum256([]byte("unknown binary"))
	req, _ := certifyRequest(t, cryptoutils.Measurement(sum[:]))

	rec := postCertify(t, router, req, "dummy")
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandleCertifyDeniesMismatchedEvidence(t *testing.T) {
	router, _ := newTestRouter(t)

	// Evidence bound to a different key than the one in the request.
	req, _ := certifyRequest(t, approvedMeasurement)
	other, _ := certifyRequest(t, approvedMeasurement)
	req.Evidence = other.Evidence

	rec := postCertify(t, router, req, "dummy")
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandleCertifyBadRequests(t *testing.T) {
	router, _ := newTestRouter(t)

	req, _ := certifyRequest(t, approvedMeasurement)

	rec := postCertify(t, router, req, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postCertify(t, router, req, "azure-sev")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	req.IdentityPubkey = []byte("not a key")
	rec = postCertify(t, router, req, "dummy")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	httpReq := httptest.NewRequest(http.MethodPost, "/api/attested/certify", bytes.NewReader([]byte("{")))
	httpReq.Header.Set(cryptoutils.AttestationTypeHeader, "dummy")
	raw := httptest.NewRecorder()
	router.ServeHTTP(raw, httpReq)
	require.Equal(t, http.StatusBadRequest, raw.Code)
}

func TestHandlePolicyCert(t *testing.T) {
	router, ca := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/public/policy_cert", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []byte(ca.Cert()), rec.Body.Bytes())
}

func TestAllowlistPolicy(t *testing.T) {
	policy := NewAllowlistPolicy()
	require.False(t, policy.MeasurementAllowed(approvedMeasurement))

	policy.Allow(approvedMeasurement)
	require.True(t, policy.MeasurementAllowed(approvedMeasurement))

	require.NoError(t, policy.AllowHex("00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"))
	require.Error(t, policy.AllowHex("zz"))
	require.Error(t, policy.AllowHex("0011"))
}
