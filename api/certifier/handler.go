package certifier

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/tee-admission-node/api"
	"github.com/ruteri/tee-admission-node/cryptoutils"
	"github.com/ruteri/tee-admission-node/metrics"
)

// Handler processes certification requests for the policy authority.
// It verifies attestation evidence, applies the measurement approval
// policy, and issues admission certificates signed by the policy root.
type Handler struct {
	ca     *cryptoutils.PolicyCA
	policy MeasurementPolicy
	log    *slog.Logger
}

// NewHandler creates a new certification request handler.
//
// Parameters:
//   - ca: Policy CA used to sign admission certificates
//   - policy: Measurement approval policy
//   - log: Structured logger for operational insights
func NewHandler(ca *cryptoutils.PolicyCA, policy MeasurementPolicy, log *slog.Logger) *Handler {
	return &Handler{ca: ca, policy: policy, log: log}
}

// RegisterRoutes configures the HTTP router with certification endpoints:
//   - POST /api/attested/certify - Submit evidence, receive an admission certificate
//   - GET /api/public/policy_cert - Retrieve the policy root anchor
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/attested/certify", h.HandleCertify)
	r.Get("/api/public/policy_cert", h.HandlePolicyCert)
}

// HandleCertify processes a certification request.
//
// Request: JSON-encoded api.CertifyRequest, with the attestation
// mechanism named in the X-Attestation-Type header.
//
// Status codes:
//   - 200 OK: admission certificate issued
//   - 400 Bad Request: malformed request, key or evidence
//   - 403 Forbidden: evidence rejected or measurement not approved
//   - 500 Internal Server Error: certificate issuance failed
func (h *Handler) HandleCertify(w http.ResponseWriter, r *http.Request) {
	attestationType, err := cryptoutils.AttestationTypeFromString(r.Header.Get(cryptoutils.AttestationTypeHeader))
	if err != nil {
		h.log.Warn("Unsupported attestation type", "type", r.Header.Get(cryptoutils.AttestationTypeHeader))
		http.Error(w, "unsupported attestation type", http.StatusBadRequest)
		return
	}

	var req api.CertifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log.Warn("Malformed certification request", "err", err)
		http.Error(w, "malformed certification request", http.StatusBadRequest)
		return
	}

	pubkey, err := cryptoutils.NewIdentityPubkey(req.IdentityPubkey)
	if err != nil {
		h.log.Warn("Invalid identity public key in certification request", "err", err)
		http.Error(w, "invalid identity public key", http.StatusBadRequest)
		return
	}

	verifier, err := cryptoutils.VerifierForType(attestationType)
	if err != nil {
		http.Error(w, "unsupported attestation type", http.StatusBadRequest)
		return
	}

	measurement, err := verifier.VerifyEvidence(req.Evidence, api.ReportData(pubkey))
	if err != nil {
		h.log.Warn("Evidence verification failed",
			"err", err,
			"attestationType", attestationType.StringID,
			"domain", req.DomainName)
		metrics.CertificationsDenied.Inc()
		http.Error(w, fmt.Sprintf("evidence rejected: %v", err), http.StatusForbidden)
		return
	}

	if !h.policy.MeasurementAllowed(measurement) {
		h.log.Warn("Measurement not approved",
			"measurement", measurement.String(),
			"domain", req.DomainName)
		metrics.CertificationsDenied.Inc()
		http.Error(w, "measurement not approved by policy", http.StatusForbidden)
		return
	}

	cert, err := h.ca.IssueAdmissionCert(pubkey, req.DomainName)
	if err != nil {
		h.log.Error("Failed to issue admission certificate", "err", err)
		http.Error(w, "failed to issue admission certificate", http.StatusInternalServerError)
		return
	}

	h.log.Info("Issued admission certificate",
		"measurement", measurement.String(),
		"domain", req.DomainName)
	metrics.CertificationsIssued.Inc()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(api.CertifyResponse{AdmissionCert: cert}); err != nil {
		h.log.Error("Failed to encode certification response", "err", err)
	}
}

// HandlePolicyCert serves the policy root anchor for bootstrap tooling.
func (h *Handler) HandlePolicyCert(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Write(h.ca.Cert())
}
