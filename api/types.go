package api

import (
	"context"
	"crypto/sha256"

	"github.com/ruteri/tee-admission-node/interfaces"
)

// CertifyRequest is what a node submits to the policy authority to obtain
// an admission certificate: fresh attestation evidence plus the identity
// public key the evidence binds, and the algorithms and domain recorded
// at cold-init.
type CertifyRequest struct {
	// Evidence is the attestation produced over ReportData(IdentityPubkey).
	Evidence interfaces.AttestationEvidence `json:"evidence"`

	// IdentityPubkey is the node's identity public key in PEM form.
	IdentityPubkey interfaces.IdentityPubkey `json:"identity_pubkey"`

	PubkeyAlg    string `json:"pubkey_alg"`
	SymmetricAlg string `json:"symmetric_alg"`
	DomainName   string `json:"domain_name"`
}

// CertifyResponse carries the admission certificate issued for an
// approved request.
type CertifyResponse struct {
	AdmissionCert interfaces.AdmissionCert `json:"admission_cert"`
}

// CertificationProvider is the client-side contract of the policy
// authority used by the trust manager. The context bounds the round
// trip; on timeout the call fails without side effects.
type CertificationProvider interface {
	// Certify submits evidence and the identity public key, returning the
	// issued admission certificate or a definitive denial.
	Certify(ctx context.Context, req *CertifyRequest) (*CertifyResponse, error)
}

// ReportData computes the 64-byte attestation report data binding an
// identity public key into evidence: the SHA-256 of the PEM public key in
// the first half, zero padding in the second. Both the provider and the
// verifier derive it independently, so evidence cannot be replayed for a
// different key.
func ReportData(pubkey interfaces.IdentityPubkey) [64]byte {
	var reportData [64]byte
	keyHash := sha256.Sum256(pubkey)
	copy(reportData[:32], keyHash[:])
	return reportData
}
