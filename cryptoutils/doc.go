// Package cryptoutils provides the cryptographic collaborator surface for
// the admission node: identity key generation by algorithm name, policy CA
// operations (issuing and verifying admission certificates), sealing of
// key material at rest, attestation providers and evidence verifiers, and
// binary measurement digests.
//
// All key and certificate material crosses package boundaries in PEM form
// behind validated byte types (PolicyCert, AdmissionCert, IdentityPubkey,
// IdentityPrivkey) so that malformed material is rejected at construction
// rather than deep inside a handshake.
package cryptoutils
