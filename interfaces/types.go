package interfaces

import (
	"github.com/ruteri/tee-admission-node/cryptoutils"
)

type PolicyCert = cryptoutils.PolicyCert
type AdmissionCert = cryptoutils.AdmissionCert
type IdentityPubkey = cryptoutils.IdentityPubkey
type IdentityPrivkey = cryptoutils.IdentityPrivkey
type Measurement = cryptoutils.Measurement

// AttestationEvidence is an opaque blob produced by an attestation
// provider, binding an identity public key and a code measurement to the
// platform at a point in time. It is consumed exactly once per
// certification request and never persisted.
type AttestationEvidence []byte
