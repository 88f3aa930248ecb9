// Package trustmgr implements the trust manager: the state machine a
// node drives from an uninitialized state to one where it can prove to a
// peer that it runs policy-approved code and open mutually authenticated
// channels on that basis.
//
// The lifecycle is linear with one branch:
//
//	Uninitialized -> KeyMaterialReady -> EnclaveReady
//	    -> {ColdInitDone | Restored} -> Certified
//
// InitPolicyKey installs the immutable policy root anchor,
// InitializeEnclave prepares the platform attestation capability,
// ColdInit generates fresh identity material (at most once per policy
// store), WarmRestart reloads persisted material, and CertifyMe obtains
// an admission certificate from the policy authority. Validity
// predicates are derived from current state, never independently
// settable.
//
// Lifecycle operations are intended to run sequentially on a single
// control path per startup; the manager serializes them internally, but
// concurrent lifecycle calls on the same policy store are not a
// supported pattern. Channels constructed through the manager are
// tracked so ClearSensitiveData can quiesce them before zeroing the
// identity key.
package trustmgr
