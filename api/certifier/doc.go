// Package certifier implements the policy authority's certification
// endpoint and the HTTP client the trust manager uses to reach it.
//
// The handler verifies submitted attestation evidence against the report
// data it derives from the identity public key, checks the attested code
// measurement against the approval policy, and issues an admission
// certificate signed by the policy root key. The client submits a
// certification request and distinguishes definitive denials from
// transient network failures so callers can decide whether a retry makes
// sense.
package certifier
