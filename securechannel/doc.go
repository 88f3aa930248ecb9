// Package securechannel establishes encrypted, mutually authenticated
// sessions between admitted nodes. Both sides present their admission
// certificate during the TLS handshake and verify the peer's chain
// against the same policy root anchor used for admission, so a single
// handshake proves both "this key was policy-approved" and "the peer
// holds that key".
//
// A Channel carries discrete application messages with length-prefixed
// framing on top of the TLS stream. Channels are owned by exactly one
// goroutine; the Dispatcher hands each accepted connection to its own
// handler goroutine so a slow or hostile peer cannot stall others.
//
// Admission certificates name principals, not hosts, so the default TLS
// hostname verification is replaced by chain verification against the
// policy root on both sides.
package securechannel
