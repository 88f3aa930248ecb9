package interfaces

import "errors"

// Error kinds reported by lifecycle, certification and channel operations.
// Callers distinguish them with errors.Is; every operation wraps these with
// additional context so an operator can tell "not yet certified" from
// "certification actively denied" from "network unreachable".
var (
	// ErrConfig indicates bad or conflicting trust-anchor configuration.
	// Not retryable.
	ErrConfig = errors.New("trust configuration error")

	// ErrAlreadyInitialized is returned by cold-init when a policy store
	// record already exists. The caller should warm-restart instead.
	ErrAlreadyInitialized = errors.New("policy store already initialized")

	// ErrStoreMissing is returned by warm-restart when no policy store
	// record exists. The caller must cold-init first.
	ErrStoreMissing = errors.New("policy store record missing")

	// ErrStoreCorrupt is returned when a policy store record fails its
	// integrity checks. Fatal until operator intervention.
	ErrStoreCorrupt = errors.New("policy store record corrupt")

	// ErrPlatform indicates the attestation capability is unavailable.
	// Fatal to the process.
	ErrPlatform = errors.New("attestation platform unavailable")

	// ErrCertificationDenied indicates the policy authority rejected the
	// submitted evidence. Recoverable by fixing the approval policy or the
	// code measurement and retrying.
	ErrCertificationDenied = errors.New("certification denied by policy authority")

	// ErrNetwork indicates a transient network failure. Safe to retry.
	ErrNetwork = errors.New("network error")

	// ErrConnect indicates the transport connection to the peer could not
	// be established.
	ErrConnect = errors.New("connection failed")

	// ErrBind indicates the dispatcher could not bind its listening
	// endpoint. Unrecoverable for the serve loop.
	ErrBind = errors.New("bind failed")

	// ErrHandshake indicates the peer's certificate chain did not verify
	// during channel setup.
	ErrHandshake = errors.New("channel handshake failed")

	// ErrPeerRejected indicates the peer aborted the handshake.
	ErrPeerRejected = errors.New("peer rejected connection")

	// ErrChannelClosed is the expected end-of-session condition on a
	// secure channel.
	ErrChannelClosed = errors.New("channel closed")
)
