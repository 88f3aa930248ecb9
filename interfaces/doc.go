// Package interfaces defines the core types and contracts shared by the
// trust manager, the policy store, and the certifier API. It provides the
// contract between components without implementation details.
//
// The package contains:
//
//   - PEM-typed aliases for key and certificate material (policy root
//     certificate, admission certificate, identity key pair)
//   - The error kinds every lifecycle and channel operation reports
//   - The StoreBackend contract implemented by the policystore backends
//
// Error kinds are sentinel errors meant to be matched with errors.Is;
// operations wrap them with operation-specific context.
package interfaces
