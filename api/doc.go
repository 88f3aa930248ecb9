// Package api defines the administrative protocol between a node's trust
// manager and the policy authority: the certification request and
// response types, the report data binding, and the HTTP server
// configuration shared by the authority's mains.
//
// The protocol is synchronous request/response with a single outstanding
// request per certification attempt. Handler and client implementations
// live in the certifier subpackage.
package api
