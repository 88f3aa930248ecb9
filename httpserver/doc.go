// Package httpserver wires the policy authority's HTTP API into a
// runnable server with readiness probing, graceful draining, optional
// pprof, and a standalone metrics endpoint.
package httpserver
