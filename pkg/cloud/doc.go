// Package cloud defines the uniform backend contract for device-to-cloud
// connectivity: the Backend operation set, the event model delivered to a
// single registered observer, the session state enum, configuration, and an
// explicit backend registry.
//
// Two transports implement the contract identically (pkg/mqtt over a stream
// connection, pkg/coap over datagrams) so an embedding application can swap
// transports without code changes. The layer is externally poll-driven:
// there is no internal scheduler, no blocking call in the facade, and no
// automatic retry. Reconnect and keepalive cadence are the caller's
// responsibility (see pkg/connection for a caller-side helper).
package cloud
