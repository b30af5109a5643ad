// Package coap implements the datagram backend: a minimal CoAP client
// codec (RFC 7252 framing without block-wise transfer) and a cloud.Backend
// that speaks it over UDP or DTLS 1.2.
//
// The codec packs messages into fixed-capacity buffers and refuses any
// append step that would overflow them. Correlation uses a single 16-bit
// token: one request may be in flight at a time, a newer send overwrites
// the token, and replies that don't carry the expected token are silently
// discarded.
package coap
