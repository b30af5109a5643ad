// Package mqtt implements the stream backend: a cloud.Backend speaking
// MQTT 3.1.1 over TCP or TLS, with wire framing provided by the gmqtt
// packets codec.
//
// Correlation is implicit in the protocol's own packet-ID mechanism; this
// layer's only correlation duty is acknowledging QoS-1 inbound publishes
// synchronously within the Input call that received them. Connected and
// Ready are emitted as a pair once the broker's CONNACK arrives during an
// Input poll.
package mqtt
