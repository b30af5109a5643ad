package cloud

// Topic selects the destination of an outbound message from the small
// closed set of configured endpoints. Free-form paths are not supported.
type Topic int

const (
	// TopicMessage is the default device-to-cloud message endpoint.
	TopicMessage Topic = iota + 1

	// TopicUpdate is the update/command endpoint. The stream backend
	// subscribes to it after connecting; inbound traffic on it surfaces as
	// EventUpdateRequest.
	TopicUpdate
)

// String returns the topic selector name.
func (t Topic) String() string {
	switch t {
	case TopicMessage:
		return "MESSAGE"
	case TopicUpdate:
		return "UPDATE"
	default:
		return "UNKNOWN"
	}
}

// QoS is the requested delivery guarantee for an outbound message.
// The datagram backend treats everything as best effort with optional
// confirmation and ignores this value.
type QoS uint8

const (
	// QoSAtMostOnce requests fire-and-forget delivery.
	QoSAtMostOnce QoS = 0

	// QoSAtLeastOnce requests acknowledged delivery.
	QoSAtLeastOnce QoS = 1
)

// Message is an outbound application message.
//
// Payload is borrowed, not copied, at the API boundary: the caller owns the
// bytes and must keep them valid through the Send call.
type Message struct {
	// Topic is the destination selector.
	Topic Topic

	// Payload bytes, caller-owned through the call.
	Payload []byte

	// QoS is the requested delivery guarantee (stream backend only).
	QoS QoS
}
