package mqtt

import (
	"fmt"

	"github.com/uplink-protocol/uplink-go/pkg/cloud"
)

// readPayload copies an inbound publish payload into the fixed payload
// buffer. A payload larger than the buffer is refused outright; nothing is
// written past the buffer bound.
func readPayload(dst []byte, payload []byte) ([]byte, error) {
	if len(payload) > len(dst) {
		return nil, fmt.Errorf("%w: payload %d > buffer %d",
			cloud.ErrBufferOverflow, len(payload), len(dst))
	}
	n := copy(dst, payload)
	return dst[:n], nil
}
