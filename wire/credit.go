package wire

import (
	"encoding/binary"
	"fmt"
)

// CreditPayload encodes a demand count, as carried by REQUEST_N frames and by
// the payload of REQUEST frames.
func CreditPayload(n uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, n)
}

// ParseCredit decodes a demand count produced by CreditPayload.
func ParseCredit(p []byte) (uint32, error) {
	if len(p) != 4 {
		return 0, fmt.Errorf("credit payload must be 4 bytes, got %d", len(p))
	}
	return binary.BigEndian.Uint32(p), nil
}
