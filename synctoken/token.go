// Package synctoken packs and unpacks the opaque resumption token a client
// stores after processing a crawl sync item and presents again to resume a
// Crawl Sync Subscription later.
//
// A token has a 3-byte header (version, subscription type, payload length)
// followed by a payload. The only payload defined today is a 4-byte
// big-endian sequence number for the crawl-sync subscription type. Future
// subscription kinds can define their own payload without breaking clients
// that only understand the header.
package synctoken

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	version          = 1
	crawlSyncType    = 1
	crawlSyncPayload = 4
	headerLen        = 3
	crawlSyncTotal   = headerLen + crawlSyncPayload
)

// ErrInvalidSyncToken is returned when a token fails any of the header or
// length checks in Decode.
var ErrInvalidSyncToken = errors.New("invalid sync token")

// Encode packs a sequence number into a 7-byte crawl-sync token:
// [version=1, type=1, payload_length=4] ++ big-endian uint32(sequence).
func Encode(sequence uint32) []byte {
	token := make([]byte, crawlSyncTotal)
	token[0] = version
	token[1] = crawlSyncType
	token[2] = crawlSyncPayload
	binary.BigEndian.PutUint32(token[headerLen:], sequence)
	return token
}

// Decode unpacks a crawl-sync token and returns the sequence number it
// encodes. It fails with ErrInvalidSyncToken when the input is shorter than
// the header, the header fields don't match the crawl-sync token shape, or
// the total length disagrees with the declared payload length.
func Decode(token []byte) (uint32, error) {
	if len(token) < headerLen {
		return 0, fmt.Errorf("%w: token shorter than header", ErrInvalidSyncToken)
	}

	gotVersion, gotType, payloadLen := token[0], token[1], int(token[2])

	if gotVersion != version {
		return 0, fmt.Errorf("%w: version=%d", ErrInvalidSyncToken, gotVersion)
	}
	if gotType != crawlSyncType {
		return 0, fmt.Errorf("%w: type=%d", ErrInvalidSyncToken, gotType)
	}
	if payloadLen != crawlSyncPayload {
		return 0, fmt.Errorf("%w: payload_length=%d", ErrInvalidSyncToken, payloadLen)
	}
	if len(token) != headerLen+payloadLen {
		return 0, fmt.Errorf("%w: total length=%d, expected %d", ErrInvalidSyncToken, len(token), headerLen+payloadLen)
	}

	return binary.BigEndian.Uint32(token[headerLen:]), nil
}
