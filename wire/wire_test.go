package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJobIDRoundTrip(t *testing.T) {
	const s = "550e8400-e29b-41d4-a716-446655440000"
	id, err := ParseJobID(s)
	require.NoError(t, err)
	assert.Equal(t, s, id.String())
}

func TestParseJobIDRejectsGarbage(t *testing.T) {
	_, err := ParseJobID("not-a-uuid")
	assert.Error(t, err)
}

func TestUnmarshalRequestSubscribeCrawlSync(t *testing.T) {
	payload := []byte(`{
		"request_id": 1,
		"type": "subscribe_crawl_sync",
		"job_id": "550e8400-e29b-41d4-a716-446655440000",
		"compression_ok": true
	}`)
	req, err := UnmarshalRequest(payload)
	require.NoError(t, err)
	assert.Equal(t, RequestSubscribeCrawlSync, req.Type)
	assert.Equal(t, int64(1), req.RequestID)
	assert.True(t, req.CompressionOK)
}

func TestMarshalServerMessageRoundTrip(t *testing.T) {
	id := SubscriptionID(7)
	msg := ServerMessage{
		Response: &Response{
			RequestID:      1,
			Success:        true,
			SubscriptionID: &id,
		},
	}
	payload, err := Marshal(msg)
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"subscription_id":7`)
}
