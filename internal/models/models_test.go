package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeliveryStatusOrdering(t *testing.T) {
	assert.Less(t, StatusSent, StatusDelivered)
	assert.Less(t, StatusDelivered, StatusRead)
	assert.True(t, StatusRead.Valid())
	assert.False(t, DeliveryStatus(0).Valid())
	assert.False(t, (StatusRead + 1).Valid())
}

func TestParseDeliveryStatus(t *testing.T) {
	for _, s := range []DeliveryStatus{StatusSent, StatusDelivered, StatusRead} {
		parsed, err := ParseDeliveryStatus(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}

	_, err := ParseDeliveryStatus("seen")
	assert.Error(t, err)
	assert.False(t, DeliveryStatus(0).Valid())
}

func TestDeliveryStateJSON(t *testing.T) {
	b, err := json.Marshal(DeliveryState{MessageID: 1, RecipientID: 2, State: StatusRead})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"state":"read"`)

	var req struct {
		State DeliveryStatus `json:"state"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"state":"delivered"}`), &req))
	assert.Equal(t, StatusDelivered, req.State)

	assert.Error(t, json.Unmarshal([]byte(`{"state":"bogus"}`), &req))
}
