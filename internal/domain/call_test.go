package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusRankIsMonotonic(t *testing.T) {
	assert.Less(t, StatusCalling.Rank(), StatusAnswered.Rank())
	assert.Less(t, StatusRinging.Rank(), StatusAnswered.Rank())
	assert.Less(t, StatusAnswered.Rank(), StatusConnected.Rank())
	assert.Less(t, StatusConnected.Rank(), StatusEnded.Rank())

	// All terminal statuses share the absorbing rank.
	assert.Equal(t, StatusEnded.Rank(), StatusMissed.Rank())
	assert.Equal(t, StatusEnded.Rank(), StatusCancelled.Rank())
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range []CallStatus{StatusEnded, StatusMissed, StatusCancelled} {
		assert.True(t, s.IsTerminal(), string(s))
		assert.False(t, s.IsRingingPhase(), string(s))
	}
	for _, s := range []CallStatus{StatusCalling, StatusRinging, StatusAnswered, StatusConnected} {
		assert.False(t, s.IsTerminal(), string(s))
	}
	assert.True(t, StatusCalling.IsRingingPhase())
	assert.True(t, StatusRinging.IsRingingPhase())
	assert.False(t, StatusAnswered.IsRingingPhase())
}

func TestMetadataPatchAppliesOnlySetFields(t *testing.T) {
	answeredAt := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	meta := CallMetadata{
		CallType:    CallModeVideo,
		CallStatus:  StatusCalling,
		ChannelName: "call_ab12cd34",
		CallerID:    "caller-1",
	}

	status := StatusAnswered
	MetadataPatch{CallStatus: &status, AnsweredAt: &answeredAt}.Apply(&meta)

	assert.Equal(t, StatusAnswered, meta.CallStatus)
	require.NotNil(t, meta.AnsweredAt)
	// Untouched fields survive a partial patch.
	assert.Equal(t, CallModeVideo, meta.CallType)
	assert.Equal(t, "call_ab12cd34", meta.ChannelName)
	assert.Nil(t, meta.EndedAt)
}

func TestMetadataFromFieldsDropsMalformedValues(t *testing.T) {
	meta := MetadataFromFields(map[string]string{
		MetaCallType:     "video",
		MetaCallStatus:   "answered",
		MetaAnsweredAt:   "not-a-timestamp",
		MetaCallDuration: "not-a-number",
		"unrelated_key":  "left alone",
	})

	assert.Equal(t, CallModeVideo, meta.CallType)
	assert.Equal(t, StatusAnswered, meta.CallStatus)
	assert.Nil(t, meta.AnsweredAt)
	assert.Nil(t, meta.CallDuration)
}

func TestMetadataFieldsRoundTrip(t *testing.T) {
	answeredAt := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	duration := 17
	meta := CallMetadata{
		CallType:     CallModeVoice,
		CallStatus:   StatusEnded,
		ChannelName:  "call_ab12cd34",
		CallerID:     "caller-1",
		CallerName:   "Alice",
		AnsweredAt:   &answeredAt,
		CallDuration: &duration,
	}

	decoded := MetadataFromFields(meta.ToFields())

	assert.Equal(t, meta.CallType, decoded.CallType)
	assert.Equal(t, meta.CallStatus, decoded.CallStatus)
	assert.Equal(t, meta.CallerName, decoded.CallerName)
	require.NotNil(t, decoded.AnsweredAt)
	assert.True(t, decoded.AnsweredAt.Equal(answeredAt))
	require.NotNil(t, decoded.CallDuration)
	assert.Equal(t, 17, *decoded.CallDuration)
}
