package messages

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/room4-2/voicebridge/apperr"
)

func TestDecodeKnownFrame(t *testing.T) {
	f, err := Decode([]byte(`{"type":"response.audio_transcript.delta","response_id":"r1","item_id":"i1","delta":"Bon"}`))
	require.NoError(t, err)

	delta, ok := f.(*TranscriptDelta)
	require.True(t, ok)
	assert.Equal(t, "Bon", delta.Delta)
	assert.Equal(t, "r1", delta.ResponseID)
	assert.True(t, ServerOnly(f))
}

func TestDecodeUnknownKeepsRawBytes(t *testing.T) {
	raw := []byte(`{"type":"input_audio_buffer.commit","event_id":"e1"}`)
	f, err := Decode(raw)
	require.NoError(t, err)

	u, ok := f.(*Unknown)
	require.True(t, ok)
	assert.Equal(t, "input_audio_buffer.commit", u.FrameType())
	assert.False(t, ServerOnly(f))

	out, err := Encode(f)
	require.NoError(t, err)
	assert.Equal(t, raw, out)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":     `{"type":`,
		"missing type": `{"audio":"AAAA"}`,
		"empty type":   `{"type":""}`,
		"bad payload":  `{"type":"ping","timestamp":"soon"}`,
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(input))
			require.Error(t, err)
			assert.Equal(t, apperr.KindProtocolValidation, apperr.KindOf(err))
		})
	}
}

func TestDecodeNormalizesUpstreamError(t *testing.T) {
	f, err := Decode([]byte(`{"type":"error","error":{"type":"invalid_request_error","code":"invalid_api_key","message":"Incorrect API key"}}`))
	require.NoError(t, err)

	e := f.(*Error)
	assert.Equal(t, "Incorrect API key", e.Message)
	assert.Equal(t, "invalid_api_key", e.Code)
}

func TestEncodeStampsType(t *testing.T) {
	data, err := Encode(&Pong{Timestamp: 1, ServerTime: 2, SessionReady: true})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"pong","timestamp":1,"serverTime":2,"upstreamConnected":false,"sessionReady":true}`, string(data))
}

func TestNewErrorMapping(t *testing.T) {
	exhausted := NewError(apperr.Exhausted("upstream", 5, nil))
	assert.Equal(t, ErrCodeUpstreamUnavailable, exhausted.Code)
	assert.True(t, exhausted.Fatal)
	assert.False(t, exhausted.CanRetry)

	notReady := NotReadyError()
	assert.Equal(t, ErrCodeNotReady, notReady.Code)
	assert.False(t, notReady.Fatal)
	assert.True(t, notReady.CanRetry)

	validation := ValidationError("audio is not valid base64")
	assert.Equal(t, ErrCodeValidation, validation.Code)
	assert.Equal(t, "audio is not valid base64", validation.Message)
}
