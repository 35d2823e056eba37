package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	prompt := "compute the answer"
	msg, err := NewMessage(KindInvoke, Invoke{
		MatchID: "m-1",
		UID:     "uid-1",
		Prompt:  &prompt,
	})
	require.NoError(t, err)

	raw, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded Message
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, KindInvoke, decoded.Kind)

	var inv Invoke
	require.NoError(t, decoded.ParsePayload(&inv))
	assert.Equal(t, "m-1", inv.MatchID)
	assert.Equal(t, "uid-1", inv.UID)
	require.NotNil(t, inv.Prompt)
	assert.Equal(t, prompt, *inv.Prompt)
}

func TestParsePayloadEmpty(t *testing.T) {
	msg := &Message{Kind: KindCancel}
	var c Cancel
	assert.Error(t, msg.ParsePayload(&c))
}

func TestDecodeFrameResponse(t *testing.T) {
	raw, err := EncodeFrame(&Frame{
		Kind: FrameResponse,
		Response: &FramedResponse{
			MID:  -3,
			Data: []byte(`{"ok":true}`),
		},
	})
	require.NoError(t, err)

	frame, err := DecodeFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, FrameResponse, frame.Kind)
	require.NotNil(t, frame.Response)
	assert.Equal(t, int64(-3), frame.Response.MID)
	assert.JSONEq(t, `{"ok":true}`, string(frame.Response.Data))
}
