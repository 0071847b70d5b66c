package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`{"type": "message", "data"`))
	require.Error(t, err)
}

func TestDecodeRequiresType(t *testing.T) {
	_, err := Decode([]byte(`{"data": {}}`))
	require.Error(t, err)
}

func TestPayloadDispatchByType(t *testing.T) {
	env, err := Decode([]byte(`{"type":"message","data":{"chatId":"c1","senderId":"u1","content":"hi","messageType":"text"}}`))
	require.NoError(t, err)

	payload, err := env.Payload()
	require.NoError(t, err)

	msg, ok := payload.(*MessagePayload)
	require.True(t, ok)
	assert.Equal(t, "c1", msg.ChatID)
	assert.Equal(t, "u1", msg.SenderID)
	assert.Equal(t, "hi", msg.Content)
	require.NoError(t, msg.Validate())
}

func TestPayloadUnknownType(t *testing.T) {
	env, err := Decode([]byte(`{"type":"emoji_reaction","data":{}}`))
	require.NoError(t, err)

	_, err = env.Payload()
	require.ErrorIs(t, err, ErrUnknownType)
}

func TestPayloadWrongShape(t *testing.T) {
	env, err := Decode([]byte(`{"type":"typing","data":{"chatId":42}}`))
	require.NoError(t, err)

	_, err = env.Payload()
	require.Error(t, err)
}

func TestMessagePayloadValidate(t *testing.T) {
	tests := []struct {
		name    string
		payload MessagePayload
		wantErr bool
	}{
		{"valid text", MessagePayload{ChatID: "c", SenderID: "u", Content: "hi", MessageType: "text"}, false},
		{"valid system", MessagePayload{ChatID: "c", SenderID: "u", Content: "joined", MessageType: "system"}, false},
		{"missing chat", MessagePayload{SenderID: "u", Content: "hi", MessageType: "text"}, true},
		{"missing sender", MessagePayload{ChatID: "c", Content: "hi", MessageType: "text"}, true},
		{"empty content", MessagePayload{ChatID: "c", SenderID: "u", MessageType: "text"}, true},
		{"bad message type", MessagePayload{ChatID: "c", SenderID: "u", Content: "hi", MessageType: "gif"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.payload.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestReadReceiptValidate(t *testing.T) {
	assert.Error(t, (&ReadReceiptPayload{ChatID: "c"}).Validate())
	assert.Error(t, (&ReadReceiptPayload{MessageID: "m"}).Validate())
	assert.NoError(t, (&ReadReceiptPayload{ChatID: "c", MessageID: "m"}).Validate())
}

func TestNewErrorRoundTrip(t *testing.T) {
	env := NewError("not authenticated")
	payload, err := env.Payload()
	require.NoError(t, err)

	p, ok := payload.(*ErrorPayload)
	require.True(t, ok)
	assert.Equal(t, "not authenticated", p.Message)
}
