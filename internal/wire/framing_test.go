package wire

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterReaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	r := NewReader(&buf)

	env, err := NewEnvelope(TypeHeartbeat, "server", HeartbeatData{}, 1000, nil)
	require.NoError(t, err)

	require.NoError(t, w.WriteEnvelope(env))

	got, err := r.ReadEnvelope()
	require.NoError(t, err)
	assert.Equal(t, env.Type, got.Type)
	assert.Equal(t, env.SenderID, got.SenderID)
	assert.Equal(t, env.Timestamp, got.Timestamp)
}

func TestReaderRejectsOversizeFrame(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString(strings.Repeat("x", MaxFrameBytes*2))
	buf.WriteByte('\n')

	r := NewReader(&buf)
	_, err := r.ReadEnvelope()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFrameTooLarge))
}

func TestReaderRejectsMalformedJSON(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("not json\n")

	r := NewReader(&buf)
	_, err := r.ReadEnvelope()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedEnvelope))
}

func TestReaderReassemblesMultipleFrames(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	for i := 0; i < 3; i++ {
		env, err := NewEnvelope(TypeHeartbeat, "server", HeartbeatData{}, int64(i), nil)
		require.NoError(t, err)
		require.NoError(t, w.WriteEnvelope(env))
	}

	r := NewReader(&buf)
	for i := 0; i < 3; i++ {
		env, err := r.ReadEnvelope()
		require.NoError(t, err)
		assert.Equal(t, int64(i), env.Timestamp)
	}
}

func TestEnvelopeDecodePayload(t *testing.T) {
	payload := HandshakeData{UserID: "u1", Username: "alice", PublicKey: "abc"}
	env, err := NewEnvelope(TypeHandshake, "u1", payload, 42, nil)
	require.NoError(t, err)

	var decoded HandshakeData
	require.NoError(t, env.DecodePayload(&decoded))
	assert.Equal(t, payload, decoded)
}
