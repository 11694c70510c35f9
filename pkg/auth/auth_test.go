package auth

import (
	"testing"

	"github.com/cuemby/gluedns/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeRoundTrip(t *testing.T) {
	a, err := New([]byte("shared-secret"))
	require.NoError(t, err)

	initiator := types.PeerID{1}
	responder := types.PeerID{2}

	nonce, err := NewChallenge()
	require.NoError(t, err)

	resp := a.Response(nonce, responder)
	assert.True(t, a.VerifyResponse(nonce, responder, resp))

	ack := a.Ack(nonce, initiator)
	assert.True(t, a.VerifyAck(nonce, initiator, ack))
}

func TestWrongSecretFailsVerification(t *testing.T) {
	a1, err := New([]byte("secret-a"))
	require.NoError(t, err)
	a2, err := New([]byte("secret-b"))
	require.NoError(t, err)

	responder := types.PeerID{9}
	nonce, err := NewChallenge()
	require.NoError(t, err)

	resp := a1.Response(nonce, responder)
	assert.False(t, a2.VerifyResponse(nonce, responder, resp))
}

func TestNewRejectsEmptySecret(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}
