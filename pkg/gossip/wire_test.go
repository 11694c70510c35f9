package gossip

import (
	"net"
	"testing"

	"github.com/cuemby/gluedns/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addr4(t *testing.T, s string) types.Address {
	t.Helper()
	a, err := types.NewAddress(net.ParseIP(s))
	require.NoError(t, err)
	return a
}

func TestMutationRoundTrip(t *testing.T) {
	m := types.Mutation{
		Kind:    types.MutationUpsert,
		Name:    "web",
		Address: addr4(t, "10.0.0.5"),
		Origin:  types.PeerID{1, 2, 3},
		TS:      42,
	}
	encoded := EncodeMutation(m)

	got, batch, err := Decode(encoded)
	require.NoError(t, err)
	require.Nil(t, batch)
	require.NotNil(t, got)
	assert.Equal(t, m, *got)
}

func TestRemoveMutationRoundTrip(t *testing.T) {
	m := types.Mutation{
		Kind:    types.MutationRemove,
		Name:    "web",
		Address: addr4(t, "2001:db8::1"),
		Origin:  types.PeerID{9},
		TS:      7,
	}
	encoded := EncodeMutation(m)

	got, _, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, m, *got)
}

func TestFullSyncRoundTrip(t *testing.T) {
	sender := types.PeerID{4}
	bindings := []types.Binding{
		{Name: "web", Address: addr4(t, "10.0.0.1"), Origin: types.PeerID{1}, TS: 1},
		{Name: "api", Address: addr4(t, "10.0.0.2"), Origin: types.PeerID{2}, TS: 2},
	}
	encoded := EncodeFullSync(sender, 0, bindings)

	_, batch, err := Decode(encoded)
	require.NoError(t, err)
	require.NotNil(t, batch)
	assert.Equal(t, sender, batch.Sender)
	assert.Equal(t, bindings, batch.Bindings)
}

func TestDecodeRejectsTruncatedMessage(t *testing.T) {
	_, _, err := Decode([]byte{tagUpsert, 5, 'w', 'e'})
	assert.Error(t, err)
}

func TestAuthMessageRoundTrip(t *testing.T) {
	c := AuthChallenge{Initiator: types.PeerID{1}, Nonce: [32]byte{2}}
	tag, body, err := PeekTag(EncodeAuthChallenge(c))
	require.NoError(t, err)
	require.Equal(t, TagAuthChallenge, tag)
	decoded, err := DecodeAuthChallenge(body)
	require.NoError(t, err)
	assert.Equal(t, c, decoded)

	r := AuthResponse{Responder: types.PeerID{3}, MAC: [32]byte{4}}
	tag, body, err = PeekTag(EncodeAuthResponse(r))
	require.NoError(t, err)
	require.Equal(t, TagAuthResponse, tag)
	decodedR, err := DecodeAuthResponse(body)
	require.NoError(t, err)
	assert.Equal(t, r, decodedR)

	a := AuthAck{MAC: [32]byte{5}}
	tag, body, err = PeekTag(EncodeAuthAck(a))
	require.NoError(t, err)
	require.Equal(t, TagAuthAck, tag)
	decodedA, err := DecodeAuthAck(body)
	require.NoError(t, err)
	assert.Equal(t, a, decodedA)
}
