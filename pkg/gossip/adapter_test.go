package gossip

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/gluedns/pkg/auth"
	"github.com/cuemby/gluedns/pkg/registry"
	"github.com/cuemby/gluedns/pkg/types"
	"github.com/stretchr/testify/require"
)

// memTransport is an in-process Transport connecting a fixed set of
// peers through buffered channels, used to exercise Adapter's handshake
// and mutation-propagation logic without a real network.
type memTransport struct {
	self  PeerAddr
	peers map[PeerAddr]chan Event
	out   chan Event
}

func newMemNetwork(addrs ...PeerAddr) map[PeerAddr]*memTransport {
	peers := make(map[PeerAddr]chan Event, len(addrs))
	for _, a := range addrs {
		peers[a] = make(chan Event, 256)
	}
	net := make(map[PeerAddr]*memTransport, len(addrs))
	for _, a := range addrs {
		net[a] = &memTransport{self: a, peers: peers, out: peers[a]}
	}
	return net
}

func (m *memTransport) Join(ctx context.Context, topic types.TopicID, bootstrap []string) (<-chan Event, error) {
	for addr := range m.peers {
		if addr == m.self {
			continue
		}
		m.peers[addr] <- Event{Kind: PeerUp, Peer: m.self}
		m.out <- Event{Kind: PeerUp, Peer: addr}
	}
	return m.out, nil
}

func (m *memTransport) Broadcast(msg []byte) error {
	for addr, ch := range m.peers {
		if addr == m.self {
			continue
		}
		ch <- Event{Kind: Message, Peer: m.self, Data: msg}
	}
	return nil
}

func (m *memTransport) Send(peer PeerAddr, msg []byte) error {
	ch, ok := m.peers[peer]
	if !ok {
		return errShortMessage
	}
	ch <- Event{Kind: Message, Peer: m.self, Data: msg}
	return nil
}

func (m *memTransport) Close() error { return nil }

func TestAdapterHandshakeAndPropagation(t *testing.T) {
	secret := []byte("cluster-secret")
	authrA, err := auth.New(secret)
	require.NoError(t, err)
	authrB, err := auth.New(secret)
	require.NoError(t, err)

	addrA, addrB := PeerAddr("nodeA"), PeerAddr("nodeB")
	net := newMemNetwork(addrA, addrB)

	var idA, idB types.PeerID
	idA[0], idB[0] = 1, 2

	regA, regB := registry.New(), registry.New()
	adapterA := New(idA, regA, net[addrA], authrA)
	adapterB := New(idB, regB, net[addrB], authrB)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go adapterA.Run(ctx, types.TopicID{}, nil)
	go adapterB.Run(ctx, types.TopicID{}, nil)

	time.Sleep(100 * time.Millisecond)

	a4 := mustTestAddr(t, "10.0.0.5")
	regA.Apply(types.Mutation{Kind: types.MutationUpsert, Name: "web", Address: a4, Origin: idA, TS: 1})

	require.Eventually(t, func() bool {
		return len(regB.Lookup("web")) == 1
	}, time.Second, 10*time.Millisecond, "expected mutation to propagate to peer B")
}

func mustTestAddr(t *testing.T, s string) types.Address {
	t.Helper()
	return addr4(t, s)
}
