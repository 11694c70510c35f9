package registry

import (
	"net"
	"testing"

	"github.com/cuemby/gluedns/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustAddr(t *testing.T, s string) types.Address {
	t.Helper()
	ip := net.ParseIP(s)
	require.NotNil(t, ip, "invalid test IP %q", s)
	a, err := types.NewAddress(ip)
	require.NoError(t, err)
	return a
}

func peer(b byte) types.PeerID {
	var p types.PeerID
	p[0] = b
	return p
}

func upsert(name string, addr types.Address, origin types.PeerID, ts uint64) types.Mutation {
	return types.Mutation{Kind: types.MutationUpsert, Name: types.Name(name), Address: addr, Origin: origin, TS: ts}
}

func remove(name string, addr types.Address, origin types.PeerID, ts uint64) types.Mutation {
	return types.Mutation{Kind: types.MutationRemove, Name: types.Name(name), Address: addr, Origin: origin, TS: ts}
}

func TestApplyIdempotent(t *testing.T) {
	r := New()
	a := mustAddr(t, "10.0.0.5")
	m := upsert("web", a, peer(1), 100)

	require.Equal(t, types.Accepted, r.Apply(m))
	require.Equal(t, types.IgnoredDuplicate, r.Apply(m))
	assert.Equal(t, []types.Address{a}, r.Lookup("web"))
}

func TestApplyStaleUpsertIgnored(t *testing.T) {
	r := New()
	a := mustAddr(t, "10.0.0.5")

	require.Equal(t, types.Accepted, r.Apply(upsert("web", a, peer(1), 100)))
	require.Equal(t, types.IgnoredStale, r.Apply(upsert("web", a, peer(1), 50)))
	assert.Equal(t, []types.Address{a}, r.Lookup("web"))
}

func TestRemoveThenNewerUpsertWins(t *testing.T) {
	r := New()
	a := mustAddr(t, "10.0.0.5")

	require.Equal(t, types.Accepted, r.Apply(remove("web", a, peer(1), 150)))
	require.Equal(t, types.Accepted, r.Apply(upsert("web", a, peer(1), 200)))
	assert.Equal(t, []types.Address{a}, r.Lookup("web"))
}

func TestAddressChangeConverges(t *testing.T) {
	r := New()
	old := mustAddr(t, "10.0.0.7")
	next := mustAddr(t, "10.0.0.8")
	origin := peer(1)

	require.Equal(t, types.Accepted, r.Apply(upsert("api", old, origin, 100)))
	require.Equal(t, types.Accepted, r.Apply(remove("api", old, origin, 200)))
	require.Equal(t, types.Accepted, r.Apply(upsert("api", next, origin, 200)))

	assert.Equal(t, []types.Address{next}, r.Lookup("api"))
}

func TestSameNameTwoOriginsSortedAscending(t *testing.T) {
	r := New()
	a1 := mustAddr(t, "10.0.0.1")
	a2 := mustAddr(t, "10.0.0.2")

	require.Equal(t, types.Accepted, r.Apply(upsert("db", a1, peer(1), 10)))
	require.Equal(t, types.Accepted, r.Apply(upsert("db", a2, peer(2), 10)))

	assert.Equal(t, []types.Address{a1, a2}, r.Lookup("db"))
}

func TestLookupOrdersIPv4BeforeIPv6(t *testing.T) {
	r := New()
	v6 := mustAddr(t, "2001:db8::1")
	v4 := mustAddr(t, "10.0.0.9")

	require.Equal(t, types.Accepted, r.Apply(upsert("mixed", v6, peer(1), 1)))
	require.Equal(t, types.Accepted, r.Apply(upsert("mixed", v4, peer(1), 2)))

	assert.Equal(t, []types.Address{v4, v6}, r.Lookup("mixed"))
}

func TestLookupEmptyOnUnknownName(t *testing.T) {
	r := New()
	assert.Empty(t, r.Lookup("nope"))
}

func TestLookupIsCaseInsensitive(t *testing.T) {
	r := New()
	a := mustAddr(t, "10.0.0.5")
	require.Equal(t, types.Accepted, r.Apply(upsert("web", a, peer(1), 1)))
	assert.Equal(t, []types.Address{a}, r.Lookup("WEB"))
}

func TestSnapshotDedupesByOriginAndSortsCanonically(t *testing.T) {
	r := New()
	a := mustAddr(t, "10.0.0.5")
	b := mustAddr(t, "10.0.0.6")

	r.Apply(upsert("web", a, peer(2), 1))
	r.Apply(upsert("api", b, peer(1), 1))

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, types.Name("api"), snap[0].Name)
	assert.Equal(t, types.Name("web"), snap[1].Name)
}

func TestSubscribeDeliversAcceptedMutationsOnly(t *testing.T) {
	r := New()
	ch := r.Subscribe()

	a := mustAddr(t, "10.0.0.5")
	m := upsert("web", a, peer(1), 1)
	r.Apply(m)
	r.Apply(m) // duplicate, must not appear on the stream

	select {
	case got := <-ch:
		assert.Equal(t, m, got)
	default:
		t.Fatal("expected accepted mutation on subscriber channel")
	}

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("did not expect a second mutation from the duplicate apply")
		}
	default:
	}
}

func TestSubscribeOverflowDisconnects(t *testing.T) {
	r := New()
	ch := r.Subscribe()
	a := mustAddr(t, "10.0.0.5")

	for i := 0; i < subscriberBuffer+10; i++ {
		r.Apply(upsert("web", a, peer(byte(i%250+1)), uint64(i+1)))
	}

	drained := 0
	closedSeen := false
	for {
		_, ok := <-ch
		if !ok {
			closedSeen = true
			break
		}
		drained++
		if drained > subscriberBuffer+20 {
			break
		}
	}
	assert.True(t, closedSeen, "expected subscriber channel to close on overflow")
}
