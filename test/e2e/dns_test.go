// Package e2e drives gluedns's DNS responder over real UDP sockets,
// backed by a registry populated the way the running daemon populates
// it (observer polling a fake container runtime), covering the
// single-node lookup and upstream-forwarding scenario. It dials a live
// dns.Server with a dns.Client rather than calling handlers directly.
package e2e

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/cuemby/gluedns/pkg/dnsserver"
	"github.com/cuemby/gluedns/pkg/identity"
	"github.com/cuemby/gluedns/pkg/observer"
	"github.com/cuemby/gluedns/pkg/registry"
	"github.com/cuemby/gluedns/pkg/runtime"
	"github.com/cuemby/gluedns/pkg/types"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func freeUDPAddr(t *testing.T) string {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	addr := conn.LocalAddr().String()
	require.NoError(t, conn.Close())
	return addr
}

// TestSingleNodeLookup covers scenario 1: a manually applied binding
// answers a single-label A query with the expected address and TTL, and
// an FQDN query is forwarded upstream.
func TestSingleNodeLookup(t *testing.T) {
	upstreamAddr := startStubUpstream(t, "web.example.com.", net.ParseIP("93.184.216.34"))

	reg := registry.New()
	var self types.PeerID
	self[0] = 1
	ip := net.ParseIP("10.0.0.5")
	a, err := types.NewAddress(ip)
	require.NoError(t, err)
	reg.Apply(types.Mutation{Kind: types.MutationUpsert, Name: "web", Address: a, Origin: self, TS: 1})

	listenAddr := freeUDPAddr(t)
	srv := dnsserver.New(reg, listenAddr, []string{upstreamAddr})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)
	require.Eventually(t, func() bool {
		c := new(dns.Client)
		_, _, err := c.Exchange(newQuery(t, "web.", dns.TypeA), listenAddr)
		return err == nil
	}, 2*time.Second, 20*time.Millisecond, "dns server never came up")

	client := new(dns.Client)

	resp, _, err := client.Exchange(newQuery(t, "web.", dns.TypeA), listenAddr)
	require.NoError(t, err)
	require.Equal(t, dns.RcodeSuccess, resp.Rcode)
	require.Len(t, resp.Answer, 1)
	arec, ok := resp.Answer[0].(*dns.A)
	require.True(t, ok)
	require.Equal(t, "10.0.0.5", arec.A.String())
	require.EqualValues(t, dnsserver.TTL, arec.Hdr.Ttl)

	resp, _, err = client.Exchange(newQuery(t, "web.example.com.", dns.TypeA), listenAddr)
	require.NoError(t, err)
	require.Equal(t, dns.RcodeSuccess, resp.Rcode)
	require.Len(t, resp.Answer, 1)
	arec, ok = resp.Answer[0].(*dns.A)
	require.True(t, ok)
	require.Equal(t, "93.184.216.34", arec.A.String())

	resp, _, err = client.Exchange(newQuery(t, "ghost.", dns.TypeA), listenAddr)
	require.NoError(t, err)
	require.Equal(t, dns.RcodeNameError, resp.Rcode)
}

// TestObserverPopulatesRegistryForDNS wires the observer and a fake
// container runtime to a registry the way pkg/supervisor does, verifying
// that a container appearing on the runtime shows up in Registry.Lookup
// (the call the DNS responder answers from) without any direct registry
// manipulation. No DNS server is started here.
func TestObserverPopulatesRegistryForDNS(t *testing.T) {
	dir := t.TempDir()
	ids, err := identity.Open(dir)
	require.NoError(t, err)
	defer ids.Close()
	self, err := ids.LoadOrCreatePeerID()
	require.NoError(t, err)

	reg := registry.New()
	rt := runtime.NewFakeRuntime()
	rt.Set("gluedns", []runtime.AttachedContainer{
		{ID: "c1", Name: "cache", IP: net.ParseIP("10.1.1.9")},
	})
	obs := observer.New(rt, "gluedns", reg, self, ids)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	go obs.Run(ctx)

	require.Eventually(t, func() bool {
		got := reg.Lookup("cache")
		return len(got) == 1 && got[0].String() == "10.1.1.9"
	}, 2*time.Second, 10*time.Millisecond)
}

func newQuery(t *testing.T, name string, qtype uint16) *dns.Msg {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	return m
}

// startStubUpstream runs a minimal dns.Server answering exactly one
// name, standing in for a real upstream resolver.
func startStubUpstream(t *testing.T, name string, ip net.IP) string {
	t.Helper()
	addr := freeUDPAddr(t)

	mux := dns.NewServeMux()
	mux.HandleFunc(".", func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		if len(r.Question) == 1 && r.Question[0].Name == name {
			m.Answer = append(m.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: r.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 30},
				A:   ip,
			})
		}
		_ = w.WriteMsg(m)
	})

	srv := &dns.Server{Addr: addr, Net: "udp", Handler: mux}
	go srv.ListenAndServe()
	t.Cleanup(func() { srv.Shutdown() })

	require.Eventually(t, func() bool {
		c := new(dns.Client)
		_, _, err := c.Exchange(newQuery(t, name, dns.TypeA), addr)
		return err == nil
	}, 2*time.Second, 20*time.Millisecond, "stub upstream never came up")

	return addr
}
