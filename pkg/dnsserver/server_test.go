package dnsserver

import (
	"net"
	"testing"

	"github.com/cuemby/gluedns/pkg/registry"
	"github.com/cuemby/gluedns/pkg/types"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureWriter is a minimal dns.ResponseWriter that records the last
// message written, enough to test handleQuery without a live socket.
type captureWriter struct {
	written *dns.Msg
}

func (c *captureWriter) Network() string             { return "udp" }
func (c *captureWriter) LocalAddr() net.Addr         { return &net.UDPAddr{} }
func (c *captureWriter) RemoteAddr() net.Addr        { return &net.UDPAddr{} }
func (c *captureWriter) WriteMsg(m *dns.Msg) error   { c.written = m; return nil }
func (c *captureWriter) Write([]byte) (int, error)   { return 0, nil }
func (c *captureWriter) Close() error                { return nil }
func (c *captureWriter) TsigStatus() error           { return nil }
func (c *captureWriter) TsigTimersOnly(bool)         {}
func (c *captureWriter) Hijack()                     {}

func newQuery(name string, qtype uint16) *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	return m
}

func TestHandleQueryAnswersFromRegistry(t *testing.T) {
	reg := registry.New()
	addr, err := types.NewAddress(net.ParseIP("10.0.0.5"))
	require.NoError(t, err)
	reg.Apply(types.Mutation{Kind: types.MutationUpsert, Name: "web", Address: addr, Origin: types.PeerID{1}, TS: 1})

	s := New(reg, "127.0.0.1:0", []string{"127.0.0.1:9999"})
	w := &captureWriter{}
	s.handleQuery(w, newQuery("web", dns.TypeA))

	require.NotNil(t, w.written)
	require.Len(t, w.written.Answer, 1)
	a, ok := w.written.Answer[0].(*dns.A)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.5", a.A.String())
	assert.Equal(t, dns.RcodeSuccess, w.written.Rcode)
}

func TestHandleQueryNXDOMAINForUnknownName(t *testing.T) {
	reg := registry.New()
	s := New(reg, "127.0.0.1:0", nil)
	w := &captureWriter{}
	s.handleQuery(w, newQuery("ghost", dns.TypeA))

	require.NotNil(t, w.written)
	assert.Equal(t, dns.RcodeNameError, w.written.Rcode)
}

func TestHandleQueryNOERRORWithEmptyAnswerForWrongFamily(t *testing.T) {
	reg := registry.New()
	addr, err := types.NewAddress(net.ParseIP("10.0.0.5"))
	require.NoError(t, err)
	reg.Apply(types.Mutation{Kind: types.MutationUpsert, Name: "web", Address: addr, Origin: types.PeerID{1}, TS: 1})

	s := New(reg, "127.0.0.1:0", nil)
	w := &captureWriter{}
	s.handleQuery(w, newQuery("web", dns.TypeAAAA))

	require.NotNil(t, w.written)
	assert.Equal(t, dns.RcodeSuccess, w.written.Rcode)
	assert.Empty(t, w.written.Answer)
}

func TestIsMultiLabel(t *testing.T) {
	assert.False(t, isMultiLabel("web."))
	assert.True(t, isMultiLabel("www.example.com."))
}
