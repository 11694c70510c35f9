// Package dnsserver answers DNS queries from the registry, forwarding
// anything it does not own upstream. It listens on both UDP and TCP,
// routes single-label queries against the registry and multi-label
// queries to an upstream resolver with a bounded timeout.
package dnsserver

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/gluedns/pkg/log"
	"github.com/cuemby/gluedns/pkg/metrics"
	"github.com/cuemby/gluedns/pkg/registry"
	"github.com/cuemby/gluedns/pkg/types"
	"github.com/miekg/dns"
)

const (
	// TTL is the answer TTL for locally resolved names, in seconds.
	TTL = 10

	// UpstreamTimeout bounds how long a forwarded query may take before
	// this node gives up and answers SERVFAIL.
	UpstreamTimeout = 3 * time.Second
)

var logger = log.WithComponent("dnsserver")

// Server answers single-label queries from a Registry and forwards
// multi-label (FQDN) queries to configured upstream resolvers.
type Server struct {
	registry   *registry.Registry
	listenAddr string
	upstream   []string

	mu   sync.Mutex
	udp  *dns.Server
	tcp  *dns.Server
}

// New constructs a Server. listenAddr is host:port; upstream must be
// non-empty.
func New(reg *registry.Registry, listenAddr string, upstream []string) *Server {
	return &Server{registry: reg, listenAddr: listenAddr, upstream: upstream}
}

// Run starts both the UDP and TCP listeners and blocks until ctx is
// canceled or either fails.
func (s *Server) Run(ctx context.Context) error {
	mux := dns.NewServeMux()
	mux.HandleFunc(".", s.handleQuery)

	s.mu.Lock()
	s.udp = &dns.Server{Addr: s.listenAddr, Net: "udp", Handler: mux}
	s.tcp = &dns.Server{Addr: s.listenAddr, Net: "tcp", Handler: mux}
	s.mu.Unlock()

	errCh := make(chan error, 2)
	go func() { errCh <- s.udp.ListenAndServe() }()
	go func() { errCh <- s.tcp.ListenAndServe() }()

	logger.Info().Str("addr", s.listenAddr).Msg("dns server listening on udp and tcp")

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err := <-errCh:
		s.shutdown()
		return err
	}
}

func (s *Server) shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	if s.udp != nil {
		if err := s.udp.Shutdown(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.tcp != nil {
		if err := s.tcp.Shutdown(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Server) handleQuery(w dns.ResponseWriter, r *dns.Msg) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DNSQueryDuration)

	if len(r.Question) != 1 {
		s.writeServfail(w, r)
		return
	}
	q := r.Question[0]

	if isMultiLabel(q.Name) {
		s.forward(w, r)
		return
	}

	msg := new(dns.Msg)
	msg.SetReply(r)
	msg.Authoritative = true

	addrs := s.registry.Lookup(strings.TrimSuffix(q.Name, "."))
	if len(addrs) == 0 {
		// NXDOMAIN: nothing is bound to this name at all.
		msg.Rcode = dns.RcodeNameError
		metrics.DNSQueriesTotal.WithLabelValues("nxdomain").Inc()
		s.writeMsg(w, msg)
		return
	}

	for _, a := range addrs {
		switch q.Qtype {
		case dns.TypeA:
			if a.Family == types.AddressFamilyIPv4 {
				msg.Answer = append(msg.Answer, aRecord(q.Name, a))
			}
		case dns.TypeAAAA:
			if a.Family == types.AddressFamilyIPv6 {
				msg.Answer = append(msg.Answer, aaaaRecord(q.Name, a))
			}
		case dns.TypeANY:
			if a.Family == types.AddressFamilyIPv4 {
				msg.Answer = append(msg.Answer, aRecord(q.Name, a))
			} else {
				msg.Answer = append(msg.Answer, aaaaRecord(q.Name, a))
			}
		}
	}
	// NOERROR with an empty answer section is the correct response when
	// the name exists but has no records of the requested type (for
	// example an AAAA query against an IPv4-only binding).
	metrics.DNSQueriesTotal.WithLabelValues("answered").Inc()
	s.writeMsg(w, msg)
}

func (s *Server) forward(w dns.ResponseWriter, r *dns.Msg) {
	client := &dns.Client{Net: "udp", Timeout: UpstreamTimeout}

	for _, upstream := range s.upstream {
		resp, _, err := client.Exchange(r, upstream)
		if err != nil {
			logger.Debug().Str("upstream", upstream).Err(err).Msg("upstream exchange failed")
			continue
		}
		metrics.DNSQueriesTotal.WithLabelValues("forwarded").Inc()
		s.writeMsg(w, resp)
		return
	}

	metrics.DNSQueriesTotal.WithLabelValues("servfail").Inc()
	s.writeServfail(w, r)
}

func (s *Server) writeServfail(w dns.ResponseWriter, r *dns.Msg) {
	msg := new(dns.Msg)
	msg.SetReply(r)
	msg.Rcode = dns.RcodeServerFailure
	s.writeMsg(w, msg)
}

func (s *Server) writeMsg(w dns.ResponseWriter, msg *dns.Msg) {
	if err := w.WriteMsg(msg); err != nil {
		logger.Warn().Err(err).Msg("write dns response")
	}
}

// isMultiLabel reports whether name has more than one label once the
// trailing root dot is discounted, meaning it is an FQDN this node does
// not own and must forward.
func isMultiLabel(name string) bool {
	return len(dns.SplitDomainName(name)) > 1
}

func aRecord(name string, a types.Address) dns.RR {
	return &dns.A{
		Hdr: dns.RR_Header{Name: dns.Fqdn(name), Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: TTL},
		A:   a.IP(),
	}
}

func aaaaRecord(name string, a types.Address) dns.RR {
	return &dns.AAAA{
		Hdr:  dns.RR_Header{Name: dns.Fqdn(name), Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: TTL},
		AAAA: a.IP(),
	}
}
