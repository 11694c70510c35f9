// Package bootstrap resolves the initial set of peer addresses a node
// dials on startup: an explicit list of addresses, a DNS-discovered set
// (looking up a configured rendezvous service name against the
// platform's own service-discovery DNS), or both, merged with
// DNS-discovered peers ahead of explicit ones and deduplicated.
package bootstrap

import (
	"context"
	"net"
	"time"

	"github.com/cuemby/gluedns/pkg/log"
)

// DiscoveryTimeout bounds how long DNS-based peer discovery may take
// before falling back to whatever explicit peers were configured.
const DiscoveryTimeout = 3 * time.Second

var logger = log.WithComponent("bootstrap")

// Resolver produces the bootstrap peer address list for a Join call.
type Resolver struct {
	// ServiceName, if set, triggers DNS-based discovery: peer addresses
	// are looked up as A records for this name (e.g. via a platform
	// service-discovery DNS server such as Docker's or Kubernetes'). It
	// names the rendezvous service (bootstrap_service), independent of
	// any monitored container network.
	ServiceName string
	// DiscoveryPort is appended to every DNS-discovered address.
	DiscoveryPort string
	// Explicit is the operator-configured bootstrap peer list, already
	// in host:port form.
	Explicit []string

	// lookupHost is overridable in tests; defaults to net.DefaultResolver.
	lookupHost func(ctx context.Context, host string) ([]string, error)
}

// New constructs a Resolver using the real DNS resolver.
func New(serviceName, discoveryPort string, explicit []string) *Resolver {
	return &Resolver{
		ServiceName:   serviceName,
		DiscoveryPort: discoveryPort,
		Explicit:      explicit,
		lookupHost:    net.DefaultResolver.LookupHost,
	}
}

// Resolve returns the bootstrap peer list: DNS-discovered addresses
// first, then explicit ones, deduplicated while preserving that order.
func (r *Resolver) Resolve(ctx context.Context) []string {
	var discovered []string
	if r.ServiceName != "" {
		discovered = r.discover(ctx)
	}
	return dedupPreserveOrder(append(discovered, r.Explicit...))
}

func (r *Resolver) discover(ctx context.Context) []string {
	lookup := r.lookupHost
	if lookup == nil {
		lookup = net.DefaultResolver.LookupHost
	}

	ctx, cancel := context.WithTimeout(ctx, DiscoveryTimeout)
	defer cancel()

	ips, err := lookup(ctx, r.ServiceName)
	if err != nil {
		logger.Warn().Str("service", r.ServiceName).Err(err).Msg("dns peer discovery failed")
		return nil
	}

	out := make([]string, 0, len(ips))
	for _, ip := range ips {
		out = append(out, net.JoinHostPort(ip, r.DiscoveryPort))
	}
	return out
}

func dedupPreserveOrder(addrs []string) []string {
	seen := make(map[string]bool, len(addrs))
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	return out
}
