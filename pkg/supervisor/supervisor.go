// Package supervisor is the composition root: it owns every subsystem's
// lifecycle and restarts a subsystem that exits unexpectedly, and stops
// them together on cancellation.
package supervisor

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cuemby/gluedns/pkg/auth"
	"github.com/cuemby/gluedns/pkg/bootstrap"
	"github.com/cuemby/gluedns/pkg/config"
	"github.com/cuemby/gluedns/pkg/dnsserver"
	"github.com/cuemby/gluedns/pkg/gossip"
	"github.com/cuemby/gluedns/pkg/identity"
	"github.com/cuemby/gluedns/pkg/log"
	"github.com/cuemby/gluedns/pkg/observer"
	"github.com/cuemby/gluedns/pkg/registry"
	"github.com/cuemby/gluedns/pkg/runtime"
	"github.com/cuemby/gluedns/pkg/types"
)

// restartBackoff is how long the supervisor waits before restarting a
// subsystem that exited on its own (as opposed to via ctx cancellation).
const restartBackoff = 2 * time.Second

// ErrAuthMisconfigured wraps a failure to construct the Authenticator,
// such as an empty cluster secret. The CLI maps this to exit code 4.
var ErrAuthMisconfigured = errors.New("supervisor: cluster authentication is misconfigured")

// ErrBindFailure wraps a failure to bind a required network socket.
// The CLI maps this to exit code 3.
var ErrBindFailure = errors.New("supervisor: failed to bind a listening socket")

var logger = log.WithComponent("supervisor")

// Supervisor owns the registry and every subsystem that reads or writes
// it, and runs them until ctx is canceled.
type Supervisor struct {
	cfg      config.Config
	ids      *identity.Store
	registry *registry.Registry
	self     types.PeerID

	rt      runtime.ContainerRuntime
	obs     *observer.Observer
	adapter *gossip.Adapter
	dns     *dnsserver.Server
}

// New wires every subsystem from cfg. dataDir's identity database is
// opened here; callers are responsible for calling Close.
func New(cfg config.Config, rt runtime.ContainerRuntime) (*Supervisor, error) {
	ids, err := identity.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	self, err := ids.LoadOrCreatePeerID()
	if err != nil {
		ids.Close()
		return nil, err
	}

	reg := registry.New()

	// A main node (no monitored network configured) is a rendezvous and
	// DNS frontend only: it never runs the container observer and has no
	// need of a container runtime at all.
	var obs *observer.Observer
	if !cfg.IsMain() {
		obs = observer.New(rt, cfg.NetworkName, reg, self, ids)
	}

	authr, err := auth.New([]byte(cfg.ClusterSecret))
	if err != nil {
		ids.Close()
		return nil, fmt.Errorf("%w: %v", ErrAuthMisconfigured, err)
	}
	transport, err := gossip.ListenUDP(cfg.BindIP + portSuffix(cfg.GossipPort))
	if err != nil {
		ids.Close()
		return nil, fmt.Errorf("%w: gossip transport: %v", ErrBindFailure, err)
	}
	adapter := gossip.New(self, reg, transport, authr)

	dnsBind, err := cfg.ResolveDNSBind()
	if err != nil {
		ids.Close()
		return nil, fmt.Errorf("%w: %v", ErrBindFailure, err)
	}
	dns := dnsserver.New(reg, dnsBind, cfg.Upstream)

	return &Supervisor{
		cfg:      cfg,
		ids:      ids,
		registry: reg,
		self:     self,
		rt:       rt,
		obs:      obs,
		adapter:  adapter,
		dns:      dns,
	}, nil
}

// Close releases the identity store and, on a replica, the container
// runtime.
func (s *Supervisor) Close() error {
	if s.rt != nil {
		s.rt.Close()
	}
	return s.ids.Close()
}

// PeerID returns this node's persisted identity.
func (s *Supervisor) PeerID() types.PeerID { return s.self }

// Registry returns the shared registry, for the diagnostics HTTP server
// and the `lookup` CLI subcommand.
func (s *Supervisor) Registry() *registry.Registry { return s.registry }

// Adapter returns the gossip adapter, for the diagnostics HTTP server's
// /peers endpoint.
func (s *Supervisor) Adapter() *gossip.Adapter { return s.adapter }

// Run starts every subsystem and blocks until ctx is canceled.
func (s *Supervisor) Run(ctx context.Context) error {
	var topic types.TopicID
	if raw, err := hex.DecodeString(s.cfg.TopicID); err == nil {
		copy(topic[:], raw)
	} else {
		logger.Warn().Err(err).Msg("invalid topic_id, using zero topic")
	}

	resolver := bootstrap.New(s.cfg.BootstrapService, portOnly(s.cfg.DiscoveryPort), s.cfg.BootstrapPeers)
	peers := resolver.Resolve(ctx)

	logger.Info().
		Str("self", s.self.String()).
		Strs("bootstrap_peers", peers).
		Msg("starting gluedns")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if s.obs != nil {
			runRestarting(ctx, "observer", func() error { return s.obs.Run(ctx) })
		}
	}()
	go runRestarting(ctx, "gossip", func() error { return s.adapter.Run(ctx, topic, peers) })

	// Unlike the observer and gossip adapter, a DNS listener that fails
	// to bind (or later loses its socket) is fatal. It is retried
	// transparently by systemd or the container runtime restarting the
	// whole process, not papered over in-process.
	dnsErr := make(chan error, 1)
	go func() { dnsErr <- s.dns.Run(ctx) }()

	select {
	case <-ctx.Done():
		<-done
		return ctx.Err()
	case err := <-dnsErr:
		cancel()
		<-done
		if err != nil {
			return fmt.Errorf("%w: dns listener: %v", ErrBindFailure, err)
		}
		return nil
	}
}

// runRestarting runs fn until ctx is canceled, restarting it after
// restartBackoff whenever it returns (successfully or not) before then,
// so a subsystem crash never brings the whole daemon down.
func runRestarting(ctx context.Context, name string, fn func() error) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := fn(); err != nil && ctx.Err() == nil {
			logger.Error().Str("subsystem", name).Err(err).Msg("subsystem exited, restarting")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(restartBackoff):
		}
	}
}

func portSuffix(port int) string {
	if port == 0 {
		return ""
	}
	return ":" + strconv.Itoa(port)
}

func portOnly(port int) string {
	return strconv.Itoa(port)
}
