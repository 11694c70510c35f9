// Package gossip disseminates registry mutations across the cluster over
// an abstract Transport, gated by an HMAC handshake (pkg/auth) and
// deduplicated by content hash. It is the wire-facing half of the
// registry: Adapter subscribes to local mutations and broadcasts them,
// and applies whatever a peer broadcasts back.
package gossip

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/gluedns/pkg/auth"
	"github.com/cuemby/gluedns/pkg/log"
	"github.com/cuemby/gluedns/pkg/metrics"
	"github.com/cuemby/gluedns/pkg/registry"
	"github.com/cuemby/gluedns/pkg/types"
)

var logger = log.WithComponent("gossip")

// Adapter wires a Registry to a Transport, authenticating peers with an
// Authenticator before trusting anything they send.
type Adapter struct {
	self      types.PeerID
	registry  *registry.Registry
	transport Transport
	authr     *auth.Authenticator
	dedup     *dedup

	mu    sync.Mutex
	peers map[PeerAddr]*peer
}

// New constructs an Adapter. self is this node's persisted PeerID (see
// pkg/identity); it tags every locally originated mutation broadcast to
// the cluster.
func New(self types.PeerID, reg *registry.Registry, transport Transport, authr *auth.Authenticator) *Adapter {
	return &Adapter{
		self:      self,
		registry:  reg,
		transport: transport,
		authr:     authr,
		dedup:     newDedup(),
		peers:     make(map[PeerAddr]*peer),
	}
}

// Run joins the topic and blocks, broadcasting local mutations and
// applying authenticated remote ones, until ctx is canceled.
func (a *Adapter) Run(ctx context.Context, topic types.TopicID, bootstrap []string) error {
	events, err := a.transport.Join(ctx, topic, bootstrap)
	if err != nil {
		return err
	}

	local := a.registry.Subscribe()
	defer a.registry.Unsubscribe(local)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case m, ok := <-local:
			if !ok {
				local = a.registry.Subscribe()
				continue
			}
			// Only ever rebroadcast mutations this node originated.
			// Remote-origin mutations were already gossiped by their
			// origin; rebroadcasting them here would let a message
			// circulate forever instead of dying at the dedup cache of
			// nodes that already applied it.
			if m.Origin != a.self {
				continue
			}
			if err := a.transport.Broadcast(EncodeMutation(m)); err != nil {
				logger.Warn().Err(err).Msg("broadcast failed")
			}
			metrics.GossipMessagesSentTotal.WithLabelValues(mutationTag(m)).Inc()

		case ev, ok := <-events:
			if !ok {
				return nil
			}
			a.handleEvent(ev)

		case now := <-ticker.C:
			a.expirePeers(now)
			a.refreshPeerMetrics()
		}
	}
}

func (a *Adapter) handleEvent(ev Event) {
	switch ev.Kind {
	case PeerUp:
		a.onPeerUp(ev.Peer)
	case PeerDown:
		a.onPeerDown(ev.Peer)
	case Message:
		a.onMessage(ev.Peer, ev.Data)
	}
}

func (a *Adapter) getOrCreatePeer(addr PeerAddr) *peer {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.peers[addr]
	if !ok {
		p = newPeer(addr)
		a.peers[addr] = p
	}
	return p
}

func (a *Adapter) onPeerUp(addr PeerAddr) {
	p := a.getOrCreatePeer(addr)
	if p.State() != Discovered {
		return
	}

	nonce, err := auth.NewChallenge()
	if err != nil {
		logger.Error().Err(err).Msg("generate auth challenge")
		return
	}
	p.beginChallenge(nonce)

	msg := EncodeAuthChallenge(AuthChallenge{Initiator: a.self, Nonce: nonce})
	if err := a.transport.Send(addr, msg); err != nil {
		logger.Warn().Err(err).Msg("send auth challenge")
	}
}

func (a *Adapter) onPeerDown(addr PeerAddr) {
	a.mu.Lock()
	p, ok := a.peers[addr]
	if ok {
		delete(a.peers, addr)
	}
	a.mu.Unlock()
	if ok {
		p.markGone()
	}
}

func (a *Adapter) expirePeers(now time.Time) {
	a.mu.Lock()
	snapshot := make([]*peer, 0, len(a.peers))
	for _, p := range a.peers {
		snapshot = append(snapshot, p)
	}
	a.mu.Unlock()

	for _, p := range snapshot {
		if p.expired(now) {
			p.markRejected()
			logger.Warn().Str("peer_addr", string(p.addr)).Msg("auth handshake timed out")
		}
	}
}

// refreshPeerMetrics recomputes GossipPeersTotal from scratch each tick
// rather than incrementing/decrementing it at every individual state
// transition, since a peer's state can change from several different
// goroutines (the ticker, an incoming handshake message, a PeerDown
// event) and a periodic recount is simpler to keep correct than a
// distributed running total.
func (a *Adapter) refreshPeerMetrics() {
	a.mu.Lock()
	counts := map[PeerState]int{}
	for _, p := range a.peers {
		counts[p.State()]++
	}
	a.mu.Unlock()

	for _, s := range []PeerState{Discovered, Authenticating, Ready, Rejected, Gone} {
		metrics.GossipPeersTotal.WithLabelValues(s.String()).Set(float64(counts[s]))
	}
}

func (a *Adapter) onMessage(addr PeerAddr, data []byte) {
	tag, body, err := PeekTag(data)
	if err != nil {
		return
	}

	if IsAuthTag(tag) {
		a.handleAuthMessage(addr, tag, body)
		return
	}

	p := a.getOrCreatePeer(addr)
	switch p.State() {
	case Ready:
	case Rejected:
		return
	default:
		p.buffer(data)
		return
	}
	a.applyWireMessage(addr, data)
}

func (a *Adapter) handleAuthMessage(addr PeerAddr, tag byte, body []byte) {
	p := a.getOrCreatePeer(addr)

	switch tag {
	case TagAuthChallenge:
		c, err := DecodeAuthChallenge(body)
		if err != nil {
			return
		}
		mac := a.authr.Response(c.Nonce, a.self)
		resp := EncodeAuthResponse(AuthResponse{Responder: a.self, MAC: mac})
		if err := a.transport.Send(addr, resp); err != nil {
			logger.Warn().Err(err).Msg("send auth response")
			return
		}
		// The challenger's identity is only asserted, not yet proven; this
		// side marks it Ready only once its Ack verifies below.
		p.beginRespond(c.Nonce, c.Initiator)

	case TagAuthResponse:
		r, err := DecodeAuthResponse(body)
		if err != nil {
			return
		}
		if p.State() != Authenticating {
			return
		}
		nonce := p.nonceSnapshot()
		if !a.authr.VerifyResponse(nonce, r.Responder, r.MAC) {
			p.markRejected()
			logger.Warn().Str("peer_addr", string(addr)).Msg("auth response failed verification")
			return
		}
		ack := a.authr.Ack(nonce, a.self)
		if err := a.transport.Send(addr, EncodeAuthAck(AuthAck{MAC: ack})); err != nil {
			logger.Warn().Err(err).Msg("send auth ack")
		}
		buffered := p.markReady(r.Responder)
		peerLogger := log.WithPeer(r.Responder.String())
		peerLogger.Info().Msg("gossip peer authenticated")
		for _, m := range buffered {
			a.applyWireMessage(addr, m)
		}
		a.maybeSendFullSync(addr, r.Responder)

	case TagAuthAck:
		ack, err := DecodeAuthAck(body)
		if err != nil {
			return
		}
		if p.State() != Authenticating {
			return
		}
		nonce := p.theirNonceSnapshot()
		initiator := p.claimedIDSnapshot()
		if !a.authr.VerifyAck(nonce, initiator, ack.MAC) {
			p.markRejected()
			logger.Warn().Str("peer_addr", string(addr)).Msg("auth ack failed verification")
			return
		}
		buffered := p.markReady(initiator)
		peerLogger := log.WithPeer(initiator.String())
		peerLogger.Info().Msg("gossip peer authenticated")
		for _, m := range buffered {
			a.applyWireMessage(addr, m)
		}
		a.maybeSendFullSync(addr, initiator)
	}
}

// PeerInfo is a diagnostic snapshot of one known peer, for
// pkg/diagnostics's /peers endpoint.
type PeerInfo struct {
	Addr  PeerAddr
	State PeerState
	ID    types.PeerID
}

// Peers returns a snapshot of every peer this adapter currently tracks.
func (a *Adapter) Peers() []PeerInfo {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]PeerInfo, 0, len(a.peers))
	for addr, p := range a.peers {
		id, _ := p.PeerID()
		out = append(out, PeerInfo{Addr: addr, State: p.State(), ID: id})
	}
	return out
}

func mutationTag(m types.Mutation) string {
	if m.Kind == types.MutationRemove {
		return "remove"
	}
	return "upsert"
}

// maybeSendFullSync implements the join protocol's O(1) round-trip rule:
// of the two newly-authenticated peers, only the one with the lower
// PeerID sends its snapshot, so a join never costs more than one
// full-sync exchange regardless of which side noticed the peer first.
func (a *Adapter) maybeSendFullSync(addr PeerAddr, remote types.PeerID) {
	if !a.self.Less(remote) {
		return
	}
	bindings := a.registry.Snapshot()
	msg := EncodeFullSync(a.self, 0, bindings)
	if err := a.transport.Send(addr, msg); err != nil {
		logger.Warn().Err(err).Msg("send full sync")
	}
}

// applyWireMessage decodes and applies an Upsert/Remove/FullSync
// message that has already passed authentication, first dropping it if
// the dedup cache has seen the same bytes before.
func (a *Adapter) applyWireMessage(addr PeerAddr, msg []byte) {
	if a.dedup.seenBefore(msg) {
		metrics.GossipDedupDroppedTotal.Inc()
		return
	}
	metrics.GossipMessagesReceivedTotal.WithLabelValues("mutation").Inc()

	mutation, batch, err := Decode(msg)
	if err != nil {
		logger.Warn().Err(err).Msg("decode gossip message")
		return
	}

	if mutation != nil {
		outcome := a.registry.Apply(*mutation)
		nameLogger := log.WithName(string(mutation.Name))
		nameLogger.Debug().
			Str("outcome", outcome.String()).
			Msg("applied gossiped mutation")
		return
	}

	for _, b := range batch.Bindings {
		a.registry.Apply(types.Mutation{
			Kind:    types.MutationUpsert,
			Name:    b.Name,
			Address: b.Address,
			Origin:  b.Origin,
			TS:      b.TS,
		})
	}

	// The join protocol only has the lower-ID peer initiate a full sync.
	// Its bindings would otherwise never reach the higher-ID side, since
	// ordinary mutations are broadcast once and then suppressed by the
	// dedup cache. The higher-ID side answers with its own snapshot; it
	// replies only when it is in fact the higher-ID side, so this does
	// not loop back and forth.
	if batch.Sender.Less(a.self) {
		reply := EncodeFullSync(a.self, 0, a.registry.Snapshot())
		if err := a.transport.Send(addr, reply); err != nil {
			logger.Warn().Err(err).Msg("send full sync reply")
		}
	}
}
