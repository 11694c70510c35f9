package gossip

import (
	"sync"
	"time"

	"github.com/cuemby/gluedns/pkg/types"
)

// PeerState is a node in a peer's authentication state machine.
type PeerState int

const (
	// Discovered is the state a peer starts in the moment the transport
	// reports it reachable, before any handshake traffic.
	Discovered PeerState = iota
	// Authenticating covers the window between sending or receiving an
	// auth challenge and resolving it into Ready or Rejected.
	Authenticating
	// Ready means the peer passed the handshake; its mutations are
	// applied and it receives broadcasts.
	Ready
	// Rejected means the peer failed the handshake (bad MAC or timeout).
	// A rejected peer is never retried without a fresh Discovered event.
	Rejected
	// Gone means the transport reported the peer unreachable.
	Gone
)

func (s PeerState) String() string {
	switch s {
	case Discovered:
		return "discovered"
	case Authenticating:
		return "authenticating"
	case Ready:
		return "ready"
	case Rejected:
		return "rejected"
	case Gone:
		return "gone"
	default:
		return "unknown"
	}
}

// authTimeout bounds how long a peer may sit in Authenticating before
// the fail-closed handshake forces it to Rejected.
const authTimeout = 5 * time.Second

// preAuthBufferSize bounds how many non-handshake messages from a peer
// still in Authenticating are held rather than dropped, so that a
// mutation racing ahead of a slow handshake is not lost outright.
const preAuthBufferSize = 256

// peer tracks one remote endpoint's handshake state and identity.
type peer struct {
	mu sync.Mutex

	addr       PeerAddr
	id         types.PeerID
	hasID      bool
	claimedID  types.PeerID // initiator's asserted ID, set when we are the responder
	state      PeerState
	ourNonce   [32]byte // the nonce we sent in our own AuthChallenge
	theirNonce [32]byte // the nonce the peer sent in its AuthChallenge, which its Ack signs
	deadline   time.Time

	pending [][]byte // messages held while Authenticating, bounded by preAuthBufferSize
}

func newPeer(addr PeerAddr) *peer {
	return &peer{addr: addr, state: Discovered}
}

func (p *peer) State() PeerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *peer) PeerID() (types.PeerID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.id, p.hasID
}

// beginChallenge transitions Discovered -> Authenticating as the side
// that sent an AuthChallenge, and records the nonce we expect an
// AuthResponse to be computed over.
func (p *peer) beginChallenge(nonce [32]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Discovered {
		p.state = Authenticating
	}
	p.ourNonce = nonce
	p.deadline = time.Now().Add(authTimeout)
}

// beginRespond transitions Discovered -> Authenticating as the side that
// received an AuthChallenge, recording the nonce to Ack and the
// initiator's claimed identity so an incoming Ack can be verified
// against it.
func (p *peer) beginRespond(nonce [32]byte, initiator types.PeerID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Discovered {
		p.state = Authenticating
	}
	p.theirNonce = nonce
	p.claimedID = initiator
	p.deadline = time.Now().Add(authTimeout)
}

func (p *peer) nonceSnapshot() [32]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ourNonce
}

func (p *peer) theirNonceSnapshot() [32]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.theirNonce
}

func (p *peer) claimedIDSnapshot() types.PeerID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.claimedID
}

func (p *peer) expired(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == Authenticating && now.After(p.deadline)
}

// markReady transitions Authenticating -> Ready and binds the peer's
// verified identity, releasing any buffered pre-auth messages.
func (p *peer) markReady(id types.PeerID) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = Ready
	p.id = id
	p.hasID = true
	drained := p.pending
	p.pending = nil
	return drained
}

func (p *peer) markRejected() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = Rejected
	p.pending = nil
}

func (p *peer) markGone() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = Gone
	p.pending = nil
}

// buffer holds a non-handshake message received while Authenticating.
// Once the buffer is full, the oldest message is dropped to admit the
// newest: an unauthenticated peer that is also a slow talker should not
// be able to grow memory usage without bound.
func (p *peer) buffer(msg []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) >= preAuthBufferSize {
		p.pending = p.pending[1:]
	}
	p.pending = append(p.pending, msg)
}
