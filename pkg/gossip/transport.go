package gossip

import (
	"context"

	"github.com/cuemby/gluedns/pkg/types"
)

// Transport is the abstract membership and message-delivery substrate
// gossip runs over, keeping the Adapter's logic independent of which
// overlay backs it. pkg/gossip/udp.go is this module's own concrete
// implementation, sized for testability rather than wide-area NAT
// traversal.
type Transport interface {
	// Join starts the transport for a topic, dialing the given bootstrap
	// addresses, and returns a channel of Events. The channel is closed
	// when ctx is canceled or the transport is stopped.
	Join(ctx context.Context, topic types.TopicID, bootstrap []string) (<-chan Event, error)

	// Broadcast fans a message out to every peer currently known to the
	// transport.
	Broadcast(msg []byte) error

	// Send delivers a message to exactly one peer, addressed by the
	// opaque PeerAddr an Event reported it at.
	Send(peer PeerAddr, msg []byte) error

	// Close releases the transport's resources.
	Close() error
}

// PeerAddr is an opaque, transport-specific handle identifying a remote
// endpoint. Gossip code never inspects its contents; it only ever passes
// one back to Send or compares two for equality.
type PeerAddr string

// EventKind tags the union carried by Event.
type EventKind int

const (
	// PeerUp reports a newly reachable remote endpoint. It carries no
	// authentication guarantee by itself; pkg/auth gates whether the
	// peer ever reaches the Ready state.
	PeerUp EventKind = iota
	// PeerDown reports that a previously reachable endpoint has gone
	// silent (idle timeout) or explicitly disconnected.
	PeerDown
	// Message carries an opaque payload received from a peer, to be
	// handed to Decode.
	Message
)

// Event is one occurrence delivered on the channel Join returns.
type Event struct {
	Kind EventKind
	Peer PeerAddr
	Data []byte
}
