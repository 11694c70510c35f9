package gossip

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cuemby/gluedns/pkg/log"
	"github.com/cuemby/gluedns/pkg/types"
)

// maxDatagram bounds a single gossip UDP packet. A full-sync of a large
// cluster can exceed a single datagram; UDPTransport does not fragment,
// so clusters are expected to stay small enough for a full-sync to fit
// in practice.
const maxDatagram = 65507

// peerIdleTimeout is how long a peer may go without sending anything
// before UDPTransport reports it PeerDown.
const peerIdleTimeout = 15 * time.Second

var udpLogger = log.WithComponent("gossip-udp")

// UDPTransport is a concrete Transport built on plain UDP datagrams.
// It favors simplicity and testability over NAT traversal or encryption
// at the transport layer; payload authenticity is handled one layer up
// by pkg/auth regardless of what carries the bytes.
type UDPTransport struct {
	conn *net.UDPConn

	mu       sync.Mutex
	known    map[PeerAddr]*net.UDPAddr
	lastSeen map[PeerAddr]time.Time

	events chan Event
}

// ListenUDP opens a UDP socket at bindAddr (host:port) for use as a
// Transport. The returned transport is not yet joined to a topic; call
// Join to start it.
func ListenUDP(bindAddr string) (*UDPTransport, error) {
	addr, err := net.ResolveUDPAddr("udp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("gossip: resolve bind address %s: %w", bindAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("gossip: listen udp %s: %w", bindAddr, err)
	}
	return &UDPTransport{
		conn:     conn,
		known:    make(map[PeerAddr]*net.UDPAddr),
		lastSeen: make(map[PeerAddr]time.Time),
		events:   make(chan Event, 256),
	}, nil
}

// Join dials each bootstrap address with an empty hello datagram to
// announce this node, then starts the read loop. Every subsequent
// datagram from a not-yet-known source address produces a PeerUp before
// its payload is delivered as a Message.
func (t *UDPTransport) Join(ctx context.Context, topic types.TopicID, bootstrap []string) (<-chan Event, error) {
	for _, addr := range bootstrap {
		udpAddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			udpLogger.Warn().Str("bootstrap", addr).Err(err).Msg("unresolvable bootstrap peer")
			continue
		}
		t.registerPeer(PeerAddr(udpAddr.String()), udpAddr)
		if _, err := t.conn.WriteToUDP([]byte{}, udpAddr); err != nil {
			udpLogger.Warn().Str("bootstrap", addr).Err(err).Msg("hello send failed")
		}
	}

	go t.readLoop(ctx)
	go t.idleLoop(ctx)

	go func() {
		<-ctx.Done()
		t.conn.Close()
	}()

	return t.events, nil
}

func (t *UDPTransport) readLoop(ctx context.Context) {
	defer close(t.events)
	buf := make([]byte, maxDatagram)

	for {
		n, from, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			udpLogger.Warn().Err(err).Msg("read failed")
			return
		}

		addr := PeerAddr(from.String())
		isNew := t.registerPeer(addr, from)
		if isNew {
			t.emit(Event{Kind: PeerUp, Peer: addr})
		}
		if n == 0 {
			continue // hello datagram, membership announcement only
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		t.emit(Event{Kind: Message, Peer: addr, Data: data})
	}
}

func (t *UDPTransport) idleLoop(ctx context.Context) {
	ticker := time.NewTicker(peerIdleTimeout / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.mu.Lock()
			var stale []PeerAddr
			for addr, seen := range t.lastSeen {
				if now.Sub(seen) > peerIdleTimeout {
					stale = append(stale, addr)
				}
			}
			for _, addr := range stale {
				delete(t.known, addr)
				delete(t.lastSeen, addr)
			}
			t.mu.Unlock()

			for _, addr := range stale {
				t.emit(Event{Kind: PeerDown, Peer: addr})
			}
		}
	}
}

// registerPeer records addr as known and refreshes its last-seen time,
// reporting whether this is the first time it has been seen.
func (t *UDPTransport) registerPeer(addr PeerAddr, resolved *net.UDPAddr) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, known := t.known[addr]
	t.known[addr] = resolved
	t.lastSeen[addr] = time.Now()
	return !known
}

func (t *UDPTransport) emit(ev Event) {
	select {
	case t.events <- ev:
	default:
		udpLogger.Warn().Msg("event channel full, dropping event")
	}
}

// Broadcast fans msg out to every currently known peer address.
func (t *UDPTransport) Broadcast(msg []byte) error {
	t.mu.Lock()
	targets := make([]*net.UDPAddr, 0, len(t.known))
	for _, addr := range t.known {
		targets = append(targets, addr)
	}
	t.mu.Unlock()

	var firstErr error
	for _, addr := range targets {
		if _, err := t.conn.WriteToUDP(msg, addr); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Send delivers msg to exactly one known peer.
func (t *UDPTransport) Send(peer PeerAddr, msg []byte) error {
	t.mu.Lock()
	addr, ok := t.known[peer]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("gossip: unknown peer %s", peer)
	}
	_, err := t.conn.WriteToUDP(msg, addr)
	return err
}

// Close releases the UDP socket.
func (t *UDPTransport) Close() error {
	return t.conn.Close()
}
