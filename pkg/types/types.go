// Package types holds the data model shared across the registry, the
// gossip transport, the container observer and the DNS responder: names,
// addresses, bindings and the wire-level mutation messages that carry them
// between peers.
package types

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"strings"
)

// MaxNameLength is the maximum length, in octets, of a single-label name.
const MaxNameLength = 63

// ErrNameTooLong is returned when a name exceeds MaxNameLength.
var ErrNameTooLong = errors.New("types: name exceeds 63 octets")

// ErrNameHasDot is returned when a name intended as a single-label
// container name contains a dot.
var ErrNameHasDot = errors.New("types: name contains a dot")

// ErrNameEmpty is returned for a zero-length name.
var ErrNameEmpty = errors.New("types: name is empty")

// PeerID is the stable identity of a node in the cluster. It never changes
// across restarts (see pkg/identity) and never changes ownership of the
// bindings it originated.
type PeerID [32]byte

// String renders the peer ID as lowercase hex.
func (p PeerID) String() string {
	const hextable = "0123456789abcdef"
	buf := make([]byte, len(p)*2)
	for i, b := range p {
		buf[i*2] = hextable[b>>4]
		buf[i*2+1] = hextable[b&0x0f]
	}
	return string(buf)
}

// Less gives PeerID a total order, used to decide which side of a
// handshake sends the full-sync first (see pkg/gossip).
func (p PeerID) Less(other PeerID) bool {
	return bytes.Compare(p[:], other[:]) < 0
}

// MarshalText renders a PeerID as hex, so that JSON encoders (the
// diagnostics HTTP endpoints) emit it as a string instead of an array
// of 32 numbers.
func (p PeerID) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// IsZero reports whether the peer ID has never been assigned.
func (p PeerID) IsZero() bool {
	return p == PeerID{}
}

// TopicID scopes a gossip membership group. It must match across every
// node in a cluster.
type TopicID [32]byte

// Name is a validated, lowercase, single-label container name.
type Name string

// NormalizeName lowercases and validates a raw name: no dots, 1-63
// octets.
func NormalizeName(raw string) (Name, error) {
	if raw == "" {
		return "", ErrNameEmpty
	}
	if strings.Contains(raw, ".") {
		return "", ErrNameHasDot
	}
	if len(raw) > MaxNameLength {
		return "", ErrNameTooLong
	}
	return Name(strings.ToLower(raw)), nil
}

// AddressFamily distinguishes IPv4 from IPv6 bindings.
type AddressFamily uint8

const (
	// AddressFamilyIPv4 tags a 4-byte address.
	AddressFamilyIPv4 AddressFamily = 4
	// AddressFamilyIPv6 tags a 16-byte address.
	AddressFamilyIPv6 AddressFamily = 6
)

// Address is an IP address tagged with its family, stored in a fixed
// 16-byte array rather than a net.IP so that Address (and anything that
// embeds it, such as Key) stays comparable and usable as a map key. The
// family tag also means the wire codec and the registry never have to
// guess the intended width from a slice that can ambiguously hold an
// IPv4 address in 16-byte form.
type Address struct {
	Family AddressFamily
	raw    [16]byte
}

// NewAddress classifies a net.IP into a tagged Address, preferring the
// 4-byte form for IPv4 addresses.
func NewAddress(ip net.IP) (Address, error) {
	if v4 := ip.To4(); v4 != nil {
		var raw [16]byte
		copy(raw[:4], v4)
		return Address{Family: AddressFamilyIPv4, raw: raw}, nil
	}
	if v6 := ip.To16(); v6 != nil {
		var raw [16]byte
		copy(raw[:], v6)
		return Address{Family: AddressFamilyIPv6, raw: raw}, nil
	}
	return Address{}, errors.New("types: not a valid IPv4 or IPv6 address")
}

// NewAddressFromBytes builds an Address directly from raw bytes at their
// tagged width (4 for IPv4, 16 for IPv6), as decoded off the wire.
func NewAddressFromBytes(fam AddressFamily, b []byte) (Address, error) {
	switch fam {
	case AddressFamilyIPv4:
		if len(b) != 4 {
			return Address{}, fmt.Errorf("types: IPv4 address must be 4 bytes, got %d", len(b))
		}
	case AddressFamilyIPv6:
		if len(b) != 16 {
			return Address{}, fmt.Errorf("types: IPv6 address must be 16 bytes, got %d", len(b))
		}
	default:
		return Address{}, fmt.Errorf("types: unknown address family %d", fam)
	}
	var raw [16]byte
	copy(raw[:], b)
	return Address{Family: fam, raw: raw}, nil
}

// Bytes returns the raw address bytes at their tagged width (4 or 16).
func (a Address) Bytes() []byte {
	if a.Family == AddressFamilyIPv4 {
		return a.raw[:4]
	}
	return a.raw[:]
}

// IP reconstructs the net.IP this Address represents.
func (a Address) IP() net.IP {
	return net.IP(append([]byte(nil), a.Bytes()...))
}

// Equal compares two addresses by family and byte content.
func (a Address) Equal(b Address) bool {
	return a == b
}

// Compare orders addresses IPv4-before-IPv6, then ascending by byte value
// within a family, giving lookup() a deterministic, stable answer order.
func (a Address) Compare(b Address) int {
	if a.Family != b.Family {
		if a.Family == AddressFamilyIPv4 {
			return -1
		}
		return 1
	}
	return bytes.Compare(a.Bytes(), b.Bytes())
}

func (a Address) String() string {
	return a.IP().String()
}

// MarshalText renders an Address as its string form, so that JSON
// encoders (the diagnostics HTTP endpoints) emit it as a plain string
// instead of exposing the unexported raw byte array.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText parses an Address from its string form.
func (a *Address) UnmarshalText(text []byte) error {
	ip := net.ParseIP(string(text))
	if ip == nil {
		return fmt.Errorf("types: invalid address %q", text)
	}
	addr, err := NewAddress(ip)
	if err != nil {
		return err
	}
	*a = addr
	return nil
}

// MutationKind tags the union carried by a Mutation.
type MutationKind uint8

const (
	// MutationUpsert introduces or refreshes a binding.
	MutationUpsert MutationKind = 0x01
	// MutationRemove evicts a binding.
	MutationRemove MutationKind = 0x02
)

// Binding is a single (name, address, origin, timestamp) tuple, the unit
// the registry stores and the gossip layer disseminates.
type Binding struct {
	Name    Name
	Address Address
	Origin  PeerID
	TS      uint64
}

// Key identifies the (name, origin, address) triple within which only
// the highest-ts binding survives.
type Key struct {
	Name    Name
	Origin  PeerID
	Address Address
}

// KeyOf returns the merge key for a binding.
func (b Binding) KeyOf() Key {
	return Key{Name: b.Name, Origin: b.Origin, Address: b.Address}
}

// Mutation is the unit of change applied to the registry and broadcast
// over gossip: an Upsert or a Remove of exactly one binding.
type Mutation struct {
	Kind    MutationKind
	Name    Name
	Address Address
	Origin  PeerID
	TS      uint64
}

// BindingOf extracts the Binding a Mutation describes, independent of
// whether it is an Upsert or a Remove.
func (m Mutation) BindingOf() Binding {
	return Binding{Name: m.Name, Address: m.Address, Origin: m.Origin, TS: m.TS}
}

// ApplyOutcome reports what apply() did with a mutation, for diagnostics
// and testing.
type ApplyOutcome int

const (
	// Accepted means the mutation changed registry state.
	Accepted ApplyOutcome = iota
	// IgnoredStale means a higher-ts binding for the same key already won.
	IgnoredStale
	// IgnoredDuplicate means the mutation exactly restates current state.
	IgnoredDuplicate
)

func (o ApplyOutcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case IgnoredStale:
		return "ignored-stale"
	case IgnoredDuplicate:
		return "ignored-duplicate"
	default:
		return "unknown"
	}
}
