package gossip

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/cuemby/gluedns/pkg/types"
)

// Wire tags. Fixed field order and integer widths so that every peer
// produces byte-identical encodings of identical mutations, which the
// dedup cache and convergence checks both rely on.
const (
	tagUpsert   byte = 0x01
	tagRemove   byte = 0x02
	tagFullSync byte = 0x03

	tagAuthChallenge byte = 0x10
	tagAuthResponse  byte = 0x11
	tagAuthAck       byte = 0x12
)

// errShortMessage is returned when a wire message is truncated.
var errShortMessage = fmt.Errorf("gossip: message too short")

// EncodeMutation serializes a Mutation as an Upsert or Remove wire
// message.
func EncodeMutation(m types.Mutation) []byte {
	var tag byte
	switch m.Kind {
	case types.MutationUpsert:
		tag = tagUpsert
	case types.MutationRemove:
		tag = tagRemove
	default:
		panic("gossip: unknown mutation kind")
	}

	buf := &bytes.Buffer{}
	buf.WriteByte(tag)
	writeName(buf, m.Name)
	writeAddress(buf, m.Address)
	buf.Write(m.Origin[:])
	writeUint64(buf, m.TS)
	return buf.Bytes()
}

// EncodeFullSync serializes a full registry snapshot as sent by sender
// on join. The snapshot can (and typically does) contain bindings
// originated by many different peers, transitively gossiped to sender
// before this join; each entry therefore carries its own origin rather
// than inheriting the envelope's.
func EncodeFullSync(sender types.PeerID, seq uint64, bindings []types.Binding) []byte {
	buf := &bytes.Buffer{}
	buf.WriteByte(tagFullSync)
	buf.Write(sender[:])
	writeUint64(buf, seq)
	writeUint32(buf, uint32(len(bindings)))
	for _, b := range bindings {
		writeName(buf, b.Name)
		writeAddress(buf, b.Address)
		buf.Write(b.Origin[:])
		writeUint64(buf, b.TS)
	}
	return buf.Bytes()
}

// FullSyncBatch is the decoded form of a 0x03 FullSync message. Sender
// identifies who sent the snapshot, which need not match any individual
// binding's Origin.
type FullSyncBatch struct {
	Sender   types.PeerID
	Seq      uint64
	Bindings []types.Binding
}

// Decode inspects the leading tag byte and decodes the rest of the
// message accordingly. It returns exactly one of a Mutation or a
// FullSyncBatch, or an error if the message is malformed.
func Decode(msg []byte) (mutation *types.Mutation, batch *FullSyncBatch, err error) {
	if len(msg) < 1 {
		return nil, nil, errShortMessage
	}
	tag := msg[0]
	body := msg[1:]

	switch tag {
	case tagUpsert, tagRemove:
		m, err := decodeMutation(tag, body)
		if err != nil {
			return nil, nil, err
		}
		return &m, nil, nil
	case tagFullSync:
		b, err := decodeFullSync(body)
		if err != nil {
			return nil, nil, err
		}
		return nil, &b, nil
	default:
		return nil, nil, fmt.Errorf("gossip: unknown message tag 0x%02x", tag)
	}
}

func decodeMutation(tag byte, body []byte) (types.Mutation, error) {
	r := bytes.NewReader(body)

	name, err := readName(r)
	if err != nil {
		return types.Mutation{}, err
	}
	addr, err := readAddress(r)
	if err != nil {
		return types.Mutation{}, err
	}
	var origin types.PeerID
	if _, err := readFull(r, origin[:]); err != nil {
		return types.Mutation{}, err
	}
	ts, err := readUint64(r)
	if err != nil {
		return types.Mutation{}, err
	}

	kind := types.MutationUpsert
	if tag == tagRemove {
		kind = types.MutationRemove
	}
	return types.Mutation{Kind: kind, Name: name, Address: addr, Origin: origin, TS: ts}, nil
}

func decodeFullSync(body []byte) (FullSyncBatch, error) {
	r := bytes.NewReader(body)

	var sender types.PeerID
	if _, err := readFull(r, sender[:]); err != nil {
		return FullSyncBatch{}, err
	}
	seq, err := readUint64(r)
	if err != nil {
		return FullSyncBatch{}, err
	}
	count, err := readUint32(r)
	if err != nil {
		return FullSyncBatch{}, err
	}

	bindings := make([]types.Binding, 0, count)
	for i := uint32(0); i < count; i++ {
		name, err := readName(r)
		if err != nil {
			return FullSyncBatch{}, err
		}
		addr, err := readAddress(r)
		if err != nil {
			return FullSyncBatch{}, err
		}
		var origin types.PeerID
		if _, err := readFull(r, origin[:]); err != nil {
			return FullSyncBatch{}, err
		}
		bts, err := readUint64(r)
		if err != nil {
			return FullSyncBatch{}, err
		}
		bindings = append(bindings, types.Binding{Name: name, Address: addr, Origin: origin, TS: bts})
	}
	return FullSyncBatch{Sender: sender, Seq: seq, Bindings: bindings}, nil
}

// AuthChallenge opens a handshake: the initiator names itself and hands
// over the nonce the responder must sign.
type AuthChallenge struct {
	Initiator types.PeerID
	Nonce     [32]byte
}

// AuthResponse answers a challenge: the responder names itself and
// proves knowledge of the shared secret over the challenge's nonce.
type AuthResponse struct {
	Responder types.PeerID
	MAC       [32]byte
}

// AuthAck closes the handshake: the initiator proves knowledge of the
// shared secret back to the responder, so both sides gain assurance.
type AuthAck struct {
	MAC [32]byte
}

func EncodeAuthChallenge(c AuthChallenge) []byte {
	buf := &bytes.Buffer{}
	buf.WriteByte(tagAuthChallenge)
	buf.Write(c.Initiator[:])
	buf.Write(c.Nonce[:])
	return buf.Bytes()
}

func EncodeAuthResponse(r AuthResponse) []byte {
	buf := &bytes.Buffer{}
	buf.WriteByte(tagAuthResponse)
	buf.Write(r.Responder[:])
	buf.Write(r.MAC[:])
	return buf.Bytes()
}

func EncodeAuthAck(a AuthAck) []byte {
	buf := &bytes.Buffer{}
	buf.WriteByte(tagAuthAck)
	buf.Write(a.MAC[:])
	return buf.Bytes()
}

// DecodeAuthChallenge, DecodeAuthResponse and DecodeAuthAck parse their
// respective fixed-size handshake messages, tag byte already stripped by
// the caller (see PeekTag).

func DecodeAuthChallenge(body []byte) (AuthChallenge, error) {
	if len(body) != 64 {
		return AuthChallenge{}, errShortMessage
	}
	var c AuthChallenge
	copy(c.Initiator[:], body[:32])
	copy(c.Nonce[:], body[32:])
	return c, nil
}

func DecodeAuthResponse(body []byte) (AuthResponse, error) {
	if len(body) != 64 {
		return AuthResponse{}, errShortMessage
	}
	var r AuthResponse
	copy(r.Responder[:], body[:32])
	copy(r.MAC[:], body[32:])
	return r, nil
}

func DecodeAuthAck(body []byte) (AuthAck, error) {
	if len(body) != 32 {
		return AuthAck{}, errShortMessage
	}
	var a AuthAck
	copy(a.MAC[:], body)
	return a, nil
}

// PeekTag returns the leading tag byte of a wire message along with its
// body (the message with the tag stripped), without committing to
// decoding any particular payload shape. Handshake messages are decoded
// through this seam because Decode only understands Upsert/Remove/
// FullSync.
func PeekTag(msg []byte) (tag byte, body []byte, err error) {
	if len(msg) < 1 {
		return 0, nil, errShortMessage
	}
	return msg[0], msg[1:], nil
}

// IsAuthTag reports whether tag identifies one of the three handshake
// message types.
func IsAuthTag(tag byte) bool {
	return tag == tagAuthChallenge || tag == tagAuthResponse || tag == tagAuthAck
}

const (
	// TagAuthChallenge etc. re-export the handshake tags for pkg/gossip's
	// adapter, which must switch on them before decoding.
	TagAuthChallenge = tagAuthChallenge
	TagAuthResponse  = tagAuthResponse
	TagAuthAck       = tagAuthAck
)

func writeName(buf *bytes.Buffer, n types.Name) {
	buf.WriteByte(byte(len(n)))
	buf.WriteString(string(n))
}

func writeAddress(buf *bytes.Buffer, a types.Address) {
	buf.WriteByte(byte(a.Family))
	buf.Write(a.Bytes())
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func readFull(r *bytes.Reader, dst []byte) (int, error) {
	n, err := r.Read(dst)
	if err != nil || n != len(dst) {
		return n, errShortMessage
	}
	return n, nil
}

func readName(r *bytes.Reader) (types.Name, error) {
	l, err := r.ReadByte()
	if err != nil {
		return "", errShortMessage
	}
	buf := make([]byte, l)
	if _, err := readFull(r, buf); err != nil {
		return "", err
	}
	return types.Name(buf), nil
}

func readAddress(r *bytes.Reader) (types.Address, error) {
	famByte, err := r.ReadByte()
	if err != nil {
		return types.Address{}, errShortMessage
	}
	fam := types.AddressFamily(famByte)
	var width int
	switch fam {
	case types.AddressFamilyIPv4:
		width = 4
	case types.AddressFamilyIPv6:
		width = 16
	default:
		return types.Address{}, fmt.Errorf("gossip: unknown address family %d", famByte)
	}
	buf := make([]byte, width)
	if _, err := readFull(r, buf); err != nil {
		return types.Address{}, err
	}
	return types.NewAddressFromBytes(fam, buf)
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := readFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readUint64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := readFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}
