// Package auth implements the HMAC challenge/response handshake that
// gates a gossip peer's transition from Discovered to Ready. Every
// cluster member shares one pre-distributed secret (pkg/config's
// cluster_secret); knowledge of that secret is the only thing being
// proven, so the handshake is a single round of nonce-and-MAC exchange
// rather than a full authenticated key exchange.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/cuemby/gluedns/pkg/types"
)

// ackSuffix is appended to the ack MAC's input so that a response MAC
// can never be replayed as a valid ack, even though both are HMACs over
// data containing the same nonce.
var ackSuffix = []byte("ack")

// Authenticator computes and verifies the two MACs of the handshake
// using the cluster's shared secret. It holds no per-peer state; peer
// state lives in pkg/gossip.
type Authenticator struct {
	secret []byte
}

// New constructs an Authenticator over the cluster secret. secret must
// be non-empty; an empty secret would make the handshake meaningless.
func New(secret []byte) (*Authenticator, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("auth: cluster secret is empty")
	}
	return &Authenticator{secret: secret}, nil
}

// NewChallenge draws a fresh 32-byte random nonce to open a handshake.
func NewChallenge() ([32]byte, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nonce, fmt.Errorf("auth: read random nonce: %w", err)
	}
	return nonce, nil
}

// Response computes the MAC a peer sends back after receiving a
// challenge: HMAC(secret, nonce || responder_peer_id).
func (a *Authenticator) Response(nonce [32]byte, responder types.PeerID) [32]byte {
	return a.mac(nonce[:], responder[:])
}

// VerifyResponse checks a peer's response MAC in constant time.
func (a *Authenticator) VerifyResponse(nonce [32]byte, responder types.PeerID, got [32]byte) bool {
	want := a.Response(nonce, responder)
	return hmac.Equal(want[:], got[:])
}

// Ack computes the MAC the challenger sends back once it has verified
// the response, so the responder also gets proof the challenger knows
// the secret: HMAC(secret, nonce || initiator_peer_id || "ack").
func (a *Authenticator) Ack(nonce [32]byte, initiator types.PeerID) [32]byte {
	return a.mac(nonce[:], initiator[:], ackSuffix)
}

// VerifyAck checks the challenger's ack MAC in constant time.
func (a *Authenticator) VerifyAck(nonce [32]byte, initiator types.PeerID, got [32]byte) bool {
	want := a.Ack(nonce, initiator)
	return hmac.Equal(want[:], got[:])
}

func (a *Authenticator) mac(parts ...[]byte) [32]byte {
	h := hmac.New(sha256.New, a.secret)
	for _, p := range parts {
		h.Write(p)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
