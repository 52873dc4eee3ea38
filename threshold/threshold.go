// Package threshold is the cryptographic boundary of the authority tree.
// The tree core treats it as opaque: partial signatures go in, one
// aggregate signature comes out, and aggregates verify against a group key
// derived from the policy at a node.
package threshold

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrDuplicateSigner = errors.New("duplicate signer")
	ErrNoPartials      = errors.New("no partial signatures")
	ErrBadShare        = errors.New("invalid signing share")
	ErrNonCanonical    = errors.New("aggregate is not canonically encoded")
)

// Nonce is per-signature freshness. Signers never reuse a nonce under the
// same signing context.
type Nonce [32]byte

// Share is one signer's secret material
type Share struct {
	Signer     uint32
	PrivateKey []byte
}

// Partial is one signer's contribution toward an aggregate signature
type Partial struct {
	Signer    uint32 `json:"signer"`
	Nonce     Nonce  `json:"nonce"`
	Signature []byte `json:"signature"`
}

// Signature is an encoded aggregate
type Signature []byte

// Member is one public key in a signing group
type Member struct {
	ID        uint32
	PublicKey []byte
}

// GroupKey is the verification key implied by a policy: the active members
// under a node and how many of them must sign.
type GroupKey struct {
	Members   []Member
	Threshold int
}

// Member returns the member with the given id
func (g GroupKey) Member(id uint32) (Member, bool) {
	for _, m := range g.Members {
		if m.ID == id {
			return m, true
		}
	}
	return Member{}, false
}

// Scheme is the opaque signing interface consumed by the tree core
type Scheme interface {
	SignPartial(share Share, msg []byte, nonce Nonce) (Partial, error)
	VerifyPartial(publicKey []byte, msg []byte, part Partial) bool
	Aggregate(parts []Partial) (Signature, error)
	VerifyAggregate(group GroupKey, msg []byte, sig Signature) bool
	// Signers reports how many distinct partials an aggregate carries
	Signers(sig Signature) (int, error)
	// Nonces returns the per-signer nonces bound into an aggregate
	Nonces(sig Signature) ([]Nonce, error)
}

// NewNonce draws a fresh nonce mixed with the binding it will be used under
func NewNonce(binding []byte) (Nonce, error) {
	var seed [32]byte
	if _, err := io.ReadFull(rand.Reader, seed[:]); err != nil {
		return Nonce{}, fmt.Errorf("reading nonce entropy: %w", err)
	}
	h := blake3.New()
	h.Write([]byte("AUTHTREE_NONCE"))
	h.Write(binding)
	h.Write(seed[:])
	var n Nonce
	copy(n[:], h.Sum(nil))
	return n, nil
}

// DeriveSeed expands a replica secret into the 32-byte key seed for signer.
// The same secret and signer always produce the same seed.
func DeriveSeed(secret []byte, signer uint32) ([]byte, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("%w: secret shorter than 16 bytes", ErrBadShare)
	}
	var info [4]byte
	binary.LittleEndian.PutUint32(info[:], signer)
	reader := hkdf.New(sha256.New, secret, []byte("authtree-share-v1"), info[:])
	seed := make([]byte, 32)
	if _, err := io.ReadFull(reader, seed); err != nil {
		return nil, fmt.Errorf("deriving share seed: %w", err)
	}
	return seed, nil
}
