package threshold

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"sort"

	"github.com/oasisprotocol/curve25519-voi/primitives/ed25519"

	"authority-tree/codec"
)

// Ed25519 is a threshold multi-signature: each partial is an ed25519
// signature over msg‖nonce and the aggregate is the deterministic set of
// distinct partials. It verifies with a batch verifier.
type Ed25519 struct{}

var _ Scheme = Ed25519{}

type aggregate struct {
	Parts []Partial `json:"parts"`
}

// GenerateShare creates a fresh key pair for signer
func GenerateShare(signer uint32) (Share, []byte, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Share{}, nil, fmt.Errorf("generating key: %w", err)
	}
	return Share{Signer: signer, PrivateKey: priv}, pub, nil
}

// ShareFromSecret derives signer's key pair from a replica secret
func ShareFromSecret(secret []byte, signer uint32) (Share, []byte, error) {
	seed, err := DeriveSeed(secret, signer)
	if err != nil {
		return Share{}, nil, err
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return Share{Signer: signer, PrivateKey: priv}, pub, nil
}

func payload(msg []byte, nonce Nonce) []byte {
	out := make([]byte, 0, len(msg)+len(nonce))
	out = append(out, msg...)
	return append(out, nonce[:]...)
}

func (Ed25519) SignPartial(share Share, msg []byte, nonce Nonce) (Partial, error) {
	if len(share.PrivateKey) != ed25519.PrivateKeySize {
		return Partial{}, fmt.Errorf("%w: key is %d bytes", ErrBadShare, len(share.PrivateKey))
	}
	sig := ed25519.Sign(ed25519.PrivateKey(share.PrivateKey), payload(msg, nonce))
	return Partial{Signer: share.Signer, Nonce: nonce, Signature: sig}, nil
}

func (Ed25519) VerifyPartial(publicKey []byte, msg []byte, part Partial) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(part.Signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), payload(msg, part.Nonce), part.Signature)
}

func (Ed25519) Aggregate(parts []Partial) (Signature, error) {
	if len(parts) == 0 {
		return nil, ErrNoPartials
	}
	sorted := append([]Partial(nil), parts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Signer < sorted[j].Signer })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Signer == sorted[i-1].Signer {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateSigner, sorted[i].Signer)
		}
	}
	data, err := codec.Marshal(aggregate{Parts: sorted})
	if err != nil {
		return nil, fmt.Errorf("encoding aggregate: %w", err)
	}
	return data, nil
}

// decodeAggregate only accepts the exact bytes Aggregate would produce, so
// one set of partials has exactly one encoding.
func decodeAggregate(sig Signature) ([]Partial, error) {
	var agg aggregate
	if err := codec.Unmarshal(sig, &agg); err != nil {
		return nil, fmt.Errorf("decoding aggregate: %w", err)
	}
	again, err := codec.Marshal(agg)
	if err != nil || !bytes.Equal(again, sig) {
		return nil, ErrNonCanonical
	}
	if len(agg.Parts) == 0 {
		return nil, ErrNoPartials
	}
	for i := 1; i < len(agg.Parts); i++ {
		if agg.Parts[i].Signer <= agg.Parts[i-1].Signer {
			return nil, fmt.Errorf("%w: aggregate not strictly ordered at %d", ErrDuplicateSigner, agg.Parts[i].Signer)
		}
	}
	return agg.Parts, nil
}

func (Ed25519) Signers(sig Signature) (int, error) {
	parts, err := decodeAggregate(sig)
	if err != nil {
		return 0, err
	}
	return len(parts), nil
}

func (Ed25519) Nonces(sig Signature) ([]Nonce, error) {
	parts, err := decodeAggregate(sig)
	if err != nil {
		return nil, err
	}
	out := make([]Nonce, len(parts))
	for i, part := range parts {
		out[i] = part.Nonce
	}
	return out, nil
}

func (Ed25519) VerifyAggregate(group GroupKey, msg []byte, sig Signature) bool {
	if group.Threshold <= 0 {
		return false
	}
	parts, err := decodeAggregate(sig)
	if err != nil || len(parts) < group.Threshold {
		return false
	}

	verifier := ed25519.NewBatchVerifierWithCapacity(len(parts))
	for _, part := range parts {
		member, ok := group.Member(part.Signer)
		if !ok || len(member.PublicKey) != ed25519.PublicKeySize {
			return false
		}
		if len(part.Signature) != ed25519.SignatureSize {
			return false
		}
		verifier.Add(ed25519.PublicKey(member.PublicKey), payload(msg, part.Nonce), part.Signature)
	}
	ok, _ := verifier.Verify(nil)
	return ok
}
