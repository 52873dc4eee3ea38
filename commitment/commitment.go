// Package commitment computes the domain-separated BLAKE3 hashes that bind
// tree shape, policies and epochs into a single tree commitment, plus the
// content addresses and signing messages derived from operations.
//
// Input orderings are part of the interoperable format. Every integer is
// little-endian and every hash starts with its own domain prefix so that
// commitments never collide across node kinds or epochs.
package commitment

import (
	"encoding/binary"
	"sync"

	"github.com/zeebo/blake3"

	"authority-tree/codec"
	"authority-tree/models"
	"authority-tree/policy"
)

// Domain prefixes
const (
	domainLeaf      = "AUTHTREE_LEAF"
	domainBlankLeaf = "AUTHTREE_BLANK_LEAF"
	domainBranch    = "AUTHTREE_BRANCH"
	domainInner     = "AUTHTREE_INNER"
	domainRoot      = "AUTHTREE_ROOT"
	domainPolicy    = "AUTHTREE_POLICY"
	domainMetadata  = "AUTHTREE_METADATA"
	domainTreeOp    = "AUTHTREE_TREE_OP"
	domainAttested  = "AUTHTREE_ATTESTED_OP"
	domainOpSig     = "AUTHTREE_OP_SIG"
	domainSnapshot  = "AUTHTREE_SNAPSHOT_SIG"
	domainImage     = "AUTHTREE_STATE_IMAGE"
	domainRecovery  = "AUTHTREE_RECOVERIES"
	domainOpSet     = "AUTHTREE_OP_SET"
)

// Version is mixed into leaf and branch commitments
const Version uint16 = 1

var hasherPool = sync.Pool{
	New: func() any {
		return blake3.New()
	},
}

type hasher struct {
	h   *blake3.Hasher
	buf [8]byte
}

func newHasher(domain string) *hasher {
	h := hasherPool.Get().(*blake3.Hasher)
	h.Reset()
	hs := &hasher{h: h}
	hs.bytes([]byte(domain))
	return hs
}

func (hs *hasher) u8(v uint8) { hs.h.Write([]byte{v}) }

func (hs *hasher) u16(v uint16) {
	binary.LittleEndian.PutUint16(hs.buf[:2], v)
	hs.h.Write(hs.buf[:2])
}

func (hs *hasher) u32(v uint32) {
	binary.LittleEndian.PutUint32(hs.buf[:4], v)
	hs.h.Write(hs.buf[:4])
}

func (hs *hasher) u64(v uint64) {
	binary.LittleEndian.PutUint64(hs.buf[:], v)
	hs.h.Write(hs.buf[:])
}

// bytes writes a length-prefixed byte string
func (hs *hasher) bytes(b []byte) {
	hs.u32(uint32(len(b)))
	hs.h.Write(b)
}

func (hs *hasher) hash(h models.Hash32) { hs.h.Write(h[:]) }

func (hs *hasher) sum() models.Hash32 {
	var out models.Hash32
	copy(out[:], hs.h.Sum(nil))
	hasherPool.Put(hs.h)
	hs.h = nil
	return out
}

// PolicyHash binds a policy's kind and parameters
func PolicyHash(p policy.Policy) models.Hash32 {
	hs := newHasher(domainPolicy)
	hs.u8(uint8(p.Kind))
	hs.u16(p.M)
	hs.u16(p.N)
	return hs.sum()
}

func metadataHash(meta map[string]string) models.Hash32 {
	hs := newHasher(domainMetadata)
	if len(meta) == 0 {
		return hs.sum()
	}
	// CBOR core deterministic encoding sorts the keys
	hs.bytes(codec.MustMarshal(meta))
	return hs.sum()
}

// CommitLeaf commits to an active leaf at the given subtree epoch
func CommitLeaf(leaf models.LeafNode, epoch uint64) models.Hash32 {
	meta := metadataHash(leaf.Metadata)
	hs := newHasher(domainLeaf)
	hs.u16(Version)
	hs.u32(uint32(leaf.LeafID))
	hs.u64(epoch)
	hs.u8(uint8(leaf.Role))
	hs.bytes(leaf.PublicKey)
	hs.hash(meta)
	return hs.sum()
}

// CommitBlankLeaf commits to a retired leaf. Only the id survives.
func CommitBlankLeaf(id models.LeafID, epoch uint64) models.Hash32 {
	hs := newHasher(domainBlankLeaf)
	hs.u16(Version)
	hs.u32(uint32(id))
	hs.u64(epoch)
	return hs.sum()
}

// CommitBranch commits to a branch given the commitments of the two halves
// of its ordered children.
func CommitBranch(node models.NodeIndex, epoch uint64, p policy.Policy, left, right models.Hash32) models.Hash32 {
	ph := PolicyHash(p)
	hs := newHasher(domainBranch)
	hs.u16(Version)
	hs.u32(uint32(node))
	hs.u64(epoch)
	hs.hash(ph)
	hs.hash(left)
	hs.hash(right)
	return hs.sum()
}

// CommitChildren folds pre-sorted child commitments into the left and right
// inputs of CommitBranch. The list is split in half (left gets the extra
// element) and each half is reduced pairwise. An empty half is the zero hash.
func CommitChildren(children []models.Hash32) (left, right models.Hash32) {
	if len(children) == 0 {
		return models.Hash32{}, models.Hash32{}
	}
	mid := (len(children) + 1) / 2
	return fold(children[:mid]), fold(children[mid:])
}

func fold(level []models.Hash32) models.Hash32 {
	switch len(level) {
	case 0:
		return models.Hash32{}
	case 1:
		return level[0]
	}
	mid := (len(level) + 1) / 2
	l, r := fold(level[:mid]), fold(level[mid:])
	hs := newHasher(domainInner)
	hs.hash(l)
	hs.hash(r)
	return hs.sum()
}

// PendingRecovery is the commitment input for one open recovery window
type PendingRecovery struct {
	ID       models.Hash32
	T0       uint64
	Cooldown uint64
}

// CommitRecoveries binds the open recovery windows, which must be sorted by ID
func CommitRecoveries(pending []PendingRecovery) models.Hash32 {
	hs := newHasher(domainRecovery)
	hs.u32(uint32(len(pending)))
	for _, p := range pending {
		hs.hash(p.ID)
		hs.u64(p.T0)
		hs.u64(p.Cooldown)
	}
	return hs.sum()
}

// CommitRoot is the tree commitment: the tree's content address
func CommitRoot(epoch uint64, rootBranch, recoveries models.Hash32) models.Hash32 {
	hs := newHasher(domainRoot)
	hs.u16(Version)
	hs.u64(epoch)
	hs.hash(rootBranch)
	hs.hash(recoveries)
	return hs.sum()
}

// HashTreeOp is the content address of an unsigned operation
func HashTreeOp(op models.TreeOp) models.Hash32 {
	hs := newHasher(domainTreeOp)
	hs.bytes(codec.MustMarshal(op))
	return hs.sum()
}

// HashOp is the content address of an attested operation. It keys the
// operation log and breaks ties between concurrent operations.
func HashOp(op models.AttestedOp) models.Hash32 {
	hs := newHasher(domainAttested)
	hs.bytes(codec.MustMarshal(op))
	return hs.sum()
}

// BindingMessage is what signers sign for op under ctx
func BindingMessage(ctx models.SigningContext, op models.TreeOp) []byte {
	opHash := HashTreeOp(op)
	hs := newHasher(domainOpSig)
	hs.u32(uint32(ctx.NodeID))
	hs.u64(ctx.Epoch)
	hs.hash(ctx.PolicyHash)
	hs.hash(opHash)
	out := hs.sum()
	return out[:]
}

// HashImage is the digest of an encoded state image
func HashImage(image []byte) models.Hash32 {
	hs := newHasher(domainImage)
	hs.bytes(image)
	return hs.sum()
}

// SnapshotMessage is what approvers sign for a snapshot cut
func SnapshotMessage(ctx models.SigningContext, cut uint64, treeCommitment, imageHash models.Hash32) []byte {
	hs := newHasher(domainSnapshot)
	hs.u32(uint32(ctx.NodeID))
	hs.u64(ctx.Epoch)
	hs.hash(ctx.PolicyHash)
	hs.u64(cut)
	hs.hash(treeCommitment)
	hs.hash(imageHash)
	out := hs.sum()
	return out[:]
}

// DigestSet summarizes a set of operation hashes, which must be sorted.
// Replicas with equal digests hold the same operations.
func DigestSet(hashes []models.Hash32) models.Hash32 {
	hs := newHasher(domainOpSet)
	hs.u64(uint64(len(hashes)))
	for _, h := range hashes {
		hs.hash(h)
	}
	return hs.sum()
}
