package repository

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"authority-tree/codec"
	"authority-tree/db"
	"authority-tree/models"
)

// Key prefixes
var (
	opPrefix       = []byte("op:")
	snapshotPrefix = []byte("snapshot:")
)

// It abstracts the storage layer from the operation log
type OpRepositoryInterface interface {
	PutOp(h models.Hash32, op models.AttestedOp) error
	GetOp(h models.Hash32) (*models.AttestedOp, error)
	DeleteOp(h models.Hash32) error
	GetAllOps() ([]models.AttestedOp, error)
	PutSnapshot(s *models.Snapshot) error
	GetLatestSnapshot() (*models.Snapshot, error)
}

// OpRepository implements OpRepositoryInterface over any db.Store.
// Operations are stored as CBOR; snapshots are CBOR compressed with zstd.
type OpRepository struct {
	db  db.Store
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewOpRepository creates and returns a new OpRepository instance
func NewOpRepository(store db.Store) (*OpRepository, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &OpRepository{db: store, enc: enc, dec: dec}, nil
}

func opKey(h models.Hash32) []byte {
	return append(append([]byte(nil), opPrefix...), h[:]...)
}

// snapshot keys sort by cut epoch
func snapshotKey(cut uint64) []byte {
	key := append([]byte(nil), snapshotPrefix...)
	return binary.BigEndian.AppendUint64(key, cut)
}

// PutOp stores an attested operation under its content hash
func (r *OpRepository) PutOp(h models.Hash32, op models.AttestedOp) error {
	data, err := codec.Marshal(op)
	if err != nil {
		return err
	}
	return r.db.Put(opKey(h), data)
}

// GetOp retrieves an operation by content hash
func (r *OpRepository) GetOp(h models.Hash32) (*models.AttestedOp, error) {
	data, err := r.db.Get(opKey(h))
	if err != nil {
		return nil, err
	}
	var op models.AttestedOp
	if err := codec.Unmarshal(data, &op); err != nil {
		return nil, err
	}
	return &op, nil
}

func (r *OpRepository) DeleteOp(h models.Hash32) error {
	err := r.db.Delete(opKey(h))
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	return err
}

// GetAllOps retrieves every stored operation in hash order
func (r *OpRepository) GetAllOps() ([]models.AttestedOp, error) {
	var ops []models.AttestedOp
	err := r.db.Iterate(opPrefix, func(_, value []byte) error {
		var op models.AttestedOp
		if err := codec.Unmarshal(value, &op); err != nil {
			return err
		}
		ops = append(ops, op)
		return nil
	})
	return ops, err
}

// PutSnapshot stores a committed snapshot keyed by its cut epoch
func (r *OpRepository) PutSnapshot(s *models.Snapshot) error {
	data, err := codec.Marshal(s)
	if err != nil {
		return err
	}
	return r.db.Put(snapshotKey(s.CutEpoch), r.enc.EncodeAll(data, nil))
}

// GetLatestSnapshot returns the snapshot with the highest cut, or nil when
// none has been committed
func (r *OpRepository) GetLatestSnapshot() (*models.Snapshot, error) {
	var latest []byte
	err := r.db.Iterate(snapshotPrefix, func(_, value []byte) error {
		latest = append(latest[:0], value...)
		return nil
	})
	if err != nil || latest == nil {
		return nil, err
	}
	data, err := r.dec.DecodeAll(latest, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing snapshot: %w", err)
	}
	var s models.Snapshot
	if err := codec.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
