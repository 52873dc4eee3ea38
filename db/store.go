// Package db provides the key-value engines a replica persists to
package db

import (
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("not found")

// Store is the minimal ordered key-value surface the repository needs.
// Keys and values passed to Iterate's callback are only valid during the
// call.
type Store interface {
	Put(key, value []byte) error
	Get(key []byte) ([]byte, error)
	Delete(key []byte) error
	Iterate(prefix []byte, fn func(key, value []byte) error) error
	Close() error
}

// Engine names accepted by Open
const (
	EngineLevelDB = "leveldb"
	EnginePebble  = "pebble"
	EngineMemory  = "memory"
)

// Open opens the named engine at path
func Open(engine, path string) (Store, error) {
	switch engine {
	case EngineLevelDB, "":
		return NewLevelDB(path)
	case EnginePebble:
		return NewPebble(path)
	case EngineMemory:
		return NewMemLevelDB()
	default:
		return nil, fmt.Errorf("unknown storage engine %q", engine)
	}
}
