package pebbledb

import (
	"bytes"
	"errors"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/fxamacker/cbor/v2"

	"github.com/x-xyz/bidengine/base/log"
)

var (
	// ErrNotFound is returned when the key does not exist
	ErrNotFound = errors.New("pebble: key not found")

	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = (cbor.EncOptions{Time: cbor.TimeRFC3339Nano}).EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic(err)
	}
}

// DB is an embedded key value store holding cbor encoded records
type DB struct {
	*pebble.DB
}

// MustOpen opens the store at dir and panics on failure
func MustOpen(dir string) *DB {
	db, err := Open(dir)
	if err != nil {
		log.Log().WithFields(log.Fields{"dir": dir, "err": err}).Panic("fail to open pebble")
	}
	return db
}

func Open(dir string) (*DB, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &DB{db}, nil
}

// OpenInMemory opens a store that lives only as long as the process
func OpenInMemory() (*DB, error) {
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, err
	}
	return &DB{db}, nil
}

func Marshal(v interface{}) ([]byte, error) {
	return encMode.Marshal(v)
}

func Unmarshal(data []byte, v interface{}) error {
	return decMode.Unmarshal(data, v)
}

// GetRecord decodes the record stored at key into v
func (db *DB) GetRecord(key []byte, v interface{}) error {
	val, closer, err := db.Get(key)
	if err == pebble.ErrNotFound {
		return ErrNotFound
	} else if err != nil {
		return err
	}
	defer closer.Close()

	return Unmarshal(val, v)
}

// Exists reports whether key is present
func (db *DB) Exists(key []byte) (bool, error) {
	_, closer, err := db.Get(key)
	if err == pebble.ErrNotFound {
		return false, nil
	} else if err != nil {
		return false, err
	}
	closer.Close()
	return true, nil
}

// Scan calls fn with every key and value under prefix in key order, until fn
// returns false. Values are only valid during the call.
func (db *DB) Scan(prefix []byte, fn func(key, value []byte) (bool, error)) error {
	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: UpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		cont, err := fn(iter.Key(), iter.Value())
		if err != nil {
			return err
		}
		if !cont {
			break
		}
	}
	return iter.Error()
}

// UpperBound returns the smallest key greater than every key with prefix
func UpperBound(prefix []byte) []byte {
	end := append([]byte{}, prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
