// Package storage is the durable key-value backing store for vectors and
// their metadata, built on Badger. It is the source of truth: the in-memory
// graph is a derived index that can always be rebuilt from a Scan of the
// vector family.
package storage

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

var (
	// ErrNotFound is returned by Get and Delete for an absent id.
	ErrNotFound = errors.New("storage: key not found")
	// ErrStop can be returned from a Scan callback to end the scan early
	// without Scan reporting an error.
	ErrStop = errors.New("storage: stop scan")
)

// Engine wraps a Badger database holding the vec: and meta: families.
type Engine struct {
	db *badger.DB
}

// Open opens (or creates) the store in dir. inMemory is used by tests to
// avoid touching the filesystem.
func Open(dir string, inMemory bool) (*Engine, error) {
	opts := badger.DefaultOptions(dir).
		WithLogger(nil).
		WithInMemory(inMemory)
	if inMemory {
		opts.Dir = ""
		opts.ValueDir = ""
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("storage: open %q: %w", dir, err)
	}
	return &Engine{db: db}, nil
}

// Close flushes and closes the underlying database.
func (e *Engine) Close() error {
	if err := e.db.Close(); err != nil {
		return fmt.Errorf("storage: close: %w", err)
	}
	return nil
}

// Put writes a single record.
func (e *Engine) Put(f Family, id uint64, value []byte) error {
	err := e.db.Update(func(txn *badger.Txn) error {
		return txn.Set(encodeKey(f, id), value)
	})
	if err != nil {
		return fmt.Errorf("storage: put %s:%d: %w", f, id, err)
	}
	return nil
}

// Get reads a single record, returning ErrNotFound for an absent id.
func (e *Engine) Get(f Family, id uint64) ([]byte, error) {
	var value []byte
	err := e.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(encodeKey(f, id))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s:%d", ErrNotFound, f, id)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get %s:%d: %w", f, id, err)
	}
	return value, nil
}

// Delete removes a single record. Deleting an absent id is ErrNotFound so
// callers can distinguish "removed" from "was never there".
func (e *Engine) Delete(f Family, id uint64) error {
	err := e.db.Update(func(txn *badger.Txn) error {
		key := encodeKey(f, id)
		if _, err := txn.Get(key); err != nil {
			return err
		}
		return txn.Delete(key)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s:%d", ErrNotFound, f, id)
	}
	if err != nil {
		return fmt.Errorf("storage: delete %s:%d: %w", f, id, err)
	}
	return nil
}

// PutPair writes a vector record and its metadata document in one
// transaction, so a crash can never leave one without the other.
func (e *Engine) PutPair(id uint64, vec, meta []byte) error {
	err := e.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(encodeKey(FamilyVector, id), vec); err != nil {
			return err
		}
		return txn.Set(encodeKey(FamilyMeta, id), meta)
	})
	if err != nil {
		return fmt.Errorf("storage: put pair %d: %w", id, err)
	}
	return nil
}

// DeletePair removes both records of an id atomically. ErrNotFound if the
// vector record is absent.
func (e *Engine) DeletePair(id uint64) error {
	err := e.db.Update(func(txn *badger.Txn) error {
		vecKey := encodeKey(FamilyVector, id)
		if _, err := txn.Get(vecKey); err != nil {
			return err
		}
		if err := txn.Delete(vecKey); err != nil {
			return err
		}
		return txn.Delete(encodeKey(FamilyMeta, id))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: pair %d", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("storage: delete pair %d: %w", id, err)
	}
	return nil
}

// Has reports whether a record exists without copying its value.
func (e *Engine) Has(f Family, id uint64) (bool, error) {
	err := e.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(encodeKey(f, id))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage: has %s:%d: %w", f, id, err)
	}
	return true, nil
}

// Scan walks a family in ascending id order starting at fromID (inclusive)
// and calls fn for every record. Returning ErrStop from fn ends the scan
// cleanly; any other error aborts the scan and is returned, which lets an
// interrupted caller resume later from the last id it saw.
func (e *Engine) Scan(f Family, fromID uint64, fn func(id uint64, value []byte) error) error {
	prefix := familyPrefix(f)
	err := e.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(encodeKey(f, fromID)); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			id := decodeKeyID(item.Key(), f)
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(id, value); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, ErrStop) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("storage: scan %s: %w", f, err)
	}
	return nil
}

// Count returns the number of records in a family. Used by startup checks
// and metrics, not by the hot path.
func (e *Engine) Count(f Family) (int, error) {
	n := 0
	prefix := familyPrefix(f)
	err := e.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("storage: count %s: %w", f, err)
	}
	return n, nil
}
