package store

import (
	"github.com/dgraph-io/badger"
)

// BadgerStore persists node state in a Badger database under the data
// directory. It is the default store for the standalone daemon.
type BadgerStore struct {
	db   *badger.DB
	path string
}

// NewBadgerStore opens (or creates) the database at path.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	opts.SyncWrites = false
	handle, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: handle, path: path}, nil
}

// Path returns the database directory.
func (s *BadgerStore) Path() string { return s.path }

// Close flushes and closes the database.
func (s *BadgerStore) Close() error { return s.db.Close() }

func (s *BadgerStore) Get(name string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(name))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BadgerStore) Put(name string, data []byte, secure bool) error {
	if data == nil {
		return s.Delete(name)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(name), data)
	})
}

func (s *BadgerStore) Delete(name string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(name))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
}
