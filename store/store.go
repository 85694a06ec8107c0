// Package store wraps an embedded pebble database behind the small
// transactional surface the market needs: point reads, prefix scans, and
// all-or-nothing write batches.
package store

import (
	"errors"

	"github.com/cockroachdb/pebble"
)

// Store owns the pebble database. One Store backs exactly one market
// instance; it is opened once at process start.
type Store struct {
	db *pebble.DB
}

// Open opens (or creates) the database in dir.
func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Get reads a committed key directly from the database.
func (s *Store) Get(key []byte) ([]byte, bool, error) {
	val, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()

	out := make([]byte, len(val))
	copy(out, val)
	return out, true, nil
}

// Scan visits committed keys in [lower, upper) in key order.
func (s *Store) Scan(lower, upper []byte, fn func(key, value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Begin starts a transaction. The returned Tx stages writes in an indexed
// batch: reads observe the staged writes merged over committed state, and
// nothing reaches the database until Commit. Discarding the Tx drops every
// staged mutation, which is how a failed operation unwinds.
func (s *Store) Begin() *Tx {
	return &Tx{batch: s.db.NewIndexedBatch()}
}

// Tx is a read-your-writes batch over the store.
type Tx struct {
	batch *pebble.Batch
	done  bool
}

// Get reads key through the batch, falling back to committed state.
func (tx *Tx) Get(key []byte) ([]byte, bool, error) {
	val, closer, err := tx.batch.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()

	out := make([]byte, len(val))
	copy(out, val)
	return out, true, nil
}

// Set stages a write.
func (tx *Tx) Set(key, value []byte) error {
	return tx.batch.Set(key, value, nil)
}

// Delete stages a deletion.
func (tx *Tx) Delete(key []byte) error {
	return tx.batch.Delete(key, nil)
}

// Scan visits keys in [lower, upper) through the batch in key order.
func (tx *Tx) Scan(lower, upper []byte, fn func(key, value []byte) error) error {
	iter, err := tx.batch.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Commit durably applies every staged write.
func (tx *Tx) Commit() error {
	if tx.done {
		return errors.New("store: commit on finished tx")
	}
	tx.done = true
	err := tx.batch.Commit(pebble.Sync)
	closeErr := tx.batch.Close()
	if err != nil {
		return err
	}
	return closeErr
}

// Discard drops the staged writes. Safe to call after Commit.
func (tx *Tx) Discard() {
	if tx.done {
		return
	}
	tx.done = true
	_ = tx.batch.Close()
}
