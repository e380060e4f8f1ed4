package moss

/*
   Copyright 2018 Bruno Moura <brunotm@gmail.com>

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

import (
	"bytes"

	"github.com/couchbase/moss"

	"github.com/brunotm/plumber/store"
)

var (
	ropts    = moss.ReadOptions{}
	wopts    = moss.WriteOptions{}
	iteropts = moss.IteratorOptions{}
)

// make sure we implement the needed interface
var _ store.Store = (*DB)(nil)

// DB is an in-memory key/value store backed by a moss.Collection. Its
// contents do not survive a process restart; use this for a node's
// per-run persistent state and store/leveldb for state that must.
type DB struct {
	name string
	db   moss.Collection
}

// Supplier returns a store.Supplier that opens a fresh in-memory
// collection named name on each call.
func Supplier(name string) store.Supplier {
	return func() (store.Store, error) {
		d := &DB{name: name}
		var err error
		d.db, err = moss.NewCollection(moss.DefaultCollectionOptions)
		if err != nil {
			return nil, err
		}
		if err := d.db.Start(); err != nil {
			return nil, err
		}
		return d, nil
	}
}

// Name returns this store's name.
func (d *DB) Name() string { return d.name }

// Remove closes the store and erases its contents. Since a moss
// collection only ever lives in memory, this is equivalent to Close.
func (d *DB) Remove() (err error) {
	return d.Close()
}

// Close releases the collection's resources.
func (d *DB) Close() (err error) {
	err = d.db.Close()
	d.db = nil
	return err
}

// Get returns the value stored for key, or store.ErrKeyNotFound.
func (d *DB) Get(key []byte) (value []byte, err error) {
	value, err = d.db.Get(key, ropts)
	if value == nil && err == nil {
		return nil, store.ErrKeyNotFound
	}
	return value, err
}

// Set stores value for key.
func (d *DB) Set(key, value []byte) (err error) {
	batch, err := d.db.NewBatch(1, len(key)+len(value))
	if err != nil {
		return err
	}
	defer batch.Close()

	if err = batch.Set(key, value); err != nil {
		return err
	}
	return d.db.ExecuteBatch(batch, wopts)
}

// Delete removes key. Moss returns a nil error for a non-existent key.
func (d *DB) Delete(key []byte) (err error) {
	batch, err := d.db.NewBatch(1, 0)
	if err != nil {
		return err
	}
	defer batch.Close()

	if err = batch.Del(key); err != nil {
		return err
	}
	return d.db.ExecuteBatch(batch, wopts)
}

// Range iterates the store within [from, to) in lexicographical order.
// A nil from or to opens the range to the start or end of the store.
func (d *DB) Range(from, to []byte, cb func(key, value []byte) error) (err error) {
	ss, err := d.db.Snapshot()
	if err != nil {
		return err
	}

	iter, err := ss.StartIterator(from, to, iteropts)
	if err != nil {
		return err
	}
	defer iter.Close()

	for {
		key, val, err := iter.Current()
		if err != nil {
			if err == moss.ErrIteratorDone {
				return nil
			}
			return err
		}
		if err = cb(key, val); err != nil {
			return err
		}
		iter.Next()
	}
}

// RangePrefix iterates every key with the given prefix.
func (d *DB) RangePrefix(prefix []byte, cb func(key, value []byte) error) (err error) {
	return d.Range(nil, nil, func(key, value []byte) error {
		if bytes.HasPrefix(key, prefix) {
			return cb(key, value)
		}
		return nil
	})
}
