package leveldb

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
	"os"

	ldb "github.com/syndtr/goleveldb/leveldb"
	ldbopt "github.com/syndtr/goleveldb/leveldb/opt"
	ldbutil "github.com/syndtr/goleveldb/leveldb/util"

	"github.com/brunotm/plumber/store"
)

var (
	dopt *ldbopt.Options
	wopt *ldbopt.WriteOptions
	ropt *ldbopt.ReadOptions
)

// make sure we implement the needed interface
var _ store.Store = (*DB)(nil)

// DB is a durable, on-disk leveldb-backed key/value store. Unlike
// store/moss, its contents survive a process restart, so it suits any
// servlet whose persistent state must outlive the host process.
type DB struct {
	name string
	db   *ldb.DB
	path string
}

// Supplier returns a store.Supplier that opens (creating if absent) a
// leveldb database rooted at path, named name.
func Supplier(path, name string) store.Supplier {
	return func() (store.Store, error) {
		d := &DB{name: name, path: path}
		var err error
		d.db, err = ldb.OpenFile(d.path, dopt)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
}

// Name returns this store's name.
func (d *DB) Name() string { return d.name }

// Remove closes the store and deletes its on-disk files.
func (d *DB) Remove() (err error) {
	if err = d.Close(); err != nil {
		return err
	}
	return os.RemoveAll(d.path)
}

// Close releases the database handle.
func (d *DB) Close() (err error) {
	err = d.db.Close()
	d.db = nil
	return err
}

// Get returns the value stored for key, or store.ErrKeyNotFound.
func (d *DB) Get(key []byte) (value []byte, err error) {
	value, err = d.db.Get(key, ropt)
	if err == ldb.ErrNotFound {
		return nil, store.ErrKeyNotFound
	}
	return value, err
}

// Set stores value for key.
func (d *DB) Set(key, value []byte) (err error) {
	return d.db.Put(key, value, wopt)
}

// Delete removes key.
func (d *DB) Delete(key []byte) (err error) {
	return d.db.Delete(key, wopt)
}

// Range iterates the store within [from, to) in lexicographical order.
// A nil from or to opens the range to the start or end of the store.
func (d *DB) Range(from, to []byte, cb func(key, value []byte) error) (err error) {
	rng := &ldbutil.Range{Start: from, Limit: to}
	iter := d.db.NewIterator(rng, ropt)
	defer iter.Release()

	for iter.Next() {
		if err = cb(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

// RangePrefix iterates every key with the given prefix.
func (d *DB) RangePrefix(prefix []byte, cb func(key, value []byte) error) (err error) {
	iter := d.db.NewIterator(ldbutil.BytesPrefix(prefix), ropt)
	defer iter.Release()

	for iter.Next() {
		if err = cb(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}
