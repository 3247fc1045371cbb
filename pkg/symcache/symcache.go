// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package symcache persists parsed symbol stores so repeated runs against
// the same kernel build skip the MSF parse. Entries are keyed by the symbol
// file's name, GUID and age, which together identify a build exactly.
package symcache

import (
	"encoding/json"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/go-logr/logr"

	"github.com/antimetal/poolview/pkg/errors"
	"github.com/antimetal/poolview/pkg/pdb"
)

type Cache struct {
	db     *badger.DB
	logger logr.Logger
}

// Open opens (or creates) the cache at dir. An empty dir opens an in-memory
// cache, which tests use.
func Open(dir string, logger logr.Logger) (*Cache, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open symbol cache: %w", err)
	}
	return &Cache{db: db, logger: logger.WithName("symcache")}, nil
}

func key(name, guid string, age uint32) []byte {
	return []byte(fmt.Sprintf("pdb/%s/%s/%d", name, guid, age))
}

// Get returns the cached store for a build, or (nil, false, nil) on a miss.
func (c *Cache) Get(name, guid string, age uint32) (*pdb.Store, bool, error) {
	var raw []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(name, guid, age))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read symbol cache: %w", err)
	}

	var store pdb.Store
	if err := json.Unmarshal(raw, &store); err != nil {
		// A corrupt entry behaves as a miss; the caller reparses and Put
		// overwrites it.
		c.logger.V(1).Info("discarding corrupt cache entry", "name", name, "guid", guid)
		return nil, false, nil
	}
	c.logger.V(1).Info("symbol cache hit", "name", name, "guid", guid, "age", age)
	return &store, true, nil
}

// Put stores a parsed symbol store under its build identity.
func (c *Cache) Put(store *pdb.Store) error {
	raw, err := json.Marshal(store)
	if err != nil {
		return fmt.Errorf("failed to encode symbol store: %w", err)
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(store.Name, store.GUID, store.Age), raw)
	})
	if err != nil {
		return fmt.Errorf("failed to write symbol cache: %w", err)
	}
	return nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}
