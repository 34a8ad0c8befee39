// Copyright 2021 Ilia Frenkel. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE.txt file.

package store

import (
	"fmt"
	"sync"
)

type memEntry struct {
	doc     Document
	payload []byte
}

// MemDB is a memory storage that implements the store.Interface.
// Because it's a transient storage you will loose all the data once the
// process exits. It's not completely useless though. You can use it when a
// temporary sharing is needed or in tests.
type MemDB struct {
	docs   map[string]memEntry
	recent []string
	limit  int
	sync.RWMutex
}

// Fail if the struct does not match the Interface.
var _ = Interface(&MemDB{})

// NewMemDB initialises and returns an instance of MemDB. The recent index
// holds at most limit keys, DefaultRecentLimit is used if limit is 0.
func NewMemDB(limit int) *MemDB {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	return &MemDB{
		docs:  make(map[string]memEntry),
		limit: limit,
	}
}

// Set stores a new document. MemDB has no expiry of its own so skipExpire
// is ignored.
func (m *MemDB) Set(doc Document, payload []byte, _ bool) error {
	m.Lock()
	defer m.Unlock()

	if _, ok := m.docs[doc.Key]; ok {
		return fmt.Errorf("MemDB.Set: %w: %s", ErrKeyExists, doc.Key)
	}
	data := make([]byte, len(payload))
	copy(data, payload)
	m.docs[doc.Key] = memEntry{doc: doc, payload: data}
	m.recent = pushRecent(m.recent, doc.Key, m.limit)

	return nil
}

// Get returns a document by key.
func (m *MemDB) Get(key string, _ bool) (Document, []byte, error) {
	m.RLock()
	defer m.RUnlock()

	e, ok := m.docs[key]
	if !ok {
		return Document{}, nil, fmt.Errorf("MemDB.Get: %w: %s", ErrNotFound, key)
	}
	return e.doc, e.payload, nil
}

// GetMetadata returns metadata for each key, nil for missing keys.
func (m *MemDB) GetMetadata(keys []string) ([]*Document, error) {
	m.RLock()
	defer m.RUnlock()

	res := make([]*Document, len(keys))
	for i, k := range keys {
		if e, ok := m.docs[k]; ok {
			doc := e.doc
			res[i] = &doc
		}
	}
	return res, nil
}

// GetRecent returns the documents of the recent index.
func (m *MemDB) GetRecent() ([]Document, error) {
	m.RLock()
	defer m.RUnlock()

	docs := make([]Document, 0, len(m.recent))
	for _, k := range m.recent {
		if e, ok := m.docs[k]; ok {
			docs = append(docs, e.doc)
		}
	}
	return docs, nil
}

// Delete deletes a document by key.
func (m *MemDB) Delete(key string) error {
	m.Lock()
	defer m.Unlock()

	if _, ok := m.docs[key]; !ok {
		return fmt.Errorf("MemDB.Delete: %w: %s", ErrNotFound, key)
	}
	delete(m.docs, key)
	m.recent = removeRecent(m.recent, key)

	return nil
}

// Count returns the number of stored documents.
func (m *MemDB) Count() int {
	m.RLock()
	defer m.RUnlock()

	return len(m.docs)
}
