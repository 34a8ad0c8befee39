// Copyright 2021 Ilia Frenkel. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE.txt file.

package store

import (
	"errors"
	"fmt"

	"github.com/go-pkgz/lgr"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// DocumentBlob is the payload of a document, attached to its metadata
// record by key.
type DocumentBlob struct {
	Key  string `gorm:"primaryKey;column:id"`
	Data []byte
}

// RecordStore is an SQL database storage that implements the
// store.Interface. Metadata is stored in the documents table and the
// payload in document_blobs. The database can't expire records, expiry is
// left to the reader.
type RecordStore struct {
	db    *gorm.DB
	limit int
	log   lgr.L
}

// Fail if the struct does not match the Interface.
var _ = Interface(&RecordStore{})

// NewPostgresDB initialises a new instance of RecordStore backed by
// Postgres. It tries to establish a database connection specified by conn
// and if autoMigrate is true it will try and create/alter all the tables.
func NewPostgresDB(conn string, autoMigrate bool, limit int, log lgr.L) (*RecordStore, error) {
	rs, err := NewRecordStore(postgres.Open(conn), autoMigrate, limit, log)
	if err != nil {
		return nil, fmt.Errorf("NewPostgresDB: %w", err)
	}
	return rs, nil
}

// NewRecordStore opens a database with the given gorm dialector.
func NewRecordStore(dialector gorm.Dialector, autoMigrate bool, limit int, log lgr.L) (*RecordStore, error) {
	if log == nil {
		log = lgr.NoOp
	}
	if limit <= 0 {
		limit = DefaultRecentLimit
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("NewRecordStore: failed to establish database connection: %w", err)
	}
	if autoMigrate {
		err = db.AutoMigrate(&Document{}, &DocumentBlob{})
	} else {
		if d, e := db.DB(); e == nil {
			err = d.Ping()
		} else {
			err = e
		}
	}
	if err != nil {
		return nil, fmt.Errorf("NewRecordStore: %w", err)
	}

	return &RecordStore{db: db, limit: limit, log: log}, nil
}

// Set creates the metadata record and its blob in one transaction.
func (rs *RecordStore) Set(doc Document, payload []byte, _ bool) error {
	err := rs.db.Transaction(func(tx *gorm.DB) error {
		var existing Document
		res := tx.Limit(1).Find(&existing, "id = ?", doc.Key)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			return ErrKeyExists
		}
		if err := tx.Create(&doc).Error; err != nil {
			return err
		}
		return tx.Create(&DocumentBlob{Key: doc.Key, Data: payload}).Error
	})
	if err != nil {
		if errors.Is(err, ErrKeyExists) {
			return fmt.Errorf("RecordStore.Set: %w: %s", ErrKeyExists, doc.Key)
		}
		return fmt.Errorf("RecordStore.Set: %w", err)
	}
	return nil
}

// Get returns a document and its payload by key.
func (rs *RecordStore) Get(key string, _ bool) (Document, []byte, error) {
	var doc Document
	res := rs.db.Limit(1).Find(&doc, "id = ?", key)
	if res.Error != nil {
		return Document{}, nil, fmt.Errorf("RecordStore.Get: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return Document{}, nil, fmt.Errorf("RecordStore.Get: %w: %s", ErrNotFound, key)
	}

	var blob DocumentBlob
	res = rs.db.Limit(1).Find(&blob, "id = ?", key)
	if res.Error != nil {
		return Document{}, nil, fmt.Errorf("RecordStore.Get: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		rs.log.Logf("ERROR document %s has metadata but no payload", key)
		return Document{}, nil, fmt.Errorf("RecordStore.Get: %w: %s", ErrNotFound, key)
	}

	return doc, blob.Data, nil
}

// GetMetadata returns metadata for each key, nil for missing keys.
func (rs *RecordStore) GetMetadata(keys []string) ([]*Document, error) {
	res := make([]*Document, len(keys))
	if len(keys) == 0 {
		return res, nil
	}

	var docs []Document
	if err := rs.db.Where("id IN ?", keys).Find(&docs).Error; err != nil {
		return nil, fmt.Errorf("RecordStore.GetMetadata: %w", err)
	}

	byKey := make(map[string]Document, len(docs))
	for _, d := range docs {
		byKey[d.Key] = d
	}
	for i, k := range keys {
		if d, ok := byKey[k]; ok {
			res[i] = &d
		}
	}
	return res, nil
}

// GetRecent returns the newest documents.
func (rs *RecordStore) GetRecent() ([]Document, error) {
	docs := []Document{}
	if err := rs.db.Order("time desc").Limit(rs.limit).Find(&docs).Error; err != nil {
		return nil, fmt.Errorf("RecordStore.GetRecent: %w", err)
	}
	return docs, nil
}

// Delete deletes a document and its payload by key.
func (rs *RecordStore) Delete(key string) error {
	if key == "" {
		return fmt.Errorf("RecordStore.Delete: key cannot be empty")
	}
	err := rs.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&Document{}, "id = ?", key)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.Delete(&DocumentBlob{}, "id = ?", key).Error
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("RecordStore.Delete: %w: %s", ErrNotFound, key)
		}
		return fmt.Errorf("RecordStore.Delete: %w", err)
	}
	return nil
}
