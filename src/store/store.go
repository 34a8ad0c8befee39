// Copyright 2021 Ilia Frenkel. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE.txt file.

// Package store defines a common interface that any concrete document
// storage must implement, along with the Document type it stores.
// It provides four implementations of store.Interface - MemDB, DiskStore,
// RedisStore and RecordStore.
//
// Stores keep the payload as opaque bytes. Compression, expiry checks and
// password verification belong to the caller, stores only make sure that a
// document is either fully written (metadata, payload and recent index) or
// reported as failed.
package store

import (
	"errors"
	"path/filepath"
	"strings"
	"time"
)

// DefaultRecentLimit is the size of the recent documents index.
const DefaultRecentLimit = 20

// MimeURLRedirect is a synthetic mime type for documents whose payload is
// a URL to redirect to.
const MimeURLRedirect = "url-redirect"

// Common store errors. Any other error returned by a store is a storage
// failure.
var (
	ErrNotFound  = errors.New("document not found")
	ErrKeyExists = errors.New("document key already exists")
)

// Interface defines methods that an implementation of a concrete storage
// must provide.
type Interface interface {
	Set(doc Document, payload []byte, skipExpire bool) error // store new document, never overwrites
	Get(key string, skipExpire bool) (Document, []byte, error) // get metadata and payload by key
	GetMetadata(keys []string) ([]*Document, error)            // get metadata, nil for missing keys
	GetRecent() ([]Document, error)                            // most recent documents first
	Delete(key string) error                                   // delete document by key
}

// Document is the metadata of a single stored document.
type Document struct {
	Key       string `json:"key" gorm:"primaryKey;column:id"`
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	Syntax    string `json:"syntax"`
	Mimetype  string `json:"mimetype"`
	Encoding  string `json:"encoding"`
	Time      int64  `json:"time" gorm:"index"`
	Expire    int64  `json:"expire,omitempty"`
	Onetime   bool   `json:"onetime"`
	Password  string `json:"password,omitempty"`
	Protected bool   `json:"protected" gorm:"-"`
}

// Expired reports whether the document expiry has passed at the given time.
func (d Document) Expired(now time.Time) bool {
	return d.Expire != 0 && d.Expire <= now.UnixMilli()
}

// ExpiresAt returns the expiry as time.Time, zero time means never.
func (d Document) ExpiresAt() time.Time {
	if d.Expire == 0 {
		return time.Time{}
	}
	return time.UnixMilli(d.Expire)
}

// Created returns the creation time.
func (d Document) Created() time.Time {
	return time.UnixMilli(d.Time)
}

// IsText reports whether the document holds text.
func (d Document) IsText() bool {
	return strings.HasPrefix(d.Mimetype, "text/")
}

// SyntaxFromName returns the file extension of name without the dot, it is
// used as a syntax highlighting hint.
func SyntaxFromName(name string) string {
	ext := filepath.Ext(name)
	if len(ext) < 2 {
		return ""
	}
	return ext[1:]
}

// pushRecent puts key in front of the list, removing any previous
// occurrence and trimming the list to limit.
func pushRecent(recent []string, key string, limit int) []string {
	res := make([]string, 0, len(recent)+1)
	res = append(res, key)
	for _, k := range recent {
		if k != key {
			res = append(res, k)
		}
	}
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res
}

// removeRecent returns the list without key.
func removeRecent(recent []string, key string) []string {
	res := recent[:0]
	for _, k := range recent {
		if k != key {
			res = append(res, k)
		}
	}
	return res
}
