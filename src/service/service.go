// Copyright 2021 Ilia Frenkel. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE.txt file.

// Package service provides methods to store and serve documents.
// Errors returned by the Service never carry storage details at the top
// level, match them with errors.Is against the exported Err* values.
// Storage failures are logged with full detail for operators.
package service

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"mime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-pkgz/lgr"
	"github.com/iliafrenkel/go-haste/src/keygen"
	"github.com/iliafrenkel/go-haste/src/store"
	"golang.org/x/crypto/bcrypt"
)

// ErrNotFound and other common errors.
var (
	ErrNotFound             = errors.New("document not found")
	ErrUnauthorized         = errors.New("document password is incorrect")
	ErrUnsupportedMediaType = errors.New("requested document does not support acceptable content-type")
	ErrTooLarge             = errors.New("document exceeds maximum length")
	ErrStoreFailure         = errors.New("store operation failed")
	ErrEmptyBody            = errors.New("body is empty")
	ErrWrongDuration        = errors.New("wrong duration format")
)

// DefaultKeyLength is used when Options.KeyLength is not set.
const DefaultKeyLength = 10

// Options configures a Service.
type Options struct {
	KeyLength   int // length of generated keys
	MaxLength   int // maximum length of a stored document envelope, 0 means no limit
	RecentLimit int // maximum number of documents returned by Recent
}

// DocumentRequest is an input to the Store method, normally comes from an
// HTTP request.
type DocumentRequest struct {
	Name     string `json:"name"`
	Syntax   string `json:"syntax"`
	Mimetype string `json:"mimetype"`
	Encoding string `json:"encoding"`
	Expires  string `json:"expire"`
	Onetime  bool   `json:"onetime"`
	Password string `json:"password"`
}

// ReadRequest describes who is reading a document and what they accept.
// Public reads are password checked, consume one-time documents and follow
// redirects, internal reads do none of that.
type ReadRequest struct {
	Public   bool
	Password string
	Accept   string
}

// Content is a document ready to be served.
type Content struct {
	Doc      store.Document
	Payload  []byte
	Redirect string // set for url-redirect documents on public reads
}

// Service type provides methods to work with documents.
type Service struct {
	store  store.Interface
	keys   keygen.Generator
	log    lgr.L
	opts   Options
	static map[string]struct{}
	now    func() time.Time
	sync.RWMutex
}

// New returns new Service with provided store as a back-end storage and
// gen as a source of document keys.
func New(st store.Interface, gen keygen.Generator, log lgr.L, opts Options) *Service {
	if log == nil {
		log = lgr.NoOp
	}
	if opts.KeyLength <= 0 {
		opts.KeyLength = DefaultKeyLength
	}
	if opts.RecentLimit <= 0 {
		opts.RecentLimit = store.DefaultRecentLimit
	}
	return &Service{
		store:  st,
		keys:   gen,
		log:    log,
		opts:   opts,
		static: make(map[string]struct{}),
		now:    time.Now,
	}
}

// parseExpiration tries to parse DocumentRequest.Expires string and return
// corresponding time.Time.
// We expect the expiration to be in the form of "nx" where "n" is a number
// and "x" is a time unit character: s for second, m for minute, h for hour,
// d for day, w for week, M for month and y for year. A bare number is a
// number of seconds. Empty string and "never" mean no expiration.
func (s *Service) parseExpiration(exp string, now time.Time) (time.Time, error) {
	if exp == "" || exp == "never" {
		return time.Time{}, nil
	}
	if n, err := strconv.Atoi(exp); err == nil {
		return addDuration(now, n, time.Second, exp)
	}
	if len(exp) < 2 {
		return time.Time{}, fmt.Errorf("Service.parseExpiration: %w: %s", ErrWrongDuration, exp)
	}
	dur, err := strconv.Atoi(exp[:len(exp)-1])
	if err != nil {
		return time.Time{}, fmt.Errorf("Service.parseExpiration: %w: %s (%v)", ErrWrongDuration, exp, err)
	}
	switch exp[len(exp)-1] {
	case 's': //seconds
		return addDuration(now, dur, time.Second, exp)
	case 'm': //minutes
		return addDuration(now, dur, time.Minute, exp)
	case 'h': //hours
		return addDuration(now, dur, time.Hour, exp)
	case 'd': //days
		return addDate(now, 0, 0, dur, 366, exp)
	case 'w': //weeks
		if dur > maxOffsetYears*53 || dur < -maxOffsetYears*53 {
			return time.Time{}, fmt.Errorf("Service.parseExpiration: %w: %s is out of range", ErrWrongDuration, exp)
		}
		return addDate(now, 0, 0, dur*7, 366, exp)
	case 'M': //months
		return addDate(now, 0, dur, 0, 12, exp)
	case 'y': //years
		return addDate(now, dur, 0, 0, 1, exp)
	}
	return time.Time{}, fmt.Errorf("Service.parseExpiration: %w: %s", ErrWrongDuration, exp)
}

// maxOffsetYears limits how far from now an expiration can be.
const maxOffsetYears = 1000

// addDuration adds n units to now. It fails when the offset overflows
// time.Duration.
func addDuration(now time.Time, n int, unit time.Duration, exp string) (time.Time, error) {
	if int64(n) > math.MaxInt64/int64(unit) || int64(n) < math.MinInt64/int64(unit) {
		return time.Time{}, fmt.Errorf("Service.parseExpiration: %w: %s is out of range", ErrWrongDuration, exp)
	}
	return now.Add(time.Duration(n) * unit), nil
}

// addDate is now.AddDate limited to maxOffsetYears in either direction,
// perYear is how many of the non-zero unit fit into a year.
func addDate(now time.Time, years, months, days, perYear int, exp string) (time.Time, error) {
	limit := maxOffsetYears * perYear
	for _, n := range []int{years, months, days} {
		if n > limit || n < -limit {
			return time.Time{}, fmt.Errorf("Service.parseExpiration: %w: %s is out of range", ErrWrongDuration, exp)
		}
	}
	return now.AddDate(years, months, days), nil
}

// redirectTarget returns the URL if payload is a single line that starts
// with http:// or https://. A trailing line break is allowed.
func redirectTarget(payload []byte) (string, bool) {
	line := strings.TrimSuffix(strings.TrimSuffix(string(payload), "\n"), "\r")
	if strings.ContainsAny(line, "\r\n") {
		return "", false
	}
	if !strings.HasPrefix(line, "http://") && !strings.HasPrefix(line, "https://") {
		return "", false
	}
	return strings.TrimSpace(line), true
}

// Store creates a new document from the payload and the request and saves
// it with a freshly generated key.
func (s *Service) Store(payload []byte, dr DocumentRequest) (store.Document, error) {
	doc, encoded, err := s.prepare(payload, dr)
	if err != nil {
		return store.Document{}, err
	}

	for {
		doc.Key = s.chooseKey()
		err = s.store.Set(doc, encoded, false)
		if errors.Is(err, store.ErrKeyExists) {
			s.log.Logf("DEBUG key %s was taken while storing, choosing another one", doc.Key)
			continue
		}
		break
	}
	if err != nil {
		s.log.Logf("ERROR failed to store document %s: %v", doc.Key, err)
		return store.Document{}, fmt.Errorf("Service.Store: %w", ErrStoreFailure)
	}

	s.log.Logf("DEBUG added document %s", doc.Key)
	return public(doc), nil
}

// StoreStatic stores a document under a fixed key without expiry. If a
// document with this key already exists it is left alone. Static
// documents are read with skipExpire so a store TTL never removes them.
func (s *Service) StoreStatic(key string, payload []byte, syntax string) error {
	s.Lock()
	s.static[key] = struct{}{}
	s.Unlock()

	if _, _, err := s.store.Get(key, true); err == nil {
		s.log.Logf("DEBUG not storing static document %s as it already exists", key)
		return nil
	}

	doc, encoded, err := s.prepare(payload, DocumentRequest{Name: key, Syntax: syntax})
	if err != nil {
		return err
	}
	doc.Key = key
	if err := s.store.Set(doc, encoded, true); err != nil && !errors.Is(err, store.ErrKeyExists) {
		s.log.Logf("ERROR failed to store static document %s: %v", key, err)
		return fmt.Errorf("Service.StoreStatic: %w", ErrStoreFailure)
	}
	return nil
}

// envelope is the form a document takes on the wire to the store, its
// length is what MaxLength limits.
type envelope struct {
	store.Document
	File string `json:"file"`
}

// prepare validates the request, builds the metadata and returns it along
// with the compressed payload. Compression happens before the size check
// and the size check happens before anything is stored.
func (s *Service) prepare(payload []byte, dr DocumentRequest) (store.Document, []byte, error) {
	if len(payload) == 0 {
		return store.Document{}, nil, ErrEmptyBody
	}

	now := s.now()
	expires, err := s.parseExpiration(dr.Expires, now)
	if err != nil {
		return store.Document{}, nil, fmt.Errorf("Service.Store: %w", err)
	}

	doc := store.Document{
		Name:     dr.Name,
		Size:     int64(len(payload)),
		Syntax:   dr.Syntax,
		Mimetype: dr.Mimetype,
		Encoding: dr.Encoding,
		Time:     now.UnixMilli(),
		Onetime:  dr.Onetime,
	}
	if !expires.IsZero() {
		doc.Expire = expires.UnixMilli()
	}
	if _, ok := redirectTarget(payload); ok {
		doc.Mimetype = store.MimeURLRedirect
	}
	if doc.Mimetype == "" {
		doc.Mimetype = "text/plain"
	}
	if doc.Encoding == "" {
		doc.Encoding = "utf-8"
	}
	if doc.Syntax == "" {
		doc.Syntax = store.SyntaxFromName(dr.Name)
	}
	// If password is not empty, hash it before storing
	if dr.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(dr.Password), bcrypt.DefaultCost)
		if err != nil {
			return store.Document{}, nil, fmt.Errorf("Service.Store: hashing password: %w", err)
		}
		doc.Password = string(hash)
	}

	encoded, err := compress(payload)
	if err != nil {
		s.log.Logf("ERROR compression failed: %v", err)
		return store.Document{}, nil, fmt.Errorf("Service.Store: %w", ErrStoreFailure)
	}

	if s.opts.MaxLength > 0 {
		env, err := json.Marshal(envelope{Document: doc, File: string(encoded)})
		if err != nil {
			return store.Document{}, nil, fmt.Errorf("Service.Store: %w: (%v)", ErrStoreFailure, err)
		}
		if len(env) > s.opts.MaxLength {
			s.log.Logf("WARN document > maxLength (%d > %d)", len(env), s.opts.MaxLength)
			return store.Document{}, nil, ErrTooLarge
		}
	}

	return doc, encoded, nil
}

// chooseKey keeps generating keys until one isn't taken. A store that
// can't be read is treated as if the key was free, the write that follows
// will tell.
func (s *Service) chooseKey() string {
	for {
		key := s.keys.CreateKey(s.opts.KeyLength)
		_, _, err := s.store.Get(key, true)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				s.log.Logf("WARN collision check for %s failed: %v", key, err)
			}
			return key
		}
	}
}

// stripExtension removes a file extension from the key, extensions are a
// client convenience and not part of the key.
func stripExtension(key string) string {
	if i := strings.IndexByte(key, '.'); i > 0 {
		return key[:i]
	}
	return key
}

func (s *Service) isStatic(key string) bool {
	s.RLock()
	defer s.RUnlock()
	_, ok := s.static[key]
	return ok
}

// storageKey maps a requested key to the stored one. Static documents are
// matched as is, so their keys may contain dots.
func (s *Service) storageKey(key string) string {
	if s.isStatic(key) {
		return key
	}
	return stripExtension(key)
}

// lookup loads a document, evicts it if it's expired and checks the
// password for public reads.
func (s *Service) lookup(key string, rr ReadRequest) (store.Document, []byte, error) {
	key = s.storageKey(key)
	doc, payload, err := s.store.Get(key, s.isStatic(key))
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.log.Logf("ERROR failed to get document %s: %v", key, err)
		}
		return store.Document{}, nil, fmt.Errorf("Service.Get: %w: key [%s]", ErrNotFound, key)
	}

	if doc.Expired(s.now()) {
		s.evict(key, "expired")
		return store.Document{}, nil, fmt.Errorf("Service.Get: %w: key [%s] expired", ErrNotFound, key)
	}

	if rr.Public && doc.Password != "" {
		if bcrypt.CompareHashAndPassword([]byte(doc.Password), []byte(rr.Password)) != nil {
			return store.Document{}, nil, fmt.Errorf("Service.Get: %w: key [%s]", ErrUnauthorized, key)
		}
	}

	return doc, payload, nil
}

// evict deletes a document as a side effect of a read. Failures are only
// logged, the read carries on.
func (s *Service) evict(key, reason string) {
	if err := s.store.Delete(key); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.log.Logf("ERROR failed to delete %s document %s: %v", reason, key, err)
		return
	}
	s.log.Logf("DEBUG deleted %s document %s", reason, key)
}

// Get returns a document with its decompressed payload. See ReadRequest
// for the difference between public and internal reads.
func (s *Service) Get(key string, rr ReadRequest) (Content, error) {
	doc, encoded, err := s.lookup(key, rr)
	if err != nil {
		return Content{}, err
	}

	if !acceptable(rr.Accept, doc.Mimetype) {
		s.log.Logf("WARN document content type is not allowed per request (requested %q, doctype %q)", rr.Accept, doc.Mimetype)
		return Content{}, fmt.Errorf("Service.Get: %w: %s", ErrUnsupportedMediaType, doc.Mimetype)
	}

	payload, err := decompress(encoded)
	if err != nil {
		s.log.Logf("ERROR failed to decompress document %s: %v", doc.Key, err)
		return Content{}, fmt.Errorf("Service.Get: %w: key [%s]", ErrNotFound, doc.Key)
	}

	c := Content{Doc: public(doc), Payload: payload}
	if rr.Public && doc.Mimetype == store.MimeURLRedirect {
		c.Redirect = strings.TrimSpace(string(payload))
	}
	if rr.Public && doc.Onetime {
		s.evict(doc.Key, "one-time")
	}

	return c, nil
}

// Metadata returns document metadata only. It never consumes one-time
// documents.
func (s *Service) Metadata(key string, rr ReadRequest) (store.Document, error) {
	doc, _, err := s.lookup(key, rr)
	if err != nil {
		return store.Document{}, err
	}
	return public(doc), nil
}

// Keys returns metadata for a list of keys in the same order, nil for
// documents that don't exist or have expired.
func (s *Service) Keys(keys []string) ([]*store.Document, error) {
	stripped := make([]string, len(keys))
	for i, k := range keys {
		stripped[i] = s.storageKey(k)
	}
	metas, err := s.store.GetMetadata(stripped)
	if err != nil {
		s.log.Logf("ERROR failed to get metadata: %v", err)
		return make([]*store.Document, len(keys)), nil
	}

	now := s.now()
	for i, m := range metas {
		if m == nil {
			continue
		}
		if m.Expired(now) {
			s.evict(m.Key, "expired")
			metas[i] = nil
			continue
		}
		d := public(*m)
		metas[i] = &d
	}
	return metas, nil
}

// Recent returns the most recent documents, newest first. Expired
// documents are deleted on the way.
func (s *Service) Recent() ([]store.Document, error) {
	docs, err := s.store.GetRecent()
	if err != nil {
		s.log.Logf("ERROR failed to get recent documents: %v", err)
		return []store.Document{}, nil
	}

	now := s.now()
	res := make([]store.Document, 0, len(docs))
	for _, d := range docs {
		if d.Expired(now) {
			s.evict(d.Key, "expired")
			continue
		}
		if len(res) < s.opts.RecentLimit {
			res = append(res, public(d))
		}
	}
	return res, nil
}

// Delete deletes a document by key. There is no ownership check here.
func (s *Service) Delete(key string) error {
	key = s.storageKey(key)
	err := s.store.Delete(key)
	switch {
	case err == nil:
		s.log.Logf("DEBUG deleted document %s", key)
		return nil
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("Service.Delete: %w: key [%s]", ErrNotFound, key)
	default:
		s.log.Logf("ERROR failed to delete document %s: %v", key, err)
		return fmt.Errorf("Service.Delete: %w", ErrStoreFailure)
	}
}

// public returns a copy of the document safe to show to clients.
func public(doc store.Document) store.Document {
	doc.Protected = doc.Password != ""
	doc.Password = ""
	return doc
}

// acceptable reports whether a document of the given mime type can be
// served to a client with the given Accept header. An empty header, */*,
// the exact type and type/* are all acceptable.
func acceptable(accept, mimetype string) bool {
	if strings.TrimSpace(accept) == "" {
		return true
	}
	major := mimetype
	if i := strings.IndexByte(mimetype, '/'); i > -1 {
		major = mimetype[:i]
	}
	for _, part := range strings.Split(accept, ",") {
		mt, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			mt = strings.TrimSpace(part)
		}
		if mt == "*/*" || mt == mimetype || mt == major+"/*" {
			return true
		}
	}
	return false
}

// compress gzips the payload and encodes it as base64 text.
func compress(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := gzipTo(&buf, payload); err != nil {
		return nil, err
	}
	return encodeBase64(buf.Bytes()), nil
}
