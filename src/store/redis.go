// Copyright 2021 Ilia Frenkel. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE.txt file.

package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-pkgz/lgr"
	"github.com/go-redis/redis"
)

// RedisConfig is the input configuration for the redis storage.
type RedisConfig struct {
	URL      string        `long:"url" env:"URL" default:"" description:"redis url, overrides address, password and db"`
	Addr     string        `long:"addr" env:"ADDR" default:"127.0.0.1:6379" description:"redis address"`
	Password string        `long:"password" env:"PASSWORD" default:"" description:"redis password"`
	DB       int           `long:"db" env:"DB" default:"0" description:"redis database index"`
	Prefix   string        `long:"prefix" env:"PREFIX" default:"" description:"prefix for all redis keys"`
	Timeout  time.Duration `long:"timeout" env:"TIMEOUT" default:"5s" description:"redis dial, read and write timeout"`
	// Expire is the TTL of documents without their own expiry, 0 means forever.
	Expire time.Duration `no-flag:"true"`
	// Size of the recent documents list.
	Recent int `no-flag:"true"`
}

// RedisStore keeps documents in redis as two string keys, info.<key> for
// the JSON metadata and data.<key> for the payload, and maintains the
// recent index as a capped list.
type RedisStore struct {
	db     *redis.Client
	prefix string
	expire time.Duration
	limit  int
	log    lgr.L
}

// Fail if the struct does not match the Interface.
var _ = Interface(&RedisStore{})

// NewRedisStore connects to redis and returns a RedisStore.
func NewRedisStore(cfg RedisConfig, log lgr.L) (*RedisStore, error) {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	}
	if cfg.URL != "" {
		o, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("NewRedisStore: wrong redis url: %w", err)
		}
		o.DialTimeout, o.ReadTimeout, o.WriteTimeout = cfg.Timeout, cfg.Timeout, cfg.Timeout
		opts = o
	}

	client := redis.NewClient(opts)
	if err := client.Ping().Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("NewRedisStore: failed to connect to redis at %s: %w", opts.Addr, err)
	}
	log.Logf("INFO connected to redis at %s, db %d", opts.Addr, opts.DB)

	return NewRedisStoreWithClient(client, cfg, log), nil
}

// NewRedisStoreWithClient returns a RedisStore that uses an existing
// client.
func NewRedisStoreWithClient(client *redis.Client, cfg RedisConfig, log lgr.L) *RedisStore {
	if log == nil {
		log = lgr.NoOp
	}
	limit := cfg.Recent
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	return &RedisStore{
		db:     client,
		prefix: cfg.Prefix,
		expire: cfg.Expire,
		limit:  limit,
		log:    log,
	}
}

// Close closes the redis client.
func (r *RedisStore) Close() error {
	return r.db.Close()
}

func (r *RedisStore) infoKey(key string) string { return r.prefix + "info." + key }
func (r *RedisStore) dataKey(key string) string { return r.prefix + "data." + key }
func (r *RedisStore) recentKey() string         { return r.prefix + "recent" }

// Set stores the document atomically. Both keys are watched so that two
// writers racing for the same key can't both succeed.
func (r *RedisStore) Set(doc Document, payload []byte, skipExpire bool) error {
	info, data := r.infoKey(doc.Key), r.dataKey(doc.Key)

	meta, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("RedisStore.Set: encoding metadata: %w", err)
	}

	err = r.db.Watch(func(tx *redis.Tx) error {
		n, err := tx.Exists(info, data).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrKeyExists
		}

		_, err = tx.Pipelined(func(p redis.Pipeliner) error {
			p.MSet(info, meta, data, payload)
			switch {
			case doc.Expire != 0:
				p.PExpireAt(info, doc.ExpiresAt())
				p.PExpireAt(data, doc.ExpiresAt())
			case r.expire > 0 && !skipExpire:
				p.Expire(info, r.expire)
				p.Expire(data, r.expire)
			}
			p.LRem(r.recentKey(), 0, doc.Key)
			p.LPush(r.recentKey(), doc.Key)
			p.LTrim(r.recentKey(), 0, int64(r.limit-1))
			return nil
		})
		return err
	}, info, data)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrKeyExists), err == redis.TxFailedErr:
		return fmt.Errorf("RedisStore.Set: %w: %s", ErrKeyExists, doc.Key)
	default:
		return fmt.Errorf("RedisStore.Set: %w", err)
	}
}

// Get returns a document by key. If the store has a TTL the expiry of the
// document is pushed forward on every read, unless skipExpire is set or
// the document has its own expiry.
func (r *RedisStore) Get(key string, skipExpire bool) (Document, []byte, error) {
	info, data := r.infoKey(key), r.dataKey(key)

	vals, err := r.db.MGet(info, data).Result()
	if err != nil {
		return Document{}, nil, fmt.Errorf("RedisStore.Get: %w", err)
	}
	meta, ok1 := vals[0].(string)
	payload, ok2 := vals[1].(string)
	if !ok1 || !ok2 {
		return Document{}, nil, fmt.Errorf("RedisStore.Get: %w: %s", ErrNotFound, key)
	}

	var doc Document
	if err := json.Unmarshal([]byte(meta), &doc); err != nil {
		return Document{}, nil, fmt.Errorf("RedisStore.Get: decoding metadata: %w", err)
	}

	if r.expire > 0 && !skipExpire && doc.Expire == 0 {
		if _, err := r.db.TxPipelined(func(p redis.Pipeliner) error {
			p.Expire(info, r.expire)
			p.Expire(data, r.expire)
			return nil
		}); err != nil {
			r.log.Logf("WARN failed to refresh expiry of %s: %v", key, err)
		}
	}

	return doc, []byte(payload), nil
}

// GetMetadata returns metadata for each key, nil for missing keys.
func (r *RedisStore) GetMetadata(keys []string) ([]*Document, error) {
	res := make([]*Document, len(keys))
	if len(keys) == 0 {
		return res, nil
	}

	infos := make([]string, len(keys))
	for i, k := range keys {
		infos[i] = r.infoKey(k)
	}
	vals, err := r.db.MGet(infos...).Result()
	if err != nil {
		return nil, fmt.Errorf("RedisStore.GetMetadata: %w", err)
	}

	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var doc Document
		if err := json.Unmarshal([]byte(s), &doc); err != nil {
			r.log.Logf("WARN can't decode metadata for %s: %v", keys[i], err)
			continue
		}
		res[i] = &doc
	}
	return res, nil
}

// GetRecent returns the documents of the recent list. Keys whose metadata
// is gone (expired by redis or deleted) are pruned from the list.
func (r *RedisStore) GetRecent() ([]Document, error) {
	keys, err := r.db.LRange(r.recentKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("RedisStore.GetRecent: %w", err)
	}

	metas, err := r.GetMetadata(keys)
	if err != nil {
		return nil, fmt.Errorf("RedisStore.GetRecent: %w", err)
	}

	docs := make([]Document, 0, len(keys))
	for i, m := range metas {
		if m == nil {
			if err := r.db.LRem(r.recentKey(), 0, keys[i]).Err(); err != nil {
				r.log.Logf("WARN failed to prune %s from the recent list: %v", keys[i], err)
			}
			continue
		}
		m.Key = keys[i]
		docs = append(docs, *m)
	}
	return docs, nil
}

// Delete removes both keys of a document and its recent list entry.
func (r *RedisStore) Delete(key string) error {
	var del *redis.IntCmd
	_, err := r.db.TxPipelined(func(p redis.Pipeliner) error {
		del = p.Del(r.infoKey(key), r.dataKey(key))
		p.LRem(r.recentKey(), 0, key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("RedisStore.Delete: %w", err)
	}
	if del.Val() == 0 {
		return fmt.Errorf("RedisStore.Delete: %w: %s", ErrNotFound, key)
	}
	return nil
}
