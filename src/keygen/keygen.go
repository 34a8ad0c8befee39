// Copyright 2021 Ilia Frenkel. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE.txt file.

// Package keygen provides generators for document keys. A key is a short
// random string that identifies a document in a store. Generators do not
// check for collisions, that is up to the caller.
package keygen

import (
	"crypto/rand"
	"fmt"
	"math/big"
	mrand "math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
)

// DefaultKeyspace is the base62 alphabet.
const DefaultKeyspace = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Generator creates candidate keys of a given length.
type Generator interface {
	CreateKey(length int) string
}

// Func adapts an external key strategy to the Generator interface. The
// strategy is free to ignore the requested length.
type Func func(length int) string

// CreateKey calls f(length).
func (f Func) CreateKey(length int) string {
	return f(length)
}

// Random picks characters uniformly from a keyspace using math/rand.
// It is fast but predictable, use Secure when keys must be hard to guess.
type Random struct {
	keyspace []rune
	rnd      *mrand.Rand
	mu       sync.Mutex
}

// NewRandom returns a Random generator, an empty keyspace means
// DefaultKeyspace.
func NewRandom(keyspace string) *Random {
	if keyspace == "" {
		keyspace = DefaultKeyspace
	}
	return &Random{
		keyspace: []rune(keyspace),
		rnd:      mrand.New(mrand.NewSource(time.Now().UnixNano())), // #nosec
	}
}

// CreateKey returns a random key of the given length.
func (g *Random) CreateKey(length int) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := make([]rune, length)
	for i := range key {
		key[i] = g.keyspace[g.rnd.Intn(len(g.keyspace))]
	}
	return string(key)
}

// Secure picks characters uniformly from a keyspace using crypto/rand.
type Secure struct {
	keyspace []rune
}

// NewSecure returns a Secure generator, an empty keyspace means
// DefaultKeyspace.
func NewSecure(keyspace string) *Secure {
	if keyspace == "" {
		keyspace = DefaultKeyspace
	}
	return &Secure{keyspace: []rune(keyspace)}
}

// CreateKey returns a random key of the given length. If the system random
// source fails it falls back to math/rand so that a key is always returned.
func (g *Secure) CreateKey(length int) string {
	max := big.NewInt(int64(len(g.keyspace)))
	key := make([]rune, length)
	for i := range key {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			key[i] = g.keyspace[mrand.Intn(len(g.keyspace))] // #nosec
			continue
		}
		key[i] = g.keyspace[n.Int64()]
	}
	return string(key)
}

// Phonetic generates pronounceable keys by alternating consonants and
// vowels, for example "tahibogu".
type Phonetic struct {
	rnd *mrand.Rand
	mu  sync.Mutex
}

const (
	consonants = "bcdfghjklmnpqrstvwxyz"
	vowels     = "aeiou"
)

// NewPhonetic returns a Phonetic generator.
func NewPhonetic() *Phonetic {
	return &Phonetic{rnd: mrand.New(mrand.NewSource(time.Now().UnixNano()))} // #nosec
}

// CreateKey returns a pronounceable key of the given length.
func (g *Phonetic) CreateKey(length int) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := make([]byte, length)
	start := g.rnd.Intn(2)
	for i := range key {
		if (i+start)%2 == 0 {
			key[i] = consonants[g.rnd.Intn(len(consonants))]
		} else {
			key[i] = vowels[g.rnd.Intn(len(vowels))]
		}
	}
	return string(key)
}

// KSUID returns a generator that ignores the length and returns a new
// K-Sortable Unique IDentifier.
func KSUID() Generator {
	return Func(func(int) string {
		return ksuid.New().String()
	})
}

// UUID returns a generator that ignores the length and returns a new
// random UUID.
func UUID() Generator {
	return Func(func(int) string {
		return uuid.NewString()
	})
}

// New returns a generator by name. Valid names are "random", "secure",
// "phonetic", "ksuid" and "uuid". The keyspace is only used by "random" and
// "secure".
func New(kind, keyspace string) (Generator, error) {
	switch kind {
	case "", "random":
		return NewRandom(keyspace), nil
	case "secure":
		return NewSecure(keyspace), nil
	case "phonetic":
		return NewPhonetic(), nil
	case "ksuid":
		return KSUID(), nil
	case "uuid":
		return UUID(), nil
	}
	return nil, fmt.Errorf("keygen.New: unknown generator type: %s", kind)
}
