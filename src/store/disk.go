package store

import (
	"crypto/md5" // #nosec
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/go-pkgz/lgr"
	"github.com/peterbourgon/diskv/v3"
)

const (
	defaultDirMode  = 0o700
	defaultFileMode = 0o600
	metaSuffix      = ".meta"
)

// DiskConfig is the input configuration for disk storage of documents.
type DiskConfig struct {
	// DataDir must be a writable directory for storing documents.
	DataDir string `long:"path" env:"PATH" default:"./data" description:"directory where documents are stored"`
	// How much memory to use for the k/v cache. 0 is probably good for this app.
	CacheSize uint64 `long:"cache-size" env:"CACHE_SIZE" description:"file system storage cache size"`
	// The file mode given to new folders. Uses a sane default it omitted.
	DirMode os.FileMode `long:"dir-mode" env:"DIR_MODE" description:"file mode for new directories"`
	// Expire is only here to warn about it, the file store can't expire keys.
	Expire bool `no-flag:"true"`
	// Size of the recent documents list.
	Recent int `no-flag:"true"`
}

// DiskStore satisfies the store Interface. Each document is kept in two
// files named after the md5 of its key: one for the payload and one with
// a .meta suffix for the JSON metadata.
type DiskStore struct {
	docs   *diskv.Diskv
	expire bool
	limit  int
	log    lgr.L
	sync.Mutex
}

// Fail if the struct does not match the Interface.
var _ = Interface(&DiskStore{})

// NewDiskStorage should be called once on startup to initialize a disk
// storage backend for documents.
func NewDiskStorage(config *DiskConfig, log lgr.L) (*DiskStore, error) {
	if err := makeDiskStorageFolder(config); err != nil {
		return nil, err
	}
	if log == nil {
		log = lgr.NoOp
	}
	limit := config.Recent
	if limit <= 0 {
		limit = DefaultRecentLimit
	}

	return &DiskStore{
		docs: diskv.New(diskv.Options{
			BasePath:     config.DataDir,
			Transform:    func(string) []string { return []string{} },
			CacheSizeMax: config.CacheSize,
			PathPerm:     config.DirMode,
			FilePerm:     defaultFileMode,
		}),
		expire: config.Expire,
		limit:  limit,
		log:    log,
	}, nil
}

func makeDiskStorageFolder(config *DiskConfig) error {
	if config.DirMode == 0 {
		config.DirMode = defaultDirMode
	}

	if err := os.MkdirAll(config.DataDir, config.DirMode); err != nil {
		return fmt.Errorf("creating documents data store: %w", err)
	}

	dirStat, err := os.Stat(config.DataDir)
	if err != nil {
		return fmt.Errorf("data dir missing? %w", err)
	}

	if !dirStat.IsDir() {
		return fmt.Errorf("data dir is not a directory: %s", dirStat.Name())
	}

	return nil
}

// fileName returns the name of the payload file for a key. Keys are hashed
// because we don't know what characters they contain.
func fileName(key string) string {
	sum := md5.Sum([]byte(key)) // #nosec
	return hex.EncodeToString(sum[:])
}

// Set writes the payload and then the metadata. If the metadata can't be
// written the payload is erased so that the document is not half-stored.
func (f *DiskStore) Set(doc Document, payload []byte, skipExpire bool) error {
	name := fileName(doc.Key)

	meta, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("DiskStore.Set: encoding metadata: %w", err)
	}

	f.Lock()
	defer f.Unlock()

	if f.docs.Has(name + metaSuffix) {
		return fmt.Errorf("DiskStore.Set: %w: %s", ErrKeyExists, doc.Key)
	}

	if err := f.docs.Write(name, payload); err != nil {
		return fmt.Errorf("DiskStore.Set: writing payload: %w", err)
	}

	if err := f.docs.Write(name+metaSuffix, meta); err != nil {
		if e := f.docs.Erase(name); e != nil {
			f.log.Logf("ERROR orphaned payload %s for key %s, remove it manually: %v", name, doc.Key, e)
		}
		return fmt.Errorf("DiskStore.Set: writing metadata: %w", err)
	}

	if f.expire && !skipExpire {
		f.log.Logf("WARN file store cannot set expirations on keys")
	}

	return nil
}

// Get returns a document by key.
func (f *DiskStore) Get(key string, skipExpire bool) (Document, []byte, error) {
	name := fileName(key)

	doc, err := f.readMeta(name)
	if err != nil {
		return Document{}, nil, fmt.Errorf("DiskStore.Get: %w", err)
	}

	payload, err := f.docs.Read(name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Document{}, nil, fmt.Errorf("DiskStore.Get: %w: %s", ErrNotFound, key)
		}
		return Document{}, nil, fmt.Errorf("DiskStore.Get: reading payload: %w", err)
	}

	if f.expire && !skipExpire {
		f.log.Logf("WARN file store cannot set expirations on keys")
	}

	return doc, payload, nil
}

// GetMetadata returns metadata for each key, nil for missing keys.
func (f *DiskStore) GetMetadata(keys []string) ([]*Document, error) {
	res := make([]*Document, len(keys))
	for i, key := range keys {
		doc, err := f.readMeta(fileName(key))
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				f.log.Logf("WARN can't read metadata for %s: %v", key, err)
			}
			continue
		}
		res[i] = &doc
	}
	return res, nil
}

// GetRecent reads the metadata of every stored document, so it gets
// slower as the store grows.
func (f *DiskStore) GetRecent() ([]Document, error) {
	docs := []Document{}
	for name := range f.docs.Keys(nil) {
		if !strings.HasSuffix(name, metaSuffix) {
			continue
		}
		doc, err := f.readMeta(strings.TrimSuffix(name, metaSuffix))
		if err != nil {
			f.log.Logf("WARN skipping unreadable metadata %s: %v", name, err)
			continue
		}
		docs = append(docs, doc)
	}

	sort.SliceStable(docs, func(i, j int) bool {
		return docs[i].Time > docs[j].Time
	})
	if len(docs) > f.limit {
		docs = docs[:f.limit]
	}

	return docs, nil
}

// Delete erases both files of a document.
func (f *DiskStore) Delete(key string) error {
	name := fileName(key)

	f.Lock()
	defer f.Unlock()

	if !f.docs.Has(name + metaSuffix) {
		return fmt.Errorf("DiskStore.Delete: %w: %s", ErrNotFound, key)
	}
	if err := f.docs.Erase(name + metaSuffix); err != nil {
		return fmt.Errorf("DiskStore.Delete: %w", err)
	}
	if err := f.docs.Erase(name); err != nil && !errors.Is(err, os.ErrNotExist) {
		f.log.Logf("ERROR metadata of %s deleted but payload %s is left: %v", key, name, err)
	}

	return nil
}

func (f *DiskStore) readMeta(name string) (Document, error) {
	var doc Document

	buf, err := f.docs.Read(name + metaSuffix)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return doc, ErrNotFound
		}
		return doc, fmt.Errorf("reading metadata (id:%s): %w", name, err)
	}

	if err := json.Unmarshal(buf, &doc); err != nil {
		return doc, fmt.Errorf("decoding metadata (id:%s): %w", name, err)
	}

	return doc, nil
}
