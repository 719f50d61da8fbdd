package wingcache

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
	"golang.org/x/sync/errgroup"
)

// Key layout:
//
//	n:<store>                 store marker (creation time)
//	e:<store>\x00<request key> gob-encoded CacheEntry
const (
	markerPrefix = "n:"
	entryPrefix  = "e:"
	keySep       = "\x00"

	addAllConcurrency = 8
)

// Registry owns the named stores. Lookups and writes on distinct keys run
// concurrently; deleting a store excludes writers so a delete never races a
// half-written entry.
type Registry struct {
	db       *leveldb.DB
	ram      *ramCache
	maxEntry int64

	mu sync.RWMutex

	// afterDiskRead, if set, runs between a Match's disk read and its
	// memory refill.
	afterDiskRead func(key string)
}

// OpenRegistry opens (or creates) the leveldb database at path. Use
// MemoryStoragePath for a throwaway in-memory database.
func OpenRegistry(path string, ramMax, maxEntry int64) (*Registry, error) {
	var (
		db  *leveldb.DB
		err error
	)
	if path == MemoryStoragePath {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}
	return &Registry{db: db, ram: newRAMCache(ramMax), maxEntry: maxEntry}, nil
}

func (r *Registry) Close() error {
	return r.db.Close()
}

func validStoreName(name string) error {
	if name == "" || strings.Contains(name, keySep) {
		return fmt.Errorf("invalid store name %q", name)
	}
	return nil
}

func markerKey(name string) []byte { return []byte(markerPrefix + name) }

func entryKeyPrefix(name string) string { return entryPrefix + name + keySep }

// Store returns a handle without touching the database. The store comes into
// existence on Open or on its first Put.
func (r *Registry) Store(name string) *Store {
	return &Store{name: name, reg: r}
}

// Open returns the named store, creating it empty if absent.
func (r *Registry) Open(name string) (*Store, error) {
	if err := validStoreName(name); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.ensureMarker(name, nil); err != nil {
		return nil, err
	}
	return r.Store(name), nil
}

// ensureMarker writes the store marker if missing. A non-nil batch gets the
// marker appended instead of an immediate write.
func (r *Registry) ensureMarker(name string, batch *leveldb.Batch) error {
	ok, err := r.db.Has(markerKey(name), nil)
	if err != nil {
		return fmt.Errorf("store %s: %w", name, err)
	}
	if ok {
		return nil
	}
	b, err := encodeGob(time.Now().Unix())
	if err != nil {
		return err
	}
	if batch != nil {
		batch.Put(markerKey(name), b)
		return nil
	}
	return r.db.Put(markerKey(name), b, nil)
}

// Has reports whether the named store exists.
func (r *Registry) Has(name string) (bool, error) {
	return r.db.Has(markerKey(name), nil)
}

// Delete removes the store and every entry in it. It reports whether the
// store existed.
func (r *Registry) Delete(name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existed, err := r.db.Has(markerKey(name), nil)
	if err != nil {
		return false, fmt.Errorf("store %s: %w", name, err)
	}

	prefix := entryKeyPrefix(name)
	batch := new(leveldb.Batch)
	it := r.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	for it.Next() {
		batch.Delete(bytes.Clone(it.Key()))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, fmt.Errorf("store %s: %w", name, err)
	}
	if batch.Len() > 0 {
		existed = true
	}
	batch.Delete(markerKey(name))
	if err := r.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("delete store %s: %w", name, err)
	}
	r.ram.DeletePrefix(prefix)
	return existed, nil
}

// Names lists the existing stores in key order.
func (r *Registry) Names() ([]string, error) {
	it := r.db.NewIterator(util.BytesPrefix([]byte(markerPrefix)), nil)
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte(markerPrefix))))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

// MatchAny searches every store for key and returns the first hit with the
// name of the store that held it.
func (r *Registry) MatchAny(key string) (CacheEntry, string, bool) {
	names, err := r.Names()
	if err != nil {
		return CacheEntry{}, "", false
	}
	for _, name := range names {
		ent, ok, err := r.Store(name).Match(key)
		if err == nil && ok {
			return ent, name, true
		}
	}
	return CacheEntry{}, "", false
}

// Store is a handle on one named store.
type Store struct {
	name string
	reg  *Registry
}

func (s *Store) Name() string { return s.name }

func (s *Store) dbKey(key string) string { return entryKeyPrefix(s.name) + key }

// Match looks up a request key.
func (s *Store) Match(key string) (CacheEntry, bool, error) {
	// Held so a concurrent Delete cannot be undone by the ram refill below.
	s.reg.mu.RLock()
	defer s.reg.mu.RUnlock()

	k := s.dbKey(key)
	if ent, ok := s.reg.ram.Get(k); ok {
		return ent, true, nil
	}
	seq := s.reg.ram.writeSeq()
	b, err := s.reg.db.Get([]byte(k), nil)
	if s.reg.afterDiskRead != nil {
		s.reg.afterDiskRead(key)
	}
	if errors.Is(err, leveldb.ErrNotFound) {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, fmt.Errorf("store %s: %w", s.name, err)
	}
	var ent CacheEntry
	if err := decodeGob(b, &ent); err != nil {
		return CacheEntry{}, false, fmt.Errorf("store %s: decode %q: %w", s.name, key, err)
	}
	s.reg.ram.fill(k, ent, seq)
	return ent, true, nil
}

// Put overwrites the entry for key, creating the store if needed. Bodies over
// the registry's entry limit are skipped silently.
func (s *Store) Put(key string, ent CacheEntry) error {
	if err := validStoreName(s.name); err != nil {
		return err
	}
	if s.reg.maxEntry > 0 && int64(len(ent.Body)) > s.reg.maxEntry {
		return nil
	}
	b, err := encodeGob(ent)
	if err != nil {
		return fmt.Errorf("store %s: encode %q: %w", s.name, key, err)
	}

	s.reg.mu.RLock()
	defer s.reg.mu.RUnlock()

	batch := new(leveldb.Batch)
	if err := s.reg.ensureMarker(s.name, batch); err != nil {
		return err
	}
	k := s.dbKey(key)
	batch.Put([]byte(k), b)
	if err := s.reg.db.Write(batch, nil); err != nil {
		return fmt.Errorf("store %s: put %q: %w", s.name, key, err)
	}
	s.reg.ram.Put(k, ent)
	return nil
}

// Delete removes a single entry.
func (s *Store) Delete(key string) error {
	s.reg.mu.RLock()
	defer s.reg.mu.RUnlock()
	k := s.dbKey(key)
	s.reg.ram.Delete(k)
	return s.reg.db.Delete([]byte(k), nil)
}

// Len counts the entries in the store.
func (s *Store) Len() (int, error) {
	it := s.reg.db.NewIterator(util.BytesPrefix([]byte(entryKeyPrefix(s.name))), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n, it.Error()
}

// AddAll fetches every request and stores the successful responses. Any
// transport failure or non-2xx status fails the batch with a *PrecacheError;
// entries stored before the failure are not rolled back.
func (s *Store) AddAll(ctx context.Context, f Fetcher, reqs []*Request) error {
	if _, err := s.reg.Open(s.name); err != nil {
		return err
	}

	var (
		mu     sync.Mutex
		failed = map[string]error{}
	)
	fail := func(u string, err error) {
		mu.Lock()
		failed[u] = err
		mu.Unlock()
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(addAllConcurrency)
	for _, req := range reqs {
		eg.Go(func() error {
			u := req.URL.String()
			ent, err := f.Fetch(egCtx, req)
			if err != nil {
				fail(u, err)
				return nil
			}
			if !ent.Cacheable() {
				fail(u, fmt.Errorf("unexpected status %d", ent.Status))
				return nil
			}
			if err := s.Put(req.Key(), ent); err != nil {
				fail(u, err)
			}
			return nil
		})
	}
	_ = eg.Wait()

	if len(failed) > 0 {
		return &PrecacheError{Failed: failed}
	}
	return nil
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
