// Package spill implements the secondary store: a pre-allocated, fixed-size
// region holding compressed payloads of units moved out of memory.
//
// Layout:
//
//	[len:8 LE][payload:len] [len:8 LE][payload:len] ... [unused]
//
// Records are appended at a monotonically advancing tail. Deleting a key
// only drops it from the offset table and leaves a hole; Defragment rewrites
// the live records contiguously into a fresh region of the same size and
// swaps it in.
//
// The offset table (key -> offset, length, tags, metadata) lives in memory
// and is persisted as a CBOR sidecar next to the region on Flush, Defragment
// and Close. Open reloads it, so spilled units survive a restart.
//
// Design Notes:
//   - A spill that does not fit in the space after the tail fails with
//     models.ErrCapacityExceeded before any byte is written
//   - One mutex guards the table, the tail and the device. Defragment holds
//     it for its whole duration, so no spill can interleave with a rewrite
//   - Region swaps and sidecar writes go through natefinch/atomic, so a crash
//     leaves either the old or the new file, never a torn one
package spill

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"slices"
	"sort"
	"sync"

	"github.com/natefinch/atomic"

	"github.com/foldcache/foldcache/pkg/models"
	"github.com/foldcache/foldcache/pkg/utils"
)

// lengthPrefixSize is the size of the little-endian record length prefix.
const lengthPrefixSize = 8

// tableVersion is the sidecar format version.
const tableVersion = 1

// ErrClosed is returned by operations on a closed Store.
var ErrClosed = errors.New("spill store is closed")

// Location is one offset table entry.
type Location struct {
	Offset   int64          `cbor:"offset"`
	Length   int64          `cbor:"length"`
	Tags     []string       `cbor:"tags,omitempty"`
	Metadata map[string]any `cbor:"metadata,omitempty"`
}

// Record is a spilled unit read back from the region.
type Record struct {
	Key      string
	Payload  []byte
	Tags     []string
	Metadata map[string]any
}

// tableFile is the sidecar encoding of the offset table.
type tableFile struct {
	Version int                 `cbor:"version"`
	Size    int64               `cbor:"size"`
	Tail    int64               `cbor:"tail"`
	Entries map[string]Location `cbor:"entries"`
}

// Store is the secondary store.
//
// Thread Safety: all methods are safe for concurrent use.
type Store struct {
	mu     sync.Mutex
	path   string
	size   int64
	dev    *Device
	table  map[string]Location
	tail   int64
	dirty  bool
	closed bool
}

// Open opens or creates the region at path with the given size and loads
// the offset table sidecar if one exists. Without a sidecar, any bytes
// already in the region are treated as free space.
func Open(path string, size int64) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: spill path is empty", models.ErrConfiguration)
	}
	if size <= lengthPrefixSize {
		return nil, fmt.Errorf("%w: spill size %d too small", models.ErrConfiguration, size)
	}

	dev, err := OpenDevice(path, size)
	if err != nil {
		return nil, err
	}

	s := &Store{
		path:  path,
		size:  size,
		dev:   dev,
		table: make(map[string]Location),
	}
	if err := s.loadTable(); err != nil {
		dev.Close()
		return nil, err
	}
	return s, nil
}

// TablePath returns the sidecar path for a region at path.
func TablePath(path string) string {
	return path + ".idx"
}

func (s *Store) loadTable() error {
	data, err := os.ReadFile(TablePath(s.path))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading spill table: %w", err)
	}

	var tf tableFile
	if err := utils.DecodeValue(data, &tf); err != nil {
		return fmt.Errorf("%w: spill table %s: %v", models.ErrDataCorruption, TablePath(s.path), err)
	}
	if tf.Version != tableVersion {
		return fmt.Errorf("%w: spill table version %d, want %d", models.ErrDataCorruption, tf.Version, tableVersion)
	}
	if tf.Size != s.size || tf.Tail < 0 || tf.Tail > s.size {
		return fmt.Errorf("%w: spill table describes a %d-byte region with tail %d, region is %d bytes",
			models.ErrDataCorruption, tf.Size, tf.Tail, s.size)
	}
	for key, loc := range tf.Entries {
		if loc.Offset < 0 || loc.Length < 0 || loc.Offset+lengthPrefixSize+loc.Length > tf.Tail {
			return fmt.Errorf("%w: spill table entry %q out of bounds", models.ErrDataCorruption, key)
		}
	}

	if tf.Entries != nil {
		s.table = tf.Entries
	}
	s.tail = tf.Tail
	return nil
}

// Spill appends payload under key. A previous record for key becomes a
// hole. If the record does not fit, nothing is written and the error wraps
// models.ErrCapacityExceeded.
func (s *Store) Spill(key string, payload []byte, tags []string, metadata map[string]any) error {
	if key == "" {
		return models.ErrEmptyKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	need := int64(lengthPrefixSize + len(payload))
	if s.tail+need > s.size {
		return fmt.Errorf("%w: spilling %q needs %d bytes, %d free",
			models.ErrCapacityExceeded, key, need, s.size-s.tail)
	}

	record := make([]byte, need)
	binary.LittleEndian.PutUint64(record, uint64(len(payload)))
	copy(record[lengthPrefixSize:], payload)
	if _, err := s.dev.WriteAt(record, s.tail); err != nil {
		return fmt.Errorf("spilling %q: %w", key, err)
	}

	s.table[key] = Location{
		Offset:   s.tail,
		Length:   int64(len(payload)),
		Tags:     slices.Clone(tags),
		Metadata: maps.Clone(metadata),
	}
	s.tail += need
	s.dirty = true
	return nil
}

// Load reads the record for key. A key that was never spilled, or has been
// deleted, reports false.
func (s *Store) Load(key string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Record{}, false, ErrClosed
	}
	loc, ok := s.table[key]
	if !ok {
		return Record{}, false, nil
	}

	payload, err := s.readUnsafe(key, loc)
	if err != nil {
		return Record{}, true, err
	}
	return Record{
		Key:      key,
		Payload:  payload,
		Tags:     slices.Clone(loc.Tags),
		Metadata: maps.Clone(loc.Metadata),
	}, true, nil
}

func (s *Store) readUnsafe(key string, loc Location) ([]byte, error) {
	var prefix [lengthPrefixSize]byte
	if _, err := s.dev.ReadAt(prefix[:], loc.Offset); err != nil {
		return nil, fmt.Errorf("reading spilled %q: %w", key, err)
	}
	if got := int64(binary.LittleEndian.Uint64(prefix[:])); got != loc.Length {
		return nil, &models.CorruptionError{
			Key: key,
			Err: fmt.Errorf("spill record length %d, table says %d", got, loc.Length),
		}
	}

	payload := make([]byte, loc.Length)
	if _, err := s.dev.ReadAt(payload, loc.Offset+lengthPrefixSize); err != nil {
		return nil, fmt.Errorf("reading spilled %q: %w", key, err)
	}
	return payload, nil
}

// Delete drops key from the table. Its bytes stay in the region until the
// next Defragment.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.table[key]; !ok {
		return false
	}
	delete(s.table, key)
	s.dirty = true
	return true
}

// Has reports whether key has a live record.
func (s *Store) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.table[key]
	return ok
}

// Keys returns the sorted keys with live records.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.table))
	for key := range s.table {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

// Len returns the number of live records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.table)
}

// Used returns the bytes held by live records, prefixes included.
func (s *Store) Used() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usedUnsafe()
}

func (s *Store) usedUnsafe() int64 {
	var used int64
	for _, loc := range s.table {
		used += lengthPrefixSize + loc.Length
	}
	return used
}

// Free returns the bytes available after the tail.
func (s *Store) Free() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size - s.tail
}

// Size returns the region size in bytes.
func (s *Store) Size() int64 {
	return s.size
}

// Defragment rewrites live records contiguously into a fresh region of the
// same size, swaps it in place of the current one, and persists the new
// table. It returns the number of bytes reclaimed. On failure before the
// swap the store is unchanged.
func (s *Store) Defragment() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}
	if s.usedUnsafe() == s.tail {
		return 0, nil
	}

	compactPath := s.path + ".compact"
	_ = os.Remove(compactPath)
	fresh, err := OpenDevice(compactPath, s.size)
	if err != nil {
		return 0, fmt.Errorf("defragment: %w", err)
	}

	keys := make([]string, 0, len(s.table))
	for key := range s.table {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return s.table[keys[i]].Offset < s.table[keys[j]].Offset
	})

	table := make(map[string]Location, len(s.table))
	var tail int64
	for _, key := range keys {
		loc := s.table[key]
		record := make([]byte, lengthPrefixSize+loc.Length)
		if _, err := s.dev.ReadAt(record, loc.Offset); err != nil {
			fresh.Close()
			os.Remove(compactPath)
			return 0, fmt.Errorf("defragment: reading %q: %w", key, err)
		}
		if _, err := fresh.WriteAt(record, tail); err != nil {
			fresh.Close()
			os.Remove(compactPath)
			return 0, fmt.Errorf("defragment: writing %q: %w", key, err)
		}
		loc.Offset = tail
		table[key] = loc
		tail += int64(len(record))
	}

	if err := fresh.Sync(); err != nil {
		fresh.Close()
		os.Remove(compactPath)
		return 0, fmt.Errorf("defragment: %w", err)
	}
	if err := fresh.Close(); err != nil {
		os.Remove(compactPath)
		return 0, fmt.Errorf("defragment: %w", err)
	}

	if err := s.dev.Close(); err != nil {
		os.Remove(compactPath)
		return 0, fmt.Errorf("defragment: %w", err)
	}
	if err := atomic.ReplaceFile(compactPath, s.path); err != nil {
		os.Remove(compactPath)
		return 0, s.reopenUnsafe(fmt.Errorf("defragment: swapping region: %w", err))
	}
	dev, err := OpenDevice(s.path, s.size)
	if err != nil {
		s.closed = true
		return 0, fmt.Errorf("defragment: reopening region: %w", err)
	}

	reclaimed := s.tail - tail
	s.dev = dev
	s.table = table
	s.tail = tail
	s.dirty = true
	if err := s.persistUnsafe(); err != nil {
		return reclaimed, err
	}
	return reclaimed, nil
}

// reopenUnsafe restores the device after a failed swap and returns cause.
func (s *Store) reopenUnsafe(cause error) error {
	dev, err := OpenDevice(s.path, s.size)
	if err != nil {
		s.closed = true
		return errors.Join(cause, err)
	}
	s.dev = dev
	return cause
}

// Flush syncs the region and persists the offset table if it changed.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if err := s.dev.Sync(); err != nil {
		return fmt.Errorf("syncing spill region: %w", err)
	}
	return s.persistUnsafe()
}

func (s *Store) persistUnsafe() error {
	if !s.dirty {
		return nil
	}
	data, err := utils.EncodeValue(tableFile{
		Version: tableVersion,
		Size:    s.size,
		Tail:    s.tail,
		Entries: s.table,
	})
	if err != nil {
		return fmt.Errorf("encoding spill table: %w", err)
	}
	if err := atomic.WriteFile(TablePath(s.path), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing spill table: %w", err)
	}
	s.dirty = false
	return nil
}

// Close flushes and releases the region. Calling Close more than once is a
// no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if err := s.dev.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("syncing spill region: %w", err))
	}
	if err := s.persistUnsafe(); err != nil {
		errs = append(errs, err)
	}
	if err := s.dev.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
