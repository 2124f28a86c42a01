// Package models provides the stored unit and the statistics snapshot shared
// across the engine.
//
// Design Philosophy:
// - The compressed payload is the only durable representation of a unit
// - Decompression is lazy and explicit: a unit is either Compressed or
//   Materialized, and every accessor that needs content performs the
//   transition itself
// - Eviction releases the materialized form and never touches the payload
// - Faults are scoped: a corrupt payload fails only calls on that unit
package models

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/foldcache/foldcache/pkg/compress"
	"github.com/foldcache/foldcache/pkg/utils"
)

// TagsMetadataKey is the metadata key under which a unit's tags are exposed.
const TagsMetadataKey = "tags"

// State is the materialization state of a unit.
type State int

const (
	// Compressed units hold only their payload.
	Compressed State = iota
	// Materialized units also cache the decompressed value.
	Materialized
)

func (s State) String() string {
	switch s {
	case Compressed:
		return "compressed"
	case Materialized:
		return "materialized"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// materialized is the decompressed form of a payload. value is decoded from
// raw on first use.
type materialized struct {
	raw     []byte
	value   any
	decoded bool
}

// Unit is one stored value: a compressed payload plus bookkeeping.
//
// Thread Safety: all methods are safe for concurrent use. A per-unit mutex
// serializes state transitions, so concurrent readers of one unit share a
// single decompression.
//
// Key, tags and metadata are fixed at construction.
type Unit struct {
	key      string
	tags     []string
	metadata map[string]any
	policy   compress.Policy
	created  time.Time

	mu             sync.Mutex
	payload        []byte
	hash           utils.ContentHash
	rawSize        int
	ratio          float64
	codec          compress.Tag
	value          *materialized // nil while Compressed
	accessCount    uint64
	lastAccessed   time.Time
	decompressions uint64

	// Codec of the last Recompress attempt on the current content.
	triedCodec compress.Tag
	tried      bool
}

// NewUnit encodes and compresses content into a new Materialized unit.
// A nil policy compresses with LZ4.
//
// Example:
//
//	u, err := NewUnit("fold:1", map[string]any{"x": 1}, []string{"demo"}, nil, nil)
func NewUnit(key string, content any, tags []string, metadata map[string]any, policy compress.Policy) (*Unit, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	if policy == nil {
		policy = compress.Fixed(compress.LZ4)
	}

	now := time.Now()
	u := newUnit(key, tags, metadata, policy, now)
	if err := u.SetContent(content); err != nil {
		return nil, err
	}
	return u, nil
}

// NewUnitFromPayload rebuilds a Compressed unit from a stored payload, as
// when a spilled unit is reloaded. The payload envelope header is validated
// but the body is not decompressed.
func NewUnitFromPayload(key string, payload []byte, tags []string, metadata map[string]any) (*Unit, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	rawSize, err := compress.RawSize(payload)
	if err != nil {
		return nil, &CorruptionError{Key: key, Err: err}
	}
	codec, _ := compress.TagOf(payload)

	now := time.Now()
	u := newUnit(key, tags, metadata, compress.Fixed(codec), now)
	u.payload = slices.Clone(payload)
	u.hash = utils.HashContent(u.payload)
	u.rawSize = rawSize
	u.ratio = compressionRatio(len(u.payload), rawSize)
	u.codec = codec
	return u, nil
}

func newUnit(key string, tags []string, metadata map[string]any, policy compress.Policy, now time.Time) *Unit {
	tags = NormalizeTags(tags, metadata)
	md := make(map[string]any, len(metadata)+1)
	maps.Copy(md, metadata)
	md[TagsMetadataKey] = slices.Clone(tags)

	return &Unit{
		key:          key,
		tags:         tags,
		metadata:     md,
		policy:       policy,
		created:      now,
		lastAccessed: now,
	}
}

// NormalizeTags merges explicit tags with any string list found under the
// "tags" metadata key, dropping empties and duplicates. The result is sorted.
func NormalizeTags(tags []string, metadata map[string]any) []string {
	out := slices.Clone(tags)
	switch extra := metadata[TagsMetadataKey].(type) {
	case []string:
		out = append(out, extra...)
	case []any:
		for _, v := range extra {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
	}
	out = slices.DeleteFunc(out, func(s string) bool { return s == "" })
	slices.Sort(out)
	return slices.Compact(out)
}

// SetContent replaces the unit's content. The content hash and compression
// ratio are recomputed over the new payload and the unit becomes
// Materialized. On error the unit is unchanged.
func (u *Unit) SetContent(content any) error {
	raw, err := utils.EncodeValue(content)
	if err != nil {
		return fmt.Errorf("unit %q: %w", u.key, err)
	}
	codec := u.policy(raw)
	payload, err := compress.Compress(raw, codec)
	if err != nil {
		return fmt.Errorf("unit %q: %w", u.key, err)
	}
	actual, _ := compress.TagOf(payload)

	u.mu.Lock()
	defer u.mu.Unlock()
	u.payload = payload
	u.hash = utils.HashContent(payload)
	u.rawSize = len(raw)
	u.ratio = compressionRatio(len(payload), len(raw))
	u.codec = actual
	u.value = &materialized{raw: raw}
	u.tried = false
	return nil
}

// Content returns the decoded content, decompressing on first access.
// Maps decode as map[string]any and integers as int64/uint64; use Decode
// for typed access.
func (u *Unit) Content() (any, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	m, err := u.materializeLocked()
	if err != nil {
		return nil, err
	}
	if !m.decoded {
		v, err := utils.DecodeAny(m.raw)
		if err != nil {
			return nil, &CorruptionError{Key: u.key, Err: err}
		}
		m.value, m.decoded = v, true
	}
	u.touchLocked()
	return m.value, nil
}

// Decode decodes the content into dst, decompressing on first access.
func (u *Unit) Decode(dst any) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	m, err := u.materializeLocked()
	if err != nil {
		return err
	}
	if err := utils.DecodeValue(m.raw, dst); err != nil {
		return fmt.Errorf("unit %q: %w", u.key, err)
	}
	u.touchLocked()
	return nil
}

// Materialize ensures the unit is Materialized and records an access.
// Calls on a Materialized unit do not decompress again.
func (u *Unit) Materialize() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if _, err := u.materializeLocked(); err != nil {
		return err
	}
	u.touchLocked()
	return nil
}

func (u *Unit) materializeLocked() (*materialized, error) {
	if u.value != nil {
		return u.value, nil
	}
	raw, err := compress.Decompress(u.payload)
	if err != nil {
		return nil, &CorruptionError{Key: u.key, Err: err}
	}
	u.decompressions++
	u.value = &materialized{raw: raw}
	return u.value, nil
}

func (u *Unit) touchLocked() {
	u.accessCount++
	u.lastAccessed = time.Now()
}

// Evict drops the materialized value. It reports whether anything was
// released; evicting a Compressed unit is a no-op.
func (u *Unit) Evict() bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.value == nil {
		return false
	}
	u.value = nil
	return true
}

// Recompress re-encodes the payload with codec and keeps the result only if
// it is smaller. It reports whether the payload changed; the hash and ratio
// follow the new payload. The materialization state is preserved.
//
// The attempt is remembered until the content changes, whatever its
// outcome; see RecompressTried.
func (u *Unit) Recompress(codec compress.Tag) (bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.triedCodec, u.tried = codec, true

	var raw []byte
	if u.value != nil {
		raw = u.value.raw
	} else {
		var err error
		raw, err = compress.Decompress(u.payload)
		if err != nil {
			return false, &CorruptionError{Key: u.key, Err: err}
		}
	}

	payload, err := compress.Compress(raw, codec)
	if err != nil {
		return false, fmt.Errorf("unit %q: %w", u.key, err)
	}
	if len(payload) >= len(u.payload) {
		return false, nil
	}

	u.payload = payload
	u.hash = utils.HashContent(payload)
	u.ratio = compressionRatio(len(payload), len(raw))
	u.codec, _ = compress.TagOf(payload)
	return true, nil
}

// RecompressTried reports whether Recompress has already run with codec on
// the current content.
func (u *Unit) RecompressTried(codec compress.Tag) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.tried && u.triedCodec == codec
}

// Key returns the unit key.
func (u *Unit) Key() string { return u.key }

// Tags returns a copy of the unit's sorted tags.
func (u *Unit) Tags() []string { return slices.Clone(u.tags) }

// Metadata returns a shallow copy of the metadata, including "tags".
func (u *Unit) Metadata() map[string]any {
	md := maps.Clone(u.metadata)
	md[TagsMetadataKey] = slices.Clone(u.tags)
	return md
}

// CreatedAt returns the construction time.
func (u *Unit) CreatedAt() time.Time { return u.created }

// Hash returns the content hash of the current payload.
func (u *Unit) Hash() utils.ContentHash {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.hash
}

// Payload returns the current compressed payload. The slice must not be
// modified; payloads are replaced, never written in place.
func (u *Unit) Payload() []byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.payload
}

// Size returns the compressed payload size in bytes.
func (u *Unit) Size() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.payload)
}

// RawSize returns the encoded, uncompressed content size in bytes.
func (u *Unit) RawSize() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.rawSize
}

// Ratio returns compressed size / uncompressed size.
func (u *Unit) Ratio() float64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.ratio
}

// Codec returns the codec of the current payload.
func (u *Unit) Codec() compress.Tag {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.codec
}

// State returns the materialization state.
func (u *Unit) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.value == nil {
		return Compressed
	}
	return Materialized
}

// AccessCount returns the number of content accesses.
func (u *Unit) AccessCount() uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.accessCount
}

// LastAccessed returns the time of the last content access, or the creation
// time if there has been none.
func (u *Unit) LastAccessed() time.Time {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lastAccessed
}

// Decompressions returns how many times the payload has been decompressed
// into a materialized value.
func (u *Unit) Decompressions() uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.decompressions
}

// UnitStats is a point-in-time view of a unit's bookkeeping.
type UnitStats struct {
	Key            string        `json:"key"`
	Hash           string        `json:"content_hash"`
	Codec          string        `json:"codec"`
	State          string        `json:"state"`
	Size           int           `json:"size"`
	RawSize        int           `json:"raw_size"`
	Ratio          float64       `json:"compression_ratio"`
	AccessCount    uint64        `json:"access_count"`
	Age            time.Duration `json:"age"`
	SinceAccess    time.Duration `json:"since_access"`
	Decompressions uint64        `json:"decompressions"`
}

// Stats returns statistics about the unit.
func (u *Unit) Stats(now time.Time) UnitStats {
	u.mu.Lock()
	defer u.mu.Unlock()

	state := Compressed
	if u.value != nil {
		state = Materialized
	}
	return UnitStats{
		Key:            u.key,
		Hash:           u.hash.String(),
		Codec:          u.codec.String(),
		State:          state.String(),
		Size:           len(u.payload),
		RawSize:        u.rawSize,
		Ratio:          u.ratio,
		AccessCount:    u.accessCount,
		Age:            now.Sub(u.created),
		SinceAccess:    now.Sub(u.lastAccessed),
		Decompressions: u.decompressions,
	}
}

func compressionRatio(compressed, raw int) float64 {
	if raw == 0 {
		return 1
	}
	return float64(compressed) / float64(raw)
}
