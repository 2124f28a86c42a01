// Package compress implements the payload codecs used for stored units.
//
// Every compressed payload is a self-describing envelope:
//
//	[tag:1][uvarint raw length][body]
//
// The tag names the codec that produced body, and the raw length lets block
// codecs (LZ4) size their output buffer and lets readers report the
// uncompressed size without decompressing.
//
// Design Notes:
//   - LZ4 block mode is the default: fast, ~1.5-2x on mixed data
//   - zstd (default level) for text-like content, zstd best for recompression
//     of stale units during storage optimization
//   - Codecs that fail to shrink the input fall back to Tag None, so every
//     value can be stored
//   - zstd encoders and decoders are shared; they are safe for concurrent use
//
// Trade-offs:
//   - The 1-byte tag plus varint costs 2-6 bytes per payload, negligible next to
//     the body and avoids a side table for codec metadata
//   - A claimed raw length above MaxRawSize is treated as corruption rather
//     than allocated, which bounds the damage a bad payload can do
package compress

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Tag identifies the codec of a payload body. Values are stored in the
// envelope and in spilled records; changing them breaks existing files.
type Tag uint8

const (
	// None stores the raw bytes unchanged.
	None Tag = 0
	// LZ4 is LZ4 block compression.
	LZ4 Tag = 1
	// Zstd is zstd at the default level.
	Zstd Tag = 2
	// ZstdBest is zstd at the best-compression level. Slow to encode, decodes
	// at the same speed as Zstd.
	ZstdBest Tag = 3
)

// MaxRawSize is the largest uncompressed size an envelope may claim (1 GiB).
const MaxRawSize = 1 << 30

// ErrCorrupt is wrapped by every Decompress failure caused by the payload
// bytes themselves.
var ErrCorrupt = errors.New("corrupt payload")

// errIncompressible is returned by the codecs when their output is not
// smaller than the input.
var errIncompressible = errors.New("data is incompressible")

var (
	zstdEncoder     *zstd.Encoder
	zstdBestEncoder *zstd.Encoder
	zstdDecoder     *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("compress: zstd encoder initialization failed: " + err.Error())
	}
	zstdBestEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
	if err != nil {
		panic("compress: zstd best encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxRawSize))
	if err != nil {
		panic("compress: zstd decoder initialization failed: " + err.Error())
	}
}

// String returns the configuration name of the tag.
func (t Tag) String() string {
	switch t {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	case ZstdBest:
		return "zstd-best"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// ParseTag parses a codec name as produced by Tag.String.
func ParseTag(name string) (Tag, error) {
	switch name {
	case "none":
		return None, nil
	case "lz4":
		return LZ4, nil
	case "zstd":
		return Zstd, nil
	case "zstd-best":
		return ZstdBest, nil
	default:
		return 0, fmt.Errorf("unknown compression codec: %q", name)
	}
}

// Compress encodes raw with the given codec and wraps it in an envelope.
// If the codec cannot shrink raw, the envelope carries raw with Tag None.
// The returned slice never aliases raw.
func Compress(raw []byte, tag Tag) ([]byte, error) {
	if len(raw) > MaxRawSize {
		return nil, fmt.Errorf("raw size %d exceeds maximum %d", len(raw), MaxRawSize)
	}

	var body []byte
	var err error
	switch tag {
	case None:
		body = raw
	case LZ4:
		body, err = compressLZ4(raw)
	case Zstd:
		body, err = compressZstd(zstdEncoder, raw)
	case ZstdBest:
		body, err = compressZstd(zstdBestEncoder, raw)
	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", tag)
	}
	if errors.Is(err, errIncompressible) {
		tag, body = None, raw
	} else if err != nil {
		return nil, err
	}

	return seal(tag, len(raw), body), nil
}

// Decompress returns the raw bytes of an envelope. Any malformed input
// returns an error wrapping ErrCorrupt.
func Decompress(payload []byte) ([]byte, error) {
	tag, rawSize, body, err := open(payload)
	if err != nil {
		return nil, err
	}

	switch tag {
	case None:
		if len(body) != rawSize {
			return nil, fmt.Errorf("%w: stored body is %d bytes, header says %d", ErrCorrupt, len(body), rawSize)
		}
		out := make([]byte, rawSize)
		copy(out, body)
		return out, nil
	case LZ4:
		return decompressLZ4(body, rawSize)
	case Zstd, ZstdBest:
		return decompressZstd(body, rawSize)
	default:
		return nil, fmt.Errorf("%w: unknown codec tag %d", ErrCorrupt, tag)
	}
}

// RawSize returns the uncompressed size recorded in an envelope.
func RawSize(payload []byte) (int, error) {
	_, rawSize, _, err := open(payload)
	return rawSize, err
}

// TagOf returns the codec recorded in an envelope.
func TagOf(payload []byte) (Tag, error) {
	tag, _, _, err := open(payload)
	return tag, err
}

// Select probes raw and picks a codec: zstd when it reaches 1.5x, LZ4
// between 1.1x and 1.5x, None below that.
func Select(raw []byte) Tag {
	if len(raw) == 0 {
		return None
	}
	probe := zstdEncoder.EncodeAll(raw, nil)
	ratio := float64(len(raw)) / float64(len(probe))
	switch {
	case ratio >= 1.5:
		return Zstd
	case ratio >= 1.1:
		return LZ4
	default:
		return None
	}
}

func seal(tag Tag, rawSize int, body []byte) []byte {
	out := make([]byte, 1+binary.MaxVarintLen64+len(body))
	out[0] = byte(tag)
	n := binary.PutUvarint(out[1:], uint64(rawSize))
	copy(out[1+n:], body)
	return out[:1+n+len(body)]
}

func open(payload []byte) (Tag, int, []byte, error) {
	if len(payload) < 2 {
		return 0, 0, nil, fmt.Errorf("%w: envelope is %d bytes", ErrCorrupt, len(payload))
	}
	tag := Tag(payload[0])
	rawSize, n := binary.Uvarint(payload[1:])
	if n <= 0 {
		return 0, 0, nil, fmt.Errorf("%w: bad length header", ErrCorrupt)
	}
	if rawSize > MaxRawSize {
		return 0, 0, nil, fmt.Errorf("%w: claimed size %d exceeds maximum", ErrCorrupt, rawSize)
	}
	return tag, int(rawSize), payload[1+n:], nil
}

func compressLZ4(raw []byte) ([]byte, error) {
	destination := make([]byte, lz4.CompressBlockBound(len(raw)))
	written, err := lz4.CompressBlock(raw, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	// CompressBlock reports 0 for incompressible input.
	if written == 0 || written >= len(raw) {
		return nil, errIncompressible
	}
	return destination[:written], nil
}

func decompressLZ4(body []byte, rawSize int) ([]byte, error) {
	destination := make([]byte, rawSize)
	read, err := lz4.UncompressBlock(body, destination)
	if err != nil {
		return nil, fmt.Errorf("%w: lz4: %v", ErrCorrupt, err)
	}
	if read != rawSize {
		return nil, fmt.Errorf("%w: lz4 produced %d bytes, expected %d", ErrCorrupt, read, rawSize)
	}
	return destination, nil
}

func compressZstd(encoder *zstd.Encoder, raw []byte) ([]byte, error) {
	compressed := encoder.EncodeAll(raw, nil)
	if len(compressed) >= len(raw) {
		return nil, errIncompressible
	}
	return compressed, nil
}

func decompressZstd(body []byte, rawSize int) ([]byte, error) {
	result, err := zstdDecoder.DecodeAll(body, make([]byte, 0, rawSize))
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %v", ErrCorrupt, err)
	}
	if len(result) != rawSize {
		return nil, fmt.Errorf("%w: zstd produced %d bytes, expected %d", ErrCorrupt, len(result), rawSize)
	}
	return result, nil
}

// Policy picks the codec for a raw value at compression time.
type Policy func(raw []byte) Tag

// Fixed returns a Policy that always picks tag.
func Fixed(tag Tag) Policy {
	return func([]byte) Tag { return tag }
}

// Auto is the probing Policy; see Select.
var Auto Policy = Select

// ParsePolicy maps a configuration name to a Policy: "auto" or any name
// accepted by ParseTag.
func ParsePolicy(name string) (Policy, error) {
	if name == "auto" {
		return Auto, nil
	}
	tag, err := ParseTag(name)
	if err != nil {
		return nil, err
	}
	return Fixed(tag), nil
}
