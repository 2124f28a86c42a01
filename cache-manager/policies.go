package cachemanager

import (
	"time"

	"github.com/foldcache/foldcache/pkg/compress"
	"github.com/foldcache/foldcache/pkg/models"
)

// Storage policy defaults.
const (
	// DefaultPoorRatio is the compressed/raw ratio above which a stale unit
	// is recompressed.
	DefaultPoorRatio = 0.8

	// DefaultLowWatermark is the fraction of the byte ceiling an eviction
	// sweep reduces resident bytes to.
	DefaultLowWatermark = 0.8
)

// RecompressCodec is the codec OptimizeStorage recompresses stale units with.
const RecompressCodec = compress.ZstdBest

// StoragePolicy decides which units eviction sweeps and storage
// optimization act on.
type StoragePolicy struct {
	StaleAfter   time.Duration
	PoorRatio    float64
	LowWatermark float64
}

// NewStoragePolicy creates a policy with the default ratio and watermark.
func NewStoragePolicy(staleAfter time.Duration) StoragePolicy {
	return StoragePolicy{
		StaleAfter:   staleAfter,
		PoorRatio:    DefaultPoorRatio,
		LowWatermark: DefaultLowWatermark,
	}
}

// IsStale reports whether u has gone untouched for StaleAfter.
func (p StoragePolicy) IsStale(u *models.Unit, now time.Time) bool {
	return now.Sub(u.LastAccessed()) >= p.StaleAfter
}

// ShouldRecompress reports whether u is stale, compresses poorly, and has
// not already been tried with RecompressCodec. Incompressible units keep a
// poor ratio after their attempt and are not retried until their content
// changes.
func (p StoragePolicy) ShouldRecompress(u *models.Unit, now time.Time) bool {
	return p.IsStale(u, now) &&
		u.Ratio() > p.PoorRatio &&
		u.Codec() != RecompressCodec &&
		!u.RecompressTried(RecompressCodec)
}

// NeedsSweep reports whether resident bytes exceed the ceiling.
func (p StoragePolicy) NeedsSweep(resident, ceiling int64) bool {
	return resident > ceiling
}

// SweepTarget returns the resident byte count a sweep stops at.
func (p StoragePolicy) SweepTarget(ceiling int64) int64 {
	return int64(float64(ceiling) * p.LowWatermark)
}
