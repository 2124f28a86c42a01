package cachemanager

import (
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/foldcache/foldcache/pkg/models"
)

// RequestCoalescer collapses concurrent hydrations of one key into a single
// execution. Without it, N readers of a cold key would each take the
// hydration path; the unit mutex would keep decompression single, but the
// hot-set and counters would see N promotions.
type RequestCoalescer struct {
	group    singleflight.Group
	inFlight atomic.Int64
}

// NewRequestCoalescer creates a new request coalescer.
func NewRequestCoalescer() *RequestCoalescer {
	return &RequestCoalescer{}
}

// Do runs fn once per key among concurrent callers. shared reports whether
// the result was delivered to more than one caller.
func (c *RequestCoalescer) Do(key string, fn func() (*models.Unit, error)) (u *models.Unit, shared bool, err error) {
	v, err, shared := c.group.Do(key, func() (any, error) {
		c.inFlight.Add(1)
		defer c.inFlight.Add(-1)
		return fn()
	})
	if v != nil {
		u = v.(*models.Unit)
	}
	return u, shared, err
}

// Forget drops an in-flight key so the next caller starts a fresh
// execution, used when the key is removed mid-hydration.
func (c *RequestCoalescer) Forget(key string) {
	c.group.Forget(key)
}

// InFlight returns the number of executions currently running.
func (c *RequestCoalescer) InFlight() int {
	return int(c.inFlight.Load())
}
