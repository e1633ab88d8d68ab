// Package lanes provides striped mutexes keyed by string.
//
// Two callers using the same key always share a stripe; unrelated keys
// usually do not. The number of stripes is fixed, so memory does not grow
// with the number of identities.
package lanes

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const DefaultStripes = 256

type Lanes struct {
	stripes []sync.Mutex
}

func New(stripes int) *Lanes {
	if stripes <= 0 {
		stripes = DefaultStripes
	}
	return &Lanes{stripes: make([]sync.Mutex, stripes)}
}

// Lock acquires the lane of key and returns its release function.
func (l *Lanes) Lock(key string) (unlock func()) {
	mu := &l.stripes[Index(key, len(l.stripes))]
	mu.Lock()
	return mu.Unlock
}

// Index maps key onto [0, n).
func Index(key string, n int) int {
	return int(xxhash.Sum64String(key) % uint64(n))
}
