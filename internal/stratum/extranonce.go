package stratum

import (
	"encoding/hex"
	"sync"

	"github.com/google/uuid"

	"github.com/bardlex/stratumpool/pkg/errors"
)

const (
	// Extranonce1Size is the byte length of the per-session extranonce1.
	Extranonce1Size = 4

	allocateAttempts = 16
)

// ExtranonceAllocator hands out extranonce1 values that are unique among
// live sessions. The value doubles as the session ID.
type ExtranonceAllocator struct {
	mu       sync.Mutex
	live     map[string]struct{}
	generate func() ([]byte, error)
}

// NewExtranonceAllocator draws extranonce1 from random UUIDs.
func NewExtranonceAllocator() *ExtranonceAllocator {
	return &ExtranonceAllocator{
		live:     make(map[string]struct{}),
		generate: randomExtranonce,
	}
}

func randomExtranonce() ([]byte, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, err
	}
	return id[:Extranonce1Size], nil
}

// Allocate reserves a fresh extranonce1 and returns it as 8 hex chars.
func (a *ExtranonceAllocator) Allocate() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for range allocateAttempts {
		raw, err := a.generate()
		if err != nil {
			return "", errors.Wrap(err, errors.ErrorTypeInternal, "allocate_extranonce", "random source failed")
		}
		if len(raw) != Extranonce1Size {
			return "", errors.New(errors.ErrorTypeInternal, "allocate_extranonce", "generator returned wrong size")
		}
		en1 := hex.EncodeToString(raw)
		if _, taken := a.live[en1]; taken {
			continue
		}
		a.live[en1] = struct{}{}
		return en1, nil
	}
	return "", errors.New(errors.ErrorTypeInternal, "allocate_extranonce", "no free extranonce1").
		WithContext("live_sessions", len(a.live))
}

// Release returns en1 to the pool.
func (a *ExtranonceAllocator) Release(en1 string) {
	a.mu.Lock()
	delete(a.live, en1)
	a.mu.Unlock()
}

// Len returns the number of reserved values.
func (a *ExtranonceAllocator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}
