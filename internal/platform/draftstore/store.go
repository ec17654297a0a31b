// Package draftstore holds claim drafts on the local side of a save: byte
// values keyed by appointment id.
package draftstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrUnreadable marks an entry that exists but can no longer be opened, for
// example after the encryption key changed.
var ErrUnreadable = errors.New("draftstore: entry unreadable")

type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Memory keeps drafts for the life of the process.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Sealer encrypts values at rest.
type Sealer interface {
	Seal(plain []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// Encrypted seals every value before it reaches the wrapped store.
type Encrypted struct {
	inner  Store
	sealer Sealer
}

func NewEncrypted(inner Store, sealer Sealer) *Encrypted {
	return &Encrypted{inner: inner, sealer: sealer}
}

func (e *Encrypted) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, ok, err := e.inner.Get(ctx, key)
	if err != nil || !ok {
		return nil, ok, err
	}
	plain, err := e.sealer.Open(v)
	if err != nil {
		return nil, false, fmt.Errorf("%w: open %s: %w", ErrUnreadable, key, err)
	}
	return plain, true, nil
}

func (e *Encrypted) Set(ctx context.Context, key string, value []byte) error {
	sealed, err := e.sealer.Seal(value)
	if err != nil {
		return fmt.Errorf("draftstore: seal %s: %w", key, err)
	}
	return e.inner.Set(ctx, key, sealed)
}

func (e *Encrypted) Delete(ctx context.Context, key string) error {
	return e.inner.Delete(ctx, key)
}

// Ping forwards to the wrapped store when it can be probed.
func (e *Encrypted) Ping(ctx context.Context) error {
	if p, ok := e.inner.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}
