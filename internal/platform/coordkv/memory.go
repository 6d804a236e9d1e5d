package coordkv

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// memoryStore is an in-process Store used by tests and single-node dev
// runs. TTLs are enforced lazily on read.
type memoryStore struct {
	mu     sync.Mutex
	items  map[string]memoryItem
	tokens int64
}

type memoryItem struct {
	value    string
	expireAt time.Time
}

func NewMemory() Store {
	return &memoryStore{items: map[string]memoryItem{}}
}

func (m *memoryStore) live(key string) (memoryItem, bool) {
	it, ok := m.items[key]
	if !ok {
		return memoryItem{}, false
	}
	if !it.expireAt.IsZero() && time.Now().After(it.expireAt) {
		delete(m.items, key)
		return memoryItem{}, false
	}
	return it, true
}

func (m *memoryStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.live(key)
	return ok, nil
}

func (m *memoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.live(key)
	if !ok {
		return "", false, nil
	}
	return it.value, true, nil
}

func (m *memoryStore) Set(_ context.Context, key string, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it := memoryItem{value: value}
	if ttl > 0 {
		it.expireAt = time.Now().Add(ttl)
	}
	m.items[key] = it
	return nil
}

func (m *memoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *memoryStore) Scan(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k := range m.items {
		if _, ok := m.live(k); !ok {
			continue
		}
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (m *memoryStore) IncrBy(_ context.Context, key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var cur int64
	if it, ok := m.live(key); ok {
		n, err := strconv.ParseInt(it.value, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("coordkv: non-integer value at %s", key)
		}
		cur = n
	}
	cur += delta
	it := m.items[key]
	it.value = strconv.FormatInt(cur, 10)
	m.items[key] = it
	return cur, nil
}

func (m *memoryStore) Acquire(_ context.Context, key string, ttl time.Duration) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.live(key); held {
		return nil, ErrLeaseHeld
	}
	m.tokens++
	token := strconv.FormatInt(m.tokens, 10)
	it := memoryItem{value: token}
	if ttl > 0 {
		it.expireAt = time.Now().Add(ttl)
	}
	m.items[key] = it
	return &Lease{mem: m, Key: key, Token: token, TTL: ttl}, nil
}

func (m *memoryStore) reacquire(l *Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.live(l.Key)
	if !ok || it.value != l.Token {
		return ErrLeaseLost
	}
	if l.TTL > 0 {
		it.expireAt = time.Now().Add(l.TTL)
	}
	m.items[l.Key] = it
	return nil
}

func (m *memoryStore) release(l *Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if it, ok := m.live(l.Key); ok && it.value == l.Token {
		delete(m.items, l.Key)
	}
	return nil
}
