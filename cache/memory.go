package cache

import (
	"context"
	"sync"
)

type memCache struct {
	keys    []string
	entries map[string]CacheEntry
}

func (c *memCache) remove(key string) bool {
	if _, ok := c.entries[key]; !ok {
		return false
	}
	delete(c.entries, key)
	for i, k := range c.keys {
		if k == key {
			c.keys = append(c.keys[:i], c.keys[i+1:]...)
			break
		}
	}
	return true
}

// MemCache keeps all caches in process memory.
type MemCache struct {
	mutex  *sync.RWMutex
	names  *[]string
	caches map[string]*memCache
}

func NewMemCache() MemCache {
	return MemCache{
		mutex:  &sync.RWMutex{},
		names:  &[]string{},
		caches: make(map[string]*memCache),
	}
}

func (m MemCache) CreateCache(_ context.Context, name string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.caches[name]; !ok {
		m.caches[name] = &memCache{entries: make(map[string]CacheEntry)}
		*m.names = append(*m.names, name)
	}
	return nil
}

func (m MemCache) HasCache(_ context.Context, name string) (bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.caches[name]
	return ok, nil
}

func (m MemCache) CacheNames(_ context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return append([]string{}, *m.names...), nil
}

func (m MemCache) DeleteCache(_ context.Context, name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.caches[name]; !ok {
		return false, nil
	}
	delete(m.caches, name)
	names := *m.names
	for i, n := range names {
		if n == name {
			*m.names = append(names[:i], names[i+1:]...)
			break
		}
	}
	return true, nil
}

func (m MemCache) Get(_ context.Context, name, key string) ([]byte, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	c, ok := m.caches[name]
	if !ok {
		return nil, false, nil
	}
	entry, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	return entry.Bytes, true, nil
}

func (m MemCache) PutCE(_ context.Context, name string, ce CacheEntry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	c, ok := m.caches[name]
	if !ok {
		return ErrNoSuchCache
	}
	c.remove(ce.Key)
	c.entries[ce.Key] = ce
	c.keys = append(c.keys, ce.Key)
	return nil
}

func (m MemCache) Purge(_ context.Context, name, key string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	c, ok := m.caches[name]
	if !ok {
		return false, nil
	}
	return c.remove(key), nil
}

func (m MemCache) Keys(_ context.Context, name string) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	c, ok := m.caches[name]
	if !ok {
		return []string{}, nil
	}
	return append([]string{}, c.keys...), nil
}

func (m MemCache) Close() error {
	return nil
}
