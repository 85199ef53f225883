package keystore

import "sync"

// Memory is an in-process Store. Entries live only as long as the value.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]map[string]string
	failErr error
}

// NewMemory returns an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]map[string]string)}
}

// FailWith makes every subsequent call return err. Pass nil to clear.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}

// Set implements Store.
func (m *Memory) Set(namespace, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failErr != nil {
		return m.failErr
	}
	ns, ok := m.entries[namespace]
	if !ok {
		ns = make(map[string]string)
		m.entries[namespace] = ns
	}
	ns[key] = value
	return nil
}

// Get implements Store.
func (m *Memory) Get(namespace, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.failErr != nil {
		return "", m.failErr
	}
	value, ok := m.entries[namespace][key]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

// Delete implements Store.
func (m *Memory) Delete(namespace, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failErr != nil {
		return m.failErr
	}
	ns, ok := m.entries[namespace]
	if !ok {
		return ErrNotFound
	}
	if _, ok := ns[key]; !ok {
		return ErrNotFound
	}
	delete(ns, key)
	return nil
}

// Len returns the number of entries stored under namespace.
func (m *Memory) Len(namespace string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries[namespace])
}
