package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
)

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu         sync.RWMutex
	namespaces map[string]map[string][]byte
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{namespaces: make(map[string]map[string][]byte)}
}

func (m *MemoryStore) Fetch(ctx context.Context, namespace, key string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.namespaces[namespace][key]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", namespace, key, ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *MemoryStore) Put(ctx context.Context, namespace, key string, r io.Reader) error {
	if err := validate(namespace, key); err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read %s/%s: %w", namespace, key, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	objs, ok := m.namespaces[namespace]
	if !ok {
		return fmt.Errorf("namespace %s: %w", namespace, ErrNotFound)
	}
	objs[key] = data
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, namespace, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	objs, ok := m.namespaces[namespace]
	if !ok {
		return fmt.Errorf("namespace %s: %w", namespace, ErrNotFound)
	}
	if _, ok := objs[key]; !ok {
		return fmt.Errorf("%s/%s: %w", namespace, key, ErrNotFound)
	}
	delete(objs, key)
	return nil
}

func (m *MemoryStore) List(ctx context.Context, namespace string) ([]Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	objs, ok := m.namespaces[namespace]
	if !ok {
		return nil, fmt.Errorf("namespace %s: %w", namespace, ErrNotFound)
	}
	list := make([]Object, 0, len(objs))
	for k, v := range objs {
		list = append(list, Object{Key: k, Size: int64(len(v))})
	}
	slices.SortFunc(list, func(a, b Object) int { return strings.Compare(a.Key, b.Key) })
	return list, nil
}

func (m *MemoryStore) CreateNamespace(ctx context.Context, namespace string) error {
	if err := ValidNamespace(namespace); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.namespaces[namespace]; ok {
		return fmt.Errorf("namespace %s: %w", namespace, ErrExists)
	}
	m.namespaces[namespace] = make(map[string][]byte)
	return nil
}

func (m *MemoryStore) DeleteNamespace(ctx context.Context, namespace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	objs, ok := m.namespaces[namespace]
	if !ok {
		return fmt.Errorf("namespace %s: %w", namespace, ErrNotFound)
	}
	if len(objs) > 0 {
		return fmt.Errorf("namespace %s: %w", namespace, ErrNotEmpty)
	}
	delete(m.namespaces, namespace)
	return nil
}
