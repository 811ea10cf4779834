// Package storage holds function binaries and data files, grouped into
// namespaces (buckets) and addressed by key.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	// ErrNotFound is returned for a missing namespace or key.
	ErrNotFound = errors.New("not found")
	// ErrExists is returned when creating a namespace that already exists.
	ErrExists = errors.New("already exists")
	// ErrNotEmpty is returned when deleting a namespace that still has keys.
	ErrNotEmpty = errors.New("namespace not empty")
	// ErrInvalidName is returned for names a backend cannot address safely.
	ErrInvalidName = errors.New("invalid name")
)

// Ref addresses one artifact.
type Ref struct {
	Namespace string
	Key       string
}

func (r Ref) String() string {
	return r.Namespace + "/" + r.Key
}

// Object describes a stored key.
type Object struct {
	Key  string `json:"name"`
	Size int64  `json:"size"`
}

// Fetcher is the read side used by the executor.
type Fetcher interface {
	// Fetch opens the object. Missing namespaces and keys yield ErrNotFound.
	Fetch(ctx context.Context, namespace, key string) (io.ReadCloser, error)
}

// Store is the full surface used by the serving layer and CLI. Safe for
// concurrent use.
type Store interface {
	Fetcher
	Put(ctx context.Context, namespace, key string, r io.Reader) error
	Delete(ctx context.Context, namespace, key string) error
	// List returns the namespace's objects sorted by key.
	List(ctx context.Context, namespace string) ([]Object, error)
	CreateNamespace(ctx context.Context, namespace string) error
	DeleteNamespace(ctx context.Context, namespace string) error
}

// ValidNamespace rejects names that are empty or contain a path separator.
func ValidNamespace(ns string) error {
	if ns == "" || ns == "." || ns == ".." || strings.ContainsAny(ns, `/\`) {
		return fmt.Errorf("namespace %q: %w", ns, ErrInvalidName)
	}
	return nil
}

// ValidKey rejects empty keys, absolute keys and keys with dot segments.
// Slashes are allowed and act as directory separators in DirStore.
func ValidKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, `\`) {
		return fmt.Errorf("key %q: %w", key, ErrInvalidName)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("key %q: %w", key, ErrInvalidName)
		}
	}
	return nil
}

func validate(ns, key string) error {
	if err := ValidNamespace(ns); err != nil {
		return err
	}
	return ValidKey(key)
}
