package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// DirStore maps namespaces to directories under a root and keys to files
// within them.
type DirStore struct {
	root string
}

var _ Store = (*DirStore)(nil)

// NewDirStore creates root if needed.
func NewDirStore(root string) (*DirStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", abs, err)
	}
	return &DirStore{root: abs}, nil
}

// Root is the absolute base directory.
func (d *DirStore) Root() string { return d.root }

func (d *DirStore) nsPath(namespace string) (string, error) {
	if err := ValidNamespace(namespace); err != nil {
		return "", err
	}
	return filepath.Join(d.root, namespace), nil
}

func (d *DirStore) keyPath(namespace, key string) (string, error) {
	if err := validate(namespace, key); err != nil {
		return "", err
	}
	return filepath.Join(d.root, namespace, filepath.FromSlash(key)), nil
}

func (d *DirStore) Fetch(ctx context.Context, namespace, key string) (io.ReadCloser, error) {
	p, err := d.keyPath(namespace, key)
	if err != nil {
		return nil, fmt.Errorf("%s/%s: %w", namespace, key, ErrNotFound)
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, notFound(err, namespace+"/"+key)
	}
	if st, err := f.Stat(); err == nil && st.IsDir() {
		f.Close()
		return nil, fmt.Errorf("%s/%s: %w", namespace, key, ErrNotFound)
	}
	return f, nil
}

func (d *DirStore) Put(ctx context.Context, namespace, key string, r io.Reader) error {
	p, err := d.keyPath(namespace, key)
	if err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Join(d.root, namespace)); err != nil {
		return notFound(err, "namespace "+namespace)
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(p), err)
	}

	// write then rename so readers never see a partial file
	tmp, err := os.CreateTemp(filepath.Dir(p), ".put-*")
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", namespace, key, err)
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("put %s/%s: %w", namespace, key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("put %s/%s: %w", namespace, key, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("put %s/%s: %w", namespace, key, err)
	}
	return nil
}

func (d *DirStore) Delete(ctx context.Context, namespace, key string) error {
	p, err := d.keyPath(namespace, key)
	if err != nil {
		return fmt.Errorf("%s/%s: %w", namespace, key, ErrNotFound)
	}
	if err := os.Remove(p); err != nil {
		return notFound(err, namespace+"/"+key)
	}

	// prune directories the key created, stopping at the namespace
	nsDir := filepath.Join(d.root, namespace)
	for dir := filepath.Dir(p); dir != nsDir && strings.HasPrefix(dir, nsDir); dir = filepath.Dir(dir) {
		if os.Remove(dir) != nil {
			break
		}
	}
	return nil
}

func (d *DirStore) List(ctx context.Context, namespace string) ([]Object, error) {
	nsDir, err := d.nsPath(namespace)
	if err != nil {
		return nil, fmt.Errorf("namespace %s: %w", namespace, ErrNotFound)
	}
	if _, err := os.Stat(nsDir); err != nil {
		return nil, notFound(err, "namespace "+namespace)
	}

	var list []Object
	err = filepath.WalkDir(nsDir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".put-") {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(nsDir, path)
		if err != nil {
			return err
		}
		list = append(list, Object{Key: filepath.ToSlash(rel), Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", namespace, err)
	}
	slices.SortFunc(list, func(a, b Object) int { return strings.Compare(a.Key, b.Key) })
	return list, nil
}

func (d *DirStore) CreateNamespace(ctx context.Context, namespace string) error {
	p, err := d.nsPath(namespace)
	if err != nil {
		return err
	}
	if err := os.Mkdir(p, 0o755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("namespace %s: %w", namespace, ErrExists)
		}
		return fmt.Errorf("create namespace %s: %w", namespace, err)
	}
	return nil
}

func (d *DirStore) DeleteNamespace(ctx context.Context, namespace string) error {
	p, err := d.nsPath(namespace)
	if err != nil {
		return fmt.Errorf("namespace %s: %w", namespace, ErrNotFound)
	}
	entries, err := os.ReadDir(p)
	if err != nil {
		return notFound(err, "namespace "+namespace)
	}
	if len(entries) > 0 {
		return fmt.Errorf("namespace %s: %w", namespace, ErrNotEmpty)
	}
	if err := os.Remove(p); err != nil {
		return fmt.Errorf("delete namespace %s: %w", namespace, err)
	}
	return nil
}

func notFound(err error, what string) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}
