package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// document is a JSON object on disk mapping keys to records.
// Every mutation rewrites the whole file, so all access goes through mu.
type document[V any] struct {
	path string
	mu   sync.Mutex
}

func newDocument[V any](path string) *document[V] {
	return &document[V]{path: path}
}

// view runs fn against a snapshot of the document
func (d *document[V]) view(fn func(map[string]V) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	records, err := d.read()
	if err != nil {
		return err
	}
	return fn(records)
}

// update runs fn against the document and persists the result unless fn fails
func (d *document[V]) update(fn func(map[string]V) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	records, err := d.read()
	if err != nil {
		return err
	}
	if err := fn(records); err != nil {
		return err
	}
	return d.write(records)
}

func (d *document[V]) read() (map[string]V, error) {
	records := make(map[string]V)

	data, err := os.ReadFile(d.path)
	if errors.Is(err, os.ErrNotExist) {
		return records, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", d.path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return records, nil
	}

	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode %s: %w", d.path, err)
	}
	return records, nil
}

// write replaces the file atomically via a temp file in the same directory
func (d *document[V]) write(records map[string]V) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", d.path, err)
	}

	dir := filepath.Dir(d.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(d.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", d.path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", d.path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", d.path, err)
	}

	if err := os.Rename(tmp.Name(), d.path); err != nil {
		return fmt.Errorf("replace %s: %w", d.path, err)
	}
	return nil
}
