package draftstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-json"
)

// File keeps every draft in one JSON document. Each write replaces the
// document through a temp file and rename, so a crash leaves either the old or
// the new document on disk.
type File struct {
	path string

	mu   sync.Mutex
	data map[string][]byte
}

// OpenFile loads path, creating its directory when missing. A missing file is
// an empty store.
func OpenFile(path string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("draftstore: create dir: %w", err)
	}
	f := &File{path: path, data: make(map[string][]byte)}
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("draftstore: read %s: %w", path, err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &f.data); err != nil {
			return nil, fmt.Errorf("draftstore: decode %s: %w", path, err)
		}
	}
	return f, nil
}

func (f *File) Get(_ context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (f *File) Set(_ context.Context, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, had := f.data[key]
	f.data[key] = append([]byte(nil), value...)
	if err := f.persist(); err != nil {
		if had {
			f.data[key] = prev
		} else {
			delete(f.data, key)
		}
		return err
	}
	return nil
}

func (f *File) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, had := f.data[key]
	if !had {
		return nil
	}
	delete(f.data, key)
	if err := f.persist(); err != nil {
		f.data[key] = prev
		return err
	}
	return nil
}

func (f *File) persist() error {
	raw, err := json.Marshal(f.data)
	if err != nil {
		return fmt.Errorf("draftstore: encode: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".drafts-*")
	if err != nil {
		return fmt.Errorf("draftstore: temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("draftstore: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("draftstore: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("draftstore: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("draftstore: rename: %w", err)
	}
	return nil
}
