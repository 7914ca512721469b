package vfs

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// Snapshot format: zstd-compressed JSON lines, one Entry per directory or
// file, parents before children. Directory sizes are informational; they are
// recomputed from the files on load.

// WriteSnapshot streams the whole tree to w.
func (t *Tree) WriteSnapshot(w io.Writer) error {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	js := json.NewEncoder(enc)

	t.mu.RLock()
	var visit func(n *Node) error
	visit = func(n *Node) error {
		for _, c := range n.sortedChildren() {
			if err := js.Encode(c.entry()); err != nil {
				return err
			}
			if c.dir {
				if err := visit(c); err != nil {
					return err
				}
			}
		}
		return nil
	}
	err = visit(t.root)
	t.mu.RUnlock()

	if err != nil {
		_ = enc.Close()
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("flush snapshot: %w", err)
	}
	return nil
}

// ReadSnapshot rebuilds a tree from a snapshot stream. Files recorded without
// any backing slave are dropped.
func ReadSnapshot(r io.Reader) (*Tree, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}
	defer dec.Close()

	t := NewTree()
	js := json.NewDecoder(dec)
	for {
		var e Entry
		if err := js.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		if !e.Dir && len(e.Slaves) == 0 {
			continue
		}
		if err := t.root.Add(e); err != nil {
			return nil, fmt.Errorf("snapshot entry %s: %w", e.Path, err)
		}
	}
	return t, nil
}

// SaveSnapshot writes the tree to path atomically.
func (t *Tree) SaveSnapshot(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*")
	if err != nil {
		return fmt.Errorf("create snapshot file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if err := t.WriteSnapshot(tmp); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("install snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads a snapshot file. A missing file yields an empty tree.
func LoadSnapshot(path string) (*Tree, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return NewTree(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ReadSnapshot(f)
}
