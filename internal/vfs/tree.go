package vfs

import (
	"fmt"
	"sync"
)

// Tree is the merged namespace. A single RWMutex guards every node: writers
// hold it across a whole logical operation so aggregate sizes and backing
// sets are never observed half-updated.
type Tree struct {
	mu   sync.RWMutex
	root *Node
}

// NewTree returns an empty tree.
func NewTree() *Tree {
	return &Tree{root: NewDir("")}
}

// Stats summarises the tree.
type Stats struct {
	Files int   `json:"files"`
	Dirs  int   `json:"dirs"`
	Bytes int64 `json:"bytes"`
}

// Stats counts files and directories below the root.
func (t *Tree) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var s Stats
	var visit func(n *Node)
	visit = func(n *Node) {
		for _, c := range n.children {
			if c.dir {
				s.Dirs++
				visit(c)
			} else {
				s.Files++
			}
		}
	}
	visit(t.root)
	s.Bytes = t.root.size
	return s
}

// Stat returns metadata for a path.
func (t *Tree) Stat(p string) (Info, bool) {
	segs, err := split(p)
	if err != nil {
		return Info{}, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.root.walk(segs)
	if !ok {
		return Info{}, false
	}
	return n.info(), true
}

// List returns the children of a directory sorted by name.
func (t *Tree) List(p string) ([]Info, error) {
	segs, err := split(p)
	if err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.root.walk(segs)
	if !ok {
		return nil, fmt.Errorf("%s: %w", p, ErrNotFound)
	}
	if !n.dir {
		return nil, fmt.Errorf("%s: %w", p, ErrNotDir)
	}
	out := make([]Info, 0, len(n.children))
	for _, c := range n.sortedChildren() {
		out = append(out, c.info())
	}
	return out, nil
}

// Mkdir creates a directory and any missing parents.
func (t *Tree) Mkdir(p string) error {
	segs, err := split(p)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.root.mkdirAll(segs); err != nil {
		return fmt.Errorf("mkdir %s: %w", p, err)
	}
	return nil
}

// AddFile records a file stored on slave, as after an upload. An existing
// file at the path gains the slave as a backer and takes the new metadata.
func (t *Tree) AddFile(p string, e Entry, slave string) error {
	segs, err := split(p)
	if err != nil {
		return err
	}
	if len(segs) == 0 || slave == "" {
		return ErrInvalidPath
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	parent, err := t.root.mkdirAll(segs[:len(segs)-1])
	if err != nil {
		return fmt.Errorf("add %s: %w", p, err)
	}
	name := segs[len(segs)-1]
	if existing, ok := parent.children[name]; ok {
		if existing.dir {
			return fmt.Errorf("add %s: %w", p, ErrIsDir)
		}
		existing.slaves[slave] = struct{}{}
		existing.setMeta(e)
		existing.setFileSize(e.Size)
		return nil
	}

	e.Dir = false
	e.Slaves = []string{slave}
	parent.attach(nodeFromEntry(name, e))
	return nil
}

// Delete removes a file or a whole directory subtree.
func (t *Tree) Delete(p string) error {
	segs, err := split(p)
	if err != nil {
		return err
	}
	if len(segs) == 0 {
		return fmt.Errorf("delete root: %w", ErrInvalidPath)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.root.walk(segs)
	if !ok {
		return fmt.Errorf("delete %s: %w", p, ErrNotFound)
	}
	n.detach()
	return nil
}

// Rename moves a node to a new path. The destination must not exist; its
// parent directories are created as needed.
func (t *Tree) Rename(from, to string) error {
	fromSegs, err := split(from)
	if err != nil {
		return err
	}
	toSegs, err := split(to)
	if err != nil {
		return err
	}
	if len(fromSegs) == 0 || len(toSegs) == 0 {
		return fmt.Errorf("rename root: %w", ErrInvalidPath)
	}
	if len(toSegs) > len(fromSegs) && isPrefix(fromSegs, toSegs) {
		return fmt.Errorf("rename %s into itself: %w", from, ErrInvalidPath)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.root.walk(fromSegs)
	if !ok {
		return fmt.Errorf("rename %s: %w", from, ErrNotFound)
	}
	if _, exists := t.root.walk(toSegs); exists {
		return fmt.Errorf("rename to %s: %w", to, ErrExists)
	}
	parent, err := t.root.mkdirAll(toSegs[:len(toSegs)-1])
	if err != nil {
		return fmt.Errorf("rename to %s: %w", to, err)
	}
	n.detach()
	n.name = toSegs[len(toSegs)-1]
	parent.attach(n)
	return nil
}

// AddBacker records that slave now holds a copy of the file.
func (t *Tree) AddBacker(p, slave string) error {
	return t.withFile(p, func(n *Node) error {
		n.slaves[slave] = struct{}{}
		return nil
	})
}

// RemoveBacker drops slave from the file's backing set, deleting the file
// when no backer remains. It reports whether the slave had been a backer.
func (t *Tree) RemoveBacker(p, slave string) (bool, error) {
	var had bool
	err := t.withFile(p, func(n *Node) error {
		if _, had = n.slaves[slave]; had {
			n.removeSlave(slave)
		}
		return nil
	})
	return had, err
}

// Backers returns the sorted names of the slaves holding the file.
func (t *Tree) Backers(p string) ([]string, bool) {
	info, ok := t.Stat(p)
	if !ok || info.Dir {
		return nil, false
	}
	return info.Slaves, true
}

// SetChecksum caches a checksum on a file node.
func (t *Tree) SetChecksum(p string, crc uint32) error {
	return t.withFile(p, func(n *Node) error {
		n.checksum = crc
		return nil
	})
}

// Files returns every file below dir, in path order.
func (t *Tree) Files(dir string) []Info {
	segs, err := split(dir)
	if err != nil {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	start, ok := t.root.walk(segs)
	if !ok {
		return nil
	}
	var out []Info
	var visit func(n *Node)
	visit = func(n *Node) {
		if !n.dir {
			out = append(out, n.info())
			return
		}
		for _, c := range n.sortedChildren() {
			visit(c)
		}
	}
	visit(start)
	return out
}

// Walk calls fn for every node below the root in path order, parents before
// children. fn runs under the read lock and must not call back into the tree.
func (t *Tree) Walk(fn func(Info) error) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var visit func(n *Node) error
	visit = func(n *Node) error {
		for _, c := range n.sortedChildren() {
			if err := fn(c.info()); err != nil {
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
	return visit(t.root)
}

// Size returns the size of a file or the aggregate size of a directory.
func (t *Tree) Size(p string) (int64, bool) {
	info, ok := t.Stat(p)
	if !ok {
		return 0, false
	}
	return info.Size, true
}

// BackerCounts returns, for the files directly inside dir, how many each
// slave backs.
func (t *Tree) BackerCounts(dir string) map[string]int {
	segs, err := split(dir)
	if err != nil {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.root.walk(segs)
	if !ok || !n.dir {
		return nil
	}
	counts := make(map[string]int)
	for _, c := range n.children {
		for s := range c.slaves {
			counts[s]++
		}
	}
	return counts
}

func (t *Tree) withFile(p string, fn func(n *Node) error) error {
	segs, err := split(p)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.root.walk(segs)
	if !ok {
		return fmt.Errorf("%s: %w", p, ErrNotFound)
	}
	if n.dir {
		return fmt.Errorf("%s: %w", p, ErrIsDir)
	}
	return fn(n)
}

func isPrefix(prefix, segs []string) bool {
	for i := range prefix {
		if prefix[i] != segs[i] {
			return false
		}
	}
	return true
}
