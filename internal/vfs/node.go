// Package vfs holds the master's merged view of every file stored on the
// slaves: one directory tree whose file nodes record which slaves back them.
package vfs

import (
	"path"
	"sort"
	"strings"
	"time"
)

// Entry is a flat description of one path, used for slave listings and
// snapshot records.
type Entry struct {
	Path     string    `json:"path"`
	Dir      bool      `json:"dir,omitempty"`
	Size     int64     `json:"size"`
	ModTime  time.Time `json:"mtime"`
	Owner    string    `json:"owner,omitempty"`
	Group    string    `json:"group,omitempty"`
	Checksum uint32    `json:"checksum,omitempty"`
	Slaves   []string  `json:"slaves,omitempty"`
}

// Node is a directory or file in a tree. Nodes attached to a Tree are only
// touched while holding the tree lock; detached nodes (reports built with
// BuildReport) belong to whoever built them.
type Node struct {
	name     string
	parent   *Node
	dir      bool
	size     int64 // file size, or sum of children for directories
	modTime  time.Time
	owner    string
	group    string
	checksum uint32

	children map[string]*Node    // directories only
	slaves   map[string]struct{} // files only
}

// NewDir returns an empty detached directory.
func NewDir(name string) *Node {
	return &Node{name: name, dir: true, children: make(map[string]*Node)}
}

// NewFile returns a detached file node backed by the given slaves.
func NewFile(name string, size int64, modTime time.Time, slaves ...string) *Node {
	n := &Node{name: name, size: size, modTime: modTime, slaves: make(map[string]struct{}, len(slaves))}
	for _, s := range slaves {
		n.slaves[s] = struct{}{}
	}
	return n
}

// Name returns the last path segment.
func (n *Node) Name() string { return n.name }

// IsDir reports whether the node is a directory.
func (n *Node) IsDir() bool { return n.dir }

// Size returns the file size or the aggregate size of a directory.
func (n *Node) Size() int64 { return n.size }

// Child returns the named child of a directory.
func (n *Node) Child(name string) (*Node, bool) {
	c, ok := n.children[name]
	return c, ok
}

// Path returns the absolute path of the node.
func (n *Node) Path() string {
	if n.parent == nil {
		return "/"
	}
	var segs []string
	for c := n; c.parent != nil; c = c.parent {
		segs = append(segs, c.name)
	}
	for i, j := 0, len(segs)-1; i < j; i, j = i+1, j-1 {
		segs[i], segs[j] = segs[j], segs[i]
	}
	return "/" + strings.Join(segs, "/")
}

// Add inserts an entry into a detached directory, creating intermediate
// directories. Used to build reports; never call it on a node owned by a Tree.
func (n *Node) Add(e Entry) error {
	segs, err := split(e.Path)
	if err != nil {
		return err
	}
	if len(segs) == 0 {
		return ErrInvalidPath
	}
	parent, err := n.mkdirAll(segs[:len(segs)-1])
	if err != nil {
		return err
	}
	name := segs[len(segs)-1]
	if existing, ok := parent.children[name]; ok {
		if existing.dir && e.Dir {
			existing.setMeta(e)
			return nil
		}
		return ErrExists
	}
	child := nodeFromEntry(name, e)
	parent.attach(child)
	return nil
}

// BuildReport turns a flat listing into a detached directory tree.
// Malformed or duplicate entries are skipped, the count of skipped entries is
// returned alongside the tree.
func BuildReport(entries []Entry) (*Node, int) {
	root := NewDir("")
	skipped := 0
	for _, e := range entries {
		if err := root.Add(e); err != nil {
			skipped++
		}
	}
	return root, skipped
}

// Info is an immutable copy of a node's metadata.
type Info struct {
	Path     string    `json:"path"`
	Name     string    `json:"name"`
	Dir      bool      `json:"dir"`
	Size     int64     `json:"size"`
	ModTime  time.Time `json:"mtime"`
	Owner    string    `json:"owner,omitempty"`
	Group    string    `json:"group,omitempty"`
	Checksum uint32    `json:"checksum,omitempty"`
	Slaves   []string  `json:"slaves,omitempty"`
	Children int       `json:"children,omitempty"`
}

// HasSlave reports whether the named slave backs the file.
func (i Info) HasSlave(name string) bool {
	for _, s := range i.Slaves {
		if s == name {
			return true
		}
	}
	return false
}

func (n *Node) info() Info {
	return Info{
		Path:     n.Path(),
		Name:     n.name,
		Dir:      n.dir,
		Size:     n.size,
		ModTime:  n.modTime,
		Owner:    n.owner,
		Group:    n.group,
		Checksum: n.checksum,
		Slaves:   n.slaveNames(),
		Children: len(n.children),
	}
}

func (n *Node) entry() Entry {
	return Entry{
		Path:     n.Path(),
		Dir:      n.dir,
		Size:     n.size,
		ModTime:  n.modTime,
		Owner:    n.owner,
		Group:    n.group,
		Checksum: n.checksum,
		Slaves:   n.slaveNames(),
	}
}

func (n *Node) slaveNames() []string {
	if len(n.slaves) == 0 {
		return nil
	}
	names := make([]string, 0, len(n.slaves))
	for s := range n.slaves {
		names = append(names, s)
	}
	sort.Strings(names)
	return names
}

func (n *Node) sortedChildren() []*Node {
	out := make([]*Node, 0, len(n.children))
	for _, c := range n.children {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

func (n *Node) setMeta(e Entry) {
	n.modTime = e.ModTime
	n.owner = e.Owner
	n.group = e.Group
	if e.Checksum != 0 {
		n.checksum = e.Checksum
	}
}

func nodeFromEntry(name string, e Entry) *Node {
	var n *Node
	if e.Dir {
		n = NewDir(name)
	} else {
		n = NewFile(name, e.Size, e.ModTime, e.Slaves...)
	}
	n.setMeta(e)
	return n
}

// attach links child under n and adds its size to every ancestor.
func (n *Node) attach(child *Node) {
	n.children[child.name] = child
	child.parent = n
	n.adjust(child.size)
}

// detach unlinks n from its parent and subtracts its size from every ancestor.
func (n *Node) detach() {
	p := n.parent
	if p == nil {
		return
	}
	delete(p.children, n.name)
	n.parent = nil
	p.adjust(-n.size)
}

// adjust adds delta to n and all of its ancestors.
func (n *Node) adjust(delta int64) {
	if delta == 0 {
		return
	}
	for c := n; c != nil; c = c.parent {
		c.size += delta
	}
}

func (n *Node) setFileSize(size int64) {
	delta := size - n.size
	n.size = size
	if n.parent != nil {
		n.parent.adjust(delta)
	}
}

// removeSlave drops a backer and detaches the file once nothing backs it.
// It reports whether the file was detached.
func (n *Node) removeSlave(slave string) bool {
	delete(n.slaves, slave)
	if len(n.slaves) == 0 {
		n.detach()
		return true
	}
	return false
}

func (n *Node) mkdirAll(segs []string) (*Node, error) {
	cur := n
	for _, s := range segs {
		next, ok := cur.children[s]
		if !ok {
			next = NewDir(s)
			cur.attach(next)
		} else if !next.dir {
			return nil, ErrNotDir
		}
		cur = next
	}
	return cur, nil
}

func (n *Node) walk(segs []string) (*Node, bool) {
	cur := n
	for _, s := range segs {
		if !cur.dir {
			return nil, false
		}
		next, ok := cur.children[s]
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// clone deep-copies a subtree into a detached node.
func (n *Node) clone() *Node {
	c := &Node{
		name:     n.name,
		dir:      n.dir,
		size:     n.size,
		modTime:  n.modTime,
		owner:    n.owner,
		group:    n.group,
		checksum: n.checksum,
	}
	if n.dir {
		c.children = make(map[string]*Node, len(n.children))
		for name, child := range n.children {
			cc := child.clone()
			cc.parent = c
			c.children[name] = cc
		}
	} else {
		c.slaves = make(map[string]struct{}, len(n.slaves))
		for s := range n.slaves {
			c.slaves[s] = struct{}{}
		}
	}
	return c
}

// split cleans an absolute or relative path into its segments.
func split(p string) ([]string, error) {
	if strings.ContainsRune(p, 0) {
		return nil, ErrInvalidPath
	}
	clean := path.Clean("/" + p)
	if clean == "/" {
		return nil, nil
	}
	return strings.Split(strings.TrimPrefix(clean, "/"), "/"), nil
}
