package vfs

import (
	"fmt"
)

// ConflictName is the sibling name used when a slave reports a file whose
// size disagrees with the entry already in the tree.
func ConflictName(name, slave string) string {
	return name + "." + slave + ".conflict"
}

// Merge folds the detached directory src into the directory at p.
// Entries present on both sides are unioned: directories recurse, files keep
// the target's metadata, the older modification time and the union of both
// backing sets. Entries only in src are inserted as they are; source files
// with no backers are skipped.
func (t *Tree) Merge(p string, src *Node) error {
	if src == nil || !src.dir {
		return fmt.Errorf("merge source: %w", ErrNotDir)
	}
	segs, err := split(p)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	target, err := t.root.mkdirAll(segs)
	if err != nil {
		return fmt.Errorf("merge into %s: %w", p, err)
	}
	mergeDir(target, src)
	return nil
}

func mergeDir(target, src *Node) {
	for _, sc := range src.sortedChildren() {
		tc, ok := target.children[sc.name]
		switch {
		case !ok:
			if c := copyBacked(sc); c != nil {
				target.attach(c)
			}
		case tc.dir && sc.dir:
			mergeDir(tc, sc)
		case !tc.dir && !sc.dir:
			if sc.modTime.Before(tc.modTime) && !sc.modTime.IsZero() {
				tc.modTime = sc.modTime
			}
			for s := range sc.slaves {
				tc.slaves[s] = struct{}{}
			}
		}
		// A file on one side and a directory on the other cannot be
		// unioned; the target keeps its entry.
	}
}

// copyBacked clones n, dropping files that no slave backs. It returns nil for
// an unbacked file.
func copyBacked(n *Node) *Node {
	if !n.dir {
		if len(n.slaves) == 0 {
			return nil
		}
		return n.clone()
	}
	d := NewDir(n.name)
	d.modTime, d.owner, d.group = n.modTime, n.owner, n.group
	for _, c := range n.sortedChildren() {
		if cc := copyBacked(c); cc != nil {
			d.attach(cc)
		}
	}
	return d
}

// RemergeStats describes what a remerge changed.
type RemergeStats struct {
	Added     int `json:"added"`
	Updated   int `json:"updated"`
	Conflicts int `json:"conflicts"`
	Removed   int `json:"removed"`
}

// Remerge reconciles the subtree at scope with one slave's authoritative
// report of that subtree.
//
// For each reported file: a same-named, same-sized entry gains the slave as
// a backer; a size mismatch leaves the existing entry alone and records the
// slave's copy as "<name>.<slave>.conflict"; an unknown name is inserted with
// the slave as its only backer. An entry backed solely by the reporting slave
// is refreshed in place instead of conflicting: the slave's own copy changed
// while it was away, and a conflict sibling there would lose its original on
// the sweep below and flip back on the next remerge, so the result would no
// longer be idempotent. Directories are created as needed and never
// deleted. Finally every file under scope that the slave backed but did not
// report loses the slave, and files left with no backer are removed.
//
// Remerge is idempotent for an unchanged report. The match key is name plus
// size; checksums are not compared.
func (t *Tree) Remerge(scope string, report *Node, slave string) (RemergeStats, error) {
	var stats RemergeStats
	if report == nil || !report.dir {
		return stats, fmt.Errorf("remerge report: %w", ErrNotDir)
	}
	if slave == "" {
		return stats, fmt.Errorf("remerge without slave: %w", ErrInvalidPath)
	}
	segs, err := split(scope)
	if err != nil {
		return stats, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	live, err := t.root.mkdirAll(segs)
	if err != nil {
		return stats, fmt.Errorf("remerge %s: %w", scope, err)
	}

	credited := make(map[*Node]struct{})
	r := remerger{slave: slave, credited: credited, stats: &stats}
	r.dir(live, report)
	r.sweep(live)
	return stats, nil
}

type remerger struct {
	slave    string
	credited map[*Node]struct{}
	stats    *RemergeStats
}

func (r *remerger) dir(live, report *Node) {
	for _, rc := range report.sortedChildren() {
		lc, exists := live.children[rc.name]

		if rc.dir {
			switch {
			case !exists:
				d := NewDir(rc.name)
				d.modTime, d.owner, d.group = rc.modTime, rc.owner, rc.group
				live.attach(d)
				r.dir(d, rc)
			case lc.dir:
				r.dir(lc, rc)
			default:
				if d, ok := r.conflictDir(live, rc); ok {
					r.dir(d, rc)
				}
			}
			continue
		}

		switch {
		case !exists:
			r.insert(live, rc.name, rc)
			r.stats.Added++
		case lc.dir:
			r.conflictFile(live, rc)
		case lc.size == rc.size:
			r.credit(lc, rc)
		case r.soleBacker(lc):
			r.refresh(lc, rc)
		default:
			r.conflictFile(live, rc)
		}
	}
}

func (r *remerger) insert(parent *Node, name string, rc *Node) {
	n := NewFile(name, rc.size, rc.modTime, r.slave)
	n.owner, n.group, n.checksum = rc.owner, rc.group, rc.checksum
	parent.attach(n)
	r.credited[n] = struct{}{}
}

func (r *remerger) credit(lc, rc *Node) {
	if _, ok := lc.slaves[r.slave]; !ok {
		lc.slaves[r.slave] = struct{}{}
		r.stats.Updated++
	}
	if lc.checksum == 0 && rc.checksum != 0 {
		lc.checksum = rc.checksum
	}
	r.credited[lc] = struct{}{}
}

// refresh overwrites a file only the reporting slave backs with the
// slave's current metadata.
func (r *remerger) refresh(lc, rc *Node) {
	lc.modTime, lc.owner, lc.group, lc.checksum = rc.modTime, rc.owner, rc.group, rc.checksum
	lc.setFileSize(rc.size)
	r.credited[lc] = struct{}{}
	r.stats.Updated++
}

func (r *remerger) soleBacker(n *Node) bool {
	_, ok := n.slaves[r.slave]
	return ok && len(n.slaves) == 1
}

func (r *remerger) conflictFile(parent, rc *Node) {
	name := ConflictName(rc.name, r.slave)
	existing, ok := parent.children[name]
	switch {
	case !ok:
		r.insert(parent, name, rc)
		r.stats.Conflicts++
	case existing.dir:
		// Leave a directory of that name alone; the slave's copy stays
		// unrecorded until an operator resolves the clash.
	case existing.size == rc.size:
		r.credit(existing, rc)
	default:
		if r.soleBacker(existing) {
			r.refresh(existing, rc)
		}
	}
}

func (r *remerger) conflictDir(parent, rc *Node) (*Node, bool) {
	name := ConflictName(rc.name, r.slave)
	if existing, ok := parent.children[name]; ok {
		return existing, existing.dir
	}
	d := NewDir(name)
	d.modTime, d.owner, d.group = rc.modTime, rc.owner, rc.group
	parent.attach(d)
	r.stats.Conflicts++
	return d, true
}

// sweep removes the slave from every file under n it backs but did not
// report during this pass.
func (r *remerger) sweep(n *Node) {
	for _, c := range n.sortedChildren() {
		if c.dir {
			r.sweep(c)
			continue
		}
		if _, backs := c.slaves[r.slave]; !backs {
			continue
		}
		if _, ok := r.credited[c]; ok {
			continue
		}
		c.removeSlave(r.slave)
		r.stats.Removed++
	}
}

// Unmerge removes slave from every backing set in the tree, deleting files
// left without backers. It returns the number of files the slave backed.
func (t *Tree) Unmerge(slave string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	count := 0
	var visit func(n *Node)
	visit = func(n *Node) {
		for _, c := range n.sortedChildren() {
			if c.dir {
				visit(c)
				continue
			}
			if _, ok := c.slaves[slave]; ok {
				c.removeSlave(slave)
				count++
			}
		}
	}
	visit(t.root)
	return count
}
