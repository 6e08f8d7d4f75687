// Package ziptree presents a ZIP archive as a tree of named blobs that
// can be browsed, edited and written back out as a new archive.
//
// File nodes read from an archive keep a reference to the archive bytes
// and decompress on the first call to Data; the result is cached.
package ziptree

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/ha1tch/zlate/pkg/archive"
)

// chunkSize is the copy unit of Node.WriteTo.
const chunkSize = 512 << 10

var (
	ErrExists      = errors.New("ziptree: name already exists")
	ErrNotFound    = errors.New("ziptree: no such entry")
	ErrNotDir      = errors.New("ziptree: not a directory")
	ErrIsDir       = errors.New("ziptree: is a directory")
	ErrInvalidName = errors.New("ziptree: invalid name")
	ErrRoot        = errors.New("ziptree: operation not allowed on the root")
)

// Node is a file or directory in a Tree.
type Node struct {
	name     string
	parent   *Node
	dir      bool
	children []*Node

	modTime time.Time
	mode    os.FileMode
	size    uint64

	data   []byte
	loaded bool

	// source archive of a lazily read file
	src   []byte
	entry *archive.Entry
}

// Tree is a rooted tree of Nodes. The root is an unnamed directory.
type Tree struct {
	root *Node
}

// New returns an empty tree.
func New() *Tree {
	return &Tree{root: &Node{dir: true, mode: os.ModeDir | 0755}}
}

// FromArchive builds a tree from the entries of a ZIP archive. Missing
// parent directories are created. Entry data is not decompressed until
// it is asked for.
func FromArchive(data []byte) (*Tree, error) {
	entries, err := archive.List(data)
	if err != nil {
		return nil, err
	}

	t := New()
	for _, e := range entries {
		parts, err := splitPath(e.Name)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", err, e.Name)
		}
		if len(parts) == 0 {
			continue
		}

		parent := t.root
		for _, p := range parts[:len(parts)-1] {
			if parent, err = parent.ensureDir(p, e.ModTime); err != nil {
				return nil, fmt.Errorf("%s: %w", e.Name, err)
			}
		}

		name := parts[len(parts)-1]
		if e.IsDir() {
			dir, err := parent.ensureDir(name, e.ModTime)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", e.Name, err)
			}
			dir.modTime = e.ModTime
			if e.Mode != 0 {
				dir.mode = e.Mode | os.ModeDir
			}
			continue
		}

		if parent.Child(name) != nil {
			return nil, fmt.Errorf("%s: %w", e.Name, ErrExists)
		}
		parent.attach(&Node{
			name:    name,
			modTime: e.ModTime,
			mode:    e.Mode,
			size:    e.Size,
			src:     data,
			entry:   e,
		})
	}
	return t, nil
}

// Root returns the root directory.
func (t *Tree) Root() *Node { return t.root }

// Find returns the node at a slash-separated path relative to the root.
// The empty path names the root.
func (t *Tree) Find(path string) (*Node, error) {
	parts, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	n := t.root
	for _, p := range parts {
		if !n.dir {
			return nil, fmt.Errorf("%s: %w", path, ErrNotDir)
		}
		if n = n.Child(p); n == nil {
			return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
	}
	return n, nil
}

// Remove detaches n and everything below it.
func (t *Tree) Remove(n *Node) error {
	if n == t.root || n.parent == nil {
		return ErrRoot
	}
	n.parent.detach(n)
	return nil
}

// Put stores data as the file at path, creating missing parent
// directories. A file already at path is replaced in place. Symlinks
// carry os.ModeSymlink in mode and the target as data.
func (t *Tree) Put(path string, data []byte, modTime time.Time, mode os.FileMode) (*Node, error) {
	parts, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, path)
	}
	dir, err := t.mkdirAll(parts[:len(parts)-1], modTime)
	if err != nil {
		return nil, err
	}

	name := parts[len(parts)-1]
	n := dir.Child(name)
	switch {
	case n == nil:
		n = dir.attach(&Node{name: name})
	case n.dir:
		return nil, fmt.Errorf("%s: %w", n.Path(), ErrIsDir)
	}
	if mode == 0 {
		mode = 0644
	}
	n.modTime, n.mode = modTime, mode
	n.data, n.size, n.loaded = data, uint64(len(data)), true
	n.src, n.entry = nil, nil
	return n, nil
}

// Mkdir creates the directory at path and any missing parents. An
// existing directory takes the new time and permissions.
func (t *Tree) Mkdir(path string, modTime time.Time, perm os.FileMode) (*Node, error) {
	parts, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return t.root, nil
	}
	dir, err := t.mkdirAll(parts, modTime)
	if err != nil {
		return nil, err
	}
	dir.modTime = modTime
	if perm.Perm() != 0 {
		dir.mode = os.ModeDir | perm.Perm()
	}
	return dir, nil
}

func (t *Tree) mkdirAll(parts []string, modTime time.Time) (*Node, error) {
	n := t.root
	for _, p := range parts {
		var err error
		if n, err = n.ensureDir(p, modTime); err != nil {
			return nil, err
		}
	}
	return n, nil
}

// WalkFunc is called for every node visited by Walk. Returning
// fs.SkipDir from a directory skips its children.
type WalkFunc func(path string, n *Node) error

// Walk visits every node below the root depth-first, parents before
// children and siblings in insertion order. The root itself is not
// visited.
func (t *Tree) Walk(fn WalkFunc) error {
	err := t.root.walk(fn)
	if errors.Is(err, fs.SkipDir) {
		return nil
	}
	return err
}

// TotalSize returns the uncompressed size of every file in the tree.
func (t *Tree) TotalSize() uint64 { return t.root.TotalSize() }

// Archive writes the tree out as a new ZIP archive. If any file fails
// to load, no archive is produced and every failure is reported
// together.
func (t *Tree) Archive(opts archive.Options) ([]byte, error) {
	a := archive.NewArchive(opts)
	var errs *multierror.Error
	err := t.Walk(func(path string, n *Node) error {
		if n.dir {
			return a.AddDirectory(path, n.modTime, n.mode.Perm())
		}
		data, err := n.Data()
		if err != nil {
			errs = multierror.Append(errs, err)
			return nil
		}
		if n.mode&os.ModeSymlink != 0 {
			return a.AddSymlink(path, string(data), n.modTime, n.mode.Perm())
		}
		return a.Add(data, path, n.modTime, n.mode)
	})
	if err != nil {
		return nil, err
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return a.Bytes()
}

// Name returns the last element of the node's path.
func (n *Node) Name() string { return n.name }

// Path returns the slash-separated path from the root.
func (n *Node) Path() string {
	if n.parent == nil {
		return ""
	}
	if p := n.parent.Path(); p != "" {
		return p + "/" + n.name
	}
	return n.name
}

func (n *Node) IsDir() bool        { return n.dir }
func (n *Node) Parent() *Node      { return n.parent }
func (n *Node) ModTime() time.Time { return n.modTime }
func (n *Node) Mode() os.FileMode  { return n.mode }

// Size returns the uncompressed size of a file, or 0 for a directory.
func (n *Node) Size() uint64 { return n.size }

// Children returns a directory's entries in insertion order.
func (n *Node) Children() []*Node {
	return append([]*Node(nil), n.children...)
}

// Child returns the entry called name, or nil.
func (n *Node) Child(name string) *Node {
	for _, c := range n.children {
		if c.name == name {
			return c
		}
	}
	return nil
}

// Data returns a file's content, decompressing it on first use. A
// checksum failure returns the data with the error and is not cached.
func (n *Node) Data() ([]byte, error) {
	if n.dir {
		return nil, fmt.Errorf("%s: %w", n.Path(), ErrIsDir)
	}
	if n.loaded {
		return n.data, nil
	}
	data, err := archive.Read(n.src, n.entry)
	if err != nil {
		return data, err
	}
	n.data, n.loaded = data, true
	n.src, n.entry = nil, nil
	return data, nil
}

// AddFile creates a file called name in directory n.
func (n *Node) AddFile(name string, data []byte, modTime time.Time) (*Node, error) {
	if err := n.checkNew(name); err != nil {
		return nil, err
	}
	return n.attach(&Node{
		name:    name,
		modTime: modTime,
		mode:    0644,
		size:    uint64(len(data)),
		data:    data,
		loaded:  true,
	}), nil
}

// AddDirectory creates a directory called name in directory n.
func (n *Node) AddDirectory(name string, modTime time.Time) (*Node, error) {
	if err := n.checkNew(name); err != nil {
		return nil, err
	}
	return n.attach(&Node{name: name, dir: true, modTime: modTime, mode: os.ModeDir | 0755}), nil
}

// MoveTo reparents n under directory target.
func (n *Node) MoveTo(target *Node) error {
	if n.parent == nil {
		return ErrRoot
	}
	if n == target || n.parent == target {
		return nil
	}
	if !target.dir {
		return fmt.Errorf("%s: %w", target.Path(), ErrNotDir)
	}
	for p := target.parent; p != nil; p = p.parent {
		if p == n {
			return fmt.Errorf("%w: %s is inside %s", ErrInvalidName, target.Path(), n.Path())
		}
	}
	if target.Child(n.name) != nil {
		return fmt.Errorf("%s/%s: %w", target.Path(), n.name, ErrExists)
	}
	n.parent.detach(n)
	target.attach(n)
	return nil
}

// TotalSize returns the uncompressed size of n and everything below it.
func (n *Node) TotalSize() uint64 {
	size := n.size
	for _, c := range n.children {
		size += c.TotalSize()
	}
	return size
}

// WriteTo copies a file's content to w in fixed-size chunks.
func (n *Node) WriteTo(w io.Writer) (int64, error) {
	data, err := n.Data()
	if err != nil {
		return 0, err
	}
	var written int64
	for len(data) > 0 {
		k := min(len(data), chunkSize)
		m, err := w.Write(data[:k])
		written += int64(m)
		if err != nil {
			return written, err
		}
		data = data[k:]
	}
	return written, nil
}

func (n *Node) checkNew(name string) error {
	if !n.dir {
		return fmt.Errorf("%s: %w", n.Path(), ErrNotDir)
	}
	if name == "" || name == "." || name == ".." || strings.Contains(name, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if n.Child(name) != nil {
		return fmt.Errorf("%s: %w", joinPath(n.Path(), name), ErrExists)
	}
	return nil
}

func (n *Node) ensureDir(name string, modTime time.Time) (*Node, error) {
	if c := n.Child(name); c != nil {
		if !c.dir {
			return nil, fmt.Errorf("%s: %w", c.Path(), ErrNotDir)
		}
		return c, nil
	}
	return n.attach(&Node{name: name, dir: true, modTime: modTime, mode: os.ModeDir | 0755}), nil
}

func (n *Node) attach(c *Node) *Node {
	c.parent = n
	n.children = append(n.children, c)
	return c
}

func (n *Node) detach(c *Node) {
	for i, x := range n.children {
		if x == c {
			n.children = append(n.children[:i], n.children[i+1:]...)
			break
		}
	}
	c.parent = nil
}

func (n *Node) walk(fn WalkFunc) error {
	for _, c := range n.children {
		err := fn(c.Path(), c)
		if err == fs.SkipDir && c.dir {
			continue
		}
		if err != nil {
			return err
		}
		if c.dir {
			if err := c.walk(fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// splitPath breaks an entry name into its elements, dropping empty and
// "." elements. ".." is rejected.
func splitPath(path string) ([]string, error) {
	var parts []string
	for _, p := range strings.Split(path, "/") {
		switch p {
		case "", ".":
			continue
		case "..":
			return nil, fmt.Errorf("%w: %q", ErrInvalidName, path)
		}
		parts = append(parts, p)
	}
	return parts, nil
}

func joinPath(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}
