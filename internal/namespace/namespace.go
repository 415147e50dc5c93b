// Package namespace projects the flat asset index into a browsable
// two-level hierarchy: one directory per collection, one file per asset.
// Snapshots are immutable; readers always see a complete, consistent tree.
package namespace

import (
	"path"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/televault/televault/internal/index"
	"github.com/televault/televault/internal/media"
	"github.com/televault/televault/internal/metrics"
)

const (
	maxNameLen  = 200
	maxTitleLen = 80

	fallbackDir  = "unsorted"
	fallbackName = "unnamed"
)

// Node is one entry in the tree. Directory nodes carry children; file
// nodes carry the asset they resolve to.
type Node struct {
	Name     string
	IsDir    bool
	Asset    *index.Asset
	Children map[string]*Node
}

// Snapshot is an immutable view of the whole namespace. A snapshot is
// built fresh and swapped in atomically; it is never mutated after Build.
type Snapshot struct {
	Root    *Node
	byPath  map[string]*Node
	BuiltAt time.Time
}

// Lookup resolves a slash-separated path. The empty string and "/" both
// resolve to the root.
func (s *Snapshot) Lookup(p string) (*Node, bool) {
	p = strings.Trim(path.Clean("/"+p), "/")
	if p == "" || p == "." {
		return s.Root, true
	}
	n, ok := s.byPath[p]
	return n, ok
}

// List returns the children of a directory sorted by name, or false if the
// path does not resolve to a directory.
func (s *Snapshot) List(p string) ([]*Node, bool) {
	n, ok := s.Lookup(p)
	if !ok || !n.IsDir {
		return nil, false
	}
	out := make([]*Node, 0, len(n.Children))
	for _, child := range n.Children {
		out = append(out, child)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, true
}

// Len reports the number of file nodes in the snapshot.
func (s *Snapshot) Len() int {
	total := 0
	for _, n := range s.byPath {
		if !n.IsDir {
			total++
		}
	}
	return total
}

// Build assembles a snapshot from the full asset list. Assets with no
// collection land in a shared fallback directory. File names embed the
// asset ID, so two assets can never collide.
func Build(assets []*index.Asset) *Snapshot {
	start := time.Now()

	root := &Node{Name: "", IsDir: true, Children: make(map[string]*Node)}
	snap := &Snapshot{
		Root:    root,
		byPath:  make(map[string]*Node, len(assets)*2),
		BuiltAt: start,
	}

	for _, a := range assets {

		dirName := sanitizeName(a.Collection)
		if dirName == "" {
			dirName = fallbackDir
		}
		dir, ok := root.Children[dirName]
		if !ok {
			dir = &Node{Name: dirName, IsDir: true, Children: make(map[string]*Node)}
			root.Children[dirName] = dir
			snap.byPath[dirName] = dir
		}

		fileName := FileName(a)
		node := &Node{Name: fileName, Asset: a}
		dir.Children[fileName] = node
		snap.byPath[dirName+"/"+fileName] = node
	}

	metrics.RecordNamespaceRebuild(snap.Len(), time.Since(start))
	return snap
}

// FileName derives the presented name for an asset:
// {id}_{title}{ext}, with the title sanitized and truncated.
func FileName(a *index.Asset) string {
	title := a.DisplayName
	ext := path.Ext(title)
	title = strings.TrimSuffix(title, ext)

	title = sanitizeName(title)
	if len(title) > maxTitleLen {
		title = strings.TrimRight(truncate(title, maxTitleLen), ". ")
	}
	if title == "" {
		title = fallbackName
	}

	if ext == "" || sanitizeName(ext[1:]) != ext[1:] {
		ext = media.Extension(a.MIMEType)
	}

	name := strconv.FormatInt(a.ID, 10) + "_" + title + ext
	if len(name) > maxNameLen {
		keep := maxNameLen - len(ext)
		name = strings.TrimRight(truncate(name, keep), ". ") + ext
	}
	return name
}

// truncate shortens s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// sanitizeName strips characters that are unsafe in file names on any
// supported platform, then trims leading and trailing dots and spaces.
func sanitizeName(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == 0 || r < 0x20:
			b.WriteByte('_')
		case strings.ContainsRune(`<>:"/\|?*`, r):
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	out := strings.Trim(b.String(), ". ")
	if len(out) > maxNameLen {
		out = strings.TrimRight(out[:maxNameLen], ". ")
	}
	return out
}
