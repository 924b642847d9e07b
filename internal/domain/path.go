// Package domain holds the core entities of telestack/db: paths, documents,
// events, and the publications emitted after committed mutations.
package domain

import (
	"fmt"
	"strings"
)

// Path is a validated /-separated sequence alternating collection segment and
// document id. An odd number of segments names a collection, an even number
// names a document. Sub-collections continue the path below a document.
type Path struct {
	segments []string
}

// ParsePath validates and splits a path string.
// Leading and trailing slashes are rejected, as are empty segments.
func ParsePath(s string) (Path, error) {
	if s == "" {
		return Path{}, fmt.Errorf("empty path")
	}
	if strings.HasPrefix(s, "/") || strings.HasSuffix(s, "/") {
		return Path{}, fmt.Errorf("path must not start or end with '/': %q", s)
	}
	segments := strings.Split(s, "/")
	for _, seg := range segments {
		if seg == "" {
			return Path{}, fmt.Errorf("path contains empty segment: %q", s)
		}
	}
	return Path{segments: segments}, nil
}

// NewPath builds a path from pre-validated segments.
func NewPath(segments ...string) Path {
	return Path{segments: append([]string(nil), segments...)}
}

// String returns the /-joined path.
func (p Path) String() string {
	return strings.Join(p.segments, "/")
}

// Segments returns a copy of the path segments.
func (p Path) Segments() []string {
	return append([]string(nil), p.segments...)
}

// Len returns the number of segments.
func (p Path) Len() int {
	return len(p.segments)
}

// IsZero reports whether the path is empty.
func (p Path) IsZero() bool {
	return len(p.segments) == 0
}

// IsCollection reports whether the path names a collection (odd segments).
func (p Path) IsCollection() bool {
	return len(p.segments)%2 == 1
}

// IsDocument reports whether the path names a document (even segments).
func (p Path) IsDocument() bool {
	return len(p.segments) > 0 && len(p.segments)%2 == 0
}

// Collection returns the last collection segment on the path.
func (p Path) Collection() string {
	if p.IsCollection() {
		return p.segments[len(p.segments)-1]
	}
	if len(p.segments) >= 2 {
		return p.segments[len(p.segments)-2]
	}
	return ""
}

// DocID returns the trailing document id, or "" for collection paths.
func (p Path) DocID() string {
	if !p.IsDocument() {
		return ""
	}
	return p.segments[len(p.segments)-1]
}

// Parent returns the path with the last segment removed. For a document path
// that is its collection; for a collection path it is the containing document
// (or the zero path at workspace root).
func (p Path) Parent() Path {
	if len(p.segments) <= 1 {
		return Path{}
	}
	return Path{segments: append([]string(nil), p.segments[:len(p.segments)-1]...)}
}

// Child appends one segment.
func (p Path) Child(segment string) Path {
	segments := make([]string, 0, len(p.segments)+1)
	segments = append(segments, p.segments...)
	segments = append(segments, segment)
	return Path{segments: segments}
}

// ParseDocumentPath parses s and requires it to name a document.
func ParseDocumentPath(s string) (Path, error) {
	p, err := ParsePath(s)
	if err != nil {
		return Path{}, err
	}
	if !p.IsDocument() {
		return Path{}, fmt.Errorf("not a document path (odd segment count): %q", s)
	}
	return p, nil
}

// ParseCollectionPath parses s and requires it to name a collection.
func ParseCollectionPath(s string) (Path, error) {
	p, err := ParsePath(s)
	if err != nil {
		return Path{}, err
	}
	if !p.IsCollection() {
		return Path{}, fmt.Errorf("not a collection path (even segment count): %q", s)
	}
	return p, nil
}
