package client

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/telestackhq/db/pkg/jsonmerge"
)

func splitSegments(path string) []string {
	return strings.Split(path, "/")
}

func joinSegments(segments []string) string {
	return strings.Join(segments, "/")
}

// splitCollectionPath decomposes a collection path into the trailing
// collection name and the parent document path above it (if any).
func splitCollectionPath(path string) (collection, parentPath string) {
	segments := splitSegments(path)
	collection = segments[len(segments)-1]
	if len(segments) > 1 {
		parentPath = joinSegments(segments[:len(segments)-1])
	}
	return collection, parentPath
}

// collectionNameOf returns the collection segment containing the document.
func collectionNameOf(docPath string) string {
	segments := splitSegments(docPath)
	if len(segments) < 2 {
		return ""
	}
	return segments[len(segments)-2]
}

// parentPathOf returns the document path above the containing collection.
func parentPathOf(docPath string) string {
	segments := splitSegments(docPath)
	if len(segments) <= 2 {
		return ""
	}
	return joinSegments(segments[:len(segments)-2])
}

// docIDOf returns the trailing id segment.
func docIDOf(docPath string) string {
	segments := splitSegments(docPath)
	return segments[len(segments)-1]
}

func sortSnapshotsByPath(docs []*Snapshot) {
	sort.Slice(docs, func(i, j int) bool { return docs[i].Path < docs[j].Path })
}

func jsonmergePatch(target, patch json.RawMessage) (json.RawMessage, error) {
	return jsonmerge.Patch(target, patch)
}
