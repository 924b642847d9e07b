// Package realtime defines the broker channel naming shared by the server
// publisher and the client subscription runtime. Both sides must apply the
// same transform or subscribers silently hear nothing.
package realtime

import "strings"

// Separator replaces '/' in paths when deriving channel names. Dots are safe
// for every broker we target and never appear in path segments produced by
// the id generator.
const Separator = "."

// Channel prefixes.
const (
	collectionPrefix = "collection:"
	documentPrefix   = "path:"
)

// EncodePath converts a document or collection path into its channel-safe form.
func EncodePath(path string) string {
	return strings.ReplaceAll(path, "/", Separator)
}

// CollectionChannel returns the channel carrying every mutation inside the
// collection at path.
func CollectionChannel(path string) string {
	return collectionPrefix + EncodePath(path)
}

// DocumentChannel returns the channel carrying mutations of the single
// document at path.
func DocumentChannel(path string) string {
	return documentPrefix + EncodePath(path)
}
