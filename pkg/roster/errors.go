package roster

import "errors"

var (
	// ErrDirectoryUnavailable means the correspondent directory could not be
	// read, so no roster can be built.
	ErrDirectoryUnavailable = errors.New("directory unavailable")

	// ErrUnknownCorrespondent marks an event naming an id outside the directory.
	// Apply operations never return it; it labels drops in logs.
	ErrUnknownCorrespondent = errors.New("unknown correspondent")
)

// Drop reasons recorded when an event is discarded.
const (
	DropUnknownCorrespondent = "unknown_correspondent"
	DropUnrelated            = "unrelated"
	DropMalformed            = "malformed"
	DropDuplicate            = "duplicate"
)
