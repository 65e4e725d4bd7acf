// Package snapshot implements the snapshot importer state machine and the
// managed-directory loader: the pipeline that lands an external CAR
// snapshot, from a local path or an HTTP(S) URL, in a forest car store's
// managed directory, transcoding it when necessary.
package snapshot

// ImportMode selects how a snapshot source is landed in the managed
// directory.
type ImportMode int

const (
	// Auto picks the cheapest applicable strategy: hardlink a file that is
	// already a valid forest car (falling back to Copy once if the
	// hardlink fails), copy (with transcode) any other file, or download
	// a URL.
	Auto ImportMode = iota
	// Copy stages the source into a temp file (downloading it first if
	// it's a URL), transcoding if it isn't already a forest car, then
	// persists the temp file.
	Copy
	// Move behaves like Copy but renames rather than copies a local
	// source file, falling back to copy+delete across devices.
	Move
	// Symlink creates a symbolic link to the source, which must already
	// be a valid forest car on the local filesystem.
	Symlink
	// Hardlink creates a hard link to the source, which must already be a
	// valid forest car on the local filesystem.
	Hardlink
)

// String renders the mode the way it appears in log lines and CLI flags.
func (m ImportMode) String() string {
	switch m {
	case Auto:
		return "auto"
	case Copy:
		return "copy"
	case Move:
		return "move"
	case Symlink:
		return "symlink"
	case Hardlink:
		return "hardlink"
	default:
		return "unknown"
	}
}

// ParseImportMode parses the lowercase names produced by String.
func ParseImportMode(s string) (ImportMode, bool) {
	switch s {
	case "auto", "":
		return Auto, true
	case "copy":
		return Copy, true
	case "move":
		return Move, true
	case "symlink":
		return Symlink, true
	case "hardlink":
		return Hardlink, true
	default:
		return 0, false
	}
}
