package bigfile

import "golang.org/x/xerrors"

// Sentinel errors. Callers match against these with errors.Is, never
// by inspecting formatted text; an error raised for one of the
// conditions below wraps its sentinel with xerrors.Errorf's %w so the
// call-site frame survives alongside it. Other failures (I/O errors,
// malformed dtype strings, bad array shapes) wrap the underlying cause
// or carry only a message (spec.md §9's replacement for the original's
// single process-wide last-error string, which could not be inspected
// programmatically and was not safe under concurrent collective use).
var (
	// ErrBlockNotFound is returned when a block name has no
	// corresponding directory under a File's root.
	ErrBlockNotFound = xerrors.New("bigfile: block not found")

	// ErrAttrMissing is returned by AttrSet.Get for an unknown name.
	ErrAttrMissing = xerrors.New("bigfile: attribute not found")

	// ErrAttrNmembMismatch is returned when the nmemb passed to
	// AttrSet.Get or AttrSet.Set disagrees with the attribute's stored
	// cardinality.
	ErrAttrNmembMismatch = xerrors.New("bigfile: attribute nmemb mismatch")

	// ErrEOFOverrun is returned by Block.Seek (and so Block.SeekRel)
	// for an offset outside [0, Size], and by Block.Read/Block.Write
	// when the requested range extends past the block's recorded size.
	ErrEOFOverrun = xerrors.New("bigfile: read past end of block")

	// ErrHeaderMalformed is returned when a block's header file cannot
	// be parsed (spec.md §4.5's line format).
	ErrHeaderMalformed = xerrors.New("bigfile: malformed block header")

	// ErrUnsupportedConversion is returned by the cast dispatch in
	// convert.go for a (kind,width) pair outside the six dtypes
	// spec.md §4.1 defines.
	ErrUnsupportedConversion = xerrors.New("bigfile: unsupported dtype conversion")

	// ErrChecksumMismatch is not returned by any function in this
	// package: Block.Flush recomputes reduced checksums rather than
	// validating them, and reads never verify them (see DESIGN.md).
	ErrChecksumMismatch = xerrors.New("bigfile: checksum mismatch")

	// ErrClosed is returned by File.OpenBlock, File.CreateBlock and
	// File.List after File.Close, and by Block.Grow, Block.Read,
	// Block.Write, Block.SyncChecksums and Block.ClearChecksum after
	// Block.Close. Block.Seek, the attribute methods and Block.Flush
	// do not check for a closed block.
	ErrClosed = xerrors.New("bigfile: use of closed handle")
)
