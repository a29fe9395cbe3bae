package bigfile

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/renameio"
	"golang.org/x/xerrors"
)

// BlockPtr is a cursor into a Block: an absolute row offset (AOffset)
// decomposed into a shard index and a row offset within that shard
// (spec.md §4.5.4, big_block_seek). The zero value points at the start
// of shard 0.
type BlockPtr struct {
	FileID  int
	ROffset int64
	AOffset int64
}

// Block is one self-describing, chunked, columnar stream: a directory
// holding a header, an optional attribute file, and zero or more
// numbered shard files (spec.md §3, §6). Block is not safe for
// concurrent use from multiple goroutines; see the collective package
// for the parallel-peer story.
type Block struct {
	dir   string
	Dtype Dtype
	Nmemb int

	Nfile     int
	Fsize     []int64
	Foffset   []int64
	Fchecksum []uint32
	Size      int64

	attrs AttrSet

	dirty  bool
	closed bool

	cfg Config
}

func headerPath(dir string) string { return filepath.Join(dir, "header") }
func attrPath(dir string) string   { return filepath.Join(dir, "attr") }
func shardPath(dir string, fileid int) string {
	return filepath.Join(dir, fmt.Sprintf("%06x", fileid))
}

// Dir returns the directory the block is rooted at, the same path it
// was opened, created, or attached with.
func (b *Block) Dir() string { return b.dir }

// rowBytes is the byte size of one row: nmemb scalars of the block's
// on-disk dtype.
func (b *Block) rowBytes() int64 {
	return int64(b.Dtype.ItemSize() * b.Nmemb)
}

// OpenBlock opens the block directory at dir, parsing its header
// (spec.md §4.5.1). The attribute file is read if present; its
// absence is not an error.
func OpenBlock(dir string) (*Block, error) {
	f, err := os.Open(headerPath(dir))
	if err != nil {
		return nil, xerrors.Errorf("bigfile: opening header of %q: %w", dir, ErrBlockNotFound)
	}
	defer f.Close()

	b := &Block{dir: dir, cfg: globalConfig}
	sc := bufio.NewScanner(f)

	readField := func(prefix string) (string, error) {
		if !sc.Scan() {
			return "", xerrors.Errorf("bigfile: header %q: missing %s line: %w", dir, prefix, ErrHeaderMalformed)
		}
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, prefix) {
			return "", xerrors.Errorf("bigfile: header %q: expected %q, got %q: %w", dir, prefix, line, ErrHeaderMalformed)
		}
		return strings.TrimSpace(strings.TrimPrefix(line, prefix)), nil
	}

	dtypeStr, err := readField("DTYPE:")
	if err != nil {
		return nil, err
	}
	nmembStr, err := readField("NMEMB:")
	if err != nil {
		return nil, err
	}
	nfileStr, err := readField("NFILE:")
	if err != nil {
		return nil, err
	}

	b.Dtype, err = ParseDtype(dtypeStr)
	if err != nil {
		return nil, xerrors.Errorf("bigfile: header %q: %w", dir, err)
	}
	if b.Nmemb, err = strconv.Atoi(nmembStr); err != nil {
		return nil, xerrors.Errorf("bigfile: header %q: bad NMEMB %q: %w", dir, nmembStr, ErrHeaderMalformed)
	}
	if b.Nfile, err = strconv.Atoi(nfileStr); err != nil {
		return nil, xerrors.Errorf("bigfile: header %q: bad NFILE %q: %w", dir, nfileStr, ErrHeaderMalformed)
	}

	b.Fsize = make([]int64, b.Nfile)
	b.Fchecksum = make([]uint32, b.Nfile)
	for i := 0; i < b.Nfile; i++ {
		if !sc.Scan() {
			return nil, xerrors.Errorf("bigfile: header %q: missing shard line %d: %w", dir, i, ErrHeaderMalformed)
		}
		var fid int
		var size int64
		var cksum, reduced uint32
		line := strings.TrimSpace(sc.Text())
		n, err := fmt.Sscanf(line, "%x: %d : %d : %d", &fid, &size, &cksum, &reduced)
		if err != nil || n != 4 {
			return nil, xerrors.Errorf("bigfile: header %q: malformed shard line %q: %w", dir, line, ErrHeaderMalformed)
		}
		if fid < 0 || fid >= b.Nfile {
			return nil, xerrors.Errorf("bigfile: header %q: shard id %d out of range: %w", dir, fid, ErrHeaderMalformed)
		}
		b.Fsize[fid] = size
		b.Fchecksum[fid] = cksum
	}
	if err := sc.Err(); err != nil {
		return nil, xerrors.Errorf("bigfile: reading header %q: %w", dir, err)
	}

	b.computeOffsets()

	if af, err := os.Open(attrPath(dir)); err == nil {
		defer af.Close()
		if _, err := b.attrs.ReadFrom(af); err != nil {
			return nil, xerrors.Errorf("bigfile: reading attrs of %q: %w", dir, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, xerrors.Errorf("bigfile: opening attrs of %q: %w", dir, err)
	}

	return b, nil
}

func (b *Block) computeOffsets() {
	b.Foffset = make([]int64, b.Nfile+1)
	for i := 0; i < b.Nfile; i++ {
		b.Foffset[i+1] = b.Foffset[i] + b.Fsize[i]
	}
	b.Size = b.Foffset[b.Nfile]
}

// AttachBlock builds a Block handle over an already-existing block
// directory from caller-supplied metadata, without reading the header
// back from disk. The collective package uses this so that only the
// root peer of a collective create/open touches the filesystem; every
// other peer attaches to the same directory using the metadata the
// root broadcasts (spec.md §4.7: "result status and... Block metadata
// ... are broadcast to all peers").
func AttachBlock(dir string, dtype Dtype, nmemb, nfile int, fsize []int64, fchecksum []uint32) *Block {
	b := &Block{
		dir:       dir,
		Dtype:     dtype,
		Nmemb:     nmemb,
		Nfile:     nfile,
		Fsize:     append([]int64(nil), fsize...),
		Fchecksum: append([]uint32(nil), fchecksum...),
		cfg:       globalConfig,
	}
	b.computeOffsets()
	return b
}

// CreateBlock creates a new block directory at dir with nfile shards
// whose row counts are given by fsize (spec.md §4.5.2). If dtype is
// the zero Dtype, the block is created as a metadata-only container
// (Nfile forced to 0) for attribute-only use.
func CreateBlock(dir string, dtype Dtype, nmemb int, nfile int, fsize []int64) (*Block, error) {
	if err := os.MkdirAll(dir, 0777); err != nil {
		return nil, xerrors.Errorf("bigfile: creating block dir %q: %w", dir, err)
	}

	b := &Block{dir: dir, cfg: globalConfig}
	if dtype == (Dtype{}) {
		b.Dtype = MustParseDtype("i8")
		nfile = 0
		fsize = nil
	} else {
		b.Dtype = dtype
	}
	b.Nmemb = nmemb
	b.Nfile = nfile
	b.Fsize = append([]int64(nil), fsize...)
	if b.Fsize == nil {
		b.Fsize = make([]int64, nfile)
	}
	b.Fchecksum = make([]uint32, nfile)
	b.computeOffsets()

	b.dirty = true
	if err := b.Flush(); err != nil {
		return nil, err
	}

	for i := 0; i < b.Nfile; i++ {
		f, err := os.Create(shardPath(dir, i))
		if err != nil {
			return nil, xerrors.Errorf("bigfile: creating shard %d of %q: %w", i, dir, err)
		}
		f.Close()
	}
	return b, nil
}

// Grow appends nfileGrow new, empty shards after the block's existing
// ones (spec.md §4.5.3). No existing shard is touched.
func (b *Block) Grow(nfileGrow int, fsizeGrow []int64) error {
	if b.closed {
		return ErrClosed
	}
	base := b.Nfile
	b.Nfile += nfileGrow
	b.Fsize = append(b.Fsize, fsizeGrow...)
	b.Fchecksum = append(b.Fchecksum, make([]uint32, nfileGrow)...)
	b.computeOffsets()
	b.dirty = true

	for i := 0; i < nfileGrow; i++ {
		f, err := os.Create(shardPath(b.dir, base+i))
		if err != nil {
			return xerrors.Errorf("bigfile: creating grown shard %d of %q: %w", base+i, b.dir, err)
		}
		f.Close()
	}
	return nil
}

// Seek positions ptr at offset rows from the start of the block
// (spec.md §4.5.4). A negative offset counts back from the end.
// Seeking exactly to Size is legal (an end-of-block pointer); anything
// past it fails with ErrEOFOverrun.
func (b *Block) Seek(offset int64) (BlockPtr, error) {
	if b.Size == 0 && offset == 0 {
		return BlockPtr{}, nil
	}
	if offset < 0 {
		offset += b.Foffset[b.Nfile]
	}
	if offset > b.Size || offset < 0 {
		return BlockPtr{}, xerrors.Errorf("bigfile: seek to %d exceeds block of size %d: %w", offset, b.Size, ErrEOFOverrun)
	}

	left, right := 0, b.Nfile
	for right > left+1 {
		mid := (right-left)>>1 + left
		if b.Foffset[mid] <= offset {
			left = mid
		} else {
			right = mid
		}
	}
	return BlockPtr{FileID: left, ROffset: offset - b.Foffset[left], AOffset: offset}, nil
}

// SeekRel advances ptr by rel rows relative to its current position.
func (b *Block) SeekRel(ptr BlockPtr, rel int64) (BlockPtr, error) {
	return b.Seek(ptr.AOffset + rel)
}

// Read transfers array.Size/Nmemb rows starting at ptr from the block
// into array, converting from the block's on-disk dtype to array's
// dtype in chunks bounded by the block's configured buffer size
// (spec.md §4.5.5). ptr is advanced by the number of rows transferred.
func (b *Block) Read(ptr *BlockPtr, array *BigArray) error {
	return b.transfer(ptr, array, false)
}

// Write transfers array.Size/Nmemb rows from array into the block
// starting at ptr, converting from array's dtype to the block's
// on-disk dtype, updating each touched shard's rolling checksum
// (spec.md §4.5.5). ptr is advanced by the number of rows transferred.
func (b *Block) Write(ptr *BlockPtr, array *BigArray) error {
	if array.Size == 0 {
		return nil
	}
	return b.transfer(ptr, array, true)
}

func (b *Block) transfer(ptr *BlockPtr, array *BigArray, write bool) error {
	if b.closed {
		return ErrClosed
	}
	rowBytes := b.rowBytes()
	chunkBytes := b.cfg.ChunkBytes
	if chunkBytes <= 0 {
		chunkBytes = DefaultConfig().ChunkBytes
	}
	chunkRows := chunkBytes / rowBytes
	if chunkRows <= 0 {
		chunkRows = 1
	}

	chunkBuf := make([]byte, chunkRows*rowBytes)
	chunkArray, err := NewBigArray(chunkBuf, b.Dtype, []int64{chunkRows, int64(b.Nmemb)}, nil)
	if err != nil {
		return err
	}

	callerIter := NewBigArrayIter(array)
	remaining := array.Size / int64(b.Nmemb)

	for remaining > 0 {
		n := chunkRows
		if avail := b.Fsize[ptr.FileID] - ptr.ROffset; n > avail {
			n = avail
		}
		if n > remaining {
			n = remaining
		}
		if n <= 0 {
			return xerrors.Errorf("bigfile: transfer stalled at shard %d offset %d: %w", ptr.FileID, ptr.ROffset, ErrEOFOverrun)
		}

		chunkIter := NewBigArrayIter(chunkArray)
		mode := os.O_RDWR
		if !write {
			mode = os.O_RDONLY
		}
		fp, err := os.OpenFile(shardPath(b.dir, ptr.FileID), mode, 0666)
		if err != nil {
			return xerrors.Errorf("bigfile: opening shard %d of %q: %w", ptr.FileID, b.dir, err)
		}

		seekAt := ptr.ROffset * rowBytes
		transferBytes := n * rowBytes

		if write {
			if err := Convert(chunkIter, callerIter, n*int64(b.Nmemb)); err != nil {
				fp.Close()
				return err
			}
			sysvsum(&b.Fchecksum[ptr.FileID], chunkBuf[:transferBytes])
			if _, err := fp.WriteAt(chunkBuf[:transferBytes], seekAt); err != nil {
				fp.Close()
				return xerrors.Errorf("bigfile: writing shard %d of %q: %w", ptr.FileID, b.dir, err)
			}
			b.dirty = true
		} else {
			if _, err := fp.ReadAt(chunkBuf[:transferBytes], seekAt); err != nil {
				fp.Close()
				return xerrors.Errorf("bigfile: reading shard %d of %q: %w", ptr.FileID, b.dir, err)
			}
			if err := Convert(callerIter, chunkIter, n*int64(b.Nmemb)); err != nil {
				fp.Close()
				return err
			}
		}
		fp.Close()

		remaining -= n
		next, err := b.SeekRel(*ptr, n)
		if err != nil {
			return err
		}
		*ptr = next
	}
	return nil
}

// ReadSimple allocates a contiguous buffer, reads up to maxRows rows
// starting at start (bounded by the block's size), and returns the
// resulting array (spec.md §4.5.6). If dtype is the zero Dtype, the
// block's own dtype is used.
func (b *Block) ReadSimple(start, maxRows int64, dtype Dtype) (*BigArray, error) {
	if dtype == (Dtype{}) {
		dtype = b.Dtype
	}
	size := maxRows
	if start+size > b.Size {
		size = b.Size - start
	}
	if size < 0 {
		size = 0
	}

	buf := make([]byte, size*int64(b.Nmemb)*int64(dtype.ItemSize()))
	array, err := NewBigArray(buf, dtype, []int64{size, int64(b.Nmemb)}, nil)
	if err != nil {
		return nil, err
	}

	ptr, err := b.Seek(start)
	if err != nil {
		return nil, err
	}
	if err := b.Read(&ptr, array); err != nil {
		return nil, err
	}
	return array, nil
}

// SyncChecksums overwrites every shard's rolling checksum and marks the
// header dirty so the next Flush persists them. The collective package
// uses this at Close time: a collective Write updates checksums only
// on the in-memory handle that actually performed the shard I/O, so
// root copies the reconciled values onto its real on-disk handle
// before flushing.
func (b *Block) SyncChecksums(fchecksum []uint32) error {
	if b.closed {
		return ErrClosed
	}
	if len(fchecksum) != len(b.Fchecksum) {
		return xerrors.Errorf("bigfile: SyncChecksums: have %d shards, got %d", len(b.Fchecksum), len(fchecksum))
	}
	copy(b.Fchecksum, fchecksum)
	b.dirty = true
	return nil
}

// ClearChecksum resets every shard's rolling checksum to zero and
// marks the header dirty; the shard bytes themselves are unaffected.
// This is useful after repartitioning a block's shards outside the
// normal write path, where the caller will recompute checksums with a
// follow-up full rewrite.
func (b *Block) ClearChecksum() error {
	if b.closed {
		return ErrClosed
	}
	for i := range b.Fchecksum {
		b.Fchecksum[i] = 0
	}
	b.dirty = true
	return nil
}

// AddAttr reserves a new attribute (see AttrSet.Add).
func (b *Block) AddAttr(name string, dtype Dtype, nmemb int) *Attr {
	return b.attrs.Add(name, dtype, nmemb)
}

// SetAttr upserts an attribute's value (see AttrSet.Set).
func (b *Block) SetAttr(name string, data []byte, dtype Dtype, nmemb int) (*Attr, error) {
	return b.attrs.Set(name, data, dtype, nmemb)
}

// GetAttr reads an attribute's value (see AttrSet.Get).
func (b *Block) GetAttr(name string, out []byte, dtype Dtype, nmemb int) error {
	return b.attrs.Get(name, out, dtype, nmemb)
}

// ListAttrs returns every attribute, sorted by name (see AttrSet.List).
func (b *Block) ListAttrs() []*Attr {
	return b.attrs.List()
}

// RemoveAttr deletes an attribute (see AttrSet.Remove).
func (b *Block) RemoveAttr(name string) bool {
	return b.attrs.Remove(name)
}

// ExportAttrs serializes every attribute in the same layout Flush uses
// for the on-disk attr file. The collective package uses this to ship
// a freshly opened block's attribute set to peers that did not touch
// the filesystem themselves.
func (b *Block) ExportAttrs(w io.Writer) (int64, error) {
	return b.attrs.WriteTo(w)
}

// ImportAttrs installs attributes from r, which must hold records in
// ExportAttrs's layout, replacing any attribute of the same name and
// leaving others untouched. It mirrors big_block_read_attr_set, used
// here to replay a remote peer's attribute set rather than the local
// attr file.
func (b *Block) ImportAttrs(r io.Reader) (int64, error) {
	return b.attrs.ReadFrom(r)
}

// Flush rewrites the header file (if dirty) and the attribute file (if
// dirty), using renameio so a crash mid-write never leaves a truncated
// file in place of a good one (spec.md §4.5.7 calls for "atomic
// enough"; renameio's write-to-temp-then-rename gives us that for
// free, which the original's truncate-in-place fopen("w+") does not).
func (b *Block) Flush() error {
	if b.dirty {
		t, err := renameio.TempFile("", headerPath(b.dir))
		if err != nil {
			return xerrors.Errorf("bigfile: opening header of %q for write: %w", b.dir, err)
		}
		defer t.Cleanup()

		if err := b.writeHeader(t); err != nil {
			return err
		}
		if err := t.CloseAtomicallyReplace(); err != nil {
			return xerrors.Errorf("bigfile: replacing header of %q: %w", b.dir, err)
		}
		b.dirty = false
	}

	if b.attrs.Dirty() {
		t, err := renameio.TempFile("", attrPath(b.dir))
		if err != nil {
			return xerrors.Errorf("bigfile: opening attrs of %q for write: %w", b.dir, err)
		}
		defer t.Cleanup()

		if _, err := b.attrs.WriteTo(t); err != nil {
			return err
		}
		if err := t.CloseAtomicallyReplace(); err != nil {
			return xerrors.Errorf("bigfile: replacing attrs of %q: %w", b.dir, err)
		}
		b.attrs.clearDirty()
	}
	return nil
}

func (b *Block) writeHeader(w *renameio.PendingFile) error {
	if _, err := fmt.Fprintf(w, "DTYPE: %s\nNMEMB: %d\nNFILE: %d\n", b.Dtype.String(), b.Nmemb, b.Nfile); err != nil {
		return xerrors.Errorf("bigfile: writing header of %q: %w", b.dir, err)
	}
	for i := 0; i < b.Nfile; i++ {
		reduced := foldChecksum(b.Fchecksum[i])
		if _, err := fmt.Fprintf(w, "%06x: %d : %d : %d\n", i, b.Fsize[i], b.Fchecksum[i], reduced); err != nil {
			return xerrors.Errorf("bigfile: writing header of %q: %w", b.dir, err)
		}
	}
	return nil
}

// Close flushes pending changes and releases the block. After Close,
// Grow, Read, Write, SyncChecksums and ClearChecksum return ErrClosed;
// Seek, the attribute methods and Flush do not check.
func (b *Block) Close() error {
	if b.closed {
		return nil
	}
	err := b.Flush()
	b.closed = true
	return err
}

// sysvsum adds every byte of buf into sum, modulo 2^32 (spec.md
// §4.5.5, big_block_write's call to the original's static sysvsum).
func sysvsum(sum *uint32, buf []byte) {
	s := *sum
	for _, c := range buf {
		s += uint32(c)
	}
	*sum = s
}

// foldChecksum computes the classic SysV "fold twice" reduced checksum
// of a rolling sum (spec.md §4.5.5): it is informational, recomputed
// on every flush, and never verified on read (see DESIGN.md's "Reduced
// checksum verification on read" entry).
func foldChecksum(s uint32) uint32 {
	r := (s & 0xffff) + (s >> 16)
	return (r & 0xffff) + (r >> 16)
}
