package collective

import (
	"bytes"
	"context"
	"encoding/binary"
	"path/filepath"

	"github.com/MP-Gadget/bigfile"
	"golang.org/x/xerrors"
)

// Coordinator drives collective operations across a Group of peers
// that all see the same underlying File (spec.md §4.7): every peer
// calls each Coordinator method in lock-step, one designated root
// (rank 0) performs the real filesystem operation, and the result is
// broadcast to every peer so they end up with a consistent view
// without each hitting the filesystem independently.
type Coordinator struct {
	Group Group
	File  *bigfile.File

	// Nwriter bounds how many peers actually touch the filesystem
	// during a collective write; it defaults to the group size (every
	// peer is its own writer).
	Nwriter int

	// AggregatedThreshold is the total-byte cutoff under which a
	// collective write is funneled through a single writer instead of
	// Nwriter of them (spec.md §4.7, "Aggregated-IO threshold").
	AggregatedThreshold int64
}

// NewCoordinator builds a Coordinator over g and file, with Nwriter
// defaulting to the full group and AggregatedThreshold taken from the
// package's current Config.
func NewCoordinator(g Group, file *bigfile.File) *Coordinator {
	return &Coordinator{
		Group:               g,
		File:                file,
		Nwriter:             g.Size(),
		AggregatedThreshold: bigfile.CurrentConfig().AggregatedThreshold,
	}
}

// SetAggregatedThreshold overrides the aggregation cutoff for this
// Coordinator (spec.md §6, set_aggregated_threshold).
func (c *Coordinator) SetAggregatedThreshold(n int64) {
	c.AggregatedThreshold = n
}

const (
	statusOK   = 0
	statusFail = 1

	collectiveRoot = 0
)

// rootDo runs fn only at the root rank, broadcasting either the bytes
// it returns (status byte OK followed by payload) or its error's
// message (status byte fail followed by text) to every peer. Every
// peer gets the same decoded (payload, error) pair back.
func (c *Coordinator) rootDo(ctx context.Context, fn func() ([]byte, error)) ([]byte, error) {
	var out []byte
	if c.Group.Rank() == collectiveRoot {
		payload, err := fn()
		if err != nil {
			out = append([]byte{statusFail}, []byte(err.Error())...)
		} else {
			out = append([]byte{statusOK}, payload...)
		}
	}
	bcast, err := c.Group.Broadcast(ctx, collectiveRoot, out)
	if err != nil {
		return nil, err
	}
	if len(bcast) == 0 {
		return nil, xerrors.New("bigfile/collective: empty broadcast from root")
	}
	if bcast[0] == statusFail {
		return nil, xerrors.Errorf("bigfile/collective: root failed: %s", string(bcast[1:]))
	}
	return bcast[1:], nil
}

func (c *Coordinator) blockDir(name string) string {
	return filepath.Join(c.File.Root(), name)
}

// OpenBlock opens an existing block collectively: root opens it for
// real, every peer attaches to the same directory using root's
// broadcast metadata.
func (c *Coordinator) OpenBlock(ctx context.Context, name string) (*bigfile.Block, error) {
	payload, err := c.rootDo(ctx, func() ([]byte, error) {
		b, err := c.File.OpenBlock(name)
		if err != nil {
			return nil, err
		}
		defer b.Close()
		return encodeBlockMeta(b)
	})
	if err != nil {
		return nil, err
	}
	return decodeBlockMeta(c.blockDir(name), payload)
}

// CreateBlock creates a new block collectively: root computes a
// balanced shard partition of totalRows across nfile shards and
// creates it for real; every peer attaches using the broadcast
// metadata (spec.md §4.7, "Create block with total row count N").
func (c *Coordinator) CreateBlock(ctx context.Context, name string, dtype bigfile.Dtype, nmemb int, totalRows int64, nfile int) (*bigfile.Block, error) {
	payload, err := c.rootDo(ctx, func() ([]byte, error) {
		fsize := bigfile.BalancedPartition(totalRows, nfile)
		b, err := c.File.CreateBlock(name, dtype, nmemb, nfile, fsize)
		if err != nil {
			return nil, err
		}
		defer b.Close()
		return encodeBlockMeta(b)
	})
	if err != nil {
		return nil, err
	}
	return decodeBlockMeta(c.blockDir(name), payload)
}

// Grow appends extraRows across nfileGrow new shards, collectively
// (spec.md §4.7, "Grow"): root grows its local metadata and header;
// the new fsize/foffset/Nfile are broadcast and every peer's handle
// is replaced with a freshly attached one reflecting the new shape.
func (c *Coordinator) Grow(ctx context.Context, name string, block *bigfile.Block, extraRows int64, nfileGrow int) (*bigfile.Block, error) {
	payload, err := c.rootDo(ctx, func() ([]byte, error) {
		b, err := c.File.OpenBlock(name)
		if err != nil {
			return nil, err
		}
		defer b.Close()
		fsizeGrow := bigfile.BalancedPartition(extraRows, nfileGrow)
		if err := b.Grow(nfileGrow, fsizeGrow); err != nil {
			return nil, err
		}
		if err := b.Flush(); err != nil {
			return nil, err
		}
		return encodeBlockMeta(b)
	})
	if err != nil {
		return nil, err
	}
	return decodeBlockMeta(c.blockDir(name), payload)
}

// writerElection maps every peer to a writer rank, using an even
// stride across the group (spec.md §4.7 step 1): group i holds the
// peers with rank*Nwriter/R == i, and its writer is the group's first
// rank. Read reuses the same mapping to elect reader peers -- the
// stride is direction-agnostic.
func (c *Coordinator) writerElection() (writerOf []int, writers []int) {
	r := c.Group.Size()
	nwriter := c.Nwriter
	if nwriter <= 0 || nwriter > r {
		nwriter = r
	}
	writerOf = make([]int, r)
	for rank := 0; rank < r; rank++ {
		group := (rank * nwriter) / r
		writerOf[rank] = (group*r + nwriter - 1) / nwriter
	}
	seen := make(map[int]bool)
	for _, w := range writerOf {
		if !seen[w] {
			seen[w] = true
			writers = append(writers, w)
		}
	}
	return writerOf, writers
}

// Write performs a collective write: every peer contributes the rows
// starting at its own localOffset, localSize rows long, from localBuf
// (spec.md §4.7, "Collective write"). block must have been obtained
// from OpenBlock/CreateBlock/Grow on every peer.
func (c *Coordinator) Write(ctx context.Context, block *bigfile.Block, localOffset, localSize int64, localBuf []byte, dtype bigfile.Dtype) error {
	totalBytes, err := c.allreduceSum(ctx, int64(len(localBuf)))
	if err != nil {
		return err
	}

	writerOf, writers := c.writerElection()
	if totalBytes <= c.AggregatedThreshold {
		writerOf = make([]int, c.Group.Size())
		writers = []int{collectiveRoot}
	}
	myWriter := writerOf[c.Group.Rank()]

	// Every non-writer ships its payload to its writer; every writer
	// gathers from the whole group and keeps only the shares routed to
	// it (spec.md §4.7 step 2). Gather is a group-wide collective, so
	// every peer (writer or not) must participate once per writer.
	type contribution struct {
		offset, size int64
		payload      []byte
	}
	contributions := map[int]contribution{} // rank -> share, populated only at the owning writer
	for _, w := range writers {
		owns := myWriter == w
		payload := localBuf
		if !owns {
			payload = nil // only the owning writer's Gather needs the bytes
		}
		share := encodeShare(owns, localOffset, localSize, payload)
		gathered, err := c.Group.Gather(ctx, w, share)
		if err != nil {
			return err
		}
		if c.Group.Rank() == w {
			for rank, raw := range gathered {
				owns, offset, size, payload := decodeShare(raw)
				if owns {
					contributions[rank] = contribution{offset: offset, size: size, payload: payload}
				}
			}
		}
	}

	deltas := make([]uint32, len(block.Fchecksum))
	if c.Group.Rank() == myWriter {
		ranks := make([]int, 0, len(contributions))
		for rank := range contributions {
			ranks = append(ranks, rank)
		}
		sortInts(ranks)

		for _, rank := range ranks {
			con := contributions[rank]
			rows := con.size
			array, err := bigfile.NewBigArray(con.payload, dtype, []int64{rows, int64(block.Nmemb)}, nil)
			if err != nil {
				return err
			}
			before := append([]uint32(nil), block.Fchecksum...)
			ptr, err := block.Seek(con.offset)
			if err != nil {
				return err
			}
			if err := block.Write(&ptr, array); err != nil {
				return err
			}
			for i := range deltas {
				deltas[i] += block.Fchecksum[i] - before[i]
			}
		}
	}

	// Segmented scan / reconciliation (spec.md §4.7 step 4): every
	// peer's local view of fchecksum becomes the elementwise sum of
	// every writer's delta. A writer's block.Fchecksum already has its
	// own delta folded in by the block.Write calls above, so it must
	// only add the *other* writers' share of the reconciled sum; a
	// non-writer has no delta of its own and adds the whole thing.
	reconciled, err := c.Group.Allreduce(ctx, deltas)
	if err != nil {
		return err
	}
	for i := range block.Fchecksum {
		if c.Group.Rank() == myWriter {
			block.Fchecksum[i] += reconciled[i] - deltas[i]
		} else {
			block.Fchecksum[i] += reconciled[i]
		}
	}

	if err := c.Group.Barrier(ctx); err != nil {
		return err
	}
	return nil
}

// Read performs a collective read: every peer receives the rows
// starting at its own localOffset, localSize rows long, into localBuf
// (spec.md §4.7, "Collective read is symmetric"). It elects Nwriter
// reader peers with the same even stride as Write's writer election,
// has each peer ask its reader for its (offset, size) range, then has
// every reader fetch the real bytes and Scatter them back out.
func (c *Coordinator) Read(ctx context.Context, block *bigfile.Block, localOffset, localSize int64, localBuf []byte, dtype bigfile.Dtype) error {
	readerOf, readers := c.writerElection()
	myReader := readerOf[c.Group.Rank()]

	// Every peer sends its requested range to its reader; Gather is a
	// group-wide collective, so every peer participates once per reader.
	type request struct {
		offset, size int64
	}
	requests := map[int]request{} // rank -> requested range, populated only at the owning reader
	for _, r := range readers {
		owns := myReader == r
		share := encodeShare(owns, localOffset, localSize, nil)
		gathered, err := c.Group.Gather(ctx, r, share)
		if err != nil {
			return err
		}
		if c.Group.Rank() == r {
			for rank, raw := range gathered {
				owns, offset, size, _ := decodeShare(raw)
				if owns {
					requests[rank] = request{offset: offset, size: size}
				}
			}
		}
	}

	// Each reader fetches every rank routed to it and scatters the
	// bytes back out. Scatter addresses one root at a time, so readers
	// take turns; every peer participates in every reader's Scatter,
	// but only keeps the result from its own reader's turn.
	for _, r := range readers {
		var payloads [][]byte
		if c.Group.Rank() == r {
			payloads = make([][]byte, c.Group.Size())
			for rank, req := range requests {
				array, err := block.ReadSimple(req.offset, req.size, dtype)
				if err != nil {
					return err
				}
				payloads[rank] = array.Data
			}
		}
		got, err := c.Group.Scatter(ctx, r, payloads)
		if err != nil {
			return err
		}
		if myReader == r {
			copy(localBuf, got)
		}
	}

	return c.Group.Barrier(ctx)
}

func sortInts(xs []int) {
	for i := 1; i < len(xs); i++ {
		for j := i; j > 0 && xs[j-1] > xs[j]; j-- {
			xs[j-1], xs[j] = xs[j], xs[j-1]
		}
	}
}

func (c *Coordinator) allreduceSum(ctx context.Context, n int64) (int64, error) {
	local := make([]uint32, 2)
	local[0] = uint32(uint64(n))
	local[1] = uint32(uint64(n) >> 32)
	sum, err := c.Group.Allreduce(ctx, local)
	if err != nil {
		return 0, err
	}
	return int64(sum[0]) | int64(sum[1])<<32, nil
}

// Close reconciles every peer's local attribute changes through root
// and has root write the real header and attr files; every peer then
// releases its handle (spec.md §4.7, "Close"). Peers gather their
// attribute sets to root in rank order, so a later rank's Set of the
// same name overwrites an earlier one's, and root's own attrs (gathered
// last, at rank 0) win any remaining conflict.
func (c *Coordinator) Close(ctx context.Context, block *bigfile.Block) error {
	var local bytes.Buffer
	if _, err := block.ExportAttrs(&local); err != nil {
		return err
	}
	gathered, err := c.Group.Gather(ctx, collectiveRoot, local.Bytes())
	if err != nil {
		return err
	}

	if c.Group.Rank() == collectiveRoot {
		real, err := bigfile.OpenBlock(block.Dir())
		if err != nil {
			return err
		}
		for rank := 1; rank < len(gathered); rank++ {
			if _, err := real.ImportAttrs(bytes.NewReader(gathered[rank])); err != nil {
				real.Close()
				return err
			}
		}
		if _, err := real.ImportAttrs(bytes.NewReader(gathered[collectiveRoot])); err != nil {
			real.Close()
			return err
		}
		if err := real.SyncChecksums(block.Fchecksum); err != nil {
			real.Close()
			return err
		}
		if err := real.Flush(); err != nil {
			real.Close()
			return err
		}
		if err := real.Close(); err != nil {
			return err
		}
	}
	if err := c.Group.Barrier(ctx); err != nil {
		return err
	}
	return block.Close()
}

// encodeBlockMeta packs everything a peer needs to attach to block
// without touching the filesystem: its shape (dtype/nmemb/nfile/fsize),
// its per-shard checksums, and its attribute set (exported through
// Block.ExportAttrs so attributes already on disk -- or just added by
// root -- survive the broadcast instead of being silently dropped).
func encodeBlockMeta(block *bigfile.Block) ([]byte, error) {
	s := block.Dtype.String()
	var attrBuf bytes.Buffer
	if _, err := block.ExportAttrs(&attrBuf); err != nil {
		return nil, err
	}
	b := make([]byte, 1+len(s)+4+4+8*len(block.Fsize)+4*len(block.Fchecksum))
	i := 0
	b[i] = byte(len(s))
	i++
	copy(b[i:], s)
	i += len(s)
	binary.LittleEndian.PutUint32(b[i:], uint32(block.Nmemb))
	i += 4
	binary.LittleEndian.PutUint32(b[i:], uint32(block.Nfile))
	i += 4
	for _, v := range block.Fsize {
		binary.LittleEndian.PutUint64(b[i:], uint64(v))
		i += 8
	}
	for _, v := range block.Fchecksum {
		binary.LittleEndian.PutUint32(b[i:], v)
		i += 4
	}
	return append(b, attrBuf.Bytes()...), nil
}

// decodeBlockMeta rebuilds an in-memory Block attached to dir from the
// payload encodeBlockMeta produced, restoring its attribute set via
// Block.ImportAttrs.
func decodeBlockMeta(dir string, b []byte) (*bigfile.Block, error) {
	i := 0
	slen := int(b[i])
	i++
	dtype := bigfile.MustParseDtype(string(b[i : i+slen]))
	i += slen
	nmemb := int(binary.LittleEndian.Uint32(b[i:]))
	i += 4
	nfile := int(binary.LittleEndian.Uint32(b[i:]))
	i += 4
	fsize := make([]int64, nfile)
	for k := 0; k < nfile; k++ {
		fsize[k] = int64(binary.LittleEndian.Uint64(b[i:]))
		i += 8
	}
	fchecksum := make([]uint32, nfile)
	for k := 0; k < nfile; k++ {
		fchecksum[k] = binary.LittleEndian.Uint32(b[i:])
		i += 4
	}
	block := bigfile.AttachBlock(dir, dtype, nmemb, nfile, fsize, fchecksum)
	if _, err := block.ImportAttrs(bytes.NewReader(b[i:])); err != nil {
		return nil, err
	}
	return block, nil
}

// encodeShare frames one peer's write contribution: whether it owns
// this writer's share, and its (offset, size, payload) triple packed
// so the owning writer can recover the absolute row offset after
// Gather flattens everything into [][]byte.
func encodeShare(owns bool, offset, size int64, payload []byte) []byte {
	b := make([]byte, 1+8+8+len(payload))
	if owns {
		b[0] = 1
	}
	binary.LittleEndian.PutUint64(b[1:], uint64(offset))
	binary.LittleEndian.PutUint64(b[9:], uint64(size))
	copy(b[17:], payload)
	return b
}

func decodeShare(b []byte) (owns bool, offset, size int64, payload []byte) {
	owns = b[0] == 1
	offset = int64(binary.LittleEndian.Uint64(b[1:]))
	size = int64(binary.LittleEndian.Uint64(b[9:]))
	payload = b[17:]
	return
}
