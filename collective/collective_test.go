package collective_test

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/MP-Gadget/bigfile"
	"github.com/MP-Gadget/bigfile/collective"
)

func encodeI8(vals []int64) []byte {
	b := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.NativeEndian.PutUint64(b[8*i:], uint64(v))
	}
	return b
}

// shardByteSum reproduces the SysV rolling checksum (plain byte sum mod
// 2^32) over a shard file's on-disk contents, independent of the block
// package's own bookkeeping, so tests can check Fchecksum against the
// actual bytes a collective write left behind.
func shardByteSum(t *testing.T, dir string, fileid int) uint32 {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, fmt.Sprintf("%06x", fileid)))
	if err != nil {
		t.Fatalf("reading shard %d: %v", fileid, err)
	}
	var sum uint32
	for _, b := range data {
		sum += uint32(b)
	}
	return sum
}

// TestCoordinatorCreateWriteCloseRoundTrip runs a small collective
// CreateBlock/Write/Close across simulated peers, each contributing a
// disjoint row range, then reopens the block outside the collective
// layer to check the data and checksums it produced.
func TestCoordinatorCreateWriteCloseRoundTrip(t *testing.T) {
	const n = 3
	const totalRows = 9
	root := t.TempDir()
	i8 := bigfile.MustParseDtype("=i8")

	fsize := bigfile.BalancedPartition(totalRows, n)
	offsets := make([]int64, n)
	for i := 1; i < n; i++ {
		offsets[i] = offsets[i-1] + fsize[i-1]
	}

	err := collective.RunLocal(context.Background(), n, func(ctx context.Context, g collective.Group, rank int) error {
		file, err := bigfile.CreateFile(root)
		if err != nil {
			return err
		}
		coord := collective.NewCoordinator(g, file)
		// Force the multi-writer path: the default AggregatedThreshold
		// (4 KiB) would otherwise funnel this small payload through a
		// single writer and never exercise writer-to-writer checksum
		// reconciliation.
		coord.SetAggregatedThreshold(0)

		block, err := coord.CreateBlock(ctx, "ID", i8, 1, totalRows, n)
		if err != nil {
			return err
		}

		rows := make([]int64, fsize[rank])
		for i := range rows {
			rows[i] = offsets[rank] + i
		}
		buf := encodeI8(rows)
		if err := coord.Write(ctx, block, offsets[rank], fsize[rank], buf, i8); err != nil {
			return err
		}
		return coord.Close(ctx, block)
	})
	if err != nil {
		t.Fatalf("collective round trip: %v", err)
	}

	f, err := bigfile.OpenFile(root)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer f.Close()
	block, err := f.OpenBlock("ID")
	if err != nil {
		t.Fatalf("OpenBlock: %v", err)
	}
	defer block.Close()

	if block.Size != totalRows {
		t.Fatalf("block.Size = %d, want %d", block.Size, totalRows)
	}
	got, err := block.ReadSimple(0, totalRows, i8)
	if err != nil {
		t.Fatalf("ReadSimple: %v", err)
	}
	for i := 0; i < totalRows; i++ {
		v := int64(binary.NativeEndian.Uint64(got.Data[8*i:]))
		if v != int64(i) {
			t.Errorf("row %d = %d, want %d", i, v, i)
		}
	}

	for i := 0; i < n; i++ {
		want := shardByteSum(t, block.Dir(), i)
		if block.Fchecksum[i] != want {
			t.Errorf("shard %d Fchecksum = %d, want %d (on-disk byte-sum)", i, block.Fchecksum[i], want)
		}
	}
}

// TestCoordinatorWriteReadRoundTrip writes a block collectively, then
// reads it back collectively -- every peer into its own disjoint
// buffer -- checking that Read's reader election and scatter delivers
// each peer exactly the rows it asked for. With n peers and the
// default Nwriter/Nreader of n, this exercises multiple readers.
func TestCoordinatorWriteReadRoundTrip(t *testing.T) {
	const n = 4
	const totalRows = 20
	root := t.TempDir()
	i8 := bigfile.MustParseDtype("=i8")

	fsize := bigfile.BalancedPartition(totalRows, n)
	offsets := make([]int64, n)
	for i := 1; i < n; i++ {
		offsets[i] = offsets[i-1] + fsize[i-1]
	}

	results := make([][]int64, n)
	err := collective.RunLocal(context.Background(), n, func(ctx context.Context, g collective.Group, rank int) error {
		file, err := bigfile.CreateFile(root)
		if err != nil {
			return err
		}
		coord := collective.NewCoordinator(g, file)

		block, err := coord.CreateBlock(ctx, "RW", i8, 1, totalRows, n)
		if err != nil {
			return err
		}

		rows := make([]int64, fsize[rank])
		for i := range rows {
			rows[i] = offsets[rank] + i
		}
		buf := encodeI8(rows)
		if err := coord.Write(ctx, block, offsets[rank], fsize[rank], buf, i8); err != nil {
			return err
		}

		localBuf := make([]byte, fsize[rank]*8)
		if err := coord.Read(ctx, block, offsets[rank], fsize[rank], localBuf, i8); err != nil {
			return err
		}
		got := make([]int64, fsize[rank])
		for i := range got {
			got[i] = int64(binary.NativeEndian.Uint64(localBuf[8*i:]))
		}
		results[rank] = got

		return coord.Close(ctx, block)
	})
	if err != nil {
		t.Fatalf("collective write/read round trip: %v", err)
	}

	for rank := 0; rank < n; rank++ {
		for i, v := range results[rank] {
			want := offsets[rank] + int64(i)
			if v != want {
				t.Errorf("peer %d row %d = %d, want %d", rank, i, v, want)
			}
		}
	}
}

// TestCoordinatorOpenBlockAttachesWithoutRootIO exercises OpenBlock on
// an already-existing block, checking that every peer -- not just root
// -- ends up with a correct, independent handle (they attach via
// broadcast metadata rather than each opening the header themselves).
func TestCoordinatorOpenBlockAttachesWithoutRootIO(t *testing.T) {
	root := t.TempDir()
	i4 := bigfile.MustParseDtype("=i4")
	f, err := bigfile.CreateFile(root)
	if err != nil {
		t.Fatal(err)
	}
	b, err := f.CreateBlock("Existing", i4, 1, 2, []int64{3, 4})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.SetAttr("note", []byte{1, 2, 3, 4}, bigfile.MustParseDtype("=i4"), 1); err != nil {
		t.Fatal(err)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}

	const n = 3
	dirs := make([]string, n)
	nfiles := make([]int, n)
	err = collective.RunLocal(context.Background(), n, func(ctx context.Context, g collective.Group, rank int) error {
		file, err := bigfile.OpenFile(root)
		if err != nil {
			return err
		}
		coord := collective.NewCoordinator(g, file)
		block, err := coord.OpenBlock(ctx, "Existing")
		if err != nil {
			return err
		}
		dirs[rank] = block.Dir()
		nfiles[rank] = block.Nfile

		out := make([]byte, 4)
		if err := block.GetAttr("note", out, bigfile.MustParseDtype("=i4"), 1); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		t.Fatalf("collective OpenBlock: %v", err)
	}
	for r := 0; r < n; r++ {
		if nfiles[r] != 2 {
			t.Errorf("peer %d saw Nfile=%d, want 2", r, nfiles[r])
		}
	}
}

func TestCoordinatorGrow(t *testing.T) {
	root := t.TempDir()
	i4 := bigfile.MustParseDtype("=i4")
	f, err := bigfile.CreateFile(root)
	if err != nil {
		t.Fatal(err)
	}
	b, err := f.CreateBlock("Grows", i4, 1, 1, []int64{2})
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}

	const n = 2
	err = collective.RunLocal(context.Background(), n, func(ctx context.Context, g collective.Group, rank int) error {
		file, err := bigfile.OpenFile(root)
		if err != nil {
			return err
		}
		coord := collective.NewCoordinator(g, file)
		block, err := coord.OpenBlock(ctx, "Grows")
		if err != nil {
			return err
		}
		_, err = coord.Grow(ctx, "Grows", block, 4, 2)
		return err
	})
	if err != nil {
		t.Fatalf("collective Grow: %v", err)
	}

	f2, err := bigfile.OpenFile(root)
	if err != nil {
		t.Fatal(err)
	}
	defer f2.Close()
	grown, err := f2.OpenBlock("Grows")
	if err != nil {
		t.Fatal(err)
	}
	defer grown.Close()
	if grown.Nfile != 3 || grown.Size != 6 {
		t.Errorf("after collective Grow: Nfile=%d Size=%d, want 3 6", grown.Nfile, grown.Size)
	}
}

func TestCoordinatorBlockDirMatchesFileRoot(t *testing.T) {
	root := t.TempDir()
	f, err := bigfile.CreateFile(root)
	if err != nil {
		t.Fatal(err)
	}
	groups := collective.NewInProcessGroup(1)
	coord := collective.NewCoordinator(groups[0], f)
	i4 := bigfile.MustParseDtype("=i4")
	block, err := coord.CreateBlock(context.Background(), "sub/Block", i4, 1, 0, 0)
	if err != nil {
		t.Fatalf("CreateBlock: %v", err)
	}
	want := filepath.Join(root, "sub", "Block")
	if block.Dir() != want {
		t.Errorf("block.Dir() = %q, want %q", block.Dir(), want)
	}
}
