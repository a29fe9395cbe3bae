package bigfile_test

import (
	"encoding/binary"
	"math"
	"path/filepath"
	"testing"

	"github.com/MP-Gadget/bigfile"
)

func TestBalancedPartitionSumsToTotal(t *testing.T) {
	for _, c := range []struct {
		total int64
		n     int
	}{
		{10, 3}, {0, 4}, {1, 5}, {100, 7},
	} {
		fsize := bigfile.BalancedPartition(c.total, c.n)
		if len(fsize) != c.n {
			t.Fatalf("BalancedPartition(%d, %d): got %d shards, want %d", c.total, c.n, len(fsize), c.n)
		}
		var sum int64
		min, max := fsize[0], fsize[0]
		for _, v := range fsize {
			sum += v
			if v < min {
				min = v
			}
			if v > max {
				max = v
			}
		}
		if sum != c.total {
			t.Errorf("BalancedPartition(%d, %d) sums to %d, want %d", c.total, c.n, sum, c.total)
		}
		if max-min > 1 {
			t.Errorf("BalancedPartition(%d, %d) = %v, shard sizes differ by more than 1", c.total, c.n, fsize)
		}
	}
}

func TestRecordTypeCompleteComputesOffsets(t *testing.T) {
	var rt bigfile.RecordType
	rt.SetField(0, "ID", bigfile.MustParseDtype("=i8"), 1)
	rt.SetField(1, "Position", bigfile.MustParseDtype("=f8"), 3)
	if err := rt.Complete(); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	want := 8 + 3*8
	if rt.ItemSize() != want {
		t.Errorf("ItemSize() = %d, want %d", rt.ItemSize(), want)
	}
}

func TestRecordTypeCompleteFailsOnUnsetField(t *testing.T) {
	var rt bigfile.RecordType
	rt.SetField(0, "ID", bigfile.MustParseDtype("=i8"), 1)
	rt.SetField(2, "Velocity", bigfile.MustParseDtype("=f8"), 3) // leaves field 1 unset
	if err := rt.Complete(); err == nil {
		t.Errorf("Complete with a gap in fields: expected error, got nil")
	}
}

func TestWriteReadRecordsRoundTrip(t *testing.T) {
	root := filepath.Join(t.TempDir(), "snap")
	f, err := bigfile.CreateFile(root)
	if err != nil {
		t.Fatal(err)
	}

	var rt bigfile.RecordType
	rt.SetField(0, "ID", bigfile.MustParseDtype("=i8"), 1)
	rt.SetField(1, "Mass", bigfile.MustParseDtype("=f8"), 1)
	if err := rt.Complete(); err != nil {
		t.Fatal(err)
	}

	const n = 4
	if err := bigfile.CreateRecords(f, &rt, n, 2); err != nil {
		t.Fatalf("CreateRecords: %v", err)
	}

	buf := make([]byte, n*rt.ItemSize())
	for i := 0; i < n; i++ {
		row := buf[i*rt.ItemSize():]
		binary.NativeEndian.PutUint64(row[0:8], uint64(i))
		binary.NativeEndian.PutUint64(row[8:16], math.Float64bits(float64(i)+0.5))
	}
	if err := bigfile.WriteRecords(f, &rt, 0, n, buf); err != nil {
		t.Fatalf("WriteRecords: %v", err)
	}

	got := make([]byte, n*rt.ItemSize())
	if err := bigfile.ReadRecords(f, &rt, 0, n, got); err != nil {
		t.Fatalf("ReadRecords: %v", err)
	}
	for i := 0; i < n; i++ {
		row := got[i*rt.ItemSize():]
		id := binary.NativeEndian.Uint64(row[0:8])
		if int(id) != i {
			t.Errorf("row %d ID = %d, want %d", i, id, i)
		}
	}
}
