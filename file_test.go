package bigfile_test

import (
	"path/filepath"
	"testing"

	"github.com/MP-Gadget/bigfile"
)

func TestFileCreateOpenBlockRoundTrip(t *testing.T) {
	root := filepath.Join(t.TempDir(), "snap")
	f, err := bigfile.CreateFile(root)
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}

	i4 := bigfile.MustParseDtype("=i4")
	b, err := f.CreateBlock("1/Position", i4, 3, 2, []int64{2, 2})
	if err != nil {
		t.Fatalf("CreateBlock: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := f.OpenBlock("1/Position")
	if err != nil {
		t.Fatalf("OpenBlock: %v", err)
	}
	defer reopened.Close()
	if reopened.Nmemb != 3 || reopened.Nfile != 2 {
		t.Errorf("reopened block shape = nmemb %d nfile %d, want 3 2", reopened.Nmemb, reopened.Nfile)
	}
}

func TestFileList(t *testing.T) {
	root := filepath.Join(t.TempDir(), "snap")
	f, err := bigfile.CreateFile(root)
	if err != nil {
		t.Fatal(err)
	}

	i4 := bigfile.MustParseDtype("=i4")
	for _, name := range []string{"1/Velocity", "1/Position", "Header"} {
		b, err := f.CreateBlock(name, i4, 1, 1, []int64{1})
		if err != nil {
			t.Fatalf("CreateBlock(%q): %v", name, err)
		}
		if err := b.Close(); err != nil {
			t.Fatal(err)
		}
	}

	names, err := f.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"1/Position", "1/Velocity", "Header"}
	if len(names) != len(want) {
		t.Fatalf("List() = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("List()[%d] = %q, want %q (names=%v)", i, names[i], want[i], names)
		}
	}
}

func TestOpenFileMissingRootFails(t *testing.T) {
	if _, err := bigfile.OpenFile(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Errorf("OpenFile of nonexistent root: expected error, got nil")
	}
}

func TestFileCloseRejectsFurtherUse(t *testing.T) {
	root := t.TempDir()
	f, err := bigfile.CreateFile(root)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := f.OpenBlock("anything"); err == nil {
		t.Errorf("OpenBlock after Close: expected error, got nil")
	}
	if _, err := f.List(); err == nil {
		t.Errorf("List after Close: expected error, got nil")
	}
}
