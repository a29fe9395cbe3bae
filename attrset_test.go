package bigfile_test

import (
	"bytes"
	"math"
	"testing"

	"github.com/MP-Gadget/bigfile"
)

func TestAttrSetAddSortsByName(t *testing.T) {
	var s bigfile.AttrSet
	s.Add("zeta", bigfile.MustParseDtype("<i4"), 1)
	s.Add("alpha", bigfile.MustParseDtype("<i4"), 1)
	s.Add("mu", bigfile.MustParseDtype("<i4"), 1)

	names := make([]string, 0, 3)
	for _, a := range s.List() {
		names = append(names, a.Name)
	}
	want := []string{"alpha", "mu", "zeta"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("List() order = %v, want %v", names, want)
		}
	}
}

func TestAttrSetSetThenGetRoundTrip(t *testing.T) {
	var s bigfile.AttrSet
	dt := bigfile.MustParseDtype("<f8")
	if _, err := s.Set("boxsize", encodeF8(100.0), dt, 1); err != nil {
		t.Fatalf("Set: %v", err)
	}
	out := make([]byte, 8)
	if err := s.Get("boxsize", out, dt, 1); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(out, encodeF8(100.0)) {
		t.Errorf("Get returned %x, want %x", out, encodeF8(100.0))
	}
}

func TestAttrSetSetNmembMismatch(t *testing.T) {
	var s bigfile.AttrSet
	dt := bigfile.MustParseDtype("<i4")
	if _, err := s.Set("n", make([]byte, 4), dt, 1); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := s.Set("n", make([]byte, 8), dt, 2); err == nil {
		t.Errorf("Set with mismatched nmemb: expected error, got nil")
	}
}

func TestAttrSetGetMissing(t *testing.T) {
	var s bigfile.AttrSet
	dt := bigfile.MustParseDtype("<i4")
	if err := s.Get("nope", make([]byte, 4), dt, 1); err == nil {
		t.Errorf("Get of missing attr: expected error, got nil")
	}
}

func TestAttrSetRemove(t *testing.T) {
	var s bigfile.AttrSet
	dt := bigfile.MustParseDtype("<i4")
	s.Add("a", dt, 1)
	if !s.Remove("a") {
		t.Fatalf("Remove(a) = false, want true")
	}
	if s.Remove("a") {
		t.Errorf("second Remove(a) = true, want false")
	}
	if _, ok := s.Lookup("a"); ok {
		t.Errorf("Lookup(a) found after Remove")
	}
}

func TestAttrSetWriteToReadFromRoundTrip(t *testing.T) {
	var s bigfile.AttrSet
	i4 := bigfile.MustParseDtype("<i4")
	f8 := bigfile.MustParseDtype("<f8")
	if _, err := s.Set("count", encodeAttrI4(7), i4, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Set("scale", encodeF8(2.5), f8, 1); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if _, err := s.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	var got bigfile.AttrSet
	if _, err := got.ReadFrom(&buf); err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if got.Dirty() {
		t.Errorf("freshly-read AttrSet reports Dirty")
	}

	out := make([]byte, 4)
	if err := got.Get("count", out, i4, 1); err != nil {
		t.Fatalf("Get(count): %v", err)
	}
	if !bytes.Equal(out, encodeAttrI4(7)) {
		t.Errorf("count = %x, want %x", out, encodeAttrI4(7))
	}
}

func TestAttrSetDirtyTracking(t *testing.T) {
	var s bigfile.AttrSet
	if s.Dirty() {
		t.Fatalf("zero-value AttrSet is dirty")
	}
	s.Add("x", bigfile.MustParseDtype("<i4"), 1)
	if !s.Dirty() {
		t.Errorf("AttrSet not dirty after Add")
	}
}

func encodeAttrI4(v int32) []byte {
	b := make([]byte, 4)
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	return b
}

func encodeF8(v float64) []byte {
	bits := math.Float64bits(v)
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(bits >> (8 * i))
	}
	return b
}
