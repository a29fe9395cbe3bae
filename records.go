package bigfile

import "golang.org/x/xerrors"

// RecordField describes one named column of a fixed-schema record
// (spec.md §6, "record-of-fields convenience layer"; grounded on
// BigRecordType/BigBlockType in bigfile-record.c).
type RecordField struct {
	Name  string
	Dtype Dtype
	Nmemb int

	offset int
	elsize int
}

// RecordType is an ordered schema of fields, each of which becomes its
// own Block under a File. Call Complete after setting every field to
// compute byte offsets within a packed struct-of-arrays row.
type RecordType struct {
	Fields []RecordField

	itemsize int
}

// SetField installs or replaces field i, growing Fields as needed.
// This mirrors big_record_type_set, which the original uses to build
// up a schema one field at a time before big_record_type_complete.
func (rt *RecordType) SetField(i int, name string, dtype Dtype, nmemb int) {
	for len(rt.Fields) <= i {
		rt.Fields = append(rt.Fields, RecordField{})
	}
	rt.Fields[i] = RecordField{Name: name, Dtype: dtype, Nmemb: nmemb}
}

// Complete computes each field's byte offset and element size within a
// packed row, in field order (big_record_type_complete). It must be
// called after every field is set and before the type is used to
// read/write records.
func (rt *RecordType) Complete() error {
	offset := 0
	for i := range rt.Fields {
		f := &rt.Fields[i]
		if f.Name == "" {
			return xerrors.Errorf("bigfile: record field %d was never set", i)
		}
		f.elsize = f.Dtype.ItemSize() * f.Nmemb
		f.offset = offset
		offset += f.elsize
	}
	rt.itemsize = offset
	return nil
}

// ItemSize returns the packed byte size of one row, valid after
// Complete.
func (rt *RecordType) ItemSize() int { return rt.itemsize }

// fieldView returns a BigArray viewing field i across size rows of buf,
// strided by the record's itemsize (big_record_view_field).
func (rt *RecordType) fieldView(i int, buf []byte, size int64) (*BigArray, error) {
	f := rt.Fields[i]
	strides := []int64{int64(rt.itemsize), int64(f.Dtype.ItemSize())}
	dims := []int64{size, int64(f.Nmemb)}
	return NewBigArray(buf[f.offset:], f.Dtype, dims, strides)
}

// WriteRecords fans a packed struct-of-arrays buffer out to one block
// per field, all at row offset offset (big_file_write_records). buf
// must hold size rows of rt.ItemSize() bytes each.
func WriteRecords(f *File, rt *RecordType, offset, size int64, buf []byte) error {
	for i := range rt.Fields {
		array, err := rt.fieldView(i, buf, size)
		if err != nil {
			return err
		}
		block, err := f.OpenBlock(rt.Fields[i].Name)
		if err != nil {
			return err
		}
		ptr, err := block.Seek(offset)
		if err != nil {
			block.Close()
			return err
		}
		if err := block.Write(&ptr, array); err != nil {
			block.Close()
			return err
		}
		if err := block.Close(); err != nil {
			return err
		}
	}
	return nil
}

// ReadRecords reads size rows starting at offset from one block per
// field into buf, the inverse of WriteRecords
// (big_file_read_records).
func ReadRecords(f *File, rt *RecordType, offset, size int64, buf []byte) error {
	for i := range rt.Fields {
		array, err := rt.fieldView(i, buf, size)
		if err != nil {
			return err
		}
		block, err := f.OpenBlock(rt.Fields[i].Name)
		if err != nil {
			return err
		}
		ptr, err := block.Seek(offset)
		if err != nil {
			block.Close()
			return err
		}
		if err := block.Read(&ptr, array); err != nil {
			block.Close()
			return err
		}
		if err := block.Close(); err != nil {
			return err
		}
	}
	return nil
}

// CreateRecords creates one block per field of rt under f, each sized
// nfile shards with a balanced row partition of the given totalRows
// (the same partition rule the collective layer uses for create_block,
// spec.md §4.7): fsize[i] = ((i+1)*N)/Nfile - (i*N)/Nfile.
func CreateRecords(f *File, rt *RecordType, totalRows int64, nfile int) error {
	fsize := balancedPartition(totalRows, nfile)
	for i := range rt.Fields {
		field := rt.Fields[i]
		block, err := f.CreateBlock(field.Name, field.Dtype, field.Nmemb, nfile, fsize)
		if err != nil {
			return err
		}
		if err := block.Close(); err != nil {
			return err
		}
	}
	return nil
}

// GrowRecords appends nfileGrow shards with a balanced partition of
// extraRows to every field's block (grounded on the "a+" style growth
// call in example/record-mpi.c, which reopens and extends an existing
// record set rather than recreating it).
func GrowRecords(f *File, rt *RecordType, extraRows int64, nfileGrow int) error {
	fsizeGrow := balancedPartition(extraRows, nfileGrow)
	for i := range rt.Fields {
		block, err := f.OpenBlock(rt.Fields[i].Name)
		if err != nil {
			return err
		}
		if err := block.Grow(nfileGrow, fsizeGrow); err != nil {
			block.Close()
			return err
		}
		if err := block.Close(); err != nil {
			return err
		}
	}
	return nil
}

// BalancedPartition splits total rows into n shard sizes as evenly as
// possible: fsize[i] = ((i+1)*total)/n - (i*total)/n (spec.md §4.7's
// rule for a collective CreateBlock's shard partition). The collective
// package reuses this exact rule when creating blocks and sizing grown
// shards.
func BalancedPartition(total int64, n int) []int64 {
	return balancedPartition(total, n)
}

func balancedPartition(total int64, n int) []int64 {
	if n <= 0 {
		return nil
	}
	fsize := make([]int64, n)
	for i := 0; i < n; i++ {
		fsize[i] = ((int64(i+1) * total) / int64(n)) - ((int64(i) * total) / int64(n))
	}
	return fsize
}
