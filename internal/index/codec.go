package index

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// On-disk layout, little endian:
//
//	magic   [4]byte "EXVI"
//	version uint32
//	dim     uint32
//	count   uint64
//	data    count*dim float32
var magic = [4]byte{'E', 'X', 'V', 'I'}

const codecVersion = 1

// Write serializes f to w in slot order.
func Write(w io.Writer, f *Flat) error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	bw := bufio.NewWriter(w)
	if _, err := bw.Write(magic[:]); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	header := []any{uint32(codecVersion), uint32(f.dim), uint64(len(f.data) / f.dim)}
	for _, v := range header {
		if err := binary.Write(bw, binary.LittleEndian, v); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}
	buf := make([]byte, 4)
	for _, x := range f.data {
		binary.LittleEndian.PutUint32(buf, math.Float32bits(x))
		if _, err := bw.Write(buf); err != nil {
			return fmt.Errorf("write vectors: %w", err)
		}
	}
	return bw.Flush()
}

// Read deserializes an index written by Write.
func Read(r io.Reader) (*Flat, error) {
	br := bufio.NewReader(r)
	var m [4]byte
	if _, err := io.ReadFull(br, m[:]); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if m != magic {
		return nil, errors.New("not an index file")
	}
	var version, dim uint32
	var count uint64
	for _, v := range []any{&version, &dim, &count} {
		if err := binary.Read(br, binary.LittleEndian, v); err != nil {
			return nil, fmt.Errorf("read header: %w", err)
		}
	}
	if version != codecVersion {
		return nil, fmt.Errorf("unsupported index version %d", version)
	}
	if dim == 0 {
		return nil, errors.New("index dimension is zero")
	}
	if count > math.MaxInt32/uint64(dim) {
		return nil, fmt.Errorf("index too large: %d vectors of dimension %d", count, dim)
	}
	total := count * uint64(dim)

	data := make([]float32, total)
	buf := make([]byte, 4)
	for i := range data {
		if _, err := io.ReadFull(br, buf); err != nil {
			return nil, fmt.Errorf("read vectors: %w", err)
		}
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf))
	}
	return &Flat{dim: int(dim), data: data}, nil
}
