// Package safetensors reads .safetensors checkpoint files: a little-endian
// u64 header length, a JSON header mapping tensor names to dtype, shape and
// byte offsets, then the raw tensor payloads. Only reading is supported, and
// every tensor is converted to float32 on access.
package safetensors

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/goccy/go-json"
	"golang.org/x/sys/unix"
)

type entry struct {
	DType   string   `json:"dtype"`
	Shape   []int64  `json:"shape"`
	Offsets [2]int64 `json:"data_offsets"`
}

// File is an open checkpoint. The payload stays mapped (or loaded) until
// Close; Float32 copies out of it, so returned slices outlive the file.
type File struct {
	data     []byte
	mmapped  bool
	payload  []byte
	entries  map[string]entry
	names    []string
	Metadata map[string]string
}

// Open maps the file read-only, falling back to a full read where mmap is
// unavailable, and parses the header.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := st.Size()
	if size < 8 {
		return nil, fmt.Errorf("safetensors: %s: file too small", path)
	}

	sf := &File{}
	if data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED); err == nil {
		sf.data = data
		sf.mmapped = true
	} else {
		sf.data = make([]byte, size)
		if _, err := io.ReadFull(io.NewSectionReader(f, 0, size), sf.data); err != nil {
			return nil, fmt.Errorf("safetensors: read %s: %w", path, err)
		}
	}

	headerLen := binary.LittleEndian.Uint64(sf.data[:8])
	if headerLen > uint64(size)-8 {
		sf.Close()
		return nil, fmt.Errorf("safetensors: %s: header length %d exceeds file size", path, headerLen)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(sf.data[8:8+headerLen], &raw); err != nil {
		sf.Close()
		return nil, fmt.Errorf("safetensors: %s: parse header: %w", path, err)
	}
	sf.payload = sf.data[8+headerLen:]
	sf.entries = make(map[string]entry, len(raw))
	for name, msg := range raw {
		if name == "__metadata__" {
			_ = json.Unmarshal(msg, &sf.Metadata)
			continue
		}
		var e entry
		if err := json.Unmarshal(msg, &e); err != nil {
			sf.Close()
			return nil, fmt.Errorf("safetensors: %s: tensor %q: %w", path, name, err)
		}
		if e.Offsets[0] < 0 || e.Offsets[1] < e.Offsets[0] || e.Offsets[1] > int64(len(sf.payload)) {
			sf.Close()
			return nil, fmt.Errorf("safetensors: %s: tensor %q: bad offsets %v", path, name, e.Offsets)
		}
		sf.entries[name] = e
		sf.names = append(sf.names, name)
	}
	sort.Strings(sf.names)
	return sf, nil
}

// Close releases the mapping.
func (f *File) Close() error {
	if f.mmapped && f.data != nil {
		data := f.data
		f.data, f.payload, f.mmapped = nil, nil, false
		return unix.Munmap(data)
	}
	f.data, f.payload = nil, nil
	return nil
}

// Names lists the tensors in sorted order.
func (f *File) Names() []string { return f.names }

// Has reports whether the checkpoint contains the named tensor.
func (f *File) Has(name string) bool {
	_, ok := f.entries[name]
	return ok
}

// Float32 returns the named tensor converted to float32, with its shape.
// F32, F16 and BF16 payloads are supported.
func (f *File) Float32(name string) ([]float32, []int, error) {
	e, ok := f.entries[name]
	if !ok {
		return nil, nil, fmt.Errorf("safetensors: no tensor %q", name)
	}
	raw := f.payload[e.Offsets[0]:e.Offsets[1]]
	shape := make([]int, len(e.Shape))
	n := 1
	for i, d := range e.Shape {
		shape[i] = int(d)
		n *= int(d)
	}

	out := make([]float32, n)
	switch e.DType {
	case "F32":
		if len(raw) != n*4 {
			return nil, nil, fmt.Errorf("safetensors: tensor %q: %d bytes for %d f32 values", name, len(raw), n)
		}
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case "F16":
		if len(raw) != n*2 {
			return nil, nil, fmt.Errorf("safetensors: tensor %q: %d bytes for %d f16 values", name, len(raw), n)
		}
		for i := range out {
			out[i] = f16ToF32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	case "BF16":
		if len(raw) != n*2 {
			return nil, nil, fmt.Errorf("safetensors: tensor %q: %d bytes for %d bf16 values", name, len(raw), n)
		}
		for i := range out {
			out[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(raw[i*2:])) << 16)
		}
	default:
		return nil, nil, fmt.Errorf("safetensors: tensor %q: unsupported dtype %s", name, e.DType)
	}
	return out, shape, nil
}

// f16ToF32 widens an IEEE 754 half-precision value.
func f16ToF32(h uint16) float32 {
	sign := uint32(h>>15) << 31
	exp := uint32(h>>10) & 0x1f
	mant := uint32(h & 0x3ff)
	switch exp {
	case 0:
		if mant == 0 {
			return math.Float32frombits(sign)
		}
		// Subnormal: renormalize.
		e := uint32(127 - 15 + 1)
		for mant&0x400 == 0 {
			mant <<= 1
			e--
		}
		mant &= 0x3ff
		return math.Float32frombits(sign | e<<23 | mant<<13)
	case 0x1f:
		return math.Float32frombits(sign | 0xff<<23 | mant<<13)
	default:
		return math.Float32frombits(sign | (exp+127-15)<<23 | mant<<13)
	}
}
