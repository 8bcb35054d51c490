// Package catalog holds the immutable table of RTM parameter names and
// their wire encodings, plus value pack/unpack against that table.
package catalog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
)

var (
	ErrUnknownParameter = errors.New("catalog: unknown parameter")
	ErrEncode           = errors.New("catalog: cannot encode value")
	ErrDecode           = errors.New("catalog: cannot decode value")
)

// Kind is the scalar wire type of a parameter.
type Kind uint8

const (
	KindFloat64 Kind = iota + 1
	KindBool
	KindUint16
	KindUint32
	KindInt32
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindFloat64:
		return "float64"
	case KindBool:
		return "bool"
	case KindUint16:
		return "uint16"
	case KindUint32:
		return "uint32"
	case KindInt32:
		return "int32"
	case KindString:
		return "string"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func (k Kind) wireSize() int {
	switch k {
	case KindFloat64:
		return 8
	case KindBool:
		return 1
	case KindUint16:
		return 2
	case KindUint32, KindInt32:
		return 4
	default:
		return 0
	}
}

// Entry describes one parameter's wire encoding.
// Dims 0 is a scalar, 1 a count-prefixed vector, 2 a rows/cols matrix.
type Entry struct {
	Name string
	Dims uint8
	Kind Kind
}

// Catalog is an immutable name -> Entry table supplied at construction.
type Catalog struct {
	entries map[string]Entry
}

func New(entries []Entry) *Catalog {
	m := make(map[string]Entry, len(entries))
	for _, e := range entries {
		m[e.Name] = e
	}
	return &Catalog{entries: m}
}

// Default returns the Tensormeter RTM parameter table.
func Default() *Catalog {
	scalarF64 := []string{
		"avgt", "lfrq", "vamp", "vpro", "camp", "cpro", "virg", "cudc",
		"vodc", "vorg", "crng", "sres",
	}
	scalarBool := []string{"aaup", "tcai", "refe", "auup"}
	scalarU16 := []string{"cmod", "amod", "mod?", "mult"}

	entries := make([]Entry, 0, 32)
	for _, name := range scalarF64 {
		entries = append(entries, Entry{Name: name, Dims: 0, Kind: KindFloat64})
	}
	for _, name := range scalarBool {
		entries = append(entries, Entry{Name: name, Dims: 0, Kind: KindBool})
	}
	for _, name := range scalarU16 {
		entries = append(entries, Entry{Name: name, Dims: 0, Kind: KindUint16})
	}
	entries = append(entries,
		Entry{Name: "trmo", Dims: 0, Kind: KindUint32},
		Entry{Name: "meas", Dims: 0, Kind: KindInt32},
		Entry{Name: "swit", Dims: 1, Kind: KindUint32},
		Entry{Name: "selc", Dims: 1, Kind: KindInt32},
		Entry{Name: "puar", Dims: 1, Kind: KindFloat64},
		// newd streams one sample per frame; alld carries the full dataset.
		Entry{Name: "newd", Dims: 0, Kind: KindFloat64},
		Entry{Name: "alld", Dims: 2, Kind: KindFloat64},
		Entry{Name: "TENS", Dims: 0, Kind: KindString},
	)
	return New(entries)
}

func (c *Catalog) Lookup(name string) (Entry, bool) {
	e, ok := c.entries[name]
	return e, ok
}

func (c *Catalog) Has(name string) bool {
	_, ok := c.entries[name]
	return ok
}

// Names returns all catalog names in lexical order.
func (c *Catalog) Names() []string {
	out := make([]string, 0, len(c.entries))
	for name := range c.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Pack encodes v as the wire payload for name.
func (c *Catalog) Pack(name string, v any) ([]byte, error) {
	e, ok := c.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownParameter, name)
	}
	switch e.Dims {
	case 0:
		return packScalar(e, v)
	case 1:
		return packVector(e, v)
	default:
		// Matrices only travel server -> client.
		return nil, fmt.Errorf("%w: %q: matrix parameters are receive-only", ErrEncode, name)
	}
}

// Unpack decodes a wire payload into the Go value for name.
func (c *Catalog) Unpack(name string, payload []byte) (any, error) {
	e, ok := c.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownParameter, name)
	}
	switch e.Dims {
	case 0:
		if e.Kind == KindString {
			return string(payload), nil
		}
		return unpackScalar(e, payload)
	case 1:
		return unpackVector(e, payload)
	case 2:
		return unpackMatrix(e, payload)
	default:
		return nil, fmt.Errorf("%w: %q: unsupported dims %d", ErrDecode, name, e.Dims)
	}
}

func packScalar(e Entry, v any) ([]byte, error) {
	switch e.Kind {
	case KindFloat64:
		f, ok := asFloat64(v)
		if !ok {
			return nil, packErr(e, v)
		}
		out := make([]byte, 8)
		binary.BigEndian.PutUint64(out, math.Float64bits(f))
		return out, nil
	case KindBool:
		b, ok := v.(bool)
		if !ok {
			return nil, packErr(e, v)
		}
		if b {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case KindUint16:
		n, ok := asInt64(v)
		if !ok || n < 0 || n > math.MaxUint16 {
			return nil, packErr(e, v)
		}
		out := make([]byte, 2)
		binary.BigEndian.PutUint16(out, uint16(n))
		return out, nil
	case KindUint32:
		n, ok := asInt64(v)
		if !ok || n < 0 || n > math.MaxUint32 {
			return nil, packErr(e, v)
		}
		out := make([]byte, 4)
		binary.BigEndian.PutUint32(out, uint32(n))
		return out, nil
	case KindInt32:
		n, ok := asInt64(v)
		if !ok || n < math.MinInt32 || n > math.MaxInt32 {
			return nil, packErr(e, v)
		}
		out := make([]byte, 4)
		binary.BigEndian.PutUint32(out, uint32(int32(n)))
		return out, nil
	case KindString:
		s, ok := v.(string)
		if !ok {
			return nil, packErr(e, v)
		}
		return []byte(s), nil
	default:
		return nil, packErr(e, v)
	}
}

func packVector(e Entry, v any) ([]byte, error) {
	switch e.Kind {
	case KindFloat64:
		vals, ok := v.([]float64)
		if !ok {
			return nil, packErr(e, v)
		}
		out := make([]byte, 4+8*len(vals))
		binary.BigEndian.PutUint32(out[0:4], uint32(len(vals)))
		for i, f := range vals {
			binary.BigEndian.PutUint64(out[4+8*i:], math.Float64bits(f))
		}
		return out, nil
	case KindUint32:
		vals, ok := asInt64Slice(v)
		if !ok {
			return nil, packErr(e, v)
		}
		out := make([]byte, 4+4*len(vals))
		binary.BigEndian.PutUint32(out[0:4], uint32(len(vals)))
		for i, n := range vals {
			if n < 0 || n > math.MaxUint32 {
				return nil, packErr(e, v)
			}
			binary.BigEndian.PutUint32(out[4+4*i:], uint32(n))
		}
		return out, nil
	case KindInt32:
		vals, ok := asInt64Slice(v)
		if !ok {
			return nil, packErr(e, v)
		}
		out := make([]byte, 4+4*len(vals))
		binary.BigEndian.PutUint32(out[0:4], uint32(len(vals)))
		for i, n := range vals {
			if n < math.MinInt32 || n > math.MaxInt32 {
				return nil, packErr(e, v)
			}
			binary.BigEndian.PutUint32(out[4+4*i:], uint32(int32(n)))
		}
		return out, nil
	default:
		return nil, packErr(e, v)
	}
}

func unpackScalar(e Entry, payload []byte) (any, error) {
	if len(payload) != e.Kind.wireSize() {
		return nil, fmt.Errorf("%w: %q: want %d bytes, got %d",
			ErrDecode, e.Name, e.Kind.wireSize(), len(payload))
	}
	switch e.Kind {
	case KindFloat64:
		return math.Float64frombits(binary.BigEndian.Uint64(payload)), nil
	case KindBool:
		return payload[0] != 0, nil
	case KindUint16:
		return binary.BigEndian.Uint16(payload), nil
	case KindUint32:
		return binary.BigEndian.Uint32(payload), nil
	case KindInt32:
		return int32(binary.BigEndian.Uint32(payload)), nil
	default:
		return nil, fmt.Errorf("%w: %q: kind %s", ErrDecode, e.Name, e.Kind)
	}
}

func unpackVector(e Entry, payload []byte) (any, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("%w: %q: short vector header", ErrDecode, e.Name)
	}
	count := int(binary.BigEndian.Uint32(payload[0:4]))
	elem := e.Kind.wireSize()
	if elem == 0 {
		return nil, fmt.Errorf("%w: %q: kind %s has no vector form", ErrDecode, e.Name, e.Kind)
	}
	if len(payload)-4 != count*elem {
		return nil, fmt.Errorf("%w: %q: want %d elements, have %d bytes",
			ErrDecode, e.Name, count, len(payload)-4)
	}
	body := payload[4:]
	switch e.Kind {
	case KindFloat64:
		out := make([]float64, count)
		for i := range out {
			out[i] = math.Float64frombits(binary.BigEndian.Uint64(body[8*i:]))
		}
		return out, nil
	case KindUint32:
		out := make([]uint32, count)
		for i := range out {
			out[i] = binary.BigEndian.Uint32(body[4*i:])
		}
		return out, nil
	case KindInt32:
		out := make([]int32, count)
		for i := range out {
			out[i] = int32(binary.BigEndian.Uint32(body[4*i:]))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %q: kind %s has no vector form", ErrDecode, e.Name, e.Kind)
	}
}

// unpackMatrix decodes a rows/cols header plus float64 data. The server's
// layout transposes on receipt: the result holds cols rows of rows values.
func unpackMatrix(e Entry, payload []byte) (any, error) {
	if e.Kind != KindFloat64 {
		return nil, fmt.Errorf("%w: %q: kind %s has no matrix form", ErrDecode, e.Name, e.Kind)
	}
	if len(payload) < 8 {
		return nil, fmt.Errorf("%w: %q: short matrix header", ErrDecode, e.Name)
	}
	rows := int(binary.BigEndian.Uint32(payload[0:4]))
	cols := int(binary.BigEndian.Uint32(payload[4:8]))
	if len(payload)-8 != rows*cols*8 {
		return nil, fmt.Errorf("%w: %q: want %dx%d matrix, have %d bytes",
			ErrDecode, e.Name, rows, cols, len(payload)-8)
	}
	body := payload[8:]
	out := make([][]float64, cols)
	for i := range out {
		row := make([]float64, rows)
		for j := range row {
			row[j] = math.Float64frombits(binary.BigEndian.Uint64(body[8*(i*rows+j):]))
		}
		out[i] = row
	}
	return out, nil
}

func packErr(e Entry, v any) error {
	return fmt.Errorf("%w: %q wants %s (dims %d), got %T", ErrEncode, e.Name, e.Kind, e.Dims, v)
}

func asFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	default:
		return 0, false
	}
}

func asInt64Slice(v any) ([]int64, bool) {
	switch vals := v.(type) {
	case []int:
		out := make([]int64, len(vals))
		for i, n := range vals {
			out[i] = int64(n)
		}
		return out, true
	case []int32:
		out := make([]int64, len(vals))
		for i, n := range vals {
			out[i] = int64(n)
		}
		return out, true
	case []int64:
		return vals, true
	case []uint32:
		out := make([]int64, len(vals))
		for i, n := range vals {
			out[i] = int64(n)
		}
		return out, true
	default:
		return nil, false
	}
}
