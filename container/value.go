package container

import (
	"encoding/binary"
	"fmt"
	"math"
	"unsafe"

	"github.com/cznic/shmstore/alloc"
	"github.com/cznic/shmstore/region"
	"github.com/cznic/shmstore/shmerr"
)

// Kind tags a Value block's payload interpretation (§3.4: "bool, int,
// float, utf-32 string, bytes, tuple of fat pointers").
type Kind uint32

const (
	KindBool Kind = iota
	KindInt
	KindFloat
	KindString // UCS-4 code points
	KindBytes
	KindTuple // inline array of region.Pointer
)

// valueHeader is the fixed preamble of every Value block: the refcount
// triple (values are immutable and never locked, so no lock.ContainerLock
// follows) plus a kind tag and element/byte count.
type valueHeader struct {
	alloc.RefcountHeader
	ValueKind Kind
	Count     uint32 // code points for String, bytes for Bytes, elements for Tuple
}

func overlayValue(payload []byte) *valueHeader {
	return (*valueHeader)(unsafe.Pointer(&payload[0]))
}

var valueHeaderSize = int(unsafe.Sizeof(valueHeader{}))

// Value is the process-local handle to an immutable, refcounted Value
// block (§3.4).
type Value struct {
	r   *region.Region
	ptr region.Pointer
}

func (v Value) payload() []byte      { return v.r.Resolve(v.ptr) }
func (v Value) header() *valueHeader { return overlayValue(v.payload()) }

// Pointer returns the fat pointer backing this value.
func (v Value) Pointer() region.Pointer { return v.ptr }

// Kind reports the value's concrete kind.
func (v Value) Kind() Kind { return v.header().ValueKind }

func newValue(h *alloc.Heap, valueKind Kind, bodySize int, count uint32) (region.Pointer, []byte, error) {
	fp, payload, err := h.GetMem(valueHeaderSize+bodySize, 0)
	if err != nil {
		return region.None, nil, err
	}
	hdr := overlayValue(payload)
	hdr.SetType(alloc.TypeValue)
	hdr.ValueKind = valueKind
	hdr.Count = count
	hdr.Refcount = 1
	return fp, payload[valueHeaderSize:], nil
}

// NewBool allocates a one-byte boolean Value (§3.4).
func NewBool(r *region.Region, h *alloc.Heap, b bool) (Value, error) {
	fp, body, err := newValue(h, KindBool, 1, 0)
	if err != nil {
		return Value{}, err
	}
	if b {
		body[0] = 1
	}
	return Value{r: r, ptr: fp}, nil
}

// Bool reads a boolean Value's payload.
func (v Value) Bool() bool { return v.payload()[valueHeaderSize] != 0 }

// NewInt allocates a 64-bit signed integer Value (§3.4).
func NewInt(r *region.Region, h *alloc.Heap, n int64) (Value, error) {
	fp, body, err := newValue(h, KindInt, 8, 0)
	if err != nil {
		return Value{}, err
	}
	binary.LittleEndian.PutUint64(body, uint64(n))
	return Value{r: r, ptr: fp}, nil
}

// Int reads an integer Value's payload.
func (v Value) Int() int64 {
	return int64(binary.LittleEndian.Uint64(v.payload()[valueHeaderSize:]))
}

// NewFloat allocates a 64-bit float Value (§3.4).
func NewFloat(r *region.Region, h *alloc.Heap, f float64) (Value, error) {
	fp, body, err := newValue(h, KindFloat, 8, 0)
	if err != nil {
		return Value{}, err
	}
	binary.LittleEndian.PutUint64(body, math.Float64bits(f))
	return Value{r: r, ptr: fp}, nil
}

// Float reads a float Value's payload.
func (v Value) Float() float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(v.payload()[valueHeaderSize:]))
}

// NewString allocates a UCS-4 string Value from s (§3.4, §4.6.3: string
// keys are interned the same way so hashing is always over a flat
// code-point sequence).
func NewString(r *region.Region, h *alloc.Heap, s string) (Value, error) {
	runes := []rune(s)
	fp, body, err := newValue(h, KindString, len(runes)*4, uint32(len(runes)))
	if err != nil {
		return Value{}, err
	}
	for i, rn := range runes {
		binary.LittleEndian.PutUint32(body[i*4:], uint32(rn))
	}
	return Value{r: r, ptr: fp}, nil
}

// String reads a String Value back into a Go string.
func (v Value) String() string {
	hdr := v.header()
	body := v.payload()[valueHeaderSize:]
	runes := make([]rune, hdr.Count)
	for i := range runes {
		runes[i] = rune(binary.LittleEndian.Uint32(body[i*4:]))
	}
	return string(runes)
}

// NewBytes allocates a raw Bytes Value (§3.4).
func NewBytes(r *region.Region, h *alloc.Heap, b []byte) (Value, error) {
	fp, body, err := newValue(h, KindBytes, len(b), uint32(len(b)))
	if err != nil {
		return Value{}, err
	}
	copy(body, b)
	return Value{r: r, ptr: fp}, nil
}

// Bytes reads a Bytes Value's payload.
func (v Value) Bytes() []byte {
	hdr := v.header()
	body := v.payload()[valueHeaderSize:]
	out := make([]byte, hdr.Count)
	copy(out, body[:hdr.Count])
	return out
}

// Tuple is a Value whose payload is an inline array of fat pointers to
// other Values (§3.6, supplemented from original_source's SHM_VALUE_TUPLE).
// Tuples are immutable and never carry shadow fields.
type Tuple struct{ Value }

// NewTuple allocates a Tuple Value holding elems, each already a live
// Value the tuple takes a reference to conceptually (callers are expected
// to have acquired elems themselves; the tuple does not itself bump
// refcounts, mirroring original_source's inline-array-of-pointers layout
// with no secondary refcounting step).
func NewTuple(r *region.Region, h *alloc.Heap, elems []region.Pointer) (Tuple, error) {
	fp, body, err := newValue(h, KindTuple, len(elems)*4, uint32(len(elems)))
	if err != nil {
		return Tuple{}, err
	}
	for i, e := range elems {
		binary.LittleEndian.PutUint32(body[i*4:], uint32(e))
	}
	return Tuple{Value{r: r, ptr: fp}}, nil
}

// Len returns the tuple's element count.
func (t Tuple) Len() int { return int(t.header().Count) }

// Get returns the i-th element's fat pointer.
func (t Tuple) Get(i int) (region.Pointer, error) {
	if i < 0 || i >= t.Len() {
		return region.None, &shmerr.InvalidError{Src: "container.Tuple.Get", Arg: i}
	}
	body := t.payload()[valueHeaderSize:]
	return region.Pointer(binary.LittleEndian.Uint32(body[i*4:])), nil
}

// GetValue resolves the i-th element as a Value handle.
func (t Tuple) GetValue(i int) (Value, error) {
	fp, err := t.Get(i)
	if err != nil {
		return Value{}, err
	}
	return Value{r: t.r, ptr: fp}, nil
}

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindTuple:
		return "tuple"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}
