// Package propval implements the typed property-value model of spec §3:
// property tags, a tagged-union value type with deep-copy/size/compare,
// and an insertion-ordered property bag.
package propval

import (
	"bytes"
	"time"

	"github.com/google/uuid"
)

// Type enumerates the property value kinds from spec §3. Multi-valued
// variants share the same Type constant with their scalar counterpart;
// Value.Multi distinguishes them.
type Type uint16

const (
	TBool Type = iota
	TI16
	TI32
	TI64
	TF32
	TF64
	TFiletime
	TCurrency
	TString8
	TUnicode
	TBinary
	TClsid
	TSvreid
	TObjectRef
	TRestriction
	TRuleActions
)

// Tag is (type, id). IDs >= 0x8000 are named and must be mapped per store
// via npmap before they are meaningful outside the store that defined
// them.
type Tag struct {
	Type Type
	ID   uint16
}

// NamedPropStart is the first named-property id (spec §3).
const NamedPropStart = 0x8000

// IsNamed reports whether the tag's id requires store-local name mapping.
func (t Tag) IsNamed() bool { return t.ID >= NamedPropStart }

// RelOp is a restriction relational operator.
type RelOp int

const (
	RelLT RelOp = iota
	RelLE
	RelGT
	RelGE
	RelEQ
	RelNE
)

// Svreid is a folder/message/instance reference, or raw opaque binary when
// Raw is set (spec §3).
type Svreid struct {
	Raw      []byte
	FolderID uint64
	MsgID    uint64
	Instance uint32
	IsFolder bool
}

// Value is a tagged union over every scalar and multi-valued property
// kind named in spec §3. Exactly one of the typed fields is meaningful,
// selected by Type; Multi selects between the scalar and the Multi*
// slice for the same Type.
type Value struct {
	Type  Type
	Multi bool

	B        bool
	I16      int16
	I32      int32
	I64      int64
	F32      float32
	F64      float64
	Filetime time.Time
	Currency int64 // scaled fixed-point, 4 decimal places, per MAPI CURRENCY
	Str      string
	Bin      []byte
	Clsid    uuid.UUID
	Ref      Svreid

	MultiI16      []int16
	MultiI32      []int32
	MultiI64      []int64
	MultiF32      []float32
	MultiF64      []float64
	MultiFiletime []time.Time
	MultiCurrency []int64
	MultiStr      []string
	MultiBin      [][]byte
	MultiClsid    []uuid.UUID
}

// Clone deep-copies v, including every slice-backed field.
func (v Value) Clone() Value {
	out := v
	out.Bin = cloneBytes(v.Bin)
	out.MultiI16 = append([]int16(nil), v.MultiI16...)
	out.MultiI32 = append([]int32(nil), v.MultiI32...)
	out.MultiI64 = append([]int64(nil), v.MultiI64...)
	out.MultiF32 = append([]float32(nil), v.MultiF32...)
	out.MultiF64 = append([]float64(nil), v.MultiF64...)
	out.MultiFiletime = append([]time.Time(nil), v.MultiFiletime...)
	out.MultiCurrency = append([]int64(nil), v.MultiCurrency...)
	out.MultiClsid = append([]uuid.UUID(nil), v.MultiClsid...)
	if v.MultiStr != nil {
		out.MultiStr = append([]string(nil), v.MultiStr...)
	}
	if v.MultiBin != nil {
		out.MultiBin = make([][]byte, len(v.MultiBin))
		for i, b := range v.MultiBin {
			out.MultiBin[i] = cloneBytes(b)
		}
	}
	out.Ref.Raw = cloneBytes(v.Ref.Raw)
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

// SizeBytes reports the on-wire size of v, per type, as used by the SIZE
// restriction node.
func (v Value) SizeBytes() int64 {
	if v.Multi {
		switch v.Type {
		case TI16:
			return int64(len(v.MultiI16)) * 2
		case TI32:
			return int64(len(v.MultiI32)) * 4
		case TI64, TFiletime, TCurrency:
			return int64(len(v.MultiI64)+len(v.MultiFiletime)+len(v.MultiCurrency)) * 8
		case TF32:
			return int64(len(v.MultiF32)) * 4
		case TF64:
			return int64(len(v.MultiF64)) * 8
		case TString8, TUnicode:
			var n int64
			for _, s := range v.MultiStr {
				n += int64(len(s))
			}
			return n
		case TBinary:
			var n int64
			for _, b := range v.MultiBin {
				n += int64(len(b))
			}
			return n
		case TClsid:
			return int64(len(v.MultiClsid)) * 16
		}
		return 0
	}
	switch v.Type {
	case TBool:
		return 1
	case TI16:
		return 2
	case TI32:
		return 4
	case TI64, TFiletime, TCurrency:
		return 8
	case TF32:
		return 4
	case TF64:
		return 8
	case TString8, TUnicode:
		return int64(len(v.Str))
	case TBinary:
		return int64(len(v.Bin))
	case TClsid:
		return 16
	case TSvreid:
		if v.Ref.IsFolder {
			return 8
		}
		return int64(len(v.Ref.Raw))
	default:
		return 0
	}
}

// Compare applies op to v and other. The second return is false when the
// comparison is undefined (mismatched types, or any relop other than
// EQ/NE applied to a multi-valued field per spec §3).
func (v Value) Compare(op RelOp, other Value) (result bool, ok bool) {
	if v.Type != other.Type || v.Multi != other.Multi {
		return false, false
	}
	if v.Multi {
		if op != RelEQ && op != RelNE {
			return false, false
		}
		eq := v.multiEqual(other)
		if op == RelNE {
			eq = !eq
		}
		return eq, true
	}
	c, ok := v.scalarCompare(other)
	if !ok {
		return false, false
	}
	switch op {
	case RelLT:
		return c < 0, true
	case RelLE:
		return c <= 0, true
	case RelGT:
		return c > 0, true
	case RelGE:
		return c >= 0, true
	case RelEQ:
		return c == 0, true
	case RelNE:
		return c != 0, true
	}
	return false, false
}

// scalarCompare returns -1/0/1 for scalar values of matching Type.
func (v Value) scalarCompare(o Value) (int, bool) {
	switch v.Type {
	case TBool:
		return boolCmp(v.B, o.B), true
	case TI16:
		return intCmp(int64(v.I16), int64(o.I16)), true
	case TI32:
		return intCmp(int64(v.I32), int64(o.I32)), true
	case TI64, TCurrency:
		return intCmp(v.I64_or(v.Type), o.I64_or(o.Type)), true
	case TF32:
		return floatCmp(float64(v.F32), float64(o.F32)), true
	case TF64:
		return floatCmp(v.F64, o.F64), true
	case TFiletime:
		if v.Filetime.Before(o.Filetime) {
			return -1, true
		} else if v.Filetime.After(o.Filetime) {
			return 1, true
		}
		return 0, true
	case TString8, TUnicode:
		return bytesCmp([]byte(v.Str), []byte(o.Str)), true
	case TBinary:
		return bytesCmp(v.Bin, o.Bin), true
	case TClsid:
		return bytes.Compare(v.Clsid[:], o.Clsid[:]), true
	default:
		return 0, false
	}
}

// I64_or resolves the scalar integer field shared by TI64 and TCurrency.
func (v Value) I64_or(t Type) int64 {
	if t == TCurrency {
		return v.Currency
	}
	return v.I64
}

func (v Value) multiEqual(o Value) bool {
	switch v.Type {
	case TI16:
		return i16SliceEq(v.MultiI16, o.MultiI16)
	case TI32:
		return i32SliceEq(v.MultiI32, o.MultiI32)
	case TI64:
		return i64SliceEq(v.MultiI64, o.MultiI64)
	case TCurrency:
		return i64SliceEq(v.MultiCurrency, o.MultiCurrency)
	case TF32:
		return f32SliceEq(v.MultiF32, o.MultiF32)
	case TF64:
		return f64SliceEq(v.MultiF64, o.MultiF64)
	case TFiletime:
		if len(v.MultiFiletime) != len(o.MultiFiletime) {
			return false
		}
		for i := range v.MultiFiletime {
			if !v.MultiFiletime[i].Equal(o.MultiFiletime[i]) {
				return false
			}
		}
		return true
	case TString8, TUnicode:
		return strSliceEq(v.MultiStr, o.MultiStr)
	case TBinary:
		if len(v.MultiBin) != len(o.MultiBin) {
			return false
		}
		for i := range v.MultiBin {
			if !bytes.Equal(v.MultiBin[i], o.MultiBin[i]) {
				return false
			}
		}
		return true
	case TClsid:
		if len(v.MultiClsid) != len(o.MultiClsid) {
			return false
		}
		for i := range v.MultiClsid {
			if v.MultiClsid[i] != o.MultiClsid[i] {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func boolCmp(a, b bool) int {
	if a == b {
		return 0
	}
	if !a && b {
		return -1
	}
	return 1
}

func intCmp(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func floatCmp(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func bytesCmp(a, b []byte) int {
	return bytes.Compare(a, b)
}

func i16SliceEq(a, b []int16) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func i32SliceEq(a, b []int32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func i64SliceEq(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func f32SliceEq(a, b []float32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func f64SliceEq(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func strSliceEq(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
