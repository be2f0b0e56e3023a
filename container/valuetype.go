// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package container

import "fmt"

// ValueTypeTag is the on-disk value category (spec.md §3.2). Unlike a
// dynamic-language tag, there is no "Any" — every register and constant is
// one of these, and the verifier proves it stays that way.
type ValueTypeTag uint8

const (
	TagI64 ValueTypeTag = iota
	TagU64
	TagF64
	TagBool
	TagUnit
	TagDecimal
	TagBytes
	TagStr
	TagAgg

	tagCount
)

func (t ValueTypeTag) String() string {
	switch t {
	case TagI64:
		return "i64"
	case TagU64:
		return "u64"
	case TagF64:
		return "f64"
	case TagBool:
		return "bool"
	case TagUnit:
		return "unit"
	case TagDecimal:
		return "decimal"
	case TagBytes:
		return "bytes"
	case TagStr:
		return "str"
	case TagAgg:
		return "agg"
	default:
		return fmt.Sprintf("tag(%d)", uint8(t))
	}
}

// Valid reports whether t is a defined tag.
func (t ValueTypeTag) Valid() bool { return t < tagCount }

// ValueType is a fully-resolved value category: the tag, plus the extra
// data Decimal and Agg tags carry (scale, and the aggregate TypeId
// respectively). Two ValueTypes are the "same class" for verifier purposes
// iff they are ==, except that Agg types compare equal only when both the
// tag and TypeID match (spec.md §3.4: class merges on differing Agg
// TypeIDs are Ambiguous, not Agg).
type ValueType struct {
	Tag    ValueTypeTag
	Scale  uint8  // meaningful only when Tag == TagDecimal
	TypeID uint32 // meaningful only when Tag == TagAgg
}

func (v ValueType) String() string {
	switch v.Tag {
	case TagDecimal:
		return fmt.Sprintf("decimal(%d)", v.Scale)
	case TagAgg:
		return fmt.Sprintf("agg(%d)", v.TypeID)
	default:
		return v.Tag.String()
	}
}

// StorageClass groups ValueTypes that share one physical register array in
// the VM: every Agg(TypeId), regardless of TypeId, lives in the same
// handle array, because the verifier has already proven the concrete
// TypeId statically and the runtime only ever needs the handle (spec.md
// §9 "tagless execution"). All other tags map to themselves 1:1.
type StorageClass uint8

const (
	StoreI64 StorageClass = iota
	StoreU64
	StoreF64
	StoreBool
	StoreUnit
	StoreDecimal
	StoreBytes
	StoreStr
	StoreAgg

	storageClassCount
)

func (v ValueType) StorageClass() StorageClass {
	switch v.Tag {
	case TagI64:
		return StoreI64
	case TagU64:
		return StoreU64
	case TagF64:
		return StoreF64
	case TagBool:
		return StoreBool
	case TagUnit:
		return StoreUnit
	case TagDecimal:
		return StoreDecimal
	case TagBytes:
		return StoreBytes
	case TagStr:
		return StoreStr
	case TagAgg:
		return StoreAgg
	default:
		panic("container: invalid ValueTypeTag")
	}
}
