// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The ProbeChain is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the ProbeChain. If not, see <http://www.gnu.org/licenses/>.

// Package container implements the Program binary container (spec.md §3.1,
// §4.1, §6.1): byte-exact section encoding/decoding, the symbol table, and a
// fluent Builder for assembling programs without hand-writing bytecode.
//
// Container is the leaf dependency in the Container → Verifier → VM chain
// (spec.md §2): it guarantees only structural well-formedness (every
// cross-section index resolves, every blob range is in bounds) and knows
// nothing about control flow, register classes, or opcode safety — that is
// the verify package's job.
package container

// TypeId addresses a struct/array/tuple definition in the types section.
type TypeId uint32

// FuncId addresses a function in the function table.
type FuncId uint32

// ConstId addresses an entry in the const pool.
type ConstId uint32

// HostSigId addresses a host call signature in the host_sig_table.
type HostSigId uint32

// TypeKind distinguishes the three aggregate shapes the type table can
// describe (spec.md §3.1).
type TypeKind uint8

const (
	KindStruct TypeKind = iota
	KindArray
	KindTuple
)

// TypeDef is one entry of the types section.
type TypeDef struct {
	Kind TypeKind

	// FieldTypes holds the field types for KindStruct and the element
	// types for KindTuple, in order. Unused for KindArray.
	FieldTypes []ValueType

	// ElemType holds the element type for KindArray. Unused otherwise.
	ElemType ValueType
}

// Arity returns the number of fields/elements a struct or tuple of this
// type carries. It panics for KindArray, which has no fixed arity.
func (d TypeDef) Arity() int {
	if d.Kind == KindArray {
		panic("container: TypeDef.Arity called on an array type")
	}
	return len(d.FieldTypes)
}

// ConstKind tags which field of a ConstEntry is populated.
type ConstKind uint8

const (
	ConstI64 ConstKind = iota
	ConstU64
	ConstF64
	ConstBool
	ConstUnit
	ConstDecimal
	ConstBytes
	ConstStr
)

// ConstEntry is one entry of the const pool (spec.md §3.1). Bytes and Str
// payloads are not stored inline; they reference a range in the program's
// shared blob arena.
type ConstEntry struct {
	Kind ConstKind

	I64  int64
	U64  uint64
	Bits uint64 // F64 bit pattern, per math.Float64bits
	Bool bool

	DecHi   int64  // Decimal: high 64 bits of the i128 mantissa
	DecLo   uint64 // Decimal: low 64 bits of the i128 mantissa
	DecScl  uint8  // Decimal: scale

	BlobOff uint32 // Bytes/Str: offset into Program.Blob
	BlobLen uint32 // Bytes/Str: length
}

// ValueType returns the on-disk type of the constant's value.
func (c ConstEntry) ValueType() ValueType {
	switch c.Kind {
	case ConstI64:
		return ValueType{Tag: TagI64}
	case ConstU64:
		return ValueType{Tag: TagU64}
	case ConstF64:
		return ValueType{Tag: TagF64}
	case ConstBool:
		return ValueType{Tag: TagBool}
	case ConstUnit:
		return ValueType{Tag: TagUnit}
	case ConstDecimal:
		return ValueType{Tag: TagDecimal, Scale: c.DecScl}
	case ConstBytes:
		return ValueType{Tag: TagBytes}
	case ConstStr:
		return ValueType{Tag: TagStr}
	default:
		panic("container: invalid ConstKind")
	}
}

// FuncEntry is one entry of the function table (spec.md §3.1).
type FuncEntry struct {
	Name     SymbolId // debug-only sidecar name; spec.md §9 leaves naming an open question, resolved here (see DESIGN.md)
	ArgTypes []ValueType
	RetTypes []ValueType
	RegCount uint32 // total distinct virtual registers the function's bytecode addresses, including r0 and arguments

	CodeOff uint32 // offset into Program.Bytecode
	CodeLen uint32

	Spans []SpanEntry // sorted by PC ascending
}

// ArgCount and RetCount are convenience accessors mirroring spec.md's
// function_table field names.
func (f FuncEntry) ArgCount() int { return len(f.ArgTypes) }
func (f FuncEntry) RetCount() int { return len(f.RetTypes) }

// SpanEntry maps a byte PC to an opaque source-span id (spec.md §3.1); the
// container does not interpret span ids, it only carries them for an
// external diagnostic surface.
type SpanEntry struct {
	PC     uint32
	SpanID uint32
}

// HostSig is one entry of the host_sig_table: the argument and return
// ValueTypes a given HostSigId commits a Host::call to (spec.md §3.1, §4.4).
type HostSig struct {
	ArgTypes []ValueType
	RetTypes []ValueType
}

// Program is the full decoded container (spec.md §3.1): every section plus
// the shared blob arena that Bytes/Str const payloads are packed into.
type Program struct {
	Symbols  *SymbolTable
	Consts   []ConstEntry
	Types    []TypeDef
	Funcs    []FuncEntry
	Bytecode []byte // concatenated bytecode_blobs; FuncEntry.CodeOff/CodeLen index into this
	HostSigs []HostSig
	Blob     []byte // shared backing store for ConstEntry Bytes/Str ranges
}

// ConstBytes returns the byte slice a Bytes/Str constant's range addresses.
// It panics if id is out of range or the constant is not a Bytes/Str.
func (p *Program) ConstBytes(id ConstId) []byte {
	c := p.Consts[id]
	if c.Kind != ConstBytes && c.Kind != ConstStr {
		panic("container: ConstBytes called on a non-Bytes/Str constant")
	}
	return p.Blob[c.BlobOff : c.BlobOff+c.BlobLen]
}
