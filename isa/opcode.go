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

// Package isa defines the bytecode instruction set shared by the verifier's
// boundary/CFG pass and the container builder. It knows only the raw wire
// shape of an instruction (opcode + operand list); it has no notion of
// register classes, types, or verification.
package isa

import "fmt"

// Opcode is the varint-prefixed instruction tag.
type Opcode uint8

const (
	// ---- Integer arithmetic (i64) ------------------------------------------

	OpI64Add Opcode = iota
	OpI64Sub
	OpI64Mul
	OpI64Div
	OpI64Rem
	OpI64And
	OpI64Or
	OpI64Xor
	OpI64Shl
	OpI64Shr
	OpI64CmpEq
	OpI64CmpLt
	OpI64CmpLe

	// ---- Integer arithmetic (u64) -------------------------------------------

	OpU64Add
	OpU64Sub
	OpU64Mul
	OpU64Div
	OpU64Rem
	OpU64And
	OpU64Or
	OpU64Xor
	OpU64Shl
	OpU64Shr
	OpU64CmpEq
	OpU64CmpLt
	OpU64CmpLe

	// ---- Floating point (f64) -----------------------------------------------

	OpF64Add
	OpF64Sub
	OpF64Mul
	OpF64Div
	OpF64CmpEq
	OpF64CmpLt
	OpF64CmpLe

	// ---- Decimal -------------------------------------------------------------

	OpDecAdd
	OpDecSub
	OpDecMul

	// ---- Bool ------------------------------------------------------------

	OpBoolAnd
	OpBoolOr
	OpBoolNot

	// ---- Materialization ---------------------------------------------------

	OpConst

	// ---- Bytes/Str -----------------------------------------------------------

	OpBytesLen
	OpBytesEq
	OpBytesConcat
	OpBytesSlice
	OpBytesGet
	OpBytesGetImm
	OpBytesToStr
	OpStrLen
	OpStrEq
	OpStrConcat
	OpStrSlice
	OpStrToBytes

	// ---- Aggregates ------------------------------------------------------

	OpTupleNew
	OpTupleGet
	OpStructNew
	OpStructGet
	OpArrayNew
	OpArrayGet

	// ---- Control flow ------------------------------------------------------

	OpBr
	OpJmp
	OpCall
	OpHostCall
	OpRet
	OpTrap

	// opcodeCount must remain the last constant.
	opcodeCount
)

var opcodeNames = [opcodeCount]string{
	OpI64Add: "i64.add", OpI64Sub: "i64.sub", OpI64Mul: "i64.mul",
	OpI64Div: "i64.div", OpI64Rem: "i64.rem",
	OpI64And: "i64.and", OpI64Or: "i64.or", OpI64Xor: "i64.xor",
	OpI64Shl: "i64.shl", OpI64Shr: "i64.shr",
	OpI64CmpEq: "i64.cmp_eq", OpI64CmpLt: "i64.cmp_lt", OpI64CmpLe: "i64.cmp_le",

	OpU64Add: "u64.add", OpU64Sub: "u64.sub", OpU64Mul: "u64.mul",
	OpU64Div: "u64.div", OpU64Rem: "u64.rem",
	OpU64And: "u64.and", OpU64Or: "u64.or", OpU64Xor: "u64.xor",
	OpU64Shl: "u64.shl", OpU64Shr: "u64.shr",
	OpU64CmpEq: "u64.cmp_eq", OpU64CmpLt: "u64.cmp_lt", OpU64CmpLe: "u64.cmp_le",

	OpF64Add: "f64.add", OpF64Sub: "f64.sub", OpF64Mul: "f64.mul", OpF64Div: "f64.div",
	OpF64CmpEq: "f64.cmp_eq", OpF64CmpLt: "f64.cmp_lt", OpF64CmpLe: "f64.cmp_le",

	OpDecAdd: "dec.add", OpDecSub: "dec.sub", OpDecMul: "dec.mul",

	OpBoolAnd: "bool.and", OpBoolOr: "bool.or", OpBoolNot: "bool.not",

	OpConst: "const",

	OpBytesLen: "bytes.len", OpBytesEq: "bytes.eq", OpBytesConcat: "bytes.concat",
	OpBytesSlice: "bytes.slice", OpBytesGet: "bytes.get", OpBytesGetImm: "bytes.get_imm",
	OpBytesToStr: "bytes.to_str",
	OpStrLen:     "str.len", OpStrEq: "str.eq", OpStrConcat: "str.concat",
	OpStrSlice: "str.slice", OpStrToBytes: "str.to_bytes",

	OpTupleNew: "tuple.new", OpTupleGet: "tuple.get",
	OpStructNew: "struct.new", OpStructGet: "struct.get",
	OpArrayNew: "array.new", OpArrayGet: "array.get",

	OpBr: "br", OpJmp: "jmp", OpCall: "call", OpHostCall: "host_call",
	OpRet: "ret", OpTrap: "trap",
}

// String returns the opcode's mnemonic, or "unknown" if op is not a defined
// opcode.
func (op Opcode) String() string {
	if int(op) >= len(opcodeNames) {
		return "unknown"
	}
	if n := opcodeNames[op]; n != "" {
		return n
	}
	return fmt.Sprintf("op(%d)", op)
}

// Valid reports whether op names a defined instruction.
func (op Opcode) Valid() bool {
	return int(op) < int(opcodeCount)
}

// IsTerminator reports whether op ends a basic block (spec.md §4.2.1).
func (op Opcode) IsTerminator() bool {
	switch op {
	case OpBr, OpJmp, OpRet, OpTrap:
		return true
	}
	return false
}

// HasFallthrough reports whether control proceeds to the next instruction
// after op executes (call/host_call model call-return as sequential, per
// spec.md §4.2.1).
func (op Opcode) HasFallthrough() bool {
	return !op.IsTerminator()
}

// Count returns the number of defined opcodes, for table-sizing by callers.
func Count() int { return int(opcodeCount) }
