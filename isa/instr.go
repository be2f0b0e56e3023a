// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package isa

import (
	"fmt"

	"github.com/probelang/sandboxvm/internal/leb128"
)

// Instr is one decoded instruction in its raw, pre-verification form: all
// register operands are still the virtual register numbers a compiler
// emitted; no class or type information has been attached yet. The verify
// package's lowering pass turns an Instr into a verify.VerifiedInstr.
type Instr struct {
	PC  int // byte offset of the opcode byte within the function's bytecode range
	Len int // total encoded length in bytes, so PC+Len is the next instruction's PC
	Op  Opcode

	// Dst is the destination register for opcodes that write exactly one
	// register (almost everything except call/host_call/ret/br/jmp/trap).
	Dst uint32

	// Src holds the remaining fixed-position register operands, in
	// left-to-right operand order, for opcodes with a known fixed arity
	// (arithmetic, comparisons, slicing, aggregate accessors).
	Src []uint32

	ConstIdx  uint32 // OpConst
	TypeID    uint32 // OpTupleNew/OpStructNew/OpArrayNew
	FieldIdx  uint32 // OpTupleGet/OpStructGet static field index
	FuncID    uint32 // OpCall
	HostSigID uint32 // OpHostCall

	BranchT uint32 // OpBr/OpJmp: byte PC of the (true) target
	BranchF uint32 // OpBr: byte PC of the false target

	Args []uint32 // OpCall/OpHostCall argument registers
	Rets []uint32 // OpCall/OpHostCall/OpRet destination/return registers
}

// Successors returns the instruction's possible control-flow successors as
// byte PCs within the function, per spec.md §4.2.1. Sequential-flow
// opcodes (including call/host_call, whose call-return is modeled as
// sequential) return the single PC immediately following this instruction;
// terminators return their explicit targets (empty for ret/trap).
func (in *Instr) Successors() []uint32 {
	next := uint32(in.PC + in.Len)
	switch in.Op {
	case OpBr:
		return []uint32{in.BranchT, in.BranchF}
	case OpJmp:
		return []uint32{in.BranchT}
	case OpRet, OpTrap:
		return nil
	default:
		return []uint32{next}
	}
}

// arity describes the fixed register-operand shape of an opcode that does
// not use Args/Rets/ConstIdx/TypeID-style operands.
type arity struct {
	dst    bool
	nsrc   int
	hasImm bool // FieldIdx (tuple_get/struct_get static index)
}

var fixedArity = map[Opcode]arity{
	OpI64Add: {true, 2, false}, OpI64Sub: {true, 2, false}, OpI64Mul: {true, 2, false},
	OpI64Div: {true, 2, false}, OpI64Rem: {true, 2, false},
	OpI64And: {true, 2, false}, OpI64Or: {true, 2, false}, OpI64Xor: {true, 2, false},
	OpI64Shl: {true, 2, false}, OpI64Shr: {true, 2, false},
	OpI64CmpEq: {true, 2, false}, OpI64CmpLt: {true, 2, false}, OpI64CmpLe: {true, 2, false},

	OpU64Add: {true, 2, false}, OpU64Sub: {true, 2, false}, OpU64Mul: {true, 2, false},
	OpU64Div: {true, 2, false}, OpU64Rem: {true, 2, false},
	OpU64And: {true, 2, false}, OpU64Or: {true, 2, false}, OpU64Xor: {true, 2, false},
	OpU64Shl: {true, 2, false}, OpU64Shr: {true, 2, false},
	OpU64CmpEq: {true, 2, false}, OpU64CmpLt: {true, 2, false}, OpU64CmpLe: {true, 2, false},

	OpF64Add: {true, 2, false}, OpF64Sub: {true, 2, false}, OpF64Mul: {true, 2, false}, OpF64Div: {true, 2, false},
	OpF64CmpEq: {true, 2, false}, OpF64CmpLt: {true, 2, false}, OpF64CmpLe: {true, 2, false},

	OpDecAdd: {true, 2, false}, OpDecSub: {true, 2, false}, OpDecMul: {true, 2, false},

	OpBoolAnd: {true, 2, false}, OpBoolOr: {true, 2, false}, OpBoolNot: {true, 1, false},

	OpBytesLen: {true, 1, false}, OpBytesEq: {true, 2, false}, OpBytesConcat: {true, 2, false},
	OpBytesSlice: {true, 3, false}, OpBytesGet: {true, 2, false}, OpBytesGetImm: {true, 1, true},
	OpBytesToStr: {true, 1, false},
	OpStrLen:     {true, 1, false}, OpStrEq: {true, 2, false}, OpStrConcat: {true, 2, false},
	OpStrSlice: {true, 3, false}, OpStrToBytes: {true, 1, false},

	OpTupleGet: {true, 1, true}, OpStructGet: {true, 1, true},
	OpArrayGet: {true, 2, false},
}

// Decode reads exactly one instruction starting at code[pc] and returns it
// with Len set, so pc+Len is the next instruction's candidate start. It performs
// no validation beyond "the bytes present decode to a structurally
// complete instruction" — register indices, branch targets, and all
// cross-reference IDs are resolved and validated later, during the
// verifier's classification and typed-transfer passes.
func Decode(code []byte, pc int) (Instr, error) {
	if pc < 0 || pc >= len(code) {
		return Instr{}, fmt.Errorf("isa: pc %d out of range (len %d)", pc, len(code))
	}
	op := Opcode(code[pc])
	if !op.Valid() {
		return Instr{}, fmt.Errorf("isa: unknown opcode 0x%02x at pc %d", code[pc], pc)
	}
	r := &reader{buf: code, pos: pc + 1}
	in := Instr{PC: pc, Op: op}

	switch op {
	case OpConst:
		in.Dst = r.reg()
		in.ConstIdx = r.u32()
	case OpTupleNew, OpStructNew:
		in.Dst = r.reg()
		in.TypeID = r.u32()
		in.Args = r.regList()
	case OpArrayNew:
		in.Dst = r.reg()
		in.TypeID = r.u32()
		in.Src = []uint32{r.reg()} // element-count register
	case OpBr:
		in.Src = []uint32{r.reg()} // condition register
		in.BranchT = r.u32()
		in.BranchF = r.u32()
	case OpJmp:
		in.BranchT = r.u32()
	case OpCall:
		in.FuncID = r.u32()
		in.Args = r.regList()
		in.Rets = r.regList()
	case OpHostCall:
		in.HostSigID = r.u32()
		in.Args = r.regList()
		in.Rets = r.regList()
	case OpRet:
		in.Rets = r.regList()
	case OpTrap:
		// no operands
	default:
		a, ok := fixedArity[op]
		if !ok {
			return Instr{}, fmt.Errorf("isa: opcode %s has no decode rule", op)
		}
		if a.dst {
			in.Dst = r.reg()
		}
		in.Src = make([]uint32, a.nsrc)
		for i := range in.Src {
			in.Src[i] = r.reg()
		}
		if a.hasImm {
			in.FieldIdx = r.u32()
		}
	}

	if r.err != nil {
		return Instr{}, fmt.Errorf("isa: decoding %s at pc %d: %w", op, pc, r.err)
	}
	in.Len = r.pos - pc
	return in, nil
}

// reader is a small cursor over a varint-encoded operand stream, used only
// by Decode. It latches the first error it sees so call sites can decode a
// whole instruction and check err once at the end.
type reader struct {
	buf []byte
	pos int
	err error
}

func (r *reader) u32() uint32 {
	if r.err != nil {
		return 0
	}
	v, n, err := leb128.Read(r.buf[r.pos:])
	if err != nil {
		r.err = err
		return 0
	}
	r.pos += n
	return uint32(v)
}

func (r *reader) reg() uint32 { return r.u32() }

func (r *reader) regList() []uint32 {
	n := r.u32()
	if r.err != nil {
		return nil
	}
	out := make([]uint32, n)
	for i := range out {
		out[i] = r.reg()
	}
	return out
}
