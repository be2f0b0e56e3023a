// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package container

import (
	"bytes"
	"fmt"

	"github.com/probelang/sandboxvm/isa"
)

// Builder assembles a Program instruction-by-instruction without requiring
// callers to hand-encode varints or compute branch offsets. Its label
// bookkeeping mirrors the teacher's lang/codegen.Generator (labels map plus
// a forward-reference patch list), generalized from that generator's fixed
// 2-byte jump immediate to a relaxation loop, since this container's
// varint-encoded branch targets do not have a fixed width to patch into.
type Builder struct {
	symtab   *SymbolTable
	consts   []ConstEntry
	blob     bytes.Buffer
	types    []TypeDef
	hostSigs []HostSig
	funcs    []*funcBuilder
	cur      *funcBuilder
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{symtab: NewSymbolTable()}
}

// Intern interns a debug-name string and returns its SymbolId.
func (b *Builder) Intern(s string) SymbolId { return b.symtab.Intern(s) }

// AddType appends a type definition and returns its TypeId.
func (b *Builder) AddType(t TypeDef) TypeId {
	b.types = append(b.types, t)
	return TypeId(len(b.types) - 1)
}

// AddHostSig appends a host call signature and returns its HostSigId.
func (b *Builder) AddHostSig(sig HostSig) HostSigId {
	b.hostSigs = append(b.hostSigs, sig)
	return HostSigId(len(b.hostSigs) - 1)
}

// constant adders; each returns the ConstId of the new entry (no dedup —
// callers building larger programs are free to dedup before calling).

func (b *Builder) AddI64(v int64) ConstId        { return b.addConst(ConstEntry{Kind: ConstI64, I64: v}) }
func (b *Builder) AddU64(v uint64) ConstId       { return b.addConst(ConstEntry{Kind: ConstU64, U64: v}) }
func (b *Builder) AddF64Bits(bits uint64) ConstId { return b.addConst(ConstEntry{Kind: ConstF64, Bits: bits}) }
func (b *Builder) AddBool(v bool) ConstId        { return b.addConst(ConstEntry{Kind: ConstBool, Bool: v}) }
func (b *Builder) AddUnit() ConstId              { return b.addConst(ConstEntry{Kind: ConstUnit}) }
func (b *Builder) AddDecimal(hi int64, lo uint64, scale uint8) ConstId {
	return b.addConst(ConstEntry{Kind: ConstDecimal, DecHi: hi, DecLo: lo, DecScl: scale})
}

func (b *Builder) AddBytes(data []byte) ConstId {
	off := b.blob.Len()
	b.blob.Write(data)
	return b.addConst(ConstEntry{Kind: ConstBytes, BlobOff: uint32(off), BlobLen: uint32(len(data))})
}

func (b *Builder) AddStr(s string) ConstId {
	off := b.blob.Len()
	b.blob.WriteString(s)
	return b.addConst(ConstEntry{Kind: ConstStr, BlobOff: uint32(off), BlobLen: uint32(len(s))})
}

func (b *Builder) addConst(c ConstEntry) ConstId {
	b.consts = append(b.consts, c)
	return ConstId(len(b.consts) - 1)
}

// funcBuilder accumulates one function's pending instructions until Finish
// resolves labels and encodes them to bytes.
type funcBuilder struct {
	name     SymbolId
	argTypes []ValueType
	retTypes []ValueType
	regCount uint32

	instrs []pendingInstr
	labels map[string]int // label -> index into instrs of the instruction it marks
	spans  []pendingSpan

	builtCode  []byte
	builtEntry FuncEntry
}

type pendingSpan struct {
	instrIdx int
	spanID   uint32
}

type pendingInstr struct {
	op       isa.Opcode
	dst      uint32
	hasDst   bool
	src      []uint32
	constIdx uint32
	typeID   uint32
	hasType  bool
	fieldIdx uint32
	hasField bool
	funcID   uint32
	hostSig  uint32
	args     []uint32
	rets     []uint32

	targetT string // OpBr (true target) / OpJmp
	targetF string // OpBr only
}

// Func begins a new function. RegCount must cover every virtual register
// the function's body addresses, including argument registers.
func (b *Builder) Func(name string, argTypes, retTypes []ValueType, regCount uint32) {
	b.cur = &funcBuilder{
		name: b.symtab.Intern(name), argTypes: argTypes, retTypes: retTypes,
		regCount: regCount, labels: make(map[string]int),
	}
}

// Label marks the position of the next-emitted instruction as the target
// of name, for use by Br/Jmp. Labels may be referenced before or after
// they are defined.
func (b *Builder) Label(name string) {
	b.cur.labels[name] = len(b.cur.instrs)
}

// Span tags the next-emitted instruction with an opaque source-span id.
func (b *Builder) Span(spanID uint32) {
	b.cur.spans = append(b.cur.spans, pendingSpan{instrIdx: len(b.cur.instrs), spanID: spanID})
}

func (b *Builder) emit(pi pendingInstr) { b.cur.instrs = append(b.cur.instrs, pi) }

// ---- fixed-arity emitters ---------------------------------------------------

func (b *Builder) emit2(op isa.Opcode, dst, s0, s1 uint32) {
	b.emit(pendingInstr{op: op, dst: dst, hasDst: true, src: []uint32{s0, s1}})
}
func (b *Builder) emit1(op isa.Opcode, dst, s0 uint32) {
	b.emit(pendingInstr{op: op, dst: dst, hasDst: true, src: []uint32{s0}})
}

func (b *Builder) I64Add(dst, x, y uint32)   { b.emit2(isa.OpI64Add, dst, x, y) }
func (b *Builder) I64Sub(dst, x, y uint32)   { b.emit2(isa.OpI64Sub, dst, x, y) }
func (b *Builder) I64Mul(dst, x, y uint32)   { b.emit2(isa.OpI64Mul, dst, x, y) }
func (b *Builder) I64Div(dst, x, y uint32)   { b.emit2(isa.OpI64Div, dst, x, y) }
func (b *Builder) I64Rem(dst, x, y uint32)   { b.emit2(isa.OpI64Rem, dst, x, y) }
func (b *Builder) I64CmpLt(dst, x, y uint32) { b.emit2(isa.OpI64CmpLt, dst, x, y) }
func (b *Builder) I64CmpLe(dst, x, y uint32) { b.emit2(isa.OpI64CmpLe, dst, x, y) }
func (b *Builder) I64CmpEq(dst, x, y uint32) { b.emit2(isa.OpI64CmpEq, dst, x, y) }

func (b *Builder) U64Add(dst, x, y uint32) { b.emit2(isa.OpU64Add, dst, x, y) }
func (b *Builder) U64Sub(dst, x, y uint32) { b.emit2(isa.OpU64Sub, dst, x, y) }

func (b *Builder) F64Add(dst, x, y uint32) { b.emit2(isa.OpF64Add, dst, x, y) }

func (b *Builder) BoolAnd(dst, x, y uint32) { b.emit2(isa.OpBoolAnd, dst, x, y) }
func (b *Builder) BoolOr(dst, x, y uint32)  { b.emit2(isa.OpBoolOr, dst, x, y) }
func (b *Builder) BoolNot(dst, x uint32)    { b.emit1(isa.OpBoolNot, dst, x) }

func (b *Builder) BytesLen(dst, x uint32)       { b.emit1(isa.OpBytesLen, dst, x) }
func (b *Builder) BytesEq(dst, x, y uint32)     { b.emit2(isa.OpBytesEq, dst, x, y) }
func (b *Builder) BytesConcat(dst, x, y uint32) { b.emit2(isa.OpBytesConcat, dst, x, y) }
func (b *Builder) BytesToStr(dst, x uint32)     { b.emit1(isa.OpBytesToStr, dst, x) }
func (b *Builder) StrLen(dst, x uint32)         { b.emit1(isa.OpStrLen, dst, x) }
func (b *Builder) StrEq(dst, x, y uint32)       { b.emit2(isa.OpStrEq, dst, x, y) }
func (b *Builder) StrConcat(dst, x, y uint32)   { b.emit2(isa.OpStrConcat, dst, x, y) }
func (b *Builder) StrToBytes(dst, x uint32)     { b.emit1(isa.OpStrToBytes, dst, x) }

func (b *Builder) BytesSlice(dst, x, lo, hi uint32) {
	b.emit(pendingInstr{op: isa.OpBytesSlice, dst: dst, hasDst: true, src: []uint32{x, lo, hi}})
}
func (b *Builder) BytesGet(dst, x, idx uint32) { b.emit2(isa.OpBytesGet, dst, x, idx) }
func (b *Builder) BytesGetImm(dst, x uint32, idx uint32) {
	b.emit(pendingInstr{op: isa.OpBytesGetImm, dst: dst, hasDst: true, src: []uint32{x}, fieldIdx: idx, hasField: true})
}
func (b *Builder) StrSlice(dst, x, lo, hi uint32) {
	b.emit(pendingInstr{op: isa.OpStrSlice, dst: dst, hasDst: true, src: []uint32{x, lo, hi}})
}

func (b *Builder) DecAdd(dst, x, y uint32) { b.emit2(isa.OpDecAdd, dst, x, y) }
func (b *Builder) DecSub(dst, x, y uint32) { b.emit2(isa.OpDecSub, dst, x, y) }
func (b *Builder) DecMul(dst, x, y uint32) { b.emit2(isa.OpDecMul, dst, x, y) }

func (b *Builder) U64Mul(dst, x, y uint32)   { b.emit2(isa.OpU64Mul, dst, x, y) }
func (b *Builder) U64Div(dst, x, y uint32)   { b.emit2(isa.OpU64Div, dst, x, y) }
func (b *Builder) U64CmpLt(dst, x, y uint32) { b.emit2(isa.OpU64CmpLt, dst, x, y) }
func (b *Builder) U64CmpEq(dst, x, y uint32) { b.emit2(isa.OpU64CmpEq, dst, x, y) }

// Const loads a constant into dst.
func (b *Builder) Const(dst uint32, c ConstId) {
	b.emit(pendingInstr{op: isa.OpConst, dst: dst, hasDst: true, constIdx: uint32(c)})
}

// TupleNew/StructNew construct an aggregate of type t from args, in field order.
func (b *Builder) TupleNew(dst uint32, t TypeId, args []uint32) {
	b.emit(pendingInstr{op: isa.OpTupleNew, dst: dst, hasDst: true, typeID: uint32(t), hasType: true, args: args})
}
func (b *Builder) StructNew(dst uint32, t TypeId, args []uint32) {
	b.emit(pendingInstr{op: isa.OpStructNew, dst: dst, hasDst: true, typeID: uint32(t), hasType: true, args: args})
}
func (b *Builder) ArrayNew(dst uint32, t TypeId, countReg uint32) {
	b.emit(pendingInstr{op: isa.OpArrayNew, dst: dst, hasDst: true, typeID: uint32(t), hasType: true, src: []uint32{countReg}})
}

func (b *Builder) TupleGet(dst, agg uint32, fieldIdx uint32) {
	b.emit(pendingInstr{op: isa.OpTupleGet, dst: dst, hasDst: true, src: []uint32{agg}, fieldIdx: fieldIdx, hasField: true})
}
func (b *Builder) StructGet(dst, agg uint32, fieldIdx uint32) {
	b.emit(pendingInstr{op: isa.OpStructGet, dst: dst, hasDst: true, src: []uint32{agg}, fieldIdx: fieldIdx, hasField: true})
}
func (b *Builder) ArrayGet(dst, agg, idx uint32) { b.emit2(isa.OpArrayGet, dst, agg, idx) }

// Br branches to labelT if cond is true, labelF otherwise.
func (b *Builder) Br(cond uint32, labelT, labelF string) {
	b.emit(pendingInstr{op: isa.OpBr, src: []uint32{cond}, targetT: labelT, targetF: labelF})
}

// Jmp branches unconditionally to label.
func (b *Builder) Jmp(label string) {
	b.emit(pendingInstr{op: isa.OpJmp, targetT: label})
}

// Call invokes fn with args, writing results into rets.
func (b *Builder) Call(fn FuncId, args, rets []uint32) {
	b.emit(pendingInstr{op: isa.OpCall, funcID: uint32(fn), args: args, rets: rets})
}

// HostCall invokes the host under sig, writing results into rets.
func (b *Builder) HostCall(sig HostSigId, args, rets []uint32) {
	b.emit(pendingInstr{op: isa.OpHostCall, hostSig: uint32(sig), args: args, rets: rets})
}

// Ret returns the values in rets from the current function.
func (b *Builder) Ret(rets []uint32) {
	b.emit(pendingInstr{op: isa.OpRet, rets: rets})
}

// Trap unconditionally traps.
func (b *Builder) Trap() {
	b.emit(pendingInstr{op: isa.OpTrap})
}

// EndFunc resolves cur's labels, encodes its instructions, and appends the
// finished FuncEntry, returning its FuncId.
func (b *Builder) EndFunc() (FuncId, error) {
	fb := b.cur
	b.cur = nil

	code, spans, err := fb.encode()
	if err != nil {
		return 0, fmt.Errorf("container: function %d: %w", len(b.funcs), err)
	}

	fb.builtCode = code
	fb.builtEntry = FuncEntry{
		Name: fb.name, ArgTypes: fb.argTypes, RetTypes: fb.retTypes,
		RegCount: fb.regCount, Spans: spans,
	}
	id := FuncId(len(b.funcs))
	b.funcs = append(b.funcs, fb)
	return id, nil
}

// encode runs the relaxation loop: branch targets are PCs of other
// instructions in the same function, and a varint's width can depend on
// its value, so instruction PCs and branch-operand widths are mutually
// dependent. Starting from a lower-bound PC assignment (every branch
// target encoded at its current best-known width) and re-encoding until
// the PC table stops changing converges in a few iterations, same as a
// real assembler's branch-relaxation pass.
func (fb *funcBuilder) encode() ([]byte, []SpanEntry, error) {
	n := len(fb.instrs)
	pc := make([]uint32, n+1) // pc[i] = byte offset of instrs[i]; pc[n] = function length

	labelPC := func(label string) (uint32, error) {
		idx, ok := fb.labels[label]
		if !ok {
			return 0, fmt.Errorf("undefined label %q", label)
		}
		if idx == n {
			return pc[n], nil
		}
		return pc[idx], nil
	}

	var code []byte
	for iter := 0; iter < 16; iter++ {
		var buf bytes.Buffer
		next := make([]uint32, n+1)
		for i, in := range fb.instrs {
			next[i] = uint32(buf.Len())
			if err := encodeInstr(&buf, in, labelPC); err != nil {
				return nil, nil, err
			}
		}
		next[n] = uint32(buf.Len())
		code = buf.Bytes()

		stable := true
		for i := range next {
			if next[i] != pc[i] {
				stable = false
			}
		}
		pc = next
		if stable {
			break
		}
	}

	spans := make([]SpanEntry, len(fb.spans))
	for i, s := range fb.spans {
		spans[i] = SpanEntry{PC: pc[s.instrIdx], SpanID: s.spanID}
	}
	return code, spans, nil
}

func encodeInstr(buf *bytes.Buffer, in pendingInstr, labelPC func(string) (uint32, error)) error {
	buf.WriteByte(byte(in.op))
	switch in.op {
	case isa.OpConst:
		putVarint(buf, uint64(in.dst))
		putVarint(buf, uint64(in.constIdx))
	case isa.OpTupleNew, isa.OpStructNew:
		putVarint(buf, uint64(in.dst))
		putVarint(buf, uint64(in.typeID))
		putVarint(buf, uint64(len(in.args)))
		for _, a := range in.args {
			putVarint(buf, uint64(a))
		}
	case isa.OpArrayNew:
		putVarint(buf, uint64(in.dst))
		putVarint(buf, uint64(in.typeID))
		putVarint(buf, uint64(in.src[0]))
	case isa.OpBr:
		putVarint(buf, uint64(in.src[0]))
		t, err := labelPC(in.targetT)
		if err != nil {
			return err
		}
		f, err := labelPC(in.targetF)
		if err != nil {
			return err
		}
		putVarint(buf, uint64(t))
		putVarint(buf, uint64(f))
	case isa.OpJmp:
		t, err := labelPC(in.targetT)
		if err != nil {
			return err
		}
		putVarint(buf, uint64(t))
	case isa.OpCall:
		putVarint(buf, uint64(in.funcID))
		putRegList(buf, in.args)
		putRegList(buf, in.rets)
	case isa.OpHostCall:
		putVarint(buf, uint64(in.hostSig))
		putRegList(buf, in.args)
		putRegList(buf, in.rets)
	case isa.OpRet:
		putRegList(buf, in.rets)
	case isa.OpTrap:
		// no operands
	default:
		if in.hasDst {
			putVarint(buf, uint64(in.dst))
		}
		for _, s := range in.src {
			putVarint(buf, uint64(s))
		}
		if in.hasField {
			putVarint(buf, uint64(in.fieldIdx))
		}
	}
	return nil
}

func putRegList(buf *bytes.Buffer, regs []uint32) {
	putVarint(buf, uint64(len(regs)))
	for _, r := range regs {
		putVarint(buf, uint64(r))
	}
}

// Finish assembles the Program from everything added so far. It must be
// called only after every Func/EndFunc pair has completed; calling it with
// an in-progress Func (Func called without a matching EndFunc) panics.
func (b *Builder) Finish() (*Program, error) {
	if b.cur != nil {
		panic("container: Finish called with an open Func (missing EndFunc)")
	}
	funcs := make([]FuncEntry, len(b.funcs))
	var code bytes.Buffer
	for i, fb := range b.funcs {
		entry := fb.builtEntry
		entry.CodeOff = uint32(code.Len())
		entry.CodeLen = uint32(len(fb.builtCode))
		code.Write(fb.builtCode)
		funcs[i] = entry
	}
	return &Program{
		Symbols:  b.symtab,
		Consts:   b.consts,
		Types:    b.types,
		Funcs:    funcs,
		Bytecode: code.Bytes(),
		HostSigs: b.hostSigs,
		Blob:     b.blob.Bytes(),
	}, nil
}
