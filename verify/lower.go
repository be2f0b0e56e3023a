// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package verify

import (
	"github.com/probelang/sandboxvm/container"
	"github.com/probelang/sandboxvm/isa"
)

// lowerFunc builds the VerifiedFunc for an already-validated function:
// it assigns every virtual register a dense per-class slot from the
// registers' converged entry/exit classes, resolves each instruction's
// Dst type, and rewrites span PCs to instruction indices.
func lowerFunc(prog *container.Program, fid container.FuncId, fe *container.FuncEntry, instrs []isa.Instr, pcIndex map[uint32]int, entry []regFile) (*VerifiedFunc, error) {
	nreg := int(fe.RegCount)
	final := make(regFile, nreg)
	for i, vt := range fe.ArgTypes {
		final[i] = regState{class: ClassConcrete, vt: vt, init: true}
	}
	for _, rf := range entry {
		for r := range rf {
			final[r] = join(final[r], rf[r])
		}
	}
	// Also fold in the Dst write of every instruction, resolved from its
	// validated entry state — registers written only by the last
	// instruction on some path are not otherwise captured by any entry
	// regFile (no successor to observe them as an entry).
	for i := range instrs {
		out := transferNoFail(prog, instrs[i], entry[i])
		for r := range out {
			final[r] = join(final[r], out[r])
		}
	}

	layout := RegLayout{Slots: make([]RegSlot, nreg)}
	for r := 0; r < nreg; r++ {
		var sc container.StorageClass
		if final[r].class == ClassConcrete {
			sc = final[r].vt.StorageClass()
		} else {
			// Never written (or never read) on any validated path; park
			// it in the I64 class so the layout stays total without
			// implying any particular class is load-bearing for it.
			sc = container.StoreI64
		}
		layout.Slots[r] = RegSlot{Class: sc, Slot: layout.ClassSize[sc]}
		layout.ClassSize[sc]++
	}

	vInstrs := make([]VerifiedInstr, len(instrs))
	for i, in := range instrs {
		switch in.Op {
		case isa.OpBr:
			in.BranchT = uint32(pcIndex[in.BranchT])
			in.BranchF = uint32(pcIndex[in.BranchF])
		case isa.OpJmp:
			in.BranchT = uint32(pcIndex[in.BranchT])
		}
		vi := VerifiedInstr{Instr: in}
		if dstType, ok := resolveDstType(prog, fe, in, entry[i]); ok {
			vi.DstType = dstType
		}
		vInstrs[i] = vi
	}

	// Span PCs are rewritten to the same instruction-index space as
	// VerifiedInstr, so a Trap/Trace consumer can look a frame's current
	// instruction index up directly without re-deriving byte offsets.
	spans := make([]container.SpanEntry, len(fe.Spans))
	for i, s := range fe.Spans {
		spans[i] = container.SpanEntry{PC: uint32(pcIndex[s.PC]), SpanID: s.SpanID}
	}

	return &VerifiedFunc{
		Name: fe.Name, ArgTypes: fe.ArgTypes, RetTypes: fe.RetTypes,
		Layout: layout, Instrs: vInstrs, Spans: spans,
	}, nil
}

// resolveDstType re-derives the ValueType an already-validated
// instruction's Dst register receives, for embedding directly into
// VerifiedInstr.
func resolveDstType(prog *container.Program, fe *container.FuncEntry, in isa.Instr, entry regFile) (container.ValueType, bool) {
	switch in.Op {
	case isa.OpConst:
		return prog.Consts[in.ConstIdx].ValueType(), true
	case isa.OpTupleNew, isa.OpStructNew, isa.OpArrayNew:
		return container.ValueType{Tag: container.TagAgg, TypeID: in.TypeID}, true
	case isa.OpTupleGet, isa.OpStructGet:
		agg := entry[in.Src[0]].vt
		return prog.Types[agg.TypeID].FieldTypes[in.FieldIdx], true
	case isa.OpArrayGet:
		agg := entry[in.Src[0]].vt
		return prog.Types[agg.TypeID].ElemType, true
	case isa.OpBr, isa.OpJmp, isa.OpRet, isa.OpTrap, isa.OpCall, isa.OpHostCall:
		return container.ValueType{}, false
	case isa.OpDecAdd, isa.OpDecSub, isa.OpDecMul:
		return entry[in.Src[0]].vt, true
	case isa.OpBytesLen, isa.OpStrLen:
		return container.ValueType{Tag: container.TagU64}, true
	}
	switch in.Op {
	case isa.OpI64CmpEq, isa.OpI64CmpLt, isa.OpI64CmpLe,
		isa.OpU64CmpEq, isa.OpU64CmpLt, isa.OpU64CmpLe,
		isa.OpF64CmpEq, isa.OpF64CmpLt, isa.OpF64CmpLe,
		isa.OpBytesEq, isa.OpStrEq, isa.OpBoolAnd, isa.OpBoolOr, isa.OpBoolNot:
		return container.ValueType{Tag: container.TagBool}, true
	}
	if vt, ok := arithResultType[in.Op]; ok {
		return vt, true
	}
	return container.ValueType{}, false
}
