// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package verify

import (
	"github.com/probelang/sandboxvm/container"
	"github.com/probelang/sandboxvm/isa"
)

// RegClass is the register-classification lattice of spec.md §3.4/§4.2.2:
// a register is Uninit until first written, Concrete once every write
// reaching a point agrees on one ValueType, and Ambiguous the moment two
// reaching writes disagree.
type RegClass uint8

const (
	ClassUninit RegClass = iota
	ClassConcrete
	ClassAmbiguous
)

// regState is one register's state at a single program point: its
// classification, the concrete ValueType when Class == ClassConcrete, and
// whether it is guaranteed initialized on every path reaching this point
// (spec.md §4.2.3's must-init lattice, folded into the same struct since
// both lattices share every join point — see SPEC_FULL.md §4.2).
type regState struct {
	class RegClass
	vt    container.ValueType
	init  bool
}

// join combines two reaching states for the same register at a CFG merge
// point. Classification uses Uninit as the join identity (a predecessor
// that never touched the register contributes nothing); Init uses logical
// AND, since "must" semantics requires every path to agree.
func join(a, b regState) regState {
	out := regState{init: a.init && b.init}
	switch {
	case a.class == ClassUninit:
		out.class, out.vt = b.class, b.vt
	case b.class == ClassUninit:
		out.class, out.vt = a.class, a.vt
	case a.class == ClassAmbiguous || b.class == ClassAmbiguous:
		out.class = ClassAmbiguous
	case a.vt == b.vt:
		out.class, out.vt = ClassConcrete, a.vt
	default:
		out.class = ClassAmbiguous
	}
	return out
}

// regFile is one program point's state across every virtual register the
// function addresses.
type regFile []regState

func (f regFile) clone() regFile {
	out := make(regFile, len(f))
	copy(out, f)
	return out
}

func joinFiles(a, b regFile) regFile {
	out := make(regFile, len(a))
	for i := range out {
		out[i] = join(a[i], b[i])
	}
	return out
}

// runDataflow computes the converged entry-state (the join of all
// predecessor exit-states) for every instruction, via a standard forward
// worklist fixed-point. The transfer applied during the fixpoint never
// fails — it best-effort propagates classes so the iteration always
// terminates; validateInstr (transfer.go) re-walks the converged entry
// states afterward to turn violations into VerifyErrors.
func runDataflow(prog *container.Program, fe *container.FuncEntry, instrs []isa.Instr, g *graph) ([]regFile, []regFile) {
	n := len(instrs)
	nreg := int(fe.RegCount)

	entry := make([]regFile, n)
	exit := make([]regFile, n)
	for i := range instrs {
		entry[i] = make(regFile, nreg)
		exit[i] = make(regFile, nreg)
	}

	// Argument registers 0..len(ArgTypes)-1 are initialized and concretely
	// typed on entry to the function (spec.md §4.2.3).
	initial := make(regFile, nreg)
	for i, vt := range fe.ArgTypes {
		initial[i] = regState{class: ClassConcrete, vt: vt, init: true}
	}
	if n > 0 {
		entry[0] = initial
	}

	queue := make([]int, n)
	for i := range queue {
		queue[i] = i
	}
	visited := make([]bool, n)
	onQueue := make([]bool, n)
	for i := range onQueue {
		onQueue[i] = true
	}

	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		onQueue[i] = false

		// Recompute entry[i] as the join of every predecessor's exit state
		// (plus the function-argument seed for instruction 0). Predecessors
		// not yet visited (a back-edge on the first pass) contribute nothing.
		var merged regFile
		if i == 0 {
			merged = initial.clone()
		}
		for _, p := range g.pred[i] {
			switch {
			case !visited[p]:
			case merged == nil:
				merged = exit[p]
			default:
				merged = joinFiles(merged, exit[p])
			}
		}
		if merged == nil {
			merged = make(regFile, nreg)
		}
		entry[i] = merged
		visited[i] = true

		newExit := transferNoFail(prog, instrs[i], entry[i])
		if !equalFiles(exit[i], newExit) {
			exit[i] = newExit
			for _, s := range g.succ[i] {
				if !onQueue[s] {
					queue = append(queue, s)
					onQueue[s] = true
				}
			}
		}
	}

	return entry, exit
}

func equalFiles(a, b regFile) bool {
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

// transferNoFail computes the best-effort output regFile for instr given
// its input regFile and the Program it belongs to (needed to resolve the
// real result type of const loads, aggregate construction/access, and
// calls — without this, those writes would have to be marked permanently
// Ambiguous here, which would make validateInstr reject every later read
// of them even in well-typed programs). It never reports errors itself;
// out-of-range indices just fall through to ambiguous/no-op, and
// validateInstr's checked pass turns the real violations into
// VerifyErrors.
func transferNoFail(prog *container.Program, in isa.Instr, input regFile) regFile {
	out := input.clone()

	write := func(reg uint32, vt container.ValueType) {
		if int(reg) >= len(out) {
			return
		}
		st := join(out[reg], regState{class: ClassConcrete, vt: vt, init: true})
		st.init = true
		out[reg] = st
	}
	writeAmbiguous := func(reg uint32) {
		if int(reg) >= len(out) {
			return
		}
		out[reg] = regState{class: ClassAmbiguous, init: true}
	}
	aggType := func(reg uint32) (container.TypeDef, bool) {
		if int(reg) >= len(input) {
			return container.TypeDef{}, false
		}
		st := input[reg]
		if st.class != ClassConcrete || st.vt.Tag != container.TagAgg || int(st.vt.TypeID) >= len(prog.Types) {
			return container.TypeDef{}, false
		}
		return prog.Types[st.vt.TypeID], true
	}

	switch in.Op {
	case isa.OpConst:
		if int(in.ConstIdx) < len(prog.Consts) {
			write(in.Dst, prog.Consts[in.ConstIdx].ValueType())
		} else {
			writeAmbiguous(in.Dst)
		}
	case isa.OpTupleNew, isa.OpStructNew, isa.OpArrayNew:
		if int(in.TypeID) < len(prog.Types) {
			write(in.Dst, container.ValueType{Tag: container.TagAgg, TypeID: in.TypeID})
		} else {
			writeAmbiguous(in.Dst)
		}
	case isa.OpTupleGet, isa.OpStructGet:
		if td, ok := aggType(in.Src[0]); ok && int(in.FieldIdx) < len(td.FieldTypes) {
			write(in.Dst, td.FieldTypes[in.FieldIdx])
		} else {
			writeAmbiguous(in.Dst)
		}
	case isa.OpArrayGet:
		if td, ok := aggType(in.Src[0]); ok && td.Kind == container.KindArray {
			write(in.Dst, td.ElemType)
		} else {
			writeAmbiguous(in.Dst)
		}
	case isa.OpCall:
		if int(in.FuncID) < len(prog.Funcs) {
			rets := prog.Funcs[in.FuncID].RetTypes
			for i, r := range in.Rets {
				if i < len(rets) {
					write(r, rets[i])
				} else {
					writeAmbiguous(r)
				}
			}
		} else {
			for _, r := range in.Rets {
				writeAmbiguous(r)
			}
		}
	case isa.OpHostCall:
		if int(in.HostSigID) < len(prog.HostSigs) {
			rets := prog.HostSigs[in.HostSigID].RetTypes
			for i, r := range in.Rets {
				if i < len(rets) {
					write(r, rets[i])
				} else {
					writeAmbiguous(r)
				}
			}
		} else {
			for _, r := range in.Rets {
				writeAmbiguous(r)
			}
		}
	case isa.OpBr, isa.OpJmp, isa.OpRet, isa.OpTrap:
		// no register writes
	case isa.OpDecAdd, isa.OpDecSub, isa.OpDecMul:
		lhs := input[in.Src[0]]
		if lhs.class == ClassConcrete && lhs.vt.Tag == container.TagDecimal {
			write(in.Dst, lhs.vt)
		} else {
			writeAmbiguous(in.Dst)
		}
	case isa.OpI64CmpEq, isa.OpI64CmpLt, isa.OpI64CmpLe,
		isa.OpU64CmpEq, isa.OpU64CmpLt, isa.OpU64CmpLe,
		isa.OpF64CmpEq, isa.OpF64CmpLt, isa.OpF64CmpLe,
		isa.OpBytesEq, isa.OpStrEq, isa.OpBoolAnd, isa.OpBoolOr, isa.OpBoolNot:
		write(in.Dst, boolType)
	case isa.OpBytesLen, isa.OpStrLen:
		write(in.Dst, u64Type)
	default:
		if vt, ok := arithResultType[in.Op]; ok {
			write(in.Dst, vt)
		} else {
			writeAmbiguous(in.Dst)
		}
	}
	return out
}

var boolType = container.ValueType{Tag: container.TagBool}
var u64Type = container.ValueType{Tag: container.TagU64}

var arithResultType = map[isa.Opcode]container.ValueType{
	isa.OpI64Add: {Tag: container.TagI64}, isa.OpI64Sub: {Tag: container.TagI64}, isa.OpI64Mul: {Tag: container.TagI64},
	isa.OpI64Div: {Tag: container.TagI64}, isa.OpI64Rem: {Tag: container.TagI64},
	isa.OpI64And: {Tag: container.TagI64}, isa.OpI64Or: {Tag: container.TagI64}, isa.OpI64Xor: {Tag: container.TagI64},
	isa.OpI64Shl: {Tag: container.TagI64}, isa.OpI64Shr: {Tag: container.TagI64},

	isa.OpU64Add: {Tag: container.TagU64}, isa.OpU64Sub: {Tag: container.TagU64}, isa.OpU64Mul: {Tag: container.TagU64},
	isa.OpU64Div: {Tag: container.TagU64}, isa.OpU64Rem: {Tag: container.TagU64},
	isa.OpU64And: {Tag: container.TagU64}, isa.OpU64Or: {Tag: container.TagU64}, isa.OpU64Xor: {Tag: container.TagU64},
	isa.OpU64Shl: {Tag: container.TagU64}, isa.OpU64Shr: {Tag: container.TagU64},

	isa.OpF64Add: {Tag: container.TagF64}, isa.OpF64Sub: {Tag: container.TagF64},
	isa.OpF64Mul: {Tag: container.TagF64}, isa.OpF64Div: {Tag: container.TagF64},

	isa.OpBytesConcat: {Tag: container.TagBytes}, isa.OpBytesSlice: {Tag: container.TagBytes},
	isa.OpBytesGet: {Tag: container.TagU64}, isa.OpBytesGetImm: {Tag: container.TagU64},
	isa.OpBytesToStr: {Tag: container.TagStr},
	isa.OpStrConcat:  {Tag: container.TagStr}, isa.OpStrSlice: {Tag: container.TagStr},
	isa.OpStrToBytes: {Tag: container.TagBytes},
}
