// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package verify

import (
	"github.com/probelang/sandboxvm/container"
	"github.com/probelang/sandboxvm/isa"
)

// validateInstr applies the real, checked transfer function for one
// instruction, using its converged entry regFile. It is the only place
// verification actually fails: the dataflow fixpoint (dataflow.go) never
// errors, it only converges; this pass re-walks the converged result and
// turns every violation into a VerifyError (spec.md §4.2.4's typed
// transfer functions, plus the §4.2.3 must-init check on every read).
func validateInstr(prog *container.Program, fid container.FuncId, fe *container.FuncEntry, instrs []isa.Instr, idx int, entry regFile) error {
	in := &instrs[idx]

	read := func(reg uint32, want container.ValueType) error {
		if int(reg) >= len(entry) {
			return vErr(fid, in.PC, ErrTypeMismatch, "register %d out of range (RegCount %d)", reg, fe.RegCount)
		}
		st := entry[reg]
		if !st.init {
			return vErr(fid, in.PC, ErrUseOfUninitRegister, "register %d read before it is initialized on every path", reg)
		}
		if st.class == ClassAmbiguous {
			return vErr(fid, in.PC, ErrRegisterClassConflict, "register %d has conflicting classes along different paths", reg)
		}
		if st.vt != want {
			return vErr(fid, in.PC, ErrTypeMismatch, "register %d is %s, expected %s", reg, st.vt, want)
		}
		return nil
	}
	readAny := func(reg uint32) (regState, error) {
		if int(reg) >= len(entry) {
			return regState{}, vErr(fid, in.PC, ErrTypeMismatch, "register %d out of range (RegCount %d)", reg, fe.RegCount)
		}
		st := entry[reg]
		if !st.init {
			return regState{}, vErr(fid, in.PC, ErrUseOfUninitRegister, "register %d read before it is initialized on every path", reg)
		}
		if st.class == ClassAmbiguous {
			return regState{}, vErr(fid, in.PC, ErrRegisterClassConflict, "register %d has conflicting classes along different paths", reg)
		}
		return st, nil
	}

	switch in.Op {
	case isa.OpConst:
		if int(in.ConstIdx) >= len(prog.Consts) {
			return vErr(fid, in.PC, ErrUnknownConst, "const index %d out of range", in.ConstIdx)
		}
		return nil

	case isa.OpTupleNew, isa.OpStructNew:
		if int(in.TypeID) >= len(prog.Types) {
			return vErr(fid, in.PC, ErrUnknownType, "type index %d out of range", in.TypeID)
		}
		td := prog.Types[in.TypeID]
		wantKind := container.KindTuple
		if in.Op == isa.OpStructNew {
			wantKind = container.KindStruct
		}
		if td.Kind != wantKind {
			return vErr(fid, in.PC, ErrTypeMismatch, "type %d is not the expected aggregate kind", in.TypeID)
		}
		if len(in.Args) != len(td.FieldTypes) {
			return vErr(fid, in.PC, ErrArityMismatch, "got %d args, type has %d fields", len(in.Args), len(td.FieldTypes))
		}
		for i, a := range in.Args {
			if err := read(a, td.FieldTypes[i]); err != nil {
				return err
			}
		}
		return nil

	case isa.OpArrayNew:
		if int(in.TypeID) >= len(prog.Types) {
			return vErr(fid, in.PC, ErrUnknownType, "type index %d out of range", in.TypeID)
		}
		if prog.Types[in.TypeID].Kind != container.KindArray {
			return vErr(fid, in.PC, ErrTypeMismatch, "type %d is not an array type", in.TypeID)
		}
		return read(in.Src[0], container.ValueType{Tag: container.TagU64})

	case isa.OpTupleGet, isa.OpStructGet:
		st, err := readAny(in.Src[0])
		if err != nil {
			return err
		}
		if st.vt.Tag != container.TagAgg || int(st.vt.TypeID) >= len(prog.Types) {
			return vErr(fid, in.PC, ErrTypeMismatch, "register %d is not an aggregate", in.Src[0])
		}
		td := prog.Types[st.vt.TypeID]
		wantKind := container.KindTuple
		if in.Op == isa.OpStructGet {
			wantKind = container.KindStruct
		}
		if td.Kind != wantKind {
			return vErr(fid, in.PC, ErrTypeMismatch, "register %d is not the expected aggregate kind", in.Src[0])
		}
		if int(in.FieldIdx) >= len(td.FieldTypes) {
			return vErr(fid, in.PC, ErrUnknownField, "field index %d out of range for type %d", in.FieldIdx, st.vt.TypeID)
		}
		return nil

	case isa.OpArrayGet:
		st, err := readAny(in.Src[0])
		if err != nil {
			return err
		}
		if st.vt.Tag != container.TagAgg || int(st.vt.TypeID) >= len(prog.Types) || prog.Types[st.vt.TypeID].Kind != container.KindArray {
			return vErr(fid, in.PC, ErrTypeMismatch, "register %d is not an array", in.Src[0])
		}
		return read(in.Src[1], container.ValueType{Tag: container.TagU64})

	case isa.OpBr:
		return read(in.Src[0], container.ValueType{Tag: container.TagBool})

	case isa.OpJmp:
		return nil

	case isa.OpCall:
		if int(in.FuncID) >= len(prog.Funcs) {
			return vErr(fid, in.PC, ErrUnknownFunc, "func index %d out of range", in.FuncID)
		}
		callee := prog.Funcs[in.FuncID]
		if len(in.Args) != len(callee.ArgTypes) {
			return vErr(fid, in.PC, ErrArityMismatch, "got %d args, func %d expects %d", len(in.Args), in.FuncID, len(callee.ArgTypes))
		}
		for i, a := range in.Args {
			if err := read(a, callee.ArgTypes[i]); err != nil {
				return err
			}
		}
		if len(in.Rets) != len(callee.RetTypes) {
			return vErr(fid, in.PC, ErrArityMismatch, "got %d rets, func %d returns %d", len(in.Rets), in.FuncID, len(callee.RetTypes))
		}
		for _, r := range in.Rets {
			if int(r) >= len(entry) {
				return vErr(fid, in.PC, ErrTypeMismatch, "return register %d out of range", r)
			}
		}
		return nil

	case isa.OpHostCall:
		if int(in.HostSigID) >= len(prog.HostSigs) {
			return vErr(fid, in.PC, ErrUnknownHostSig, "host sig index %d out of range", in.HostSigID)
		}
		sig := prog.HostSigs[in.HostSigID]
		if len(in.Args) != len(sig.ArgTypes) {
			return vErr(fid, in.PC, ErrArityMismatch, "got %d args, host sig %d expects %d", len(in.Args), in.HostSigID, len(sig.ArgTypes))
		}
		for i, a := range in.Args {
			if err := read(a, sig.ArgTypes[i]); err != nil {
				return err
			}
		}
		if len(in.Rets) != len(sig.RetTypes) {
			return vErr(fid, in.PC, ErrArityMismatch, "got %d rets, host sig %d returns %d", len(in.Rets), in.HostSigID, len(sig.RetTypes))
		}
		return nil

	case isa.OpRet:
		if len(in.Rets) != len(fe.RetTypes) {
			return vErr(fid, in.PC, ErrArityMismatch, "got %d ret values, function returns %d", len(in.Rets), len(fe.RetTypes))
		}
		for i, r := range in.Rets {
			if err := read(r, fe.RetTypes[i]); err != nil {
				return err
			}
		}
		return nil

	case isa.OpTrap:
		return nil

	case isa.OpDecAdd, isa.OpDecSub, isa.OpDecMul:
		lhs, err := readAny(in.Src[0])
		if err != nil {
			return err
		}
		if lhs.vt.Tag != container.TagDecimal {
			return vErr(fid, in.PC, ErrTypeMismatch, "register %d is %s, expected decimal", in.Src[0], lhs.vt)
		}
		if err := read(in.Src[1], lhs.vt); err != nil {
			return err
		}
		return nil

	case isa.OpBytesLen, isa.OpBytesToStr:
		return read(in.Src[0], container.ValueType{Tag: container.TagBytes})
	case isa.OpStrLen, isa.OpStrToBytes:
		return read(in.Src[0], container.ValueType{Tag: container.TagStr})
	case isa.OpBytesEq, isa.OpBytesConcat:
		bt := container.ValueType{Tag: container.TagBytes}
		if err := read(in.Src[0], bt); err != nil {
			return err
		}
		return read(in.Src[1], bt)
	case isa.OpStrEq, isa.OpStrConcat:
		st := container.ValueType{Tag: container.TagStr}
		if err := read(in.Src[0], st); err != nil {
			return err
		}
		return read(in.Src[1], st)
	case isa.OpBytesSlice:
		bt := container.ValueType{Tag: container.TagBytes}
		u := container.ValueType{Tag: container.TagU64}
		if err := read(in.Src[0], bt); err != nil {
			return err
		}
		if err := read(in.Src[1], u); err != nil {
			return err
		}
		return read(in.Src[2], u)
	case isa.OpStrSlice:
		st := container.ValueType{Tag: container.TagStr}
		u := container.ValueType{Tag: container.TagU64}
		if err := read(in.Src[0], st); err != nil {
			return err
		}
		if err := read(in.Src[1], u); err != nil {
			return err
		}
		return read(in.Src[2], u)
	case isa.OpBytesGet:
		if err := read(in.Src[0], container.ValueType{Tag: container.TagBytes}); err != nil {
			return err
		}
		return read(in.Src[1], container.ValueType{Tag: container.TagU64})
	case isa.OpBytesGetImm:
		return read(in.Src[0], container.ValueType{Tag: container.TagBytes})

	case isa.OpBoolAnd, isa.OpBoolOr:
		bt := container.ValueType{Tag: container.TagBool}
		if err := read(in.Src[0], bt); err != nil {
			return err
		}
		return read(in.Src[1], bt)
	case isa.OpBoolNot:
		return read(in.Src[0], container.ValueType{Tag: container.TagBool})

	default:
		if vt, ok := arithResultType[in.Op]; ok {
			if err := read(in.Src[0], vt); err != nil {
				return err
			}
			return read(in.Src[1], vt)
		}
		for _, cmpSet := range []struct {
			ops []isa.Opcode
			vt  container.ValueType
		}{
			{[]isa.Opcode{isa.OpI64CmpEq, isa.OpI64CmpLt, isa.OpI64CmpLe}, container.ValueType{Tag: container.TagI64}},
			{[]isa.Opcode{isa.OpU64CmpEq, isa.OpU64CmpLt, isa.OpU64CmpLe}, container.ValueType{Tag: container.TagU64}},
			{[]isa.Opcode{isa.OpF64CmpEq, isa.OpF64CmpLt, isa.OpF64CmpLe}, container.ValueType{Tag: container.TagF64}},
		} {
			for _, op := range cmpSet.ops {
				if in.Op == op {
					if err := read(in.Src[0], cmpSet.vt); err != nil {
						return err
					}
					return read(in.Src[1], cmpSet.vt)
				}
			}
		}
		return vErr(fid, in.PC, ErrUnknownOpcode, "opcode %s has no typed transfer rule", in.Op)
	}
}
